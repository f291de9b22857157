// pkg/tool/launch/redirect.go
package launch

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/eduline/lti-provider/pkg/tool/storage"
)

// RedirectOptions tune Provider.Redirect.
type RedirectOptions struct {
	// NewResource records the target path on the ContextToken so re-entry
	// into the context resolves to the same resource.
	NewResource bool
}

// Redirect sends the browser to target while keeping the session's LTIK in
// the query string, so in-tool navigation stays authenticated. Requests
// without a bound session get a plain 302.
func (p *Provider) Redirect(w http.ResponseWriter, r *http.Request, target string, opts ...RedirectOptions) {
	raw, ok := LTIKFromContext(r.Context())
	if !ok || raw == "" {
		http.Redirect(w, r, target, http.StatusFound)
		return
	}

	var opt RedirectOptions
	if len(opts) > 0 {
		opt = opts[0]
	}
	if opt.NewResource {
		if ltik, err := p.codec.Decode(raw); err == nil {
			_ = p.store.Modify(r.Context(), storage.CollectionContextToken,
				storage.Filter{"contextId": ltik.ContextID, "user": ltik.User},
				storage.Document{"path": target})
		}
	}

	http.Redirect(w, r, appendLTIK(target, raw), http.StatusFound)
}

// appendLTIK merges ltik into target's query string, preserving whatever
// query it already carries. Targets of the bare "host:port" form (no path)
// survive the round trip intact.
func appendLTIK(target, ltik string) string {
	u, err := url.Parse(target)
	if err != nil {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		return target + sep + "ltik=" + url.QueryEscape(ltik)
	}
	if u.Opaque != "" {
		// "host:port" parses as scheme:opaque; rebuild by hand.
		q := u.Query()
		q.Set("ltik", ltik)
		return u.Scheme + ":" + u.Opaque + "?" + q.Encode()
	}
	q := u.Query()
	q.Set("ltik", ltik)
	u.RawQuery = q.Encode()
	return u.String()
}
