// pkg/tool/launch/session.go
package launch

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/eduline/lti-provider/pkg/tool/storage"
)

/*
Steady-state request auth: every non-reserved request re-establishes its
session from the LTIK, the platformCode cookie and the stored token rows.
Nothing is cached in memory between requests.
*/

func (p *Provider) handleSession(w http.ResponseWriter, r *http.Request) {
	raw := extractLTIK(r)
	if raw == "" {
		if p.whitelisted(r.URL.Path, r.Method) {
			p.cb.OnConnect(w, r)
			return
		}
		p.toInvalidToken(w, r, nil)
		return
	}

	ltik, err := p.codec.Decode(raw)
	if err != nil {
		if p.whitelisted(r.URL.Path, r.Method) {
			p.cb.OnConnect(w, r)
			return
		}
		p.toInvalidToken(w, r, err)
		return
	}

	cookieUser, ok := p.cookies.Read(r, ltik.PlatformCode)
	switch {
	case ok && cookieUser == ltik.User:
		// session cookie binds this browser to the launch user
	case !ok && p.opts.DevMode:
		// tolerated in dev
	default:
		p.toSessionTimeout(w, r)
		return
	}

	tok, pc, err := p.loadSession(r, ltik)
	switch {
	case err == nil:
	case errors.Is(err, ErrMissingSession):
		p.toSessionTimeout(w, r)
		return
	default:
		// Backend failure, not an expired session.
		p.toInvalidToken(w, r, err)
		return
	}
	tok.PlatformContext = &pc

	ctx := withLTIK(WithToken(r.Context(), &tok), raw)
	r = r.WithContext(ctx)

	if pc.MessageType == MessageTypeDeepLinking && p.cb.OnDeepLinking != nil {
		p.cb.OnDeepLinking(w, r)
		return
	}
	p.cb.OnConnect(w, r)
}

func (p *Provider) loadSession(r *http.Request, ltik LTIK) (IDToken, PlatformContext, error) {
	idDocs, err := p.store.Get(r.Context(), storage.CollectionIDToken, storage.Filter{
		"iss":          ltik.PlatformURL,
		"deploymentId": ltik.DeploymentID,
		"user":         ltik.User,
	})
	if err != nil {
		return IDToken{}, PlatformContext{}, fmt.Errorf("launch: load id token: %w", err)
	}
	if len(idDocs) == 0 {
		return IDToken{}, PlatformContext{}, ErrMissingSession
	}
	ctxDocs, err := p.store.Get(r.Context(), storage.CollectionContextToken, storage.Filter{
		"contextId": ltik.ContextID,
		"user":      ltik.User,
	})
	if err != nil {
		return IDToken{}, PlatformContext{}, fmt.Errorf("launch: load context: %w", err)
	}
	if len(ctxDocs) == 0 {
		return IDToken{}, PlatformContext{}, ErrMissingSession
	}
	return idTokenFromDoc(idDocs[0]), contextFromDoc(ctxDocs[0]), nil
}

// extractLTIK pulls the continuation token from the Authorization header
// or the ltik query parameter.
func extractLTIK(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return r.URL.Query().Get("ltik")
}
