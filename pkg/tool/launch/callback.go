// pkg/tool/launch/callback.go
package launch

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/eduline/lti-provider/pkg/tool/storage"
)

/*
OIDC auth response handling: validate the posted id_token, materialize the
session rows, hand the browser an LTIK via self-redirect.
*/

func (p *Provider) handleCallback(w http.ResponseWriter, r *http.Request) {
	idToken := r.PostFormValue("id_token")
	state := r.PostFormValue("state")

	expectedIss := ""
	if state != "" {
		if v, ok := p.cookies.Read(r, stateCookieName(state)); ok {
			expectedIss = v
		}
	}
	if expectedIss == "" && !p.opts.DevMode {
		p.toInvalidToken(w, r, ErrMissingSession)
		return
	}

	platform, claims, err := p.Validator.Validate(r.Context(), idToken, expectedIss, p.opts.DevMode)
	if err != nil {
		if state != "" {
			p.cookies.Clear(w, stateCookieName(state))
		}
		p.toInvalidToken(w, r, err)
		return
	}
	if state != "" {
		p.cookies.Clear(w, stateCookieName(state))
	}

	sub, _ := claims["sub"].(string)
	deploymentID, _ := claims[ClaimDeploymentID].(string)
	contextID := deriveContextID(platform.URL, deploymentID, claims)
	platformCode := PlatformCode(platform.URL, deploymentID)

	tok := idTokenFromClaims(claims)
	pc := contextFromClaims(claims, contextID, r.URL.Path)

	if err := p.store.Replace(r.Context(), storage.CollectionIDToken,
		storage.Filter{"iss": tok.Iss, "deploymentId": tok.DeploymentID, "user": tok.User},
		idTokenToDoc(tok)); err != nil {
		p.toInvalidToken(w, r, err)
		return
	}
	if err := p.store.Replace(r.Context(), storage.CollectionContextToken,
		storage.Filter{"contextId": pc.ContextID, "user": pc.User},
		contextToDoc(pc)); err != nil {
		p.toInvalidToken(w, r, err)
		return
	}

	p.cookies.Set(w, platformCode, sub, 0)

	ltik, err := p.codec.Encode(LTIK{
		PlatformURL:  platform.URL,
		DeploymentID: deploymentID,
		PlatformCode: platformCode,
		ContextID:    contextID,
		User:         sub,
		State:        state,
	})
	if err != nil {
		p.toInvalidToken(w, r, err)
		return
	}

	q := r.URL.Query()
	q.Set("ltik", ltik)
	http.Redirect(w, r, strings.TrimSuffix(p.opts.BaseURL, "/")+r.URL.Path+"?"+q.Encode(), http.StatusFound)
}

// deriveContextID builds the stable per-context key. Course and resource
// ids default to "NF" when the launch does not carry them.
func deriveContextID(iss, deploymentID string, claims map[string]any) string {
	courseID := "NF"
	if c := asMap(claims[ClaimContext]); c != nil {
		if id := asString(c["id"]); id != "" {
			courseID = id
		}
	}
	resourceID := "NF"
	if rl := asMap(claims[ClaimResourceLink]); rl != nil {
		if id := asString(rl["id"]); id != "" {
			resourceID = id
		}
	}
	return url.QueryEscape(iss + deploymentID + courseID + "_" + resourceID)
}
