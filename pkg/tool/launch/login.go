// pkg/tool/launch/login.go
package launch

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/eduline/lti-provider/pkg/tool/registry"
)

/*
OIDC third-party-initiated login.

The platform opens this endpoint with issuer and hint parameters; we
answer with a 302 to the platform's authorize endpoint carrying a fresh
state and nonce. The state doubles as the name suffix of a short-lived
signed cookie whose value is the issuer, which the callback later uses
to pin the id_token to this login.
*/

func (p *Provider) handleLogin(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	param := func(name string) string {
		if v := r.PostFormValue(name); v != "" {
			return v
		}
		return r.URL.Query().Get(name)
	}

	iss := strings.TrimSpace(param("iss"))
	target := strings.TrimSpace(param("target_link_uri"))
	if iss == "" || target == "" {
		http.Error(w, "missing iss or target_link_uri", http.StatusBadRequest)
		return
	}

	platform, err := p.Registry.Get(r.Context(), iss)
	if err != nil {
		if errors.Is(err, registry.ErrPlatformNotFound) {
			http.Error(w, ErrUnregisteredPlatform.Error(), http.StatusUnauthorized)
			return
		}
		http.Error(w, "login failed", http.StatusBadRequest)
		return
	}

	clientID := param("client_id")
	if clientID == "" {
		clientID = platform.ClientID
	}

	state := randState()
	p.cookies.Set(w, stateCookieName(state), iss, 600)

	q := url.Values{}
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("scope", "openid")
	q.Set("prompt", "none")
	q.Set("client_id", clientID)
	q.Set("redirect_uri", target)
	q.Set("login_hint", param("login_hint"))
	if hint := param("lti_message_hint"); hint != "" {
		q.Set("lti_message_hint", hint)
	}
	if dep := param("lti_deployment_id"); dep != "" {
		q.Set("lti_deployment_id", dep)
	}
	q.Set("nonce", uuid.NewString())
	q.Set("state", state)

	sep := "?"
	if strings.Contains(platform.AuthEndpoint, "?") {
		sep = "&"
	}
	http.Redirect(w, r, platform.AuthEndpoint+sep+q.Encode(), http.StatusFound)
}
