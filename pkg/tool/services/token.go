// pkg/tool/services/token.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/eduline/lti-provider/pkg/tool/keys"
	"github.com/eduline/lti-provider/pkg/tool/registry"
)

/*
Platform access tokens for the LTI service APIs (AGS, NRPS).

LTI 1.3 services authenticate with client_credentials plus a
private_key_jwt client assertion: a short-lived RS256 JWT signed with the
tool key registered for the platform. Tokens are cached per
(platform, scope set) until shortly before expiry.
*/

// AccessTokenSource fetches and caches platform access tokens.
type AccessTokenSource struct {
	HTTP *http.Client
	Ring *keys.KeyRing

	// Now overrides the clock (tests).
	Now func() time.Time

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

type tokenResp struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	Scope       string `json:"scope,omitempty"`
}

// Token returns a bearer token for the given platform and scopes.
func (s *AccessTokenSource) Token(ctx context.Context, p registry.Platform, scopes []string) (string, error) {
	if p.AccessTokenEndpoint == "" || p.ClientID == "" {
		return "", errors.New("services: platform missing token endpoint or client id")
	}
	key := p.URL + "|" + strings.Join(scopes, " ")

	s.mu.Lock()
	if s.cache == nil {
		s.cache = make(map[string]cachedToken)
	}
	if c, ok := s.cache[key]; ok && s.now().Before(c.expires) {
		s.mu.Unlock()
		return c.token, nil
	}
	s.mu.Unlock()

	assertion, err := s.clientAssertion(ctx, p)
	if err != nil {
		return "", err
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", "urn:ietf:params:oauth:client-assertion-type:jwt-bearer")
	form.Set("client_assertion", assertion)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.AccessTokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client().Do(req)
	if err != nil {
		return "", fmt.Errorf("services: token fetch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", httpErr("fetch token", resp)
	}
	var tr tokenResp
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	if tr.AccessToken == "" {
		return "", errors.New("services: empty access_token in token response")
	}

	ttl := time.Duration(tr.ExpiresIn) * time.Second
	if ttl <= 0 {
		ttl = time.Hour
	}
	// Refresh a minute early so in-flight calls never carry a stale token.
	expires := s.now().Add(ttl - time.Minute)

	s.mu.Lock()
	s.cache[key] = cachedToken{token: tr.AccessToken, expires: expires}
	s.mu.Unlock()
	return tr.AccessToken, nil
}

// clientAssertion signs the private_key_jwt assertion with the tool key
// registered for this platform.
func (s *AccessTokenSource) clientAssertion(ctx context.Context, p registry.Platform) (string, error) {
	if s.Ring == nil {
		return "", errors.New("services: key ring not configured")
	}
	priv, err := s.Ring.PrivateKey(ctx, p.KID)
	if err != nil {
		return "", fmt.Errorf("services: load tool key: %w", err)
	}
	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": p.ClientID,
		"sub": p.ClientID,
		"aud": p.AccessTokenEndpoint,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	})
	tok.Header["kid"] = p.KID
	return tok.SignedString(priv)
}

func (s *AccessTokenSource) client() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return &http.Client{Timeout: 15 * time.Second}
}

func (s *AccessTokenSource) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Uniform HTTP error helper.
func httpErr(op string, resp *http.Response) error {
	return fmt.Errorf("%s: platform returned %s", op, resp.Status)
}
