// pkg/tool/services/token_test.go
package services_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eduline/lti-provider/pkg/tool/keys"
	"github.com/eduline/lti-provider/pkg/tool/registry"
	"github.com/eduline/lti-provider/pkg/tool/services"
	"github.com/eduline/lti-provider/pkg/tool/storage"
)

type tokenEndpoint struct {
	t     *testing.T
	ring  *keys.KeyRing
	kid   string
	calls int

	lastScope     string
	lastAssertion string
}

func (e *tokenEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	e.calls++
	if err := r.ParseForm(); err != nil {
		e.t.Fatalf("parse form: %v", err)
	}
	if got := r.PostFormValue("grant_type"); got != "client_credentials" {
		e.t.Fatalf("grant_type = %q", got)
	}
	if got := r.PostFormValue("client_assertion_type"); got != "urn:ietf:params:oauth:client-assertion-type:jwt-bearer" {
		e.t.Fatalf("client_assertion_type = %q", got)
	}
	e.lastScope = r.PostFormValue("scope")
	e.lastAssertion = r.PostFormValue("client_assertion")
	if e.lastAssertion == "" {
		e.t.Fatalf("missing client_assertion")
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": "platform-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func newTokenFixture(t *testing.T) (*services.AccessTokenSource, registry.Platform, *tokenEndpoint, *httptest.Server) {
	t.Helper()
	st := storage.NewMemoryStore()
	ring := &keys.KeyRing{Store: st, RSAKeyBits: 1024}
	kid, err := ring.Generate(context.Background(), "https://lms.example.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	ep := &tokenEndpoint{t: t, ring: ring, kid: kid}
	srv := httptest.NewServer(http.HandlerFunc(ep.handler))
	t.Cleanup(srv.Close)

	p := registry.Platform{
		URL:                 "https://lms.example.com",
		ClientID:            "client-1",
		AccessTokenEndpoint: srv.URL + "/token",
		KID:                 kid,
	}
	return &services.AccessTokenSource{Ring: ring}, p, ep, srv
}

func TestToken_FetchesWithClientAssertion(t *testing.T) {
	src, p, ep, _ := newTokenFixture(t)

	tok, err := src.Token(context.Background(), p, []string{"scope-a"})
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if tok != "platform-token" {
		t.Fatalf("expected platform-token, got %q", tok)
	}
	if ep.lastScope != "scope-a" {
		t.Fatalf("expected scope forwarded, got %q", ep.lastScope)
	}

	// The assertion must verify against the tool key and bind to the endpoint.
	pub, err := ep.ring.PublicKey(context.Background(), ep.kid)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(ep.lastAssertion, claims,
		func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"RS256"}))
	if err != nil || !parsed.Valid {
		t.Fatalf("assertion does not verify: %v", err)
	}
	if claims["iss"] != "client-1" || claims["sub"] != "client-1" {
		t.Fatalf("assertion iss/sub must be the client id: %v", claims)
	}
	if claims["aud"] != p.AccessTokenEndpoint {
		t.Fatalf("assertion aud must be the token endpoint: %v", claims["aud"])
	}
	if kidHdr, _ := parsed.Header["kid"].(string); kidHdr != ep.kid {
		t.Fatalf("assertion kid header mismatch: %q", kidHdr)
	}
	if jti, _ := claims["jti"].(string); jti == "" {
		t.Fatalf("assertion missing jti")
	}
}

func TestToken_CachesUntilExpiry(t *testing.T) {
	src, p, ep, _ := newTokenFixture(t)
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src.Now = func() time.Time { return base }

	if _, err := src.Token(context.Background(), p, []string{"scope-a"}); err != nil {
		t.Fatalf("token: %v", err)
	}
	if _, err := src.Token(context.Background(), p, []string{"scope-a"}); err != nil {
		t.Fatalf("token: %v", err)
	}
	if ep.calls != 1 {
		t.Fatalf("expected cached second call, got %d fetches", ep.calls)
	}

	// A different scope set is a different cache entry.
	if _, err := src.Token(context.Background(), p, []string{"scope-b"}); err != nil {
		t.Fatalf("token: %v", err)
	}
	if ep.calls != 2 {
		t.Fatalf("expected fetch for new scope set, got %d", ep.calls)
	}

	// Past expiry the entry is refreshed.
	src.Now = func() time.Time { return base.Add(2 * time.Hour) }
	if _, err := src.Token(context.Background(), p, []string{"scope-a"}); err != nil {
		t.Fatalf("token: %v", err)
	}
	if ep.calls != 3 {
		t.Fatalf("expected refresh after expiry, got %d", ep.calls)
	}
}

func TestToken_MissingEndpoint(t *testing.T) {
	src := &services.AccessTokenSource{}
	_, err := src.Token(context.Background(), registry.Platform{URL: "https://lms.example.com"}, nil)
	if err == nil {
		t.Fatalf("expected error for platform without token endpoint")
	}
}

func TestToken_PlatformErrorSurfaces(t *testing.T) {
	src, p, _, _ := newTokenFixture(t)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(bad.Close)
	p.AccessTokenEndpoint = bad.URL

	if _, err := src.Token(context.Background(), p, nil); err == nil {
		t.Fatalf("expected error for non-2xx token response")
	}
}
