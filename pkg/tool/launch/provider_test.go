// pkg/tool/launch/provider_test.go
package launch

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eduline/lti-provider/pkg/tool/keys"
	"github.com/eduline/lti-provider/pkg/tool/registry"
	"github.com/eduline/lti-provider/pkg/tool/storage"
)

/* -------- Fixture: a provider with one registered platform and its key -------- */

type providerFixture struct {
	p    *Provider
	priv *rsa.PrivateKey

	connects     int
	deepLinks    int
	lastToken    *IDToken
	lastHadToken bool
}

func newProviderFixture(t *testing.T, opts Options) *providerFixture {
	t.Helper()
	f := &providerFixture{}

	if opts.BaseURL == "" {
		opts.BaseURL = "https://tool.example.com"
	}
	cb := Callbacks{
		OnConnect: func(w http.ResponseWriter, r *http.Request) {
			f.connects++
			f.lastToken, f.lastHadToken = TokenFromContext(r.Context())
			w.WriteHeader(http.StatusOK)
		},
		OnDeepLinking: func(w http.ResponseWriter, r *http.Request) {
			f.deepLinks++
			w.WriteHeader(http.StatusOK)
		},
	}

	p, err := New("master-secret", storage.NewMemoryStore(), opts, cb)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	f.p = p

	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("rsa: %v", err)
	}
	f.priv = priv
	p.Ring.RSAKeyBits = 1024

	pubPEM, err := keys.EncodePublicPEM(&priv.PublicKey)
	if err != nil {
		t.Fatalf("pem: %v", err)
	}
	if _, err := p.Registry.Register(context.Background(), registry.Platform{
		Name:                "Example LMS",
		URL:                 testIss,
		ClientID:            testClientID,
		AuthEndpoint:        testIss + "/auth",
		AccessTokenEndpoint: testIss + "/token",
		AuthConfig:          registry.RSAKey{PEM: pubPEM},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	return f
}

func (f *providerFixture) launchClaims(nonce string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":              testIss,
		"sub":              "user-1",
		"aud":              testClientID,
		"iat":              now.Unix(),
		"exp":              now.Add(time.Hour).Unix(),
		"nonce":            nonce,
		ClaimMessageType:   MessageTypeResourceLink,
		ClaimVersion:       LTIVersion,
		ClaimDeploymentID:  "dep-1",
		ClaimTargetLinkURI: "https://tool.example.com/",
		ClaimResourceLink:  map[string]any{"id": "rl-1"},
		ClaimContext:       map[string]any{"id": "course-1", "label": "C1"},
		ClaimRoles:         []any{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
	}
}

func (f *providerFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "platform-kid"
	raw, err := tok.SignedString(f.priv)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return raw
}

// login performs the OIDC initiation and returns the issued state plus the
// cookies the browser would hold afterwards.
func (f *providerFixture) login(t *testing.T) (string, []*http.Cookie) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet,
		"/login?iss="+url.QueryEscape(testIss)+"&target_link_uri="+url.QueryEscape("https://tool.example.com/")+"&login_hint=h1", nil)
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("login: expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("login redirect: %v", err)
	}
	state := loc.Query().Get("state")
	if state == "" {
		t.Fatalf("login redirect carries no state: %s", loc)
	}
	return state, rec.Result().Cookies()
}

// callback posts the id_token and returns the ltik from the self-redirect
// plus the accumulated cookie jar.
func (f *providerFixture) callback(t *testing.T, idToken, state string, jar []*http.Cookie) (string, []*http.Cookie) {
	t.Helper()
	form := url.Values{}
	form.Set("id_token", idToken)
	form.Set("state", state)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range jar {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("callback: expected 302, got %d: %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("callback redirect: %v", err)
	}
	ltik := loc.Query().Get("ltik")
	if ltik == "" {
		t.Fatalf("callback redirect carries no ltik: %s", loc)
	}
	return ltik, append(jar, rec.Result().Cookies()...)
}

func (f *providerFixture) launch(t *testing.T, claims jwt.MapClaims) (string, []*http.Cookie) {
	t.Helper()
	state, jar := f.login(t)
	return f.callback(t, f.sign(t, claims), state, jar)
}

/* ------------------------------------ Tests ----------------------------------- */

func TestLogin_RedirectsToPlatformAuthorize(t *testing.T) {
	f := newProviderFixture(t, Options{})

	req := httptest.NewRequest(http.MethodGet,
		"/login?iss="+url.QueryEscape(testIss)+"&target_link_uri="+url.QueryEscape("https://tool.example.com/launch"), nil)
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if !strings.HasPrefix(loc.String(), testIss+"/auth") {
		t.Fatalf("expected redirect to platform authorize endpoint, got %s", loc)
	}
	q := loc.Query()
	if q.Get("response_type") != "id_token" || q.Get("response_mode") != "form_post" ||
		q.Get("scope") != "openid" || q.Get("prompt") != "none" {
		t.Fatalf("authorize request missing OIDC parameters: %s", loc.RawQuery)
	}
	if q.Get("client_id") != testClientID {
		t.Fatalf("expected registered client id, got %q", q.Get("client_id"))
	}
	if q.Get("redirect_uri") != "https://tool.example.com/launch" {
		t.Fatalf("expected redirect_uri to echo target, got %q", q.Get("redirect_uri"))
	}
	if q.Get("nonce") == "" || q.Get("state") == "" {
		t.Fatalf("authorize request missing nonce/state: %s", loc.RawQuery)
	}
}

func TestLogin_MissingParams(t *testing.T) {
	f := newProviderFixture(t, Options{})
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/login?iss="+url.QueryEscape(testIss), nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without target_link_uri, got %d", rec.Code)
	}
}

func TestLogin_UnregisteredPlatform(t *testing.T) {
	f := newProviderFixture(t, Options{})
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/login?iss="+url.QueryEscape("https://unknown.example.com")+"&target_link_uri=x", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unregistered issuer, got %d", rec.Code)
	}
}

func TestLaunch_FullFlow(t *testing.T) {
	f := newProviderFixture(t, Options{})

	ltik, jar := f.launch(t, f.launchClaims("nonce-flow"))

	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	for _, c := range jar {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected OnConnect 200, got %d", rec.Code)
	}
	if f.connects != 1 {
		t.Fatalf("expected exactly one OnConnect, got %d", f.connects)
	}
	if !f.lastHadToken || f.lastToken == nil {
		t.Fatalf("expected session token in context")
	}
	if f.lastToken.User != "user-1" || f.lastToken.Iss != testIss || f.lastToken.DeploymentID != "dep-1" {
		t.Fatalf("unexpected session identity: %+v", f.lastToken)
	}
	if f.lastToken.PlatformContext == nil || f.lastToken.PlatformContext.MessageType != MessageTypeResourceLink {
		t.Fatalf("expected platform context attached: %+v", f.lastToken.PlatformContext)
	}
}

func TestLaunch_BearerHeaderCarriesLTIK(t *testing.T) {
	f := newProviderFixture(t, Options{})
	ltik, jar := f.launch(t, f.launchClaims("nonce-bearer"))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+ltik)
	for _, c := range jar {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via Authorization header, got %d", rec.Code)
	}
}

func TestCallback_RejectsUnsignedLogin(t *testing.T) {
	f := newProviderFixture(t, Options{})
	// No prior login: no state cookie to pin the issuer.
	form := url.Values{}
	form.Set("id_token", f.sign(t, f.launchClaims("nonce-nostate")))
	form.Set("state", "forged")
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect to invalid-token surface, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/invalidToken" {
		t.Fatalf("expected /invalidToken, got %s", loc)
	}
}

func TestSession_MissingCookieTimesOut(t *testing.T) {
	f := newProviderFixture(t, Options{})
	ltik, _ := f.launch(t, f.launchClaims("nonce-nocookie"))

	// LTIK present but the browser lost its session cookie.
	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected redirect, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/sessionTimeout" {
		t.Fatalf("expected /sessionTimeout, got %s", loc)
	}
}

func TestSession_DevModeToleratesMissingCookie(t *testing.T) {
	f := newProviderFixture(t, Options{DevMode: true})
	ltik, _ := f.launch(t, f.launchClaims("nonce-dev"))

	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("dev mode should tolerate a missing session cookie, got %d", rec.Code)
	}
}

func TestSession_GarbageLTIK(t *testing.T) {
	f := newProviderFixture(t, Options{})
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/?ltik=garbage", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/invalidToken" {
		t.Fatalf("expected redirect to /invalidToken, got %d %s", rec.Code, rec.Header().Get("Location"))
	}
}

func TestSession_NoLTIKRedirects(t *testing.T) {
	f := newProviderFixture(t, Options{})
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))
	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/invalidToken" {
		t.Fatalf("expected redirect to /invalidToken, got %d %s", rec.Code, rec.Header().Get("Location"))
	}
}

func TestWhitelist_BypassesAuth(t *testing.T) {
	f := newProviderFixture(t, Options{})
	if err := f.p.Whitelist(
		WhitelistEntry{Route: "/open"},
		WhitelistEntry{Route: "/webhook", Method: http.MethodPost},
	); err != nil {
		t.Fatalf("whitelist: %v", err)
	}

	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/open", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("bare whitelisted route should reach OnConnect, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.p.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhook", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("method-qualified whitelist should match its method, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	f.p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/webhook", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("method-qualified whitelist must not match other methods, got %d", rec.Code)
	}
}

func TestWhitelist_RejectsEmptyRoute(t *testing.T) {
	f := newProviderFixture(t, Options{})
	if err := f.p.Whitelist(WhitelistEntry{Route: "  "}); err == nil {
		t.Fatalf("expected empty route to be rejected")
	}
}

func TestDeepLinking_Dispatch(t *testing.T) {
	f := newProviderFixture(t, Options{})

	claims := f.launchClaims("nonce-dl")
	claims[ClaimMessageType] = MessageTypeDeepLinking
	delete(claims, ClaimResourceLink)
	claims[ClaimDeepLinkingSettings] = map[string]any{
		"deep_link_return_url": testIss + "/deep_link_return",
		"accept_types":         []any{"ltiResourceLink"},
	}

	ltik, jar := f.launch(t, claims)
	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	for _, c := range jar {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if f.deepLinks != 1 || f.connects != 0 {
		t.Fatalf("expected OnDeepLinking dispatch, got deepLinks=%d connects=%d", f.deepLinks, f.connects)
	}
}

func TestKeysetRoute_ServesJWKS(t *testing.T) {
	f := newProviderFixture(t, Options{})
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/keys", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from keyset, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"keys"`) {
		t.Fatalf("expected a JWKS body, got %s", rec.Body.String())
	}
}

func TestNew_RequiresConnectCallback(t *testing.T) {
	_, err := New("secret", storage.NewMemoryStore(), Options{}, Callbacks{})
	if err == nil {
		t.Fatalf("expected ErrMissingCallback")
	}
}

func TestNew_RequiresSecret(t *testing.T) {
	_, err := New("", storage.NewMemoryStore(), Options{}, Callbacks{
		OnConnect: func(http.ResponseWriter, *http.Request) {},
	})
	if err == nil {
		t.Fatalf("expected ErrMissingArgument")
	}
}
