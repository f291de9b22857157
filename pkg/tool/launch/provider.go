// pkg/tool/launch/provider.go
package launch

import (
	"crypto/rand"
	"log"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/eduline/lti-provider/pkg/tool/keys"
	"github.com/eduline/lti-provider/pkg/tool/registry"
	"github.com/eduline/lti-provider/pkg/tool/storage"
)

/*
Provider: the tool's HTTP face.

What this file provides:

  • The Provider value tying together the store, the key ring, the
    platform registry, the validator and the LTIK codec behind one
    http.Handler.
  • Reserved-route wiring (login, keyset, session-timeout, invalid-token)
    plus the catch-all that runs the launch state machine for everything
    else.
  • The whitelist: paths (optionally method-qualified) that bypass
    session auth entirely.

How to wire:

    p, err := launch.New(cfg.EncryptionKey, st, launch.Options{...}, launch.Callbacks{
        OnConnect: myApp,
    })
    r.Mount("/", p)

Provider is an explicit value: construct as many as you need, nothing is
package-global.
*/

// Callbacks are the user handlers the state machine dispatches into.
// OnConnect is required; the rest default sensibly.
type Callbacks struct {
	// OnConnect handles every authenticated resource-link request. The
	// session token is available via TokenFromContext.
	OnConnect http.HandlerFunc
	// OnDeepLinking handles deep-linking launches. Defaults to OnConnect.
	OnDeepLinking http.HandlerFunc
	// OnSessionTimeout and OnInvalidToken override the default 401 surfaces.
	OnSessionTimeout http.HandlerFunc
	OnInvalidToken   http.HandlerFunc
}

// Options configure a Provider.
type Options struct {
	// BaseURL is the externally visible origin of the tool, used when
	// rebuilding the post-callback redirect (e.g. "https://tool.example.com").
	BaseURL string

	// Reserved routes. Zero values take the defaults below.
	AppRoute            string // "/"
	LoginRoute          string // "/login"
	KeysetRoute         string // "/keys"
	SessionTimeoutRoute string // "/sessionTimeout"
	InvalidTokenRoute   string // "/invalidToken"

	// DevMode tolerates missing state and session cookies. Validation still
	// runs whenever the cookies are present.
	DevMode bool

	// TokenMaxAge bounds id_token age in seconds. Zero disables the check.
	TokenMaxAge int

	// LTIKMaxAge bounds continuation-token age in seconds. Zero disables.
	LTIKMaxAge int

	Cookies CookieOptions
}

func (o *Options) fillDefaults() {
	if o.AppRoute == "" {
		o.AppRoute = "/"
	}
	if o.LoginRoute == "" {
		o.LoginRoute = "/login"
	}
	if o.KeysetRoute == "" {
		o.KeysetRoute = "/keys"
	}
	if o.SessionTimeoutRoute == "" {
		o.SessionTimeoutRoute = "/sessionTimeout"
	}
	if o.InvalidTokenRoute == "" {
		o.InvalidTokenRoute = "/invalidToken"
	}
}

// Provider is the assembled LTI tool endpoint. Safe for concurrent use.
type Provider struct {
	Registry  *registry.PlatformRegistry
	Ring      *keys.KeyRing
	Validator *TokenValidator

	opts    Options
	store   storage.Store
	codec   *LTIKCodec
	cookies *CookieSigner
	cb      Callbacks

	wmu       sync.RWMutex
	whitelist map[string]struct{}

	router chi.Router

	// Now overrides the clock (tests).
	Now func() time.Time
}

// New assembles a Provider. secret is the master key (LTIK and cookie
// signing; the store handles at-rest encryption separately).
func New(secret string, st storage.Store, opts Options, cb Callbacks) (*Provider, error) {
	if cb.OnConnect == nil {
		return nil, ErrMissingCallback
	}
	if secret == "" {
		return nil, ErrMissingArgument
	}
	opts.fillDefaults()

	ring := &keys.KeyRing{Store: st}
	reg := &registry.PlatformRegistry{Store: st, Ring: ring}
	codec := NewLTIKCodec(secret)
	codec.MaxAgeSeconds = opts.LTIKMaxAge

	p := &Provider{
		Registry: reg,
		Ring:     ring,
		Validator: &TokenValidator{
			Registry:      reg,
			Replay:        NewMemoryReplay(),
			JWKS:          &JWKSCache{},
			MaxAgeSeconds: opts.TokenMaxAge,
		},
		opts:      opts,
		store:     st,
		codec:     codec,
		cookies:   NewCookieSigner(secret, opts.Cookies),
		cb:        cb,
		whitelist: make(map[string]struct{}),
	}
	p.routes()
	return p, nil
}

func (p *Provider) routes() {
	r := chi.NewRouter()
	r.HandleFunc(p.opts.LoginRoute, p.handleLogin)
	r.Get(p.opts.KeysetRoute, p.Ring.Handler())
	r.HandleFunc(p.opts.SessionTimeoutRoute, p.sessionTimeoutHandler())
	r.HandleFunc(p.opts.InvalidTokenRoute, p.invalidTokenHandler())
	r.HandleFunc("/*", p.handleApp)
	p.router = r
}

// ServeHTTP implements http.Handler.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.router.ServeHTTP(w, r)
}

// handleApp is the catch-all: a POST carrying id_token is the OIDC
// callback, anything else is a steady-state in-tool request.
func (p *Provider) handleApp(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	if r.PostFormValue("id_token") != "" {
		p.handleCallback(w, r)
		return
	}
	p.handleSession(w, r)
}

// ------------------------------- Whitelist -----------------------------------

// WhitelistEntry names a route that bypasses session auth. An empty Method
// matches any method.
type WhitelistEntry struct {
	Route  string
	Method string
}

// Whitelist registers routes that pass through without a session. Entries
// with a method are stored method-qualified; bare routes match any method.
func (p *Provider) Whitelist(entries ...WhitelistEntry) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	for _, e := range entries {
		if strings.TrimSpace(e.Route) == "" {
			return ErrMissingArgument
		}
		key := e.Route
		if e.Method != "" {
			key = e.Route + "-method-" + strings.ToUpper(e.Method)
		}
		p.whitelist[key] = struct{}{}
	}
	return nil
}

func (p *Provider) whitelisted(path, method string) bool {
	p.wmu.RLock()
	defer p.wmu.RUnlock()
	if _, ok := p.whitelist[path]; ok {
		return true
	}
	_, ok := p.whitelist[path+"-method-"+strings.ToUpper(method)]
	return ok
}

// ---------------------------- Error surfaces ---------------------------------

func (p *Provider) sessionTimeoutHandler() http.HandlerFunc {
	if p.cb.OnSessionTimeout != nil {
		return p.cb.OnSessionTimeout
	}
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Token invalid or expired. Please reinitiate login.", http.StatusUnauthorized)
	}
}

func (p *Provider) invalidTokenHandler() http.HandlerFunc {
	if p.cb.OnInvalidToken != nil {
		return p.cb.OnInvalidToken
	}
	return func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "Invalid token. Please reinitiate login.", http.StatusUnauthorized)
	}
}

func (p *Provider) toSessionTimeout(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, p.opts.SessionTimeoutRoute, http.StatusFound)
}

func (p *Provider) toInvalidToken(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		log.Printf("launch: rejected request %s %s: %v", r.Method, r.URL.Path, err)
	}
	http.Redirect(w, r, p.opts.InvalidTokenRoute, http.StatusFound)
}

// ------------------------------ Local helpers --------------------------------

const stateAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// randState returns a 20-character base-36 nonce.
func randState() string {
	b := make([]byte, 20)
	max := big.NewInt(int64(len(stateAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(err)
		}
		b[i] = stateAlphabet[n.Int64()]
	}
	return string(b)
}

func (p *Provider) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}
