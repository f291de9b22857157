// pkg/tool/launch/cookies.go
package launch

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/crypto/hkdf"
)

/*
Signed cookies.

Login state and the per-platform session marker travel as HMAC-signed
cookies: base64url(value) "." base64url(HMAC-SHA256(value)). The signing key is
derived from the master secret with HKDF so cookie signatures, LTIK
signatures and at-rest encryption never share raw key material.
*/

// CookieOptions govern the attributes of every cookie the provider sets.
type CookieOptions struct {
	// SameSite is one of "Strict", "Lax", "None" (default "Lax").
	SameSite string
	// Secure marks cookies Secure; forced true when SameSite is "None".
	Secure bool
	Domain string
}

func (o CookieOptions) sameSite() http.SameSite {
	switch strings.ToLower(strings.TrimSpace(o.SameSite)) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}

func (o CookieOptions) secure() bool {
	return o.Secure || o.sameSite() == http.SameSiteNoneMode
}

// CookieSigner signs and verifies cookie values.
type CookieSigner struct {
	key  []byte
	opts CookieOptions
}

// NewCookieSigner derives a signing key from the master secret.
func NewCookieSigner(secret string, opts CookieOptions) *CookieSigner {
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("lti-provider/cookie-signing"))
	key := make([]byte, 32)
	_, _ = io.ReadFull(kdf, key)
	return &CookieSigner{key: key, opts: opts}
}

// Set writes a signed cookie. maxAge <= 0 means a session cookie.
func (s *CookieSigner) Set(w http.ResponseWriter, name, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    s.sign(value),
		Path:     "/",
		Domain:   s.opts.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.opts.secure(),
		SameSite: s.opts.sameSite(),
	})
}

// Clear expires the named cookie.
func (s *CookieSigner) Clear(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		Domain:   s.opts.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.opts.secure(),
		SameSite: s.opts.sameSite(),
	})
}

// Read returns the verified value of the named cookie, or false when the
// cookie is absent or its signature does not check out.
func (s *CookieSigner) Read(r *http.Request, name string) (string, bool) {
	c, err := r.Cookie(name)
	if err != nil {
		return "", false
	}
	return s.verify(c.Value)
}

func (s *CookieSigner) sign(value string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(value))
	sig := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	return base64.RawURLEncoding.EncodeToString([]byte(value)) + "." + sig
}

func (s *CookieSigner) verify(signed string) (string, bool) {
	i := strings.LastIndexByte(signed, '.')
	if i <= 0 {
		return "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(signed[:i])
	if err != nil {
		return "", false
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(raw)
	want := base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
	if subtle.ConstantTimeCompare([]byte(want), []byte(signed[i+1:])) != 1 {
		return "", false
	}
	return string(raw), true
}

// ------------------------------- Cookie names --------------------------------

// PlatformCode derives the per-(platform,deployment) session cookie name.
// Base64 without padding keeps the name free of characters cookies reject.
func PlatformCode(iss, deploymentID string) string {
	return url.QueryEscape("lti" + base64.RawURLEncoding.EncodeToString([]byte(iss+deploymentID)))
}

// stateCookieName names the short-lived login state cookie for a nonce.
func stateCookieName(state string) string {
	return "state" + state
}
