// pkg/tool/launch/validator.go
package launch

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eduline/lti-provider/pkg/tool/keys"
	"github.com/eduline/lti-provider/pkg/tool/registry"
)

/*
ID token validation.

The platform POSTs a compact JWS to the callback. Verification happens in
two phases: an untrusted peek at the header and payload (to learn the kid
and issuer), then a full parse through golang-jwt with the key material the
platform registration declares. Claim rules beyond the registered-claims
set (audience binding, message type, nonce replay) are enforced here.
*/

// TokenValidator verifies inbound id_tokens against registered platforms.
type TokenValidator struct {
	Registry *registry.PlatformRegistry
	Replay   ReplayGuard
	JWKS     *JWKSCache

	// MaxAgeSeconds bounds now-iat. Zero disables the check.
	MaxAgeSeconds int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// Validate checks raw against the platform resolved from expectedIss (or,
// when expectedIss is empty in dev mode, from the token's own iss claim).
// It returns the platform and the full claim map.
func (v *TokenValidator) Validate(ctx context.Context, raw, expectedIss string, devMode bool) (registry.Platform, jwt.MapClaims, error) {
	kid, iss, err := peekToken(raw)
	if err != nil {
		return registry.Platform{}, nil, err
	}

	switch {
	case expectedIss != "":
		if iss != expectedIss {
			return registry.Platform{}, nil, ErrIssuerMismatch
		}
	case devMode:
		// No login state to compare against; trust the payload issuer for
		// platform resolution. Signature checks still apply.
	default:
		return registry.Platform{}, nil, ErrIssuerMismatch
	}

	platform, err := v.Registry.Get(ctx, iss)
	if err != nil {
		if errors.Is(err, registry.ErrPlatformNotFound) {
			return registry.Platform{}, nil, ErrUnregisteredPlatform
		}
		return registry.Platform{}, nil, err
	}

	pub, err := v.verificationKey(ctx, platform, kid)
	if err != nil {
		return registry.Platform{}, nil, err
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return pub, nil },
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithTimeFunc(v.now),
		jwt.WithIssuedAt(),
	)
	if err != nil || !token.Valid {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return registry.Platform{}, nil, ErrMalformedToken
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			return registry.Platform{}, nil, ErrBadSignature
		default:
			return registry.Platform{}, nil, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
		}
	}

	if err := v.checkClaims(platform, claims); err != nil {
		return registry.Platform{}, nil, err
	}
	return platform, claims, nil
}

func (v *TokenValidator) checkClaims(p registry.Platform, c jwt.MapClaims) error {
	if !audContains(c["aud"], p.ClientID) {
		return fmt.Errorf("%w: aud does not include client id", ErrInvalidClaims)
	}
	if azp, ok := c["azp"].(string); ok && azp != p.ClientID {
		return fmt.Errorf("%w: azp mismatch", ErrInvalidClaims)
	}

	if v.MaxAgeSeconds > 0 {
		iat, ok := toUnix(c["iat"])
		if !ok {
			return fmt.Errorf("%w: missing iat", ErrInvalidClaims)
		}
		if v.now().Unix()-iat > int64(v.MaxAgeSeconds) {
			return fmt.Errorf("%w: token older than %ds", ErrInvalidClaims, v.MaxAgeSeconds)
		}
	}

	nonce, _ := c["nonce"].(string)
	if strings.TrimSpace(nonce) == "" {
		return fmt.Errorf("%w: missing nonce", ErrInvalidClaims)
	}
	if v.Replay != nil {
		ttl := 10 * time.Minute
		if d := time.Duration(v.MaxAgeSeconds) * time.Second; d > ttl {
			ttl = d
		}
		fresh, err := v.Replay.FirstUse("nonce", nonce, ttl)
		if err != nil {
			return err
		}
		if !fresh {
			return ErrNonceReplayed
		}
	}

	mt, _ := c[ClaimMessageType].(string)
	if mt != MessageTypeResourceLink && mt != MessageTypeDeepLinking {
		return fmt.Errorf("%w: unsupported message type %q", ErrInvalidClaims, mt)
	}
	if ver, _ := c[ClaimVersion].(string); ver != LTIVersion {
		return fmt.Errorf("%w: unsupported LTI version %q", ErrInvalidClaims, ver)
	}
	if dep, _ := c[ClaimDeploymentID].(string); strings.TrimSpace(dep) == "" {
		return fmt.Errorf("%w: missing deployment id", ErrInvalidClaims)
	}
	if mt == MessageTypeResourceLink {
		rl, _ := c[ClaimResourceLink].(map[string]any)
		if id, _ := rl["id"].(string); strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: missing resource link id", ErrInvalidClaims)
		}
	}
	if tl, _ := c[ClaimTargetLinkURI].(string); strings.TrimSpace(tl) == "" {
		return fmt.Errorf("%w: missing target link uri", ErrInvalidClaims)
	}
	if sub, _ := c["sub"].(string); strings.TrimSpace(sub) == "" {
		return fmt.Errorf("%w: anonymous subject", ErrInvalidClaims)
	}
	return nil
}

// verificationKey resolves the RSA public key declared by the platform's
// key source, honoring the token's kid for remote key sets.
func (v *TokenValidator) verificationKey(ctx context.Context, p registry.Platform, kid string) (*rsa.PublicKey, error) {
	switch src := p.AuthConfig.(type) {
	case registry.RSAKey:
		pub, err := keys.DecodePublicPEM(src.PEM)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
		}
		return pub, nil
	case registry.JWK:
		var jwk map[string]any
		if err := json.Unmarshal([]byte(src.Raw), &jwk); err != nil {
			return nil, fmt.Errorf("%w: unparsable platform JWK", ErrInvalidClaims)
		}
		pub, err := rsaPublicKeyFromJWK(jwk)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
		}
		return pub, nil
	case registry.JWKSet:
		set, err := v.JWKS.Fetch(ctx, src.URL)
		if err != nil {
			return nil, err
		}
		for _, k := range set.Keys {
			if got, _ := k["kid"].(string); got == kid {
				return rsaPublicKeyFromJWK(k)
			}
		}
		return nil, ErrUnknownKeyID
	default:
		return nil, fmt.Errorf("%w: platform has no key source", ErrInvalidClaims)
	}
}

func (v *TokenValidator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// ------------------------------ Local helpers --------------------------------

// peekToken decodes header and payload without trusting the signature.
func peekToken(raw string) (kid, iss string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return "", "", ErrMalformedToken
	}
	hb, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", "", ErrMalformedToken
	}
	var hdr struct {
		Kid string `json:"kid"`
	}
	if json.Unmarshal(hb, &hdr) != nil || strings.TrimSpace(hdr.Kid) == "" {
		return "", "", ErrMalformedToken
	}
	pb, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", "", ErrMalformedToken
	}
	var body struct {
		Iss string `json:"iss"`
	}
	if json.Unmarshal(pb, &body) != nil || strings.TrimSpace(body.Iss) == "" {
		return "", "", ErrMalformedToken
	}
	return hdr.Kid, body.Iss, nil
}

func audContains(aud any, want string) bool {
	switch v := aud.(type) {
	case string:
		return strings.TrimSpace(v) == want
	case []any:
		for _, it := range v {
			if s, ok := it.(string); ok && strings.TrimSpace(s) == want {
				return true
			}
		}
	case []string:
		for _, s := range v {
			if strings.TrimSpace(s) == want {
				return true
			}
		}
	}
	return false
}

func toUnix(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	}
	return 0, false
}

func rsaPublicKeyFromJWK(k map[string]any) (*rsa.PublicKey, error) {
	if t, _ := k["kty"].(string); t != "RSA" {
		return nil, errors.New("not an RSA JWK")
	}
	nStr, _ := k["n"].(string)
	eStr, _ := k["e"].(string)
	if nStr == "" || eStr == "" {
		return nil, errors.New("JWK missing n/e")
	}
	nb, err := base64.RawURLEncoding.DecodeString(nStr)
	if err != nil {
		return nil, err
	}
	eb, err := base64.RawURLEncoding.DecodeString(eStr)
	if err != nil {
		return nil, err
	}
	n := new(big.Int).SetBytes(nb)
	e := 0
	for _, b := range eb {
		e = (e << 8) | int(b)
	}
	if e == 0 {
		return nil, errors.New("JWK has zero exponent")
	}
	return &rsa.PublicKey{N: n, E: e}, nil
}
