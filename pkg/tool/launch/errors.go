// pkg/tool/launch/errors.go
package launch

import "errors"

// Trust-layer failures. Handlers route these to the configured
// invalid-token / session-timeout surfaces instead of surfacing 5xx.
var (
	ErrUnregisteredPlatform = errors.New("launch: platform not registered")
	ErrIssuerMismatch       = errors.New("launch: issuer does not match login state")
	ErrMalformedToken       = errors.New("launch: malformed token")
	ErrUnknownKeyID         = errors.New("launch: no key matching token kid")
	ErrBadSignature         = errors.New("launch: bad token signature")
	ErrInvalidClaims        = errors.New("launch: invalid token claims")
	ErrNonceReplayed        = errors.New("launch: nonce replayed")
	ErrMissingSession       = errors.New("launch: missing session")
	ErrMissingCallback      = errors.New("launch: missing callback")
	ErrMissingArgument      = errors.New("launch: missing argument")
)
