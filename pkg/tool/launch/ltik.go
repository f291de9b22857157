// pkg/tool/launch/ltik.go
package launch

import (
	"crypto/sha256"
	"errors"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"golang.org/x/crypto/hkdf"
)

/*
LTIK: the continuation token carried by every in-tool request.

The callback mints one after a validated launch; steady-state requests
present it back in the Authorization header or the ltik query parameter.
It is a compact HS256 JWS over the session coordinates. No exp claim:
its lifetime is bounded by the platformCode cookie and the stored
IdToken row, which every request reloads anyway.
*/

// LTIK is the decoded continuation token payload.
type LTIK struct {
	PlatformURL  string `json:"platformUrl"`
	DeploymentID string `json:"deploymentId"`
	PlatformCode string `json:"platformCode"`
	ContextID    string `json:"contextId"`
	User         string `json:"user"`
	State        string `json:"s"`

	IssuedAt int64 `json:"iat,omitempty"`
}

// LTIKCodec signs and verifies continuation tokens.
type LTIKCodec struct {
	key []byte

	// MaxAgeSeconds rejects tokens older than this on decode. Zero disables
	// the check (the default).
	MaxAgeSeconds int

	// Now overrides the clock (tests).
	Now func() time.Time
}

// NewLTIKCodec derives the HS256 key from the master secret.
func NewLTIKCodec(secret string) *LTIKCodec {
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("lti-provider/ltik-signing"))
	key := make([]byte, 32)
	_, _ = io.ReadFull(kdf, key)
	return &LTIKCodec{key: key}
}

// Encode signs the payload.
func (c *LTIKCodec) Encode(p LTIK) (string, error) {
	p.IssuedAt = c.now().Unix()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"platformUrl":  p.PlatformURL,
		"deploymentId": p.DeploymentID,
		"platformCode": p.PlatformCode,
		"contextId":    p.ContextID,
		"user":         p.User,
		"s":            p.State,
		"iat":          p.IssuedAt,
	})
	return tok.SignedString(c.key)
}

// Decode verifies the signature and returns the payload. Semantic checks
// (cookie match, stored session presence) are the caller's job.
func (c *LTIKCodec) Decode(raw string) (LTIK, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return c.key, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(c.now),
	)
	if err != nil || !tok.Valid {
		return LTIK{}, errors.Join(ErrBadSignature, err)
	}
	out := LTIK{
		PlatformURL:  asString(claims["platformUrl"]),
		DeploymentID: asString(claims["deploymentId"]),
		PlatformCode: asString(claims["platformCode"]),
		ContextID:    asString(claims["contextId"]),
		User:         asString(claims["user"]),
		State:        asString(claims["s"]),
	}
	if iat, ok := toUnix(claims["iat"]); ok {
		out.IssuedAt = iat
		if c.MaxAgeSeconds > 0 && c.now().Unix()-iat > int64(c.MaxAgeSeconds) {
			return LTIK{}, ErrMissingSession
		}
	}
	return out, nil
}

func (c *LTIKCodec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}
