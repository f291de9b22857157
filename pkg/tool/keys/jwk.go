// pkg/tool/keys/jwk.go
package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"math/big"
)

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// RSAPublicJWK builds a minimal RSA JWK map (n,e) for the given key.
// Only public parameters are returned, with "use":"sig" metadata.
func RSAPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	if pub == nil || pub.N == nil || pub.E == 0 {
		return nil
	}
	return map[string]any{
		"kty":     "RSA",
		"kid":     kid,
		"alg":     alg,
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       bigIntToB64(pub.N),
		"e":       intToB64(pub.E),
	}
}

func bigIntToB64(n *big.Int) string {
	if n == nil {
		return ""
	}
	return b64url(n.FillBytes(make([]byte, (n.BitLen()+7)/8)))
}

func intToB64(e int) string {
	return b64url(big.NewInt(int64(e)).FillBytes(make([]byte, intByteLen(e))))
}

func intByteLen(v int) int {
	switch {
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	default:
		return 4
	}
}

func b64url(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// ------------------------------- PEM codecs ----------------------------------

// EncodePrivatePEM renders a private key as PKCS#1 PEM.
func EncodePrivatePEM(priv *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

// EncodePublicPEM renders a public key as PKIX PEM.
func EncodePublicPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// DecodePrivatePEM parses a PKCS#1 or PKCS#8 RSA private key.
func DecodePrivatePEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("keys: no PEM block in private key")
	}
	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	any, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("keys: unparsable private key PEM")
	}
	k, ok := any.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("keys: private key is not RSA")
	}
	return k, nil
}

// DecodePublicPEM parses a PKIX or PKCS#1 RSA public key.
func DecodePublicPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("keys: no PEM block in public key")
	}
	if any, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		if k, ok := any.(*rsa.PublicKey); ok {
			return k, nil
		}
		return nil, errors.New("keys: public key is not RSA")
	}
	k, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.New("keys: unparsable public key PEM")
	}
	return k, nil
}
