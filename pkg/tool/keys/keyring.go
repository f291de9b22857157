// pkg/tool/keys/keyring.go
package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/eduline/lti-provider/pkg/tool/storage"
)

/*
Key ring for the tool's own signing keys.

What this file provides:

  • A KeyRing that:
      - Generates one RSA-2048 pair per registered platform
      - Persists both halves as PEM documents in the Store (the private
        half is sealed at rest by the SQL backend)
      - Assembles the public JWKS platforms fetch to verify our JWTs
      - Serves the JWKS over HTTP (the tool's keyset endpoint)

How to wire:

    ring := &keys.KeyRing{Store: st}
    kid, err := ring.Generate(ctx, platformURL)
    r.Get(cfg.KeysetRoute, ring.Handler())

Key pairs follow the platform record's lifecycle: created on register,
removed on delete. Rotation is a fresh Generate plus a registry update
of the platform's kid.
*/

var ErrKeyNotFound = errors.New("keys: key not found")

// KeyRing persists and serves the tool's RSA key pairs.
type KeyRing struct {
	Store storage.Store

	// RSAKeyBits defaults to 2048.
	RSAKeyBits int
}

// Generate creates a fresh RSA pair bound to platformURL and stores both
// halves. It returns the new kid. On a store failure after the public half
// was written, the partial write is removed before returning.
func (k *KeyRing) Generate(ctx context.Context, platformURL string) (string, error) {
	if k.Store == nil {
		return "", errors.New("keys: store not configured")
	}
	priv, err := rsa.GenerateKey(rand.Reader, k.bits())
	if err != nil {
		return "", fmt.Errorf("keys: rsa generate: %w", err)
	}
	kid := uuid.NewString()

	pubPEM, err := EncodePublicPEM(&priv.PublicKey)
	if err != nil {
		return "", fmt.Errorf("keys: encode public key: %w", err)
	}
	pubDoc := storage.Document{"kid": kid, "platformUrl": platformURL, "key": pubPEM}
	if err := k.Store.Replace(ctx, storage.CollectionPublicKey, storage.Filter{"kid": kid}, pubDoc); err != nil {
		return "", err
	}

	privDoc := storage.Document{"kid": kid, "platformUrl": platformURL, "key": EncodePrivatePEM(priv)}
	if err := k.Store.Replace(ctx, storage.CollectionPrivateKey, storage.Filter{"kid": kid}, privDoc); err != nil {
		_ = k.Store.Delete(ctx, storage.CollectionPublicKey, storage.Filter{"kid": kid})
		return "", err
	}
	return kid, nil
}

// PrivateKey loads and parses the private key for kid.
func (k *KeyRing) PrivateKey(ctx context.Context, kid string) (*rsa.PrivateKey, error) {
	pem, err := k.lookup(ctx, storage.CollectionPrivateKey, kid)
	if err != nil {
		return nil, err
	}
	return DecodePrivatePEM(pem)
}

// PublicKey loads and parses the public key for kid.
func (k *KeyRing) PublicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	pem, err := k.lookup(ctx, storage.CollectionPublicKey, kid)
	if err != nil {
		return nil, err
	}
	return DecodePublicPEM(pem)
}

// Delete removes both halves of the pair for kid.
func (k *KeyRing) Delete(ctx context.Context, kid string) error {
	if err := k.Store.Delete(ctx, storage.CollectionPublicKey, storage.Filter{"kid": kid}); err != nil {
		return err
	}
	return k.Store.Delete(ctx, storage.CollectionPrivateKey, storage.Filter{"kid": kid})
}

// PublicJWKS assembles the JWKS from every stored public key.
func (k *KeyRing) PublicJWKS(ctx context.Context) (JWKS, error) {
	docs, err := k.Store.Get(ctx, storage.CollectionPublicKey, nil)
	if err != nil {
		return JWKS{}, err
	}
	set := JWKS{Keys: []map[string]any{}}
	for _, doc := range docs {
		kid, _ := doc["kid"].(string)
		pemStr, _ := doc["key"].(string)
		pub, err := DecodePublicPEM(pemStr)
		if err != nil {
			return JWKS{}, fmt.Errorf("keys: kid %s: %w", kid, err)
		}
		if jwk := RSAPublicJWK(pub, kid, "RS256"); jwk != nil {
			set.Keys = append(set.Keys, jwk)
		}
	}
	return set, nil
}

// Handler serves the public JWKS. Store failures surface as 500 here (the
// keyset endpoint is the one place infrastructure errors are not softened).
func (k *KeyRing) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		set, err := k.PublicJWKS(r.Context())
		if err != nil {
			http.Error(w, "keyset unavailable", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(set)
	}
}

func (k *KeyRing) lookup(ctx context.Context, col storage.Collection, kid string) (string, error) {
	if k.Store == nil {
		return "", errors.New("keys: store not configured")
	}
	docs, err := k.Store.Get(ctx, col, storage.Filter{"kid": kid})
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "", ErrKeyNotFound
	}
	pem, _ := docs[0]["key"].(string)
	if pem == "" {
		return "", fmt.Errorf("keys: kid %s has no key material", kid)
	}
	return pem, nil
}

func (k *KeyRing) bits() int {
	if k.RSAKeyBits <= 0 {
		return 2048
	}
	return k.RSAKeyBits
}
