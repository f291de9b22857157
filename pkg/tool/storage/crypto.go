// pkg/tool/storage/crypto.go
package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

/*
At-rest encryption for private key documents.

The master secret configured on the service is never used directly: an
AES-256 key is derived from it with HKDF-SHA256 under a fixed, purpose-bound
info string. Sealed values are base64(nonce || ciphertext) with AES-GCM, so
integrity comes for free.
*/

var ErrCiphertextTooShort = errors.New("storage: ciphertext too short")

// Cipher seals and opens small documents with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives an AES-256 key from secret via HKDF-SHA256 and returns a
// ready-to-use Cipher. The secret may be any non-empty string.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("storage: empty encryption secret")
	}
	kdf := hkdf.New(sha256.New, []byte(secret), nil, []byte("lti-provider/private-key-at-rest"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("storage: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("storage: aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("storage: gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and returns base64(nonce || ciphertext).
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("storage: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (c *Cipher) Open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("storage: decode sealed value: %w", err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns {
		return nil, ErrCiphertextTooShort
	}
	plain, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open sealed value: %w", err)
	}
	return plain, nil
}
