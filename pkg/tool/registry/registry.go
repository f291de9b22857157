// pkg/tool/registry/registry.go
package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/eduline/lti-provider/pkg/tool/keys"
	"github.com/eduline/lti-provider/pkg/tool/storage"
)

/*
Platform registry: the trust records the tool holds about each LMS.

What this file provides:

  • The Platform model and its tagged key-source variants (a raw RSA
    public key, a single JWK, or a remote JWKS URL).
  • A PlatformRegistry with register / get / list / delete, backed by the
    Store. Registering a new platform also provisions the tool's key pair
    for that platform through the KeyRing; deleting cascades to the pair.
*/

var (
	ErrMissingArgument  = errors.New("registry: missing argument")
	ErrPlatformNotFound = errors.New("registry: platform not found")
)

// ------------------------------- Key sources ---------------------------------

// AuthMethod tags how a platform's signing keys are declared.
type AuthMethod string

const (
	MethodRSAKey AuthMethod = "RSA_KEY"
	MethodJWK    AuthMethod = "JWK_KEY"
	MethodJWKSet AuthMethod = "JWK_SET"
)

// KeySource is the platform's declared public key material. Exactly one
// concrete variant applies per platform.
type KeySource interface {
	Method() AuthMethod
	// Value returns the serialized key payload (PEM, JWK JSON, or URL).
	Value() string
}

// RSAKey is a raw PEM-encoded RSA public key.
type RSAKey struct{ PEM string }

func (r RSAKey) Method() AuthMethod { return MethodRSAKey }
func (r RSAKey) Value() string      { return r.PEM }

// JWK is a single JSON Web Key.
type JWK struct{ Raw string }

func (j JWK) Method() AuthMethod { return MethodJWK }
func (j JWK) Value() string      { return j.Raw }

// JWKSet points at the platform's remote JWKS endpoint.
type JWKSet struct{ URL string }

func (j JWKSet) Method() AuthMethod { return MethodJWKSet }
func (j JWKSet) Value() string      { return j.URL }

// ParseKeySource rebuilds the variant from its stored (method, key) pair.
func ParseKeySource(method, key string) (KeySource, error) {
	switch AuthMethod(method) {
	case MethodRSAKey:
		return RSAKey{PEM: key}, nil
	case MethodJWK:
		return JWK{Raw: key}, nil
	case MethodJWKSet:
		return JWKSet{URL: key}, nil
	default:
		return nil, fmt.Errorf("registry: unknown auth method %q", method)
	}
}

// --------------------------------- Model -------------------------------------

// Platform is one trust record, keyed by the issuer URL.
type Platform struct {
	Name                string
	URL                 string // issuer
	ClientID            string
	AuthEndpoint        string
	AccessTokenEndpoint string
	KID                 string // the tool's key pair used toward this platform
	AuthConfig          KeySource
}

func platformToDoc(p Platform) storage.Document {
	doc := storage.Document{
		"platformName":        p.Name,
		"platformUrl":         p.URL,
		"clientId":            p.ClientID,
		"authEndpoint":        p.AuthEndpoint,
		"accesstokenEndpoint": p.AccessTokenEndpoint,
		"kid":                 p.KID,
	}
	if p.AuthConfig != nil {
		doc["authConfig"] = map[string]any{
			"method": string(p.AuthConfig.Method()),
			"key":    p.AuthConfig.Value(),
		}
	}
	return doc
}

func platformFromDoc(doc storage.Document) (Platform, error) {
	p := Platform{
		Name:                asString(doc["platformName"]),
		URL:                 asString(doc["platformUrl"]),
		ClientID:            asString(doc["clientId"]),
		AuthEndpoint:        asString(doc["authEndpoint"]),
		AccessTokenEndpoint: asString(doc["accesstokenEndpoint"]),
		KID:                 asString(doc["kid"]),
	}
	if ac, ok := doc["authConfig"].(map[string]any); ok {
		src, err := ParseKeySource(asString(ac["method"]), asString(ac["key"]))
		if err != nil {
			return Platform{}, err
		}
		p.AuthConfig = src
	}
	return p, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// -------------------------------- Registry -----------------------------------

// PlatformRegistry provides CRUD over platform trust records.
type PlatformRegistry struct {
	Store storage.Store
	Ring  *keys.KeyRing
}

// Register creates or merges a platform record.
//
// If a record with p.URL exists, non-empty fields of p are merged into it and
// the merged record is returned (its key pair is untouched). Otherwise all of
// name, clientId, authEndpoint, accesstokenEndpoint and authConfig must be
// present; a fresh key pair is provisioned and the record written. A store
// failure after key generation rolls the pair and any partial row back.
func (r *PlatformRegistry) Register(ctx context.Context, p Platform) (Platform, error) {
	if strings.TrimSpace(p.URL) == "" {
		return Platform{}, fmt.Errorf("%w: platformUrl", ErrMissingArgument)
	}

	existing, err := r.find(ctx, p.URL)
	if err != nil && !errors.Is(err, ErrPlatformNotFound) {
		return Platform{}, err
	}
	if err == nil {
		merged := mergePlatform(existing, p)
		if err := r.Store.Replace(ctx, storage.CollectionPlatform,
			storage.Filter{"platformUrl": merged.URL}, platformToDoc(merged)); err != nil {
			return Platform{}, err
		}
		return merged, nil
	}

	for _, req := range []struct{ name, v string }{
		{"name", p.Name},
		{"clientId", p.ClientID},
		{"authEndpoint", p.AuthEndpoint},
		{"accesstokenEndpoint", p.AccessTokenEndpoint},
	} {
		if strings.TrimSpace(req.v) == "" {
			return Platform{}, fmt.Errorf("%w: %s", ErrMissingArgument, req.name)
		}
	}
	if p.AuthConfig == nil {
		return Platform{}, fmt.Errorf("%w: authConfig", ErrMissingArgument)
	}

	kid, err := r.Ring.Generate(ctx, p.URL)
	if err != nil {
		return Platform{}, err
	}
	p.KID = kid

	if err := r.Store.Replace(ctx, storage.CollectionPlatform,
		storage.Filter{"platformUrl": p.URL}, platformToDoc(p)); err != nil {
		// Roll back the freshly minted pair and any partial row.
		_ = r.Ring.Delete(ctx, kid)
		_ = r.Store.Delete(ctx, storage.CollectionPlatform, storage.Filter{"platformUrl": p.URL})
		return Platform{}, err
	}
	return p, nil
}

// Get resolves a platform by its issuer URL.
func (r *PlatformRegistry) Get(ctx context.Context, url string) (Platform, error) {
	if strings.TrimSpace(url) == "" {
		return Platform{}, fmt.Errorf("%w: url", ErrMissingArgument)
	}
	return r.find(ctx, url)
}

// GetAll enumerates every registered platform.
func (r *PlatformRegistry) GetAll(ctx context.Context) ([]Platform, error) {
	docs, err := r.Store.Get(ctx, storage.CollectionPlatform, nil)
	if err != nil {
		return nil, err
	}
	out := make([]Platform, 0, len(docs))
	for _, doc := range docs {
		p, err := platformFromDoc(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Delete removes the platform record and cascades to its key pair.
func (r *PlatformRegistry) Delete(ctx context.Context, url string) error {
	p, err := r.find(ctx, url)
	if err != nil {
		if errors.Is(err, ErrPlatformNotFound) {
			return nil
		}
		return err
	}
	if err := r.Store.Delete(ctx, storage.CollectionPlatform, storage.Filter{"platformUrl": url}); err != nil {
		return err
	}
	if p.KID != "" {
		return r.Ring.Delete(ctx, p.KID)
	}
	return nil
}

func (r *PlatformRegistry) find(ctx context.Context, url string) (Platform, error) {
	docs, err := r.Store.Get(ctx, storage.CollectionPlatform, storage.Filter{"platformUrl": url})
	if err != nil {
		return Platform{}, err
	}
	if len(docs) == 0 {
		return Platform{}, ErrPlatformNotFound
	}
	return platformFromDoc(docs[0])
}

func mergePlatform(base, in Platform) Platform {
	if in.Name != "" {
		base.Name = in.Name
	}
	if in.ClientID != "" {
		base.ClientID = in.ClientID
	}
	if in.AuthEndpoint != "" {
		base.AuthEndpoint = in.AuthEndpoint
	}
	if in.AccessTokenEndpoint != "" {
		base.AccessTokenEndpoint = in.AccessTokenEndpoint
	}
	if in.AuthConfig != nil {
		base.AuthConfig = in.AuthConfig
	}
	return base
}
