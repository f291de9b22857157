// pkg/tool/storage/store.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

/*
Logical document store for the tool provider.

What this file provides:

  • The Store interface every persistence backend implements: typed CRUD
    over five logical collections (platforms, the tool's key pairs, and
    the per-launch id/context token state).

  • An in-memory Store suitable for dev and tests.

How to wire:

    db, _ := storage.Connect(ctx, cfg.DBDriver, cfg.DBDSN)
    st := storage.NewSQLStore(db, cfg.DBDriver, cipher)
    if err := st.Setup(ctx); err != nil { ... }

The SQL implementation lives in sqlstore.go. Documents are schemaless
maps; each collection declares which fields act as its key tuple, and
filters are equality matches on document fields.
*/

// Collection names the logical buckets the provider persists into.
type Collection string

const (
	CollectionPlatform     Collection = "platform"
	CollectionPublicKey    Collection = "publickey"
	CollectionPrivateKey   Collection = "privatekey"
	CollectionIDToken      Collection = "idtoken"
	CollectionContextToken Collection = "contexttoken"
)

// Document is one stored record. Values must be JSON-marshalable.
type Document = map[string]any

// Filter selects documents by equality on top-level fields.
type Filter = map[string]string

// ErrStore wraps backend failures so callers can route them uniformly.
var ErrStore = errors.New("storage: store error")

// Store is the persistence contract. All methods are safe for concurrent use.
type Store interface {
	// Get returns every document in the collection matching the filter
	// (nil filter matches all). An empty result is not an error.
	Get(ctx context.Context, col Collection, filter Filter) ([]Document, error)

	// Replace upserts: documents matching the filter are removed and doc is
	// written in their place, keyed by the collection's key fields.
	Replace(ctx context.Context, col Collection, filter Filter, doc Document) error

	// Modify merges patch into every document matching the filter.
	Modify(ctx context.Context, col Collection, filter Filter, patch Document) error

	// Delete removes every document matching the filter.
	Delete(ctx context.Context, col Collection, filter Filter) error

	// Setup prepares backend state (schema, pragmas). Idempotent.
	Setup(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// keyFields lists, per collection, the document fields forming the key tuple.
var keyFields = map[Collection][]string{
	CollectionPlatform:     {"platformUrl"},
	CollectionPublicKey:    {"kid"},
	CollectionPrivateKey:   {"kid"},
	CollectionIDToken:      {"iss", "deploymentId", "user"},
	CollectionContextToken: {"contextId", "user"},
}

func knownCollection(col Collection) error {
	if _, ok := keyFields[col]; !ok {
		return fmt.Errorf("%w: unknown collection %q", ErrStore, col)
	}
	return nil
}

// docKey derives the storage key for doc in col from its key fields.
func docKey(col Collection, doc Document) (string, error) {
	fields := keyFields[col]
	key := ""
	for _, f := range fields {
		v, ok := doc[f].(string)
		if !ok || v == "" {
			return "", fmt.Errorf("%w: document missing key field %q for collection %q", ErrStore, f, col)
		}
		key += v + "\x1f"
	}
	return key, nil
}

// matches reports whether doc satisfies every equality in filter.
func matches(doc Document, filter Filter) bool {
	for k, want := range filter {
		got, ok := doc[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// ------------------------------ Memory store ---------------------------------

// MemoryStore is a process-local Store (dev/tests).
type MemoryStore struct {
	mu   sync.RWMutex
	data map[Collection]map[string]Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[Collection]map[string]Document)}
}

func (s *MemoryStore) Get(_ context.Context, col Collection, filter Filter) ([]Document, error) {
	if err := knownCollection(col); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Document
	for _, doc := range s.data[col] {
		if matches(doc, filter) {
			out = append(out, cloneDoc(doc))
		}
	}
	return out, nil
}

func (s *MemoryStore) Replace(_ context.Context, col Collection, filter Filter, doc Document) error {
	if err := knownCollection(col); err != nil {
		return err
	}
	key, err := docKey(col, doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[col]
	if m == nil {
		m = make(map[string]Document)
		s.data[col] = m
	}
	for k, d := range m {
		if matches(d, filter) {
			delete(m, k)
		}
	}
	m[key] = cloneDoc(doc)
	return nil
}

func (s *MemoryStore) Modify(_ context.Context, col Collection, filter Filter, patch Document) error {
	if err := knownCollection(col); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, doc := range s.data[col] {
		if matches(doc, filter) {
			for k, v := range patch {
				doc[k] = v
			}
		}
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, col Collection, filter Filter) error {
	if err := knownCollection(col); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.data[col]
	for k, d := range m {
		if matches(d, filter) {
			delete(m, k)
		}
	}
	return nil
}

func (s *MemoryStore) Setup(context.Context) error { return nil }
func (s *MemoryStore) Close() error                { return nil }

func cloneDoc(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}
