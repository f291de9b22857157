// pkg/tool/launch/session_test.go
package launch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/eduline/lti-provider/pkg/tool/storage"
)

// brokenStore fails every read so handlers can be checked against backend
// outages.
type brokenStore struct {
	storage.Store
}

func (brokenStore) Get(context.Context, storage.Collection, storage.Filter) ([]storage.Document, error) {
	return nil, errors.New("backend down")
}

func TestSession_StoreFailureIsNotATimeout(t *testing.T) {
	f := newProviderFixture(t, Options{})
	ltik, jar := f.launch(t, f.launchClaims("nonce-outage"))

	f.p.store = brokenStore{Store: f.p.store}

	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	for _, c := range jar {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/invalidToken" {
		t.Fatalf("store failure must land on /invalidToken, got %d %s",
			rec.Code, rec.Header().Get("Location"))
	}
}

func TestSession_MissingRowsTimeOut(t *testing.T) {
	f := newProviderFixture(t, Options{})
	ltik, jar := f.launch(t, f.launchClaims("nonce-dropped"))

	// Simulate session state aged out of the store.
	if err := f.p.store.Delete(context.Background(), storage.CollectionIDToken, nil); err != nil {
		t.Fatalf("delete: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	for _, c := range jar {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound || rec.Header().Get("Location") != "/sessionTimeout" {
		t.Fatalf("missing session rows must land on /sessionTimeout, got %d %s",
			rec.Code, rec.Header().Get("Location"))
	}
}
