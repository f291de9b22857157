// pkg/tool/launch/redirect_test.go
package launch

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/eduline/lti-provider/pkg/tool/storage"
)

func TestAppendLTIK(t *testing.T) {
	cases := []struct {
		name   string
		target string
		want   func(t *testing.T, got string)
	}{
		{
			name:   "plain path",
			target: "/dashboard",
			want: func(t *testing.T, got string) {
				u, _ := url.Parse(got)
				if u.Path != "/dashboard" || u.Query().Get("ltik") != "tok" {
					t.Fatalf("got %s", got)
				}
			},
		},
		{
			name:   "existing query preserved",
			target: "/dashboard?tab=grades",
			want: func(t *testing.T, got string) {
				u, _ := url.Parse(got)
				if u.Query().Get("tab") != "grades" || u.Query().Get("ltik") != "tok" {
					t.Fatalf("got %s", got)
				}
			},
		},
		{
			name:   "absolute URL",
			target: "https://tool.example.com/app?x=1",
			want: func(t *testing.T, got string) {
				u, _ := url.Parse(got)
				if u.Host != "tool.example.com" || u.Query().Get("x") != "1" || u.Query().Get("ltik") != "tok" {
					t.Fatalf("got %s", got)
				}
			},
		},
		{
			name:   "bare host port",
			target: "localhost:3000",
			want: func(t *testing.T, got string) {
				if !strings.HasPrefix(got, "localhost:3000?") || !strings.Contains(got, "ltik=tok") {
					t.Fatalf("got %s", got)
				}
			},
		},
		{
			name:   "bare host port with query",
			target: "localhost:3000?a=1",
			want: func(t *testing.T, got string) {
				if !strings.HasPrefix(got, "localhost:3000?") ||
					!strings.Contains(got, "a=1") || !strings.Contains(got, "ltik=tok") {
					t.Fatalf("got %s", got)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.want(t, appendLTIK(tc.target, "tok"))
		})
	}
}

func TestRedirect_KeepsSessionToken(t *testing.T) {
	f := newProviderFixture(t, Options{})
	ltik, jar := f.launch(t, f.launchClaims("nonce-redirect"))

	// Swap OnConnect for a handler that redirects deeper into the tool.
	f.p.cb.OnConnect = func(w http.ResponseWriter, r *http.Request) {
		f.p.Redirect(w, r, "/grades?tab=all")
	}

	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	for _, c := range jar {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	f.p.ServeHTTP(rec, req)

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	loc, _ := url.Parse(rec.Header().Get("Location"))
	if loc.Path != "/grades" || loc.Query().Get("tab") != "all" {
		t.Fatalf("target mangled: %s", loc)
	}
	if loc.Query().Get("ltik") != ltik {
		t.Fatalf("redirect dropped the session token: %s", loc)
	}
}

func TestRedirect_PlainWithoutSession(t *testing.T) {
	f := newProviderFixture(t, Options{})
	rec := httptest.NewRecorder()
	f.p.Redirect(rec, httptest.NewRequest(http.MethodGet, "/", nil), "/elsewhere")

	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "/elsewhere" {
		t.Fatalf("expected bare target without ltik, got %s", loc)
	}
}

func TestRedirect_NewResourceRecordsPath(t *testing.T) {
	f := newProviderFixture(t, Options{})
	ltik, jar := f.launch(t, f.launchClaims("nonce-newres"))

	f.p.cb.OnConnect = func(w http.ResponseWriter, r *http.Request) {
		f.p.Redirect(w, r, "/unit/2", RedirectOptions{NewResource: true})
	}

	req := httptest.NewRequest(http.MethodGet, "/?ltik="+url.QueryEscape(ltik), nil)
	for _, c := range jar {
		req.AddCookie(c)
	}
	f.p.ServeHTTP(httptest.NewRecorder(), req)

	decoded, err := f.p.codec.Decode(ltik)
	if err != nil {
		t.Fatalf("decode ltik: %v", err)
	}
	docs, err := f.p.store.Get(req.Context(), storage.CollectionContextToken,
		storage.Filter{"contextId": decoded.ContextID, "user": decoded.User})
	if err != nil || len(docs) != 1 {
		t.Fatalf("context row: %v %d", err, len(docs))
	}
	if docs[0]["path"] != "/unit/2" {
		t.Fatalf("expected recorded path /unit/2, got %v", docs[0]["path"])
	}
}
