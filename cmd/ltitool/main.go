// cmd/ltitool/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/eduline/lti-provider/internal/config"
	"github.com/eduline/lti-provider/pkg/tool/launch"
	"github.com/eduline/lti-provider/pkg/tool/storage"
)

func main() {
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	// --- DB ---
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	db, err := storage.Connect(ctx, cfg.DBDriver, cfg.DBDSN)
	cancel()
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}

	cipher, err := storage.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("cipher: %v", err)
	}
	st := storage.NewSQLStore(db, cfg.DBDriver, cipher)

	ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	err = st.Setup(ctx)
	cancel()
	if err != nil {
		log.Fatalf("schema setup failed: %v", err)
	}

	// --- Provider ---
	prov, err := launch.New(cfg.EncryptionKey, st, launch.Options{
		BaseURL:             cfg.PublicURL,
		AppRoute:            cfg.AppRoute,
		LoginRoute:          cfg.LoginRoute,
		KeysetRoute:         cfg.KeysetRoute,
		SessionTimeoutRoute: cfg.SessionTimeoutRoute,
		InvalidTokenRoute:   cfg.InvalidTokenRoute,
		DevMode:             cfg.DevMode,
		TokenMaxAge:         cfg.TokenMaxAge,
		LTIKMaxAge:          cfg.LTIKMaxAge,
		Cookies: launch.CookieOptions{
			SameSite: cfg.CookieSameSite,
			Secure:   cfg.CookieSecure,
			Domain:   cfg.CookieDomain,
		},
	}, launch.Callbacks{
		OnConnect: connectHandler,
	})
	if err != nil {
		log.Fatalf("provider: %v", err)
	}

	// --- Router ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if len(cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Authorization", "Content-Type"},
			ExposedHeaders:   []string{"Content-Length"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := db.Ping(ctx); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(200)
	})

	if cfg.StaticPath != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(cfg.StaticPath)))
		r.Handle("/static/*", fs)
	}

	r.Mount("/", prov)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("listening on %s (db=%s)", cfg.HTTPAddr, cfg.DBDriver)
		var err error
		if cfg.TLSCertFile != "" {
			err = srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("serve: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Printf("shutting down")
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("shutdown: %v", err)
	}
	if err := st.Close(); err != nil {
		log.Printf("store close: %v", err)
	}
}

// connectHandler is the default resource-link surface: it echoes the launch
// identity as JSON. Real deployments replace this with their application.
func connectHandler(w http.ResponseWriter, r *http.Request) {
	tok, ok := launch.TokenFromContext(r.Context())
	if !ok {
		http.Error(w, "no session", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"iss":          tok.Iss,
		"user":         tok.User,
		"deploymentId": tok.DeploymentID,
		"roles":        tok.Roles,
	})
}
