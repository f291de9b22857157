// internal/config/config.go
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// EncryptionKey is the master secret every signing and at-rest key is
	// derived from. Required; never logged.
	EncryptionKey string

	DevMode bool

	AppRoute            string
	LoginRoute          string
	KeysetRoute         string
	SessionTimeoutRoute string
	InvalidTokenRoute   string

	TokenMaxAge int // seconds; 0 disables the iat age check
	LTIKMaxAge  int // seconds; 0 means LTIKs never expire

	CookieDomain   string
	CookieSameSite string // None|Lax|Strict
	CookieSecure   bool

	CORSOrigins []string

	StaticPath string // optional directory served under /static/

	TLSCertFile string
	TLSKeyFile  string
}

func FromEnv() Config {
	pub := os.Getenv("PUBLIC_URL")
	return Config{
		HTTPAddr:  envOr("HTTP_ADDR", ":8080"),
		PublicURL: pub,

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		EncryptionKey: os.Getenv("LTI_ENCRYPTION_KEY"),

		DevMode: envBool("DEV_MODE", false),

		AppRoute:            envOr("APP_ROUTE", "/"),
		LoginRoute:          envOr("LOGIN_ROUTE", "/login"),
		KeysetRoute:         envOr("KEYSET_ROUTE", "/keys"),
		SessionTimeoutRoute: envOr("SESSION_TIMEOUT_ROUTE", "/sessionTimeout"),
		InvalidTokenRoute:   envOr("INVALID_TOKEN_ROUTE", "/invalidToken"),

		TokenMaxAge: envInt("TOKEN_MAX_AGE", 10),
		LTIKMaxAge:  envInt("LTIK_MAX_AGE", 0),

		// Iframe embedding needs COOKIE_SAME_SITE=None plus
		// COOKIE_SECURE=true; deployments opt in explicitly.
		CookieDomain:   os.Getenv("COOKIE_DOMAIN"),
		CookieSameSite: envOr("COOKIE_SAME_SITE", "Lax"),
		CookieSecure:   envBool("COOKIE_SECURE", false),

		CORSOrigins: csvOr("CORS_ORIGINS", ""),

		StaticPath: os.Getenv("STATIC_PATH"),

		TLSCertFile: os.Getenv("TLS_CERT_FILE"),
		TLSKeyFile:  os.Getenv("TLS_KEY_FILE"),
	}
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if c.EncryptionKey == "" {
		return errors.New("config: LTI_ENCRYPTION_KEY is required")
	}
	if c.PublicURL == "" {
		return errors.New("config: PUBLIC_URL is required")
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New("config: TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	switch c.CookieSameSite {
	case "None", "Lax", "Strict":
	default:
		return errors.New("config: COOKIE_SAME_SITE must be None, Lax or Strict")
	}
	return nil
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
func envBool(k string, def bool) bool {
	switch os.Getenv(k) {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return def
	}
}
func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
