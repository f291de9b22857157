// pkg/tool/storage/migrations.go
package storage

import (
	"context"
	"fmt"
	"strings"
)

// Up applies (idempotent) DDL for the tool provider's logical collections.
// One table per collection, each holding the JSON document plus the key
// columns lookups filter on:
//   - platforms (platform registrations, keyed by platform_url)
//   - public_keys / private_keys (per-platform RSA pairs, keyed by kid)
//   - id_tokens (launch user state, keyed by iss+deployment_id+user_id)
//   - context_tokens (launch context state, keyed by context_id+user_id)
//
// Call this once on startup (after Connect). Drivers supported: postgres|sqlite.
func Up(ctx context.Context, db *DB, driver string) error {
	if db == nil || db.SQL == nil {
		return fmt.Errorf("migrations: db is nil")
	}

	d, err := dialect(driver)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	schema := schemaSQLite
	if d == "postgres" {
		schema = schemaPostgres
	}

	// Try to run as a single script; if the driver rejects multiple statements,
	// fall back to splitting on semicolons (sufficient for simple DDL).
	if _, err := db.SQL.ExecContext(ctx, schema); err != nil {
		for _, stmt := range splitSQL(schema) {
			trim := strings.TrimSpace(stmt)
			if trim == "" || trim == ";" {
				continue
			}
			if _, e := db.SQL.ExecContext(ctx, stmt); e != nil {
				return fmt.Errorf("migrations: failed at:\n%s\nerr: %w", firstLine(stmt), e)
			}
		}
	}
	return nil
}

/* ----------------------------- POSTGRES SCHEMA ----------------------------- */

const schemaPostgres = `
-- Platform registrations ------------------------------------------------------
CREATE TABLE IF NOT EXISTS platforms (
  platform_url       TEXT PRIMARY KEY,                -- issuer URL
  doc                JSONB NOT NULL,
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

-- Tool key pairs (one pair per platform) --------------------------------------
CREATE TABLE IF NOT EXISTS public_keys (
  kid                TEXT PRIMARY KEY,
  platform_url       TEXT NOT NULL,
  doc                JSONB NOT NULL,
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS public_keys_platform_idx
  ON public_keys (platform_url);

CREATE TABLE IF NOT EXISTS private_keys (
  kid                TEXT PRIMARY KEY,
  platform_url       TEXT NOT NULL,
  doc_enc            TEXT NOT NULL,                   -- AES-GCM sealed JSON
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS private_keys_platform_idx
  ON private_keys (platform_url);

-- Launch state ----------------------------------------------------------------
CREATE TABLE IF NOT EXISTS id_tokens (
  iss                TEXT NOT NULL,
  deployment_id      TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  doc                JSONB NOT NULL,
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (iss, deployment_id, user_id)
);

CREATE TABLE IF NOT EXISTS context_tokens (
  context_id         TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  doc                JSONB NOT NULL,
  updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
  PRIMARY KEY (context_id, user_id)
);
`

/* ------------------------------ SQLITE SCHEMA ------------------------------ */

const schemaSQLite = `
PRAGMA foreign_keys = ON;

-- Platform registrations ------------------------------------------------------
CREATE TABLE IF NOT EXISTS platforms (
  platform_url       TEXT PRIMARY KEY,
  doc                TEXT NOT NULL,
  updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  CHECK (json_valid(doc))
);

-- Tool key pairs (one pair per platform) --------------------------------------
CREATE TABLE IF NOT EXISTS public_keys (
  kid                TEXT PRIMARY KEY,
  platform_url       TEXT NOT NULL,
  doc                TEXT NOT NULL,
  updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  CHECK (json_valid(doc))
);

CREATE INDEX IF NOT EXISTS public_keys_platform_idx
  ON public_keys (platform_url);

CREATE TABLE IF NOT EXISTS private_keys (
  kid                TEXT PRIMARY KEY,
  platform_url       TEXT NOT NULL,
  doc_enc            TEXT NOT NULL,
  updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS private_keys_platform_idx
  ON private_keys (platform_url);

-- Launch state ----------------------------------------------------------------
CREATE TABLE IF NOT EXISTS id_tokens (
  iss                TEXT NOT NULL,
  deployment_id      TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  doc                TEXT NOT NULL,
  updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (iss, deployment_id, user_id),
  CHECK (json_valid(doc))
);

CREATE TABLE IF NOT EXISTS context_tokens (
  context_id         TEXT NOT NULL,
  user_id            TEXT NOT NULL,
  doc                TEXT NOT NULL,
  updated_at         DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  PRIMARY KEY (context_id, user_id),
  CHECK (json_valid(doc))
);
`

/* ------------------------------ LOCAL HELPERS ------------------------------ */

// splitSQL naively splits on ';' boundaries so we can run one statement at a time.
// This is acceptable for our simple DDL (no functions/procedures).
func splitSQL(s string) []string {
	raw := strings.Split(s, ";")
	out := make([]string, 0, len(raw))
	for _, part := range raw {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part+";")
	}
	return out
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
