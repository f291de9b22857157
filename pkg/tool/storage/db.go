// pkg/tool/storage/db.go
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"
)

/*
Database bootstrap.

Connect resolves the configured driver to a connection profile (the real
database/sql driver name, pool sizing and startup statements), opens the
pool and verifies it. Postgres serves shared deployments, sqlite serves
single-node and dev.
*/

// DB is a thin wrapper around *sql.DB so we can hang helpers off it.
type DB struct {
	SQL *sql.DB
}

// connProfile captures everything that differs between the supported
// backends at open time.
type connProfile struct {
	driverName string
	defaultDSN string
	maxOpen    int
	maxIdle    int
	connTTL    time.Duration
	idleTTL    time.Duration
	onConnect  []string
}

// dialect canonicalizes the configured driver name to the SQL dialect the
// store generates ("postgres" or "sqlite"). Empty means sqlite.
func dialect(driver string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "postgres", "pg", "pgsql", "pgx":
		return "postgres", nil
	case "sqlite", "sqlite3", "":
		return "sqlite", nil
	}
	return "", fmt.Errorf("storage: unsupported driver %q (expected postgres|sqlite)", driver)
}

func profileFor(driver string) (connProfile, error) {
	d, err := dialect(driver)
	if err != nil {
		return connProfile{}, err
	}
	if d == "postgres" {
		return connProfile{
			driverName: "pgx",
			defaultDSN: "postgres://localhost:5432/ltitool?sslmode=disable",
			maxOpen:    20,
			maxIdle:    10,
			connTTL:    45 * time.Minute,
			idleTTL:    15 * time.Minute,
		}, nil
	}
	// sqlite has a single writer: one connection, never recycled.
	return connProfile{
		driverName: "sqlite",
		defaultDSN: "file:ltitool.db?cache=shared&mode=rwc&_pragma=busy_timeout(5000)",
		maxOpen:    1,
		maxIdle:    1,
		onConnect: []string{
			"PRAGMA foreign_keys = ON",
			"PRAGMA journal_mode = WAL",
			"PRAGMA synchronous = NORMAL",
			"PRAGMA busy_timeout = 5000",
			"PRAGMA temp_store = MEMORY",
		},
	}, nil
}

// Connect opens the configured database, applies its connection profile and
// verifies connectivity.
func Connect(ctx context.Context, driver, dsn string) (*DB, error) {
	prof, err := profileFor(driver)
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		dsn = prof.defaultDSN
	}

	db, err := sql.Open(prof.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	db.SetMaxOpenConns(prof.maxOpen)
	db.SetMaxIdleConns(prof.maxIdle)
	db.SetConnMaxLifetime(prof.connTTL)
	db.SetConnMaxIdleTime(prof.idleTTL)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	for _, stmt := range prof.onConnect {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("storage: %s: %w", stmt, err)
		}
	}
	return &DB{SQL: db}, nil
}

// Close closes the underlying *sql.DB (safe to call multiple times).
func (d *DB) Close() error {
	if d == nil || d.SQL == nil {
		return nil
	}
	return d.SQL.Close()
}

// Ping checks connectivity using PingContext on the underlying DB.
func (d *DB) Ping(ctx context.Context) error {
	if d == nil || d.SQL == nil {
		return errors.New("storage: DB is nil")
	}
	return d.SQL.PingContext(ctx)
}
