// pkg/tool/storage/sqlstore.go
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

/*
SQL Store backed by postgres or sqlite.

One table per logical collection. Each row carries the full JSON document
plus extracted key columns so filters translate to indexed WHERE clauses.
Private key documents are sealed with the package Cipher before they touch
the database; everything else is stored as plain JSON text.
*/

// colSpec maps a collection onto its table, filterable columns and doc column.
type colSpec struct {
	table     string
	cols      map[string]string // document field -> column
	keyCols   []string          // columns forming the PK, in order
	docCol    string
	encrypted bool
}

var sqlSpecs = map[Collection]colSpec{
	CollectionPlatform: {
		table:   "platforms",
		cols:    map[string]string{"platformUrl": "platform_url"},
		keyCols: []string{"platform_url"},
		docCol:  "doc",
	},
	CollectionPublicKey: {
		table:   "public_keys",
		cols:    map[string]string{"kid": "kid", "platformUrl": "platform_url"},
		keyCols: []string{"kid"},
		docCol:  "doc",
	},
	CollectionPrivateKey: {
		table:     "private_keys",
		cols:      map[string]string{"kid": "kid", "platformUrl": "platform_url"},
		keyCols:   []string{"kid"},
		docCol:    "doc_enc",
		encrypted: true,
	},
	CollectionIDToken: {
		table:   "id_tokens",
		cols:    map[string]string{"iss": "iss", "deploymentId": "deployment_id", "user": "user_id"},
		keyCols: []string{"iss", "deployment_id", "user_id"},
		docCol:  "doc",
	},
	CollectionContextToken: {
		table:   "context_tokens",
		cols:    map[string]string{"contextId": "context_id", "user": "user_id"},
		keyCols: []string{"context_id", "user_id"},
		docCol:  "doc",
	},
}

// SQLStore implements Store on top of *DB. Cipher may be nil only when no
// private key documents will ever be written (tests).
type SQLStore struct {
	db     *DB
	driver string
	cipher *Cipher
}

func NewSQLStore(db *DB, driver string, cipher *Cipher) *SQLStore {
	d, _ := dialect(driver)
	return &SQLStore{db: db, driver: d, cipher: cipher}
}

// Setup applies the idempotent schema for the configured driver.
func (s *SQLStore) Setup(ctx context.Context) error {
	return Up(ctx, s.db, s.driver)
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Get(ctx context.Context, col Collection, filter Filter) ([]Document, error) {
	spec, err := s.spec(col)
	if err != nil {
		return nil, err
	}
	where, args, err := s.where(spec, filter, 1)
	if err != nil {
		return nil, err
	}
	q := fmt.Sprintf("SELECT %s FROM %s%s", spec.docCol, spec.table, where)
	rows, err := s.db.SQL.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query %s: %v", ErrStore, spec.table, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("%w: scan %s: %v", ErrStore, spec.table, err)
		}
		doc, err := s.decode(spec, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: rows %s: %v", ErrStore, spec.table, err)
	}
	return out, nil
}

func (s *SQLStore) Replace(ctx context.Context, col Collection, filter Filter, doc Document) error {
	spec, err := s.spec(col)
	if err != nil {
		return err
	}
	if _, err := docKey(col, doc); err != nil {
		return err
	}
	payload, err := s.encode(spec, doc)
	if err != nil {
		return err
	}

	cols := make([]string, 0, len(spec.cols)+1)
	vals := make([]any, 0, len(spec.cols)+1)
	for field, column := range spec.cols {
		v, _ := doc[field].(string)
		cols = append(cols, column)
		vals = append(vals, v)
	}
	cols = append(cols, spec.docCol)
	vals = append(vals, payload)

	ph := make([]string, len(cols))
	for i := range cols {
		ph[i] = s.placeholder(i + 1)
	}
	sets := make([]string, 0, len(cols))
	for _, c := range cols {
		if contains(spec.keyCols, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	q := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		spec.table,
		strings.Join(cols, ", "),
		strings.Join(ph, ", "),
		strings.Join(spec.keyCols, ", "),
		strings.Join(sets, ", "),
	)

	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Drop any rows the filter names beyond the upsert target so Replace
		// keeps its remove-then-write semantics.
		if len(filter) > 0 {
			where, args, err := s.where(spec, filter, 1)
			if err != nil {
				return err
			}
			del := fmt.Sprintf("DELETE FROM %s%s", spec.table, where)
			if _, err := tx.ExecContext(ctx, del, args...); err != nil {
				return fmt.Errorf("%w: delete %s: %v", ErrStore, spec.table, err)
			}
		}
		if _, err := tx.ExecContext(ctx, q, vals...); err != nil {
			return fmt.Errorf("%w: upsert %s: %v", ErrStore, spec.table, err)
		}
		return nil
	})
}

func (s *SQLStore) Modify(ctx context.Context, col Collection, filter Filter, patch Document) error {
	docs, err := s.Get(ctx, col, filter)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		for k, v := range patch {
			doc[k] = v
		}
		if err := s.Replace(ctx, col, nil, doc); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, col Collection, filter Filter) error {
	spec, err := s.spec(col)
	if err != nil {
		return err
	}
	where, args, err := s.where(spec, filter, 1)
	if err != nil {
		return err
	}
	q := fmt.Sprintf("DELETE FROM %s%s", spec.table, where)
	if _, err := s.db.SQL.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("%w: delete %s: %v", ErrStore, spec.table, err)
	}
	return nil
}

// ------------------------------ Local helpers --------------------------------

func (s *SQLStore) spec(col Collection) (colSpec, error) {
	spec, ok := sqlSpecs[col]
	if !ok {
		return colSpec{}, fmt.Errorf("%w: unknown collection %q", ErrStore, col)
	}
	return spec, nil
}

// where builds "WHERE a = $1 AND b = $2" from the filter. Filter fields must
// be key columns of the collection; filtering on arbitrary document fields is
// not supported by the SQL backend.
func (s *SQLStore) where(spec colSpec, filter Filter, start int) (string, []any, error) {
	if len(filter) == 0 {
		return "", nil, nil
	}
	conds := make([]string, 0, len(filter))
	args := make([]any, 0, len(filter))
	n := start
	for field, v := range filter {
		column, ok := spec.cols[field]
		if !ok {
			return "", nil, fmt.Errorf("%w: collection %q has no indexed field %q", ErrStore, spec.table, field)
		}
		conds = append(conds, fmt.Sprintf("%s = %s", column, s.placeholder(n)))
		args = append(args, v)
		n++
	}
	return " WHERE " + strings.Join(conds, " AND "), args, nil
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *SQLStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.SQL.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ErrStore, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ErrStore, err)
	}
	return nil
}

func (s *SQLStore) placeholder(n int) string {
	if s.driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLStore) encode(spec colSpec, doc Document) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("%w: marshal document: %v", ErrStore, err)
	}
	if !spec.encrypted {
		return string(raw), nil
	}
	if s.cipher == nil {
		return "", fmt.Errorf("%w: no cipher configured for encrypted collection %q", ErrStore, spec.table)
	}
	return s.cipher.Seal(raw)
}

func (s *SQLStore) decode(spec colSpec, raw string) (Document, error) {
	data := []byte(raw)
	if spec.encrypted {
		if s.cipher == nil {
			return nil, fmt.Errorf("%w: no cipher configured for encrypted collection %q", ErrStore, spec.table)
		}
		plain, err := s.cipher.Open(raw)
		if err != nil {
			return nil, err
		}
		data = plain
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: unmarshal document: %v", ErrStore, err)
	}
	return doc, nil
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
