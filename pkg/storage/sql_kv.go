package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Dialect distinguishes the small syntax differences between the sqlite and
// postgres schemas SQLKV maintains.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

// SQLKV is a KV backed by database/sql, defaulting to an embedded sqlite
// file and optionally pointed at Postgres for multi-node deployments.
type SQLKV struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLiteKV opens (creating if absent) a local sqlite-backed KV store.
// path may be ":memory:" for an ephemeral, process-local store.
func NewSQLiteKV(path string) (*SQLKV, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	kv := &SQLKV{db: db, dialect: DialectSQLite}
	if err := kv.migrate(); err != nil {
		return nil, err
	}
	return kv, nil
}

// NewPostgresKV opens a Postgres-backed KV store at dsn.
func NewPostgresKV(dsn string) (*SQLKV, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	kv := &SQLKV{db: db, dialect: DialectPostgres}
	if err := kv.migrate(); err != nil {
		return nil, err
	}
	return kv, nil
}

func (s *SQLKV) migrate() error {
	valueType := "BLOB"
	if s.dialect == DialectPostgres {
		valueType = "BYTEA"
	}
	ddl := `CREATE TABLE IF NOT EXISTS chainbox_kv (
		namespace TEXT NOT NULL,
		key TEXT NOT NULL,
		value ` + valueType + ` NOT NULL,
		PRIMARY KEY (namespace, key)
	)`
	_, err := s.db.Exec(ddl)
	if err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

func (s *SQLKV) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Get returns the value stored under (namespace, key), if present.
func (s *SQLKV) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	q := fmt.Sprintf("SELECT value FROM chainbox_kv WHERE namespace = %s AND key = %s",
		s.placeholder(1), s.placeholder(2))
	var value []byte
	err := s.db.QueryRowContext(ctx, q, namespace, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: get: %w", err)
	}
	return value, true, nil
}

// Set upserts value under (namespace, key).
func (s *SQLKV) Set(ctx context.Context, namespace, key string, value []byte) error {
	var q string
	if s.dialect == DialectPostgres {
		q = `INSERT INTO chainbox_kv (namespace, key, value) VALUES ($1, $2, $3)
			ON CONFLICT (namespace, key) DO UPDATE SET value = EXCLUDED.value`
	} else {
		q = `INSERT INTO chainbox_kv (namespace, key, value) VALUES (?, ?, ?)
			ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`
	}
	if _, err := s.db.ExecContext(ctx, q, namespace, key, value); err != nil {
		return fmt.Errorf("storage: set: %w", err)
	}
	return nil
}

// Delete removes (namespace, key), if present.
func (s *SQLKV) Delete(ctx context.Context, namespace, key string) error {
	q := fmt.Sprintf("DELETE FROM chainbox_kv WHERE namespace = %s AND key = %s",
		s.placeholder(1), s.placeholder(2))
	if _, err := s.db.ExecContext(ctx, q, namespace, key); err != nil {
		return fmt.Errorf("storage: delete: %w", err)
	}
	return nil
}

// List returns every key in namespace carrying prefix.
func (s *SQLKV) List(ctx context.Context, namespace, prefix string) ([]string, error) {
	q := fmt.Sprintf("SELECT key FROM chainbox_kv WHERE namespace = %s AND key LIKE %s ORDER BY key",
		s.placeholder(1), s.placeholder(2))
	rows, err := s.db.QueryContext(ctx, q, namespace, prefix+"%")
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("storage: list scan: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLKV) Close() error {
	return s.db.Close()
}
