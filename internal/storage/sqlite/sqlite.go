// Package sqlite keeps every namespace in a single kv table of a SQLite
// database inside the working directory.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/efebarandurmaz/kiln/internal/storage"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	namespace TEXT NOT NULL,
	key       TEXT NOT NULL,
	value     BLOB NOT NULL,
	PRIMARY KEY (namespace, key)
)`

// Backend owns the database handle.
type Backend struct {
	db   *sql.DB
	path string
}

// New opens (or creates) kiln.db in dir.
func New(dir string) (*Backend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working dir: %w", err)
	}
	dbPath := filepath.Join(dir, "kiln.db")

	// WAL lets readers proceed while a commit is in flight.
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	b, err := NewWithDB(context.Background(), db)
	if err != nil {
		db.Close()
		return nil, err
	}
	b.path = dbPath
	return b, nil
}

// NewWithDB wraps an existing handle and ensures the schema exists.
func NewWithDB(ctx context.Context, db *sql.DB) (*Backend, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Name() string { return "sqlite" }

// Path returns the database file path, empty for injected handles.
func (b *Backend) Path() string { return b.path }

func (b *Backend) Open(_ context.Context, ns storage.Namespace) (storage.KV, error) {
	return &Store{db: b.db, ns: ns}, nil
}

func (b *Backend) Drop(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, "DELETE FROM kv"); err != nil {
		return fmt.Errorf("dropping kv: %w", err)
	}
	return nil
}

func (b *Backend) Close() error {
	return b.db.Close()
}

// Store is one namespace of the kv table.
type Store struct {
	db *sql.DB
	ns storage.Namespace
}

func (s *Store) Namespace() storage.Namespace { return s.ns }

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM kv WHERE namespace = ? AND key = ?", string(s.ns), key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting %s/%s: %w", s.ns, key, err)
	}
	return v, nil
}

func (s *Store) GetMany(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, string(s.ns))
	for _, k := range keys {
		args = append(args, k)
	}
	q := "SELECT key, value FROM kv WHERE namespace = ? AND key IN (" + placeholders(len(keys)) + ")"
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("getting %s: %w", s.ns, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scanning %s: %w", s.ns, err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) Missing(ctx context.Context, keys []string) ([]string, error) {
	present, err := s.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, k := range keys {
		if _, ok := present[k]; !ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// Upsert writes the batch in one transaction.
func (s *Store) Upsert(ctx context.Context, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning upsert: %w", err)
	}
	for k, v := range values {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO kv (namespace, key, value) VALUES (?, ?, ?)
			 ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value`,
			string(s.ns), k, v); err != nil {
			tx.Rollback()
			return fmt.Errorf("upserting %s/%s: %w", s.ns, k, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing upsert: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	args := make([]any, 0, len(keys)+1)
	args = append(args, string(s.ns))
	for _, k := range keys {
		args = append(args, k)
	}
	q := "DELETE FROM kv WHERE namespace = ? AND key IN (" + placeholders(len(keys)) + ")"
	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("deleting from %s: %w", s.ns, err)
	}
	return nil
}

func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM kv WHERE namespace = ? ORDER BY key", string(s.ns))
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", s.ns, err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) All(ctx context.Context) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value FROM kv WHERE namespace = ?", string(s.ns))
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", s.ns, err)
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

func (s *Store) Drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM kv WHERE namespace = ?", string(s.ns)); err != nil {
		return fmt.Errorf("dropping %s: %w", s.ns, err)
	}
	return nil
}

// Flush is a no-op; every write is committed when it returns.
func (s *Store) Flush(context.Context) error { return nil }

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

var (
	_ storage.Backend = (*Backend)(nil)
	_ storage.KV      = (*Store)(nil)
)
