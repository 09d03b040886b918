// Package store persists repository generations in SQLite: the durable
// current-generation record, file manifests, content-addressed blobs and the
// chunk embedding cache.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Querier abstracts *sql.DB and *sql.Tx so store methods work in both contexts.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps a SQLite connection.
type Store struct {
	db     *sql.DB
	q      Querier // active querier: db or tx
	dbPath string
}

// DefaultDir returns the default cache directory for databases.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	return filepath.Join(home, ".cache", "codebase-search-mcp"), nil
}

// OpenInDir opens or creates the database for a repository inside dir.
func OpenInDir(dir, repo string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("mkdir cache: %w", err)
	}
	return OpenPath(filepath.Join(dir, repo+".db"))
}

// OpenPath opens a SQLite database at the given path.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	s := &Store{db: db, dbPath: dbPath}
	s.q = s.db
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// OpenMemory opens an in-memory SQLite database (for testing).
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	// Every pooled connection would get its own empty in-memory database.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, dbPath: ":memory:"}
	s.q = s.db
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// WithTransaction executes fn within a single SQLite transaction.
// The callback receives a transaction-scoped Store; all store methods called
// on txStore use the transaction. The receiver's q field is never mutated, so
// concurrent readers using s.q == s.db are unaffected.
func (s *Store) WithTransaction(ctx context.Context, fn func(txStore *Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	txStore := &Store{db: s.db, q: tx, dbPath: s.dbPath}
	if err := fn(txStore); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Path returns the database file path, or ":memory:".
func (s *Store) Path() string { return s.dbPath }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		name TEXT PRIMARY KEY,
		root_path TEXT NOT NULL,
		remote TEXT NOT NULL DEFAULT '',
		current_generation INTEGER NOT NULL DEFAULT 0,
		last_commit TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generations (
		repo TEXT NOT NULL REFERENCES repositories(name) ON DELETE CASCADE,
		id INTEGER NOT NULL,
		build_id TEXT NOT NULL DEFAULT '',
		commit_hash TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '{}',
		PRIMARY KEY (repo, id)
	);

	CREATE TABLE IF NOT EXISTS generation_files (
		repo TEXT NOT NULL,
		generation_id INTEGER NOT NULL,
		rel_path TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		mod_time INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (repo, generation_id, rel_path),
		FOREIGN KEY (repo, generation_id) REFERENCES generations(repo, id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_generation_files_hash ON generation_files(content_hash);

	CREATE TABLE IF NOT EXISTS file_blobs (
		content_hash TEXT PRIMARY KEY,
		content BLOB NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chunk_embeddings (
		chunk_key TEXT NOT NULL,
		model TEXT NOT NULL,
		dims INTEGER NOT NULL,
		vector BLOB NOT NULL,
		PRIMARY KEY (chunk_key, model)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// marshalSummary serializes a summary to JSON.
func marshalSummary(sum Summary) string {
	b, err := json.Marshal(sum)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// unmarshalSummary deserializes a JSON summary. Malformed input yields the
// zero Summary.
func unmarshalSummary(data string) Summary {
	var sum Summary
	if data == "" {
		return sum
	}
	_ = json.Unmarshal([]byte(data), &sum)
	return sum
}

// Now returns the current time in ISO 8601 format.
func Now() string {
	return time.Now().UTC().Format(time.RFC3339)
}
