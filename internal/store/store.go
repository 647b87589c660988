package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// StoreDirName is the hidden folder each source root keeps its state in.
	StoreDirName = ".grainhouse"
	// DBFileName is the job database file inside StoreDirName.
	DBFileName = "analysis.db"
)

// Store is the per-source job table. One instance per source root; the rows
// live on the source's own storage and survive the owning process.
type Store struct {
	db   *sql.DB
	root string
}

// DBPath returns the job database path for a source root.
func DBPath(root string) string {
	return filepath.Join(root, StoreDirName, DBFileName)
}

// Open opens (creating if needed) the job store under the given source root.
// The root directory must already exist; a missing root is the expected
// transient-unavailability failure and is surfaced as an error.
func Open(root string) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: source root unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("failed to open job store: source root %s is not a directory", root)
	}
	if err := os.MkdirAll(filepath.Join(root, StoreDirName), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job store directory: %w", err)
	}

	dsn := DBPath(root) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open job store database: %w", err)
	}
	// SQLite serialises writers; a second connection would only add lock
	// contention inside one process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping job store database: %w", err)
	}
	if err := setupSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to setup job store schema: %w", err)
	}
	return &Store{db: db, root: root}, nil
}

// NewWithDB wraps an existing database handle. Used by tests that drive the
// store through sqlmock.
func NewWithDB(db *sql.DB, root string) *Store {
	return &Store{db: db, root: root}
}

// Root returns the source root this store belongs to.
func (s *Store) Root() string {
	return s.root
}

// DB exposes the underlying handle for maintenance queries and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func setupSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS analysis_jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sample_id TEXT NOT NULL,
		source_id TEXT NOT NULL,
		relative_path TEXT NOT NULL,
		job_type TEXT NOT NULL,
		content_hash TEXT,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		running_at INTEGER,
		last_error TEXT,
		UNIQUE (sample_id, job_type)
	);

	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_status ON analysis_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_analysis_jobs_created_at ON analysis_jobs(created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// execute runs a database operation in a transaction.
func (s *Store) execute(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
