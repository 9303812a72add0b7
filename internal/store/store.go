// Package store provides the embedded local cache for the offline sync core.
//
// The store mirrors remote collections into a local SQLite database and
// keeps two auxiliary tables next to them: the pending-change queue and
// the conflict table. It is the only cross-component mutable resource;
// every mutating call is atomic, so façade reads and writes may run
// concurrently with an in-flight reconciliation pass.
//
// The database runs in embedded mode using the ncruces/go-sqlite3 driver
// with WAL for concurrent readers during writes.
//
// Layout:
//   - records: one row per mirrored (collection, id), JSON payload
//   - pending_changes: the queue, one effective entry per record
//   - conflicts: detected divergences awaiting resolution
//   - sync_meta: per-collection bookkeeping
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Store wraps the SQLite connection with sync-core functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new store at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(".ebb/ebb.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	connStr := fmt.Sprintf("file:%s", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// WAL mode lets façade reads proceed while a pass is writing.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the records, pending_changes, conflicts, and sync_meta
// tables along with necessary indexes. Idempotent - safe to call
// multiple times.
func (s *Store) InitSchema() error {
	return s.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the database schema with context support.
func (s *Store) InitSchemaContext(ctx context.Context) error {
	schema := `
	-- Mirrored rows of remote collections
	CREATE TABLE IF NOT EXISTS records (
		collection TEXT NOT NULL,
		id TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		schema_version INTEGER NOT NULL DEFAULT 1,
		payload TEXT NOT NULL,  -- JSON object
		sync_status TEXT NOT NULL DEFAULT 'pending',
		last_modified TEXT NOT NULL,
		PRIMARY KEY (collection, id)
	);

	-- Queued local mutations; seq preserves creation order
	CREATE TABLE IF NOT EXISTS pending_changes (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,  -- insert, update, delete
		snapshot TEXT,  -- JSON object, may be NULL for deletes
		schema_version INTEGER NOT NULL DEFAULT 1,
		scope TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,  -- bumped on every coalesce
		created_at TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT,
		last_error TEXT,
		failed INTEGER NOT NULL DEFAULT 0
	);

	-- Detected divergences awaiting explicit resolution
	CREATE TABLE IF NOT EXISTS conflicts (
		id TEXT PRIMARY KEY,
		collection TEXT NOT NULL,
		record_id TEXT NOT NULL,
		local_payload TEXT,
		remote_payload TEXT,
		conflict_type TEXT NOT NULL,
		resolution_strategy TEXT NOT NULL DEFAULT 'unresolved',
		detected_at TEXT NOT NULL,
		resolved_at TEXT
	);

	-- Per-collection sync bookkeeping
	CREATE TABLE IF NOT EXISTS sync_meta (
		collection TEXT PRIMARY KEY,
		last_sync_at TEXT,
		pending_count INTEGER NOT NULL DEFAULT 0
	);

	-- One effective (non-quarantined) change per record
	CREATE UNIQUE INDEX IF NOT EXISTS idx_changes_effective
	    ON pending_changes(collection, record_id) WHERE failed = 0;

	-- One open conflict per record
	CREATE UNIQUE INDEX IF NOT EXISTS idx_conflicts_open
	    ON conflicts(collection, record_id) WHERE resolved_at IS NULL;

	CREATE INDEX IF NOT EXISTS idx_records_status ON records(collection, sync_status);
	CREATE INDEX IF NOT EXISTS idx_records_scope ON records(collection, scope);
	CREATE INDEX IF NOT EXISTS idx_changes_collection ON pending_changes(collection, seq);
	CREATE INDEX IF NOT EXISTS idx_conflicts_record ON conflicts(collection, record_id);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Vacuum prunes resolved conflicts and terminally failed changes older
// than the retention window.
//
// Open conflicts and live queue entries are never touched: a queued
// mutation is removed only on confirmed remote success or explicit
// conflict resolution.
func (s *Store) Vacuum(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(time.RFC3339Nano)

	var pruned int64

	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM conflicts WHERE resolved_at IS NOT NULL AND resolved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune resolved conflicts: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		pruned += n
	}

	res, err = s.conn.ExecContext(ctx,
		`DELETE FROM pending_changes WHERE failed = 1 AND created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed changes: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		pruned += n
	}

	return pruned, nil
}

// nowString returns the current time in the canonical storage format.
func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
