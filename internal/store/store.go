// Package store provides the embedded SQLite persistence layer for the
// sync engine: the append-only change log, per-entity version vectors,
// the peer directory, the offline retry queue, and the conflict store.
//
// The database runs embedded with WAL mode so terminal read traffic
// stays concurrent while the sync actor writes. All multi-row
// invariants (append+bump, conflict+snapshot, resolve+row write) are
// enforced inside single transactions here; callers never have to
// stitch them together.
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

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps the SQLite connection with sync-specific operations.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates or opens the sync database at the specified path.
//
// The database is opened in WAL mode with a busy timeout and foreign
// keys enabled. The caller MUST call Close() when done.
//
// Example:
//
//	st, err := store.Open(filepath.Join(dataDir, "sync.db"))
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	connStr := path
	if path != ":memory:" {
		connStr = fmt.Sprintf("file:%s", path)
	}
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if path == ":memory:" {
		// Pooled connections would each get their own private memory
		// database; pin the pool to one connection.
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
		conn.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	st := &Store{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := st.conn.Exec(pragma); err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
		}
	}

	return st, nil
}

// Close closes the database connection after checkpointing the WAL.
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

// Ping verifies the store is reachable. The engine reports unhealthy
// status instead of crashing when this fails.
func (s *Store) Ping(ctx context.Context) error {
	if s.conn == nil {
		return fmt.Errorf("store is closed")
	}
	return s.conn.PingContext(ctx)
}

// InitSchema creates the sync tables if they don't exist. Idempotent.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	-- Append-only change log. seq is the node-local pull cursor and
	-- carries no cross-node ordering; causal comparison uses the
	-- version_vector column only.
	CREATE TABLE IF NOT EXISTS change_log (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		record_id TEXT NOT NULL,
		record_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		data BLOB,
		version_vector TEXT NOT NULL,  -- JSON map node_id -> counter
		origin_timestamp TEXT NOT NULL,
		origin_node TEXT NOT NULL,
		checksum TEXT NOT NULL DEFAULT ''
	);

	-- Latest observed state per entity: current payload plus the
	-- causal vector it was written under.
	CREATE TABLE IF NOT EXISTS entity_state (
		record_id TEXT PRIMARY KEY,
		record_type TEXT NOT NULL,
		operation TEXT NOT NULL,
		data BLOB,
		version_vector TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Discovered and manually paired terminals. Never deleted, only
	-- aged via last_seen.
	CREATE TABLE IF NOT EXISTS peers (
		node_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		address TEXT NOT NULL,
		port INTEGER NOT NULL,
		last_seen TEXT,
		paired INTEGER NOT NULL DEFAULT 0
	);

	-- Per-peer sync cursors: how far we have pulled from the peer,
	-- and the highest local seq the peer has acknowledged.
	CREATE TABLE IF NOT EXISTS peer_cursors (
		node_id TEXT PRIMARY KEY,
		pull_cursor INTEGER NOT NULL DEFAULT 0,
		acked_cursor INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS offline_queue (
		queue_id TEXT PRIMARY KEY,
		operation_type TEXT NOT NULL,
		target_record_type TEXT NOT NULL DEFAULT '',
		target_record_id TEXT NOT NULL DEFAULT '',
		peer_node_id TEXT NOT NULL,
		payload BLOB,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_conflicts (
		conflict_uuid TEXT PRIMARY KEY,
		resource_type TEXT NOT NULL,
		resource_uuid TEXT NOT NULL,
		conflict_type TEXT NOT NULL,
		resolution_status TEXT NOT NULL DEFAULT 'pending',
		detected_at TEXT NOT NULL,
		resolved_at TEXT,
		resolution_strategy TEXT NOT NULL DEFAULT ''
	);

	-- Frozen remote state captured when the conflict was detected,
	-- written in the same transaction as its conflict row.
	CREATE TABLE IF NOT EXISTS conflict_snapshots (
		conflict_uuid TEXT PRIMARY KEY,
		remote_node TEXT NOT NULL,
		remote_data BLOB,
		remote_vector TEXT NOT NULL,
		remote_origin_timestamp TEXT NOT NULL,
		FOREIGN KEY (conflict_uuid) REFERENCES sync_conflicts(conflict_uuid)
	);

	-- Stable per-installation identity and other one-off values.
	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_change_log_record ON change_log(record_id);
	CREATE INDEX IF NOT EXISTS idx_queue_status ON offline_queue(status, created_at);
	CREATE INDEX IF NOT EXISTS idx_conflicts_status ON sync_conflicts(resolution_status);
	CREATE INDEX IF NOT EXISTS idx_conflicts_resource ON sync_conflicts(resource_uuid);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// begin starts a transaction with the standard error wrapping.
func (s *Store) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
