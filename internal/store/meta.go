package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

const nodeIDKey = "node_id"

// EnsureNodeID returns the stable per-installation node identifier,
// generating and persisting one on first call. Two live terminals must
// never share a node ID, so the value is created exactly once and then
// reused for the lifetime of the installation.
func (s *Store) EnsureNodeID(ctx context.Context) (string, error) {
	var id string
	err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, nodeIDKey,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to query node id: %w", err)
	}

	id = uuid.NewString()
	// INSERT OR IGNORE guards against a concurrent first boot racing
	// this statement; whichever insert lands first wins.
	if _, err := s.conn.ExecContext(ctx,
		`INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)`, nodeIDKey, id,
	); err != nil {
		return "", fmt.Errorf("failed to persist node id: %w", err)
	}

	if err := s.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, nodeIDKey,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("failed to re-read node id: %w", err)
	}
	return id, nil
}
