package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lanesync/lanesync/internal/model"
)

// UpsertPeer inserts or updates a peer device. Discovery responses and
// manual pairing both land here; a later upsert refreshes address,
// port, and pairing state but never removes the row.
func (s *Store) UpsertPeer(ctx context.Context, peer model.PeerDevice) error {
	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO peers (node_id, name, address, port, last_seen, paired)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			name = excluded.name,
			address = excluded.address,
			port = excluded.port,
			last_seen = excluded.last_seen,
			paired = CASE WHEN excluded.paired = 1 THEN 1 ELSE peers.paired END`,
		peer.NodeID, peer.Name, peer.Address, peer.Port,
		timeToNullString(peer.LastSeen), boolToInt(peer.Paired),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert peer %s: %w", peer.NodeID, err)
	}
	return nil
}

// TouchPeer updates a peer's last_seen after a successful contact.
// Failed contacts deliberately leave last_seen untouched so stale
// peers age out of priority.
func (s *Store) TouchPeer(ctx context.Context, nodeID string, when time.Time) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE peers SET last_seen = ? WHERE node_id = ?`,
		when.UTC().Format(time.RFC3339Nano), nodeID,
	)
	if err != nil {
		return fmt.Errorf("failed to touch peer %s: %w", nodeID, err)
	}
	return nil
}

// ListPeers returns all known peers ordered by most recent contact.
func (s *Store) ListPeers(ctx context.Context) ([]model.PeerDevice, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT node_id, name, address, port, last_seen, paired
		FROM peers
		ORDER BY last_seen DESC, node_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list peers: %w", err)
	}
	defer rows.Close()

	var peers []model.PeerDevice
	for rows.Next() {
		var (
			peer     model.PeerDevice
			lastSeen sql.NullString
			paired   int
		)
		if err := rows.Scan(&peer.NodeID, &peer.Name, &peer.Address, &peer.Port, &lastSeen, &paired); err != nil {
			return nil, fmt.Errorf("failed to scan peer: %w", err)
		}
		peer.LastSeen = nullStringToTime(lastSeen)
		peer.Paired = paired != 0
		peers = append(peers, peer)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating peers: %w", err)
	}
	return peers, nil
}

// GetPeer returns one peer by node id, or ErrNotFound.
func (s *Store) GetPeer(ctx context.Context, nodeID string) (model.PeerDevice, error) {
	var (
		peer     model.PeerDevice
		lastSeen sql.NullString
		paired   int
	)
	err := s.conn.QueryRowContext(ctx, `
		SELECT node_id, name, address, port, last_seen, paired
		FROM peers WHERE node_id = ?`,
		nodeID,
	).Scan(&peer.NodeID, &peer.Name, &peer.Address, &peer.Port, &lastSeen, &paired)
	if err == sql.ErrNoRows {
		return model.PeerDevice{}, ErrNotFound
	}
	if err != nil {
		return model.PeerDevice{}, fmt.Errorf("failed to query peer %s: %w", nodeID, err)
	}
	peer.LastSeen = nullStringToTime(lastSeen)
	peer.Paired = paired != 0
	return peer, nil
}

// PullCursor returns how far this node has pulled from the given peer.
// Unknown peers start at cursor zero.
func (s *Store) PullCursor(ctx context.Context, nodeID string) (int64, error) {
	return s.cursor(ctx, nodeID, "pull_cursor")
}

// SetPullCursor advances the pull cursor for a peer.
func (s *Store) SetPullCursor(ctx context.Context, nodeID string, cursor int64) error {
	return s.setCursor(ctx, nodeID, "pull_cursor", cursor)
}

// AckedCursor returns the highest local sequence number the peer has
// acknowledged receiving.
func (s *Store) AckedCursor(ctx context.Context, nodeID string) (int64, error) {
	return s.cursor(ctx, nodeID, "acked_cursor")
}

// SetAckedCursor records the peer's acknowledgement of local changes
// up to cursor.
func (s *Store) SetAckedCursor(ctx context.Context, nodeID string, cursor int64) error {
	return s.setCursor(ctx, nodeID, "acked_cursor", cursor)
}

// MinAckedCursor returns the smallest acknowledged cursor across all
// paired peers, used to compute how many local changes still await
// delivery. Returns -1 when there are no paired peers.
func (s *Store) MinAckedCursor(ctx context.Context) (int64, error) {
	var min sql.NullInt64
	err := s.conn.QueryRowContext(ctx, `
		SELECT MIN(COALESCE(c.acked_cursor, 0))
		FROM peers p
		LEFT JOIN peer_cursors c ON c.node_id = p.node_id
		WHERE p.paired = 1`,
	).Scan(&min)
	if err != nil {
		return 0, fmt.Errorf("failed to query min acked cursor: %w", err)
	}
	if !min.Valid {
		return -1, nil
	}
	return min.Int64, nil
}

func (s *Store) cursor(ctx context.Context, nodeID, column string) (int64, error) {
	var cursor int64
	// column is one of two compile-time constants, never user input.
	query := fmt.Sprintf(`SELECT %s FROM peer_cursors WHERE node_id = ?`, column)
	err := s.conn.QueryRowContext(ctx, query, nodeID).Scan(&cursor)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query %s for %s: %w", column, nodeID, err)
	}
	return cursor, nil
}

func (s *Store) setCursor(ctx context.Context, nodeID, column string, cursor int64) error {
	query := fmt.Sprintf(`
		INSERT INTO peer_cursors (node_id, %[1]s, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(node_id) DO UPDATE SET
			%[1]s = excluded.%[1]s,
			updated_at = excluded.updated_at`, column)

	_, err := s.conn.ExecContext(ctx, query,
		nodeID, cursor, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to set %s for %s: %w", column, nodeID, err)
	}
	return nil
}

// timeToNullString converts a time to a nullable string for SQL.
func timeToNullString(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time.
func nullStringToTime(ns sql.NullString) time.Time {
	if !ns.Valid {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
