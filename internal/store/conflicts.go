package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/vclock"
)

// ErrAlreadyResolved is returned when resolving a conflict that is no
// longer pending.
var ErrAlreadyResolved = fmt.Errorf("store: conflict already resolved")

// RecordConflict writes a conflict and its remote snapshot in one
// transaction. Returns false without writing when an identical pending
// conflict (same resource, same remote vector) already exists, so a
// peer re-pushing the same concurrent record does not duplicate the
// operator's work queue.
func (s *Store) RecordConflict(ctx context.Context, conflict model.SyncConflict, snapshot model.ConflictSnapshot) (bool, error) {
	remoteVector, err := snapshot.RemoteVector.Marshal()
	if err != nil {
		return false, err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM sync_conflicts c
		JOIN conflict_snapshots s ON s.conflict_uuid = c.conflict_uuid
		WHERE c.resource_uuid = ?
		  AND c.resolution_status = 'pending'
		  AND s.remote_vector = ?`,
		conflict.ResourceID, string(remoteVector),
	).Scan(&existing)
	if err != nil {
		return false, fmt.Errorf("failed to check for duplicate conflict: %w", err)
	}
	if existing > 0 {
		return false, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_conflicts (conflict_uuid, resource_type, resource_uuid,
			conflict_type, resolution_status, detected_at)
		VALUES (?, ?, ?, ?, 'pending', ?)`,
		conflict.ConflictID, string(conflict.ResourceType), conflict.ResourceID,
		string(conflict.Type), conflict.DetectedAt.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return false, fmt.Errorf("failed to insert conflict %s: %w", conflict.ConflictID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conflict_snapshots (conflict_uuid, remote_node, remote_data,
			remote_vector, remote_origin_timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		conflict.ConflictID, snapshot.RemoteNode, []byte(snapshot.RemoteData),
		string(remoteVector), snapshot.RemoteStamped.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return false, fmt.Errorf("failed to insert conflict snapshot %s: %w", conflict.ConflictID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit conflict: %w", err)
	}
	return true, nil
}

// ListPendingConflicts returns all unresolved conflicts with both the
// frozen remote snapshot and the current local state for diffing.
func (s *Store) ListPendingConflicts(ctx context.Context) ([]model.PendingConflict, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT c.conflict_uuid, c.resource_type, c.resource_uuid, c.conflict_type,
		       c.resolution_status, c.detected_at,
		       s.remote_node, s.remote_data, s.remote_vector, s.remote_origin_timestamp,
		       e.data, e.version_vector
		FROM sync_conflicts c
		JOIN conflict_snapshots s ON s.conflict_uuid = c.conflict_uuid
		LEFT JOIN entity_state e ON e.record_id = c.resource_uuid
		WHERE c.resolution_status = 'pending'
		ORDER BY c.detected_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending conflicts: %w", err)
	}
	defer rows.Close()

	var pending []model.PendingConflict
	for rows.Next() {
		var (
			p            model.PendingConflict
			resourceType string
			conflictType string
			status       string
			detectedAt   string
			remoteVector string
			remoteStamp  string
			localData    []byte
			localVector  sql.NullString
		)
		err := rows.Scan(&p.Conflict.ConflictID, &resourceType, &p.Conflict.ResourceID,
			&conflictType, &status, &detectedAt,
			&p.Snapshot.RemoteNode, (*[]byte)(&p.Snapshot.RemoteData), &remoteVector, &remoteStamp,
			&localData, &localVector)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending conflict: %w", err)
		}

		p.Conflict.ResourceType = model.RecordType(resourceType)
		p.Conflict.Type = model.ConflictType(conflictType)
		p.Conflict.Status = model.ResolutionStatus(status)
		if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
			p.Conflict.DetectedAt = t
		}

		p.Snapshot.ConflictID = p.Conflict.ConflictID
		if p.Snapshot.RemoteVector, err = vclock.Unmarshal([]byte(remoteVector)); err != nil {
			return nil, fmt.Errorf("corrupt remote vector for conflict %s: %w", p.Conflict.ConflictID, err)
		}
		if t, err := time.Parse(time.RFC3339Nano, remoteStamp); err == nil {
			p.Snapshot.RemoteStamped = t
		}

		p.LocalData = json.RawMessage(localData)
		if localVector.Valid {
			if p.LocalVector, err = vclock.Unmarshal([]byte(localVector.String)); err != nil {
				return nil, fmt.Errorf("corrupt local vector for conflict %s: %w", p.Conflict.ConflictID, err)
			}
		} else {
			p.LocalVector = vclock.New()
		}

		pending = append(pending, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return pending, nil
}

// PendingConflictCount returns the number of unresolved conflicts.
func (s *Store) PendingConflictCount(ctx context.Context) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sync_conflicts WHERE resolution_status = 'pending'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending conflicts: %w", err)
	}
	return count, nil
}

// ResolveConflict applies a resolution strategy atomically: the row
// store write, the change log append, and the conflict status flip all
// commit together or not at all. On failure the conflict stays
// pending.
//
// All strategies max-merge the local and remote vectors so the result
// dominates both sides and cannot immediately re-conflict:
//
//   - local_wins keeps the local payload.
//   - remote_wins replays the snapshot payload.
//   - manual applies the operator-supplied payload and additionally
//     bumps this node's counter, since the merge is a new local edit.
func (s *Store) ResolveConflict(ctx context.Context, req model.ResolveRequest, nodeID string) error {
	if err := req.Validate(); err != nil {
		return err
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var (
		resourceType string
		resourceID   string
		status       string
		remoteData   []byte
		remoteVector string
	)
	err = tx.QueryRowContext(ctx, `
		SELECT c.resource_type, c.resource_uuid, c.resolution_status,
		       s.remote_data, s.remote_vector
		FROM sync_conflicts c
		JOIN conflict_snapshots s ON s.conflict_uuid = c.conflict_uuid
		WHERE c.conflict_uuid = ?`,
		req.ConflictID,
	).Scan(&resourceType, &resourceID, &status, &remoteData, &remoteVector)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load conflict %s: %w", req.ConflictID, err)
	}
	if model.ResolutionStatus(status) != model.ResolutionPending {
		return ErrAlreadyResolved
	}

	remote, err := vclock.Unmarshal([]byte(remoteVector))
	if err != nil {
		return fmt.Errorf("corrupt remote vector for conflict %s: %w", req.ConflictID, err)
	}
	local, err := entityVectorTx(ctx, tx, resourceID)
	if err != nil {
		return err
	}

	var localData []byte
	err = tx.QueryRowContext(ctx,
		`SELECT data FROM entity_state WHERE record_id = ?`, resourceID,
	).Scan(&localData)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to load local state for %s: %w", resourceID, err)
	}

	merged := local.Merge(remote)
	data := localData
	switch req.Resolution {
	case model.ResolveRemoteWins:
		data = remoteData
	case model.ResolveManual:
		data = req.MergedData
		merged.Bump(nodeID)
	}

	now := time.Now().UTC()
	rec := model.ChangeRecord{
		RecordID:        resourceID,
		RecordType:      model.RecordType(resourceType),
		Operation:       model.OpUpdate,
		Data:            data,
		VersionVector:   merged,
		OriginTimestamp: now,
		OriginNode:      nodeID,
		Checksum:        model.ComputeChecksum(data),
	}
	if err := upsertEntityStateTx(ctx, tx, &rec, now); err != nil {
		return err
	}
	if _, err := insertChangeTx(ctx, tx, &rec); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sync_conflicts
		SET resolution_status = 'resolved', resolved_at = ?, resolution_strategy = ?
		WHERE conflict_uuid = ?`,
		now.Format(time.RFC3339Nano), string(req.Resolution), req.ConflictID,
	); err != nil {
		return fmt.Errorf("failed to mark conflict %s resolved: %w", req.ConflictID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit resolution: %w", err)
	}
	return nil
}
