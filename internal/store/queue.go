package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lanesync/lanesync/internal/model"
)

// Enqueue adds an operation to the offline retry queue and returns its
// queue id. Items start pending and are retried in creation order.
func (s *Store) Enqueue(ctx context.Context, item model.OfflineQueueItem) (string, error) {
	if item.QueueID == "" {
		item.QueueID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO offline_queue (queue_id, operation_type, target_record_type,
			target_record_id, peer_node_id, payload, status, retry_count,
			last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?)`,
		item.QueueID, string(item.OperationType), string(item.TargetRecordType),
		item.TargetRecordID, item.PeerNodeID, []byte(item.Payload),
		item.RetryCount, item.LastError,
		item.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue offline item: %w", err)
	}
	return item.QueueID, nil
}

// DequeuePending claims up to limit pending items in FIFO creation
// order, transitioning them to processing in the same transaction.
// The processing status acts as a lease: a claimed item cannot be
// dequeued again until it returns to pending or reaches a terminal
// state.
func (s *Store) DequeuePending(ctx context.Context, limit int) ([]model.OfflineQueueItem, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT queue_id, operation_type, target_record_type, target_record_id,
		       peer_node_id, payload, status, retry_count, last_error, created_at
		FROM offline_queue
		WHERE status = 'pending'
		ORDER BY created_at ASC, rowid ASC
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending queue items: %w", err)
	}

	items, err := scanQueueItems(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	for i := range items {
		items[i].Status = model.QueueProcessing
		if _, err := tx.ExecContext(ctx,
			`UPDATE offline_queue SET status = 'processing' WHERE queue_id = ?`,
			items[i].QueueID,
		); err != nil {
			return nil, fmt.Errorf("failed to lease queue item %s: %w", items[i].QueueID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit queue lease: %w", err)
	}
	return items, nil
}

// MarkCompleted transitions a processing item to completed.
func (s *Store) MarkCompleted(ctx context.Context, queueID string) error {
	res, err := s.conn.ExecContext(ctx,
		`UPDATE offline_queue SET status = 'completed' WHERE queue_id = ?`,
		queueID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete queue item %s: %w", queueID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkFailed records a failed attempt. The item returns to pending for
// another retry unless retry_count has reached maxRetries, in which
// case it transitions to the terminal failed state. Returns whether
// the item will be retried.
func (s *Store) MarkFailed(ctx context.Context, queueID, lastError string, maxRetries int) (bool, error) {
	tx, err := s.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var retryCount int
	err = tx.QueryRowContext(ctx,
		`SELECT retry_count FROM offline_queue WHERE queue_id = ?`, queueID,
	).Scan(&retryCount)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to query queue item %s: %w", queueID, err)
	}

	retryCount++
	willRetry := retryCount < maxRetries
	status := model.QueuePending
	if !willRetry {
		status = model.QueueFailed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE offline_queue
		SET status = ?, retry_count = ?, last_error = ?
		WHERE queue_id = ?`,
		string(status), retryCount, lastError, queueID,
	); err != nil {
		return false, fmt.Errorf("failed to fail queue item %s: %w", queueID, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit queue failure: %w", err)
	}
	return willRetry, nil
}

// QueueDepths returns the per-status item counts for /sync/progress.
func (s *Store) QueueDepths(ctx context.Context) (model.QueueDepths, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM offline_queue GROUP BY status`,
	)
	if err != nil {
		return model.QueueDepths{}, fmt.Errorf("failed to query queue depths: %w", err)
	}
	defer rows.Close()

	var depths model.QueueDepths
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return model.QueueDepths{}, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		switch model.QueueStatus(status) {
		case model.QueuePending:
			depths.Pending = count
		case model.QueueProcessing:
			depths.Processing = count
		case model.QueueFailed:
			depths.Failed = count
		}
	}

	if err := rows.Err(); err != nil {
		return model.QueueDepths{}, fmt.Errorf("error iterating queue depths: %w", err)
	}
	return depths, nil
}

// GetQueueItem returns one queue item by id, or ErrNotFound.
func (s *Store) GetQueueItem(ctx context.Context, queueID string) (model.OfflineQueueItem, error) {
	rows, err := s.conn.QueryContext(ctx, `
		SELECT queue_id, operation_type, target_record_type, target_record_id,
		       peer_node_id, payload, status, retry_count, last_error, created_at
		FROM offline_queue WHERE queue_id = ?`,
		queueID,
	)
	if err != nil {
		return model.OfflineQueueItem{}, fmt.Errorf("failed to query queue item: %w", err)
	}
	defer rows.Close()

	items, err := scanQueueItems(rows)
	if err != nil {
		return model.OfflineQueueItem{}, err
	}
	if len(items) == 0 {
		return model.OfflineQueueItem{}, ErrNotFound
	}
	return items[0], nil
}

// scanQueueItems reads queue items from query results.
func scanQueueItems(rows *sql.Rows) ([]model.OfflineQueueItem, error) {
	var items []model.OfflineQueueItem

	for rows.Next() {
		var (
			item       model.OfflineQueueItem
			opType     string
			recordType string
			status     string
			createdAt  string
		)
		err := rows.Scan(&item.QueueID, &opType, &recordType, &item.TargetRecordID,
			&item.PeerNodeID, (*[]byte)(&item.Payload), &status,
			&item.RetryCount, &item.LastError, &createdAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}

		item.OperationType = model.QueueOpType(opType)
		item.TargetRecordType = model.RecordType(recordType)
		item.Status = model.QueueStatus(status)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			item.CreatedAt = t
		}
		items = append(items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating queue items: %w", err)
	}
	return items, nil
}
