package model

import (
	"encoding/json"
	"time"
)

// QueueStatus is the lifecycle state of an offline queue item.
type QueueStatus string

const (
	// QueuePending means the item is waiting to be picked up.
	QueuePending QueueStatus = "pending"

	// QueueProcessing means a driver holds the item. Processing acts
	// as a lease: the item cannot be dequeued again until it returns
	// to pending or reaches a terminal state.
	QueueProcessing QueueStatus = "processing"

	// QueueCompleted means the operation eventually succeeded.
	QueueCompleted QueueStatus = "completed"

	// QueueFailed means the item exhausted its retries. Terminal;
	// surfaced to operators, never dequeued again.
	QueueFailed QueueStatus = "failed"
)

// QueueOpType is the kind of deferred sync operation.
type QueueOpType string

const (
	// QueuePush retries delivering a batch of local changes to a peer.
	QueuePush QueueOpType = "push"

	// QueuePull retries fetching a peer's changes from its cursor.
	QueuePull QueueOpType = "pull"
)

// OfflineQueueItem is a sync operation that could not complete
// synchronously (peer unreachable, call timed out) and is retried by
// a background driver in FIFO creation order.
type OfflineQueueItem struct {
	QueueID          string          `json:"queue_id"`
	OperationType    QueueOpType     `json:"operation_type"`
	TargetRecordType RecordType      `json:"target_record_type,omitempty"`
	TargetRecordID   string          `json:"target_record_id,omitempty"`
	PeerNodeID       string          `json:"peer_node_id"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Status           QueueStatus     `json:"status"`
	RetryCount       int             `json:"retry_count"`
	LastError        string          `json:"last_error,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// QueueDepths is the per-status breakdown reported by /sync/progress.
type QueueDepths struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}
