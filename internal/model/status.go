package model

import "time"

// SyncStatus is the cached health view served by GET /sync/status.
// Reads of this struct never block on network I/O.
type SyncStatus struct {
	NodeID         string     `json:"node_id"`
	IsSynced       bool       `json:"is_synced"`
	LastSync       *time.Time `json:"last_sync,omitempty"`
	PendingChanges int        `json:"pending_changes"`
	ConnectedPeers int        `json:"connected_peers"`

	// Healthy turns false when local storage becomes unavailable.
	// The terminal keeps serving offline traffic; sync reports
	// unhealthy instead of crashing the process.
	Healthy bool `json:"healthy"`
}

// SyncProgress extends SyncStatus with the offline queue depth
// breakdown for GET /sync/progress.
type SyncProgress struct {
	SyncStatus
	Queue QueueDepths `json:"queue"`
}

// ApplyResult summarizes one ApplyChanges batch: how many records
// merged, how many were stale no-ops, and which were rejected or
// conflicted. Partial failure is expected; one bad record never
// blocks the rest of the batch.
type ApplyResult struct {
	Applied   int      `json:"applied"`
	Stale     int      `json:"stale"`
	Conflicts int      `json:"conflicts"`
	Rejected  []string `json:"rejected,omitempty"`
}

// PushResponse is the body of POST /sync/push. Status is "synced"
// when the batch was accepted, even if individual records were
// rejected or conflicted; the result carries the breakdown.
type PushResponse struct {
	Status string      `json:"status"`
	NodeID string      `json:"node_id"`
	Result ApplyResult `json:"result"`
}

// PullResponse carries one page of a peer's change log: records
// strictly after the requested cursor in ascending sequence order,
// capped at the server's page limit.
//
// On the wire GET /sync/pull answers with a bare JSON array of
// ChangeRecord; HasMore and NodeID travel in the X-Has-More and
// X-Node-ID response headers so the body stays record-for-record
// compatible across terminal versions.
type PullResponse struct {
	Changes []ChangeRecord
	HasMore bool
	NodeID  string
}
