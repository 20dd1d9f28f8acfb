package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanesync/lanesync/internal/vclock"
)

// ConflictType classifies why two observations of an entity could not
// be merged automatically.
type ConflictType string

const (
	// ConflictConcurrentMod means the version vectors were concurrent:
	// the entity was edited on two terminals with neither seeing the
	// other's write.
	ConflictConcurrentMod ConflictType = "concurrent_mod"

	// ConflictOversold means concurrent inventory decrements drove a
	// count below zero.
	ConflictOversold ConflictType = "oversold"

	// ConflictPriceMismatch means two terminals disagree on the
	// effective price of the same item.
	ConflictPriceMismatch ConflictType = "price_mismatch"
)

// ResolutionStatus tracks whether an operator has dealt with a
// conflict yet.
type ResolutionStatus string

const (
	ResolutionPending  ResolutionStatus = "pending"
	ResolutionResolved ResolutionStatus = "resolved"
)

// ResolutionStrategy is how a conflict was (or should be) resolved.
type ResolutionStrategy string

const (
	// ResolveLocalWins keeps the local row and only max-merges the
	// version vectors.
	ResolveLocalWins ResolutionStrategy = "local_wins"

	// ResolveRemoteWins replays the snapshot's payload into the row
	// store and max-merges the version vectors.
	ResolveRemoteWins ResolutionStrategy = "remote_wins"

	// ResolveManual applies an operator-supplied merged payload.
	ResolveManual ResolutionStrategy = "manual"
)

// Valid reports whether s is a recognized strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case ResolveLocalWins, ResolveRemoteWins, ResolveManual:
		return true
	}
	return false
}

// SyncConflict records a detected concurrent or semantic conflict
// awaiting resolution. Conflicts are resolved logically (status flips
// to resolved), never physically deleted.
type SyncConflict struct {
	ConflictID         string             `json:"conflict_uuid"`
	ResourceType       RecordType         `json:"resource_type"`
	ResourceID         string             `json:"resource_uuid"`
	Type               ConflictType       `json:"conflict_type"`
	Status             ResolutionStatus   `json:"resolution_status"`
	DetectedAt         time.Time          `json:"detected_at"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	ResolutionStrategy ResolutionStrategy `json:"resolution_strategy,omitempty"`
}

// ConflictSnapshot freezes the remote side of a conflict at detection
// time so the local row can be diffed against it later. Paired 1:1
// with its SyncConflict and written in the same transaction.
type ConflictSnapshot struct {
	ConflictID    string          `json:"conflict_uuid"`
	RemoteNode    string          `json:"remote_node"`
	RemoteData    json.RawMessage `json:"remote_data,omitempty"`
	RemoteVector  vclock.Vector   `json:"remote_vector"`
	RemoteStamped time.Time       `json:"remote_origin_timestamp"`
}

// PendingConflict is the operator view of an unresolved conflict: the
// conflict record plus both sides of the disputed state.
type PendingConflict struct {
	Conflict    SyncConflict     `json:"conflict"`
	LocalData   json.RawMessage  `json:"local_state,omitempty"`
	LocalVector vclock.Vector    `json:"local_vector"`
	Snapshot    ConflictSnapshot `json:"remote_snapshot"`
}

// ResolveRequest is the body of POST /sync/conflicts/resolve.
type ResolveRequest struct {
	ConflictID string             `json:"record_id"`
	Resolution ResolutionStrategy `json:"resolution"`

	// MergedData carries the operator-supplied payload for manual
	// resolution. Required for manual, ignored otherwise.
	MergedData json.RawMessage `json:"merged_data,omitempty"`
}

// Validate rejects malformed resolution requests synchronously.
func (r *ResolveRequest) Validate() error {
	if r.ConflictID == "" {
		return fmt.Errorf("resolve request missing record_id")
	}
	if !r.Resolution.Valid() {
		return fmt.Errorf("resolve request has unknown resolution %q", r.Resolution)
	}
	if r.Resolution == ResolveManual && len(r.MergedData) == 0 {
		return fmt.Errorf("manual resolution requires merged_data")
	}
	return nil
}
