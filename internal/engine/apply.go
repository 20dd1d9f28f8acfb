package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/store"
	"github.com/lanesync/lanesync/internal/vclock"
)

// ApplyChanges merges a batch of remote change records into local
// state. Runs on the actor goroutine, so batches from different peers
// are applied in arrival order, never interleaved.
//
// Each record is handled independently: a malformed record is rejected
// without blocking the rest of the batch, a dominated or duplicate
// record is a stale no-op, and a concurrent record becomes a pending
// conflict. Applying the same batch twice yields the same state.
func (e *Engine) ApplyChanges(ctx context.Context, fromNode string, batch []model.ChangeRecord) (model.ApplyResult, error) {
	var result model.ApplyResult
	err := e.post(ctx, func() {
		result = e.applyBatch(fromNode, batch)
		e.refreshStatusLocked()
	})
	if err != nil {
		return model.ApplyResult{}, err
	}
	return result, nil
}

// applyBatch does the per-record merge work. Actor goroutine only.
func (e *Engine) applyBatch(fromNode string, batch []model.ChangeRecord) model.ApplyResult {
	var result model.ApplyResult

	for i := range batch {
		rec := &batch[i]

		if err := rec.Validate(); err != nil {
			e.config.Logger.Printf("Rejecting record %s from %s: %v", rec.RecordID, fromNode, err)
			result.Rejected = append(result.Rejected, rec.RecordID)
			continue
		}
		if rec.OriginNode == e.nodeID {
			// Our own change echoed back through a peer.
			result.Stale++
			continue
		}

		localData, _, localVector, err := e.store.EntityState(e.ctx, rec.RecordID)
		switch {
		case err == store.ErrNotFound:
			if _, applyErr := e.store.ApplyRemoteChange(e.ctx, *rec); applyErr != nil {
				e.config.Logger.Printf("Failed to apply record %s: %v", rec.RecordID, applyErr)
				result.Rejected = append(result.Rejected, rec.RecordID)
				continue
			}
			result.Applied++
			continue
		case err != nil:
			e.config.Logger.Printf("Failed to load state for record %s: %v", rec.RecordID, err)
			result.Rejected = append(result.Rejected, rec.RecordID)
			continue
		}

		switch rec.VersionVector.Compare(localVector) {
		case vclock.Dominates:
			merged := *rec
			merged.VersionVector = rec.VersionVector.Merge(localVector)
			if _, applyErr := e.store.ApplyRemoteChange(e.ctx, merged); applyErr != nil {
				e.config.Logger.Printf("Failed to apply record %s: %v", rec.RecordID, applyErr)
				result.Rejected = append(result.Rejected, rec.RecordID)
				continue
			}
			result.Applied++

		case vclock.Equal, vclock.Dominated:
			result.Stale++

		case vclock.Concurrent:
			if err := e.recordConflict(rec, localData); err != nil {
				e.config.Logger.Printf("Failed to record conflict on %s: %v", rec.RecordID, err)
				result.Rejected = append(result.Rejected, rec.RecordID)
				continue
			}
			result.Conflicts++
		}
	}

	if fromNode != "" {
		if err := e.store.TouchPeer(e.ctx, fromNode, time.Now().UTC()); err != nil && err != store.ErrNotFound {
			e.config.Logger.Printf("Failed to touch peer %s: %v", fromNode, err)
		}
	}

	if result.Applied > 0 || result.Conflicts > 0 {
		e.emit(Event{Type: EventChangesApplied, NodeID: fromNode})
	}
	return result
}

// recordConflict freezes the remote side of a concurrent record into a
// pending conflict. Re-delivery of the same concurrent record is
// deduplicated by the store.
func (e *Engine) recordConflict(rec *model.ChangeRecord, localData []byte) error {
	created, err := e.store.RecordConflict(e.ctx,
		model.SyncConflict{
			ConflictID:   uuid.NewString(),
			ResourceType: rec.RecordType,
			ResourceID:   rec.RecordID,
			Type:         classifyConflict(rec.RecordType, localData, rec.Data),
			Status:       model.ResolutionPending,
			DetectedAt:   time.Now().UTC(),
		},
		model.ConflictSnapshot{
			RemoteNode:    rec.OriginNode,
			RemoteData:    rec.Data,
			RemoteVector:  rec.VersionVector,
			RemoteStamped: rec.OriginTimestamp,
		},
	)
	if err != nil {
		return err
	}
	if created {
		e.emit(Event{Type: EventConflictDetected, NodeID: rec.OriginNode, Detail: rec.RecordID})
	}
	return nil
}

// classifyConflict picks a conflict type from the disputed payloads.
// Anything that cannot be probed stays a plain concurrent
// modification.
func classifyConflict(recordType model.RecordType, localData, remoteData []byte) model.ConflictType {
	switch recordType {
	case model.RecordInventoryItem:
		if countBelowZero(localData) || countBelowZero(remoteData) {
			return model.ConflictOversold
		}
	case model.RecordPriceInfo:
		lp, lok := numberField(localData, "price")
		rp, rok := numberField(remoteData, "price")
		if lok && rok && lp != rp {
			return model.ConflictPriceMismatch
		}
	}
	return model.ConflictConcurrentMod
}

func countBelowZero(data []byte) bool {
	n, ok := numberField(data, "count")
	return ok && n < 0
}

func numberField(data []byte, field string) (float64, bool) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return 0, false
	}
	raw, ok := m[field]
	if !ok {
		return 0, false
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}
