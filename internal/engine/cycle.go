package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/store"
)

// SyncNow triggers one sync cycle against every paired peer. Returns
// ErrBusy when a cycle is already in flight; the running cycle is
// never interrupted and a second one is never queued behind it.
//
// The cycle itself runs on a worker goroutine so the actor stays free
// to serve incoming pushes while outbound sync is in progress.
func (e *Engine) SyncNow(ctx context.Context) error {
	var trigger error
	err := e.post(ctx, func() {
		if e.syncing {
			trigger = ErrBusy
			return
		}
		e.syncing = true
		e.refreshStatusLocked()
		e.emit(Event{Type: EventSyncStarted, NodeID: e.nodeID})

		e.wg.Add(1)
		go e.runCycle()
	})
	if err != nil {
		return err
	}
	return trigger
}

// runCycle syncs every paired peer, sequentially by default or
// concurrently when ParallelPeers is set, then reports completion back
// to the actor.
func (e *Engine) runCycle() {
	defer e.wg.Done()

	peers, err := e.store.ListPeers(e.ctx)
	if err != nil {
		e.config.Logger.Printf("Sync cycle aborted, cannot list peers: %v", err)
	}

	paired := peers[:0:0]
	for i := range peers {
		if peers[i].Paired {
			paired = append(paired, peers[i])
		}
	}

	var synced, deferred int
	if e.config.ParallelPeers {
		synced, deferred = e.syncAll(paired)
	} else {
		for i := range paired {
			if e.ctx.Err() != nil {
				break
			}
			if err := e.syncPeer(e.ctx, paired[i]); err != nil {
				// Transient by definition: the peer gets an offline queue
				// entry and its LastSeen is left untouched.
				e.config.Logger.Printf("Sync with %s deferred: %v", paired[i].NodeID, err)
				deferred++
				continue
			}
			synced++
		}
	}

	now := time.Now().UTC()
	_ = e.post(context.Background(), func() {
		e.syncing = false
		e.lastSync = &now
		e.refreshStatusLocked()
		e.emit(Event{
			Type:   EventSyncCompleted,
			NodeID: e.nodeID,
			Detail: fmt.Sprintf("synced=%d deferred=%d", synced, deferred),
		})
	})
}

// syncAll exchanges with every peer concurrently. Safe because each
// exchange only moves its own peer's cursors and all change
// application funnels through the actor inbox.
func (e *Engine) syncAll(peers []model.PeerDevice) (synced, deferred int) {
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := range peers {
		wg.Add(1)
		go func(peer model.PeerDevice) {
			defer wg.Done()
			err := e.syncPeer(e.ctx, peer)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				e.config.Logger.Printf("Sync with %s deferred: %v", peer.NodeID, err)
				deferred++
				return
			}
			synced++
		}(peers[i])
	}
	wg.Wait()
	return synced, deferred
}

// syncPeer runs one pull-then-push exchange with a peer. Pull comes
// first so local cursors reflect the peer's log before our changes go
// out. A failure on either leg enqueues a retry and leaves the peer's
// cursors exactly where the last completed page put them.
func (e *Engine) syncPeer(ctx context.Context, peer model.PeerDevice) error {
	var firstErr error

	if err := e.pullFromPeer(ctx, peer); err != nil {
		e.deferOp(ctx, peer, model.QueuePull, err)
		firstErr = err
	}
	if err := e.pushToPeer(ctx, peer); err != nil {
		e.deferOp(ctx, peer, model.QueuePush, err)
		if firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	if err := e.store.TouchPeer(ctx, peer.NodeID, time.Now().UTC()); err != nil {
		e.config.Logger.Printf("Failed to touch peer %s: %v", peer.NodeID, err)
	}
	return nil
}

// pullFromPeer pages through the peer's change log from our pull
// cursor, applying each page through the actor. The cursor advances
// only after a page has been fully applied, so a crash mid-pull
// re-fetches rather than skips.
func (e *Engine) pullFromPeer(ctx context.Context, peer model.PeerDevice) error {
	since, err := e.store.PullCursor(ctx, peer.NodeID)
	if err != nil {
		return fmt.Errorf("failed to read pull cursor for %s: %w", peer.NodeID, err)
	}

	for {
		resp, err := e.transport.Pull(ctx, peer, since, e.config.PageSize)
		if err != nil {
			return err
		}
		if len(resp.Changes) == 0 {
			return nil
		}

		if _, err := e.ApplyChanges(ctx, peer.NodeID, resp.Changes); err != nil {
			return fmt.Errorf("failed to apply pulled changes from %s: %w", peer.NodeID, err)
		}

		for i := range resp.Changes {
			if resp.Changes[i].SequenceNumber > since {
				since = resp.Changes[i].SequenceNumber
			}
		}
		if err := e.store.SetPullCursor(ctx, peer.NodeID, since); err != nil {
			return fmt.Errorf("failed to advance pull cursor for %s: %w", peer.NodeID, err)
		}

		if !resp.HasMore {
			return nil
		}
	}
}

// pushToPeer pages local changes past the peer's acked cursor to the
// peer. Changes that originated at the peer are not echoed back, but
// still advance the cursor.
func (e *Engine) pushToPeer(ctx context.Context, peer model.PeerDevice) error {
	acked, err := e.store.AckedCursor(ctx, peer.NodeID)
	if err != nil {
		return fmt.Errorf("failed to read acked cursor for %s: %w", peer.NodeID, err)
	}

	for {
		page, hasMore, err := e.store.Since(ctx, acked, e.config.PageSize)
		if err != nil {
			return fmt.Errorf("failed to read change log: %w", err)
		}
		if len(page) == 0 {
			return nil
		}

		batch := page[:0:0]
		for i := range page {
			if page[i].OriginNode == peer.NodeID {
				continue
			}
			batch = append(batch, page[i])
		}

		if len(batch) > 0 {
			if _, err := e.transport.Push(ctx, peer, batch); err != nil {
				return err
			}
		}

		acked = page[len(page)-1].SequenceNumber
		if err := e.store.SetAckedCursor(ctx, peer.NodeID, acked); err != nil {
			return fmt.Errorf("failed to advance acked cursor for %s: %w", peer.NodeID, err)
		}

		if !hasMore {
			return nil
		}
	}
}

// deferOp records a failed sync leg in the offline queue for the
// background retry driver.
func (e *Engine) deferOp(ctx context.Context, peer model.PeerDevice, op model.QueueOpType, cause error) {
	_, err := e.store.Enqueue(ctx, model.OfflineQueueItem{
		OperationType: op,
		PeerNodeID:    peer.NodeID,
		LastError:     cause.Error(),
	})
	if err != nil {
		e.config.Logger.Printf("Failed to enqueue %s retry for %s: %v", op, peer.NodeID, err)
	}
}

// ProcessQueue dequeues up to limit offline queue items and retries
// them. Each item re-runs the failed leg against its peer; cursors
// make the retry idempotent. Returns how many items completed.
//
// Retries share the cycle's busy gate: a pass overlapping an active
// cycle would move the same peer cursors from two goroutines, so it
// returns ErrBusy instead and the ticker tries again later.
func (e *Engine) ProcessQueue(ctx context.Context, limit int) (int, error) {
	var busy error
	if err := e.post(ctx, func() {
		if e.syncing {
			busy = ErrBusy
			return
		}
		e.syncing = true
	}); err != nil {
		return 0, err
	}
	if busy != nil {
		return 0, busy
	}
	defer func() {
		_ = e.post(context.Background(), func() {
			e.syncing = false
			e.refreshStatusLocked()
		})
	}()

	items, err := e.store.DequeuePending(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to dequeue retries: %w", err)
	}

	completed := 0
	for i := range items {
		item := &items[i]

		retryErr := e.retryItem(ctx, item)
		if retryErr == nil {
			if err := e.store.MarkCompleted(ctx, item.QueueID); err != nil {
				e.config.Logger.Printf("Failed to complete queue item %s: %v", item.QueueID, err)
				continue
			}
			completed++
			continue
		}

		willRetry, err := e.store.MarkFailed(ctx, item.QueueID, retryErr.Error(), e.config.MaxRetries)
		if err != nil {
			e.config.Logger.Printf("Failed to fail queue item %s: %v", item.QueueID, err)
			continue
		}
		if !willRetry {
			e.config.Logger.Printf("Queue item %s (%s to %s) exhausted retries: %v",
				item.QueueID, item.OperationType, item.PeerNodeID, retryErr)
		}
	}
	return completed, nil
}

// retryItem re-runs one deferred sync leg.
func (e *Engine) retryItem(ctx context.Context, item *model.OfflineQueueItem) error {
	peer, err := e.store.GetPeer(ctx, item.PeerNodeID)
	if err == store.ErrNotFound {
		return fmt.Errorf("peer %s is no longer known", item.PeerNodeID)
	}
	if err != nil {
		return err
	}

	switch item.OperationType {
	case model.QueuePull:
		return e.pullFromPeer(ctx, peer)
	case model.QueuePush:
		return e.pushToPeer(ctx, peer)
	default:
		return fmt.Errorf("unknown queued operation %q", item.OperationType)
	}
}
