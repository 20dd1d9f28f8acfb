package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lanesync/lanesync/internal/model"
)

func enqueueItem(t *testing.T, st *Store, peer string, createdAt time.Time) string {
	t.Helper()

	id, err := st.Enqueue(context.Background(), model.OfflineQueueItem{
		OperationType: model.QueuePush,
		PeerNodeID:    peer,
		CreatedAt:     createdAt,
	})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	return id
}

func TestQueueFIFOAndLease(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	first := enqueueItem(t, st, "peer-1", base)
	second := enqueueItem(t, st, "peer-2", base.Add(time.Millisecond))
	third := enqueueItem(t, st, "peer-3", base.Add(2*time.Millisecond))

	items, err := st.DequeuePending(ctx, 2)
	if err != nil {
		t.Fatalf("DequeuePending failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("DequeuePending(2) returned %d items, want 2", len(items))
	}
	if items[0].QueueID != first || items[1].QueueID != second {
		t.Errorf("dequeue order = %s, %s; want %s, %s",
			items[0].QueueID, items[1].QueueID, first, second)
	}
	for _, item := range items {
		if item.Status != model.QueueProcessing {
			t.Errorf("dequeued item %s has status %s, want processing", item.QueueID, item.Status)
		}
	}

	// Leased items must not be dequeued again.
	items, err = st.DequeuePending(ctx, 10)
	if err != nil {
		t.Fatalf("second DequeuePending failed: %v", err)
	}
	if len(items) != 1 || items[0].QueueID != third {
		t.Errorf("second dequeue returned %+v, want only %s", items, third)
	}
}

func TestQueueRetryExhaustion(t *testing.T) {
	const maxRetries = 3

	st := setupStore(t)
	ctx := context.Background()

	id := enqueueItem(t, st, "peer-1", time.Now().UTC())

	// Fail the item exactly maxRetries times; the final failure must
	// be terminal.
	for attempt := 1; attempt <= maxRetries; attempt++ {
		items, err := st.DequeuePending(ctx, 1)
		if err != nil {
			t.Fatalf("DequeuePending failed on attempt %d: %v", attempt, err)
		}
		if len(items) != 1 {
			t.Fatalf("attempt %d: expected the item to be dequeueable, got %d items", attempt, len(items))
		}

		willRetry, err := st.MarkFailed(ctx, id, fmt.Sprintf("attempt %d", attempt), maxRetries)
		if err != nil {
			t.Fatalf("MarkFailed failed on attempt %d: %v", attempt, err)
		}

		wantRetry := attempt < maxRetries
		if willRetry != wantRetry {
			t.Errorf("attempt %d: willRetry = %v, want %v", attempt, willRetry, wantRetry)
		}
	}

	// Terminal: never dequeued again.
	items, err := st.DequeuePending(ctx, 10)
	if err != nil {
		t.Fatalf("DequeuePending after exhaustion failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("failed item was dequeued again: %+v", items)
	}

	item, err := st.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if item.Status != model.QueueFailed {
		t.Errorf("status after exhaustion = %s, want failed", item.Status)
	}
	if item.RetryCount != maxRetries {
		t.Errorf("retry count = %d, want %d", item.RetryCount, maxRetries)
	}
	if item.LastError != fmt.Sprintf("attempt %d", maxRetries) {
		t.Errorf("last error = %q, want the final attempt's error", item.LastError)
	}
}

func TestQueueRecoversBeforeExhaustion(t *testing.T) {
	const maxRetries = 3

	st := setupStore(t)
	ctx := context.Background()

	id := enqueueItem(t, st, "peer-1", time.Now().UTC())

	// Fail maxRetries-1 times, then succeed.
	for attempt := 1; attempt < maxRetries; attempt++ {
		if _, err := st.DequeuePending(ctx, 1); err != nil {
			t.Fatalf("DequeuePending failed: %v", err)
		}
		willRetry, err := st.MarkFailed(ctx, id, "transient", maxRetries)
		if err != nil {
			t.Fatalf("MarkFailed failed: %v", err)
		}
		if !willRetry {
			t.Fatalf("attempt %d should still retry", attempt)
		}
	}

	items, err := st.DequeuePending(ctx, 1)
	if err != nil {
		t.Fatalf("final DequeuePending failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("item not available for final attempt")
	}
	if err := st.MarkCompleted(ctx, id); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	item, err := st.GetQueueItem(ctx, id)
	if err != nil {
		t.Fatalf("GetQueueItem failed: %v", err)
	}
	if item.Status != model.QueueCompleted {
		t.Errorf("status = %s, want completed", item.Status)
	}
}

func TestQueueDepths(t *testing.T) {
	st := setupStore(t)
	ctx := context.Background()

	base := time.Now().UTC()
	first := enqueueItem(t, st, "peer-1", base)
	enqueueItem(t, st, "peer-2", base.Add(time.Millisecond))
	enqueueItem(t, st, "peer-3", base.Add(2*time.Millisecond))

	if _, err := st.DequeuePending(ctx, 1); err != nil {
		t.Fatalf("DequeuePending failed: %v", err)
	}

	depths, err := st.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("QueueDepths failed: %v", err)
	}
	if depths.Pending != 2 || depths.Processing != 1 || depths.Failed != 0 {
		t.Errorf("depths = %+v, want pending=2 processing=1 failed=0", depths)
	}

	// With maxRetries of 1 the leased item fails terminally.
	if _, err := st.MarkFailed(ctx, first, "boom", 1); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	depths, err = st.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("QueueDepths failed: %v", err)
	}
	if depths.Pending != 2 || depths.Processing != 0 || depths.Failed != 1 {
		t.Errorf("depths = %+v, want pending=2 processing=0 failed=1", depths)
	}
}

func TestMarkCompletedUnknownItem(t *testing.T) {
	st := setupStore(t)

	if err := st.MarkCompleted(context.Background(), "nope"); err != ErrNotFound {
		t.Errorf("MarkCompleted on unknown item = %v, want ErrNotFound", err)
	}
}
