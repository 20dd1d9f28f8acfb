package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/store"
	"github.com/lanesync/lanesync/internal/vclock"
)

// testNode is one engine plus the plumbing tests need to drive it.
type testNode struct {
	eng    *Engine
	tr     *fakeTransport
	events chan Event
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.InitSchema(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}

	tr := &fakeTransport{}
	events := make(chan Event, 64)
	eng, err := New(st, tr, &Config{
		PageSize:       4,
		MaxRetries:     2,
		PeerStaleAfter: time.Minute,
		Events:         func(evt Event) { events <- evt },
	})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	eng.Start(context.Background())
	t.Cleanup(eng.Stop)

	return &testNode{eng: eng, tr: tr, events: events}
}

// link wires n's transport to deliver directly into remote, and pairs
// n with remote.
func (n *testNode) link(t *testing.T, remote *testNode) {
	t.Helper()

	n.tr.set(
		func(ctx context.Context, peer model.PeerDevice, batch []model.ChangeRecord) (model.ApplyResult, error) {
			return remote.eng.ApplyChanges(ctx, n.eng.NodeID(), batch)
		},
		func(ctx context.Context, peer model.PeerDevice, since int64, limit int) (model.PullResponse, error) {
			changes, hasMore, err := remote.eng.Changes(ctx, since, limit)
			if err != nil {
				return model.PullResponse{}, err
			}
			return model.PullResponse{Changes: changes, HasMore: hasMore, NodeID: remote.eng.NodeID()}, nil
		},
	)

	err := n.eng.store.UpsertPeer(context.Background(), model.PeerDevice{
		NodeID: remote.eng.NodeID(), Name: "peer", Address: "127.0.0.1", Port: 1,
		Paired: true, LastSeen: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to pair test nodes: %v", err)
	}
}

// unreachable makes every transport call fail.
func (n *testNode) unreachable() {
	n.tr.set(
		func(ctx context.Context, peer model.PeerDevice, batch []model.ChangeRecord) (model.ApplyResult, error) {
			return model.ApplyResult{}, fmt.Errorf("connection refused")
		},
		func(ctx context.Context, peer model.PeerDevice, since int64, limit int) (model.PullResponse, error) {
			return model.PullResponse{}, fmt.Errorf("connection refused")
		},
	)
}

// syncAndWait triggers a cycle and blocks until it completes.
func (n *testNode) syncAndWait(t *testing.T) {
	t.Helper()

	if err := n.eng.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	n.waitEvent(t, EventSyncCompleted)
}

func (n *testNode) waitEvent(t *testing.T, typ EventType) Event {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-n.events:
			if evt.Type == typ {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func (n *testNode) recordChange(t *testing.T, recordID, data string) model.ChangeRecord {
	t.Helper()

	rec, err := n.eng.RecordLocalChange(context.Background(),
		model.RecordInventoryItem, recordID, model.OpUpdate, []byte(data))
	if err != nil {
		t.Fatalf("RecordLocalChange failed: %v", err)
	}
	return rec
}

func (n *testNode) entityData(t *testing.T, recordID string) string {
	t.Helper()

	data, _, _, err := n.eng.store.EntityState(context.Background(), recordID)
	if err != nil {
		t.Fatalf("EntityState(%s) failed: %v", recordID, err)
	}
	return string(data)
}

func TestSyncRoundTripConverges(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.link(t, b)
	b.link(t, a)

	a.recordChange(t, "inv-1", `{"count":5}`)
	b.recordChange(t, "inv-2", `{"count":9}`)

	// One cycle from A pulls B's change and pushes A's.
	a.syncAndWait(t)

	if got := a.entityData(t, "inv-2"); got != `{"count":9}` {
		t.Errorf("A's copy of inv-2 = %s", got)
	}
	if got := b.entityData(t, "inv-1"); got != `{"count":5}` {
		t.Errorf("B's copy of inv-1 = %s", got)
	}

	// A second idle cycle changes nothing and stays quiet.
	a.syncAndWait(t)
	status := a.eng.Status()
	if !status.IsSynced {
		t.Errorf("A not synced after full exchange: %+v", status)
	}
	if status.LastSync == nil {
		t.Error("last sync timestamp not recorded")
	}
}

func TestSyncPagesThroughLargeBacklog(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.link(t, b)
	b.link(t, a)

	// Well past the page size of 4.
	const records = 10
	for i := 0; i < records; i++ {
		b.recordChange(t, fmt.Sprintf("inv-%d", i), fmt.Sprintf(`{"count":%d}`, i))
	}

	a.syncAndWait(t)

	for i := 0; i < records; i++ {
		want := fmt.Sprintf(`{"count":%d}`, i)
		if got := a.entityData(t, fmt.Sprintf("inv-%d", i)); got != want {
			t.Errorf("inv-%d = %s, want %s", i, got, want)
		}
	}

	cursor, err := a.eng.store.PullCursor(context.Background(), b.eng.NodeID())
	if err != nil {
		t.Fatalf("PullCursor failed: %v", err)
	}
	if cursor != records {
		t.Errorf("pull cursor = %d, want %d", cursor, records)
	}
}

func TestSyncNowWhileBusyReturnsErrBusy(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.link(t, b)

	release := make(chan struct{})
	a.tr.set(nil, func(ctx context.Context, peer model.PeerDevice, since int64, limit int) (model.PullResponse, error) {
		<-release
		return model.PullResponse{NodeID: b.eng.NodeID()}, nil
	})

	if err := a.eng.SyncNow(context.Background()); err != nil {
		t.Fatalf("first SyncNow failed: %v", err)
	}
	if err := a.eng.SyncNow(context.Background()); err != ErrBusy {
		t.Errorf("second SyncNow = %v, want ErrBusy", err)
	}

	// Status stays readable while the cycle is stuck on the wire.
	done := make(chan model.SyncStatus, 1)
	go func() { done <- a.eng.Status() }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Status blocked during an active cycle")
	}

	close(release)
	a.waitEvent(t, EventSyncCompleted)

	if err := a.eng.SyncNow(context.Background()); err != nil {
		t.Errorf("SyncNow after completion = %v", err)
	}
	a.waitEvent(t, EventSyncCompleted)
}

func TestRetryPassSharesBusyGate(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.link(t, b)

	// A retry pass arriving while a cycle is on the wire is rejected;
	// both move the same peer cursors.
	release := make(chan struct{})
	a.tr.set(nil, func(ctx context.Context, peer model.PeerDevice, since int64, limit int) (model.PullResponse, error) {
		<-release
		return model.PullResponse{NodeID: b.eng.NodeID()}, nil
	})
	if err := a.eng.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow failed: %v", err)
	}
	if _, err := a.eng.ProcessQueue(context.Background(), 10); err != ErrBusy {
		t.Errorf("ProcessQueue during a cycle = %v, want ErrBusy", err)
	}
	close(release)
	a.waitEvent(t, EventSyncCompleted)

	// And the reverse: a trigger during a retry pass is busy too.
	a.unreachable()
	a.recordChange(t, "inv-1", `{"count":5}`)
	a.syncAndWait(t)

	entered := make(chan struct{}, 1)
	release = make(chan struct{})
	a.tr.set(nil, func(ctx context.Context, peer model.PeerDevice, since int64, limit int) (model.PullResponse, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return model.PullResponse{NodeID: b.eng.NodeID()}, nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := a.eng.ProcessQueue(context.Background(), 10); err != nil {
			t.Errorf("ProcessQueue failed: %v", err)
		}
	}()

	<-entered
	if err := a.eng.SyncNow(context.Background()); err != ErrBusy {
		t.Errorf("SyncNow during a retry pass = %v, want ErrBusy", err)
	}
	close(release)
	<-done
}

func TestConcurrentEditsConflictOnBothSides(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.link(t, b)
	b.link(t, a)

	// Same item edited on both tills before any sync.
	a.recordChange(t, "inv-1", `{"count":4}`)
	b.recordChange(t, "inv-1", `{"count":2}`)

	a.syncAndWait(t)

	aConflicts, err := a.eng.Conflicts(context.Background())
	if err != nil {
		t.Fatalf("Conflicts(A) failed: %v", err)
	}
	bConflicts, err := b.eng.Conflicts(context.Background())
	if err != nil {
		t.Fatalf("Conflicts(B) failed: %v", err)
	}
	if len(aConflicts) != 1 || len(bConflicts) != 1 {
		t.Fatalf("conflicts A=%d B=%d, want 1 and 1", len(aConflicts), len(bConflicts))
	}

	// Neither side overwrote its local row.
	if got := a.entityData(t, "inv-1"); got != `{"count":4}` {
		t.Errorf("A's row changed without resolution: %s", got)
	}
	if got := b.entityData(t, "inv-1"); got != `{"count":2}` {
		t.Errorf("B's row changed without resolution: %s", got)
	}

	// A resolves remote-wins: B's payload, vectors max-merged.
	err = a.eng.Resolve(context.Background(), model.ResolveRequest{
		ConflictID: aConflicts[0].Conflict.ConflictID,
		Resolution: model.ResolveRemoteWins,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	if got := a.entityData(t, "inv-1"); got != `{"count":2}` {
		t.Errorf("remote_wins payload = %s, want B's", got)
	}
	_, _, vector, err := a.eng.store.EntityState(context.Background(), "inv-1")
	if err != nil {
		t.Fatalf("EntityState failed: %v", err)
	}
	want := vclock.Vector{a.eng.NodeID(): 1, b.eng.NodeID(): 1}
	if vector.Compare(want) != vclock.Equal {
		t.Errorf("resolved vector = %v, want %v", vector, want)
	}
}

func TestParallelCycleSyncsAllPeers(t *testing.T) {
	a := newTestNode(t)
	a.eng.config.ParallelPeers = true

	b := newTestNode(t)
	c := newTestNode(t)
	remotes := map[string]*testNode{
		b.eng.NodeID(): b,
		c.eng.NodeID(): c,
	}

	// Route A's transport by peer identity so both exchanges can run
	// at once.
	a.tr.set(
		func(ctx context.Context, peer model.PeerDevice, batch []model.ChangeRecord) (model.ApplyResult, error) {
			return remotes[peer.NodeID].eng.ApplyChanges(ctx, a.eng.NodeID(), batch)
		},
		func(ctx context.Context, peer model.PeerDevice, since int64, limit int) (model.PullResponse, error) {
			remote := remotes[peer.NodeID]
			changes, hasMore, err := remote.eng.Changes(ctx, since, limit)
			if err != nil {
				return model.PullResponse{}, err
			}
			return model.PullResponse{Changes: changes, HasMore: hasMore, NodeID: remote.eng.NodeID()}, nil
		},
	)
	for id := range remotes {
		err := a.eng.store.UpsertPeer(context.Background(), model.PeerDevice{
			NodeID: id, Name: "till-" + id, Address: "127.0.0.1", Port: 1,
			Paired: true, LastSeen: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("failed to pair %s: %v", id, err)
		}
	}

	a.recordChange(t, "inv-a", `{"count":3}`)
	b.recordChange(t, "inv-b", `{"count":1}`)
	c.recordChange(t, "inv-c", `{"count":2}`)

	a.syncAndWait(t)

	if got := a.entityData(t, "inv-b"); got != `{"count":1}` {
		t.Errorf("A's copy of inv-b = %s", got)
	}
	if got := a.entityData(t, "inv-c"); got != `{"count":2}` {
		t.Errorf("A's copy of inv-c = %s", got)
	}
	if got := b.entityData(t, "inv-a"); got != `{"count":3}` {
		t.Errorf("B's copy of inv-a = %s", got)
	}
	if got := c.entityData(t, "inv-a"); got != `{"count":3}` {
		t.Errorf("C's copy of inv-a = %s", got)
	}
}

func TestUnreachablePeerDefersToOfflineQueue(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.link(t, b)
	a.unreachable()

	a.recordChange(t, "inv-1", `{"count":5}`)
	a.syncAndWait(t)

	// Both failed legs landed in the queue.
	depths, err := a.eng.store.QueueDepths(context.Background())
	if err != nil {
		t.Fatalf("QueueDepths failed: %v", err)
	}
	if depths.Pending != 2 {
		t.Fatalf("queue depths = %+v, want pending=2", depths)
	}

	// The link comes back; the retry driver drains the queue.
	a.link(t, b)
	completed, err := a.eng.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessQueue failed: %v", err)
	}
	if completed != 2 {
		t.Errorf("completed = %d, want 2", completed)
	}
	if got := b.entityData(t, "inv-1"); got != `{"count":5}` {
		t.Errorf("B's copy after retry = %s", got)
	}

	depths, err = a.eng.store.QueueDepths(context.Background())
	if err != nil {
		t.Fatalf("QueueDepths failed: %v", err)
	}
	if depths.Pending != 0 || depths.Processing != 0 {
		t.Errorf("queue not drained: %+v", depths)
	}
}

func TestQueueItemExhaustsRetries(t *testing.T) {
	a := newTestNode(t)
	b := newTestNode(t)
	a.link(t, b)
	a.unreachable()

	a.recordChange(t, "inv-1", `{"count":5}`)
	a.syncAndWait(t)

	// MaxRetries is 2 in the test config: two failed retries are
	// terminal.
	for i := 0; i < 2; i++ {
		completed, err := a.eng.ProcessQueue(context.Background(), 10)
		if err != nil {
			t.Fatalf("ProcessQueue failed: %v", err)
		}
		if completed != 0 {
			t.Fatalf("retry %d completed against a dead link", i)
		}
	}

	depths, err := a.eng.store.QueueDepths(context.Background())
	if err != nil {
		t.Fatalf("QueueDepths failed: %v", err)
	}
	if depths.Failed != 2 || depths.Pending != 0 {
		t.Errorf("queue depths = %+v, want failed=2", depths)
	}
}
