// Package engine coordinates all sync state changes for one terminal.
//
// Every mutation flows through a single actor goroutine fed by an
// ordered inbox, so change application, conflict recording, and cursor
// movement never race each other. Sync cycles against peers run on a
// worker goroutine with at most one cycle in flight; a trigger while a
// cycle is running returns ErrBusy instead of queueing a second one.
//
// Status reads come from a cached snapshot and never wait on the inbox
// or on network I/O.
//
// Example:
//
//	st, _ := store.Open(".lanesync/sync.db")
//	eng, err := engine.New(st, transport.NewHTTPTransport("", 0), nil)
//	if err != nil {
//	    return err
//	}
//	eng.Start(ctx)
//	defer eng.Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/store"
	"github.com/lanesync/lanesync/internal/transport"
)

// ErrBusy is returned when a sync cycle is triggered while another is
// still in flight.
var ErrBusy = errors.New("sync already in progress")

// EventType labels engine notifications for live observers.
type EventType string

const (
	EventSyncStarted      EventType = "sync_started"
	EventSyncCompleted    EventType = "sync_completed"
	EventChangesApplied   EventType = "changes_applied"
	EventConflictDetected EventType = "conflict_detected"
	EventPeerSeen         EventType = "peer_seen"
)

// Event is a notification emitted by the engine as sync state moves.
type Event struct {
	Type   EventType `json:"type"`
	NodeID string    `json:"node_id,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

// Config holds engine tuning knobs.
type Config struct {
	// PageSize bounds pull pages and push batches (default: 200).
	PageSize int

	// MaxRetries bounds offline queue retries before an item goes
	// terminal failed (default: 5).
	MaxRetries int

	// PeerStaleAfter is how long a peer may go unheard before it reads
	// as disconnected (default: 2m).
	PeerStaleAfter time.Duration

	// ParallelPeers syncs peers concurrently within a cycle. Each peer
	// exchange is confined to that peer's own cursors, and change
	// application still serializes through the actor, so no extra
	// locking is involved. Default is sequential.
	ParallelPeers bool

	// Logger for engine activity.
	Logger *log.Logger

	// Events receives engine notifications. May be nil. Called from
	// the actor goroutine; must not block.
	Events func(Event)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PageSize:       200,
		MaxRetries:     5,
		PeerStaleAfter: 2 * time.Minute,
		Logger:         log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine is the sync coordinator for one terminal.
type Engine struct {
	nodeID    string
	store     *store.Store
	transport transport.Transport
	config    *Config

	// inbox serializes every state mutation. The actor goroutine is
	// the only consumer.
	inbox chan func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Actor-owned; touched only from the inbox goroutine.
	syncing  bool
	lastSync *time.Time
	healthy  bool

	// Cached snapshot for non-blocking status reads.
	statusMu sync.RWMutex
	status   model.SyncStatus
}

// New creates an engine bound to a store and transport. The node
// identity is read from the store, minted on first use.
func New(st *store.Store, tr transport.Transport, config *Config) (*Engine, error) {
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if tr == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.PageSize <= 0 {
		config.PageSize = 200
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.PeerStaleAfter <= 0 {
		config.PeerStaleAfter = 2 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	nodeID, err := st.EnsureNodeID(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to establish node identity: %w", err)
	}

	return &Engine{
		nodeID:    nodeID,
		store:     st,
		transport: tr,
		config:    config,
		inbox:     make(chan func(), 64),
		healthy:   true,
	}, nil
}

// NodeID returns this terminal's stable identity.
func (e *Engine) NodeID() string {
	return e.nodeID
}

// Start launches the actor goroutine. Non-blocking; Stop shuts it
// down after draining in-flight commands.
func (e *Engine) Start(ctx context.Context) {
	e.ctx, e.cancel = context.WithCancel(ctx)

	// Prime the status cache before the actor exists so nothing can
	// race the initial snapshot.
	e.refreshStatusLocked()

	e.wg.Add(1)
	go e.run()

	e.config.Logger.Printf("Engine started, node %s", e.nodeID)
}

// Stop shuts the actor down and waits for it to finish.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.config.Logger.Println("Engine stopped")
}

// run is the actor loop: the sole consumer of the inbox.
func (e *Engine) run() {
	defer e.wg.Done()

	for {
		select {
		case <-e.ctx.Done():
			// Drain whatever was already posted so callers waiting on
			// replies are not abandoned.
			for {
				select {
				case cmd := <-e.inbox:
					cmd()
				default:
					return
				}
			}
		case cmd := <-e.inbox:
			cmd()
		}
	}
}

// post submits a command to the actor and waits for it to run.
func (e *Engine) post(ctx context.Context, cmd func()) error {
	done := make(chan struct{})
	wrapped := func() {
		defer close(done)
		cmd()
	}

	select {
	case e.inbox <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.ctx.Done():
		return fmt.Errorf("engine is shutting down")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// emit publishes an event to the configured sink.
func (e *Engine) emit(evt Event) {
	if e.config.Events == nil {
		return
	}
	evt.At = time.Now().UTC()
	e.config.Events(evt)
}

// Status returns the cached sync status. Never blocks on the inbox or
// on the network.
func (e *Engine) Status() model.SyncStatus {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	return e.status
}

// Progress returns the status snapshot plus live offline queue depths.
func (e *Engine) Progress(ctx context.Context) (model.SyncProgress, error) {
	depths, err := e.store.QueueDepths(ctx)
	if err != nil {
		return model.SyncProgress{}, fmt.Errorf("failed to read queue depths: %w", err)
	}
	return model.SyncProgress{
		SyncStatus: e.Status(),
		Queue:      depths,
	}, nil
}

// refreshStatusLocked recomputes the cached status snapshot from the
// store. Called from the actor goroutine (and once from Start, before
// the actor goroutine is launched).
func (e *Engine) refreshStatusLocked() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	status := model.SyncStatus{
		NodeID:   e.nodeID,
		LastSync: e.lastSync,
		Healthy:  e.healthy,
	}

	if err := e.store.Ping(ctx); err != nil {
		e.healthy = false
		status.Healthy = false
		e.setStatus(status)
		return
	}
	e.healthy = true
	status.Healthy = true

	latest, err := e.store.LatestSeq(ctx)
	if err != nil {
		e.config.Logger.Printf("Failed to read latest sequence: %v", err)
	}
	minAcked, err := e.store.MinAckedCursor(ctx)
	if err != nil {
		e.config.Logger.Printf("Failed to read acked cursors: %v", err)
	}
	if minAcked >= 0 && latest > minAcked {
		status.PendingChanges = int(latest - minAcked)
	}

	peers, err := e.store.ListPeers(ctx)
	if err != nil {
		e.config.Logger.Printf("Failed to list peers: %v", err)
	}
	now := time.Now().UTC()
	for i := range peers {
		if peers[i].Paired && !peers[i].Stale(e.config.PeerStaleAfter, now) {
			status.ConnectedPeers++
		}
	}

	status.IsSynced = status.PendingChanges == 0 && !e.syncing
	e.setStatus(status)
}

func (e *Engine) setStatus(status model.SyncStatus) {
	e.statusMu.Lock()
	e.status = status
	e.statusMu.Unlock()
}

// Devices lists every known peer, discovered or paired.
func (e *Engine) Devices(ctx context.Context) ([]model.PeerDevice, error) {
	return e.store.ListPeers(ctx)
}

// Pair registers a remote terminal by address. The device is contacted
// synchronously to learn its node identity; an unreachable or
// malformed target is a configuration error reported to the caller,
// never queued for retry.
func (e *Engine) Pair(ctx context.Context, req model.PairRequest) (model.PeerDevice, error) {
	if err := req.Validate(); err != nil {
		return model.PeerDevice{}, err
	}

	remote, err := e.transport.Identify(ctx, req.Address, req.Port)
	if err != nil {
		return model.PeerDevice{}, fmt.Errorf("pairing failed: %w", err)
	}
	if remote.NodeID == e.nodeID {
		return model.PeerDevice{}, fmt.Errorf("refusing to pair with self")
	}
	if req.NodeID != "" && req.NodeID != remote.NodeID {
		return model.PeerDevice{}, fmt.Errorf("device at %s:%d is %s, not %s",
			req.Address, req.Port, remote.NodeID, req.NodeID)
	}

	peer := model.PeerDevice{
		NodeID:   remote.NodeID,
		Name:     req.Name,
		Address:  req.Address,
		Port:     req.Port,
		LastSeen: time.Now().UTC(),
		Paired:   true,
	}

	var upsertErr error
	err = e.post(ctx, func() {
		upsertErr = e.store.UpsertPeer(e.ctx, peer)
		if upsertErr != nil {
			return
		}
		e.refreshStatusLocked()
		e.emit(Event{Type: EventPeerSeen, NodeID: peer.NodeID, Detail: "paired"})
	})
	if err == nil {
		err = upsertErr
	}
	if err != nil {
		return model.PeerDevice{}, fmt.Errorf("failed to record pairing: %w", err)
	}

	e.config.Logger.Printf("Paired with %s (%s)", peer.NodeID, peer.HostPort())
	return peer, nil
}

// PeerSeen records a peer heard via discovery. Discovery never flips
// the paired flag; an unpaired device stays visible but is not synced
// against.
func (e *Engine) PeerSeen(peer model.PeerDevice) {
	select {
	case e.inbox <- func() {
		if err := e.store.UpsertPeer(e.ctx, peer); err != nil {
			e.config.Logger.Printf("Failed to record discovered peer %s: %v", peer.NodeID, err)
			return
		}
		e.emit(Event{Type: EventPeerSeen, NodeID: peer.NodeID, Detail: "discovered"})
	}:
	default:
		// Inbox saturated; discovery will re-announce shortly anyway.
	}
}

// Conflicts lists conflicts awaiting operator resolution.
func (e *Engine) Conflicts(ctx context.Context) ([]model.PendingConflict, error) {
	return e.store.ListPendingConflicts(ctx)
}

// Resolve applies an operator's resolution decision. The row write,
// vector merge, and status flip happen in one transaction on the actor
// goroutine so a concurrent incoming batch cannot interleave.
func (e *Engine) Resolve(ctx context.Context, req model.ResolveRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}

	var resolveErr error
	err := e.post(ctx, func() {
		resolveErr = e.store.ResolveConflict(e.ctx, req, e.nodeID)
		if resolveErr == nil {
			e.refreshStatusLocked()
		}
	})
	if err != nil {
		return err
	}
	return resolveErr
}

// RecordLocalChange appends a local write to the change log, bumping
// this node's vector counter. This is the entry point POS code calls
// when a sale, price change, or stock adjustment lands.
func (e *Engine) RecordLocalChange(ctx context.Context, recordType model.RecordType, recordID string, op model.Operation, data []byte) (model.ChangeRecord, error) {
	var (
		rec       model.ChangeRecord
		appendErr error
	)
	err := e.post(ctx, func() {
		rec, appendErr = e.store.AppendLocalChange(e.ctx, e.nodeID, recordType, recordID, op, data)
		if appendErr == nil {
			e.refreshStatusLocked()
		}
	})
	if err != nil {
		return model.ChangeRecord{}, err
	}
	if appendErr != nil {
		return model.ChangeRecord{}, appendErr
	}
	return rec, nil
}

// Changes returns local change log records strictly after the cursor,
// for serving GET /sync/pull.
func (e *Engine) Changes(ctx context.Context, since int64, limit int) ([]model.ChangeRecord, bool, error) {
	if limit <= 0 || limit > e.config.PageSize {
		limit = e.config.PageSize
	}
	return e.store.Since(ctx, since, limit)
}
