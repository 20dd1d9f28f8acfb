// Package daemon runs one terminal's full sync stack: the store, the
// engine, the HTTP server, discovery, and the background loops that
// keep them moving.
//
// The daemon:
// 1. Opens the sync database and establishes node identity
// 2. Serves the sync HTTP API to peers and operator tooling
// 3. Announces presence and listens for peers over UDP
// 4. Runs periodic sync cycles and offline queue retries
// 5. Hot-reloads tunable intervals when the config file changes
// 6. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/lanesync/lanesync/internal/config"
	"github.com/lanesync/lanesync/internal/engine"
	"github.com/lanesync/lanesync/internal/server"
	"github.com/lanesync/lanesync/internal/store"
	"github.com/lanesync/lanesync/internal/transport"
)

// Daemon wires the sync stack together and supervises its loops.
type Daemon struct {
	cfg    *config.Config
	loader *config.Loader
	logger *log.Logger

	store     *store.Store
	engine    *engine.Engine
	server    *server.Server
	discovery *transport.Discovery

	reload chan *config.Config
	ready  chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon from a validated configuration. The loader is
// optional; without one, config hot-reload is disabled.
func New(cfg *config.Config, loader *config.Loader) *Daemon {
	return &Daemon{
		cfg:    cfg,
		loader: loader,
		logger: cfg.NewLogger("[daemon] "),
		reload: make(chan *config.Config, 1),
		ready:  make(chan struct{}),
	}
}

// Start brings the stack up and blocks until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.logger.Println("Starting daemon")

	st, err := store.Open(d.cfg.DBPath())
	if err != nil {
		return fmt.Errorf("failed to open sync database: %w", err)
	}
	d.store = st

	if err := st.InitSchema(d.ctx); err != nil {
		st.Close()
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	nodeID, err := st.EnsureNodeID(d.ctx)
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to establish node identity: %w", err)
	}
	d.logger.Printf("Node %s (%s)", nodeID, d.cfg.NodeName)

	// The server is created after the engine but consumes its events;
	// the sink closure binds to the variable, which is set before the
	// engine starts emitting.
	var srv *server.Server
	eng, err := engine.New(st,
		transport.NewHTTPTransport(nodeID, d.cfg.RequestTimeout),
		&engine.Config{
			PageSize:       d.cfg.PageSize,
			MaxRetries:     d.cfg.MaxRetries,
			PeerStaleAfter: d.cfg.PeerStaleAfter,
			ParallelPeers:  d.cfg.ParallelPeers,
			Logger:         d.cfg.NewLogger("[engine] "),
			Events: func(evt engine.Event) {
				if srv != nil {
					srv.PublishEvent(evt)
				}
			},
		})
	if err != nil {
		st.Close()
		return fmt.Errorf("failed to create engine: %w", err)
	}
	d.engine = eng

	srv = server.New(eng, &server.Config{
		Port:   d.cfg.SyncPort,
		Logger: d.cfg.NewLogger("[server] "),
	})
	d.server = srv

	eng.Start(d.ctx)
	if err := srv.Start(); err != nil {
		eng.Stop()
		st.Close()
		return fmt.Errorf("failed to start sync server: %w", err)
	}
	close(d.ready)

	if d.cfg.DiscoveryPort > 0 {
		d.discovery = transport.NewDiscovery(transport.DiscoveryConfig{
			NodeID:     nodeID,
			Name:       d.cfg.NodeName,
			SyncPort:   d.cfg.SyncPort,
			ListenPort: d.cfg.DiscoveryPort,
			Interval:   d.cfg.DiscoveryInterval,
			Logger:     d.cfg.NewLogger("[discovery] "),
		}, eng.PeerSeen)
		if err := d.discovery.Start(d.ctx); err != nil {
			d.logger.Printf("Discovery disabled: %v", err)
			d.discovery = nil
		}
	}

	if d.loader != nil {
		d.loader.Watch(d.onConfigChange)
	}

	d.wg.Add(1)
	go d.run()

	// Catch up with peers right away rather than waiting a full
	// interval.
	if err := eng.SyncNow(d.ctx); err != nil && err != engine.ErrBusy {
		d.logger.Printf("Initial sync failed: %v", err)
	}

	<-d.ctx.Done()
	d.logger.Println("Shutdown signal received")
	return d.stop()
}

// Stop shuts the daemon down from outside Start's goroutine.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Ready is closed once the HTTP server is accepting connections.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr returns the HTTP listen address. Valid after Ready.
func (d *Daemon) Addr() string {
	if d.server == nil {
		return ""
	}
	return d.server.Addr()
}

func (d *Daemon) stop() error {
	d.cancel()
	d.wg.Wait()

	if d.discovery != nil {
		d.discovery.Stop()
	}
	if err := d.server.Stop(); err != nil {
		d.logger.Printf("Error stopping server: %v", err)
	}
	d.engine.Stop()
	if err := d.store.Close(); err != nil {
		d.logger.Printf("Error closing store: %v", err)
	}

	d.logger.Println("Daemon stopped")
	return nil
}

// run drives the periodic sync and retry loops, resetting tickers
// when the config file changes.
func (d *Daemon) run() {
	defer d.wg.Done()

	syncTicker := time.NewTicker(d.cfg.SyncInterval)
	defer syncTicker.Stop()
	retryTicker := time.NewTicker(d.cfg.RetryInterval)
	defer retryTicker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-syncTicker.C:
			if err := d.engine.SyncNow(d.ctx); err != nil && err != engine.ErrBusy {
				d.logger.Printf("Periodic sync failed: %v", err)
			}

		case <-retryTicker.C:
			completed, err := d.engine.ProcessQueue(d.ctx, 32)
			if err != nil && err != engine.ErrBusy {
				d.logger.Printf("Queue retry pass failed: %v", err)
			} else if completed > 0 {
				d.logger.Printf("Retried %d deferred operations", completed)
			}

		case cfg := <-d.reload:
			d.cfg.SyncInterval = cfg.SyncInterval
			d.cfg.RetryInterval = cfg.RetryInterval
			syncTicker.Reset(cfg.SyncInterval)
			retryTicker.Reset(cfg.RetryInterval)
			d.logger.Printf("Config reloaded: sync every %v, retries every %v",
				cfg.SyncInterval, cfg.RetryInterval)
		}
	}
}

// onConfigChange receives reloaded configs from the file watcher.
// Only the periodic intervals are applied live; ports, paths, and
// identity need a restart.
func (d *Daemon) onConfigChange(cfg *config.Config, err error) {
	if err != nil {
		d.logger.Printf("Ignoring config change: %v", err)
		return
	}
	select {
	case d.reload <- cfg:
	default:
	}
}
