// Package server exposes the sync engine over HTTP to peer terminals
// and to local operator tooling.
//
// Peer-facing endpoints (/sync/push, /sync/pull) carry change batches
// between terminals; the rest serve the operator CLI and monitoring.
// A WebSocket feed at /sync/events broadcasts engine activity to
// connected observers.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/lanesync/lanesync/internal/engine"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8480).
	Port int

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8480,
		Logger: log.New(os.Stderr, "[server] ", log.LstdFlags),
	}
}

// Server is the HTTP face of one terminal's sync engine.
type Server struct {
	engine   *engine.Engine
	addr     string
	listener net.Listener
	server   *http.Server
	hub      *eventHub
	logger   *log.Logger
	wg       sync.WaitGroup
}

// New creates a server around an engine.
func New(eng *engine.Engine, config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	s := &Server{
		engine: eng,
		addr:   fmt.Sprintf(":%d", config.Port),
		logger: config.Logger,
	}
	s.hub = newEventHub(config.Logger)
	return s
}

// PublishEvent forwards an engine event to connected WebSocket
// clients. Wire this as the engine's event sink.
func (s *Server) PublishEvent(evt engine.Event) {
	s.hub.broadcast(evt)
}

// Start begins serving. Non-blocking; Stop shuts the server down.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.hub.start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Sync server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() error {
	s.logger.Println("Stopping sync server")

	s.hub.stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	s.logger.Println("Sync server stopped")
	return nil
}

// Addr returns the bound listen address, useful when Port was 0.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// routes builds the HTTP mux. Split out so tests can drive handlers
// through httptest without binding a port.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sync/push", s.handlePush)
	mux.HandleFunc("GET /sync/pull", s.handlePull)
	mux.HandleFunc("GET /sync/status", s.handleStatus)
	mux.HandleFunc("GET /sync/progress", s.handleProgress)
	mux.HandleFunc("POST /sync/trigger", s.handleTrigger)
	mux.HandleFunc("GET /sync/conflicts", s.handleConflicts)
	mux.HandleFunc("POST /sync/conflicts/resolve", s.handleResolve)
	mux.HandleFunc("GET /network/devices", s.handleDevices)
	mux.HandleFunc("POST /network/pair", s.handlePair)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sync/events", s.handleEvents)
	return mux
}
