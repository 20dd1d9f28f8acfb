package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/lanesync/lanesync/internal/engine"
)

// eventHub fans engine events out to connected WebSocket clients.
// Slow or dead clients are dropped rather than allowed to stall the
// feed.
type eventHub struct {
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	feed   chan engine.Event
	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newEventHub(logger *log.Logger) *eventHub {
	ctx, cancel := context.WithCancel(context.Background())
	return &eventHub{
		clients: make(map[*websocket.Conn]bool),
		feed:    make(chan engine.Event, 100),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (h *eventHub) start() {
	h.wg.Add(1)
	go h.broadcastLoop()
}

func (h *eventHub) stop() {
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()

	h.wg.Wait()
}

// broadcast queues an event for delivery. Never blocks the caller;
// when the feed is saturated the event is dropped.
func (h *eventHub) broadcast(evt engine.Event) {
	select {
	case h.feed <- evt:
	case <-h.ctx.Done():
	default:
		h.logger.Println("Warning: event feed full, dropping event")
	}
}

func (h *eventHub) broadcastLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case evt := <-h.feed:
			data, err := json.Marshal(evt)
			if err != nil {
				h.logger.Printf("Failed to encode event: %v", err)
				continue
			}

			h.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				clients = append(clients, conn)
			}
			h.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()
				if err != nil {
					h.removeClient(conn)
				}
			}
		}
	}
}

func (h *eventHub) addClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	h.logger.Printf("Event client connected (total: %d)", count)
}

func (h *eventHub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; !exists {
		h.clientsMu.Unlock()
		return
	}
	delete(h.clients, conn)
	count := len(h.clients)
	h.clientsMu.Unlock()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	h.logger.Printf("Event client disconnected (total: %d)", count)
}

// handleEvents upgrades the connection and streams engine events until
// the client goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.hub.addClient(conn)
	go s.hub.readLoop(conn)
}

// readLoop keeps the connection alive and notices disconnects. Client
// messages are not processed.
func (h *eventHub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}
