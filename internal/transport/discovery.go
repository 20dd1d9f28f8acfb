package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/lanesync/lanesync/internal/model"
)

// presenceMagic marks LaneSync discovery datagrams so unrelated UDP
// traffic on the port is ignored.
const presenceMagic = "lanesync/1"

// Presence is the discovery announcement broadcast by every terminal.
type Presence struct {
	Magic  string `json:"magic"`
	NodeID string `json:"node_id"`
	Name   string `json:"name"`
	Port   int    `json:"port"`
}

// DiscoveryConfig configures the UDP presence broadcaster/listener.
type DiscoveryConfig struct {
	// NodeID is this terminal's stable identity, echoed in every
	// announcement.
	NodeID string

	// Name is the human-readable terminal name.
	Name string

	// SyncPort is the HTTP sync port other terminals should contact.
	SyncPort int

	// ListenPort is the UDP port presence datagrams use.
	ListenPort int

	// AnnounceAddr overrides the broadcast destination. Defaults to
	// the limited broadcast address on ListenPort.
	AnnounceAddr string

	// Interval is how often presence is announced (default: 15s).
	Interval time.Duration

	// Logger for discovery activity.
	Logger *log.Logger
}

// Discovery broadcasts this terminal's presence and reports candidate
// peers heard on the segment.
//
// Discovered candidates are delivered to the OnPeer callback; the
// callback owns deciding whether to record them (the sync actor does,
// via its inbox, so discovery never mutates sync state directly).
type Discovery struct {
	config DiscoveryConfig
	onPeer func(model.PeerDevice)

	conn   *net.UDPConn
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *log.Logger
}

// NewDiscovery creates a discovery instance. onPeer is invoked for
// every valid presence datagram from another node.
func NewDiscovery(config DiscoveryConfig, onPeer func(model.PeerDevice)) *Discovery {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.AnnounceAddr == "" {
		config.AnnounceAddr = fmt.Sprintf("255.255.255.255:%d", config.ListenPort)
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[discovery] ", log.LstdFlags)
	}
	return &Discovery{
		config: config,
		onPeer: onPeer,
		logger: logger,
	}
}

// Start begins announcing and listening. Non-blocking; Stop shuts the
// loops down.
func (d *Discovery) Start(ctx context.Context) error {
	listenAddr := &net.UDPAddr{IP: net.IPv4zero, Port: d.config.ListenPort}
	conn, err := net.ListenUDP("udp4", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen for discovery broadcasts: %w", err)
	}
	d.conn = conn

	ctx, d.cancel = context.WithCancel(ctx)

	d.wg.Add(2)
	go d.announceLoop(ctx)
	go d.listenLoop(ctx)

	d.logger.Printf("Discovery listening on udp :%d", d.config.ListenPort)
	return nil
}

// Stop shuts down the announce and listen loops.
func (d *Discovery) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.wg.Wait()
}

// Announce sends one presence datagram immediately, outside the
// periodic schedule. Used on startup and after pairing changes.
func (d *Discovery) Announce() {
	payload, err := json.Marshal(Presence{
		Magic:  presenceMagic,
		NodeID: d.config.NodeID,
		Name:   d.config.Name,
		Port:   d.config.SyncPort,
	})
	if err != nil {
		d.logger.Printf("Failed to encode presence: %v", err)
		return
	}

	addr, err := net.ResolveUDPAddr("udp4", d.config.AnnounceAddr)
	if err != nil {
		d.logger.Printf("Failed to resolve announce address: %v", err)
		return
	}

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		// No broadcast route is routine on isolated networks; not an
		// error worth surfacing beyond the log.
		d.logger.Printf("Failed to send presence: %v", err)
		return
	}
	defer conn.Close()

	if _, err := conn.Write(payload); err != nil {
		d.logger.Printf("Failed to send presence: %v", err)
	}
}

// announceLoop broadcasts presence on the configured interval.
func (d *Discovery) announceLoop(ctx context.Context) {
	defer d.wg.Done()

	d.Announce()

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Announce()
		}
	}
}

// listenLoop receives presence datagrams and reports candidates.
func (d *Discovery) listenLoop(ctx context.Context) {
	defer d.wg.Done()

	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, src, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			// Closed socket during shutdown lands here.
			return
		}

		peer, ok := ParsePresence(buf[:n], src.IP.String())
		if !ok || peer.NodeID == d.config.NodeID {
			continue
		}

		if d.onPeer != nil {
			d.onPeer(peer)
		}
	}
}

// ParsePresence decodes a presence datagram into a candidate peer.
// The source address of the datagram becomes the peer address; the
// announced port is the peer's HTTP sync port.
func ParsePresence(payload []byte, srcAddr string) (model.PeerDevice, bool) {
	var p Presence
	if err := json.Unmarshal(payload, &p); err != nil {
		return model.PeerDevice{}, false
	}
	if p.Magic != presenceMagic || p.NodeID == "" || p.Port <= 0 || p.Port > 65535 {
		return model.PeerDevice{}, false
	}

	return model.PeerDevice{
		NodeID:   p.NodeID,
		Name:     p.Name,
		Address:  srcAddr,
		Port:     p.Port,
		LastSeen: time.Now().UTC(),
	}, true
}
