package transport

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/lanesync/lanesync/internal/model"
	"github.com/lanesync/lanesync/internal/vclock"
)

// testPeer converts an httptest server URL into a PeerDevice pointing
// at it.
func testPeer(t *testing.T, srv *httptest.Server) model.PeerDevice {
	t.Helper()

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("failed to parse test server URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("failed to parse test server port: %v", err)
	}
	return model.PeerDevice{
		NodeID:  "till-B",
		Name:    "Back Office",
		Address: u.Hostname(),
		Port:    port,
		Paired:  true,
	}
}

func TestPushDeliversBatchAndReturnsResult(t *testing.T) {
	var received []model.ChangeRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sync/push" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("failed to decode batch: %v", err)
		}
		json.NewEncoder(w).Encode(model.PushResponse{
			Status: "synced",
			NodeID: "till-B",
			Result: model.ApplyResult{Applied: 1, Stale: 1},
		})
	}))
	defer srv.Close()

	tr := NewHTTPTransport("till-A", 2*time.Second)
	batch := []model.ChangeRecord{
		{
			RecordID:      "inv-1",
			RecordType:    model.RecordInventoryItem,
			Operation:     model.OpUpdate,
			Data:          json.RawMessage(`{"count":3}`),
			VersionVector: vclock.Vector{"till-A": 1},
			OriginNode:    "till-A",
		},
	}

	result, err := tr.Push(context.Background(), testPeer(t, srv), batch)
	if err != nil {
		t.Fatalf("Push failed: %v", err)
	}
	if result.Applied != 1 || result.Stale != 1 {
		t.Errorf("result = %+v, want applied=1 stale=1", result)
	}
	if len(received) != 1 || received[0].RecordID != "inv-1" {
		t.Errorf("server received %+v, want the pushed batch", received)
	}
}

func TestPullSendsCursorAndLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/pull" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("since"); got != "42" {
			t.Errorf("since = %q, want 42", got)
		}
		if got := r.URL.Query().Get("limit"); got != "100" {
			t.Errorf("limit = %q, want 100", got)
		}
		w.Header().Set("X-Has-More", "true")
		w.Header().Set("X-Node-ID", "till-B")
		json.NewEncoder(w).Encode([]model.ChangeRecord{{RecordID: "inv-1"}})
	}))
	defer srv.Close()

	tr := NewHTTPTransport("till-A", 2*time.Second)
	resp, err := tr.Pull(context.Background(), testPeer(t, srv), 42, 100)
	if err != nil {
		t.Fatalf("Pull failed: %v", err)
	}
	if !resp.HasMore {
		t.Error("X-Has-More header not propagated")
	}
	if resp.NodeID != "till-B" {
		t.Errorf("node id = %q, want till-B", resp.NodeID)
	}
	if len(resp.Changes) != 1 || resp.Changes[0].RecordID != "inv-1" {
		t.Errorf("changes = %+v, want one record inv-1", resp.Changes)
	}
}

func TestPushNon200IsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "try later", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewHTTPTransport("till-A", 2*time.Second)
	if _, err := tr.Push(context.Background(), testPeer(t, srv), nil); err == nil {
		t.Error("Push to a 503 peer did not fail")
	}
}

func TestReachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/sync/status" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(model.SyncStatus{NodeID: "till-B", Healthy: true})
	}))

	tr := NewHTTPTransport("till-A", 2*time.Second)
	peer := testPeer(t, srv)

	if !tr.Reachable(context.Background(), peer) {
		t.Error("running peer reported unreachable")
	}

	srv.Close()
	if tr.Reachable(context.Background(), peer) {
		t.Error("stopped peer reported reachable")
	}
}

func TestUnreachablePeerFailsFast(t *testing.T) {
	// A closed port: the kernel refuses immediately, no timeout wait.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to grab a port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	tr := NewHTTPTransport("till-A", 2*time.Second)
	peer := model.PeerDevice{NodeID: "till-B", Address: "127.0.0.1", Port: port}

	start := time.Now()
	if _, err := tr.Pull(context.Background(), peer, 0, 10); err == nil {
		t.Error("Pull from a dead peer did not fail")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("dead peer detection took %v", elapsed)
	}
}

func TestParsePresence(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    bool
	}{
		{
			name:    "valid announcement",
			payload: `{"magic":"lanesync/1","node_id":"till-B","name":"Back Office","port":8480}`,
			want:    true,
		},
		{
			name:    "wrong magic",
			payload: `{"magic":"other/1","node_id":"till-B","port":8480}`,
			want:    false,
		},
		{
			name:    "missing node id",
			payload: `{"magic":"lanesync/1","port":8480}`,
			want:    false,
		},
		{
			name:    "port out of range",
			payload: `{"magic":"lanesync/1","node_id":"till-B","port":99999}`,
			want:    false,
		},
		{
			name:    "not json",
			payload: `hello`,
			want:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer, ok := ParsePresence([]byte(tt.payload), "192.168.1.30")
			if ok != tt.want {
				t.Fatalf("ParsePresence ok = %v, want %v", ok, tt.want)
			}
			if !ok {
				return
			}
			if peer.NodeID != "till-B" || peer.Address != "192.168.1.30" || peer.Port != 8480 {
				t.Errorf("parsed peer = %+v", peer)
			}
		})
	}
}

func TestDiscoveryHearsPeerAnnouncements(t *testing.T) {
	// Listener bound to an ephemeral loopback port.
	probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("failed to bind probe socket: %v", err)
	}
	listenPort := probe.LocalAddr().(*net.UDPAddr).Port
	probe.Close()

	heard := make(chan model.PeerDevice, 4)
	d := NewDiscovery(DiscoveryConfig{
		NodeID:       "till-A",
		Name:         "Front Till",
		SyncPort:     8480,
		ListenPort:   listenPort,
		AnnounceAddr: "127.0.0.1:1", // discard; this test injects datagrams directly
		Interval:     time.Hour,
	}, func(p model.PeerDevice) { heard <- p })

	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer d.Stop()

	send := func(payload string) {
		t.Helper()
		conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(listenPort)))
		if err != nil {
			t.Fatalf("failed to dial discovery port: %v", err)
		}
		defer conn.Close()
		if _, err := conn.Write([]byte(payload)); err != nil {
			t.Fatalf("failed to send datagram: %v", err)
		}
	}

	// Own announcements are ignored, other nodes are reported.
	send(`{"magic":"lanesync/1","node_id":"till-A","name":"Front Till","port":8480}`)
	send(`{"magic":"lanesync/1","node_id":"till-B","name":"Back Office","port":8481}`)

	select {
	case peer := <-heard:
		if peer.NodeID != "till-B" {
			t.Errorf("heard node %s, want till-B", peer.NodeID)
		}
		if peer.Port != 8481 {
			t.Errorf("heard port %d, want 8481", peer.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("discovery never reported the announced peer")
	}

	// The self-announcement must not surface.
	select {
	case peer := <-heard:
		t.Errorf("unexpected extra peer report: %+v", peer)
	case <-time.After(100 * time.Millisecond):
	}
}
