// Package transport moves change batches between terminals and
// discovers peers on the local network segment.
//
// The HTTP client talks to a remote terminal's sync endpoints with a
// bounded per-call timeout; a timeout is indistinguishable from an
// unreachable peer and is handled the same way (offline queue, not an
// error surfaced to the triggering request). Discovery broadcasts
// presence over UDP so terminals find each other without
// configuration.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lanesync/lanesync/internal/model"
)

// Transport sends and receives change batches to/from remote
// terminals. Tests substitute an in-memory fake.
type Transport interface {
	// Push delivers a batch of change records to the peer's
	// /sync/push endpoint and returns the peer's apply summary.
	Push(ctx context.Context, peer model.PeerDevice, batch []model.ChangeRecord) (model.ApplyResult, error)

	// Pull fetches the peer's changes strictly after the given
	// cursor, at most limit records.
	Pull(ctx context.Context, peer model.PeerDevice, since int64, limit int) (model.PullResponse, error)

	// Reachable reports whether the peer currently answers its
	// status endpoint. Never blocks longer than the call timeout.
	Reachable(ctx context.Context, peer model.PeerDevice) bool

	// Identify fetches the status document from an address that is not
	// yet a known peer, so pairing can learn the remote node identity.
	Identify(ctx context.Context, address string, port int) (model.SyncStatus, error)
}

// HTTPTransport is the production Transport over the peer's HTTP sync
// API. Outgoing pushes identify this terminal via the X-Node-ID
// header so the receiver can refresh the sender's last-seen time.
type HTTPTransport struct {
	nodeID  string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPTransport creates a transport whose individual calls are
// bounded by timeout. A zero timeout defaults to ten seconds.
func NewHTTPTransport(nodeID string, timeout time.Duration) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		nodeID:  nodeID,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Push implements Transport.
func (t *HTTPTransport) Push(ctx context.Context, peer model.PeerDevice, batch []model.ChangeRecord) (model.ApplyResult, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("failed to encode push batch: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		t.peerURL(peer, "/sync/push", nil), bytes.NewReader(body))
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("failed to build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Node-ID", t.nodeID)

	resp, err := t.client.Do(req)
	if err != nil {
		return model.ApplyResult{}, fmt.Errorf("push to %s failed: %w", peer.HostPort(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.ApplyResult{}, fmt.Errorf("push to %s returned %s", peer.HostPort(), resp.Status)
	}

	var pushResp model.PushResponse
	if err := json.NewDecoder(resp.Body).Decode(&pushResp); err != nil {
		return model.ApplyResult{}, fmt.Errorf("failed to decode push response from %s: %w", peer.HostPort(), err)
	}
	return pushResp.Result, nil
}

// Pull implements Transport.
func (t *HTTPTransport) Pull(ctx context.Context, peer model.PeerDevice, since int64, limit int) (model.PullResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	query := url.Values{}
	query.Set("since", strconv.FormatInt(since, 10))
	query.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.peerURL(peer, "/sync/pull", query), nil)
	if err != nil {
		return model.PullResponse{}, fmt.Errorf("failed to build pull request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return model.PullResponse{}, fmt.Errorf("pull from %s failed: %w", peer.HostPort(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.PullResponse{}, fmt.Errorf("pull from %s returned %s", peer.HostPort(), resp.Status)
	}

	var changes []model.ChangeRecord
	if err := json.NewDecoder(resp.Body).Decode(&changes); err != nil {
		return model.PullResponse{}, fmt.Errorf("failed to decode pull response from %s: %w", peer.HostPort(), err)
	}

	// Pagination rides in headers; the body stays a bare record array.
	hasMore, _ := strconv.ParseBool(resp.Header.Get("X-Has-More"))
	return model.PullResponse{
		Changes: changes,
		HasMore: hasMore,
		NodeID:  resp.Header.Get("X-Node-ID"),
	}, nil
}

// Reachable implements Transport.
func (t *HTTPTransport) Reachable(ctx context.Context, peer model.PeerDevice) bool {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.peerURL(peer, "/sync/status", nil), nil)
	if err != nil {
		return false
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode == http.StatusOK
}

// Identify implements Transport.
func (t *HTTPTransport) Identify(ctx context.Context, address string, port int) (model.SyncStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	peer := model.PeerDevice{Address: address, Port: port}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.peerURL(peer, "/sync/status", nil), nil)
	if err != nil {
		return model.SyncStatus{}, fmt.Errorf("failed to build identify request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return model.SyncStatus{}, fmt.Errorf("device at %s did not answer: %w", peer.HostPort(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return model.SyncStatus{}, fmt.Errorf("device at %s returned %s", peer.HostPort(), resp.Status)
	}

	var status model.SyncStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return model.SyncStatus{}, fmt.Errorf("failed to decode status from %s: %w", peer.HostPort(), err)
	}
	if status.NodeID == "" {
		return model.SyncStatus{}, fmt.Errorf("device at %s reported no node id", peer.HostPort())
	}
	return status, nil
}

func (t *HTTPTransport) peerURL(peer model.PeerDevice, path string, query url.Values) string {
	u := url.URL{
		Scheme: "http",
		Host:   peer.HostPort(),
		Path:   path,
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}
