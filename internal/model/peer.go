package model

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// PeerDevice is a remote terminal known to this node, either found by
// a discovery broadcast or paired manually by an operator.
//
// Peers are never deleted; repeated contact failures simply age
// LastSeen until the device reads as stale.
type PeerDevice struct {
	NodeID   string    `json:"node_id"`
	Name     string    `json:"name"`
	Address  string    `json:"address"`
	Port     int       `json:"port"`
	LastSeen time.Time `json:"last_seen"`
	Paired   bool      `json:"paired"`
}

// HostPort returns the peer's network address in host:port form.
func (p *PeerDevice) HostPort() string {
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

// Stale reports whether the peer has not been heard from within the
// given horizon.
func (p *PeerDevice) Stale(horizon time.Duration, now time.Time) bool {
	if p.LastSeen.IsZero() {
		return true
	}
	return now.Sub(p.LastSeen) > horizon
}

// PairRequest is the body of POST /network/pair.
type PairRequest struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Port    int    `json:"port"`
	NodeID  string `json:"node_id,omitempty"`
}

// Validate rejects malformed pairing requests synchronously. Pairing
// errors are configuration errors: they are never queued for retry.
func (r *PairRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("pair request missing name")
	}
	if r.Port <= 0 || r.Port > 65535 {
		return fmt.Errorf("pair request has invalid port %d", r.Port)
	}
	if r.Address == "" {
		return fmt.Errorf("pair request missing address")
	}
	if net.ParseIP(r.Address) == nil && !validHostname(r.Address) {
		return fmt.Errorf("pair request has malformed address %q", r.Address)
	}
	return nil
}

// validHostname checks RFC 1123 hostname syntax without hitting DNS.
func validHostname(host string) bool {
	if len(host) > 253 {
		return false
	}
	for _, label := range strings.Split(host, ".") {
		if len(label) == 0 || len(label) > 63 {
			return false
		}
		if label[0] == '-' || label[len(label)-1] == '-' {
			return false
		}
		for _, c := range label {
			switch {
			case c >= 'a' && c <= 'z':
			case c >= 'A' && c <= 'Z':
			case c >= '0' && c <= '9':
			case c == '-':
			default:
				return false
			}
		}
	}
	return true
}
