// Package vclock implements version vectors for tracking the causal
// history of entity mutations across terminals.
//
// Every terminal keeps one counter per node that has ever mutated an
// entity. A node increments only its own counter when it writes. Two
// observations of the same entity can then be compared causally:
// either one dominates the other (it has seen everything the other
// saw, plus more), they are equal, or they are concurrent, meaning
// edited on different terminals without either seeing the other's write. The
// concurrent outcome is the signal for a sync conflict.
package vclock

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Ordering is the result of comparing two version vectors.
type Ordering int

const (
	// Equal means both vectors describe the same causal history.
	Equal Ordering = iota

	// Dominates means the receiver has seen every write the other has,
	// and at least one more.
	Dominates

	// Dominated means the other vector has seen every write the
	// receiver has, and at least one more.
	Dominated

	// Concurrent means neither vector causally precedes the other.
	Concurrent
)

// String returns a human-readable representation of the ordering.
func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Dominates:
		return "dominates"
	case Dominated:
		return "dominated"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// Vector maps node IDs to per-node mutation counters.
//
// The zero value (nil map) is a valid empty vector that is dominated
// by any non-empty vector. Callers must not mutate a Vector shared
// with other goroutines; Clone first.
type Vector map[string]uint64

// New returns an empty version vector.
func New() Vector {
	return make(Vector)
}

// Counter returns the counter recorded for nodeID, or zero if the
// node has never mutated the entity.
func (v Vector) Counter(nodeID string) uint64 {
	return v[nodeID]
}

// Bump increments nodeID's counter and returns the new value.
//
// A node must only ever bump its own counter; bumping another node's
// counter fabricates causal history.
func (v Vector) Bump(nodeID string) uint64 {
	v[nodeID]++
	return v[nodeID]
}

// Clone returns a deep copy of the vector.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for node, n := range v {
		out[node] = n
	}
	return out
}

// Compare determines the causal relationship between v and other.
//
// Zero-valued counters are treated as absent, so {A:1, B:0} and {A:1}
// compare as Equal.
func (v Vector) Compare(other Vector) Ordering {
	var ahead, behind bool

	for node, n := range v {
		if n == 0 {
			continue
		}
		switch m := other[node]; {
		case n > m:
			ahead = true
		case n < m:
			behind = true
		}
	}
	for node, m := range other {
		if m == 0 {
			continue
		}
		if v[node] < m {
			behind = true
		}
	}

	switch {
	case ahead && behind:
		return Concurrent
	case ahead:
		return Dominates
	case behind:
		return Dominated
	default:
		return Equal
	}
}

// Merge returns the element-wise maximum of v and other.
//
// The result dominates (or equals) both inputs, which is what conflict
// resolution needs: a merged vector must not re-trigger a conflict
// against either side. Neither input is modified.
func (v Vector) Merge(other Vector) Vector {
	out := v.Clone()
	for node, m := range other {
		if m > out[node] {
			out[node] = m
		}
	}
	return out
}

// Marshal encodes the vector as canonical JSON for storage.
func (v Vector) Marshal() ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(map[string]uint64(v))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal version vector: %w", err)
	}
	return data, nil
}

// Unmarshal decodes a vector from its JSON storage form.
//
// Empty input decodes to an empty vector.
func Unmarshal(data []byte) (Vector, error) {
	v := New()
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, (*map[string]uint64)(&v)); err != nil {
		return nil, fmt.Errorf("failed to unmarshal version vector: %w", err)
	}
	return v, nil
}

// String renders the vector as "{A:1, B:2}" with nodes sorted for
// stable log output.
func (v Vector) String() string {
	nodes := make([]string, 0, len(v))
	for node := range v {
		nodes = append(nodes, node)
	}
	sort.Strings(nodes)

	var b strings.Builder
	b.WriteByte('{')
	for i, node := range nodes {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s:%d", node, v[node])
	}
	b.WriteByte('}')
	return b.String()
}
