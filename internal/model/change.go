// Package model defines the wire and storage types shared by the sync
// engine: change records, peer devices, offline queue items, and
// conflicts.
//
// The JSON field names in this package are the sync wire contract
// between terminal versions and must not change without a protocol
// revision.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lanesync/lanesync/internal/vclock"
)

// RecordType identifies the kind of business entity a change record
// describes. The sync layer never interprets the entity payload; the
// type only routes the record to the owning business table.
type RecordType string

const (
	RecordProduct       RecordType = "product"
	RecordInventoryItem RecordType = "inventory_item"
	RecordPriceInfo     RecordType = "price_info"
	RecordTransaction   RecordType = "transaction"
	RecordCustomer      RecordType = "customer"
)

// knownRecordTypes is the set of record types this terminal version
// understands. Unknown types are rejected per record, not per batch.
var knownRecordTypes = map[RecordType]bool{
	RecordProduct:       true,
	RecordInventoryItem: true,
	RecordPriceInfo:     true,
	RecordTransaction:   true,
	RecordCustomer:      true,
}

// Valid reports whether rt is a record type this build understands.
func (rt RecordType) Valid() bool {
	return knownRecordTypes[rt]
}

// Operation is the mutation kind carried by a change record.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid reports whether op is a recognized operation.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ChangeRecord is one durable fact in the change log: an entity
// snapshot after a mutation, plus the causal metadata needed to merge
// it on another terminal.
//
// SequenceNumber is assigned by the originating node at append time
// and is strictly increasing per node. It is purely a pull cursor and
// carries no cross-node ordering; causal comparison uses VersionVector
// only.
type ChangeRecord struct {
	// RecordID is the logical entity id the change applies to.
	RecordID string `json:"record_id"`

	// RecordType routes the payload to the owning business table.
	RecordType RecordType `json:"record_type"`

	// Operation is insert, update, or delete.
	Operation Operation `json:"operation"`

	// Data is the opaque serialized entity snapshot after the
	// operation. The sync layer stores and forwards it untouched.
	Data json.RawMessage `json:"data,omitempty"`

	// VersionVector is the causal history of the entity as observed
	// by the originating node at write time.
	VersionVector vclock.Vector `json:"version_vector"`

	// OriginTimestamp is the originating node's wall clock at write
	// time. Informational only; never used for ordering.
	OriginTimestamp time.Time `json:"origin_timestamp"`

	// SequenceNumber is the node-local append cursor.
	SequenceNumber int64 `json:"sequence_number"`

	// OriginNode is the node that produced the change.
	OriginNode string `json:"origin_node"`

	// Checksum is an optional SHA-256 hex digest of Data. Empty
	// checksum skips verification.
	Checksum string `json:"checksum,omitempty"`
}

// ComputeChecksum returns the SHA-256 hex digest of the record's data
// payload.
func ComputeChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Validate checks the structural integrity of a change record received
// from a peer. A validation failure rejects this record only; the rest
// of its batch still applies.
func (c *ChangeRecord) Validate() error {
	if c.RecordID == "" {
		return fmt.Errorf("change record has empty record_id")
	}
	if !c.RecordType.Valid() {
		return fmt.Errorf("change record %s has unknown record_type %q", c.RecordID, c.RecordType)
	}
	if !c.Operation.Valid() {
		return fmt.Errorf("change record %s has unknown operation %q", c.RecordID, c.Operation)
	}
	if len(c.VersionVector) == 0 {
		return fmt.Errorf("change record %s has empty version_vector", c.RecordID)
	}
	if c.Checksum != "" {
		if got := ComputeChecksum(c.Data); got != c.Checksum {
			return fmt.Errorf("change record %s failed checksum verification", c.RecordID)
		}
	}
	return nil
}
