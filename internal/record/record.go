// Package record provides the data structures for the offline sync core.
//
// A Record mirrors one row of a remote collection. Records carry a
// schema-version tag and a free-form payload map so the core can move
// rows between the local cache and the remote collaborator without
// knowing the collection's column layout. Timestamps and sync status
// drive reconciliation and conflict detection.
package record

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Status describes where a record stands relative to the remote copy.
type Status string

const (
	// StatusSynced means the local row matches the last confirmed remote state.
	StatusSynced Status = "synced"

	// StatusPending means a local mutation is queued and not yet confirmed.
	StatusPending Status = "pending"

	// StatusConflicted means an unresolved Conflict references this record.
	StatusConflicted Status = "conflicted"
)

// Payload is a schema-free attribute map for one record.
//
// The shape is defined externally per collection; the core treats it as
// opaque apart from JSON round-tripping. The schema version that the
// payload conforms to travels on the Record, not inside the map.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
// Mutating the clone's top-level keys does not affect the original.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Record is a mirrored row of a remote entity.
type Record struct {
	// ID is stable and globally unique within its collection.
	ID string `json:"id"`

	// Collection names the remote collection this row belongs to.
	Collection string `json:"collection"`

	// Scope is an optional tenant/base partition key.
	Scope string `json:"scope,omitempty"`

	// Schema is the payload schema version, validated at the
	// remote-collaborator boundary.
	Schema int `json:"schema"`

	// Payload holds the schema-defined attributes.
	Payload Payload `json:"payload"`

	// SyncStatus tracks this row's relation to the remote copy.
	SyncStatus Status `json:"sync_status"`

	// LastModified is re-stamped on every local mutation and on
	// every remote pull.
	LastModified time.Time `json:"last_modified"`
}

// Validate checks the record has the fields every store operation relies on.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	switch r.SyncStatus {
	case StatusSynced, StatusPending, StatusConflicted:
	default:
		return fmt.Errorf("invalid sync status %q", r.SyncStatus)
	}
	if r.LastModified.IsZero() {
		return fmt.Errorf("last_modified is required")
	}
	return nil
}

// NewID generates a record identifier.
//
// IDs are assigned locally at insert time so offline creates have a
// stable identity before the remote ever sees them.
func NewID() string {
	return uuid.New().String()
}
