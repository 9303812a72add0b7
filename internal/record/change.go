package record

import (
	"fmt"
	"time"
)

// Operation is the kind of queued local mutation.
type Operation string

const (
	// OpInsert creates the record remotely.
	OpInsert Operation = "insert"

	// OpUpdate replaces the remote payload with the queued snapshot.
	OpUpdate Operation = "update"

	// OpDelete removes the record remotely.
	OpDelete Operation = "delete"
)

// PendingChange is a queued, not-yet-confirmed local mutation.
//
// At most one effective PendingChange exists per (collection, record id)
// at any time: consecutive local mutations on the same record are
// coalesced via CoalesceWith before they ever reach the queue table.
type PendingChange struct {
	// Seq is the monotonic queue sequence number, assigned by the store.
	Seq int64 `json:"seq"`

	// Version increments each time a newer local mutation coalesces
	// into this entry. Removal after a confirmed remote apply is
	// conditional on the version still matching, so a write that lands
	// while the apply is in flight is never dropped unconfirmed.
	Version int64 `json:"version"`

	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`

	Operation Operation `json:"operation"`

	// Snapshot is the full payload to apply remotely.
	// Nil for deletes of rows that were never mirrored; otherwise a
	// delete keeps the last known payload so the row can be restored
	// if the remote delete permanently fails.
	Snapshot Payload `json:"snapshot,omitempty"`

	// Schema is the payload schema version at enqueue time.
	Schema int `json:"schema"`

	Scope string `json:"scope,omitempty"`

	CreatedAt time.Time `json:"created_at"`

	// RetryCount counts failed remote attempts.
	RetryCount int `json:"retry_count"`

	// LastAttemptAt is when the engine last tried to apply this change.
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`

	// LastError records why the last attempt failed.
	LastError string `json:"last_error,omitempty"`

	// Failed marks the change as terminally quarantined after the
	// retry cap or a permanent remote rejection. Quarantined changes
	// are kept for operator visibility and pruned by vacuum.
	Failed bool `json:"failed,omitempty"`
}

// Validate checks the change is well formed enough to enqueue.
func (c *PendingChange) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if c.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	switch c.Operation {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return fmt.Errorf("invalid operation %q", c.Operation)
	}
	if c.Operation != OpDelete && c.Snapshot == nil {
		return fmt.Errorf("%s requires a payload snapshot", c.Operation)
	}
	if c.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	return nil
}

// CoalesceWith folds a newer local mutation into this queued change and
// reports whether the pair cancels out entirely.
//
// The rules collapse the queue to one net effective mutation per record:
//
//	insert ∘ update  -> insert with the new snapshot
//	update ∘ update  -> update with the new snapshot (last write wins)
//	insert ∘ delete  -> cancelled; the record never reaches the remote
//	update ∘ delete  -> delete, keeping the prior snapshot for restore
//	delete ∘ delete  -> delete
//	delete ∘ insert  -> insert (local re-create after an unsynced delete)
//
// When cancelled is true the change must be removed from the queue
// instead of updated.
func (c *PendingChange) CoalesceWith(op Operation, snapshot Payload, schema int) (cancelled bool) {
	switch op {
	case OpDelete:
		if c.Operation == OpInsert {
			return true
		}
		if c.Operation != OpDelete && c.Snapshot != nil {
			// Keep the pre-delete snapshot for the restore path.
			c.Snapshot = c.Snapshot.Clone()
		}
		c.Operation = OpDelete

	case OpInsert:
		c.Operation = OpInsert
		c.Snapshot = snapshot.Clone()
		c.Schema = schema

	case OpUpdate:
		// An insert stays an insert; the remote has never seen the row.
		if c.Operation != OpInsert {
			c.Operation = OpUpdate
		}
		c.Snapshot = snapshot.Clone()
		c.Schema = schema
	}

	return false
}
