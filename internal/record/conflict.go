package record

import (
	"fmt"
	"time"
)

// ConflictType classifies how local and remote state diverged.
type ConflictType string

const (
	// ConflictUpdateUpdate means both sides changed the same record.
	ConflictUpdateUpdate ConflictType = "update-update"

	// ConflictUpdateDelete means the record was updated locally but
	// deleted remotely.
	ConflictUpdateDelete ConflictType = "update-delete"

	// ConflictDeleteUpdate means the record was deleted locally but
	// changed (or the delete was rejected) remotely.
	ConflictDeleteUpdate ConflictType = "delete-update"
)

// Strategy names how a conflict is (to be) resolved.
type Strategy string

const (
	// StrategyUnresolved is the initial state of every conflict.
	StrategyUnresolved Strategy = "unresolved"

	// StrategyLocalWins re-enqueues the local payload and discards
	// the remote copy.
	StrategyLocalWins Strategy = "local-wins"

	// StrategyRemoteWins overwrites the local row with the remote
	// payload and discards the queued change.
	StrategyRemoteWins Strategy = "remote-wins"

	// StrategyManualMerge enqueues a caller-supplied merged payload.
	StrategyManualMerge Strategy = "manual-merge"
)

// ValidResolution reports whether s is a strategy a caller may resolve with.
func ValidResolution(s Strategy) bool {
	switch s {
	case StrategyLocalWins, StrategyRemoteWins, StrategyManualMerge:
		return true
	}
	return false
}

// Conflict records one detected divergence between local and remote
// state for a single record.
//
// Exactly one open conflict exists per (collection, record id); the
// store updates an open conflict in place rather than duplicating it.
// A conflict is destroyed only by an explicit resolution call.
type Conflict struct {
	ID string `json:"id"`

	Collection string `json:"collection"`
	RecordID   string `json:"record_id"`

	// LocalPayload is the queued local snapshot. Nil when the local
	// side of the divergence is a delete.
	LocalPayload Payload `json:"local_payload,omitempty"`

	// RemotePayload is the remote copy at detection time. Nil when
	// the remote side of the divergence is a delete.
	RemotePayload Payload `json:"remote_payload,omitempty"`

	Type ConflictType `json:"conflict_type"`

	// Resolution is StrategyUnresolved until an explicit resolve call.
	Resolution Strategy `json:"resolution_strategy"`

	DetectedAt time.Time  `json:"detected_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

// Resolved reports whether this conflict has been resolved.
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// Validate checks the conflict is well formed enough to persist.
func (c *Conflict) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("collection is required")
	}
	if c.RecordID == "" {
		return fmt.Errorf("record_id is required")
	}
	switch c.Type {
	case ConflictUpdateUpdate, ConflictUpdateDelete, ConflictDeleteUpdate:
	default:
		return fmt.Errorf("invalid conflict type %q", c.Type)
	}
	if c.DetectedAt.IsZero() {
		return fmt.Errorf("detected_at is required")
	}
	return nil
}

// ConflictFromChange builds the conflict record for a queued change
// whose remote apply reported divergence.
//
// remotePayload is the remote copy at detection time, nil when the
// remote row is missing. The conflict type follows from the local
// operation and the remote state:
//
//	local update/insert, remote present -> update-update
//	local update/insert, remote missing -> update-delete
//	local delete                        -> delete-update
func ConflictFromChange(change *PendingChange, remotePayload Payload) *Conflict {
	typ := ConflictUpdateUpdate
	var local Payload

	if change.Operation == OpDelete {
		typ = ConflictDeleteUpdate
	} else {
		local = change.Snapshot.Clone()
		if remotePayload == nil {
			typ = ConflictUpdateDelete
		}
	}

	return &Conflict{
		ID:            NewID(),
		Collection:    change.Collection,
		RecordID:      change.RecordID,
		LocalPayload:  local,
		RemotePayload: remotePayload.Clone(),
		Type:          typ,
		Resolution:    StrategyUnresolved,
		DetectedAt:    time.Now().UTC(),
	}
}

// SyncMetadata is per-collection sync bookkeeping, updated only by the
// reconciliation engine.
type SyncMetadata struct {
	Collection   string     `json:"collection"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	PendingCount int        `json:"pending_count"`
}
