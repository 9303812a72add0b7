// Package remote defines the contract the sync core consumes to talk
// to the system of record, plus an in-memory implementation used by
// tests and the load generator.
//
// Any backend satisfying the Client interface is usable; transport,
// authentication, and schema are out of scope here. Implementations
// must make Apply idempotent: an insert or update is a keyed upsert by
// (collection, record id), and deleting a missing row is a success, so
// a crash-induced retry of the same change produces the same end state
// as applying it once.
package remote

import (
	"context"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

// Filter narrows a Fetch to a scope and/or a modification window.
type Filter struct {
	// Scope restricts results to one tenant/base partition.
	// Empty matches all scopes.
	Scope string

	// ModifiedSince restricts results to rows modified at or after
	// the given time. Nil fetches everything.
	ModifiedSince *time.Time
}

// Outcome is the result class of an Apply call that reached the remote.
type Outcome string

const (
	// OutcomeApplied means the change took effect remotely.
	OutcomeApplied Outcome = "applied"

	// OutcomeConflict means the remote copy diverged: it changed
	// concurrently, or is missing for an update/delete.
	OutcomeConflict Outcome = "conflict"
)

// ApplyResult reports what happened to an applied change.
type ApplyResult struct {
	Outcome Outcome

	// Remote is the remote copy at detection time for conflicts.
	// Nil means the remote row does not exist.
	Remote record.Payload
}

// Client is the remote collaborator contract.
//
// Fetch and Apply are the only suspension points of the sync core;
// both must honor context cancellation. Errors that do not fit the
// conflict outcome are classified by the caller with IsTransient and
// IsPermanent.
type Client interface {
	// Fetch returns the rows of a collection matching the filter.
	//
	// Returned records must carry the collection name, scope, schema
	// version, and remote modification time.
	Fetch(ctx context.Context, collection string, filter Filter) ([]*record.Record, error)

	// Apply executes one queued mutation against the remote.
	//
	// A nil error with OutcomeConflict means the remote state
	// diverged and the result carries the remote copy (nil when the
	// row is missing). A non-nil error means the change was NOT
	// applied: transient errors may be retried, permanent errors
	// (validation, authorization) may not.
	Apply(ctx context.Context, collection string, change *record.PendingChange) (*ApplyResult, error)
}
