package facade

import (
	"context"
	"fmt"

	"github.com/ebb-sync/ebb/internal/record"
	"github.com/ebb-sync/ebb/internal/remote"
)

// Create applies an insert to the local store and, when online,
// opportunistically pushes it to the remote.
//
// The local write is synchronous and never blocked by the network. A
// transient remote failure leaves the change queued for the next
// reconciliation pass and is NOT surfaced; a permanent failure
// (validation, authorization) is returned to the caller while the
// change stays queued for visibility.
func (f *Facade) Create(ctx context.Context, collection, scope string, schemaVersion int, payload record.Payload) (string, error) {
	mu := f.writerFor(collection)
	mu.Lock()
	defer mu.Unlock()

	id, err := f.store.InsertContext(ctx, collection, scope, schemaVersion, payload)
	if err != nil {
		return "", fmt.Errorf("failed to create record in %s: %w", collection, err)
	}

	if err := f.pushNow(ctx, collection, id); err != nil {
		return id, err
	}
	return id, nil
}

// Update merges a partial payload into a record locally and, when
// online, pushes the coalesced change.
func (f *Facade) Update(ctx context.Context, collection, id string, partial record.Payload) error {
	mu := f.writerFor(collection)
	mu.Lock()
	defer mu.Unlock()

	if err := f.store.UpdateContext(ctx, collection, id, partial); err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", collection, id, err)
	}

	return f.pushNow(ctx, collection, id)
}

// Delete removes a record locally - the visible effect is instantaneous
// - and, when online, pushes the delete.
func (f *Facade) Delete(ctx context.Context, collection, id string) error {
	mu := f.writerFor(collection)
	mu.Lock()
	defer mu.Unlock()

	if err := f.store.DeleteContext(ctx, collection, id); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", collection, id, err)
	}

	return f.pushNow(ctx, collection, id)
}

// pushNow attempts to apply the record's coalesced pending change
// against the remote. Offline, or with nothing queued (an unsynced
// insert cancelled by its delete), it is a no-op.
func (f *Facade) pushNow(ctx context.Context, collection, id string) error {
	if !f.online.Online() {
		return nil
	}

	change, err := f.store.PendingChange(ctx, collection, id)
	if err != nil {
		f.logger.Printf("Failed to load pending change for %s/%s: %v", collection, id, err)
		return nil
	}
	if change == nil {
		return nil
	}

	res, err := f.remote.Apply(ctx, collection, change)
	if err != nil {
		if remote.IsPermanent(err) {
			// Queued for visibility, but the caller needs to know now.
			if rerr := f.store.RecordAttempt(ctx, change.Seq, err.Error()); rerr != nil {
				f.logger.Printf("Failed to record attempt on %s/%s: %v", collection, id, rerr)
			}
			return fmt.Errorf("remote rejected %s on %s/%s: %w", change.Operation, collection, id, err)
		}

		// Transient: the reconciliation engine will drain it later.
		f.logger.Printf("Opportunistic push of %s/%s deferred: %v", collection, id, err)
		if rerr := f.store.RecordAttempt(ctx, change.Seq, err.Error()); rerr != nil {
			f.logger.Printf("Failed to record attempt on %s/%s: %v", collection, id, rerr)
		}
		return nil
	}

	if res.Outcome == remote.OutcomeConflict {
		conflict := record.ConflictFromChange(change, res.Remote)
		if err := f.store.UpsertConflict(ctx, conflict); err != nil {
			f.logger.Printf("Failed to record conflict for %s/%s: %v", collection, id, err)
		}
		return nil
	}

	// Applied: removal is conditional on the entry's version so a
	// mutation that coalesced in while the apply was in flight stays
	// queued for the engine.
	confirmed, err := f.store.ConfirmChange(ctx, change.Seq, change.Version)
	if err != nil {
		f.logger.Printf("Failed to clear confirmed change for %s/%s: %v", collection, id, err)
		return nil
	}
	if confirmed && change.Operation != record.OpDelete {
		if err := f.store.MarkSynced(ctx, collection, id); err != nil {
			f.logger.Printf("Failed to mark %s/%s synced: %v", collection, id, err)
		}
	}
	if err := f.store.RefreshPendingCount(ctx, collection); err != nil {
		f.logger.Printf("Failed to refresh pending count for %s: %v", collection, err)
	}

	return nil
}
