package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
	"github.com/ebb-sync/ebb/internal/remote"
)

// drain applies queued changes for every collection with pending work.
//
// Collections drain independently and in parallel; within one
// collection, changes apply strictly in creation order, and a
// transient failure stops that collection for the rest of the pass so
// a later change can never apply before an earlier unresolved one.
func (e *Engine) drain(ctx context.Context, s *Summary) error {
	collections, err := e.store.PendingCollections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending collections: %w", err)
	}
	s.Collections = len(collections)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, collection := range collections {
		wg.Add(1)
		go func(collection string) {
			defer wg.Done()

			cs := e.drainCollection(ctx, collection)

			mu.Lock()
			s.Applied += cs.Applied
			s.Conflicts += cs.Conflicts
			s.Deferred += cs.Deferred
			s.Quarantined += cs.Quarantined
			mu.Unlock()
		}(collection)
	}

	wg.Wait()
	return ctx.Err()
}

// drainCollection applies one collection's queue in order.
func (e *Engine) drainCollection(ctx context.Context, collection string) Summary {
	var s Summary

	changes, err := e.store.PendingChanges(ctx, collection)
	if err != nil {
		e.config.Logger.Printf("Failed to load queue for %s: %v", collection, err)
		return s
	}

	now := time.Now()

	for _, change := range changes {
		// A cancelled pass finishes nothing further; the queue is
		// durable and the next pass picks up exactly here.
		if ctx.Err() != nil {
			s.Deferred += len(changes) - s.Applied - s.Conflicts - s.Quarantined
			break
		}

		if !e.backoffElapsed(change, now) {
			// Ordering: an earlier change still in backoff blocks
			// the rest of the collection until it drains.
			s.Deferred++
			break
		}

		res, err := e.remote.Apply(ctx, collection, change)
		if err != nil {
			if remote.IsPermanent(err) {
				e.handlePermanent(ctx, change, err, &s)
				continue
			}

			// Transient: record the attempt and stop this
			// collection; other collections continue independently.
			e.config.Logger.Printf("Transient failure on %s/%s (retry %d): %v",
				collection, change.RecordID, change.RetryCount+1, err)
			if rerr := e.store.RecordAttempt(ctx, change.Seq, err.Error()); rerr != nil {
				e.config.Logger.Printf("Failed to record attempt: %v", rerr)
			}
			s.Deferred++
			break
		}

		if res.Outcome == remote.OutcomeConflict {
			conflict := record.ConflictFromChange(change, res.Remote)
			if cerr := e.store.UpsertConflict(ctx, conflict); cerr != nil {
				e.config.Logger.Printf("Failed to record conflict for %s/%s: %v", collection, change.RecordID, cerr)
			} else {
				e.config.Logger.Printf("Conflict on %s/%s: %s", collection, change.RecordID, conflict.Type)
				if e.notifier != nil {
					e.notifier.ConflictDetected(conflict)
				}
			}
			// The change stays queued until the conflict is
			// explicitly resolved; move on to the next record.
			s.Conflicts++
			continue
		}

		// Applied: removal is conditional on the entry's version so a
		// façade write that coalesced in while the apply was in flight
		// stays queued. If the process dies after the remote apply,
		// the idempotent apply makes the retry harmless.
		confirmed, derr := e.store.ConfirmChange(ctx, change.Seq, change.Version)
		if derr != nil {
			e.config.Logger.Printf("Failed to clear confirmed change %d: %v", change.Seq, derr)
			break
		}
		if !confirmed {
			e.config.Logger.Printf("Change for %s/%s superseded during apply; leaving queued",
				collection, change.RecordID)
			s.Deferred++
			continue
		}
		if change.Operation != record.OpDelete {
			if merr := e.store.MarkSynced(ctx, collection, change.RecordID); merr != nil {
				e.config.Logger.Printf("Failed to mark %s/%s synced: %v", collection, change.RecordID, merr)
			}
		}
		s.Applied++
	}

	// last_sync_at belongs to the pull phase; the drain only keeps the
	// queue-depth bookkeeping current.
	if err := e.store.RefreshPendingCount(ctx, collection); err != nil {
		e.config.Logger.Printf("Failed to refresh pending count for %s: %v", collection, err)
	}

	return s
}

// handlePermanent records a permanent remote rejection, quarantining
// the change once it exhausts the retry cap. Permanent failures never
// block the rest of the collection's queue.
func (e *Engine) handlePermanent(ctx context.Context, change *record.PendingChange, applyErr error, s *Summary) {
	if change.RetryCount+1 >= e.config.RetryCap {
		e.config.Logger.Printf("Quarantining %s/%s after %d attempts: %v",
			change.Collection, change.RecordID, change.RetryCount+1, applyErr)
		if err := e.store.QuarantineChange(ctx, change, applyErr.Error()); err != nil {
			e.config.Logger.Printf("Failed to quarantine change %d: %v", change.Seq, err)
			return
		}
		s.Quarantined++
		return
	}

	e.config.Logger.Printf("Permanent failure on %s/%s (attempt %d of %d): %v",
		change.Collection, change.RecordID, change.RetryCount+1, e.config.RetryCap, applyErr)
	if err := e.store.RecordAttempt(ctx, change.Seq, applyErr.Error()); err != nil {
		e.config.Logger.Printf("Failed to record attempt: %v", err)
	}
	s.Deferred++
}
