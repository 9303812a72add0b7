package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ebb-sync/ebb/internal/remote"
)

// pull fetches remote rows modified since each collection's last sync
// and upserts them into the local cache.
//
// Remote-wins by default applies only to untouched rows: a row with a
// pending local change or an open conflict is left alone this pass -
// it will either drain successfully later or surface as a conflict if
// the remote copy changed the same record.
func (e *Engine) pull(ctx context.Context, s *Summary, passStart time.Time) error {
	collections, err := e.store.Collections(ctx)
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}

	for _, collection := range collections {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pulled, err := e.pullCollection(ctx, collection, passStart)
		if err != nil {
			// A failed pull leaves last_sync_at untouched so the
			// missed window is retried next pass.
			e.config.Logger.Printf("Pull failed for %s: %v", collection, err)
			continue
		}
		s.Pulled += pulled
	}

	return nil
}

func (e *Engine) pullCollection(ctx context.Context, collection string, passStart time.Time) (int, error) {
	meta, err := e.store.Metadata(ctx, collection)
	if err != nil {
		return 0, err
	}

	rows, err := e.remote.Fetch(ctx, collection, remote.Filter{ModifiedSince: meta.LastSyncAt})
	if err != nil {
		return 0, err
	}

	pulled := 0
	for _, rec := range rows {
		pending, err := e.store.PendingChange(ctx, collection, rec.ID)
		if err != nil {
			return pulled, err
		}
		if pending != nil {
			continue
		}

		conflict, err := e.store.OpenConflict(ctx, collection, rec.ID)
		if err != nil {
			return pulled, err
		}
		if conflict != nil {
			continue
		}

		rec.Collection = collection
		if err := e.store.UpsertMirrored(ctx, rec); err != nil {
			return pulled, err
		}
		pulled++
	}

	if err := e.store.SetLastSync(ctx, collection, passStart); err != nil {
		return pulled, err
	}

	return pulled, nil
}
