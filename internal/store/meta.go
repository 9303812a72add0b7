package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

// Metadata returns the sync bookkeeping for one collection.
// A collection that has never synced gets zero-value metadata, not an error.
func (s *Store) Metadata(ctx context.Context, collection string) (*record.SyncMetadata, error) {
	row := s.conn.QueryRowContext(ctx,
		`SELECT collection, last_sync_at, pending_count FROM sync_meta WHERE collection = ?`,
		collection)

	meta, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return &record.SyncMetadata{Collection: collection}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync metadata for %s: %w", collection, err)
	}
	return meta, nil
}

// AllMetadata returns bookkeeping for every known collection.
func (s *Store) AllMetadata(ctx context.Context) ([]*record.SyncMetadata, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT collection, last_sync_at, pending_count FROM sync_meta ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync metadata: %w", err)
	}
	defer rows.Close()

	var metas []*record.SyncMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync metadata: %w", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync metadata: %w", err)
	}
	return metas, nil
}

// SetLastSync stamps a collection's last successful sync time and
// refreshes its pending count from the queue. Updated only by the
// reconciliation engine.
func (s *Store) SetLastSync(ctx context.Context, collection string, at time.Time) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_meta (collection, last_sync_at, pending_count)
	VALUES (?, ?, (SELECT COUNT(*) FROM pending_changes WHERE collection = ? AND failed = 0))
	ON CONFLICT(collection) DO UPDATE SET
		last_sync_at = excluded.last_sync_at,
		pending_count = excluded.pending_count
	`, collection, at.UTC().Format(time.RFC3339Nano), collection)
	if err != nil {
		return fmt.Errorf("failed to update sync metadata for %s: %w", collection, err)
	}
	return nil
}

// RefreshPendingCount recomputes a collection's pending count without
// touching its last sync time.
func (s *Store) RefreshPendingCount(ctx context.Context, collection string) error {
	_, err := s.conn.ExecContext(ctx, `
	INSERT INTO sync_meta (collection, pending_count)
	VALUES (?, (SELECT COUNT(*) FROM pending_changes WHERE collection = ? AND failed = 0))
	ON CONFLICT(collection) DO UPDATE SET
		pending_count = excluded.pending_count
	`, collection, collection)
	if err != nil {
		return fmt.Errorf("failed to refresh pending count for %s: %w", collection, err)
	}
	return nil
}

func scanMetadata(row rowScanner) (*record.SyncMetadata, error) {
	var meta record.SyncMetadata
	var lastSyncAt sql.NullString

	if err := row.Scan(&meta.Collection, &lastSyncAt, &meta.PendingCount); err != nil {
		return nil, err
	}
	meta.LastSyncAt = nullStringToTime(lastSyncAt)
	return &meta, nil
}
