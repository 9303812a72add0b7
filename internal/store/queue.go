package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

// enqueueTx folds a local mutation into the pending-change queue inside
// an existing transaction.
//
// If an effective change already exists for the record it is coalesced
// per record.PendingChange.CoalesceWith; an insert followed by a delete
// cancels the entry entirely so the record never reaches the remote.
func (s *Store) enqueueTx(ctx context.Context, tx *sql.Tx, collection, id, scope string, schemaVersion int, op record.Operation, snapshot record.Payload) error {
	existing, err := pendingChangeTx(ctx, tx, collection, id)
	if err != nil {
		return err
	}

	if existing == nil {
		change := &record.PendingChange{
			Collection: collection,
			RecordID:   id,
			Operation:  op,
			Snapshot:   snapshot.Clone(),
			Schema:     schemaVersion,
			Scope:      scope,
			CreatedAt:  time.Now().UTC(),
		}
		if err := change.Validate(); err != nil {
			return fmt.Errorf("invalid pending change: %w", err)
		}
		return insertChangeTx(ctx, tx, change)
	}

	if cancelled := existing.CoalesceWith(op, snapshot, schemaVersion); cancelled {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM pending_changes WHERE seq = ?`, existing.Seq); err != nil {
			return fmt.Errorf("failed to cancel pending change: %w", err)
		}
		return nil
	}

	snapshotJSON, err := marshalSnapshot(existing.Snapshot)
	if err != nil {
		return err
	}

	// The version bump invalidates any confirmation of the entry's
	// prior contents still in flight against the remote.
	_, err = tx.ExecContext(ctx, `
	UPDATE pending_changes SET operation = ?, snapshot = ?, schema_version = ?, version = version + 1
	WHERE seq = ?
	`, existing.Operation, snapshotJSON, existing.Schema, existing.Seq)
	if err != nil {
		return fmt.Errorf("failed to coalesce pending change: %w", err)
	}

	return nil
}

// EnqueueChange appends a fresh pending change outside of a record
// mutation, coalescing with any effective entry for the record.
//
// Used by conflict resolution to re-queue the winning payload.
func (s *Store) EnqueueChange(ctx context.Context, change *record.PendingChange) error {
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}
	if err := change.Validate(); err != nil {
		return fmt.Errorf("invalid pending change: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.enqueueTx(ctx, tx, change.Collection, change.RecordID, change.Scope, change.Schema, change.Operation, change.Snapshot); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// PendingChanges returns the effective queue for one collection,
// ordered by creation (queue sequence) ascending.
// Quarantined changes are excluded.
func (s *Store) PendingChanges(ctx context.Context, collection string) ([]*record.PendingChange, error) {
	rows, err := s.conn.QueryContext(ctx, changeSelect+`
	WHERE collection = ? AND failed = 0
	ORDER BY seq ASC
	`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending changes: %w", err)
	}
	defer rows.Close()

	return scanChanges(rows)
}

// PendingChange returns the effective queue entry for one record, or
// nil when the record has nothing queued.
func (s *Store) PendingChange(ctx context.Context, collection, id string) (*record.PendingChange, error) {
	row := s.conn.QueryRowContext(ctx, changeSelect+`
	WHERE collection = ? AND record_id = ? AND failed = 0
	`, collection, id)

	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending change for %s/%s: %w", collection, id, err)
	}
	return change, nil
}

// PendingCollections returns collections that currently have effective
// queued changes.
func (s *Store) PendingCollections(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT DISTINCT collection FROM pending_changes WHERE failed = 0 ORDER BY collection`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending collections: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}
	return names, nil
}

// PendingCount returns the number of effective queued changes for a
// collection.
func (s *Store) PendingCount(ctx context.Context, collection string) (int, error) {
	var count int
	err := s.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_changes WHERE collection = ? AND failed = 0`,
		collection).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending changes: %w", err)
	}
	return count, nil
}

// ConfirmChange removes a queue entry after confirmed remote success,
// but only if no newer local mutation coalesced into the entry while
// the remote call was in flight. Reports whether the entry was removed;
// false means the entry now carries a newer snapshot and must stay
// queued.
func (s *Store) ConfirmChange(ctx context.Context, seq, version int64) (bool, error) {
	res, err := s.conn.ExecContext(ctx,
		`DELETE FROM pending_changes WHERE seq = ? AND version = ?`, seq, version)
	if err != nil {
		return false, fmt.Errorf("failed to confirm change %d: %w", seq, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to confirm change %d: %w", seq, err)
	}
	return n > 0, nil
}

// RecordAttempt bumps the retry counter after a failed remote attempt
// and records the failure reason. The change stays queued.
func (s *Store) RecordAttempt(ctx context.Context, seq int64, attemptErr string) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE pending_changes
	SET retry_count = retry_count + 1, last_attempt_at = ?, last_error = ?
	WHERE seq = ?
	`, nowString(), attemptErr, seq)
	if err != nil {
		return fmt.Errorf("failed to record attempt on change %d: %w", seq, err)
	}
	return nil
}

// QuarantineChange marks a change terminally failed after the retry cap
// or a permanent remote rejection. The entry is kept for operator
// visibility until vacuumed.
//
// A quarantined delete restores the local row from the queued snapshot
// as conflicted and records a delete-update conflict, so a remote that
// refuses the delete leaves a resolvable divergence instead of a
// silently vanished row.
func (s *Store) QuarantineChange(ctx context.Context, change *record.PendingChange, reason string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	UPDATE pending_changes
	SET failed = 1, last_attempt_at = ?, last_error = ?
	WHERE seq = ?
	`, nowString(), reason, change.Seq)
	if err != nil {
		return fmt.Errorf("failed to quarantine change %d: %w", change.Seq, err)
	}

	if change.Operation == record.OpDelete && change.Snapshot != nil {
		snapshotJSON, err := json.Marshal(change.Snapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, scope, schema_version, payload, sync_status, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection, id) DO UPDATE SET
			payload = excluded.payload,
			sync_status = excluded.sync_status,
			last_modified = excluded.last_modified
		`, change.Collection, change.RecordID, change.Scope, change.Schema,
			string(snapshotJSON), record.StatusConflicted, nowString())
		if err != nil {
			return fmt.Errorf("failed to restore record %s/%s: %w", change.Collection, change.RecordID, err)
		}

		// The remote's actual copy is unknown at quarantine time (the
		// delete was rejected without one), so the conflict carries the
		// pre-delete snapshot as its remote side: remote-wins keeps the
		// restored row, local-wins re-attempts the delete.
		conflict := &record.Conflict{
			ID:            record.NewID(),
			Collection:    change.Collection,
			RecordID:      change.RecordID,
			RemotePayload: change.Snapshot.Clone(),
			Type:          record.ConflictDeleteUpdate,
			Resolution:    record.StrategyUnresolved,
			DetectedAt:    time.Now().UTC(),
		}
		if err := upsertConflictTx(ctx, tx, conflict); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// FailedChanges returns quarantined changes for operator inspection.
func (s *Store) FailedChanges(ctx context.Context) ([]*record.PendingChange, error) {
	rows, err := s.conn.QueryContext(ctx, changeSelect+`
	WHERE failed = 1
	ORDER BY seq ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed changes: %w", err)
	}
	defer rows.Close()

	return scanChanges(rows)
}

const changeSelect = `
	SELECT seq, collection, record_id, operation, snapshot, schema_version, scope,
	       version, created_at, retry_count, last_attempt_at, last_error, failed
	FROM pending_changes
`

func pendingChangeTx(ctx context.Context, tx *sql.Tx, collection, id string) (*record.PendingChange, error) {
	row := tx.QueryRowContext(ctx, changeSelect+`
	WHERE collection = ? AND record_id = ? AND failed = 0
	`, collection, id)

	change, err := scanChange(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pending change for %s/%s: %w", collection, id, err)
	}
	return change, nil
}

func insertChangeTx(ctx context.Context, tx *sql.Tx, change *record.PendingChange) error {
	snapshotJSON, err := marshalSnapshot(change.Snapshot)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO pending_changes (collection, record_id, operation, snapshot, schema_version, scope, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, change.Collection, change.RecordID, change.Operation, snapshotJSON,
		change.Schema, change.Scope, change.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to enqueue change for %s/%s: %w", change.Collection, change.RecordID, err)
	}
	return nil
}

func marshalSnapshot(snapshot record.Payload) (sql.NullString, error) {
	if snapshot == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(snapshot)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func scanChange(row rowScanner) (*record.PendingChange, error) {
	var change record.PendingChange
	var snapshotJSON, lastAttemptAt, lastError sql.NullString
	var createdAt string
	var failed int

	err := row.Scan(
		&change.Seq,
		&change.Collection,
		&change.RecordID,
		&change.Operation,
		&snapshotJSON,
		&change.Schema,
		&change.Scope,
		&change.Version,
		&createdAt,
		&change.RetryCount,
		&lastAttemptAt,
		&lastError,
		&failed,
	)
	if err != nil {
		return nil, err
	}

	if snapshotJSON.Valid {
		if err := json.Unmarshal([]byte(snapshotJSON.String), &change.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		change.CreatedAt = t
	}
	change.LastAttemptAt = nullStringToTime(lastAttemptAt)
	if lastError.Valid {
		change.LastError = lastError.String
	}
	change.Failed = failed != 0

	return &change, nil
}

func scanChanges(rows *sql.Rows) ([]*record.PendingChange, error) {
	var changes []*record.PendingChange
	for rows.Next() {
		change, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending change: %w", err)
		}
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending changes: %w", err)
	}
	return changes, nil
}
