package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

// ErrAlreadyResolved is returned when resolving a conflict twice.
var ErrAlreadyResolved = fmt.Errorf("conflict already resolved")

// ApplyResolution resolves a conflict with the given strategy.
//
// The whole resolution runs in one transaction: the queue, the record
// row, and the conflict are either all updated or none are.
//
//   - local-wins: discards the remote payload and re-enqueues the local
//     payload as a fresh pending change.
//   - remote-wins: discards the queued local change and overwrites the
//     local row with the remote payload (or deletes it when the remote
//     side was a delete).
//   - manual-merge: requires merged; the merged payload replaces the
//     local row and is enqueued as a fresh pending change.
//
// Any queue entry for the record, including a quarantined one, is
// removed before the winning payload is re-enqueued.
func (s *Store) ApplyResolution(ctx context.Context, conflictID string, strategy record.Strategy, merged record.Payload) error {
	if !record.ValidResolution(strategy) {
		return fmt.Errorf("invalid resolution strategy %q", strategy)
	}
	if strategy == record.StrategyManualMerge && merged == nil {
		return fmt.Errorf("manual-merge requires a merged payload")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, conflictSelect+` WHERE id = ?`, conflictID)
	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load conflict %s: %w", conflictID, err)
	}
	if conflict.Resolved() {
		return ErrAlreadyResolved
	}

	scope, schemaVersion, err := recordMetaTx(ctx, tx, conflict.Collection, conflict.RecordID)
	if err != nil {
		return err
	}

	// Drop every queue entry for the record, quarantined or not; the
	// strategy below decides what, if anything, gets re-enqueued.
	_, err = tx.ExecContext(ctx,
		`DELETE FROM pending_changes WHERE collection = ? AND record_id = ?`,
		conflict.Collection, conflict.RecordID)
	if err != nil {
		return fmt.Errorf("failed to clear queue for %s/%s: %w", conflict.Collection, conflict.RecordID, err)
	}

	switch strategy {
	case record.StrategyLocalWins:
		err = resolveLocalWinsTx(ctx, tx, conflict, scope, schemaVersion)
	case record.StrategyRemoteWins:
		err = resolveRemoteWinsTx(ctx, tx, conflict, scope, schemaVersion)
	case record.StrategyManualMerge:
		err = resolveManualMergeTx(ctx, tx, conflict, merged, scope, schemaVersion)
	}
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE conflicts SET resolution_strategy = ?, resolved_at = ? WHERE id = ?`,
		strategy, nowString(), conflictID)
	if err != nil {
		return fmt.Errorf("failed to mark conflict resolved: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// resolveLocalWinsTx re-enqueues the local side of the divergence.
//
// A local update is queued as an update, or as an insert when the
// remote copy is gone. A local delete is queued as a delete and the
// (possibly restored) local row is removed again.
func resolveLocalWinsTx(ctx context.Context, tx *sql.Tx, conflict *record.Conflict, scope string, schemaVersion int) error {
	now := time.Now().UTC()

	if conflict.LocalPayload == nil {
		// Local side was a delete.
		_, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND id = ?`,
			conflict.Collection, conflict.RecordID)
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return insertChangeTx(ctx, tx, &record.PendingChange{
			Collection: conflict.Collection,
			RecordID:   conflict.RecordID,
			Operation:  record.OpDelete,
			Snapshot:   conflict.RemotePayload.Clone(),
			Schema:     schemaVersion,
			Scope:      scope,
			CreatedAt:  now,
		})
	}

	op := record.OpUpdate
	if conflict.RemotePayload == nil {
		// Remote copy is gone; the apply must re-create it.
		op = record.OpInsert
	}

	if err := writeRecordTx(ctx, tx, conflict, conflict.LocalPayload, record.StatusPending, scope, schemaVersion); err != nil {
		return err
	}

	return insertChangeTx(ctx, tx, &record.PendingChange{
		Collection: conflict.Collection,
		RecordID:   conflict.RecordID,
		Operation:  op,
		Snapshot:   conflict.LocalPayload.Clone(),
		Schema:     schemaVersion,
		Scope:      scope,
		CreatedAt:  now,
	})
}

// resolveRemoteWinsTx makes the local row match the remote copy and
// queues nothing.
func resolveRemoteWinsTx(ctx context.Context, tx *sql.Tx, conflict *record.Conflict, scope string, schemaVersion int) error {
	if conflict.RemotePayload == nil {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND id = ?`,
			conflict.Collection, conflict.RecordID)
		if err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return nil
	}

	return writeRecordTx(ctx, tx, conflict, conflict.RemotePayload, record.StatusSynced, scope, schemaVersion)
}

// resolveManualMergeTx installs the merged payload locally and queues
// it for the remote.
func resolveManualMergeTx(ctx context.Context, tx *sql.Tx, conflict *record.Conflict, merged record.Payload, scope string, schemaVersion int) error {
	op := record.OpUpdate
	if conflict.RemotePayload == nil {
		op = record.OpInsert
	}

	if err := writeRecordTx(ctx, tx, conflict, merged, record.StatusPending, scope, schemaVersion); err != nil {
		return err
	}

	return insertChangeTx(ctx, tx, &record.PendingChange{
		Collection: conflict.Collection,
		RecordID:   conflict.RecordID,
		Operation:  op,
		Snapshot:   merged.Clone(),
		Schema:     schemaVersion,
		Scope:      scope,
		CreatedAt:  time.Now().UTC(),
	})
}

func writeRecordTx(ctx context.Context, tx *sql.Tx, conflict *record.Conflict, payload record.Payload, status record.Status, scope string, schemaVersion int) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	INSERT INTO records (collection, id, scope, schema_version, payload, sync_status, last_modified)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified
	`, conflict.Collection, conflict.RecordID, scope, schemaVersion,
		string(payloadJSON), status, nowString())
	if err != nil {
		return fmt.Errorf("failed to write record %s/%s: %w", conflict.Collection, conflict.RecordID, err)
	}
	return nil
}

// recordMetaTx recovers the scope and schema version for a record from
// the row itself or, failing that, from any queue entry. Falls back to
// defaults for rows that vanished entirely.
func recordMetaTx(ctx context.Context, tx *sql.Tx, collection, id string) (string, int, error) {
	var scope string
	var schemaVersion int

	err := tx.QueryRowContext(ctx,
		`SELECT scope, schema_version FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&scope, &schemaVersion)
	if err == nil {
		return scope, schemaVersion, nil
	}
	if err != sql.ErrNoRows {
		return "", 0, fmt.Errorf("failed to load record meta: %w", err)
	}

	err = tx.QueryRowContext(ctx,
		`SELECT scope, schema_version FROM pending_changes WHERE collection = ? AND record_id = ? ORDER BY seq DESC LIMIT 1`,
		collection, id).Scan(&scope, &schemaVersion)
	if err == nil {
		return scope, schemaVersion, nil
	}
	if err != sql.ErrNoRows {
		return "", 0, fmt.Errorf("failed to load change meta: %w", err)
	}

	return "", 1, nil
}
