package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

// UpsertConflict records a detected divergence.
//
// Exactly one open conflict exists per (collection, record id): if one
// is already open for the record it is updated in place with the fresh
// payloads rather than duplicated. The record's sync_status is set to
// conflicted in the same transaction.
func (s *Store) UpsertConflict(ctx context.Context, conflict *record.Conflict) error {
	if conflict.ID == "" {
		conflict.ID = record.NewID()
	}
	if conflict.Resolution == "" {
		conflict.Resolution = record.StrategyUnresolved
	}
	if conflict.DetectedAt.IsZero() {
		conflict.DetectedAt = time.Now().UTC()
	}
	if err := conflict.Validate(); err != nil {
		return fmt.Errorf("invalid conflict: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := upsertConflictTx(ctx, tx, conflict); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE records SET sync_status = ? WHERE collection = ? AND id = ?`,
		record.StatusConflicted, conflict.Collection, conflict.RecordID)
	if err != nil {
		return fmt.Errorf("failed to mark record conflicted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertConflictTx(ctx context.Context, tx *sql.Tx, conflict *record.Conflict) error {
	localJSON, err := marshalSnapshot(conflict.LocalPayload)
	if err != nil {
		return err
	}
	remoteJSON, err := marshalSnapshot(conflict.RemotePayload)
	if err != nil {
		return err
	}

	query := `
	INSERT INTO conflicts (id, collection, record_id, local_payload, remote_payload,
	                       conflict_type, resolution_strategy, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, record_id) WHERE resolved_at IS NULL DO UPDATE SET
		local_payload = excluded.local_payload,
		remote_payload = excluded.remote_payload,
		conflict_type = excluded.conflict_type,
		detected_at = excluded.detected_at
	`

	_, err = tx.ExecContext(ctx, query,
		conflict.ID,
		conflict.Collection,
		conflict.RecordID,
		localJSON,
		remoteJSON,
		conflict.Type,
		conflict.Resolution,
		conflict.DetectedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert conflict for %s/%s: %w", conflict.Collection, conflict.RecordID, err)
	}
	return nil
}

// OpenConflicts returns unresolved conflicts, oldest first.
func (s *Store) OpenConflicts(ctx context.Context) ([]*record.Conflict, error) {
	rows, err := s.conn.QueryContext(ctx, conflictSelect+`
	WHERE resolved_at IS NULL
	ORDER BY detected_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query open conflicts: %w", err)
	}
	defer rows.Close()

	return scanConflicts(rows)
}

// OpenConflict returns the open conflict for one record, or nil when
// the record has none.
func (s *Store) OpenConflict(ctx context.Context, collection, id string) (*record.Conflict, error) {
	row := s.conn.QueryRowContext(ctx, conflictSelect+`
	WHERE collection = ? AND record_id = ? AND resolved_at IS NULL
	`, collection, id)

	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict for %s/%s: %w", collection, id, err)
	}
	return conflict, nil
}

// GetConflict retrieves a conflict by id.
// Returns ErrNotFound if the conflict does not exist.
func (s *Store) GetConflict(ctx context.Context, id string) (*record.Conflict, error) {
	row := s.conn.QueryRowContext(ctx, conflictSelect+`
	WHERE id = ?
	`, id)

	conflict, err := scanConflict(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict %s: %w", id, err)
	}
	return conflict, nil
}

const conflictSelect = `
	SELECT id, collection, record_id, local_payload, remote_payload,
	       conflict_type, resolution_strategy, detected_at, resolved_at
	FROM conflicts
`

func scanConflict(row rowScanner) (*record.Conflict, error) {
	var conflict record.Conflict
	var localJSON, remoteJSON, resolvedAt sql.NullString
	var detectedAt string

	err := row.Scan(
		&conflict.ID,
		&conflict.Collection,
		&conflict.RecordID,
		&localJSON,
		&remoteJSON,
		&conflict.Type,
		&conflict.Resolution,
		&detectedAt,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if localJSON.Valid {
		if err := json.Unmarshal([]byte(localJSON.String), &conflict.LocalPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal local payload: %w", err)
		}
	}
	if remoteJSON.Valid {
		if err := json.Unmarshal([]byte(remoteJSON.String), &conflict.RemotePayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal remote payload: %w", err)
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, detectedAt); err == nil {
		conflict.DetectedAt = t
	}
	conflict.ResolvedAt = nullStringToTime(resolvedAt)

	return &conflict, nil
}

func scanConflicts(rows *sql.Rows) ([]*record.Conflict, error) {
	var conflicts []*record.Conflict
	for rows.Next() {
		conflict, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		conflicts = append(conflicts, conflict)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conflicts: %w", err)
	}
	return conflicts, nil
}
