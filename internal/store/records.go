package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

// Insert creates a new local record and queues an insert change.
//
// If the payload carries a non-empty "id" string it is used as the
// record id (stable external identity); otherwise one is assigned.
// The row is stamped and persisted with sync_status=pending, and an
// insert is appended to the pending-change queue, coalesced per record.
// Row and queue entry are written in one transaction.
func (s *Store) Insert(collection, scope string, schemaVersion int, payload record.Payload) (string, error) {
	return s.InsertContext(context.Background(), collection, scope, schemaVersion, payload)
}

// InsertContext creates a new local record with context support.
func (s *Store) InsertContext(ctx context.Context, collection, scope string, schemaVersion int, payload record.Payload) (string, error) {
	if collection == "" {
		return "", fmt.Errorf("collection is required")
	}
	if payload == nil {
		return "", fmt.Errorf("payload is required")
	}

	id, _ := payload["id"].(string)
	if id == "" {
		id = record.NewID()
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := nowString()
	_, err = tx.ExecContext(ctx, `
	INSERT INTO records (collection, id, scope, schema_version, payload, sync_status, last_modified)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, collection, id, scope, schemaVersion, string(payloadJSON), record.StatusPending, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert record: %w", err)
	}

	if err := s.enqueueTx(ctx, tx, collection, id, scope, schemaVersion, record.OpInsert, payload); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	return id, nil
}

// Update merges a partial payload into the stored record and queues an
// update change, coalescing into an existing queue entry if one exists.
func (s *Store) Update(collection, id string, partial record.Payload) error {
	return s.UpdateContext(context.Background(), collection, id, partial)
}

// UpdateContext merges a partial payload with context support.
func (s *Store) UpdateContext(ctx context.Context, collection, id string, partial record.Payload) error {
	if len(partial) == 0 {
		return fmt.Errorf("partial payload is required")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payloadJSON, scope string
	var schemaVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT payload, scope, schema_version FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&payloadJSON, &scope, &schemaVersion)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load record %s/%s: %w", collection, id, err)
	}

	var payload record.Payload
	if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	for k, v := range partial {
		payload[k] = v
	}

	merged, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
	UPDATE records SET payload = ?, sync_status = ?, last_modified = ?
	WHERE collection = ? AND id = ?
	`, string(merged), record.StatusPending, nowString(), collection, id)
	if err != nil {
		return fmt.Errorf("failed to update record: %w", err)
	}

	if err := s.enqueueTx(ctx, tx, collection, id, scope, schemaVersion, record.OpUpdate, payload); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// Delete removes the local row immediately and coalesces the queue
// entry for the record into a single delete.
//
// The UI-visible effect is instantaneous; remote confirmation happens
// on a later pass. The pre-delete payload is kept as the queue snapshot
// so the row can be restored if the remote delete permanently fails.
// Returns nil if the record doesn't exist (idempotent).
func (s *Store) Delete(collection, id string) error {
	return s.DeleteContext(context.Background(), collection, id)
}

// DeleteContext removes a record with context support.
func (s *Store) DeleteContext(ctx context.Context, collection, id string) error {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var payloadJSON, scope string
	var schemaVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT payload, scope, schema_version FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&payloadJSON, &scope, &schemaVersion)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load record %s/%s: %w", collection, id, err)
	}

	var snapshot record.Payload
	if err := json.Unmarshal([]byte(payloadJSON), &snapshot); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}

	if err := s.enqueueTx(ctx, tx, collection, id, scope, schemaVersion, record.OpDelete, snapshot); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// FindAll returns the records of a collection, optionally filtered by
// scope. Returns an empty slice (not an error) when nothing matches.
func (s *Store) FindAll(collection, scope string) ([]*record.Record, error) {
	return s.FindAllContext(context.Background(), collection, scope)
}

// FindAllContext returns scoped records with context support.
func (s *Store) FindAllContext(ctx context.Context, collection, scope string) ([]*record.Record, error) {
	var conditions []string
	var args []interface{}

	conditions = append(conditions, "collection = ?")
	args = append(args, collection)

	if scope != "" {
		conditions = append(conditions, "scope = ?")
		args = append(args, scope)
	}

	query := `
	SELECT collection, id, scope, schema_version, payload, sync_status, last_modified
	FROM records
	WHERE ` + strings.Join(conditions, " AND ") + `
	ORDER BY last_modified ASC, id ASC
	`

	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

// FindByID retrieves a single record.
// Returns ErrNotFound if the record does not exist.
func (s *Store) FindByID(collection, id string) (*record.Record, error) {
	return s.FindByIDContext(context.Background(), collection, id)
}

// FindByIDContext retrieves a single record with context support.
func (s *Store) FindByIDContext(ctx context.Context, collection, id string) (*record.Record, error) {
	row := s.conn.QueryRowContext(ctx, `
	SELECT collection, id, scope, schema_version, payload, sync_status, last_modified
	FROM records
	WHERE collection = ? AND id = ?
	`, collection, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record %s/%s: %w", collection, id, err)
	}
	return rec, nil
}

// UpsertMirrored writes a remote row into the cache tagged synced.
//
// Rows that carry local state are left untouched: an existing row is
// only overwritten when its sync_status is synced, so a background
// refresh can never clobber a pending local edit or an open conflict.
func (s *Store) UpsertMirrored(ctx context.Context, rec *record.Record) error {
	rec.SyncStatus = record.StatusSynced
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := `
	INSERT INTO records (collection, id, scope, schema_version, payload, sync_status, last_modified)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(collection, id) DO UPDATE SET
		scope = excluded.scope,
		schema_version = excluded.schema_version,
		payload = excluded.payload,
		sync_status = excluded.sync_status,
		last_modified = excluded.last_modified
	WHERE records.sync_status = 'synced'
	`

	_, err = s.conn.ExecContext(ctx, query,
		rec.Collection,
		rec.ID,
		rec.Scope,
		rec.Schema,
		string(payloadJSON),
		record.StatusSynced,
		rec.LastModified.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Collection, rec.ID, err)
	}

	return nil
}

// MarkSynced flags a record as matching the confirmed remote state.
// A row with an effective queued change is left pending: a write that
// landed after the confirmation still owns the row's status.
func (s *Store) MarkSynced(ctx context.Context, collection, id string) error {
	_, err := s.conn.ExecContext(ctx, `
	UPDATE records SET sync_status = ?
	WHERE collection = ? AND id = ?
	  AND NOT EXISTS (
	      SELECT 1 FROM pending_changes
	      WHERE collection = ? AND record_id = ? AND failed = 0
	  )
	`, record.StatusSynced, collection, id, collection, id)
	if err != nil {
		return fmt.Errorf("failed to set status on %s/%s: %w", collection, id, err)
	}
	return nil
}

// MarkConflicted flags a record as referenced by an open conflict.
func (s *Store) MarkConflicted(ctx context.Context, collection, id string) error {
	return s.setStatus(ctx, collection, id, record.StatusConflicted)
}

func (s *Store) setStatus(ctx context.Context, collection, id string, status record.Status) error {
	_, err := s.conn.ExecContext(ctx,
		`UPDATE records SET sync_status = ? WHERE collection = ? AND id = ?`,
		status, collection, id)
	if err != nil {
		return fmt.Errorf("failed to set status on %s/%s: %w", collection, id, err)
	}
	return nil
}

// Collections returns the distinct collection names present in the cache.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `
	SELECT collection FROM records
	UNION
	SELECT collection FROM pending_changes
	UNION
	SELECT collection FROM sync_meta
	ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query collections: %w", err)
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

// rowScanner abstracts *sql.Row and *sql.Rows for the scan helpers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*record.Record, error) {
	var rec record.Record
	var payloadJSON, lastModified string

	err := row.Scan(
		&rec.Collection,
		&rec.ID,
		&rec.Scope,
		&rec.Schema,
		&payloadJSON,
		&rec.SyncStatus,
		&lastModified,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, lastModified); err == nil {
		rec.LastModified = t
	}

	return &rec, nil
}

func scanRecords(rows *sql.Rows) ([]*record.Record, error) {
	records := []*record.Record{}

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}

	return records, nil
}
