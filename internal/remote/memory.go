package remote

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

// Memory is an in-memory Client used by tests and the load generator.
//
// It implements the idempotent apply contract (keyed upserts, deletes
// of missing rows succeed) and supports scripted failure and conflict
// injection: InjectApplyError fails specific records, InjectFetchError
// fails reads, and Touch simulates another actor changing a row so the
// next apply against it reports a conflict.
type Memory struct {
	mu      sync.Mutex
	rows    map[string]map[string]*memoryRow // collection -> id -> row
	schemas map[string]int                   // expected schema per collection, 0 = any

	fetchErr  error
	applyErrs map[string]error // collection "/" id -> injected error

	applies int
	fetches int
}

type memoryRow struct {
	rec *record.Record

	// touched marks a concurrent remote modification since the last
	// successful apply; the next update/delete against the row
	// reports a conflict.
	touched bool
}

// NewMemory creates an empty in-memory remote.
func NewMemory() *Memory {
	return &Memory{
		rows:      make(map[string]map[string]*memoryRow),
		schemas:   make(map[string]int),
		applyErrs: make(map[string]error),
	}
}

// SetSchema sets the schema version the collection accepts.
// Applies carrying a different version are rejected permanently.
func (m *Memory) SetSchema(collection string, version int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schemas[collection] = version
}

// Seed installs a row without conflict bookkeeping, as if it had
// always existed remotely.
func (m *Memory) Seed(rec *record.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.collection(rec.Collection)[rec.ID] = &memoryRow{rec: cloneRecord(rec)}
}

// Touch simulates another actor updating a row: the payload keys in
// change are merged in, the modification time is bumped, and the next
// apply against the row reports a conflict.
func (m *Memory) Touch(collection, id string, change record.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.collection(collection)[id]
	if !ok {
		return
	}
	for k, v := range change {
		row.rec.Payload[k] = v
	}
	row.rec.LastModified = time.Now().UTC()
	row.touched = true
}

// Remove simulates another actor deleting a row remotely.
func (m *Memory) Remove(collection, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collection(collection), id)
}

// InjectFetchError makes every Fetch fail with err until cleared with nil.
func (m *Memory) InjectFetchError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErr = err
}

// InjectApplyError makes applies against one record fail with err
// until cleared with nil.
func (m *Memory) InjectApplyError(collection, id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := collection + "/" + id
	if err == nil {
		delete(m.applyErrs, key)
		return
	}
	m.applyErrs[key] = err
}

// Get returns a copy of a remote row.
func (m *Memory) Get(collection, id string) (*record.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.collection(collection)[id]
	if !ok {
		return nil, false
	}
	return cloneRecord(row.rec), true
}

// Count returns the number of rows in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.collection(collection))
}

// Applies returns how many Apply calls reached the remote.
func (m *Memory) Applies() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applies
}

// Fetch implements Client.
func (m *Memory) Fetch(ctx context.Context, collection string, filter Filter) ([]*record.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}

	var out []*record.Record
	for _, row := range m.collection(collection) {
		if filter.Scope != "" && row.rec.Scope != filter.Scope {
			continue
		}
		if filter.ModifiedSince != nil && row.rec.LastModified.Before(*filter.ModifiedSince) {
			continue
		}
		out = append(out, cloneRecord(row.rec))
	}
	return out, nil
}

// Apply implements Client.
func (m *Memory) Apply(ctx context.Context, collection string, change *record.PendingChange) (*ApplyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, Transient(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.applies++

	if err := m.applyErrs[collection+"/"+change.RecordID]; err != nil {
		return nil, err
	}

	// Schema validation happens at this boundary, not inside the core.
	if want := m.schemas[collection]; want != 0 && change.Schema != want {
		return nil, Permanent(fmt.Errorf("unsupported schema version %d for %s (want %d)", change.Schema, collection, want))
	}

	rows := m.collection(collection)
	row, exists := rows[change.RecordID]

	switch change.Operation {
	case record.OpInsert:
		// Keyed upsert: re-applying after a crash is a no-op, but a
		// concurrently modified row still surfaces as a conflict.
		if exists && row.touched {
			return &ApplyResult{Outcome: OutcomeConflict, Remote: row.rec.Payload.Clone()}, nil
		}
		rows[change.RecordID] = &memoryRow{rec: &record.Record{
			ID:           change.RecordID,
			Collection:   collection,
			Scope:        change.Scope,
			Schema:       change.Schema,
			Payload:      change.Snapshot.Clone(),
			SyncStatus:   record.StatusSynced,
			LastModified: time.Now().UTC(),
		}}
		return &ApplyResult{Outcome: OutcomeApplied}, nil

	case record.OpUpdate:
		if !exists {
			return &ApplyResult{Outcome: OutcomeConflict, Remote: nil}, nil
		}
		if row.touched {
			return &ApplyResult{Outcome: OutcomeConflict, Remote: row.rec.Payload.Clone()}, nil
		}
		row.rec.Payload = change.Snapshot.Clone()
		row.rec.Schema = change.Schema
		row.rec.LastModified = time.Now().UTC()
		return &ApplyResult{Outcome: OutcomeApplied}, nil

	case record.OpDelete:
		if !exists {
			// Deleting a missing row succeeds; a retried delete must
			// not report a new failure.
			return &ApplyResult{Outcome: OutcomeApplied}, nil
		}
		if row.touched {
			return &ApplyResult{Outcome: OutcomeConflict, Remote: row.rec.Payload.Clone()}, nil
		}
		delete(rows, change.RecordID)
		return &ApplyResult{Outcome: OutcomeApplied}, nil
	}

	return nil, Permanent(fmt.Errorf("unknown operation %q", change.Operation))
}

func (m *Memory) collection(name string) map[string]*memoryRow {
	rows, ok := m.rows[name]
	if !ok {
		rows = make(map[string]*memoryRow)
		m.rows[name] = rows
	}
	return rows
}

func cloneRecord(rec *record.Record) *record.Record {
	out := *rec
	out.Payload = rec.Payload.Clone()
	return &out
}
