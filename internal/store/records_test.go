package store

import (
	"context"
	"testing"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
)

func TestInsert_QueuesChangeAndMarksPending(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.InsertContext(ctx, "notes", "tenant-a", 1, record.Payload{"title": "hello"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected a generated id")
	}

	rec, err := st.FindByIDContext(ctx, "notes", id)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if rec.SyncStatus != record.StatusPending {
		t.Errorf("freshly inserted row must be pending, got %s", rec.SyncStatus)
	}
	if rec.Scope != "tenant-a" {
		t.Errorf("expected scope tenant-a, got %q", rec.Scope)
	}

	change, err := st.PendingChange(ctx, "notes", id)
	if err != nil {
		t.Fatalf("pending change lookup failed: %v", err)
	}
	if change == nil || change.Operation != record.OpInsert {
		t.Fatalf("expected a queued insert, got %+v", change)
	}
}

func TestInsert_HonorsCallerProvidedID(t *testing.T) {
	st := newTestStore(t)

	id, err := st.Insert("notes", "", 1, record.Payload{"id": "my-id", "title": "x"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if id != "my-id" {
		t.Errorf("expected caller id to be honored, got %q", id)
	}
}

func TestUpdate_MergesPartialPayload(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"title": "v1", "body": "keep"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	if err := st.UpdateContext(ctx, "notes", id, record.Payload{"title": "v2"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	rec, err := st.FindByIDContext(ctx, "notes", id)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if rec.Payload["title"] != "v2" {
		t.Errorf("expected updated title, got %v", rec.Payload["title"])
	}
	if rec.Payload["body"] != "keep" {
		t.Errorf("partial update must keep untouched keys, got %v", rec.Payload["body"])
	}
}

func TestUpdate_MissingRecord(t *testing.T) {
	st := newTestStore(t)

	err := st.Update("notes", "nope", record.Payload{"title": "x"})
	if err == nil {
		t.Fatal("updating a missing record should fail")
	}
}

func TestDelete_RemovesRowImmediately(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	rec := &record.Record{
		ID:           "rec-1",
		Collection:   "notes",
		Schema:       1,
		Payload:      record.Payload{"title": "synced"},
		LastModified: time.Now(),
	}
	if err := st.UpsertMirrored(ctx, rec); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}

	if err := st.DeleteContext(ctx, "notes", "rec-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := st.FindByIDContext(ctx, "notes", "rec-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}

	change, err := st.PendingChange(ctx, "notes", "rec-1")
	if err != nil {
		t.Fatalf("pending change lookup failed: %v", err)
	}
	if change == nil || change.Operation != record.OpDelete {
		t.Fatalf("expected a queued delete, got %+v", change)
	}
	if change.Snapshot == nil || change.Snapshot["title"] != "synced" {
		t.Errorf("delete must keep the pre-delete snapshot, got %v", change.Snapshot)
	}
}

func TestDelete_MissingRecordIsIdempotent(t *testing.T) {
	st := newTestStore(t)

	if err := st.Delete("notes", "never-existed"); err != nil {
		t.Errorf("delete of missing record should be a no-op, got %v", err)
	}
}

func TestFindAll_ScopeFilter(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i, scope := range []string{"a", "a", "b"} {
		_, err := st.InsertContext(ctx, "notes", scope, 1, record.Payload{"n": i})
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}

	scoped, err := st.FindAllContext(ctx, "notes", "a")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(scoped) != 2 {
		t.Errorf("expected 2 records in scope a, got %d", len(scoped))
	}

	all, err := st.FindAllContext(ctx, "notes", "")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 records without scope filter, got %d", len(all))
	}
}

func TestFindAll_EmptyCollection(t *testing.T) {
	st := newTestStore(t)

	rows, err := st.FindAll("ghosts", "")
	if err != nil {
		t.Fatalf("empty collection must not be an error: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func TestUpsertMirrored_NeverClobbersLocalState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"title": "local edit"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	remote := &record.Record{
		ID:           id,
		Collection:   "notes",
		Schema:       1,
		Payload:      record.Payload{"title": "remote version"},
		LastModified: time.Now(),
	}
	if err := st.UpsertMirrored(ctx, remote); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}

	rec, err := st.FindByIDContext(ctx, "notes", id)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if rec.Payload["title"] != "local edit" {
		t.Errorf("mirror overwrote a pending local edit: %v", rec.Payload["title"])
	}
	if rec.SyncStatus != record.StatusPending {
		t.Errorf("sync status changed by mirror: %s", rec.SyncStatus)
	}
}

func TestUpsertMirrored_UpdatesSyncedRows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first := &record.Record{
		ID: "rec-1", Collection: "notes", Schema: 1,
		Payload: record.Payload{"title": "v1"}, LastModified: time.Now(),
	}
	if err := st.UpsertMirrored(ctx, first); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}

	second := &record.Record{
		ID: "rec-1", Collection: "notes", Schema: 1,
		Payload: record.Payload{"title": "v2"}, LastModified: time.Now(),
	}
	if err := st.UpsertMirrored(ctx, second); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}

	rec, err := st.FindByIDContext(ctx, "notes", "rec-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if rec.Payload["title"] != "v2" {
		t.Errorf("synced row should track the remote, got %v", rec.Payload["title"])
	}
}

func TestCollections_UnionAcrossTables(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if _, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"a": 1}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if err := st.SetLastSync(ctx, "tasks", time.Now()); err != nil {
		t.Fatalf("set last sync failed: %v", err)
	}

	names, err := st.Collections(ctx)
	if err != nil {
		t.Fatalf("collections query failed: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected notes and tasks, got %v", names)
	}
}
