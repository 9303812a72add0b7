package record

import (
	"testing"
	"time"
)

func newChange(op Operation, snapshot Payload) *PendingChange {
	return &PendingChange{
		Collection: "notes",
		RecordID:   "rec-1",
		Operation:  op,
		Snapshot:   snapshot,
		Schema:     1,
		CreatedAt:  time.Now(),
	}
}

func TestCoalesceWith_InsertThenUpdate(t *testing.T) {
	c := newChange(OpInsert, Payload{"title": "v1"})

	cancelled := c.CoalesceWith(OpUpdate, Payload{"title": "v2"}, 1)
	if cancelled {
		t.Fatal("insert+update should not cancel")
	}
	if c.Operation != OpInsert {
		t.Errorf("expected insert to stay insert, got %s", c.Operation)
	}
	if c.Snapshot["title"] != "v2" {
		t.Errorf("expected snapshot v2, got %v", c.Snapshot["title"])
	}
}

func TestCoalesceWith_UpdateThenUpdate(t *testing.T) {
	c := newChange(OpUpdate, Payload{"title": "v1"})

	if cancelled := c.CoalesceWith(OpUpdate, Payload{"title": "v2"}, 2); cancelled {
		t.Fatal("update+update should not cancel")
	}
	if c.Operation != OpUpdate {
		t.Errorf("expected update, got %s", c.Operation)
	}
	if c.Snapshot["title"] != "v2" {
		t.Errorf("expected last write to win, got %v", c.Snapshot["title"])
	}
	if c.Schema != 2 {
		t.Errorf("expected schema 2, got %d", c.Schema)
	}
}

func TestCoalesceWith_InsertThenDelete(t *testing.T) {
	c := newChange(OpInsert, Payload{"title": "v1"})

	if cancelled := c.CoalesceWith(OpDelete, nil, 1); !cancelled {
		t.Fatal("insert+delete must cancel out")
	}
}

func TestCoalesceWith_UpdateThenDelete(t *testing.T) {
	c := newChange(OpUpdate, Payload{"title": "v1"})

	if cancelled := c.CoalesceWith(OpDelete, nil, 1); cancelled {
		t.Fatal("update+delete should become a delete, not cancel")
	}
	if c.Operation != OpDelete {
		t.Errorf("expected delete, got %s", c.Operation)
	}
	if c.Snapshot == nil || c.Snapshot["title"] != "v1" {
		t.Errorf("delete must keep the prior snapshot for restore, got %v", c.Snapshot)
	}
}

func TestCoalesceWith_DeleteThenDelete(t *testing.T) {
	c := newChange(OpDelete, Payload{"title": "v1"})

	if cancelled := c.CoalesceWith(OpDelete, nil, 1); cancelled {
		t.Fatal("delete+delete should stay a delete")
	}
	if c.Operation != OpDelete {
		t.Errorf("expected delete, got %s", c.Operation)
	}
}

func TestCoalesceWith_DeleteThenInsert(t *testing.T) {
	c := newChange(OpDelete, Payload{"title": "old"})

	if cancelled := c.CoalesceWith(OpInsert, Payload{"title": "new"}, 1); cancelled {
		t.Fatal("delete+insert should become an insert")
	}
	if c.Operation != OpInsert {
		t.Errorf("expected insert, got %s", c.Operation)
	}
	if c.Snapshot["title"] != "new" {
		t.Errorf("expected new snapshot, got %v", c.Snapshot["title"])
	}
}

func TestCoalesceWith_CloneIsolation(t *testing.T) {
	incoming := Payload{"title": "v2"}
	c := newChange(OpUpdate, Payload{"title": "v1"})
	c.CoalesceWith(OpUpdate, incoming, 1)

	incoming["title"] = "mutated"
	if c.Snapshot["title"] != "v2" {
		t.Error("coalesced snapshot must not alias the caller's map")
	}
}

func TestPendingChangeValidate(t *testing.T) {
	valid := newChange(OpUpdate, Payload{"a": 1})
	if err := valid.Validate(); err != nil {
		t.Errorf("valid change rejected: %v", err)
	}

	missing := newChange(OpUpdate, nil)
	if err := missing.Validate(); err == nil {
		t.Error("update without snapshot should be rejected")
	}

	del := newChange(OpDelete, nil)
	if err := del.Validate(); err != nil {
		t.Errorf("delete without snapshot should be allowed: %v", err)
	}

	bad := newChange(Operation("merge"), Payload{"a": 1})
	if err := bad.Validate(); err == nil {
		t.Error("unknown operation should be rejected")
	}
}
