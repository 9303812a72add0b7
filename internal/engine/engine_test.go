package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
	"github.com/ebb-sync/ebb/internal/remote"
	"github.com/ebb-sync/ebb/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	if err := st.InitSchema(); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return st
}

func quietConfig() *Config {
	return &Config{
		RetryCap:    3,
		BackoffBase: time.Millisecond,
		BackoffMax:  10 * time.Millisecond,
		Logger:      log.New(io.Discard, "", 0),
	}
}

func newTestEngine(t *testing.T, st *store.Store, client remote.Client) *Engine {
	t.Helper()
	return New(st, client, quietConfig(), nil)
}

func mustRun(t *testing.T, e *Engine) *Summary {
	t.Helper()
	ran, summary, err := e.TryRun(context.Background())
	if err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if !ran {
		t.Fatal("expected pass to run")
	}
	return summary
}

func TestTryRun_DrainsQueueToRemote(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	eng := newTestEngine(t, st, mem)
	ctx := context.Background()

	id, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"title": "offline note"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	summary := mustRun(t, eng)
	if summary.Applied != 1 {
		t.Errorf("expected 1 applied, got %d", summary.Applied)
	}

	if _, ok := mem.Get("notes", id); !ok {
		t.Error("insert never reached the remote")
	}

	rec, err := st.FindByIDContext(ctx, "notes", id)
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if rec.SyncStatus != record.StatusSynced {
		t.Errorf("drained record must be synced, got %s", rec.SyncStatus)
	}

	if changes, _ := st.PendingChanges(ctx, "notes"); len(changes) != 0 {
		t.Errorf("queue must be empty after drain, got %d changes", len(changes))
	}
}

func TestTryRun_SecondPassIsNoOp(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	eng := newTestEngine(t, st, mem)

	if _, err := st.InsertContext(context.Background(), "notes", "", 1, record.Payload{"a": 1}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	mustRun(t, eng)
	before := mem.Applies()

	summary := mustRun(t, eng)
	if summary.Applied != 0 {
		t.Errorf("second pass should apply nothing, got %d", summary.Applied)
	}
	if mem.Applies() != before {
		t.Errorf("second pass reached the remote %d extra times", mem.Applies()-before)
	}
}

func TestTryRun_TransientFailureStopsCollection(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	eng := newTestEngine(t, st, mem)
	ctx := context.Background()

	first, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"n": 1})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	second, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"n": 2})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	other, err := st.InsertContext(ctx, "tasks", "", 1, record.Payload{"n": 3})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	mem.InjectApplyError("notes", first, remote.Transient(errors.New("connection reset")))

	summary := mustRun(t, eng)

	// Ordering: the failed first change blocks the second for this pass.
	if _, ok := mem.Get("notes", second); ok {
		t.Error("a later change applied before an earlier unresolved one")
	}
	// Independence: the other collection drains fully.
	if _, ok := mem.Get("tasks", other); !ok {
		t.Error("sibling collection blocked by an unrelated transient failure")
	}
	if summary.Applied != 1 {
		t.Errorf("expected 1 applied (tasks), got %d", summary.Applied)
	}
	if summary.Deferred == 0 {
		t.Error("expected deferred changes in the failing collection")
	}

	// Both notes changes survive in order for the next pass.
	changes, _ := st.PendingChanges(ctx, "notes")
	if len(changes) != 2 {
		t.Fatalf("expected both notes changes still queued, got %d", len(changes))
	}
	if changes[0].RetryCount != 1 {
		t.Errorf("failed change must record the attempt, got retry %d", changes[0].RetryCount)
	}

	// Clearing the fault and waiting out the backoff converges everything.
	mem.InjectApplyError("notes", first, nil)
	time.Sleep(5 * time.Millisecond)
	mustRun(t, eng)
	if changes, _ := st.PendingChanges(ctx, "notes"); len(changes) != 0 {
		t.Errorf("queue should be empty after recovery, got %d", len(changes))
	}
}

func TestTryRun_BackoffDefersRetry(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	cfg := quietConfig()
	cfg.BackoffBase = time.Hour
	cfg.BackoffMax = time.Hour
	eng := New(st, mem, cfg, nil)
	ctx := context.Background()

	id, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"a": 1})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	mem.InjectApplyError("notes", id, remote.Transient(errors.New("down")))
	mustRun(t, eng)

	mem.InjectApplyError("notes", id, nil)
	before := mem.Applies()

	summary := mustRun(t, eng)
	if mem.Applies() != before {
		t.Error("change inside its backoff window must not be retried")
	}
	if summary.Deferred != 1 {
		t.Errorf("expected 1 deferred, got %d", summary.Deferred)
	}
}

func TestTryRun_PermanentFailureQuarantines(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	cfg := quietConfig()
	cfg.RetryCap = 1
	eng := New(st, mem, cfg, nil)
	ctx := context.Background()

	id, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"bad": true})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	after, err := st.InsertContext(ctx, "notes", "", 1, record.Payload{"good": true})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	mem.InjectApplyError("notes", id, remote.Permanent(errors.New("validation rejected")))

	summary := mustRun(t, eng)
	if summary.Quarantined != 1 {
		t.Errorf("expected 1 quarantined, got %d", summary.Quarantined)
	}

	// Permanent failures never block the rest of the collection.
	if _, ok := mem.Get("notes", after); !ok {
		t.Error("change after a permanent failure did not apply")
	}

	failed, _ := st.FailedChanges(ctx)
	if len(failed) != 1 || failed[0].RecordID != id {
		t.Fatalf("expected the rejected change quarantined, got %+v", failed)
	}
}

func TestTryRun_ConflictRecordedAndChangeStaysQueued(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	eng := newTestEngine(t, st, mem)
	ctx := context.Background()

	// A row both sides know about.
	rec := &record.Record{
		ID: "rec-1", Collection: "notes", Schema: 1,
		Payload: record.Payload{"title": "base"}, SyncStatus: record.StatusSynced,
		LastModified: time.Now(),
	}
	mem.Seed(rec)
	if err := st.UpsertMirrored(ctx, rec); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}

	// Local edit queued while another actor touches the remote copy.
	if err := st.UpdateContext(ctx, "notes", "rec-1", record.Payload{"title": "mine"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	mem.Touch("notes", "rec-1", record.Payload{"title": "theirs"})

	summary := mustRun(t, eng)
	if summary.Conflicts != 1 {
		t.Errorf("expected 1 conflict, got %d", summary.Conflicts)
	}

	conflict, err := st.OpenConflict(ctx, "notes", "rec-1")
	if err != nil || conflict == nil {
		t.Fatalf("expected an open conflict, err %v", err)
	}
	if conflict.Type != record.ConflictUpdateUpdate {
		t.Errorf("expected update-update, got %s", conflict.Type)
	}
	if conflict.RemotePayload["title"] != "theirs" {
		t.Errorf("conflict must carry the remote copy, got %v", conflict.RemotePayload)
	}

	// The change survives until explicit resolution.
	if changes, _ := st.PendingChanges(ctx, "notes"); len(changes) != 1 {
		t.Errorf("conflicted change must stay queued, got %d changes", len(changes))
	}
}

func TestResolve_RemoteWinsEndsTheConflict(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	eng := newTestEngine(t, st, mem)
	ctx := context.Background()

	rec := &record.Record{
		ID: "rec-1", Collection: "notes", Schema: 1,
		Payload: record.Payload{"title": "base"}, SyncStatus: record.StatusSynced,
		LastModified: time.Now(),
	}
	mem.Seed(rec)
	if err := st.UpsertMirrored(ctx, rec); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}
	if err := st.UpdateContext(ctx, "notes", "rec-1", record.Payload{"title": "mine"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	mem.Touch("notes", "rec-1", record.Payload{"title": "theirs"})
	mustRun(t, eng)

	conflict, _ := st.OpenConflict(ctx, "notes", "rec-1")
	if err := eng.Resolve(ctx, conflict.ID, record.StrategyRemoteWins, nil); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	local, err := st.FindByIDContext(ctx, "notes", "rec-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if local.Payload["title"] != "theirs" {
		t.Errorf("remote-wins must adopt the remote payload, got %v", local.Payload["title"])
	}
	if changes, _ := st.PendingChanges(ctx, "notes"); len(changes) != 0 {
		t.Error("remote-wins must clear the queue for the record")
	}
}

func TestResolve_InvalidStrategy(t *testing.T) {
	st := newTestStore(t)
	eng := newTestEngine(t, st, remote.NewMemory())

	err := eng.Resolve(context.Background(), "any", record.StrategyUnresolved, nil)
	if err == nil {
		t.Fatal("unresolved is not a valid resolution strategy")
	}
}

func TestTryRun_PullsRemoteDeltas(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	eng := newTestEngine(t, st, mem)
	ctx := context.Background()

	// Make the collection known locally.
	if err := st.SetLastSync(ctx, "notes", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("set last sync failed: %v", err)
	}

	mem.Seed(&record.Record{
		ID: "remote-1", Collection: "notes", Schema: 1,
		Payload: record.Payload{"title": "from afar"}, SyncStatus: record.StatusSynced,
		LastModified: time.Now(),
	})

	summary := mustRun(t, eng)
	if summary.Pulled != 1 {
		t.Errorf("expected 1 pulled, got %d", summary.Pulled)
	}

	rec, err := st.FindByIDContext(ctx, "notes", "remote-1")
	if err != nil {
		t.Fatalf("pulled row missing: %v", err)
	}
	if rec.SyncStatus != record.StatusSynced {
		t.Errorf("pulled row must be synced, got %s", rec.SyncStatus)
	}
}

func TestTryRun_PullSkipsRowsWithLocalState(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	eng := newTestEngine(t, st, mem)
	ctx := context.Background()

	rec := &record.Record{
		ID: "rec-1", Collection: "notes", Schema: 1,
		Payload: record.Payload{"title": "base"}, SyncStatus: record.StatusSynced,
		LastModified: time.Now(),
	}
	mem.Seed(rec)
	if err := st.UpsertMirrored(ctx, rec); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}

	// Local pending edit, plus a remote change the engine can't apply
	// because the apply is scripted to fail transiently.
	if err := st.UpdateContext(ctx, "notes", "rec-1", record.Payload{"title": "local edit"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	mem.Touch("notes", "rec-1", record.Payload{"title": "remote edit"})
	mem.InjectApplyError("notes", "rec-1", remote.Transient(errors.New("down")))

	mustRun(t, eng)

	local, err := st.FindByIDContext(ctx, "notes", "rec-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if local.Payload["title"] != "local edit" {
		t.Errorf("pull must not clobber a row with a pending change, got %v", local.Payload["title"])
	}
}

func TestTryRun_FailedPullLeavesLastSyncForRetry(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	eng := newTestEngine(t, st, mem)
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	if err := st.SetLastSync(ctx, "notes", past); err != nil {
		t.Fatalf("set last sync failed: %v", err)
	}
	mem.Seed(&record.Record{
		ID: "remote-1", Collection: "notes", Schema: 1,
		Payload: record.Payload{"title": "from afar"}, SyncStatus: record.StatusSynced,
		LastModified: time.Now(),
	})

	mem.InjectFetchError(remote.Transient(errors.New("fetch down")))
	mustRun(t, eng)

	if _, err := st.FindByIDContext(ctx, "notes", "remote-1"); err == nil {
		t.Error("row pulled despite a failing fetch")
	}
	meta, err := st.Metadata(ctx, "notes")
	if err != nil {
		t.Fatalf("metadata failed: %v", err)
	}
	// The watermark must not advance past a failed fetch, or the deltas
	// in the missed window would never be pulled.
	if meta.LastSyncAt == nil || meta.LastSyncAt.After(past.Add(time.Minute)) {
		t.Fatalf("failed pull must leave last sync untouched, got %v", meta.LastSyncAt)
	}

	mem.InjectFetchError(nil)
	summary := mustRun(t, eng)
	if summary.Pulled != 1 {
		t.Errorf("expected the missed delta pulled on retry, got %d", summary.Pulled)
	}
	if _, err := st.FindByIDContext(ctx, "notes", "remote-1"); err != nil {
		t.Errorf("row still missing after recovery: %v", err)
	}
	meta, err = st.Metadata(ctx, "notes")
	if err != nil {
		t.Fatalf("metadata failed: %v", err)
	}
	if meta.LastSyncAt == nil || !meta.LastSyncAt.After(past.Add(time.Minute)) {
		t.Errorf("successful pull must advance last sync, got %v", meta.LastSyncAt)
	}
}

// racingClient wraps a Client and issues one local write mid-apply,
// as a caller racing the reconciliation pass would.
type racingClient struct {
	remote.Client
	st   *store.Store
	once sync.Once
}

func (r *racingClient) Apply(ctx context.Context, collection string, change *record.PendingChange) (*remote.ApplyResult, error) {
	r.once.Do(func() {
		if err := r.st.UpdateContext(ctx, collection, change.RecordID, record.Payload{"title": "v2"}); err != nil {
			panic(err)
		}
	})
	return r.Client.Apply(ctx, collection, change)
}

func TestTryRun_WriteDuringApplyStaysQueued(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	client := &racingClient{Client: mem, st: st}
	eng := newTestEngine(t, st, client)
	ctx := context.Background()

	rec := &record.Record{
		ID: "rec-1", Collection: "notes", Schema: 1,
		Payload: record.Payload{"title": "base"}, SyncStatus: record.StatusSynced,
		LastModified: time.Now(),
	}
	mem.Seed(rec)
	if err := st.UpsertMirrored(ctx, rec); err != nil {
		t.Fatalf("mirror failed: %v", err)
	}
	if err := st.UpdateContext(ctx, "notes", "rec-1", record.Payload{"title": "v1"}); err != nil {
		t.Fatalf("update failed: %v", err)
	}

	summary := mustRun(t, eng)
	if summary.Applied != 0 {
		t.Errorf("superseded change must not count as applied, got %d", summary.Applied)
	}
	if summary.Deferred != 1 {
		t.Errorf("superseded change must count as deferred, got %d", summary.Deferred)
	}

	// The write that landed mid-apply is still queued, unconfirmed.
	changes, _ := st.PendingChanges(ctx, "notes")
	if len(changes) != 1 {
		t.Fatalf("mid-apply write must stay queued, got %d changes", len(changes))
	}
	if changes[0].Snapshot["title"] != "v2" {
		t.Errorf("queued snapshot must be the newer write, got %v", changes[0].Snapshot["title"])
	}
	local, err := st.FindByIDContext(ctx, "notes", "rec-1")
	if err != nil {
		t.Fatalf("find failed: %v", err)
	}
	if local.SyncStatus != record.StatusPending {
		t.Errorf("row with an unconfirmed write must stay pending, got %s", local.SyncStatus)
	}
	if remoteRec, _ := mem.Get("notes", "rec-1"); remoteRec.Payload["title"] != "v1" {
		t.Errorf("remote must hold the applied snapshot, got %v", remoteRec.Payload["title"])
	}

	// The next pass converges on the newer write.
	mustRun(t, eng)
	if changes, _ := st.PendingChanges(ctx, "notes"); len(changes) != 0 {
		t.Errorf("queue must be empty after convergence, got %d changes", len(changes))
	}
	if remoteRec, _ := mem.Get("notes", "rec-1"); remoteRec.Payload["title"] != "v2" {
		t.Errorf("remote must converge on the newer write, got %v", remoteRec.Payload["title"])
	}
	local, _ = st.FindByIDContext(ctx, "notes", "rec-1")
	if local.SyncStatus != record.StatusSynced {
		t.Errorf("converged row must be synced, got %s", local.SyncStatus)
	}
}

// blockingClient wraps a Client and parks the first Apply until released.
type blockingClient struct {
	remote.Client
	entered chan struct{}
	release chan struct{}
	blocked bool
}

func (b *blockingClient) Apply(ctx context.Context, collection string, change *record.PendingChange) (*remote.ApplyResult, error) {
	if !b.blocked {
		b.blocked = true
		close(b.entered)
		<-b.release
	}
	return b.Client.Apply(ctx, collection, change)
}

func TestTryRun_NotReentrant(t *testing.T) {
	st := newTestStore(t)
	mem := remote.NewMemory()
	client := &blockingClient{
		Client:  mem,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	eng := newTestEngine(t, st, client)

	if _, err := st.InsertContext(context.Background(), "notes", "", 1, record.Payload{"a": 1}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, _, err := eng.TryRun(context.Background())
		done <- err
	}()

	<-client.entered
	ran, _, err := eng.TryRun(context.Background())
	if err != nil {
		t.Fatalf("overlapping TryRun errored: %v", err)
	}
	if ran {
		t.Error("TryRun must refuse to overlap an in-flight pass")
	}

	close(client.release)
	if err := <-done; err != nil {
		t.Fatalf("blocked pass failed: %v", err)
	}

	if eng.State() != StateIdle {
		t.Errorf("engine must return to idle, got %s", eng.State())
	}
}
