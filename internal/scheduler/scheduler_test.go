package scheduler

import (
	"context"
	"io"
	"log"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ebb-sync/ebb/internal/engine"
)

// fakeRunner counts passes and can simulate a busy engine.
type fakeRunner struct {
	runs int64
	busy atomic.Bool
}

func (r *fakeRunner) TryRun(ctx context.Context) (bool, *engine.Summary, error) {
	if r.busy.Load() {
		return false, nil, nil
	}
	atomic.AddInt64(&r.runs, 1)
	return true, &engine.Summary{}, nil
}

func (r *fakeRunner) count() int64 { return atomic.LoadInt64(&r.runs) }

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func TestTrigger_RunsManualPass(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, 0, nil, nil, quietLogger())

	ran, summary, err := s.Trigger(context.Background())
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if !ran || summary == nil {
		t.Fatal("manual trigger must run a pass")
	}
	if r.count() != 1 {
		t.Errorf("expected 1 pass, got %d", r.count())
	}
}

func TestTrigger_BypassesEnabledGate(t *testing.T) {
	r := &fakeRunner{}
	s := New(r, 0, nil, func() bool { return false }, quietLogger())

	ran, _, err := s.Trigger(context.Background())
	if err != nil {
		t.Fatalf("trigger failed: %v", err)
	}
	if !ran {
		t.Error("manual trigger must bypass the sync-enabled toggle")
	}
}

func TestReconnect_FiresPass(t *testing.T) {
	r := &fakeRunner{}
	transitions := make(chan bool, 1)
	s := New(r, 0, transitions, nil, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	transitions <- true

	deadline := time.After(2 * time.Second)
	for r.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("reconnect transition did not fire a pass")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestReconnect_OfflineTransitionIsIgnored(t *testing.T) {
	r := &fakeRunner{}
	transitions := make(chan bool, 2)
	s := New(r, 0, transitions, nil, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	transitions <- false
	time.Sleep(50 * time.Millisecond)

	if r.count() != 0 {
		t.Errorf("going offline must not fire a pass, got %d", r.count())
	}
}

func TestReconnect_DisabledGateBlocksAutomaticPass(t *testing.T) {
	r := &fakeRunner{}
	transitions := make(chan bool, 1)
	s := New(r, 0, transitions, func() bool { return false }, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	transitions <- true
	time.Sleep(50 * time.Millisecond)

	if r.count() != 0 {
		t.Errorf("disabled toggle must block automatic passes, got %d", r.count())
	}
}

func TestStart_Twice(t *testing.T) {
	s := New(&fakeRunner{}, 0, nil, nil, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	if err := s.Start(context.Background()); err == nil {
		t.Error("second start must fail")
	}
}

func TestFire_SkipsWhenEngineBusy(t *testing.T) {
	r := &fakeRunner{}
	r.busy.Store(true)
	transitions := make(chan bool, 1)
	s := New(r, 0, transitions, nil, quietLogger())

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer s.Stop()

	transitions <- true
	time.Sleep(50 * time.Millisecond)

	if r.count() != 0 {
		t.Errorf("busy engine means no pass, got %d", r.count())
	}
}
