// Package engine implements the reconciliation engine: it drains the
// pending-change queue against the remote collaborator in creation
// order, detects and records conflicts, pulls remote deltas, and keeps
// the sync bookkeeping current.
//
// A pass moves through Idle -> Draining -> Pulling -> Idle. Only one
// pass runs at a time; a request to start while one is running is a
// no-op, not queued. The engine holds no store-wide lock - façade
// reads and writes run concurrently with a pass because every store
// operation is atomic at the row level.
package engine

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
	"github.com/ebb-sync/ebb/internal/remote"
	"github.com/ebb-sync/ebb/internal/store"
)

// State is the engine's pass state.
type State string

const (
	// StateIdle means no pass is running.
	StateIdle State = "idle"

	// StateDraining means a pass is applying queued changes.
	StateDraining State = "draining"

	// StatePulling means a pass is pulling remote deltas.
	StatePulling State = "pulling"
)

// Config tunes retry and backoff behavior.
type Config struct {
	// RetryCap is how many failed attempts a change gets before it
	// is quarantined on a permanent failure.
	RetryCap int

	// BackoffBase is the delay after the first failed attempt;
	// subsequent attempts double it up to BackoffMax.
	BackoffBase time.Duration

	// BackoffMax bounds the exponential backoff.
	BackoffMax time.Duration

	// Logger for engine activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		RetryCap:    5,
		BackoffBase: 2 * time.Second,
		BackoffMax:  5 * time.Minute,
		Logger:      log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Notifier receives engine lifecycle events, e.g. for the dashboard.
// All methods may be called from the pass goroutine and must not block.
type Notifier interface {
	PassStarted()
	PassCompleted(Summary)
	ConflictDetected(conflict *record.Conflict)
}

// Summary reports what one pass accomplished.
type Summary struct {
	Collections int           `json:"collections"`
	Applied     int           `json:"applied"`
	Conflicts   int           `json:"conflicts"`
	Deferred    int           `json:"deferred"`
	Quarantined int           `json:"quarantined"`
	Pulled      int           `json:"pulled"`
	Duration    time.Duration `json:"duration"`
}

// Engine drains pending changes and pulls remote deltas.
type Engine struct {
	store    *store.Store
	remote   remote.Client
	config   *Config
	notifier Notifier

	mu    sync.Mutex
	state State
}

// New creates an Engine. A nil config uses DefaultConfig; a nil
// notifier disables event notification.
func New(st *store.Store, client remote.Client, config *Config, notifier Notifier) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		store:    st,
		remote:   client,
		config:   config,
		notifier: notifier,
		state:    StateIdle,
	}
}

// State returns the current pass state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TryRun executes one reconciliation pass unless one is already in
// flight, in which case it returns ran=false immediately.
//
// Cancelling ctx lets the in-flight remote call finish - no change is
// ever left half-applied - but prevents starting the next step.
func (e *Engine) TryRun(ctx context.Context) (ran bool, summary *Summary, err error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return false, nil, nil
	}
	e.state = StateDraining
	e.mu.Unlock()

	defer e.setState(StateIdle)

	if e.notifier != nil {
		e.notifier.PassStarted()
	}

	start := time.Now()
	s := &Summary{}

	if err := e.drain(ctx, s); err != nil {
		return true, s, err
	}

	e.setState(StatePulling)

	if err := e.pull(ctx, s, start); err != nil {
		return true, s, err
	}

	s.Duration = time.Since(start)
	e.config.Logger.Printf("Pass complete: applied=%d conflicts=%d deferred=%d quarantined=%d pulled=%d in %v",
		s.Applied, s.Conflicts, s.Deferred, s.Quarantined, s.Pulled, s.Duration.Round(time.Millisecond))

	if e.notifier != nil {
		e.notifier.PassCompleted(*s)
	}

	return true, s, nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Resolve applies a resolution strategy to an open conflict.
//
// The resolution is transactional: queue, record row, and conflict are
// either all updated or none are. local-wins and manual-merge leave a
// fresh pending change behind; the caller may trigger a pass to push
// it immediately.
func (e *Engine) Resolve(ctx context.Context, conflictID string, strategy record.Strategy, merged record.Payload) error {
	if !record.ValidResolution(strategy) {
		return fmt.Errorf("invalid resolution strategy %q", strategy)
	}

	if err := e.store.ApplyResolution(ctx, conflictID, strategy, merged); err != nil {
		return fmt.Errorf("failed to resolve conflict %s: %w", conflictID, err)
	}

	e.config.Logger.Printf("Resolved conflict %s with %s", conflictID, strategy)
	return nil
}

// backoffElapsed reports whether a previously failed change is
// eligible for another attempt.
func (e *Engine) backoffElapsed(change *record.PendingChange, now time.Time) bool {
	if change.RetryCount == 0 || change.LastAttemptAt == nil {
		return true
	}

	delay := e.config.BackoffBase << (change.RetryCount - 1)
	if delay > e.config.BackoffMax || delay <= 0 {
		delay = e.config.BackoffMax
	}
	return !now.Before(change.LastAttemptAt.Add(delay))
}
