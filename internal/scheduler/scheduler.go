// Package scheduler decides when reconciliation passes run: on a fixed
// interval, when connectivity comes back, and on manual request.
//
// Mutual exclusion is delegated to the engine's pass lock - the
// scheduler only triggers, it never overlaps passes itself - and a
// failed pass is logged and rescheduled, never fatal to the loop.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ebb-sync/ebb/internal/engine"
)

// Runner is the slice of the engine the scheduler needs.
type Runner interface {
	TryRun(ctx context.Context) (ran bool, summary *engine.Summary, err error)
}

// Scheduler triggers reconciliation passes.
type Scheduler struct {
	runner   Runner
	interval time.Duration
	logger   *log.Logger

	// transitions delivers effective online-state flips from the
	// connectivity oracle; a flip to online triggers a pass.
	transitions <-chan bool

	// enabled gates automatic triggers (interval, reconnect); the
	// persisted sync_enabled toggle backs it. Manual triggers run
	// regardless.
	enabled func() bool

	cron    *cron.Cron
	entryID cron.EntryID

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	runmu  sync.Mutex
}

// New creates a Scheduler.
//
// transitions may be nil to disable the reconnect trigger; enabled may
// be nil to always allow automatic triggers. If logger is nil, a
// default logger writing to stderr is used.
func New(runner Runner, interval time.Duration, transitions <-chan bool, enabled func() bool, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(os.Stderr, "[scheduler] ", log.LstdFlags)
	}
	if enabled == nil {
		enabled = func() bool { return true }
	}
	return &Scheduler{
		runner:      runner,
		interval:    interval,
		logger:      logger,
		transitions: transitions,
		enabled:     enabled,
		cron:        cron.New(),
	}
}

// Start launches the interval and reconnect triggers.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.interval > 0 {
		id, err := s.cron.AddFunc(fmt.Sprintf("@every %s", s.interval), func() {
			s.fire("interval", false)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule interval trigger: %w", err)
		}
		s.entryID = id
		s.cron.Start()
		s.logger.Printf("Interval trigger every %s", s.interval)
	}

	if s.transitions != nil {
		s.wg.Add(1)
		go s.watchTransitions()
	}

	return nil
}

// Stop halts all triggers and waits for them to exit.
// An in-flight pass is cancelled via its context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
	s.logger.Println("Scheduler stopped")
}

// Trigger requests a pass right now, regardless of the enabled toggle.
// Returns false when a pass was already running and nothing started.
func (s *Scheduler) Trigger(ctx context.Context) (bool, *engine.Summary, error) {
	s.runmu.Lock()
	defer s.runmu.Unlock()
	return s.runner.TryRun(ctx)
}

func (s *Scheduler) watchTransitions() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case online, ok := <-s.transitions:
			if !ok {
				return
			}
			if online {
				s.fire("reconnect", false)
			}
		}
	}
}

// fire runs one pass for an automatic trigger. Failures are logged and
// the next trigger proceeds normally.
func (s *Scheduler) fire(reason string, manual bool) {
	if !manual && !s.enabled() {
		return
	}
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	ran, summary, err := s.runner.TryRun(s.ctx)
	if err != nil {
		s.logger.Printf("Pass (%s trigger) failed: %v", reason, err)
		return
	}
	if !ran {
		s.logger.Printf("Pass already running, skipping %s trigger", reason)
		return
	}
	if summary != nil {
		s.logger.Printf("Pass (%s trigger): applied=%d conflicts=%d pulled=%d",
			reason, summary.Applied, summary.Conflicts, summary.Pulled)
	}
}
