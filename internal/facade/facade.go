// Package facade gives callers one read/write API per collection that
// is agnostic to connectivity.
//
// Reads prefer the remote when the effective online state allows it,
// keep the local store warm as a cache via a detached background
// refresh, and degrade to the local copy (or the last known-good
// in-memory set) when the remote fails. Writes always hit the local
// store first, enqueue a pending change, and opportunistically push to
// the remote when online.
//
// Within one collection, writes are serialized so sync-status
// transitions stay consistent with queue coalescing; operations on
// different collections are independent.
package facade

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

// Connectivity is the slice of the oracle the façade needs.
type Connectivity interface {
	Online() bool
}

// RefreshTimeout bounds the detached background cache refresh spawned
// by the read path.
const RefreshTimeout = 30 * time.Second

// Facade is the connectivity-aware data access layer.
type Facade struct {
	store  *store.Store
	remote remote.Client
	online Connectivity
	logger *log.Logger

	// writers serializes writes per collection.
	writersMu sync.Mutex
	writers   map[string]*sync.Mutex

	// lastGood holds the most recent non-empty result per
	// (collection, scope) so a transient failure or an empty remote
	// response never blanks a previously displayed set.
	lastGoodMu sync.RWMutex
	lastGood   map[string][]*record.Record

	// refreshWG tracks detached cache refreshes for clean shutdown.
	refreshWG sync.WaitGroup

	// refreshErrs receives background refresh failures; they are
	// logged and must never propagate to the reader.
	refreshErrs chan error
}

// New creates a Facade.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, client remote.Client, online Connectivity, logger *log.Logger) *Facade {
	if logger == nil {
		logger = log.New(os.Stderr, "[facade] ", log.LstdFlags)
	}

	f := &Facade{
		store:       st,
		remote:      client,
		online:      online,
		logger:      logger,
		writers:     make(map[string]*sync.Mutex),
		lastGood:    make(map[string][]*record.Record),
		refreshErrs: make(chan error, 16),
	}

	go f.drainRefreshErrors()
	return f
}

// ReadResult is the outcome of a façade read.
type ReadResult struct {
	Records []*record.Record

	// Degraded marks data served from the local cache or the last
	// known-good set after a remote failure: stale but available.
	Degraded bool

	// Warning carries the reason for degradation, empty otherwise.
	Warning string
}

// Read returns the records of a collection, remote-first when online.
//
// On a successful remote read the returned rows are upserted into the
// local store tagged synced by a detached task whose failure can never
// fail this call. On a remote failure the read falls back to the local
// store and the result is marked degraded. A transient failure or an
// empty remote response never replaces a non-empty previously returned
// set with an empty one.
func (f *Facade) Read(ctx context.Context, collection, scope string) (*ReadResult, error) {
	if !f.online.Online() {
		return f.readLocal(ctx, collection, scope, "")
	}

	rows, err := f.remote.Fetch(ctx, collection, remote.Filter{Scope: scope})
	if err != nil {
		f.logger.Printf("Remote fetch failed for %s, serving local: %v", collection, err)
		return f.readLocal(ctx, collection, scope, fmt.Sprintf("remote fetch failed: %v", err))
	}

	if len(rows) == 0 {
		if known := f.knownGood(collection, scope); len(known) > 0 {
			return &ReadResult{
				Records:  known,
				Degraded: true,
				Warning:  "remote returned an empty result; keeping last known-good set",
			}, nil
		}
	} else {
		f.setKnownGood(collection, scope, rows)
		f.refreshCache(collection, rows)
	}

	return &ReadResult{Records: rows}, nil
}

// readLocal serves a read from the local store, falling back to the
// last known-good in-memory set if the store itself fails.
func (f *Facade) readLocal(ctx context.Context, collection, scope, warning string) (*ReadResult, error) {
	rows, err := f.store.FindAllContext(ctx, collection, scope)
	if err != nil {
		if known := f.knownGood(collection, scope); len(known) > 0 {
			f.logger.Printf("Local read failed for %s, serving last known-good: %v", collection, err)
			return &ReadResult{
				Records:  known,
				Degraded: true,
				Warning:  fmt.Sprintf("local store failed: %v", err),
			}, nil
		}
		return nil, fmt.Errorf("failed to read %s from local store: %w", collection, err)
	}

	if len(rows) > 0 {
		f.setKnownGood(collection, scope, rows)
	}

	return &ReadResult{
		Records:  rows,
		Degraded: warning != "",
		Warning:  warning,
	}, nil
}

// refreshCache upserts remote rows into the local store as a detached
// task. Errors flow to a dedicated channel, isolated from the primary
// read's call stack.
func (f *Facade) refreshCache(collection string, rows []*record.Record) {
	cloned := make([]*record.Record, len(rows))
	for i, r := range rows {
		c := *r
		c.Payload = r.Payload.Clone()
		cloned[i] = &c
	}

	f.refreshWG.Add(1)
	go func() {
		defer f.refreshWG.Done()

		ctx, cancel := context.WithTimeout(context.Background(), RefreshTimeout)
		defer cancel()

		for _, rec := range cloned {
			if err := f.store.UpsertMirrored(ctx, rec); err != nil {
				select {
				case f.refreshErrs <- fmt.Errorf("cache refresh for %s/%s: %w", collection, rec.ID, err):
				default:
				}
				return
			}
		}
	}()
}

// Wait blocks until all detached cache refreshes have finished.
// Intended for shutdown and tests.
func (f *Facade) Wait() {
	f.refreshWG.Wait()
}

func (f *Facade) drainRefreshErrors() {
	for err := range f.refreshErrs {
		f.logger.Printf("Background cache refresh failed: %v", err)
	}
}

func (f *Facade) knownGood(collection, scope string) []*record.Record {
	f.lastGoodMu.RLock()
	defer f.lastGoodMu.RUnlock()
	return f.lastGood[collection+"\x00"+scope]
}

func (f *Facade) setKnownGood(collection, scope string, rows []*record.Record) {
	f.lastGoodMu.Lock()
	defer f.lastGoodMu.Unlock()
	f.lastGood[collection+"\x00"+scope] = rows
}

// writerFor returns the per-collection write lock.
func (f *Facade) writerFor(collection string) *sync.Mutex {
	f.writersMu.Lock()
	defer f.writersMu.Unlock()
	mu, ok := f.writers[collection]
	if !ok {
		mu = &sync.Mutex{}
		f.writers[collection] = mu
	}
	return mu
}
