// Package loadtest provides load testing utilities for the local store.
//
// It simulates many concurrent readers and writers against one SQLite
// database to validate that WAL-mode concurrency holds up: reads stay
// fast while writers queue changes, and no reader ever observes a torn
// row.
package loadtest

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/ebb-sync/ebb/internal/record"
	"github.com/ebb-sync/ebb/internal/store"
)

// TestStore is a populated store for load testing.
type TestStore struct {
	Store        *store.Store
	Collections  []string
	RecordIDs    map[string][]string // collection -> ids
	TotalRecords int
	PendingPct   float64
}

// LatencyStats captures performance metrics from load tests.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Errors    int
	Durations []time.Duration
}

// CreateTestStore creates and populates a store at dbPath.
//
// Each collection gets perCollection records. pendingPct of them are
// written through the normal local-write path so they carry queued
// changes; the rest land as synced mirror rows, as if pulled from the
// remote.
func CreateTestStore(dbPath string, collections []string, perCollection int, pendingPct float64) (*TestStore, error) {
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// High-concurrency pool settings for the test run.
	st.RawDB().SetMaxOpenConns(150)
	st.RawDB().SetMaxIdleConns(50)
	st.RawDB().SetConnMaxLifetime(10 * time.Minute)

	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ts := &TestStore{
		Store:       st,
		Collections: collections,
		RecordIDs:   make(map[string][]string, len(collections)),
		PendingPct:  pendingPct,
	}

	ctx := context.Background()
	baseTime := time.Now().Add(-30 * 24 * time.Hour)

	for _, collection := range collections {
		ids := make([]string, 0, perCollection)
		for i := 0; i < perCollection; i++ {
			payload := record.Payload{
				"title": fmt.Sprintf("%s %d", collection, i),
				"batch": fmt.Sprintf("batch-%d", i/100),
				"n":     i,
			}

			if float64(i) < float64(perCollection)*pendingPct {
				id, err := ts.Store.InsertContext(ctx, collection, "", 1, payload)
				if err != nil {
					_ = st.Close()
					return nil, fmt.Errorf("failed to insert into %s: %w", collection, err)
				}
				ids = append(ids, id)
				continue
			}

			rec := &record.Record{
				ID:           record.NewID(),
				Collection:   collection,
				Schema:       1,
				Payload:      payload,
				SyncStatus:   record.StatusSynced,
				LastModified: baseTime.Add(time.Duration(i) * time.Minute),
			}
			if err := ts.Store.UpsertMirrored(ctx, rec); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("failed to mirror into %s: %w", collection, err)
			}
			ids = append(ids, rec.ID)
		}
		ts.RecordIDs[collection] = ids
		ts.TotalRecords += len(ids)
	}

	return ts, nil
}

// Close closes the underlying store.
func (ts *TestStore) Close() error {
	if ts.Store != nil {
		return ts.Store.Close()
	}
	return nil
}

// RunConcurrentReads simulates numWorkers concurrent readers, each
// listing a random collection readsPerWorker times.
func (ts *TestStore) RunConcurrentReads(numWorkers, readsPerWorker int) (*LatencyStats, error) {
	return ts.run(numWorkers, readsPerWorker, func(ctx context.Context, rng *rand.Rand) error {
		collection := ts.Collections[rng.Intn(len(ts.Collections))]
		_, err := ts.Store.FindAllContext(ctx, collection, "")
		return err
	})
}

// RunConcurrentWrites simulates numWorkers concurrent writers, each
// updating a random record writesPerWorker times. Every write queues a
// pending change, exercising coalescing under contention.
func (ts *TestStore) RunConcurrentWrites(numWorkers, writesPerWorker int) (*LatencyStats, error) {
	return ts.run(numWorkers, writesPerWorker, func(ctx context.Context, rng *rand.Rand) error {
		collection := ts.Collections[rng.Intn(len(ts.Collections))]
		ids := ts.RecordIDs[collection]
		id := ids[rng.Intn(len(ids))]
		return ts.Store.UpdateContext(ctx, collection, id, record.Payload{
			"touched_at": time.Now().UnixNano(),
		})
	})
}

func (ts *TestStore) run(numWorkers, opsPerWorker int, op func(context.Context, *rand.Rand) error) (*LatencyStats, error) {
	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numWorkers)
	errorsChan := make(chan error, numWorkers)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(workerID)))
			ctx := context.Background()
			durations := make([]time.Duration, 0, opsPerWorker)

			for j := 0; j < opsPerWorker; j++ {
				start := time.Now()
				err := op(ctx, rng)
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("worker %d op %d failed: %w", workerID, j, err)
					return
				}
			}

			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	errorCount := 0
	for range errorsChan {
		errorCount++
	}

	var allDurations []time.Duration
	for durations := range resultsChan {
		allDurations = append(allDurations, durations...)
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no successful operations completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Errors = errorCount
	return stats, nil
}

// VerifyConsistency runs concurrent readers for the given duration and
// checks every row they observe: IDs are set, sync statuses are valid,
// and payloads decode. Any torn or half-written row fails the run.
func (ts *TestStore) VerifyConsistency(numWorkers int, duration time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var wg sync.WaitGroup
	errorsChan := make(chan error, numWorkers)

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()

			rng := rand.New(rand.NewSource(int64(workerID)))
			for {
				select {
				case <-ctx.Done():
					return
				default:
					collection := ts.Collections[rng.Intn(len(ts.Collections))]
					rows, err := ts.Store.FindAllContext(ctx, collection, "")
					if err != nil && ctx.Err() == nil {
						errorsChan <- fmt.Errorf("worker %d read failed: %w", workerID, err)
						return
					}

					for _, rec := range rows {
						if rec.ID == "" {
							errorsChan <- fmt.Errorf("worker %d found record with empty ID", workerID)
							return
						}
						switch rec.SyncStatus {
						case record.StatusSynced, record.StatusPending, record.StatusConflicted:
						default:
							errorsChan <- fmt.Errorf("worker %d found invalid sync status %q on %s", workerID, rec.SyncStatus, rec.ID)
							return
						}
						if rec.Payload == nil {
							errorsChan <- fmt.Errorf("worker %d found nil payload on %s", workerID, rec.ID)
							return
						}
					}

					time.Sleep(time.Millisecond)
				}
			}
		}(i)
	}

	wg.Wait()
	close(errorsChan)

	for err := range errorsChan {
		if err != nil {
			return err
		}
	}
	return nil
}

// GetStats returns statistics about the populated store.
func (ts *TestStore) GetStats(ctx context.Context) (map[string]interface{}, error) {
	pending := 0
	for _, collection := range ts.Collections {
		n, err := ts.Store.PendingCount(ctx, collection)
		if err != nil {
			return nil, err
		}
		pending += n
	}
	return map[string]interface{}{
		"total_records":   ts.TotalRecords,
		"collections":     len(ts.Collections),
		"pending_changes": pending,
		"pending_percent": float64(pending) / float64(ts.TotalRecords) * 100,
	}, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// PrintStats formats and prints latency statistics.
func (s *LatencyStats) PrintStats() {
	fmt.Printf("Latency Statistics:\n")
	fmt.Printf("  Total Ops: %d\n", s.TotalOps)
	fmt.Printf("  Errors:    %d\n", s.Errors)
	fmt.Printf("  Min:       %v\n", s.Min)
	fmt.Printf("  P50:       %v\n", s.P50)
	fmt.Printf("  Mean:      %v\n", s.Mean)
	fmt.Printf("  P95:       %v\n", s.P95)
	fmt.Printf("  P99:       %v\n", s.P99)
	fmt.Printf("  Max:       %v\n", s.Max)
}
