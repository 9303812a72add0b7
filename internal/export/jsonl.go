// Package export dumps and restores the local store as JSONL, one
// envelope per line. Exports are diagnostic snapshots and seed data;
// importing replays record lines as mirrored rows and leaves queue and
// conflict lines alone.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ebb-sync/ebb/internal/record"
	"github.com/ebb-sync/ebb/internal/store"
)

// Line is one JSONL envelope. Exactly one of the payload fields is set,
// matching Kind.
type Line struct {
	Kind     string                `json:"kind"` // "record", "change", or "conflict"
	Record   *record.Record        `json:"record,omitempty"`
	Change   *record.PendingChange `json:"change,omitempty"`
	Conflict *record.Conflict      `json:"conflict,omitempty"`
}

// Options configures an export.
type Options struct {
	Path        string   // Output JSONL file path
	Collections []string // Limit to these collections (empty = all)
	Queue       bool     // Include pending and quarantined changes
	Conflicts   bool     // Include open conflicts
}

// Result contains statistics about an export or import.
type Result struct {
	Records   int
	Changes   int
	Conflicts int
	Skipped   int
}

// Export writes store contents to a JSONL file, atomically via a temp
// file in the same directory.
func Export(ctx context.Context, st *store.Store, opts Options) (*Result, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("export path is required")
	}

	collections := opts.Collections
	if len(collections) == 0 {
		all, err := st.Collections(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list collections: %w", err)
		}
		collections = all
	}

	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	tmpPath := opts.Path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}

	result, err := writeLines(ctx, st, file, collections, opts)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, opts.Path); err != nil {
		_ = os.Remove(tmpPath)
		return nil, fmt.Errorf("failed to rename temp file: %w", err)
	}

	return result, nil
}

func writeLines(ctx context.Context, st *store.Store, w io.Writer, collections []string, opts Options) (*Result, error) {
	result := &Result{}
	encoder := json.NewEncoder(w)

	for _, collection := range collections {
		rows, err := st.FindAllContext(ctx, collection, "")
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", collection, err)
		}
		for _, rec := range rows {
			if err := encoder.Encode(Line{Kind: "record", Record: rec}); err != nil {
				return nil, fmt.Errorf("failed to encode record: %w", err)
			}
			result.Records++
		}

		if opts.Queue {
			changes, err := st.PendingChanges(ctx, collection)
			if err != nil {
				return nil, fmt.Errorf("failed to read queue for %s: %w", collection, err)
			}
			for _, change := range changes {
				if err := encoder.Encode(Line{Kind: "change", Change: change}); err != nil {
					return nil, fmt.Errorf("failed to encode change: %w", err)
				}
				result.Changes++
			}
		}
	}

	if opts.Queue {
		failed, err := st.FailedChanges(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read quarantined changes: %w", err)
		}
		for _, change := range failed {
			if !inCollections(change.Collection, opts.Collections) {
				continue
			}
			if err := encoder.Encode(Line{Kind: "change", Change: change}); err != nil {
				return nil, fmt.Errorf("failed to encode change: %w", err)
			}
			result.Changes++
		}
	}

	if opts.Conflicts {
		open, err := st.OpenConflicts(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to read conflicts: %w", err)
		}
		for _, conflict := range open {
			if !inCollections(conflict.Collection, opts.Collections) {
				continue
			}
			if err := encoder.Encode(Line{Kind: "conflict", Conflict: conflict}); err != nil {
				return nil, fmt.Errorf("failed to encode conflict: %w", err)
			}
			result.Conflicts++
		}
	}

	return result, nil
}

// inCollections reports whether collection matches the filter. An empty
// filter matches everything.
func inCollections(collection string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, c := range filter {
		if c == collection {
			return true
		}
	}
	return false
}

// Import replays record lines from a JSONL file into the store as
// mirrored rows. Rows with a pending local change or an open conflict
// are left untouched; change and conflict lines are counted as skipped.
func Import(ctx context.Context, st *store.Store, path string) (*Result, error) {
	// #nosec G304 - controlled path from CLI
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open JSONL file: %w", err)
	}
	defer file.Close()

	result := &Result{}
	decoder := json.NewDecoder(file)
	lineNum := 0

	for {
		var line Line
		if err := decoder.Decode(&line); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("invalid JSON at line %d: %w", lineNum+1, err)
		}
		lineNum++

		if line.Kind != "record" || line.Record == nil {
			result.Skipped++
			continue
		}
		if err := line.Record.Validate(); err != nil {
			return nil, fmt.Errorf("invalid record at line %d: %w", lineNum, err)
		}

		if err := st.UpsertMirrored(ctx, line.Record); err != nil {
			return nil, fmt.Errorf("failed to import %s/%s: %w", line.Record.Collection, line.Record.ID, err)
		}
		result.Records++
	}

	return result, nil
}
