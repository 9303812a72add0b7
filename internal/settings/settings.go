// Package settings persists the user-facing sync toggles.
//
// The toggles live in a small JSON file so any process - the CLI, the
// daemon, or a UI - can flip them, and the daemon picks changes up
// live through the file watcher.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Settings are the persisted user preferences consumed by the
// connectivity oracle and the scheduler.
type Settings struct {
	// ForceOffline makes the effective online state false regardless
	// of network reachability.
	ForceOffline bool `json:"force_offline"`

	// SyncEnabled gates the scheduler; reconciliation passes only
	// run while it is true. Manual passes are still allowed.
	SyncEnabled bool `json:"sync_enabled"`
}

// Default returns the settings used when no file exists yet.
func Default() Settings {
	return Settings{
		ForceOffline: false,
		SyncEnabled:  true,
	}
}

// File is a settings file handle with cached state.
type File struct {
	path string

	mu  sync.RWMutex
	cur Settings
}

// Load opens (or initializes) the settings file at path.
// A missing file yields defaults without creating it; the file is
// written on the first Set call.
func Load(path string) (*File, error) {
	f := &File{path: path, cur: Default()}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}
	f.cur = s
	return f, nil
}

// Path returns the settings file path.
func (f *File) Path() string {
	return f.path
}

// Get returns the current settings.
func (f *File) Get() Settings {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cur
}

// SetForceOffline persists the force-offline preference.
func (f *File) SetForceOffline(v bool) error {
	return f.update(func(s *Settings) { s.ForceOffline = v })
}

// SetSyncEnabled persists the scheduler toggle.
func (f *File) SetSyncEnabled(v bool) error {
	return f.update(func(s *Settings) { s.SyncEnabled = v })
}

// Reload re-reads the file from disk, used when another process wrote it.
func (f *File) Reload() (Settings, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return f.Get(), nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("failed to read settings file: %w", err)
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return Settings{}, fmt.Errorf("failed to parse settings file %s: %w", f.path, err)
	}

	f.mu.Lock()
	f.cur = s
	f.mu.Unlock()
	return s, nil
}

func (f *File) update(mutate func(*Settings)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	next := f.cur
	mutate(&next)

	if err := writeFile(f.path, next); err != nil {
		return err
	}
	f.cur = next
	return nil
}

// writeFile persists settings atomically via a temp file rename so a
// concurrent reader never sees a torn write.
func writeFile(path string, s Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace settings file: %w", err)
	}
	return nil
}
