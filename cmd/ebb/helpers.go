package main

import (
	"fmt"
	"log"
	"os"

	"github.com/ebb-sync/ebb/internal/config"
	"github.com/ebb-sync/ebb/internal/engine"
	"github.com/ebb-sync/ebb/internal/remote"
	"github.com/ebb-sync/ebb/internal/store"
)

// openStore opens the configured database with the schema in place.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return st, nil
}

// buildEngine assembles a one-shot engine against the configured remote.
func buildEngine(cfg *config.Config, st *store.Store) (*engine.Engine, error) {
	if cfg.RemoteURL == "" {
		return nil, fmt.Errorf("remote_url is required (config file or EBB_REMOTE_URL)")
	}
	client := remote.NewHTTP(cfg.RemoteURL, os.Getenv("EBB_REMOTE_TOKEN"), 0)

	return engine.New(st, client, &engine.Config{
		RetryCap:    cfg.RetryCap,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		Logger:      log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}, nil), nil
}
