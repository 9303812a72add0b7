// Package daemon wires the sync core together and runs it in the
// background.
//
// The daemon:
// 1. Opens the local store and loads persisted settings
// 2. Probes connectivity and reacts to the offline toggle file
// 3. Schedules reconciliation passes (interval, reconnect, manual)
// 4. Serves the optional WebSocket dashboard
// 5. Handles graceful shutdown
package daemon

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/ebb-sync/ebb/internal/config"
	"github.com/ebb-sync/ebb/internal/connectivity"
	"github.com/ebb-sync/ebb/internal/dashboard"
	"github.com/ebb-sync/ebb/internal/engine"
	"github.com/ebb-sync/ebb/internal/remote"
	"github.com/ebb-sync/ebb/internal/scheduler"
	"github.com/ebb-sync/ebb/internal/settings"
	"github.com/ebb-sync/ebb/internal/store"
)

// vacuumInterval is how often retention pruning runs.
const vacuumInterval = time.Hour

// Daemon orchestrates the store, connectivity, engine, and scheduler.
type Daemon struct {
	cfg    *config.Config
	logger *log.Logger

	store     *store.Store
	settings  *settings.File
	watcher   *settings.Watcher
	oracle    *connectivity.Oracle
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
	dash      *dashboard.Server
	handler   *dashboard.Handler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Daemon. The remote client is injected so the daemon
// stays transport-agnostic; callers typically pass remote.NewHTTP.
// If logger is nil, a default logger writing to stderr is used.
func New(cfg *config.Config, client remote.Client, logger *log.Logger) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("remote client cannot be nil")
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[ebb] ", log.LstdFlags)
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	settingsFile, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	var prober connectivity.Prober
	if target := probeTarget(cfg.RemoteURL); target != "" {
		prober = &connectivity.DialProber{Addr: target}
	} else {
		// No remote endpoint configured: treat the network as
		// reachable and let Apply failures drive retries.
		prober = connectivity.StaticProber(true)
	}
	oracle := connectivity.New(prober, cfg.ProbeInterval, logger)
	oracle.SetForceOffline(settingsFile.Get().ForceOffline)

	var (
		dash    *dashboard.Server
		handler *dashboard.Handler
	)
	if cfg.DashboardAddr != "" {
		dash = dashboard.NewServer(&dashboard.Config{Addr: cfg.DashboardAddr, Logger: logger})
		handler = dashboard.NewHandler(dash, st)
	}

	engineCfg := &engine.Config{
		RetryCap:    cfg.RetryCap,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
		Logger:      logger,
	}
	var notifier engine.Notifier
	if handler != nil {
		notifier = handler
	}
	eng := engine.New(st, client, engineCfg, notifier)

	enabled := func() bool {
		s := settingsFile.Get()
		return s.SyncEnabled && oracle.Online()
	}
	sched := scheduler.New(eng, cfg.SyncInterval, oracle.Subscribe(), enabled, logger)

	watcher, err := settings.NewWatcher(settingsFile)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to create settings watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		settings:  settingsFile,
		watcher:   watcher,
		oracle:    oracle,
		engine:    eng,
		scheduler: sched,
		dash:      dash,
		handler:   handler,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Store exposes the daemon's store for in-process callers.
func (d *Daemon) Store() *store.Store {
	return d.store
}

// Engine exposes the reconciliation engine for in-process callers.
func (d *Daemon) Engine() *engine.Engine {
	return d.engine
}

// Trigger requests a reconciliation pass right now.
func (d *Daemon) Trigger(ctx context.Context) (bool, *engine.Summary, error) {
	return d.scheduler.Trigger(ctx)
}

// Start runs the daemon until ctx is cancelled.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Println("Starting sync daemon")

	if d.dash != nil {
		if err := d.dash.Start(); err != nil {
			return fmt.Errorf("failed to start dashboard: %w", err)
		}
	}

	d.oracle.Start(d.ctx)

	if err := d.watcher.Start(); err != nil {
		d.logger.Printf("Settings watcher unavailable: %v", err)
	} else {
		d.wg.Add(1)
		go d.watchSettings()
	}

	if d.handler != nil {
		d.wg.Add(1)
		go d.forwardOnlineState()
	}

	if err := d.scheduler.Start(d.ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	d.wg.Add(1)
	go d.vacuumLoop()

	select {
	case <-ctx.Done():
	case <-d.ctx.Done():
	}

	return d.Stop()
}

// Stop shuts everything down in reverse start order.
func (d *Daemon) Stop() error {
	d.logger.Println("Stopping sync daemon")
	d.cancel()

	d.scheduler.Stop()
	if err := d.watcher.Stop(); err != nil {
		d.logger.Printf("Settings watcher stop error: %v", err)
	}
	d.oracle.Stop()

	if d.dash != nil {
		if err := d.dash.Stop(); err != nil {
			d.logger.Printf("Dashboard stop error: %v", err)
		}
	}

	d.wg.Wait()

	if err := d.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	d.logger.Println("Sync daemon stopped")
	return nil
}

// watchSettings applies settings-file edits as they land: the offline
// toggle feeds the oracle immediately, and re-enabling sync lets the
// next trigger fire.
func (d *Daemon) watchSettings() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case s, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			d.logger.Printf("Settings changed: force_offline=%v sync_enabled=%v", s.ForceOffline, s.SyncEnabled)
			d.oracle.SetForceOffline(s.ForceOffline)
		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			d.logger.Printf("Settings watcher error: %v", err)
		}
	}
}

// forwardOnlineState republishes oracle transitions to the dashboard.
func (d *Daemon) forwardOnlineState() {
	defer d.wg.Done()

	transitions := d.oracle.Subscribe()
	for {
		select {
		case <-d.ctx.Done():
			return
		case online, ok := <-transitions:
			if !ok {
				return
			}
			d.handler.OnlineStateChanged(online)
		}
	}
}

// vacuumLoop prunes resolved conflicts and quarantined changes past
// the retention window.
func (d *Daemon) vacuumLoop() {
	defer d.wg.Done()

	if d.cfg.Retention <= 0 {
		return
	}

	ticker := time.NewTicker(vacuumInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			pruned, err := d.store.Vacuum(d.ctx, d.cfg.Retention)
			if err != nil {
				d.logger.Printf("Vacuum failed: %v", err)
				continue
			}
			if pruned > 0 {
				d.logger.Printf("Vacuum pruned %d rows", pruned)
			}
		}
	}
}

// probeTarget derives a host:port dial target from the remote URL.
func probeTarget(remoteURL string) string {
	if remoteURL == "" {
		return ""
	}
	u, err := url.Parse(remoteURL)
	if err != nil || u.Host == "" {
		return ""
	}
	if u.Port() != "" {
		return u.Host
	}
	switch u.Scheme {
	case "https":
		return u.Host + ":443"
	default:
		return u.Host + ":80"
	}
}
