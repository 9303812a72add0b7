package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ebb-sync/ebb/internal/daemon"
	"github.com/ebb-sync/ebb/internal/remote"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon probes connectivity, watches the settings file for the
offline toggle, runs reconciliation passes on an interval and on
reconnect, prunes old bookkeeping rows, and optionally serves a
WebSocket dashboard.

Example usage:
  ebb daemon                                # use config defaults
  ebb daemon --dashboard :8799              # with live dashboard
  EBB_REMOTE_URL=https://api.example.com ebb daemon`,
	RunE: runDaemon,
}

func init() {
	daemonCmd.Flags().String("dashboard", "", "Dashboard listen address (overrides config)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("dashboard"); addr != "" {
		cfg.DashboardAddr = addr
	}
	if cfg.RemoteURL == "" {
		return fmt.Errorf("remote_url is required (config file or EBB_REMOTE_URL)")
	}

	logger := log.New(os.Stderr, "[ebb] ", log.LstdFlags)
	if cfg.LogFile != "" {
		logger = log.New(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}, "[ebb] ", log.LstdFlags)
	}

	client := remote.NewHTTP(cfg.RemoteURL, os.Getenv("EBB_REMOTE_TOKEN"), 0)

	d, err := daemon.New(cfg, client, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	fmt.Printf("Sync daemon running (db: %s)\n", cfg.DBPath)
	if cfg.DashboardAddr != "" {
		fmt.Printf("Dashboard: ws://%s/ws\n", cfg.DashboardAddr)
	}
	fmt.Println("Press Ctrl+C to stop...")

	return d.Start(ctx)
}
