// Command ebb is an offline-first sync core: a local SQLite store,
// a durable pending-change queue, and a reconciliation engine that
// drains it against a remote collaborator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ebb-sync/ebb/internal/config"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:   "ebb",
	Short: "Offline-first data synchronization core",
	Long: `ebb keeps a local SQLite mirror of remote collections, queues every
local mutation durably while offline, and reconciles with the remote
when connectivity returns.

Local writes always succeed. Reads fall back to the local mirror when
the remote is unreachable. Divergence is detected, recorded as
conflicts, and resolved explicitly (local-wins, remote-wins, or a
manual merge).

Run 'ebb daemon' for continuous background sync, or 'ebb sync' for a
single reconciliation pass.`,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "Config file (default $HOME/.ebb/config.yaml)")
}

// loadConfig reads configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
