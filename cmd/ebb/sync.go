package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebb-sync/ebb/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation pass now",
	Long: `Run a single reconciliation pass: drain the pending-change queue
against the remote, then pull remote deltas into the local mirror.

The pass runs regardless of the sync_enabled toggle. Detected conflicts
are recorded for later resolution; see 'ebb conflicts'.`,
	RunE: runSync,
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	eng, err := buildEngine(cfg, st)
	if err != nil {
		return err
	}

	ran, summary, err := eng.TryRun(cmd.Context())
	if err != nil {
		return fmt.Errorf("pass failed: %w", err)
	}
	if !ran {
		fmt.Println(ui.Warn("A pass is already running"))
		return nil
	}

	fmt.Printf("%s applied=%d conflicts=%d deferred=%d quarantined=%d pulled=%d (%v)\n",
		ui.OK("Pass complete:"),
		summary.Applied, summary.Conflicts, summary.Deferred,
		summary.Quarantined, summary.Pulled, summary.Duration.Round(time.Millisecond))

	if summary.Conflicts > 0 {
		fmt.Println(ui.Warn(fmt.Sprintf("%d conflict(s) need resolution; run 'ebb conflicts list'", summary.Conflicts)))
	}
	return nil
}
