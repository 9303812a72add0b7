package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebb-sync/ebb/internal/settings"
	"github.com/ebb-sync/ebb/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync state: queue depth, conflicts, last sync times",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	prefs, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return err
	}
	s := prefs.Get()

	fmt.Printf("Database:      %s\n", cfg.DBPath)
	if s.ForceOffline {
		fmt.Printf("Mode:          %s\n", ui.Warn("forced offline"))
	} else {
		fmt.Printf("Mode:          %s\n", ui.OK("online allowed"))
	}
	if s.SyncEnabled {
		fmt.Printf("Auto sync:     %s\n", ui.OK("enabled"))
	} else {
		fmt.Printf("Auto sync:     %s\n", ui.Warn("disabled"))
	}
	fmt.Println()

	ctx := cmd.Context()

	meta, err := st.AllMetadata(ctx)
	if err != nil {
		return fmt.Errorf("failed to read sync metadata: %w", err)
	}
	if len(meta) == 0 {
		fmt.Println(ui.Dim("No collections yet."))
	}
	for _, m := range meta {
		last := "never"
		if m.LastSyncAt != nil {
			last = m.LastSyncAt.Local().Format(time.RFC3339)
		}
		line := fmt.Sprintf("%-20s pending=%d last_sync=%s", m.Collection, m.PendingCount, last)
		if m.PendingCount > 0 {
			fmt.Println(ui.Accent(line))
		} else {
			fmt.Println(line)
		}
	}

	open, err := st.OpenConflicts(ctx)
	if err != nil {
		return fmt.Errorf("failed to read conflicts: %w", err)
	}
	failed, err := st.FailedChanges(ctx)
	if err != nil {
		return fmt.Errorf("failed to read quarantined changes: %w", err)
	}

	fmt.Println()
	if len(open) > 0 {
		fmt.Println(ui.Warn(fmt.Sprintf("%d open conflict(s); run 'ebb conflicts list'", len(open))))
	}
	if len(failed) > 0 {
		fmt.Println(ui.Err(fmt.Sprintf("%d quarantined change(s) need attention", len(failed))))
	}
	if len(open) == 0 && len(failed) == 0 {
		fmt.Println(ui.OK("No conflicts, nothing quarantined."))
	}
	return nil
}
