package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebb-sync/ebb/internal/ui"
)

var vacuumCmd = &cobra.Command{
	Use:   "vacuum",
	Short: "Prune resolved conflicts and quarantined changes past retention",
	RunE:  runVacuum,
}

func init() {
	vacuumCmd.Flags().Duration("retention", 0, "Retention window (overrides config)")
	rootCmd.AddCommand(vacuumCmd)
}

func runVacuum(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	retention := cfg.Retention
	if v, _ := cmd.Flags().GetDuration("retention"); v > 0 {
		retention = v
	}
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	pruned, err := st.Vacuum(cmd.Context(), retention)
	if err != nil {
		return fmt.Errorf("vacuum failed: %w", err)
	}

	fmt.Printf("%s %d rows older than %s\n", ui.OK("Pruned"), pruned, retention)
	return nil
}
