package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ebb-sync/ebb/internal/record"
	"github.com/ebb-sync/ebb/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve sync conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts",
	RunE:  runConflictsList,
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict with a strategy",
	Long: `Resolve an open conflict.

Strategies:
  local-wins    keep the local copy and push it to the remote
  remote-wins   adopt the remote copy, discarding the local change
  manual-merge  write the payload given via --merged and push it

Examples:
  ebb conflicts resolve 3f2a... --strategy remote-wins
  ebb conflicts resolve 3f2a... --strategy manual-merge --merged '{"title":"merged"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runConflictsResolve,
}

func init() {
	conflictsListCmd.Flags().Bool("json", false, "Output as JSON")
	conflictsResolveCmd.Flags().String("strategy", "", "Resolution strategy: local-wins, remote-wins, or manual-merge")
	conflictsResolveCmd.Flags().String("merged", "", "Merged payload as JSON (manual-merge only)")
	_ = conflictsResolveCmd.MarkFlagRequired("strategy")

	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)
	rootCmd.AddCommand(conflictsCmd)
}

func runConflictsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	open, err := st.OpenConflicts(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list conflicts: %w", err)
	}

	if jsonOut, _ := cmd.Flags().GetBool("json"); jsonOut {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(open)
	}

	if len(open) == 0 {
		fmt.Println(ui.OK("No open conflicts."))
		return nil
	}

	for _, c := range open {
		fmt.Printf("%s  %s/%s  %s  detected %s\n",
			ui.Accent(c.ID), c.Collection, c.RecordID, ui.Warn(string(c.Type)),
			c.DetectedAt.Local().Format(time.RFC3339))
	}
	return nil
}

func runConflictsResolve(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	strategy := record.Strategy("")
	if v, _ := cmd.Flags().GetString("strategy"); v != "" {
		strategy = record.Strategy(v)
	}
	if !record.ValidResolution(strategy) {
		return fmt.Errorf("invalid strategy %q: use local-wins, remote-wins, or manual-merge", strategy)
	}

	var merged record.Payload
	if raw, _ := cmd.Flags().GetString("merged"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &merged); err != nil {
			return fmt.Errorf("invalid --merged JSON: %w", err)
		}
	}
	if strategy == record.StrategyManualMerge && merged == nil {
		return fmt.Errorf("--merged is required for manual-merge")
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

	if err := eng.Resolve(cmd.Context(), args[0], strategy, merged); err != nil {
		return err
	}
	fmt.Println(ui.OK(fmt.Sprintf("Conflict %s resolved with %s", args[0], strategy)))

	if strategy != record.StrategyRemoteWins {
		fmt.Println(ui.Dim("A pending change was queued; run 'ebb sync' to push it."))
	}
	return nil
}
