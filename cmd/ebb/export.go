package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ebb-sync/ebb/internal/export"
	"github.com/ebb-sync/ebb/internal/ui"
)

var exportCmd = &cobra.Command{
	Use:   "export <file.jsonl>",
	Short: "Export records, queue, and conflicts to JSONL",
	Long: `Write the local store to a JSONL file, one envelope per line.

By default only records are exported; --queue and --conflicts add the
pending-change queue (including quarantined changes) and open
conflicts, which is useful for debugging a stuck sync.

Examples:
  ebb export snapshot.jsonl
  ebb export snapshot.jsonl --queue --conflicts
  ebb export notes.jsonl --collection notes`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Import record lines from JSONL into the local mirror",
	Long: `Replay record lines from a JSONL export into the local store.

Imported rows land as synced mirror rows; rows with a pending local
change or an open conflict are never overwritten. Change and conflict
lines in the file are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	exportCmd.Flags().StringSlice("collection", nil, "Limit to these collections (repeatable)")
	exportCmd.Flags().Bool("queue", false, "Include pending and quarantined changes")
	exportCmd.Flags().Bool("conflicts", false, "Include open conflicts")
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	collections, _ := cmd.Flags().GetStringSlice("collection")
	queue, _ := cmd.Flags().GetBool("queue")
	conflicts, _ := cmd.Flags().GetBool("conflicts")

	result, err := export.Export(cmd.Context(), st, export.Options{
		Path:        args[0],
		Collections: collections,
		Queue:       queue,
		Conflicts:   conflicts,
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s %d records, %d changes, %d conflicts -> %s\n",
		ui.OK("Exported"), result.Records, result.Changes, result.Conflicts, args[0])
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := export.Import(cmd.Context(), st, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("%s %d records", ui.OK("Imported"), result.Records)
	if result.Skipped > 0 {
		fmt.Printf(" (%d non-record lines skipped)", result.Skipped)
	}
	fmt.Println()
	return nil
}
