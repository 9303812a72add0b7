package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ebb-sync/ebb/internal/settings"
	"github.com/ebb-sync/ebb/internal/ui"
)

var offlineCmd = &cobra.Command{
	Use:   "offline [on|off]",
	Short: "Force offline mode on or off",
	Long: `Toggle the force-offline preference.

While forced offline, every read and write is served locally and no
reconciliation pass touches the network, even if it is reachable. The
running daemon picks the change up immediately via the settings file.`,
	Args: cobra.ExactArgs(1),
	RunE: runOffline,
}

var autosyncCmd = &cobra.Command{
	Use:   "autosync [on|off]",
	Short: "Enable or disable automatic reconciliation passes",
	Long: `Toggle the sync_enabled preference.

With autosync off, the daemon stops triggering passes on the interval
and on reconnect. Manual passes ('ebb sync') still run.`,
	Args: cobra.ExactArgs(1),
	RunE: runAutosync,
}

func init() {
	rootCmd.AddCommand(offlineCmd)
	rootCmd.AddCommand(autosyncCmd)
}

func parseToggle(arg string) (bool, error) {
	switch arg {
	case "on":
		return true, nil
	case "off":
		return false, nil
	default:
		return false, fmt.Errorf("expected 'on' or 'off', got %q", arg)
	}
}

func runOffline(cmd *cobra.Command, args []string) error {
	v, err := parseToggle(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	prefs, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return err
	}
	if err := prefs.SetForceOffline(v); err != nil {
		return err
	}

	if v {
		fmt.Println(ui.Warn("Forced offline. All operations are local until 'ebb offline off'."))
	} else {
		fmt.Println(ui.OK("Force-offline cleared. Sync resumes when the network is reachable."))
	}
	return nil
}

func runAutosync(cmd *cobra.Command, args []string) error {
	v, err := parseToggle(args[0])
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	prefs, err := settings.Load(cfg.SettingsPath)
	if err != nil {
		return err
	}
	if err := prefs.SetSyncEnabled(v); err != nil {
		return err
	}

	if v {
		fmt.Println(ui.OK("Automatic sync enabled."))
	} else {
		fmt.Println(ui.Warn("Automatic sync disabled. Use 'ebb sync' for manual passes."))
	}
	return nil
}
