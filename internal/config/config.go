// Package config loads daemon and CLI configuration from an optional
// config file and EBB_* environment variables, with working defaults
// for every knob.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all tunables.
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `mapstructure:"db_path"`

	// SettingsPath is the persisted offline/sync-enabled toggle file.
	SettingsPath string `mapstructure:"settings_path"`

	// RemoteURL is the sync collaborator endpoint. Also used as the
	// connectivity probe target.
	RemoteURL string `mapstructure:"remote_url"`

	// SyncInterval between automatic reconciliation passes.
	SyncInterval time.Duration `mapstructure:"sync_interval"`

	// ProbeInterval between connectivity probes.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`

	// RetryCap is the attempt limit before a permanently failing
	// change is quarantined.
	RetryCap int `mapstructure:"retry_cap"`

	// BackoffBase and BackoffMax bound the retry backoff.
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`

	// Retention is how long resolved conflicts and quarantined
	// changes are kept before Vacuum prunes them.
	Retention time.Duration `mapstructure:"retention"`

	// DashboardAddr is the WebSocket dashboard listen address; empty
	// disables the dashboard.
	DashboardAddr string `mapstructure:"dashboard_addr"`

	// LogFile receives daemon logs with rotation; empty logs to stderr.
	LogFile string `mapstructure:"log_file"`
}

// DefaultDir returns the per-user data directory.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ebb"
	}
	return filepath.Join(home, ".ebb")
}

func setDefaults(v *viper.Viper) {
	dir := DefaultDir()
	v.SetDefault("db_path", filepath.Join(dir, "ebb.db"))
	v.SetDefault("settings_path", filepath.Join(dir, "settings.json"))
	v.SetDefault("remote_url", "")
	v.SetDefault("sync_interval", 30*time.Second)
	v.SetDefault("probe_interval", 15*time.Second)
	v.SetDefault("retry_cap", 5)
	v.SetDefault("backoff_base", 2*time.Second)
	v.SetDefault("backoff_max", 5*time.Minute)
	v.SetDefault("retention", 7*24*time.Hour)
	v.SetDefault("dashboard_addr", "")
	v.SetDefault("log_file", "")
}

// Load reads configuration from path (optional; empty tries
// $HOME/.ebb/config.yaml) and EBB_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("EBB")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDir())
		if err := v.ReadInConfig(); err != nil {
			// A missing default config file is fine; defaults apply.
			var notFound viper.ConfigFileNotFoundError
			var pathErr *os.PathError
			if !errors.As(err, &notFound) && !errors.As(err, &pathErr) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects impossible settings.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("sync_interval must be positive")
	}
	if c.RetryCap < 1 {
		return fmt.Errorf("retry_cap must be at least 1")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and no greater than backoff_max")
	}
	return nil
}
