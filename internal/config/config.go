// Package config loads static configuration via viper: defaults, then an
// optional YAML file, then ALBUMTOVIDEO_-prefixed environment variables,
// then validation. Grounded on
// ArthurCRodrigues-transcode-worker/internal/config.Load (same
// defaults-then-file-then-env-then-validate pipeline and mapstructure
// tags), generalized from a worker-sync config to a single-job render
// config.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all static configuration for one render job process.
type Config struct {
	ResourcesRoot         string        `mapstructure:"resources_root"`
	AppLogDir             string        `mapstructure:"app_log_dir"`
	LedgerDir             string        `mapstructure:"ledger_dir"`
	PresetFilePath        string        `mapstructure:"preset_file_path"`
	LogLevel              string        `mapstructure:"log_level"`
	MaxLedgers            int           `mapstructure:"max_ledgers"`
	MaxKeptLogFiles       int           `mapstructure:"max_kept_log_files"`
	ProbeTimeout          time.Duration `mapstructure:"probe_timeout"`
	WallTimeout           time.Duration `mapstructure:"wall_timeout"`
	WatchdogNoProgress    time.Duration `mapstructure:"watchdog_no_progress"`
	CleanupKillTimeout    time.Duration `mapstructure:"cleanup_kill_timeout"`
	DiagnosticsUploadURL  string        `mapstructure:"diagnostics_upload_url"`
}

// Load reads configuration from <path>/config.yaml and environment
// variables. Priority: Env Vars > Config File > Defaults.
func Load(path string) (*Config, error) {
	v := viper.New()

	// 1. Set Defaults
	v.SetDefault("log_level", "info")
	v.SetDefault("max_ledgers", 64)
	v.SetDefault("max_kept_log_files", 10)
	v.SetDefault("probe_timeout", "10s")
	v.SetDefault("wall_timeout", "20m")
	v.SetDefault("watchdog_no_progress", "15s")
	v.SetDefault("cleanup_kill_timeout", "3s")

	// 2. Load from File
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name

	// Look for config in these paths
	v.AddConfigPath(path)       // Custom path provided by caller
	v.AddConfigPath(".")        // Current directory
	v.AddConfigPath("./config") // Config directory

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// It's okay if config file is missing, provided Env Vars are set.
	}

	// 3. Load from Environment Variables
	v.SetEnvPrefix("ALBUMTOVIDEO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Unmarshal into Struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	// 5. Validation & Post-Processing
	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.AppLogDir == "" {
		return errors.New("configuration 'app_log_dir' is required")
	}
	if cfg.LedgerDir == "" {
		return errors.New("configuration 'ledger_dir' is required")
	}
	if cfg.MaxLedgers <= 0 {
		return errors.New("configuration 'max_ledgers' must be positive")
	}
	if cfg.WallTimeout <= 0 {
		return errors.New("configuration 'wall_timeout' must be positive")
	}

	if err := os.MkdirAll(cfg.AppLogDir, 0o755); err != nil {
		return fmt.Errorf("unable to create app_log_dir at %s: %w", cfg.AppLogDir, err)
	}
	if err := os.MkdirAll(cfg.LedgerDir, 0o755); err != nil {
		return fmt.Errorf("unable to create ledger_dir at %s: %w", cfg.LedgerDir, err)
	}

	return nil
}
