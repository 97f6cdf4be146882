package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/armorylog/armorylog/internal/kvstore"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for armorylog
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Key-value storage configuration
	Storage kvstore.Config `mapstructure:"storage"`

	// Image blob configuration
	Images ImagesConfig `mapstructure:"images"`

	// Maintenance configuration
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ImagesConfig defines where image blobs live
type ImagesConfig struct {
	Dir string `mapstructure:"dir"`
}

// MaintenanceConfig defines the periodic orphan collection
type MaintenanceConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Listen string `mapstructure:"listen"` // empty disables the endpoint
}

// envKeyReplacer maps storage.instance_id to ARMORYLOG_STORAGE_INSTANCE_ID.
var envKeyReplacer = strings.NewReplacer(".", "_")

// Load loads configuration from various sources
func Load(cmd *cobra.Command) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Bind command line flags
	if err := bindFlags(cmd, v); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	// Read from config file if specified
	if configFile, _ := cmd.Flags().GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Read from environment variables
	v.SetEnvPrefix("ARMORYLOG")
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate and setup defaults
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")

	// Storage defaults
	v.SetDefault("storage.backend", string(kvstore.KindPrimary))
	v.SetDefault("storage.instance_id", "default")
	v.SetDefault("storage.encryption_key", "")

	// Images default to <data_dir>/images, resolved in validate
	v.SetDefault("images.dir", "")

	// Maintenance defaults
	v.SetDefault("maintenance.interval", 24*time.Hour)

	// Metrics are off unless a listen address is given
	v.SetDefault("metrics.listen", "")
}

// bindFlags binds the flags present on cmd; subcommands define only some.
func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"data-dir":       "data_dir",
		"log-level":      "log_level",
		"backend":        "storage.backend",
		"instance-id":    "storage.instance_id",
		"encryption-key": "storage.encryption_key",
		"images-dir":     "images.dir",
		"interval":       "maintenance.interval",
		"metrics-listen": "metrics.listen",
	}

	for flag, key := range flags {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return err
		}
	}

	return nil
}

func validate(cfg *Config) error {
	// Validate that data_dir is configured (either via flag, config file, or env var)
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or ARMORYLOG_DATA_DIR environment variable")
	}

	if !filepath.IsAbs(cfg.DataDir) {
		absDir, err := filepath.Abs(cfg.DataDir)
		if err == nil {
			cfg.DataDir = absDir
		}
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	switch cfg.Storage.Backend {
	case "":
		cfg.Storage.Backend = kvstore.KindPrimary
	case kvstore.KindPrimary, kvstore.KindPebble:
	default:
		return &kvstore.UnsupportedKindError{Kind: cfg.Storage.Backend}
	}

	if cfg.Storage.InstanceID == "" {
		cfg.Storage.InstanceID = "default"
	}
	if id := cfg.Storage.InstanceID; filepath.Base(id) != id || id == "." || id == ".." {
		return fmt.Errorf("storage.instance_id %q must be a plain name", cfg.Storage.InstanceID)
	}

	// Setup images dir
	if cfg.Images.Dir == "" {
		cfg.Images.Dir = filepath.Join(cfg.DataDir, "images")
	}
	if !filepath.IsAbs(cfg.Images.Dir) {
		absDir, err := filepath.Abs(cfg.Images.Dir)
		if err == nil {
			cfg.Images.Dir = absDir
		}
	}

	if cfg.Maintenance.Interval <= 0 {
		logrus.WithField("interval", cfg.Maintenance.Interval).Warn("Invalid maintenance interval, using 24h")
		cfg.Maintenance.Interval = 24 * time.Hour
	}

	return nil
}
