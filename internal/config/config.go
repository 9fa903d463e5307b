// Package config loads blockvault's configuration the way dittofs loads
// pkg/config.Config: viper reads a file plus BLOCKVAULT_*-prefixed
// environment overrides into a struct decoded via mapstructure, defaults
// fill in anything left zero, and go-playground/validator enforces the
// struct tags before the result is handed to the CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// Config is blockvault's full configuration surface.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Backend BackendConfig `mapstructure:"backend"`
	Restore RestoreConfig `mapstructure:"restore"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls internal/logger's Configure call.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"required,oneof=text json"`
	Output string `mapstructure:"output" validate:"required"`
}

// CatalogConfig selects and configures the catalog database driver.
type CatalogConfig struct {
	// Driver is "sqlite" or "postgres".
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`

	// SQLitePath is used when Driver is "sqlite".
	SQLitePath string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`

	// Postgres* are used when Driver is "postgres".
	PostgresHost     string `mapstructure:"postgres_host" validate:"required_if=Driver postgres"`
	PostgresPort     int    `mapstructure:"postgres_port"`
	PostgresDatabase string `mapstructure:"postgres_database" validate:"required_if=Driver postgres"`
	PostgresUser     string `mapstructure:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password"`
	PostgresSSLMode  string `mapstructure:"postgres_sslmode"`
}

// BackendConfig selects and configures the volume storage backend.
type BackendConfig struct {
	// Scheme is "fs", "s3", or "memory" (memory exists for tests only).
	Scheme string `mapstructure:"scheme" validate:"required,oneof=fs s3 memory"`

	// FSBasePath is used when Scheme is "fs".
	FSBasePath string `mapstructure:"fs_base_path" validate:"required_if=Scheme fs"`

	// S3Bucket/S3Prefix/S3Region are used when Scheme is "s3".
	S3Bucket string `mapstructure:"s3_bucket" validate:"required_if=Scheme s3"`
	S3Prefix string `mapstructure:"s3_prefix"`
	S3Region string `mapstructure:"s3_region"`

	// MasterKeyPath points at the root key volume keys are HKDF-derived
	// from (pkg/codec.DeriveVolumeKey).
	MasterKeyPath string `mapstructure:"master_key_path"`
}

// RestoreConfig carries the pipeline's parallelism and timeout knobs.
type RestoreConfig struct {
	CacheEntries          int           `mapstructure:"cache_entries" validate:"omitempty,min=1"`
	CacheBytes            uint64        `mapstructure:"cache_bytes"`
	MaxConcurrentFiles    int           `mapstructure:"max_concurrent_files" validate:"omitempty,min=1"`
	MaxConcurrentDownloads int          `mapstructure:"max_concurrent_downloads" validate:"omitempty,min=1"`
	MaxDecompressWorkers  int           `mapstructure:"max_decompress_workers" validate:"omitempty,min=1"`
	// DownloadTimeout is parsed and defaulted but not passed to the
	// pipeline; the downloader uses its own fixed DefaultTimeout.
	DownloadTimeout       time.Duration `mapstructure:"download_timeout"`
	TempDir               string        `mapstructure:"temp_dir"`
}

// MetricsConfig controls the Prometheus HTTP endpoint internal/metrics
// exposes.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535"`
}

// Load reads configPath (or the default search path if empty), applies
// BLOCKVAULT_* environment overrides, fills defaults, and validates the
// result.
func Load(configPath string) (*Config, error) {
	// ExperimentalBindStruct lets Unmarshal see BLOCKVAULT_* variables for
	// keys the config file does not mention.
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := v.Unmarshal(cfg, viper.DecodeHook(mapstructure.StringToTimeDurationHookFunc())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	ApplyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	v.SetEnvPrefix("BLOCKVAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(defaultConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read config file: %w", err)
	}
	return true, nil
}

// ApplyDefaults fills any unset field with blockvault's documented default.
func ApplyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Catalog.Driver == "" {
		cfg.Catalog.Driver = "sqlite"
	}
	if cfg.Catalog.PostgresSSLMode == "" {
		cfg.Catalog.PostgresSSLMode = "disable"
	}
	if cfg.Catalog.PostgresPort == 0 {
		cfg.Catalog.PostgresPort = 5432
	}
	if cfg.Backend.Scheme == "" {
		cfg.Backend.Scheme = "fs"
	}
	if cfg.Restore.CacheEntries == 0 {
		cfg.Restore.CacheEntries = 4
	}
	if cfg.Restore.CacheBytes == 0 {
		cfg.Restore.CacheBytes = 512 * 1024 * 1024
	}
	if cfg.Restore.MaxConcurrentFiles == 0 {
		cfg.Restore.MaxConcurrentFiles = 8
	}
	if cfg.Restore.MaxConcurrentDownloads == 0 {
		cfg.Restore.MaxConcurrentDownloads = 4
	}
	if cfg.Restore.DownloadTimeout == 0 {
		cfg.Restore.DownloadTimeout = 10 * time.Minute
	}
	if cfg.Restore.TempDir == "" {
		cfg.Restore.TempDir = os.TempDir()
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
}

func defaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// Validate runs struct-tag validation over cfg.
func Validate(cfg *Config) error {
	return validator.New().Struct(cfg)
}

func defaultConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "blockvault")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "blockvault")
}
