package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config holds all configuration for dropcode
type Config struct {
	// Server configuration
	Listen   string `mapstructure:"listen"`
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`

	// Public URL (used for links embedded in QR codes)
	PublicURL string `mapstructure:"public_url"`

	// TLS configuration
	EnableTLS bool   `mapstructure:"enable_tls"`
	CertFile  string `mapstructure:"cert_file"`
	KeyFile   string `mapstructure:"key_file"`

	// Share configuration
	Share ShareConfig `mapstructure:"share"`

	// Reaper configuration
	Reaper ReaperConfig `mapstructure:"reaper"`

	// Storage configuration
	Storage StorageConfig `mapstructure:"storage"`

	// Metrics configuration
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ShareConfig defines share coordinator configuration
type ShareConfig struct {
	TTL         time.Duration `mapstructure:"ttl"`           // lifetime of a share after creation
	CodeLength  int           `mapstructure:"code_length"`   // digits in a share code
	CodeRetries int           `mapstructure:"code_retries"`  // regenerate attempts on code collision
	MaxFileSize int64         `mapstructure:"max_file_size"` // bytes, 0 = unlimited
}

// ReaperConfig defines cleanup sweep configuration
type ReaperConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// StorageConfig defines blob store backend configuration
type StorageConfig struct {
	Backend string `mapstructure:"backend"` // filesystem, s3

	// Filesystem backend
	Root string `mapstructure:"root"`

	// S3 backend
	S3Endpoint  string `mapstructure:"s3_endpoint"`
	S3Region    string `mapstructure:"s3_region"`
	S3Bucket    string `mapstructure:"s3_bucket"`
	S3AccessKey string `mapstructure:"s3_access_key"`
	S3SecretKey string `mapstructure:"s3_secret_key"`
}

// MetricsConfig defines metrics configuration
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// Load loads configuration from flags, config file and environment
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
	v.SetEnvPrefix("DROPCODE")
	v.AutomaticEnv()

	// Unmarshal configuration
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("listen", ":8080")
	// NO default for data_dir - must be explicitly configured
	v.SetDefault("log_level", "info")
	v.SetDefault("public_url", "http://localhost:8080")

	// TLS defaults
	v.SetDefault("enable_tls", false)

	// Share defaults
	v.SetDefault("share.ttl", 10*time.Minute)
	v.SetDefault("share.code_length", 6)
	v.SetDefault("share.code_retries", 5)
	v.SetDefault("share.max_file_size", int64(100*1024*1024)) // 100 MiB

	// Reaper defaults
	v.SetDefault("reaper.interval", time.Minute)

	// Storage defaults
	v.SetDefault("storage.backend", "filesystem")
	v.SetDefault("storage.root", "") // Empty by default, will be set based on data_dir
	v.SetDefault("storage.s3_region", "us-east-1")

	// Metrics defaults
	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")
}

func bindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := map[string]string{
		"listen":          "listen",
		"data-dir":        "data_dir",
		"log-level":       "log_level",
		"public-url":      "public_url",
		"share-ttl":       "share.ttl",
		"reaper-interval": "reaper.interval",
		"storage-backend": "storage.backend",
	}

	for flag, key := range flags {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}

	return nil
}

func validate(cfg *Config) error {
	// Validate that data_dir is configured (either via flag, config file, or env var)
	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required: specify via --data-dir flag, config file, or DROPCODE_DATA_DIR environment variable")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if cfg.Share.TTL <= 0 {
		return fmt.Errorf("share.ttl must be positive")
	}
	if cfg.Share.CodeLength < 4 || cfg.Share.CodeLength > 12 {
		return fmt.Errorf("share.code_length must be between 4 and 12")
	}
	if cfg.Share.CodeRetries < 1 {
		return fmt.Errorf("share.code_retries must be at least 1")
	}
	if cfg.Reaper.Interval <= 0 {
		return fmt.Errorf("reaper.interval must be positive")
	}

	switch cfg.Storage.Backend {
	case "filesystem", "":
		// Setup storage root from data_dir when not configured
		if cfg.Storage.Root == "" {
			cfg.Storage.Root = filepath.Join(cfg.DataDir, "blobs")
		}
		if !filepath.IsAbs(cfg.Storage.Root) {
			absRoot, err := filepath.Abs(cfg.Storage.Root)
			if err == nil {
				cfg.Storage.Root = absRoot
			}
		}
	case "s3":
		if cfg.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for the s3 backend")
		}
		if cfg.Storage.S3AccessKey == "" || cfg.Storage.S3SecretKey == "" {
			return fmt.Errorf("storage.s3_access_key and storage.s3_secret_key are required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported storage backend: %s", cfg.Storage.Backend)
	}

	// Validate TLS configuration
	if cfg.EnableTLS {
		if cfg.CertFile == "" || cfg.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert-file or key-file not specified")
		}
	}

	return nil
}
