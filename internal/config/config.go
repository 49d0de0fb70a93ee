package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Preflight sources
const (
	PreflightMemory = "memory"
	PreflightDisk   = "disk"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FSMDBPath  string `mapstructure:"fsm-db-path"`

	// Catalog and fetch configuration
	CatalogURLs    []string      `mapstructure:"catalog-urls"`
	S3Region       string        `mapstructure:"s3-region"`
	HTTPTimeout    time.Duration `mapstructure:"http-timeout"`
	CatalogRetries int           `mapstructure:"catalog-retries"`

	// Write limits
	ChunkTimeout time.Duration `mapstructure:"chunk-timeout"`
	MaxImageSize int64         `mapstructure:"max-image-size"`

	// Capacity preflight
	PreflightSource string `mapstructure:"preflight-source"`
	PreflightPath   string `mapstructure:"preflight-path"`

	LogLevel string `mapstructure:"log-level"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("sqlite-path", ".artifacts/rflash.db")
	viper.SetDefault("fsm-db-path", ".artifacts/fsm")
	viper.SetDefault("catalog-urls", []string{
		"https://dl.google.com/dl/edgedl/chromeos/recovery/recovery2.json",
		"https://dl.google.com/dl/edgedl/chromeos/recovery/cloudready_recovery2.json",
	})
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("http-timeout", 30*time.Second)
	viper.SetDefault("catalog-retries", 3)
	viper.SetDefault("chunk-timeout", 5*time.Second)
	viper.SetDefault("max-image-size", int64(16*1024*1024*1024))
	viper.SetDefault("preflight-source", PreflightMemory)
	viper.SetDefault("preflight-path", ".")
	viper.SetDefault("log-level", "info")

	// Environment variables (will be RFLASH_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("RFLASH")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.rflash")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.FSMDBPath == "" {
		return fmt.Errorf("fsm-db-path cannot be empty")
	}
	if len(c.CatalogURLs) == 0 {
		return fmt.Errorf("catalog-urls cannot be empty")
	}
	if c.HTTPTimeout <= 0 {
		return fmt.Errorf("http-timeout must be positive")
	}
	if c.CatalogRetries < 0 {
		return fmt.Errorf("catalog-retries must be non-negative")
	}
	if c.ChunkTimeout <= 0 {
		return fmt.Errorf("chunk-timeout must be positive")
	}
	if c.MaxImageSize <= 0 {
		return fmt.Errorf("max-image-size must be positive")
	}
	switch c.PreflightSource {
	case PreflightMemory:
	case PreflightDisk:
		if c.PreflightPath == "" {
			return fmt.Errorf("preflight-path cannot be empty for disk preflight")
		}
	default:
		return fmt.Errorf("unknown preflight-source %q", c.PreflightSource)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log-level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log-level %q", name)
	}
	return level, nil
}
