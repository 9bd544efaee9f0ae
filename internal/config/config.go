// Package config loads configuration from an optional YAML file and environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the static configuration shared by all transfers.
type Config struct {
	// Bridge
	BridgeURL   string        `yaml:"bridge_url"`
	ProxyURL    string        `yaml:"proxy_url"`
	HTTPTimeout time.Duration `yaml:"http_timeout"`

	// Mirror resolution
	MirrorPageSize     int           `yaml:"mirror_page_size"`
	MaxRepairAttempts  int           `yaml:"max_repair_attempts"` // 0 = unbounded
	RepairBackoff      time.Duration `yaml:"repair_backoff"`      // 0 = retry immediately
	RepairBackoffLimit time.Duration `yaml:"repair_backoff_limit"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Metrics (empty disables the listener)
	MetricsAddr string `yaml:"metrics_addr"`

	// S3 download sink
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Region    string `yaml:"s3_region"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		MirrorPageSize:     6,
		RepairBackoffLimit: 10 * time.Second,
		LogLevel:           "info",
		LogFormat:          "json",
		S3Region:           "us-east-1",
	}
}

// Load reads DRIVE_CONFIG (if set) and then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("DRIVE_CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.BridgeURL = envOr("DRIVE_BRIDGE_URL", cfg.BridgeURL)
	cfg.ProxyURL = envOr("DRIVE_PROXY_URL", cfg.ProxyURL)
	cfg.HTTPTimeout = envDuration("DRIVE_HTTP_TIMEOUT", cfg.HTTPTimeout)
	cfg.MirrorPageSize = envInt("DRIVE_MIRROR_PAGE_SIZE", cfg.MirrorPageSize)
	cfg.MaxRepairAttempts = envInt("DRIVE_MAX_REPAIR_ATTEMPTS", cfg.MaxRepairAttempts)
	cfg.RepairBackoff = envDuration("DRIVE_REPAIR_BACKOFF", cfg.RepairBackoff)
	cfg.RepairBackoffLimit = envDuration("DRIVE_REPAIR_BACKOFF_LIMIT", cfg.RepairBackoffLimit)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)
	cfg.S3AccessKey = envOr("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("S3_SECRET_KEY", cfg.S3SecretKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.BridgeURL == "" {
		return fmt.Errorf("DRIVE_BRIDGE_URL is required")
	}
	if c.MirrorPageSize <= 0 {
		return fmt.Errorf("mirror page size must be positive, got %d", c.MirrorPageSize)
	}
	if c.MaxRepairAttempts < 0 {
		return fmt.Errorf("max repair attempts must not be negative, got %d", c.MaxRepairAttempts)
	}
	c.BridgeURL = strings.TrimSuffix(c.BridgeURL, "/")
	c.ProxyURL = strings.TrimSuffix(c.ProxyURL, "/")
	return nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
