package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/darwin7381/oao-to-sub001/internal/util"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML configuration for the server.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	RateLimit RateLimitConfig `yaml:"rate-limit"`
	Usage     UsageConfig     `yaml:"usage"`
	Admin     AdminConfig     `yaml:"admin"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds the ledger store DSN.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig holds fast cache connection settings. An empty Addr disables
// Redis and falls back to the in-process cache.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LoggingConfig holds log level and rotation settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// RateLimitConfig holds fallback ceilings applied when a key carries none.
type RateLimitConfig struct {
	DefaultPerMinute int64 `yaml:"default-per-minute"`
	DefaultPerDay    int64 `yaml:"default-per-day"`
}

// UsageConfig holds usage recorder tuning.
type UsageConfig struct {
	BufferSize    int `yaml:"buffer-size"`
	RetentionDays int `yaml:"retention-days"`
}

// AdminConfig guards the administrative endpoints.
type AdminConfig struct {
	Token string `yaml:"token"`
}

// CredentialCacheTTL is how long a verified credential projection may be
// served from the fast cache before the ledger store is consulted again.
const CredentialCacheTTL = 300 * time.Second

// ResolveConfigPath resolves the effective config path, preferring an explicit
// value, then the writable path convention, then the working directory.
func ResolveConfigPath(path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed != "" {
		return filepath.Clean(trimmed)
	}
	if base := util.WritablePath(); base != "" {
		return filepath.Join(base, "config.yaml")
	}
	return "config.yaml"
}

// Load reads and parses the YAML config file, applying defaults for any
// missing values.
func Load(path string) (*Config, error) {
	resolved := ResolveConfigPath(path)
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", resolved, err)
	}
	var cfg Config
	if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
		return nil, fmt.Errorf("config: parse %s: %w", resolved, errUnmarshal)
	}
	cfg.applyDefaults()
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, fmt.Errorf("config: %s: database.dsn is required", resolved)
	}
	return &cfg, nil
}

// applyDefaults fills zero values with usable defaults.
func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = ":8317"
	}
	if c.RateLimit.DefaultPerMinute <= 0 {
		c.RateLimit.DefaultPerMinute = 60
	}
	if c.RateLimit.DefaultPerDay <= 0 {
		c.RateLimit.DefaultPerDay = 5000
	}
	if c.Usage.BufferSize <= 0 {
		c.Usage.BufferSize = 1024
	}
	if c.Usage.RetentionDays < 0 {
		c.Usage.RetentionDays = 0
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
}
