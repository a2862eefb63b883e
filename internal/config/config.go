// Package config provides YAML-based configuration loading for Waypoint.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Waypoint configuration, loaded from waypoint.yaml.
type Config struct {
	Account   string          `yaml:"account"`
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Sync      SyncConfig      `yaml:"sync"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// ServerConfig holds settings for the remote trip API.
type ServerConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	TokenFile      string `yaml:"token_file"`
}

// StoreConfig holds settings for the local mirror database.
// The on-device default is SQLite; "mysql" points the mirror at a
// networked database for headless or shared deployments.
type StoreConfig struct {
	Driver   string `yaml:"driver"` // "sqlite" (default) or "mysql"
	Path     string `yaml:"path"`   // sqlite file path
	Host     string `yaml:"host"`   // mysql settings
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// SyncConfig tunes the reconciler and connectivity monitor.
type SyncConfig struct {
	MaxAttempts        int    `yaml:"max_attempts"`
	BaseBackoffSeconds int    `yaml:"base_backoff_seconds"`
	MaxBackoffSeconds  int    `yaml:"max_backoff_seconds"`
	ProbeURL           string `yaml:"probe_url"`
	ProbeSchedule      string `yaml:"probe_schedule"` // 5-field cron expression
}

// DashboardConfig holds settings for the local status dashboard.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	home, _ := os.UserHomeDir()
	if c.Server.TimeoutSeconds == 0 {
		c.Server.TimeoutSeconds = 15
	}
	if c.Server.TokenFile == "" && home != "" {
		c.Server.TokenFile = filepath.Join(home, ".waypoint", "token")
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" && home != "" {
		c.Store.Path = filepath.Join(home, ".waypoint", "waypoint.db")
	}
	if c.Store.Host == "" {
		c.Store.Host = "127.0.0.1"
	}
	if c.Store.Port == 0 {
		c.Store.Port = 3306
	}
	if c.Store.Database == "" && c.Account != "" {
		c.Store.Database = "waypoint_" + c.Account
	}
	if c.Sync.MaxAttempts == 0 {
		c.Sync.MaxAttempts = 5
	}
	if c.Sync.BaseBackoffSeconds == 0 {
		c.Sync.BaseBackoffSeconds = 2
	}
	if c.Sync.MaxBackoffSeconds == 0 {
		c.Sync.MaxBackoffSeconds = 120
	}
	if c.Sync.ProbeURL == "" && c.Server.BaseURL != "" {
		c.Sync.ProbeURL = strings.TrimSuffix(c.Server.BaseURL, "/") + "/healthz"
	}
	if c.Sync.ProbeSchedule == "" {
		c.Sync.ProbeSchedule = "*/3 * * * *"
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Account == "" {
		errs = append(errs, "account is required")
	}
	if c.Server.BaseURL == "" {
		errs = append(errs, "server.base_url is required")
	}
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			errs = append(errs, "store.path is required for the sqlite driver")
		}
	case "mysql":
		if c.Store.Database == "" {
			errs = append(errs, "store.database is required for the mysql driver")
		}
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported (sqlite, mysql)", c.Store.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Timeout returns the per-call gateway timeout as a duration.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Server.TimeoutSeconds) * time.Second
}

// BaseBackoff returns the reconciler's initial retry backoff.
func (c *Config) BaseBackoff() time.Duration {
	return time.Duration(c.Sync.BaseBackoffSeconds) * time.Second
}

// MaxBackoff returns the reconciler's backoff cap.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.Sync.MaxBackoffSeconds) * time.Second
}
