// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	ServerURL    string
	Token        string
	DBPath       string
	SettingsPath string
	// SyncInterval is how often the action queue is drained.
	SyncInterval time.Duration
	// HealthInterval is how often server reachability is polled.
	HealthInterval time.Duration
	CacheMaxAge    time.Duration
	LogLevel       string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		ServerURL:      getEnv("EVE_SERVER_URL", "http://localhost:3000"),
		Token:          getEnv("EVE_TOKEN", ""),
		DBPath:         getEnv("WALLE_DB_PATH", "./data/walle.db"),
		SettingsPath:   getEnv("WALLE_SETTINGS_PATH", "./data/settings.yaml"),
		SyncInterval:   getEnvDuration("WALLE_SYNC_INTERVAL", 60*time.Second),
		HealthInterval: getEnvDuration("WALLE_HEALTH_INTERVAL", 30*time.Second),
		CacheMaxAge:    getEnvDuration("WALLE_CACHE_MAX_AGE", 5*time.Minute),
		LogLevel:       getEnv("WALLE_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("EVE_SERVER_URL cannot be empty")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("EVE_SERVER_URL %q is not a valid URL", c.ServerURL)
	}
	if c.DBPath == "" {
		return fmt.Errorf("WALLE_DB_PATH cannot be empty")
	}
	if c.SettingsPath == "" {
		return fmt.Errorf("WALLE_SETTINGS_PATH cannot be empty")
	}
	if c.SyncInterval <= 0 {
		return fmt.Errorf("WALLE_SYNC_INTERVAL must be > 0")
	}
	if c.HealthInterval <= 0 {
		return fmt.Errorf("WALLE_HEALTH_INTERVAL must be > 0")
	}
	return nil
}

// IsLocal returns true if the configured server is on this machine.
func (c *Config) IsLocal() bool {
	return strings.Contains(c.ServerURL, "localhost") ||
		strings.Contains(c.ServerURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	trimmed := strings.TrimSpace(value)
	if d, err := time.ParseDuration(trimmed); err == nil {
		return d
	}
	// Bare numbers are taken as seconds.
	if n, err := strconv.Atoi(trimmed); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return fallback
}
