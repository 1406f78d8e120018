// Package config provides the beacon CLI configuration and the agent's script-tag configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the settings of the replay CLI.
type Config struct {
	CachePath    string        // SQLite validator cache; empty keeps the cache in memory
	ProbeTimeout time.Duration // upper bound on a single /event/ping round trip
	SendTimeout  time.Duration // upper bound on a single /event/hit round trip
	QueueSize    int           // pending ordinary requests before new ones are dropped
	LogLevel     slog.Level
	LogJSON      bool
	Timezone     string // reported timezone when a scenario does not set one
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("BEACON_QUEUE_SIZE", 64)
	if queueSize <= 0 {
		queueSize = 64
	}

	cfg := &Config{
		CachePath:    getEnv("BEACON_CACHE_PATH", ""),
		ProbeTimeout: getEnvDuration("BEACON_PROBE_TIMEOUT", 5*time.Second),
		SendTimeout:  getEnvDuration("BEACON_SEND_TIMEOUT", 10*time.Second),
		QueueSize:    queueSize,
		LogLevel:     getEnvLevel("BEACON_LOG_LEVEL", slog.LevelInfo),
		LogJSON:      getEnvBool("BEACON_LOG_JSON", true),
		Timezone:     getEnv("BEACON_TIMEZONE", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all settings are usable.
func (c *Config) Validate() error {
	if c.ProbeTimeout <= 0 {
		return fmt.Errorf("BEACON_PROBE_TIMEOUT must be > 0")
	}
	if c.SendTimeout <= 0 {
		return fmt.Errorf("BEACON_SEND_TIMEOUT must be > 0")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("BEACON_QUEUE_SIZE must be > 0")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("BEACON_TIMEZONE: %w", err)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	return parseBool(value, fallback)
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

func getEnvLevel(key string, fallback slog.Level) slog.Level {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(value))); err != nil {
		return fallback
	}
	return lvl
}
