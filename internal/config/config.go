package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the sync daemon's configuration.
type Config struct {
	Environment string
	DatabaseURL string

	// CardStatusDBPath is the sqlite file holding last-known remote card
	// statuses and the command journal.
	CardStatusDBPath string

	// RedisAddr enables the distributed provider pacer when set; empty
	// falls back to an unpaced client, fine for a single instance.
	RedisAddr     string
	RedisPassword string

	// SyncWindowDays is how far back transaction fetches reach.
	SyncWindowDays int

	// SyncInterval is the pause between scheduled pipeline runs.
	SyncInterval time.Duration
}

// Load reads configuration from environment variables. Optional knobs get
// defaults; missing required variables are collected into one error.
func Load() (*Config, error) {
	cfg := &Config{
		Environment:      os.Getenv("APP_ENV"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		CardStatusDBPath: getEnvDefault("CARD_STATUS_DB_PATH", "card_status.db"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
	}

	days, err := getEnvInt("SYNC_WINDOW_DAYS", 30)
	if err != nil {
		return nil, err
	}
	cfg.SyncWindowDays = days

	interval, err := getEnvDuration("SYNC_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.SyncInterval = interval

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var missing []string

	if c.Environment == "" {
		missing = append(missing, "APP_ENV")
	}
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	if len(missing) > 0 {
		return errors.New("missing required environment variables: " + strings.Join(missing, ", "))
	}

	if c.SyncWindowDays <= 0 {
		return errors.New("SYNC_WINDOW_DAYS must be positive")
	}
	if c.SyncInterval <= 0 {
		return errors.New("SYNC_INTERVAL must be positive")
	}

	return nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.New(key + " must be an integer, got " + strconv.Quote(v))
	}
	return n, nil
}

func getEnvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.New(key + " must be a duration like 30m, got " + strconv.Quote(v))
	}
	return d, nil
}
