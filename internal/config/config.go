// Package config loads service configuration from an optional YAML file
// overlaid with environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service and the CLI.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Ranking    RankingConfig    `yaml:"ranking"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// DatabaseConfig holds PostgreSQL configuration. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig holds the read cache configuration. Ignored without a database.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ClickHouseConfig holds the leaderboard archive configuration.
type ClickHouseConfig struct {
	DSN string `yaml:"dsn"`
}

// LedgerConfig holds trading rules.
type LedgerConfig struct {
	StartingCash    string        `yaml:"starting_cash"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	PersistRetries  int           `yaml:"persist_retries"`
	ReservedTickers []string      `yaml:"reserved_tickers"` // nil uses the built-in index list

	cash decimal.Decimal
}

// Cash is the parsed starting balance. Valid after Validate.
func (l LedgerConfig) Cash() decimal.Decimal { return l.cash }

// RankingConfig holds the leaderboard schedule.
type RankingConfig struct {
	Schedule string        `yaml:"schedule"` // five-field cron
	Timeout  time.Duration `yaml:"timeout"`  // per run
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", LogLevel: "info"},
		Redis:  RedisConfig{CacheTTL: 30 * time.Second},
		Ledger: LedgerConfig{
			StartingCash:   "100000",
			LockTimeout:    2 * time.Second,
			PersistRetries: 3,
		},
		Ranking: RankingConfig{
			Schedule: "*/15 * * * *",
			Timeout:  2 * time.Minute,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is non-empty), then environment variables. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.LogLevel = getEnv("LOG_LEVEL", c.Server.LogLevel)
	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.ClickHouse.DSN = getEnv("CLICKHOUSE_DSN", c.ClickHouse.DSN)
	c.Ledger.StartingCash = getEnv("STARTING_CASH", c.Ledger.StartingCash)
	c.Ranking.Schedule = getEnv("RANKING_SCHEDULE", c.Ranking.Schedule)

	if v := os.Getenv("RESERVED_TICKERS"); v != "" {
		c.Ledger.ReservedTickers = splitList(v)
	}

	var err error
	if c.Redis.CacheTTL, err = getDuration("CACHE_TTL", c.Redis.CacheTTL); err != nil {
		return err
	}
	if c.Ledger.LockTimeout, err = getDuration("LOCK_TIMEOUT", c.Ledger.LockTimeout); err != nil {
		return err
	}
	if c.Ranking.Timeout, err = getDuration("RANKING_TIMEOUT", c.Ranking.Timeout); err != nil {
		return err
	}
	if v := os.Getenv("PERSIST_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PERSIST_RETRIES: %w", err)
		}
		c.Ledger.PersistRetries = n
	}
	return nil
}

// Validate checks if the configuration is valid and parses derived values.
func (c *Config) Validate() error {
	cash, err := decimal.NewFromString(c.Ledger.StartingCash)
	if err != nil {
		return fmt.Errorf("ledger.starting_cash %q: %w", c.Ledger.StartingCash, err)
	}
	if !cash.IsPositive() {
		return fmt.Errorf("ledger.starting_cash must be positive, got %s", cash)
	}
	c.Ledger.cash = cash

	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger.lock_timeout must be positive")
	}
	if c.Ledger.PersistRetries < 0 {
		return fmt.Errorf("ledger.persist_retries must not be negative")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL <= 0 {
		return fmt.Errorf("redis.cache_ttl must be positive")
	}
	if _, err := cron.ParseStandard(c.Ranking.Schedule); err != nil {
		return fmt.Errorf("ranking.schedule %q: %w", c.Ranking.Schedule, err)
	}
	if c.Ranking.Timeout <= 0 {
		return fmt.Errorf("ranking.timeout must be positive")
	}
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("server.port %q is not a number", c.Server.Port)
	}
	return nil
}

// SlogLevel maps the configured log level name.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.Server.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// getEnv gets an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
