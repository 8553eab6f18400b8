// Package config defines the engine's configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from built-in defaults, an
// optional TOML file and AMM_* environment variables, in that order.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Pricing  PricingConfig  `toml:"pricing"`
	Risk     RiskConfig     `toml:"risk"`
	Schedule ScheduleConfig `toml:"schedule"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
}

// PostgresConfig selects the PostgreSQL store. An empty DSN means the
// in-memory store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the trade-history cache, the distributed market lock
// and cross-instance event fan-out. An empty URL disables all three.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
	LockTTL  duration `toml:"lock_ttl"`
	LockPoll duration `toml:"lock_poll"`
}

// S3Config enables trade-journal archiving after resolution. An empty
// bucket disables it.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// PricingConfig is the quote and execution policy.
type PricingConfig struct {
	Fee             float64 `toml:"fee"`
	FloorCents      float64 `toml:"floor_cents"`
	CeilingCents    float64 `toml:"ceiling_cents"`
	MinStakeCents   int64   `toml:"min_stake_cents"`
	SolverTolerance float64 `toml:"solver_tolerance"`
	SolverMaxIter   int     `toml:"solver_max_iter"`
}

// RiskConfig caps a user's cost basis per market and per category group.
// Zero caps disable the limiter.
type RiskConfig struct {
	MaxPerMarketCents   int64 `toml:"max_per_market_cents"`
	MaxPerCategoryCents int64 `toml:"max_per_category_cents"`
	CategoryDepth       int   `toml:"category_depth"`
}

// ScheduleConfig controls the market-expiry sweep.
type ScheduleConfig struct {
	Enabled       bool     `toml:"enabled"`
	CloseInterval duration `toml:"close_interval"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"` // empty: stdout only
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration wraps time.Duration so TOML strings like "30s" decode.
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config that runs a single in-memory instance.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
			CORSOrigins:     []string{"*"},
		},
		Postgres: PostgresConfig{MaxConns: 10, RunMigrations: true},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{10 * time.Second},
			LockPoll: duration{25 * time.Millisecond},
		},
		S3: S3Config{Region: "us-east-1", Prefix: "amm", UseSSL: true},
		Pricing: PricingConfig{
			Fee:             0.01,
			FloorCents:      0.01,
			CeilingCents:    99.99,
			MinStakeCents:   50,
			SolverTolerance: 1e-6,
			SolverMaxIter:   50,
		},
		Risk:     RiskConfig{CategoryDepth: 1},
		Schedule: ScheduleConfig{Enabled: true, CloseInterval: duration{time.Minute}},
		Log:      LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 28},
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks c for consistency and returns every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxConns <= 0 {
		errs = append(errs, "postgres: max_conns must be positive")
	}
	if c.Redis.URL != "" && (c.Redis.LockTTL.Duration <= 0 || c.Redis.LockPoll.Duration <= 0) {
		errs = append(errs, "redis: lock_ttl and lock_poll must be positive")
	}
	if c.S3.Bucket != "" && c.S3.Region == "" {
		errs = append(errs, "s3: region is required when bucket is set")
	}

	p := c.Pricing
	if p.Fee < 0 || p.Fee >= 1 {
		errs = append(errs, fmt.Sprintf("pricing: fee %v must be in [0, 1)", p.Fee))
	}
	if p.FloorCents <= 0 || p.CeilingCents >= 100 || p.FloorCents >= p.CeilingCents {
		errs = append(errs, fmt.Sprintf("pricing: clamp [%v, %v] must lie strictly inside (0, 100)", p.FloorCents, p.CeilingCents))
	}
	if p.MinStakeCents <= 0 {
		errs = append(errs, "pricing: min_stake_cents must be positive")
	}
	if p.SolverTolerance <= 0 || p.SolverMaxIter <= 0 {
		errs = append(errs, "pricing: solver_tolerance and solver_max_iter must be positive")
	}

	if c.Risk.MaxPerMarketCents < 0 || c.Risk.MaxPerCategoryCents < 0 {
		errs = append(errs, "risk: caps must not be negative")
	}
	if c.Risk.CategoryDepth < 1 {
		errs = append(errs, "risk: category_depth must be at least 1")
	}
	if c.Schedule.Enabled && c.Schedule.CloseInterval.Duration <= 0 {
		errs = append(errs, "schedule: close_interval must be positive")
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Sprintf("log: unknown level %q (valid: debug, info, warn, error)", c.Log.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}
