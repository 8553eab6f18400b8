package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies environment overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides reads AMM_* variables. PORT, DATABASE_URL and REDIS_URL
// are honoured too for platform-provided settings.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "AMM_SERVER_PORT")
	setDuration(&cfg.Server.RequestTimeout, "AMM_SERVER_REQUEST_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "AMM_SERVER_SHUTDOWN_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "AMM_SERVER_CORS_ORIGINS")

	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "AMM_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "AMM_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AMM_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "AMM_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "AMM_REDIS_CACHE_TTL")
	setDuration(&cfg.Redis.LockTTL, "AMM_REDIS_LOCK_TTL")

	setStr(&cfg.S3.Endpoint, "AMM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AMM_S3_REGION")
	setStr(&cfg.S3.Bucket, "AMM_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "AMM_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "AMM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AMM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AMM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AMM_S3_FORCE_PATH_STYLE")

	setFloat64(&cfg.Pricing.Fee, "AMM_PRICING_FEE")
	setFloat64(&cfg.Pricing.FloorCents, "AMM_PRICING_FLOOR_CENTS")
	setFloat64(&cfg.Pricing.CeilingCents, "AMM_PRICING_CEILING_CENTS")
	setInt64(&cfg.Pricing.MinStakeCents, "AMM_PRICING_MIN_STAKE_CENTS")

	setInt64(&cfg.Risk.MaxPerMarketCents, "AMM_RISK_MAX_PER_MARKET_CENTS")
	setInt64(&cfg.Risk.MaxPerCategoryCents, "AMM_RISK_MAX_PER_CATEGORY_CENTS")

	setBool(&cfg.Schedule.Enabled, "AMM_SCHEDULE_ENABLED")
	setDuration(&cfg.Schedule.CloseInterval, "AMM_SCHEDULE_CLOSE_INTERVAL")

	setStr(&cfg.Log.Level, "AMM_LOG_LEVEL")
	setStr(&cfg.Log.File, "AMM_LOG_FILE")
}

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		*dst = cleaned
	}
}
