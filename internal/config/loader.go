package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads the TOML file at path over Defaults(), loads .env if present and
// applies ENGINE_* environment overrides. A missing file is not an error when
// path is empty or the file does not exist, so the engine can run from the
// environment alone. The caller should invoke Validate after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// Server
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "ENGINE_PORT")
	setDuration(&cfg.Server.RequestTimeout, "ENGINE_REQUEST_TIMEOUT")
	setStringSlice(&cfg.Server.CORSOrigins, "ENGINE_CORS_ORIGINS")
	setStr(&cfg.Server.AdminToken, "ENGINE_ADMIN_TOKEN")
	setFloat64(&cfg.Server.RateLimitRPS, "ENGINE_RATE_LIMIT_RPS")
	setInt(&cfg.Server.RateLimitBurst, "ENGINE_RATE_LIMIT_BURST")

	// Postgres; DATABASE_URL kept for compatibility with existing deploys.
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "ENGINE_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "ENGINE_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ENGINE_POSTGRES_RUN_MIGRATIONS")

	// Redis
	setStr(&cfg.Redis.URL, "REDIS_URL")
	setStr(&cfg.Redis.URL, "ENGINE_REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "ENGINE_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.PriceChannel, "ENGINE_REDIS_PRICE_CHANNEL")

	// Engine
	setDuration(&cfg.Engine.ExpiryInterval, "ENGINE_EXPIRY_INTERVAL")
	setDuration(&cfg.Engine.SweepInterval, "ENGINE_SWEEP_INTERVAL")
	setInt(&cfg.Engine.SettleConcurrency, "ENGINE_SETTLE_CONCURRENCY")
	setInt(&cfg.Engine.RetryAttempts, "ENGINE_RETRY_ATTEMPTS")

	// Options
	setDecimal(&cfg.Options.FeeRate, "ENGINE_OPTIONS_FEE_RATE")
	setBool(&cfg.Options.EnforcePurchaseRange, "ENGINE_OPTIONS_ENFORCE_PURCHASE_RANGE")
	setDecimal(&cfg.Options.MaxOpenStake, "ENGINE_OPTIONS_MAX_OPEN_STAKE")
	setDecimal(&cfg.Options.MaxCorrelatedStake, "ENGINE_OPTIONS_MAX_CORRELATED_STAKE")

	// Futures
	setDecimal(&cfg.Futures.MaxLeverage, "ENGINE_FUTURES_MAX_LEVERAGE")

	// Arbitrage
	setDuration(&cfg.Arbitrage.LockGrace, "ENGINE_ARBITRAGE_LOCK_GRACE")

	setStr(&cfg.LogLevel, "ENGINE_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
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
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
