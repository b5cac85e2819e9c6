// Package config defines the trade engine's configuration and validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields are populated from a TOML file and
// then optionally overridden by ENGINE_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Engine    EngineConfig    `toml:"engine"`
	Options   OptionsConfig   `toml:"options"`
	Futures   FuturesConfig   `toml:"futures"`
	Arbitrage ArbitrageConfig `toml:"arbitrage"`
	Outcome   OutcomeConfig   `toml:"outcome"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     duration `toml:"read_timeout"`
	WriteTimeout    duration `toml:"write_timeout"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
	CORSOrigins     []string `toml:"cors_origins"`
	AdminToken      string   `toml:"admin_token"`
	RateLimitRPS    float64  `toml:"rate_limit_rps"`
	RateLimitBurst  int      `toml:"rate_limit_burst"`
}

// PostgresConfig holds the database connection. An empty DSN selects the
// in-memory store.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the Redis connection used for the read-through cache,
// settlement locks, the price mirror and the price feed channel.
type RedisConfig struct {
	URL          string   `toml:"url"`
	CacheTTL     duration `toml:"cache_ttl"`
	PriceChannel string   `toml:"price_channel"`
}

// EngineConfig holds scheduler intervals and settlement retry settings.
type EngineConfig struct {
	ExpiryInterval    duration `toml:"expiry_interval"`
	PromotionInterval duration `toml:"promotion_interval"`
	SweepInterval     duration `toml:"sweep_interval"`
	PruneInterval     duration `toml:"prune_interval"`
	PriceRetention    duration `toml:"price_retention"`
	PriceBuffer       int      `toml:"price_buffer"`
	TickBuffer        int      `toml:"tick_buffer"`
	SettleConcurrency int      `toml:"settle_concurrency"`
	RetryAttempts     int      `toml:"retry_attempts"`
	RetryBaseDelay    duration `toml:"retry_base_delay"`
	RetryMaxDelay     duration `toml:"retry_max_delay"`
}

// OptionsConfig holds option product rules. Decimal values are TOML strings.
type OptionsConfig struct {
	FeeRate              decimal.Decimal `toml:"fee_rate"`
	MinDuration          int64           `toml:"min_duration"`
	MaxDuration          int64           `toml:"max_duration"`
	EnforcePurchaseRange bool            `toml:"enforce_purchase_range"`
	LockGrace            duration        `toml:"lock_grace"`
	MaxOpenStake         decimal.Decimal `toml:"max_open_stake"`       // per instrument; zero disables
	MaxCorrelatedStake   decimal.Decimal `toml:"max_correlated_stake"` // per base asset
}

// FuturesConfig holds leverage and liquidation parameters.
type FuturesConfig struct {
	MaxLeverage       decimal.Decimal `toml:"max_leverage"`
	MaintenanceMargin decimal.Decimal `toml:"maintenance_margin"`
	LiquidationBuffer decimal.Decimal `toml:"liquidation_buffer"`
}

// ArbitrageConfig holds contract parameters. The product ladder is fixed.
type ArbitrageConfig struct {
	LockGrace duration `toml:"lock_grace"` // added to the term for the principal's lock TTL
}

// OutcomeConfig seeds the default outcome policy. Settings stored in the
// database take precedence once loaded.
type OutcomeConfig struct {
	Policies []PolicyConfig `toml:"policy"`
}

// PolicyConfig is the default for one trade type.
type PolicyConfig struct {
	TradeType      string          `toml:"trade_type"`
	Mode           string          `toml:"mode"`
	Outcome        string          `toml:"outcome"`
	WinProbability decimal.Decimal `toml:"win_probability"`
}

// duration is a time.Duration that decodes from TOML strings like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with production defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     duration{10 * time.Second},
			WriteTimeout:    duration{10 * time.Second},
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{10 * time.Second},
			CORSOrigins:     []string{"*"},
			RateLimitRPS:    5,
			RateLimitBurst:  10,
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL:     duration{30 * time.Second},
			PriceChannel: "prices",
		},
		Engine: EngineConfig{
			ExpiryInterval:    duration{100 * time.Millisecond},
			PromotionInterval: duration{time.Second},
			SweepInterval:     duration{time.Minute},
			PruneInterval:     duration{time.Hour},
			PriceRetention:    duration{24 * time.Hour},
			PriceBuffer:       4096,
			TickBuffer:        1024,
			SettleConcurrency: 8,
			RetryAttempts:     3,
			RetryBaseDelay:    duration{100 * time.Millisecond},
			RetryMaxDelay:     duration{2 * time.Second},
		},
		Options: OptionsConfig{
			FeeRate:              decimal.RequireFromString("0.001"),
			MinDuration:          60,
			MaxDuration:          600,
			EnforcePurchaseRange: true,
			LockGrace:            duration{10 * time.Minute},
		},
		Futures: FuturesConfig{
			MaxLeverage:       decimal.NewFromInt(125),
			MaintenanceMargin: decimal.RequireFromString("0.005"),
			LiquidationBuffer: decimal.RequireFromString("0.01"),
		},
		Arbitrage: ArbitrageConfig{
			LockGrace: duration{24 * time.Hour},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

var validTradeTypes = map[string]bool{"spot": true, "futures": true, "options": true, "arbitrage": true}

// Validate checks the configuration for invalid or inconsistent values and
// returns every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.RateLimitRPS < 0 || c.Server.RateLimitBurst < 0 {
		errs = append(errs, "server: rate limits must not be negative")
	}
	if c.Postgres.DSN != "" && c.Postgres.MaxConns <= 0 {
		errs = append(errs, "postgres: max_conns must be positive")
	}

	e := c.Engine
	for name, d := range map[string]time.Duration{
		"expiry_interval":    e.ExpiryInterval.Duration,
		"promotion_interval": e.PromotionInterval.Duration,
		"sweep_interval":     e.SweepInterval.Duration,
		"prune_interval":     e.PruneInterval.Duration,
		"price_retention":    e.PriceRetention.Duration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("engine: %s must be positive", name))
		}
	}
	if e.SettleConcurrency <= 0 {
		errs = append(errs, "engine: settle_concurrency must be positive")
	}
	if e.RetryAttempts < 1 {
		errs = append(errs, "engine: retry_attempts must be at least 1")
	}
	if e.TickBuffer <= 0 || e.PriceBuffer <= 0 {
		errs = append(errs, "engine: tick_buffer and price_buffer must be positive")
	}

	o := c.Options
	if o.FeeRate.IsNegative() || o.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "options: fee_rate must be within [0, 1)")
	}
	if o.MinDuration <= 0 || o.MaxDuration < o.MinDuration {
		errs = append(errs, "options: min_duration must be positive and not above max_duration")
	}
	if o.MaxOpenStake.IsNegative() || o.MaxCorrelatedStake.IsNegative() {
		errs = append(errs, "options: stake limits must not be negative")
	}

	f := c.Futures
	if f.MaxLeverage.LessThan(decimal.NewFromInt(1)) {
		errs = append(errs, "futures: max_leverage must be at least 1")
	}
	if f.MaintenanceMargin.IsNegative() || f.LiquidationBuffer.IsNegative() {
		errs = append(errs, "futures: margins must not be negative")
	}

	if c.Arbitrage.LockGrace.Duration < c.Engine.SweepInterval.Duration {
		errs = append(errs, "arbitrage: lock_grace must be at least engine sweep_interval")
	}

	for i, p := range c.Outcome.Policies {
		if !validTradeTypes[p.TradeType] {
			errs = append(errs, fmt.Sprintf("outcome: policy %d: unknown trade_type %q", i, p.TradeType))
		}
		switch p.Mode {
		case "fixed":
			if p.Outcome != "win" && p.Outcome != "lose" {
				errs = append(errs, fmt.Sprintf("outcome: policy %d: outcome must be win or lose", i))
			}
		case "probability":
			if p.WinProbability.IsNegative() || p.WinProbability.GreaterThan(decimal.NewFromInt(1)) {
				errs = append(errs, fmt.Sprintf("outcome: policy %d: win_probability must be within [0, 1]", i))
			}
		default:
			errs = append(errs, fmt.Sprintf("outcome: policy %d: mode must be fixed or probability", i))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
