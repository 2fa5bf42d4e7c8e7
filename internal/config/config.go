// Package config handles loading and validating configuration from
// environment variables, with an optional YAML seed file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all configuration values for the whale engine.
type Config struct {
	// HTTP
	Port     int
	LogLevel string

	// Persistence
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Hyperliquid
	EnableHyperliquid  bool
	HyperliquidWSURL   string
	HyperliquidInfoURL string
	HyperliquidCoins   []string

	// Polymarket
	EnablePolymarket   bool
	PolymarketWSURL    string
	PolymarketAssetIDs []string
	BackoffProfile     string

	// Detection
	MinTradeSizeUSD         decimal.Decimal
	AutoDiscovery           bool
	AutoDiscoveryMultiplier decimal.Decimal
	TrackedWallets          []string

	// Delivery
	DeliveryMode     string
	EnrichAfterEmit  bool
	EnrichRatePerSec float64

	// Execution
	ExecutionTimeout time.Duration
	Executor         string
	PaperBalanceUSD  decimal.Decimal
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool

	// Risk (zero disables)
	RiskMaxPerInstrumentUSD decimal.Decimal
	RiskMaxCorrelatedUSD    decimal.Decimal

	SeedFile string
}

// Load reads configuration from environment variables with fallback to a
// .env file. Priority: environment > .env > defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := FromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// FromEnv reads the environment without validating.
func FromEnv() *Config {
	return &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),
		CacheTTL:    getEnvDuration("CACHE_TTL", 30*time.Second),

		EnableHyperliquid:  getEnvBool("ENABLE_HYPERLIQUID", true),
		HyperliquidWSURL:   getEnv("HYPERLIQUID_WS_URL", "wss://api.hyperliquid.xyz/ws"),
		HyperliquidInfoURL: getEnv("HYPERLIQUID_INFO_URL", "https://api.hyperliquid.xyz/info"),
		HyperliquidCoins:   getEnvList("HYPERLIQUID_COINS", []string{"BTC", "ETH"}),

		EnablePolymarket:   getEnvBool("ENABLE_POLYMARKET", false),
		PolymarketWSURL:    getEnv("POLYMARKET_WS_URL", "wss://ws-subscriptions-clob.polymarket.com/ws/market"),
		PolymarketAssetIDs: getEnvList("POLYMARKET_ASSET_IDS", nil),
		BackoffProfile:     getEnv("BACKOFF_PROFILE", "fast"),

		MinTradeSizeUSD:         getEnvDecimal("MIN_TRADE_SIZE_USD", decimal.NewFromInt(10000)),
		AutoDiscovery:           getEnvBool("AUTO_DISCOVERY", true),
		AutoDiscoveryMultiplier: getEnvDecimal("AUTO_DISCOVERY_MULTIPLIER", decimal.NewFromInt(5)),
		TrackedWallets:          getEnvList("TRACKED_WALLETS", nil),

		DeliveryMode:     getEnv("DELIVERY_MODE", "immediate"),
		EnrichAfterEmit:  getEnvBool("ENRICH_AFTER_EMIT", true),
		EnrichRatePerSec: getEnvFloat("ENRICH_RATE_PER_SEC", 5),

		ExecutionTimeout: getEnvDuration("EXECUTION_TIMEOUT", 10*time.Second),
		Executor:         getEnv("EXECUTOR", "paper"),
		PaperBalanceUSD:  getEnvDecimal("PAPER_BALANCE_USD", decimal.NewFromInt(10000)),
		BinanceAPIKey:    getEnv("BINANCE_API_KEY", ""),
		BinanceAPISecret: getEnv("BINANCE_API_SECRET", ""),
		BinanceTestnet:   getEnvBool("BINANCE_TESTNET", false),

		RiskMaxPerInstrumentUSD: getEnvDecimal("RISK_MAX_PER_INSTRUMENT_USD", decimal.Zero),
		RiskMaxCorrelatedUSD:    getEnvDecimal("RISK_MAX_CORRELATED_USD", decimal.Zero),

		SeedFile: getEnv("SEED_FILE", ""),
	}
}

// Validate checks that required configuration values are set and valid.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Port < 1 || c.Port > 65535 {
		bad("PORT must be between 1 and 65535")
	}
	if _, ok := logLevels[strings.ToLower(c.LogLevel)]; !ok {
		bad("LOG_LEVEL must be debug, info, warn or error")
	}
	if !c.EnableHyperliquid && !c.EnablePolymarket {
		bad("at least one of ENABLE_HYPERLIQUID and ENABLE_POLYMARKET must be true")
	}
	if c.EnableHyperliquid && c.HyperliquidWSURL == "" {
		bad("HYPERLIQUID_WS_URL is required")
	}
	if c.EnablePolymarket && len(c.PolymarketAssetIDs) == 0 {
		bad("POLYMARKET_ASSET_IDS is required when ENABLE_POLYMARKET is true")
	}
	if c.BackoffProfile != "fast" && c.BackoffProfile != "conservative" {
		bad("BACKOFF_PROFILE must be fast or conservative")
	}
	if !c.MinTradeSizeUSD.IsPositive() {
		bad("MIN_TRADE_SIZE_USD must be positive")
	}
	if c.AutoDiscovery && c.AutoDiscoveryMultiplier.LessThan(decimal.NewFromInt(1)) {
		bad("AUTO_DISCOVERY_MULTIPLIER must be at least 1")
	}
	if c.DeliveryMode != "immediate" && c.DeliveryMode != "enriched" {
		bad("DELIVERY_MODE must be immediate or enriched")
	}
	if c.EnrichRatePerSec <= 0 {
		bad("ENRICH_RATE_PER_SEC must be positive")
	}
	if c.ExecutionTimeout <= 0 {
		bad("EXECUTION_TIMEOUT must be positive")
	}
	switch c.Executor {
	case "paper":
	case "binance":
		if c.BinanceAPIKey == "" || c.BinanceAPISecret == "" {
			bad("BINANCE_API_KEY and BINANCE_API_SECRET are required for the binance executor")
		}
	default:
		bad("EXECUTOR must be paper or binance")
	}
	if c.RiskMaxPerInstrumentUSD.IsNegative() || c.RiskMaxCorrelatedUSD.IsNegative() {
		bad("risk limits must not be negative")
	}
	return errors.Join(errs...)
}

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// SlogLevel returns the configured log level.
func (c *Config) SlogLevel() slog.Level {
	return logLevels[strings.ToLower(c.LogLevel)]
}

// MaskedBinanceKey returns the API key with most characters hidden for logging.
func (c *Config) MaskedBinanceKey() string {
	return maskSecret(c.BinanceAPIKey)
}

// MaskedDatabaseURL hides the password of a postgres URL.
func (c *Config) MaskedDatabaseURL() string {
	u := c.DatabaseURL
	at := strings.LastIndex(u, "@")
	scheme := strings.Index(u, "://")
	if at < 0 || scheme < 0 || scheme+3 > at {
		return maskSecret(u)
	}
	creds := u[scheme+3 : at]
	if i := strings.Index(creds, ":"); i >= 0 {
		creds = creds[:i] + ":****"
	}
	return u[:scheme+3] + creds + u[at:]
}

// maskSecret hides all but the first and last 4 characters of a secret.
func maskSecret(s string) string {
	if len(s) <= 8 {
		if len(s) == 0 {
			return "(not set)"
		}
		return "****"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s") or whole seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
