// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/serpius-project/analytics/internal/types"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Base URL of the public data host serving the JSON feeds
	DataBaseURL string

	// Feed paths relative to DataBaseURL. PriceFeedPath contains one %s
	// placeholder for the chain name.
	PriceFeedPath    string
	ExchangeDataPath string
	StatsPath        string
	RevenueStatsPath string

	// Spot price endpoint for the reference asset (ETH/USD)
	SpotPriceURL string

	// Infura gateway key for JSON-RPC balance queries
	InfuraKey string

	// Addresses queried by the accounting report
	TreasuryContracts map[types.SupportedChain]string
	ProtocolOwner     string

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Timeouts
	RequestTimeout time.Duration
	RPCTimeout     time.Duration

	// Cache TTLs per feed family
	PriceFeedTTL time.Duration
	ExchangeTTL  time.Duration
	StatsTTL     time.Duration
	BalanceTTL   time.Duration

	// Analytics defaults, overridable per request
	DefaultConfidence     float64
	DefaultRiskFreePct    float64
	DefaultTopN           int
	DefaultToleranceHours int
	DefaultEventThreshold float64

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int
}

// Load creates a new Config from environment variables. A .env file in the
// working directory is merged in first when present.
func Load() Config {
	if err := godotenv.Load(); err == nil {
		logrus.Debug("Loaded configuration from .env")
	}

	treasury := make(map[types.SupportedChain]string)
	for chain, addr := range types.DefaultTreasuryContracts {
		treasury[chain] = addr
	}
	if raw := os.Getenv("TREASURY_CONTRACTS"); raw != "" {
		override := map[string]string{}
		if err := json.Unmarshal([]byte(raw), &override); err != nil {
			logrus.Warnf("Invalid TREASURY_CONTRACTS JSON: %v, using defaults", err)
		} else {
			for chain, addr := range override {
				treasury[types.SupportedChain(chain)] = addr
			}
		}
	}

	return Config{
		Port:             GetEnvOrDefault("PORT", "8080"),
		DataBaseURL:      GetEnvOrDefault("DATA_BASE_URL", "https://app.serpius.finance"),
		PriceFeedPath:    GetEnvOrDefault("PRICE_FEED_PATH", "/index_price_%s_v1.json"),
		ExchangeDataPath: GetEnvOrDefault("EXCHANGE_DATA_PATH", "/exchange_data.json"),
		StatsPath:        GetEnvOrDefault("STATS_PATH", "/stats_data.json"),
		RevenueStatsPath: GetEnvOrDefault("REVENUE_STATS_PATH", "/stats_revenue_data.json"),
		SpotPriceURL: GetEnvOrDefault("SPOT_PRICE_URL",
			"https://api.coingecko.com/api/v3/simple/price?ids=ethereum&vs_currencies=usd"),
		InfuraKey:         os.Getenv("INFURA_KEY"),
		TreasuryContracts: treasury,
		ProtocolOwner:     GetEnvOrDefault("PROTOCOL_OWNER", types.DefaultProtocolOwner),
		OtelEndpoint:      GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		RequestTimeout: GetEnvAsDuration("REQUEST_TIMEOUT", 30*time.Second),
		RPCTimeout:     GetEnvAsDuration("RPC_TIMEOUT", 20*time.Second),

		PriceFeedTTL: GetEnvAsDuration("PRICE_FEED_TTL", 10*time.Minute),
		ExchangeTTL:  GetEnvAsDuration("EXCHANGE_TTL", 20*time.Minute),
		StatsTTL:     GetEnvAsDuration("STATS_TTL", 5*time.Minute),
		BalanceTTL:   GetEnvAsDuration("BALANCE_TTL", 2*time.Minute),

		DefaultConfidence:     GetEnvAsFloat("VAR_CONFIDENCE", 99.5),
		DefaultRiskFreePct:    GetEnvAsFloat("RISK_FREE_ANNUAL_PCT", 4.0),
		DefaultTopN:           GetEnvAsInt("TOP_N", 6),
		DefaultToleranceHours: GetEnvAsInt("PRICE_MATCH_TOLERANCE_HOURS", 24),
		DefaultEventThreshold: GetEnvAsFloat("EVENT_THRESHOLD_PCT", 5.0),

		RateLimitRPS:   GetEnvAsFloat("RATE_LIMIT_RPS", 10.0),
		RateLimitBurst: GetEnvAsInt("RATE_LIMIT_BURST", 20),
	}
}

// PriceFeedURL returns the full price/composition feed URL for a chain.
func (c Config) PriceFeedURL(chain types.SupportedChain) string {
	return c.DataBaseURL + fmt.Sprintf(c.PriceFeedPath, chain)
}

// ExchangeDataURL returns the full exchange data feed URL.
func (c Config) ExchangeDataURL() string { return c.DataBaseURL + c.ExchangeDataPath }

// StatsURL returns the full stats snapshot feed URL.
func (c Config) StatsURL() string { return c.DataBaseURL + c.StatsPath }

// RevenueStatsURL returns the full revenue stats feed URL.
func (c Config) RevenueStatsURL() string { return c.DataBaseURL + c.RevenueStatsPath }

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
