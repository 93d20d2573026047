// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Ledger service (optional, uses the in-memory demo ledger if not set)
	LedgerURL     string
	LedgerAPIKey  string
	LedgerTimeout time.Duration

	// Delivery-code verification limits. With RedisURL set the budget is
	// shared across replicas.
	RedisURL          string
	VerifyMaxAttempts int
	VerifyWindow      time.Duration

	RateLimitRPM int

	// Stale-hold sweep
	ReconcileSchedule string
	StaleHoldAfter    time.Duration

	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultLedgerTimeout     = 10 * time.Second
	DefaultVerifyMaxAttempts = 5
	DefaultVerifyWindow      = 15 * time.Minute
	DefaultRateLimitRPM      = 120
	DefaultReconcileSchedule = "@every 10m"
	DefaultStaleHoldAfter    = 30 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		LedgerURL:         os.Getenv("LEDGER_URL"),
		LedgerAPIKey:      os.Getenv("LEDGER_API_KEY"),
		LedgerTimeout:     getEnvDuration("LEDGER_TIMEOUT", DefaultLedgerTimeout),
		RedisURL:          os.Getenv("REDIS_URL"),
		VerifyMaxAttempts: getEnvInt("VERIFY_MAX_ATTEMPTS", DefaultVerifyMaxAttempts),
		VerifyWindow:      getEnvDuration("VERIFY_WINDOW", DefaultVerifyWindow),
		RateLimitRPM:      getEnvInt("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		ReconcileSchedule: getEnv("RECONCILE_SCHEDULE", DefaultReconcileSchedule),
		StaleHoldAfter:    getEnvDuration("STALE_HOLD_AFTER", DefaultStaleHoldAfter),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	switch c.Env {
	case "development", "staging", "production":
	default:
		return fmt.Errorf("ENV must be development, staging or production, got %q", c.Env)
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.LedgerURL == "" {
			return fmt.Errorf("LEDGER_URL is required in production")
		}
	}

	if c.LedgerTimeout <= 0 {
		return fmt.Errorf("LEDGER_TIMEOUT must be positive")
	}
	if c.VerifyMaxAttempts <= 0 {
		return fmt.Errorf("VERIFY_MAX_ATTEMPTS must be positive")
	}
	if c.VerifyWindow <= 0 {
		return fmt.Errorf("VERIFY_WINDOW must be positive")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.StaleHoldAfter <= 0 {
		return fmt.Errorf("STALE_HOLD_AFTER must be positive")
	}
	if _, err := cron.ParseStandard(c.ReconcileSchedule); err != nil {
		return fmt.Errorf("RECONCILE_SCHEDULE: %w", err)
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
