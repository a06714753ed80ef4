// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Payment gateway
	GatewayProvider   string // "stripe" or "fake"
	StripeAPIKey      string
	GatewayWorkers    int           // concurrent gateway calls, sized to provider rate limits
	GatewayTimeout    time.Duration // per-call timeout; timeouts classify as pending
	GatewayMaxRetries int
	GatewayRetryBase  time.Duration

	// Webhook ingestion
	WebhookSecrets      map[string]string // provider -> HMAC secret
	WebhookMaxRetries   int
	WebhookRetryBase    time.Duration
	WebhookRetryCap     time.Duration
	WebhookSweepEvery   time.Duration
	ReconcileEvery      time.Duration
	ReconcileStuckAfter time.Duration // release_requested age before drift check

	// Escrow lifecycle
	FundingTimeout time.Duration // funding_pending age before expiry

	// OpsAPIKey, when set, is seeded at startup as an operator key carrying
	// the dispute:resolve and reconcile:run capabilities.
	OpsAPIKey string

	// OTLPEndpoint enables trace export when set (host:port of a collector).
	OTLPEndpoint string

	RateLimitRPS int
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultGatewayProvider = "fake"
	DefaultGatewayWorkers  = 8
	DefaultRateLimit       = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		GatewayProvider:     getEnv("GATEWAY_PROVIDER", DefaultGatewayProvider),
		StripeAPIKey:        os.Getenv("STRIPE_API_KEY"),
		GatewayWorkers:      int(getEnvInt64("GATEWAY_WORKERS", DefaultGatewayWorkers)),
		GatewayTimeout:      getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		GatewayMaxRetries:   int(getEnvInt64("GATEWAY_MAX_RETRIES", 3)),
		GatewayRetryBase:    getEnvDuration("GATEWAY_RETRY_BASE", 500*time.Millisecond),
		WebhookMaxRetries:   int(getEnvInt64("WEBHOOK_MAX_RETRIES", 6)),
		WebhookRetryBase:    getEnvDuration("WEBHOOK_RETRY_BASE", 30*time.Second),
		WebhookRetryCap:     getEnvDuration("WEBHOOK_RETRY_CAP", 30*time.Minute),
		WebhookSweepEvery:   getEnvDuration("WEBHOOK_SWEEP_EVERY", time.Minute),
		ReconcileEvery:      getEnvDuration("RECONCILE_EVERY", 5*time.Minute),
		ReconcileStuckAfter: getEnvDuration("RECONCILE_STUCK_AFTER", 10*time.Minute),
		FundingTimeout:      getEnvDuration("FUNDING_TIMEOUT", 72*time.Hour),
		OpsAPIKey:           os.Getenv("OPS_API_KEY"),
		OTLPEndpoint:        os.Getenv("OTLP_ENDPOINT"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
	}

	cfg.WebhookSecrets = map[string]string{}
	if s := os.Getenv("WEBHOOK_SECRET_STRIPE"); s != "" {
		cfg.WebhookSecrets["stripe"] = s
	}
	if s := os.Getenv("WEBHOOK_SECRET_FAKE"); s != "" {
		cfg.WebhookSecrets["fake"] = s
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
func (c *Config) Validate() error {
	if c.GatewayProvider == "stripe" && c.StripeAPIKey == "" {
		return fmt.Errorf("STRIPE_API_KEY is required when GATEWAY_PROVIDER=stripe")
	}
	if c.IsProduction() && len(c.WebhookSecrets) == 0 {
		return fmt.Errorf("at least one WEBHOOK_SECRET_* is required in production")
	}
	if c.GatewayWorkers <= 0 {
		return fmt.Errorf("GATEWAY_WORKERS must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
