// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // Run goose migrations on startup

	// Payment processor
	StripeSecretKey     string // Empty selects the in-memory fake gateway (development only)
	StripeWebhookSecret string
	WebhookSignatureHdr string
	Currency            string
	ProcessorTimeout    time.Duration
	ProcessorRPS        float64
	ProcessorBurst      int

	// Settlement
	SettlementConcurrency int

	// Reconciliation
	ReconcileInterval   time.Duration
	ReconcileStaleAfter time.Duration
	ReconcileMaxRetries int
	ReconcileBaseDelay  time.Duration
	ReconcileBatchSize  int

	// Security
	InternalAPIToken string // Bearer token for /internal routes
	RateLimitRPS     float64
	RateLimitBurst   int

	// Observability
	OTLPEndpoint string
	SentryDSN    string
}

// Defaults
const (
	DefaultPort                  = "8080"
	DefaultEnv                   = "development"
	DefaultLogLevel              = "info"
	DefaultLogFormat             = "text"
	DefaultCurrency              = "usd"
	DefaultWebhookSignatureHdr   = "Stripe-Signature"
	DefaultProcessorTimeout      = 10 * time.Second
	DefaultProcessorRPS          = 25
	DefaultProcessorBurst        = 10
	DefaultSettlementConcurrency = 8
	DefaultReconcileInterval     = 5 * time.Minute
	DefaultReconcileStaleAfter   = 10 * time.Minute
	DefaultReconcileMaxRetries   = 8
	DefaultReconcileBaseDelay    = 30 * time.Second
	DefaultReconcileBatchSize    = 100
	DefaultRateLimitRPS          = 20
	DefaultRateLimitBurst        = 40
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:             getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		AutoMigrate:           getEnvBool("AUTO_MIGRATE", false),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		WebhookSignatureHdr:   getEnv("WEBHOOK_SIGNATURE_HEADER", DefaultWebhookSignatureHdr),
		Currency:              strings.ToLower(getEnv("CURRENCY", DefaultCurrency)),
		ProcessorTimeout:      getEnvDuration("PROCESSOR_TIMEOUT", DefaultProcessorTimeout),
		ProcessorRPS:          getEnvFloat("PROCESSOR_RPS", DefaultProcessorRPS),
		ProcessorBurst:        int(getEnvInt64("PROCESSOR_BURST", DefaultProcessorBurst)),
		SettlementConcurrency: int(getEnvInt64("SETTLEMENT_CONCURRENCY", DefaultSettlementConcurrency)),
		ReconcileInterval:     getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileStaleAfter:   getEnvDuration("RECONCILE_STALE_AFTER", DefaultReconcileStaleAfter),
		ReconcileMaxRetries:   int(getEnvInt64("RECONCILE_MAX_RETRIES", DefaultReconcileMaxRetries)),
		ReconcileBaseDelay:    getEnvDuration("RECONCILE_BASE_DELAY", DefaultReconcileBaseDelay),
		ReconcileBatchSize:    int(getEnvInt64("RECONCILE_BATCH_SIZE", DefaultReconcileBatchSize)),
		InternalAPIToken:      os.Getenv("INTERNAL_API_TOKEN"),
		RateLimitRPS:          getEnvFloat("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst:        int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		SentryDSN:             os.Getenv("SENTRY_DSN"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.IsProduction() {
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required in production")
		}
		if c.StripeWebhookSecret == "" {
			return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required in production")
		}
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.InternalAPIToken == "" {
			return fmt.Errorf("INTERNAL_API_TOKEN is required in production")
		}
	}

	if len(c.Currency) != 3 {
		return fmt.Errorf("CURRENCY must be a 3-letter ISO code, got %q", c.Currency)
	}
	if c.ProcessorTimeout <= 0 {
		return fmt.Errorf("PROCESSOR_TIMEOUT must be positive")
	}
	if c.SettlementConcurrency <= 0 {
		return fmt.Errorf("SETTLEMENT_CONCURRENCY must be positive")
	}
	if c.ReconcileMaxRetries <= 0 {
		return fmt.Errorf("RECONCILE_MAX_RETRIES must be positive")
	}
	if c.ReconcileStaleAfter <= 0 || c.ReconcileInterval <= 0 {
		return fmt.Errorf("RECONCILE_INTERVAL and RECONCILE_STALE_AFTER must be positive")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be text or json")
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
