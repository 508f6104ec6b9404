// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Control plane
	AdminAPIKey         string // Bearer token protecting /v1 admin routes
	DefaultCreditsPerUSD int64 // Applied to newly created organizations
	CredentialMasterKey string // Master secret for provider credential encryption at rest

	// Upstream providers (platform-managed keys)
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAITimeout    time.Duration
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicTimeout time.Duration

	// Billing
	StripeSecretKey     string
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
	RateLimitRPM int    // Per-client request budget for the admin API
}

const (
	DefaultPort             = "8080"
	DefaultEnv              = "development"
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "json"
	DefaultCreditsPerUSD    = 100
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	DefaultOpenAITimeout    = 60 * time.Second
	DefaultAnthropicTimeout = 120 * time.Second
	DefaultRateLimitRPM     = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		AdminAPIKey:          os.Getenv("ADMIN_API_KEY"),
		DefaultCreditsPerUSD: getEnvInt64("DEFAULT_CREDITS_PER_USD", DefaultCreditsPerUSD),
		CredentialMasterKey:  os.Getenv("CREDENTIAL_MASTER_KEY"),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:        getEnv("OPENAI_BASE_URL", DefaultOpenAIBaseURL),
		OpenAITimeout:        getEnvDuration("OPENAI_TIMEOUT", DefaultOpenAITimeout),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		AnthropicBaseURL:     getEnv("ANTHROPIC_BASE_URL", DefaultAnthropicBaseURL),
		AnthropicTimeout:     getEnvDuration("ANTHROPIC_TIMEOUT", DefaultAnthropicTimeout),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DefaultCreditsPerUSD <= 0 {
		return fmt.Errorf("DEFAULT_CREDITS_PER_USD must be positive")
	}

	if c.CredentialMasterKey != "" && len(c.CredentialMasterKey) < 16 {
		return fmt.Errorf("CREDENTIAL_MASTER_KEY must be at least 16 characters")
	}

	// Production refuses to run half-configured: the control plane
	// without auth or durable storage would silently lose money.
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.AdminAPIKey == "" {
			return fmt.Errorf("ADMIN_API_KEY is required in production")
		}
		if c.CredentialMasterKey == "" {
			return fmt.Errorf("CREDENTIAL_MASTER_KEY is required in production")
		}
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
