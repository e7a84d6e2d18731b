// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/mbd888/cardrail/internal/money"
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

	// Webhook intake: PROVIDER_SECRET_<NAME> env vars, one per issuer.
	ProviderSecrets map[string]string

	// Authorization-hold semantics: when true, approved authorizations move
	// funds into the held pool instead of having no balance effect.
	HoldAuthorizations bool

	// Default spending limits for newly issued cards, in minor units.
	// Zero disables the tier.
	DefaultPerTransactionLimit int64
	DefaultDailyLimit          int64
	DefaultMonthlyLimit        int64

	// Fraud scoring
	FraudAmountCap     int64    // minor units; 0 disables the cap indicator
	MerchantBlocklist  []string // comma-separated in MERCHANT_BLOCKLIST
	HighRiskCategories []string // comma-separated MCCs; empty uses built-ins

	// Observability
	OTLPEndpoint string // OpenTelemetry collector, empty disables tracing

	// Security
	RateLimitRPS int
}

const (
	DefaultPort      = "8080"
	DefaultEnv       = "development"
	DefaultLogLevel  = "info"
	DefaultRateLimit = 100

	providerSecretPrefix = "PROVIDER_SECRET_"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", "json"),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ProviderSecrets:    loadProviderSecrets(os.Environ()),
		HoldAuthorizations: getEnvBool("HOLD_AUTHORIZATIONS", false),

		DefaultPerTransactionLimit: getEnvAmount("DEFAULT_PER_TRANSACTION_LIMIT", money.Dollars(2000)),
		DefaultDailyLimit:          getEnvAmount("DEFAULT_DAILY_LIMIT", money.Dollars(5000)),
		DefaultMonthlyLimit:        getEnvAmount("DEFAULT_MONTHLY_LIMIT", 0),

		FraudAmountCap:     getEnvAmount("FRAUD_AMOUNT_CAP", money.Dollars(3000)),
		MerchantBlocklist:  splitList(os.Getenv("MERCHANT_BLOCKLIST")),
		HighRiskCategories: splitList(os.Getenv("HIGH_RISK_CATEGORIES")),

		OTLPEndpoint: os.Getenv("OTLP_ENDPOINT"),
		RateLimitRPS: int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.ProviderSecrets) == 0 && c.IsProduction() {
		return fmt.Errorf("at least one PROVIDER_SECRET_<NAME> is required in production")
	}
	for name, secret := range c.ProviderSecrets {
		if len(secret) < 16 {
			return fmt.Errorf("PROVIDER_SECRET_%s is too short (min 16 characters)", strings.ToUpper(name))
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

// loadProviderSecrets extracts PROVIDER_SECRET_<NAME>=secret pairs. Names
// are lowercased to match the :provider path segment.
func loadProviderSecrets(environ []string) map[string]string {
	secrets := make(map[string]string)
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, providerSecretPrefix) || value == "" {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, providerSecretPrefix))
		if name != "" {
			secrets[name] = value
		}
	}
	return secrets
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAmount parses a decimal dollar amount ("2500.00") into minor units.
func getEnvAmount(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if amount, ok := money.Parse(value); ok {
			return amount
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
