// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. Loaded once at startup;
// nothing re-reads configuration mid-operation.
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Pricing
	StarUnitValue float64 // reference-currency value of one star, e.g. 0.016
	Markup        float64 // default markup multiplier applied to base costs

	// Payment provider
	MerchantLogin  string // provider merchant account id
	PaymentSecret  string // shared secret for notification signatures
	PaymentSecret2 string // secret for outbound payment-link signatures (falls back to PaymentSecret)

	// Catalog
	CatalogPath string // optional JSON price table; built-in defaults if empty

	// Notifications
	NotifyURL    string // bot process endpoint for user notifications (optional)
	NotifySecret string // HMAC secret for notification requests

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
	DefaultStarUnit = 0.016
	DefaultMarkup   = 2.0
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StarUnitValue:  getEnvFloat("STAR_UNIT_VALUE", DefaultStarUnit),
		Markup:         getEnvFloat("MARKUP", DefaultMarkup),
		MerchantLogin:  os.Getenv("MERCHANT_LOGIN"),
		PaymentSecret:  os.Getenv("PAYMENT_SECRET"),
		PaymentSecret2: os.Getenv("PAYMENT_SECRET_2"),
		CatalogPath:    os.Getenv("CATALOG_PATH"),
		NotifyURL:      os.Getenv("NOTIFY_URL"),
		NotifySecret:   os.Getenv("NOTIFY_SECRET"),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
	if cfg.PaymentSecret2 == "" {
		cfg.PaymentSecret2 = cfg.PaymentSecret
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and sane.
func (c *Config) Validate() error {
	if c.PaymentSecret == "" {
		return fmt.Errorf("PAYMENT_SECRET is required")
	}
	if c.StarUnitValue <= 0 {
		return fmt.Errorf("STAR_UNIT_VALUE must be positive, got %v", c.StarUnitValue)
	}
	if c.Markup < 1 {
		return fmt.Errorf("MARKUP must be >= 1, got %v (below 1 sells below cost)", c.Markup)
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

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
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
