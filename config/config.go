package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

type Config struct {
	// Server
	Port string // default: 8080

	// Database
	PostgresDSN    string
	MigrateOnStart bool

	// Cache
	RedisAddr string

	// Guard
	GuardSecretKey        string
	AuthMode              string // "hybrid", "api_key" or "session"
	SessionJWTSecret      string
	SessionCookieName     string
	SessionIssuer         string
	AuthCacheTTL          time.Duration
	EnforceInvoicePayment bool

	// Rate Limiting
	RateLimitBackend    string // "memory" or "redis"
	RateLimitCapacity   int
	RateLimitWindow     time.Duration
	RateLimitBlock      time.Duration
	DefaultRateLimitTPM int64 // tokens per minute, default: 100000

	// Billing
	StripeSecretKey       string
	StripeWebhookSecret   string
	BillingCurrency       string
	BillingMinAmount      decimal.Decimal
	BillingBatchSize      int
	BillingWorkers        int
	BillingMaxAttempts    int
	BillingBackoffInitial time.Duration
	BillingBackoffMax     time.Duration
	InvoiceDaysUntilDue   int
	SchedulerEnabled      bool
	BillingCheckInterval  time.Duration

	// Notifications
	SMTPAddr       string
	SMTPFrom       string
	SMTPUsername   string
	SMTPPassword   string
	SMTPRequireTLS bool

	// Observability
	LogLevel             string
	LogFormat            string // "json" or "console"
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"

	RunSeed bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("MIGRATE_ON_START", true)
	v.SetDefault("AUTH_MODE", "hybrid")
	v.SetDefault("SESSION_COOKIE_NAME", "session")
	v.SetDefault("AUTH_CACHE_TTL", "5m")
	v.SetDefault("ENFORCE_INVOICE_PAYMENT", false)
	v.SetDefault("RATE_LIMIT_BACKEND", "memory")
	v.SetDefault("RATE_LIMIT_CAPACITY", 10)
	v.SetDefault("RATE_LIMIT_WINDOW", "60s")
	v.SetDefault("RATE_LIMIT_BLOCK", "300s")
	v.SetDefault("DEFAULT_RATE_LIMIT_TPM", 100000)
	v.SetDefault("BILLING_CURRENCY", "usd")
	v.SetDefault("BILLING_MIN_AMOUNT", "0.50")
	v.SetDefault("BILLING_BATCH_SIZE", 50)
	v.SetDefault("BILLING_WORKERS", 8)
	v.SetDefault("BILLING_MAX_ATTEMPTS", 4)
	v.SetDefault("BILLING_BACKOFF_INITIAL", "500ms")
	v.SetDefault("BILLING_BACKOFF_MAX", "10s")
	v.SetDefault("INVOICE_DAYS_UNTIL_DUE", 3)
	v.SetDefault("BILLING_SCHEDULER_ENABLED", false)
	v.SetDefault("BILLING_CHECK_INTERVAL", "1h")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("OTEL_EXPORTER_TYPE", "stdout")
	v.SetDefault("OTEL_EXPORTER_ENDPOINT", "localhost:4317")
	v.SetDefault("RUN_SEED", false)
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                  v.GetString("PORT"),
		PostgresDSN:           v.GetString("POSTGRES_DSN"),
		MigrateOnStart:        v.GetBool("MIGRATE_ON_START"),
		RedisAddr:             v.GetString("REDIS_ADDR"),
		GuardSecretKey:        v.GetString("GUARD_SECRET_KEY"),
		AuthMode:              strings.ToLower(v.GetString("AUTH_MODE")),
		SessionJWTSecret:      v.GetString("SESSION_JWT_SECRET"),
		SessionCookieName:     v.GetString("SESSION_COOKIE_NAME"),
		SessionIssuer:         v.GetString("SESSION_ISSUER"),
		EnforceInvoicePayment: v.GetBool("ENFORCE_INVOICE_PAYMENT"),
		RateLimitBackend:      strings.ToLower(v.GetString("RATE_LIMIT_BACKEND")),
		RateLimitCapacity:     v.GetInt("RATE_LIMIT_CAPACITY"),
		DefaultRateLimitTPM:   v.GetInt64("DEFAULT_RATE_LIMIT_TPM"),
		StripeSecretKey:       v.GetString("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   v.GetString("STRIPE_WEBHOOK_SECRET"),
		BillingCurrency:       strings.ToLower(v.GetString("BILLING_CURRENCY")),
		BillingBatchSize:      v.GetInt("BILLING_BATCH_SIZE"),
		BillingWorkers:        v.GetInt("BILLING_WORKERS"),
		BillingMaxAttempts:    v.GetInt("BILLING_MAX_ATTEMPTS"),
		InvoiceDaysUntilDue:   v.GetInt("INVOICE_DAYS_UNTIL_DUE"),
		SchedulerEnabled:      v.GetBool("BILLING_SCHEDULER_ENABLED"),
		SMTPAddr:              v.GetString("SMTP_ADDR"),
		SMTPFrom:              v.GetString("SMTP_FROM"),
		SMTPUsername:          v.GetString("SMTP_USERNAME"),
		SMTPPassword:          v.GetString("SMTP_PASSWORD"),
		SMTPRequireTLS:        v.GetBool("SMTP_REQUIRE_TLS"),
		LogLevel:              v.GetString("LOG_LEVEL"),
		LogFormat:             v.GetString("LOG_FORMAT"),
		OTELExporterType:      v.GetString("OTEL_EXPORTER_TYPE"),
		OTELExporterEndpoint:  v.GetString("OTEL_EXPORTER_ENDPOINT"),
		RunSeed:               v.GetBool("RUN_SEED"),
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"AUTH_CACHE_TTL", &cfg.AuthCacheTTL},
		{"RATE_LIMIT_WINDOW", &cfg.RateLimitWindow},
		{"RATE_LIMIT_BLOCK", &cfg.RateLimitBlock},
		{"BILLING_BACKOFF_INITIAL", &cfg.BillingBackoffInitial},
		{"BILLING_BACKOFF_MAX", &cfg.BillingBackoffMax},
		{"BILLING_CHECK_INTERVAL", &cfg.BillingCheckInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	minAmount, err := decimal.NewFromString(v.GetString("BILLING_MIN_AMOUNT"))
	if err != nil {
		return nil, fmt.Errorf("invalid BILLING_MIN_AMOUNT: %w", err)
	}
	cfg.BillingMinAmount = minAmount

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required")
	}
	if c.GuardSecretKey == "" {
		return fmt.Errorf("GUARD_SECRET_KEY is required")
	}
	switch c.AuthMode {
	case "hybrid", "api_key", "session":
	default:
		return fmt.Errorf("invalid AUTH_MODE %q", c.AuthMode)
	}
	if c.AuthMode != "api_key" && c.SessionJWTSecret == "" {
		return fmt.Errorf("SESSION_JWT_SECRET is required for AUTH_MODE %q", c.AuthMode)
	}
	switch c.RateLimitBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid RATE_LIMIT_BACKEND %q", c.RateLimitBackend)
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}
	if c.RateLimitCapacity <= 0 {
		return fmt.Errorf("RATE_LIMIT_CAPACITY must be positive")
	}
	if c.BillingBatchSize <= 0 || c.BillingWorkers <= 0 || c.BillingMaxAttempts <= 0 {
		return fmt.Errorf("BILLING_BATCH_SIZE, BILLING_WORKERS and BILLING_MAX_ATTEMPTS must be positive")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.BillingMinAmount.IsNegative() {
		return fmt.Errorf("BILLING_MIN_AMOUNT must not be negative")
	}
	return nil
}
