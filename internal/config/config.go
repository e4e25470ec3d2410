// Package config loads licensed configuration from the environment.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config holds all configuration for the license engine.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string

	// WebhookToken, when set, must be presented in X-Webhook-Token by the
	// payment gateway.
	WebhookToken string
	WebhookRate  float64 // requests per second
	WebhookBurst int

	StoreDriver string
	DatabaseURL string
	RedisAddr   string // optional, enables cross-process locks

	TrialDays       int
	DefaultPlanDays int
	PlansFile       string
	ExpiryLookahead time.Duration
	NotifyCooldown  time.Duration
	ScanInterval    time.Duration
	MaxRetries      int

	NotifyWebhookURL string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// SQLitePath returns the sqlite database file used when no DatabaseURL is set.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "licensed.db")
}

// ListenAddr returns host:port for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.BindAddress, c.Port)
}

// Load loads configuration from environment variables.
// A .env file is loaded if present but not required.
func Load() (*Config, error) {
	// Best-effort .env loading (not required)
	_ = godotenv.Load()

	port, err := envOrDefaultInt("LICENSED_PORT", 8480)
	if err != nil {
		return nil, err
	}
	trialDays, err := envOrDefaultInt("LICENSED_TRIAL_DAYS", 30)
	if err != nil {
		return nil, err
	}
	planDays, err := envOrDefaultInt("LICENSED_DEFAULT_PLAN_DAYS", 30)
	if err != nil {
		return nil, err
	}
	maxRetries, err := envOrDefaultInt("LICENSED_MAX_RETRIES", 5)
	if err != nil {
		return nil, err
	}
	burst, err := envOrDefaultInt("LICENSED_WEBHOOK_BURST", 20)
	if err != nil {
		return nil, err
	}
	rate, err := envOrDefaultFloat("LICENSED_WEBHOOK_RATE", 10)
	if err != nil {
		return nil, err
	}
	lookahead, err := envOrDefaultDuration("LICENSED_EXPIRY_LOOKAHEAD", 72*time.Hour)
	if err != nil {
		return nil, err
	}
	cooldown, err := envOrDefaultDuration("LICENSED_NOTIFY_COOLDOWN", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	scanInterval, err := envOrDefaultDuration("LICENSED_SCAN_INTERVAL", time.Hour)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DataDir:          envOrDefault("LICENSED_DATA_DIR", "/data"),
		BindAddress:      envOrDefault("LICENSED_BIND_ADDRESS", "0.0.0.0"),
		Port:             port,
		AdminKey:         strings.TrimSpace(os.Getenv("LICENSED_ADMIN_KEY")),
		WebhookToken:     strings.TrimSpace(os.Getenv("LICENSED_WEBHOOK_TOKEN")),
		WebhookRate:      rate,
		WebhookBurst:     burst,
		StoreDriver:      strings.ToLower(envOrDefault("LICENSED_STORE_DRIVER", DriverSQLite)),
		DatabaseURL:      strings.TrimSpace(os.Getenv("LICENSED_DATABASE_URL")),
		RedisAddr:        strings.TrimSpace(os.Getenv("LICENSED_REDIS_ADDR")),
		TrialDays:        trialDays,
		DefaultPlanDays:  planDays,
		PlansFile:        strings.TrimSpace(os.Getenv("LICENSED_PLANS_FILE")),
		ExpiryLookahead:  lookahead,
		NotifyCooldown:   cooldown,
		ScanInterval:     scanInterval,
		MaxRetries:       maxRetries,
		NotifyWebhookURL: strings.TrimSpace(os.Getenv("LICENSED_NOTIFY_WEBHOOK_URL")),
		LogLevel:         envOrDefault("LICENSED_LOG_LEVEL", "info"),
		LogFormat:        envOrDefault("LICENSED_LOG_FORMAT", "auto"),
		LogFile:          strings.TrimSpace(os.Getenv("LICENSED_LOG_FILE")),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate licensed config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.AdminKey == "" {
		missing = append(missing, "LICENSED_ADMIN_KEY")
	}
	if c.StoreDriver == DriverPostgres && c.DatabaseURL == "" {
		missing = append(missing, "LICENSED_DATABASE_URL")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	switch c.StoreDriver {
	case DriverSQLite, DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("LICENSED_STORE_DRIVER must be one of sqlite, postgres, memory, got %q", c.StoreDriver)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("LICENSED_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.TrialDays <= 0 {
		return fmt.Errorf("LICENSED_TRIAL_DAYS must be greater than 0, got %d", c.TrialDays)
	}
	if c.DefaultPlanDays <= 0 {
		return fmt.Errorf("LICENSED_DEFAULT_PLAN_DAYS must be greater than 0, got %d", c.DefaultPlanDays)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("LICENSED_MAX_RETRIES must be at least 1, got %d", c.MaxRetries)
	}
	if c.ExpiryLookahead <= 0 || c.NotifyCooldown < 0 || c.ScanInterval <= 0 {
		return fmt.Errorf("LICENSED_EXPIRY_LOOKAHEAD and LICENSED_SCAN_INTERVAL must be positive, LICENSED_NOTIFY_COOLDOWN non-negative")
	}
	if c.WebhookRate <= 0 || c.WebhookBurst < 1 {
		return fmt.Errorf("LICENSED_WEBHOOK_RATE must be positive and LICENSED_WEBHOOK_BURST at least 1")
	}

	if c.NotifyWebhookURL != "" {
		parsed, err := url.Parse(c.NotifyWebhookURL)
		if err != nil {
			return fmt.Errorf("LICENSED_NOTIFY_WEBHOOK_URL must be a valid URL: %w", err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("LICENSED_NOTIFY_WEBHOOK_URL must use http or https scheme")
		}
		if parsed.Host == "" {
			return fmt.Errorf("LICENSED_NOTIFY_WEBHOOK_URL must include a host")
		}
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultFloat(key string, fallback float64) (float64, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid number: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration (e.g. 72h): %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}
