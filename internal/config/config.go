// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type SupabaseConfig struct {
	URL       string `yaml:"url"`
	AnonKey   string `yaml:"anon-key"`
	JWTSecret string `yaml:"jwt-secret"`
	JWTIssuer string `yaml:"jwt-issuer"`
}

type StripeConfig struct {
	SecretKey       string `yaml:"secret-key"`
	WebhookSecret   string `yaml:"webhook-secret"`
	ProPriceID      string `yaml:"pro-price-id"`
	LifetimePriceID string `yaml:"lifetime-price-id"`
}

type PostmarkConfig struct {
	ServerToken  string `yaml:"server-token"`
	FromEmail    string `yaml:"from-email"`
	SupportEmail string `yaml:"support-email"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api-key"`
	Model   string `yaml:"model"`
	BaseURL string `yaml:"base-url"`
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle-timeout"`
	CheckInterval time.Duration `yaml:"check-interval"`
	SignInPath    string        `yaml:"sign-in-path"`
}

type QuotaConfig struct {
	MonthlyLimit   int `yaml:"monthly-limit"`
	UsageRetention int `yaml:"usage-retention"`
}

type Config struct {
	Port            string         `yaml:"port"`
	DBPath          string         `yaml:"db-path"`
	RedisURL        string         `yaml:"redis-url"`
	LogLevel        string         `yaml:"log-level"`
	LogFormat       string         `yaml:"log-format"`
	BaseURL         string         `yaml:"base-url"`
	AllowedOrigins  []string       `yaml:"allowed-origins"`
	RateLimitPerMin int            `yaml:"rate-limit-per-minute"`
	Supabase        SupabaseConfig `yaml:"supabase"`
	Stripe          StripeConfig   `yaml:"stripe"`
	Postmark        PostmarkConfig `yaml:"postmark"`
	OpenAI          OpenAIConfig   `yaml:"openai"`
	Session         SessionConfig  `yaml:"session"`
	Quota           QuotaConfig    `yaml:"quota"`
}

// Default returns the settings used when nothing is configured.
func Default() *Config {
	return &Config{
		Port:            "8080",
		DBPath:          "chinaroute.db",
		LogLevel:        "info",
		LogFormat:       "text",
		BaseURL:         "http://localhost:3000",
		AllowedOrigins:  []string{"http://localhost:3000"},
		RateLimitPerMin: 30,
		Postmark: PostmarkConfig{
			FromEmail:    "noreply@chinaroute.app",
			SupportEmail: "support@chinaroute.app",
		},
		OpenAI: OpenAIConfig{
			Model:   "gpt-4o-mini",
			BaseURL: "https://api.openai.com/v1",
		},
		Session: SessionConfig{
			IdleTimeout:   15 * time.Minute,
			CheckInterval: 60 * time.Second,
			SignInPath:    "/auth/signin",
		},
		Quota: QuotaConfig{
			MonthlyLimit:   3,
			UsageRetention: 12,
		},
	}
}

// Load reads path (skipped when empty) over the defaults, then applies
// CHINAROUTE_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("CHINAROUTE_PORT", c.Port)
	c.DBPath = getEnv("CHINAROUTE_DB_PATH", c.DBPath)
	c.RedisURL = getEnv("CHINAROUTE_REDIS_URL", c.RedisURL)
	c.LogLevel = getEnv("CHINAROUTE_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("CHINAROUTE_LOG_FORMAT", c.LogFormat)
	c.BaseURL = getEnv("CHINAROUTE_BASE_URL", c.BaseURL)
	if v := getEnv("CHINAROUTE_ALLOWED_ORIGINS", ""); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	c.RateLimitPerMin = getEnvInt("CHINAROUTE_RATE_LIMIT_PER_MINUTE", c.RateLimitPerMin)

	c.Supabase.URL = getEnv("SUPABASE_URL", c.Supabase.URL)
	c.Supabase.AnonKey = getEnv("SUPABASE_ANON_KEY", c.Supabase.AnonKey)
	c.Supabase.JWTSecret = getEnv("SUPABASE_JWT_SECRET", c.Supabase.JWTSecret)
	c.Supabase.JWTIssuer = getEnv("SUPABASE_JWT_ISSUER", c.Supabase.JWTIssuer)

	c.Stripe.SecretKey = getEnv("STRIPE_SECRET_KEY", c.Stripe.SecretKey)
	c.Stripe.WebhookSecret = getEnv("STRIPE_WEBHOOK_SECRET", c.Stripe.WebhookSecret)
	c.Stripe.ProPriceID = getEnv("STRIPE_PRO_PRICE_ID", c.Stripe.ProPriceID)
	c.Stripe.LifetimePriceID = getEnv("STRIPE_LIFETIME_PRICE_ID", c.Stripe.LifetimePriceID)

	c.Postmark.ServerToken = getEnv("POSTMARK_SERVER_TOKEN", c.Postmark.ServerToken)
	c.Postmark.FromEmail = getEnv("CHINAROUTE_FROM_EMAIL", c.Postmark.FromEmail)
	c.Postmark.SupportEmail = getEnv("CHINAROUTE_SUPPORT_EMAIL", c.Postmark.SupportEmail)

	c.OpenAI.APIKey = getEnv("OPENAI_API_KEY", c.OpenAI.APIKey)
	c.OpenAI.Model = getEnv("OPENAI_MODEL", c.OpenAI.Model)
	c.OpenAI.BaseURL = getEnv("OPENAI_BASE_URL", c.OpenAI.BaseURL)

	c.Session.IdleTimeout = getEnvDuration("CHINAROUTE_IDLE_TIMEOUT", c.Session.IdleTimeout)
	c.Session.CheckInterval = getEnvDuration("CHINAROUTE_CHECK_INTERVAL", c.Session.CheckInterval)
	c.Session.SignInPath = getEnv("CHINAROUTE_SIGNIN_PATH", c.Session.SignInPath)

	c.Quota.MonthlyLimit = getEnvInt("CHINAROUTE_MONTHLY_LIMIT", c.Quota.MonthlyLimit)
	c.Quota.UsageRetention = getEnvInt("CHINAROUTE_USAGE_RETENTION", c.Quota.UsageRetention)
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.DBPath == "" && c.RedisURL == "" {
		errs = append(errs, errors.New("db-path or redis-url is required"))
	}
	if c.Session.IdleTimeout <= 0 {
		errs = append(errs, errors.New("session idle-timeout must be positive"))
	}
	if c.Session.CheckInterval <= 0 {
		errs = append(errs, errors.New("session check-interval must be positive"))
	}
	if !strings.HasPrefix(c.Session.SignInPath, "/") {
		errs = append(errs, fmt.Errorf("session sign-in-path %q must start with /", c.Session.SignInPath))
	}
	if c.Quota.MonthlyLimit < 0 {
		errs = append(errs, errors.New("quota monthly-limit must not be negative"))
	}
	return errors.Join(errs...)
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
