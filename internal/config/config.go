// Package config reads the service's credentials and limits from the
// environment and validates them at startup.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrMissingConfig means a required setting is absent or only partly set.
	ErrMissingConfig = errors.New("missing configuration")
	// ErrInvalidConfig means a setting is present but unusable.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Stripe holds payment provider credentials. SecretKey empty selects the
// mock checkout backend.
type Stripe struct {
	PublishableKey string
	SecretKey      string
	WebhookSecret  string
}

// S3 holds S3-compatible object storage settings. Bucket empty selects the
// local filesystem.
type S3 struct {
	Bucket    string
	Endpoint  string
	KeyID     string
	SecretKey string
	Prefix    string
	Region    string
	Insecure  bool
}

// SMTP holds mail relay settings. Host empty selects the log notifier.
type SMTP struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// Config is everything read from the environment.
type Config struct {
	PublicBaseURL string
	APIKey        string
	Stripe        Stripe
	DatabaseURL   string
	S3            S3
	SMTP          SMTP

	AdminJWTSecret string

	MinDonationMinor int64
	MaxDonationMinor int64
	Currency         string
}

var currencyPattern = regexp.MustCompile(`^[a-z]{3}$`)

// Load reads the configuration through getenv, usually os.Getenv.
func Load(getenv func(string) string) (*Config, error) {
	env := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := &Config{
		PublicBaseURL: strings.TrimRight(env("PUBLIC_BASE_URL"), "/"),
		APIKey:        env("API_KEY"),
		Stripe: Stripe{
			PublishableKey: env("STRIPE_PUBLISHABLE_KEY"),
			SecretKey:      env("STRIPE_SECRET_KEY"),
			WebhookSecret:  env("STRIPE_WEBHOOK_SECRET"),
		},
		DatabaseURL: env("DATABASE_URL"),
		S3: S3{
			Bucket:    env("S3_BUCKET"),
			Endpoint:  env("S3_ENDPOINT"),
			KeyID:     env("S3_KEY_ID"),
			SecretKey: env("S3_SECRET_KEY"),
			Prefix:    env("S3_PREFIX"),
			Region:    env("S3_REGION"),
			Insecure:  env("S3_INSECURE") == "true",
		},
		SMTP: SMTP{
			Host:     env("SMTP_HOST"),
			Username: env("SMTP_USER"),
			Password: getenv("SMTP_PASSWORD"),
			From:     env("MAIL_FROM"),
		},
		AdminJWTSecret: env("ADMIN_JWT_SECRET"),
		Currency:       strings.ToLower(env("CURRENCY")),
	}

	var missing []string
	require := func(key, val string) {
		if val == "" {
			missing = append(missing, key)
		}
	}
	require("PUBLIC_BASE_URL", cfg.PublicBaseURL)
	require("API_KEY", cfg.APIKey)
	require("STRIPE_PUBLISHABLE_KEY", cfg.Stripe.PublishableKey)
	if cfg.Stripe.SecretKey != "" {
		require("STRIPE_WEBHOOK_SECRET", cfg.Stripe.WebhookSecret)
	}
	if cfg.S3.Bucket != "" {
		require("S3_ENDPOINT", cfg.S3.Endpoint)
		require("S3_KEY_ID", cfg.S3.KeyID)
		require("S3_SECRET_KEY", cfg.S3.SecretKey)
	}
	if cfg.SMTP.Host != "" {
		require("MAIL_FROM", cfg.SMTP.From)
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingConfig, strings.Join(missing, ", "))
	}

	u, err := url.Parse(cfg.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: PUBLIC_BASE_URL must be an absolute http(s) URL", ErrInvalidConfig)
	}

	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if !currencyPattern.MatchString(cfg.Currency) {
		return nil, fmt.Errorf("%w: CURRENCY %q is not a three-letter code", ErrInvalidConfig, cfg.Currency)
	}

	if cfg.MinDonationMinor, err = parseAmount(env("MIN_DONATION"), 100); err != nil {
		return nil, fmt.Errorf("%w: MIN_DONATION: %v", ErrInvalidConfig, err)
	}
	if cfg.MaxDonationMinor, err = parseAmount(env("MAX_DONATION"), 99999900); err != nil {
		return nil, fmt.Errorf("%w: MAX_DONATION: %v", ErrInvalidConfig, err)
	}
	if cfg.MinDonationMinor > cfg.MaxDonationMinor {
		return nil, fmt.Errorf("%w: MIN_DONATION exceeds MAX_DONATION", ErrInvalidConfig)
	}

	cfg.SMTP.Port = 587
	if p := env("SMTP_PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: SMTP_PORT %q", ErrInvalidConfig, p)
		}
		cfg.SMTP.Port = port
	}

	return cfg, nil
}

// parseAmount converts a decimal amount like "1.00" to minor units.
func parseAmount(s string, def int64) (int64, error) {
	if s == "" {
		return def, nil
	}
	whole, frac, hasFrac := strings.Cut(s, ".")
	if whole == "" || (hasFrac && (frac == "" || len(frac) > 2)) {
		return 0, fmt.Errorf("%q is not an amount", s)
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w < 0 {
		return 0, fmt.Errorf("%q is not an amount", s)
	}
	var f int64
	if hasFrac {
		if len(frac) == 1 {
			frac += "0"
		}
		if f, err = strconv.ParseInt(frac, 10, 64); err != nil || f < 0 {
			return 0, fmt.Errorf("%q is not an amount", s)
		}
	}
	minor := w*100 + f
	if minor <= 0 {
		return 0, fmt.Errorf("%q must be positive", s)
	}
	return minor, nil
}

// Mode names which backends a configuration selects, for startup logs.
func (c *Config) Mode() string {
	parts := []string{"checkout=mock", "store=sqlite", "storage=fs", "mail=log", "admin=off"}
	if c.Stripe.SecretKey != "" {
		parts[0] = "checkout=stripe"
	}
	if c.DatabaseURL != "" {
		parts[1] = "store=postgres"
	}
	if c.S3.Bucket != "" {
		parts[2] = "storage=s3"
	}
	if c.SMTP.Host != "" {
		parts[3] = "mail=smtp"
	}
	if c.AdminJWTSecret != "" {
		parts[4] = "admin=on"
	}
	return strings.Join(parts, " ")
}
