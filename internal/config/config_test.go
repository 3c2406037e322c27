package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func baseEnv() map[string]string {
	return map[string]string{
		"PUBLIC_BASE_URL":        "https://tidings.example/",
		"API_KEY":                "anon-key",
		"STRIPE_PUBLISHABLE_KEY": "pk_test_123",
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(envMap(baseEnv()))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PublicBaseURL != "https://tidings.example" {
		t.Errorf("expected trailing slash trimmed, got %q", cfg.PublicBaseURL)
	}
	if cfg.MinDonationMinor != 100 || cfg.MaxDonationMinor != 99999900 {
		t.Errorf("unexpected limits %d..%d", cfg.MinDonationMinor, cfg.MaxDonationMinor)
	}
	if cfg.Currency != "usd" || cfg.SMTP.Port != 587 {
		t.Errorf("unexpected defaults %+v", cfg)
	}
	if cfg.Mode() != "checkout=mock store=sqlite storage=fs mail=log admin=off" {
		t.Errorf("unexpected mode %q", cfg.Mode())
	}
}

func TestLoad_Missing(t *testing.T) {
	tests := []struct {
		name  string
		set   map[string]string
		unset string
		want  string
	}{
		{"no base url", nil, "PUBLIC_BASE_URL", "PUBLIC_BASE_URL"},
		{"no api key", nil, "API_KEY", "API_KEY"},
		{"no publishable key", nil, "STRIPE_PUBLISHABLE_KEY", "STRIPE_PUBLISHABLE_KEY"},
		{"secret without webhook secret", map[string]string{"STRIPE_SECRET_KEY": "sk_test_1"}, "", "STRIPE_WEBHOOK_SECRET"},
		{"bucket without keys", map[string]string{"S3_BUCKET": "audio"}, "", "S3_ENDPOINT, S3_KEY_ID, S3_SECRET_KEY"},
		{"smtp without sender", map[string]string{"SMTP_HOST": "smtp.example.org"}, "", "MAIL_FROM"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			for k, v := range tt.set {
				env[k] = v
			}
			delete(env, tt.unset)

			_, err := Load(envMap(env))
			if !errors.Is(err, ErrMissingConfig) {
				t.Fatalf("expected ErrMissingConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected %q in %q", tt.want, err.Error())
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"relative base url", "PUBLIC_BASE_URL", "/tidings"},
		{"bad currency", "CURRENCY", "dollars"},
		{"bad min", "MIN_DONATION", "one"},
		{"three decimals", "MIN_DONATION", "1.005"},
		{"zero max", "MAX_DONATION", "0"},
		{"min above max", "MIN_DONATION", "1000000"},
		{"bad port", "SMTP_PORT", "smtp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := baseEnv()
			env[tt.key] = tt.val
			if _, err := Load(envMap(env)); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestLoad_Full(t *testing.T) {
	env := baseEnv()
	for k, v := range map[string]string{
		"STRIPE_SECRET_KEY":     "sk_test_1",
		"STRIPE_WEBHOOK_SECRET": "whsec_1",
		"DATABASE_URL":          "postgres://localhost/tidings",
		"S3_BUCKET":             "audio",
		"S3_ENDPOINT":           "s3.example.org",
		"S3_KEY_ID":             "key",
		"S3_SECRET_KEY":         "secret",
		"SMTP_HOST":             "smtp.example.org",
		"SMTP_PORT":             "2525",
		"MAIL_FROM":             "gifts@tidings.example",
		"ADMIN_JWT_SECRET":      "jwt-secret",
		"MIN_DONATION":          "5",
		"MAX_DONATION":          "250.5",
		"CURRENCY":              "EUR",
	} {
		env[k] = v
	}

	cfg, err := Load(envMap(env))
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	want := &Config{
		PublicBaseURL: "https://tidings.example",
		APIKey:        "anon-key",
		Stripe: Stripe{
			PublishableKey: "pk_test_123",
			SecretKey:      "sk_test_1",
			WebhookSecret:  "whsec_1",
		},
		DatabaseURL: "postgres://localhost/tidings",
		S3: S3{
			Bucket:    "audio",
			Endpoint:  "s3.example.org",
			KeyID:     "key",
			SecretKey: "secret",
		},
		SMTP: SMTP{
			Host: "smtp.example.org",
			Port: 2525,
			From: "gifts@tidings.example",
		},
		AdminJWTSecret:   "jwt-secret",
		MinDonationMinor: 500,
		MaxDonationMinor: 25050,
		Currency:         "eur",
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if cfg.Mode() != "checkout=stripe store=postgres storage=s3 mail=smtp admin=on" {
		t.Errorf("unexpected mode %q", cfg.Mode())
	}
}
