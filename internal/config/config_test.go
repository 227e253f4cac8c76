package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DatabaseDriver != "sqlite" || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected database defaults: %#v", cfg)
	}
	if cfg.XPPerExchange != 20 || cfg.WelcomeBonus != 50 {
		t.Fatalf("unexpected economy defaults: xp=%d bonus=%d", cfg.XPPerExchange, cfg.WelcomeBonus)
	}
	if cfg.RateLimitWindow != time.Minute {
		t.Fatalf("unexpected rate limit window %s", cfg.RateLimitWindow)
	}
	if cfg.QuotaLocation != time.UTC {
		t.Fatalf("expected UTC quota location, got %s", cfg.QuotaLocation)
	}
	if cfg.GenerationConfigured() {
		t.Fatalf("expected generation to be unconfigured by default")
	}
}

func TestLoadResolvesQuotaTimezone(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")
	configViper.Set("quota.timezone", "Asia/Tokyo")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.QuotaLocation.String() != "Asia/Tokyo" {
		t.Fatalf("unexpected location %s", cfg.QuotaLocation)
	}
}

func TestLoadValidation(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value interface{}
	}{
		{name: "missing secret", key: "tauth.signing_secret", value: ""},
		{name: "unknown driver", key: "database.driver", value: "postgres"},
		{name: "mysql without dsn", key: "database.driver", value: "mysql"},
		{name: "bad timezone", key: "quota.timezone", value: "Mars/Olympus"},
		{name: "zero xp", key: "progression.xp_per_exchange", value: 0},
		{name: "bad log format", key: "log.format", value: "xml"},
		{name: "zero pool", key: "tasks.pool_size", value: 0},
		{name: "wildcard origin", key: "http.allowed_origins", value: "*"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("tauth.signing_secret", "secret")
			configViper.Set(testCase.key, testCase.value)
			if _, err := Load(configViper); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadParsesAllowedOrigins(t *testing.T) {
	configViper := NewViper()
	configViper.Set("tauth.signing_secret", "secret")
	configViper.Set("http.allowed_origins", "https://app.example.com, https://fans.example.com/")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://app.example.com" || cfg.AllowedOrigins[1] != "https://fans.example.com" {
		t.Fatalf("unexpected origins %#v", cfg.AllowedOrigins)
	}

	defaultViper := NewViper()
	defaultViper.Set("tauth.signing_secret", "secret")
	defaults, err := Load(defaultViper)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defaults.AllowedOrigins) != 0 {
		t.Fatalf("expected no cross-origin access by default, got %#v", defaults.AllowedOrigins)
	}
}
