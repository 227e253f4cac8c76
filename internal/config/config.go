package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "COMPANION"

	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabaseDriver        = "sqlite"
	defaultDatabasePath          = "companion.db"
	defaultLogLevel              = "info"
	defaultLogFormat             = "json"
	defaultCookieName            = "app_session"
	defaultIssuer                = "tauth"
	defaultRateLimitMessages     = 30
	defaultRateLimitWindow       = 60
	defaultGenerationTimeout     = 30
	defaultGenerationHistory     = 10
	defaultXPPerExchange         = 20
	defaultQuotaTimezone         = "UTC"
	defaultWelcomeBonus          = 50
	defaultTaskPoolSize          = 64
	defaultGenerationMaxTokens   = 512
	defaultGenerationTemperature = 0.8
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string

	DatabaseDriver string
	DatabasePath   string
	DatabaseDSN    string

	LogLevel  string
	LogFormat string

	TAuthSigningKey string
	TAuthCookieName string
	TAuthIssuer     string

	InternalAPIKey string

	RedisAddress  string
	RedisPassword string
	RedisDB       int

	RateLimitMessages int
	RateLimitWindow   time.Duration

	GenerationAPIKey       string
	GenerationModel        string
	GenerationBaseURL      string
	GenerationRegion       string
	GenerationTimeout      time.Duration
	GenerationHistoryLimit int
	GenerationMaxTokens    int
	GenerationTemperature  float32

	XPPerExchange int64
	QuotaLocation *time.Location
	WelcomeBonus  int64
	TaskPoolSize  int
	VoiceEndpoint string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{})
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultIssuer)
	configViper.SetDefault("internal.api_key", "")
	configViper.SetDefault("redis.address", "")
	configViper.SetDefault("redis.password", "")
	configViper.SetDefault("redis.db", 0)
	configViper.SetDefault("ratelimit.messages", defaultRateLimitMessages)
	configViper.SetDefault("ratelimit.window_seconds", defaultRateLimitWindow)
	configViper.SetDefault("generation.api_key", "")
	configViper.SetDefault("generation.model", "")
	configViper.SetDefault("generation.base_url", "")
	configViper.SetDefault("generation.region", "")
	configViper.SetDefault("generation.timeout_seconds", defaultGenerationTimeout)
	configViper.SetDefault("generation.history_limit", defaultGenerationHistory)
	configViper.SetDefault("generation.max_tokens", defaultGenerationMaxTokens)
	configViper.SetDefault("generation.temperature", defaultGenerationTemperature)
	configViper.SetDefault("progression.xp_per_exchange", defaultXPPerExchange)
	configViper.SetDefault("quota.timezone", defaultQuotaTimezone)
	configViper.SetDefault("economy.welcome_bonus", defaultWelcomeBonus)
	configViper.SetDefault("tasks.pool_size", defaultTaskPoolSize)
	configViper.SetDefault("voice.endpoint", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:            strings.TrimSpace(configViper.GetString("http.address")),
		DatabaseDriver:         strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:           strings.TrimSpace(configViper.GetString("database.path")),
		DatabaseDSN:            strings.TrimSpace(configViper.GetString("database.dsn")),
		LogLevel:               configViper.GetString("log.level"),
		LogFormat:              configViper.GetString("log.format"),
		TAuthSigningKey:        configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:        strings.TrimSpace(configViper.GetString("tauth.cookie_name")),
		TAuthIssuer:            strings.TrimSpace(configViper.GetString("tauth.issuer")),
		InternalAPIKey:         strings.TrimSpace(configViper.GetString("internal.api_key")),
		RedisAddress:           strings.TrimSpace(configViper.GetString("redis.address")),
		RedisPassword:          configViper.GetString("redis.password"),
		RedisDB:                configViper.GetInt("redis.db"),
		RateLimitMessages:      configViper.GetInt("ratelimit.messages"),
		RateLimitWindow:        time.Duration(configViper.GetInt("ratelimit.window_seconds")) * time.Second,
		GenerationAPIKey:       strings.TrimSpace(configViper.GetString("generation.api_key")),
		GenerationModel:        strings.TrimSpace(configViper.GetString("generation.model")),
		GenerationBaseURL:      strings.TrimSpace(configViper.GetString("generation.base_url")),
		GenerationRegion:       strings.TrimSpace(configViper.GetString("generation.region")),
		GenerationTimeout:      time.Duration(configViper.GetInt("generation.timeout_seconds")) * time.Second,
		GenerationHistoryLimit: configViper.GetInt("generation.history_limit"),
		GenerationMaxTokens:    configViper.GetInt("generation.max_tokens"),
		GenerationTemperature:  float32(configViper.GetFloat64("generation.temperature")),
		XPPerExchange:          configViper.GetInt64("progression.xp_per_exchange"),
		WelcomeBonus:           configViper.GetInt64("economy.welcome_bonus"),
		TaskPoolSize:           configViper.GetInt("tasks.pool_size"),
		VoiceEndpoint:          strings.TrimSpace(configViper.GetString("voice.endpoint")),
		AllowedOrigins:         splitList(configViper.GetStringSlice("http.allowed_origins")),
	}

	timezone := strings.TrimSpace(configViper.GetString("quota.timezone"))
	if timezone == "" {
		timezone = defaultQuotaTimezone
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("quota.timezone %q: %w", timezone, err)
	}
	cfg.QuotaLocation = location

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// GenerationConfigured reports whether a remote chat model has been configured.
func (c AppConfig) GenerationConfigured() bool {
	return c.GenerationAPIKey != "" && c.GenerationModel != ""
}

// splitList accepts both list values and comma separated strings from the environment.
func splitList(values []string) []string {
	items := make([]string, 0, len(values))
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if item = strings.TrimRight(strings.TrimSpace(item), "/"); item != "" {
				items = append(items, item)
			}
		}
	}
	return items
}

func (c AppConfig) validate() error {
	for _, origin := range c.AllowedOrigins {
		if !strings.HasPrefix(origin, "https://") && !strings.HasPrefix(origin, "http://") {
			return fmt.Errorf("http.allowed_origins entry %q must be an http(s) origin", origin)
		}
	}
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if c.TAuthCookieName == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
		if c.DatabasePath == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case "mysql":
		if c.DatabaseDSN == "" {
			return fmt.Errorf("database.dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	if c.RateLimitMessages < 0 {
		return fmt.Errorf("ratelimit.messages must not be negative")
	}
	if c.RateLimitMessages > 0 && c.RateLimitWindow <= 0 {
		return fmt.Errorf("ratelimit.window_seconds must be positive")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("generation.timeout_seconds must be positive")
	}
	if c.GenerationHistoryLimit < 0 {
		return fmt.Errorf("generation.history_limit must not be negative")
	}
	if c.XPPerExchange <= 0 {
		return fmt.Errorf("progression.xp_per_exchange must be positive")
	}
	if c.WelcomeBonus < 0 {
		return fmt.Errorf("economy.welcome_bonus must not be negative")
	}
	if c.TaskPoolSize <= 0 {
		return fmt.Errorf("tasks.pool_size must be positive")
	}
	return nil
}
