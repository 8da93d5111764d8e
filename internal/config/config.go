// Package config loads and validates all runtime configuration for the
// gateway.
//
// Configuration is read from environment variables (preferred for
// containers) or from a config.yaml file in the working directory.
// Environment variables take precedence over the YAML file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	Port     int
	LogLevel string

	AdminKey string
	APIKey   string

	DB       DBConfig
	Redis    RedisConfig
	ClickHouse ClickHouseConfig

	LoadBalanceStrategy string // round_robin | weighted_round_robin | least_used | random

	CircuitBreaker CircuitBreakerConfig
	HealthCheck    HealthCheckConfig

	Cache CacheSimConfig

	TokenRefresh TokenRefreshConfig

	ZeroInputTokenModels []string
	Validation           ValidationConfig

	AppBaseURL string

	EnableThinkingByDefault bool

	AmazonQ AmazonQConfig
	Gemini  GeminiOAuthConfig
}

// DBConfig selects and configures the credential-store backend (C1).
// Two back-ends are indistinguishable to callers: an embedded single-file
// SQLite database (the default, no external dependency) or a networked
// MySQL database selected by supplying MYSQL_DSN.
type DBConfig struct {
	MySQLDSN string // when set, selects the networked backend
	SQLitePath string // embedded backend path, default "./gateway.db"
}

// RedisConfig holds the optional Redis connection backing the call-log
// sliding-window count (C3). Redis is optional: when URL is empty,
// CallLogRecorder falls back to a COUNT query against the call_logs table.
type RedisConfig struct {
	URL string
}

// ClickHouseConfig configures the optional durable usage-tracker sink.
// When DSN is empty, usage rows are only recorded via slog and the
// in-process ring buffer that backs get_summary.
type ClickHouseConfig struct {
	DSN string
}

type CircuitBreakerConfig struct {
	Enabled         bool
	ErrorThreshold  int
	RecoveryTimeout time.Duration
}

type HealthCheckConfig struct {
	Interval time.Duration
}

// CacheSimConfig controls the prompt-cache simulator (C5).
type CacheSimConfig struct {
	Enabled    bool
	TTL        time.Duration
	MaxEntries int
}

type TokenRefreshConfig struct {
	Enabled  bool
	Interval time.Duration
}

type ValidationConfig struct {
	DisableInputValidation bool
	AmazonQMaxInputTokens  int
}

// AmazonQConfig holds the fixed OIDC endpoints used by the device-code flow
// and the CodeWhisperer streaming endpoint. These rarely change and have
// sane defaults; they are still configurable to support testing against a
// local mock.
type AmazonQConfig struct {
	Region         string
	StreamEndpoint string
	OIDCEndpoint   string
}

// GeminiOAuthConfig holds the Google OAuth token endpoint used to refresh
// donated Gemini credentials (distinct from an API key).
type GeminiOAuthConfig struct {
	TokenEndpoint string
	DefaultAPIEndpoint string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("SQLITE_PATH", "./gateway.db")
	v.SetDefault("LOAD_BALANCE_STRATEGY", "weighted_round_robin")

	v.SetDefault("CIRCUIT_BREAKER_ENABLED", true)
	v.SetDefault("CIRCUIT_BREAKER_ERROR_THRESHOLD", 5)
	v.SetDefault("CIRCUIT_BREAKER_RECOVERY_TIMEOUT", "300s")

	v.SetDefault("HEALTH_CHECK_INTERVAL", "300s")

	v.SetDefault("ENABLE_CACHE_SIMULATION", false)
	v.SetDefault("CACHE_TTL_SECONDS", 86400)
	v.SetDefault("MAX_CACHE_ENTRIES", 5000)

	v.SetDefault("ENABLE_AUTO_REFRESH", false)
	v.SetDefault("TOKEN_REFRESH_INTERVAL_HOURS", 5)

	v.SetDefault("DISABLE_INPUT_VALIDATION", false)
	v.SetDefault("AMAZONQ_MAX_INPUT_TOKENS", 100000)

	v.SetDefault("ENABLE_THINKING_BY_DEFAULT", false)

	v.SetDefault("AWS_REGION", "us-east-1")
	v.SetDefault("AMAZONQ_STREAM_ENDPOINT", "https://q.us-east-1.amazonaws.com/")
	v.SetDefault("AMAZONQ_OIDC_ENDPOINT", "https://oidc.us-east-1.amazonaws.com")

	v.SetDefault("GEMINI_OAUTH_TOKEN_ENDPOINT", "https://oauth2.googleapis.com/token")
	v.SetDefault("GEMINI_DEFAULT_API_ENDPOINT", "https://cloudcode-pa.googleapis.com")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		AdminKey: v.GetString("ADMIN_KEY"),
		APIKey:   v.GetString("API_KEY"),

		DB: DBConfig{
			MySQLDSN:   v.GetString("MYSQL_DSN"),
			SQLitePath: v.GetString("SQLITE_PATH"),
		},
		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		LoadBalanceStrategy: v.GetString("LOAD_BALANCE_STRATEGY"),

		CircuitBreaker: CircuitBreakerConfig{
			Enabled:         v.GetBool("CIRCUIT_BREAKER_ENABLED"),
			ErrorThreshold:  v.GetInt("CIRCUIT_BREAKER_ERROR_THRESHOLD"),
			RecoveryTimeout: v.GetDuration("CIRCUIT_BREAKER_RECOVERY_TIMEOUT"),
		},

		HealthCheck: HealthCheckConfig{Interval: v.GetDuration("HEALTH_CHECK_INTERVAL")},

		Cache: CacheSimConfig{
			Enabled:    v.GetBool("ENABLE_CACHE_SIMULATION"),
			TTL:        time.Duration(v.GetInt("CACHE_TTL_SECONDS")) * time.Second,
			MaxEntries: v.GetInt("MAX_CACHE_ENTRIES"),
		},

		TokenRefresh: TokenRefreshConfig{
			Enabled:  v.GetBool("ENABLE_AUTO_REFRESH"),
			Interval: time.Duration(v.GetInt("TOKEN_REFRESH_INTERVAL_HOURS")) * time.Hour,
		},

		ZeroInputTokenModels: splitCSV(v.GetString("ZERO_INPUT_TOKEN_MODELS")),
		Validation: ValidationConfig{
			DisableInputValidation: v.GetBool("DISABLE_INPUT_VALIDATION"),
			AmazonQMaxInputTokens:  v.GetInt("AMAZONQ_MAX_INPUT_TOKENS"),
		},

		AppBaseURL: v.GetString("BASE_URL"),

		EnableThinkingByDefault: v.GetBool("ENABLE_THINKING_BY_DEFAULT"),

		AmazonQ: AmazonQConfig{
			Region:         v.GetString("AWS_REGION"),
			StreamEndpoint: v.GetString("AMAZONQ_STREAM_ENDPOINT"),
			OIDCEndpoint:   v.GetString("AMAZONQ_OIDC_ENDPOINT"),
		},
		Gemini: GeminiOAuthConfig{
			TokenEndpoint:      v.GetString("GEMINI_OAUTH_TOKEN_ENDPOINT"),
			DefaultAPIEndpoint: v.GetString("GEMINI_DEFAULT_API_ENDPOINT"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	switch c.LoadBalanceStrategy {
	case "round_robin", "weighted_round_robin", "least_used", "random":
	default:
		return fmt.Errorf("config: invalid LOAD_BALANCE_STRATEGY %q", c.LoadBalanceStrategy)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_ERROR_THRESHOLD must be >= 1")
	}
	if c.CircuitBreaker.RecoveryTimeout <= 0 {
		return fmt.Errorf("config: CIRCUIT_BREAKER_RECOVERY_TIMEOUT must be a positive duration")
	}

	if c.Cache.TTL < 60*time.Second || c.Cache.TTL > 604800*time.Second {
		return fmt.Errorf("config: CACHE_TTL_SECONDS must be in [60, 604800]")
	}
	if c.Cache.MaxEntries < 100 || c.Cache.MaxEntries > 100000 {
		return fmt.Errorf("config: MAX_CACHE_ENTRIES must be in [100, 100000]")
	}

	if c.Validation.AmazonQMaxInputTokens < 1 {
		return fmt.Errorf("config: AMAZONQ_MAX_INPUT_TOKENS must be >= 1")
	}

	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
