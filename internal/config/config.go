package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	// Store selects the persistence backend: "postgres" or "memory".
	Store              string        `mapstructure:"STORE"`
	RedisURL           string        `mapstructure:"REDIS_URL"`
	TokenEncryptionKey string        `mapstructure:"TOKEN_ENCRYPTION_KEY"`
	ProvidersFile      string        `mapstructure:"PROVIDERS_FILE"`
	HTTPTimeout        time.Duration `mapstructure:"HTTP_TIMEOUT"`
	FetchMaxAttempts   int           `mapstructure:"FETCH_MAX_ATTEMPTS"`
	FetchPageSize      int           `mapstructure:"FETCH_PAGE_SIZE"`
	TokenRefreshSkew   time.Duration `mapstructure:"TOKEN_REFRESH_SKEW"`
	RateLimitRPS       float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `mapstructure:"RATE_LIMIT_BURST"`
	SyncConcurrency    int           `mapstructure:"SYNC_CONCURRENCY"`
	// DefaultConflictResolution applies to connections without a sync state.
	DefaultConflictResolution string `mapstructure:"DEFAULT_CONFLICT_RESOLUTION"`
	WebhookURL                string `mapstructure:"WEBHOOK_URL"`
	WebhookSecret             string `mapstructure:"WEBHOOK_SECRET"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "STORE",
	"REDIS_URL", "TOKEN_ENCRYPTION_KEY", "PROVIDERS_FILE", "HTTP_TIMEOUT", "FETCH_MAX_ATTEMPTS",
	"FETCH_PAGE_SIZE", "TOKEN_REFRESH_SKEW", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SYNC_CONCURRENCY", "DEFAULT_CONFLICT_RESOLUTION", "WEBHOOK_URL", "WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("STORE", "postgres")
	v.SetDefault("PROVIDERS_FILE", "providers.yaml")
	v.SetDefault("HTTP_TIMEOUT", "30s")
	v.SetDefault("FETCH_MAX_ATTEMPTS", 4)
	v.SetDefault("FETCH_PAGE_SIZE", 100)
	v.SetDefault("TOKEN_REFRESH_SKEW", "60s")
	v.SetDefault("RATE_LIMIT_RPS", 10)
	v.SetDefault("RATE_LIMIT_BURST", 20)
	v.SetDefault("SYNC_CONCURRENCY", 4)
	v.SetDefault("DEFAULT_CONFLICT_RESOLUTION", "server-wins")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))

	if cfg.Store == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UseMemory reports whether the in-memory stores are selected.
func (c *Config) UseMemory() bool {
	return c.Store == "memory"
}

// Validate checks that the configuration is safe to run. Outside development
// TOKEN_ENCRYPTION_KEY is required, since refresh tokens are stored sealed.
func (c *Config) Validate() error {
	if c.Store != "postgres" && c.Store != "memory" {
		return fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}
	if c.IsProduction() && c.UseMemory() {
		return fmt.Errorf("STORE=memory is not allowed in production")
	}

	if !c.IsDev() && c.TokenEncryptionKey == "" {
		return fmt.Errorf("TOKEN_ENCRYPTION_KEY is required when ENV=%q", c.Env)
	}
	if c.TokenEncryptionKey != "" {
		keyBytes, err := hex.DecodeString(c.TokenEncryptionKey)
		if err != nil {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY is not valid hex: %w", err)
		}
		if len(keyBytes) != 32 {
			return fmt.Errorf("TOKEN_ENCRYPTION_KEY must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes))
		}
	}

	switch c.DefaultConflictResolution {
	case "server-wins", "client-wins", "manual":
	default:
		return fmt.Errorf("DEFAULT_CONFLICT_RESOLUTION must be server-wins, client-wins or manual, got %q", c.DefaultConflictResolution)
	}

	if c.FetchPageSize <= 0 {
		return fmt.Errorf("FETCH_PAGE_SIZE must be positive, got %d", c.FetchPageSize)
	}
	if c.FetchMaxAttempts <= 0 {
		return fmt.Errorf("FETCH_MAX_ATTEMPTS must be positive, got %d", c.FetchMaxAttempts)
	}
	if c.SyncConcurrency <= 0 {
		return fmt.Errorf("SYNC_CONCURRENCY must be positive, got %d", c.SyncConcurrency)
	}
	if c.WebhookURL != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URL is set")
	}
	return nil
}
