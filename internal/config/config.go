// Package config loads service configuration from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// maxPasswordLength is bcrypt's input limit in bytes.
const maxPasswordLength = 72

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds application configuration. Durations are given in seconds in the environment.
type Config struct {
	HTTPAddr string `mapstructure:"CWP_HTTP_ADDR"`
	// GRPCAddr enables the gRPC health endpoint when non-empty.
	GRPCAddr string `mapstructure:"CWP_GRPC_ADDR"`

	PGDSN     string `mapstructure:"CWP_PG_DSN"`
	RedisAddr string `mapstructure:"CWP_REDIS_ADDR"`
	RedisDB   int    `mapstructure:"CWP_REDIS_DB"`
	// Store selects the credential store backend (memory or postgres).
	Store string `mapstructure:"CWP_STORE"`
	// RefreshStore selects the refresh token backend (memory, postgres or redis).
	RefreshStore string `mapstructure:"CWP_REFRESH_STORE"`

	JWTSecret         string `mapstructure:"CWP_JWT_SECRET"`
	AccessTTLSeconds  int    `mapstructure:"CWP_JWT_ACCESS_TTL"`
	RefreshTTLSeconds int    `mapstructure:"CWP_JWT_REFRESH_TTL"`
	ActivationGrace   int    `mapstructure:"CWP_ACTIVATION_GRACE"`
	ResetTTLSeconds   int    `mapstructure:"CWP_RESET_TTL"`
	StoreTimeoutMS    int    `mapstructure:"CWP_STORE_TIMEOUT_MS"`

	PasswordMinLength    int    `mapstructure:"CWP_PASSWORD_MIN_LENGTH"`
	PasswordMaxLength    int    `mapstructure:"CWP_PASSWORD_MAX_LENGTH"`
	PasswordSpecialChars string `mapstructure:"CWP_PASSWORD_SPECIAL_CHARS"`
	SuspendByDefault     bool   `mapstructure:"CWP_SUSPEND_BY_DEFAULT"`

	AppName string `mapstructure:"CWP_APP_NAME"`
	// AppURL is the public base URL used in activation and reset links; it ends with '/'.
	AppURL       string `mapstructure:"CWP_APP_URL"`
	NotifyBuffer int    `mapstructure:"CWP_NOTIFY_BUFFER"`

	LogLevel  string `mapstructure:"CWP_LOG_LEVEL"`
	LogFormat string `mapstructure:"CWP_LOG_FORMAT"`

	RateBurst  int `mapstructure:"CWP_RATE_BURST"`
	RatePerSec int `mapstructure:"CWP_RATE_PER_SEC"`
}

var keys = []string{
	"CWP_HTTP_ADDR", "CWP_GRPC_ADDR", "CWP_PG_DSN", "CWP_REDIS_ADDR", "CWP_REDIS_DB",
	"CWP_STORE", "CWP_REFRESH_STORE", "CWP_JWT_SECRET", "CWP_JWT_ACCESS_TTL", "CWP_JWT_REFRESH_TTL",
	"CWP_ACTIVATION_GRACE", "CWP_RESET_TTL", "CWP_STORE_TIMEOUT_MS", "CWP_PASSWORD_MIN_LENGTH",
	"CWP_PASSWORD_MAX_LENGTH", "CWP_PASSWORD_SPECIAL_CHARS", "CWP_SUSPEND_BY_DEFAULT",
	"CWP_APP_NAME", "CWP_APP_URL", "CWP_NOTIFY_BUFFER", "CWP_LOG_LEVEL", "CWP_LOG_FORMAT",
	"CWP_RATE_BURST", "CWP_RATE_PER_SEC",
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Env vars override .env values.
func Load() (*Config, error) {
	_ = godotenv.Load() // a missing .env is fine
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	v.AutomaticEnv()
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	v.SetDefault("CWP_HTTP_ADDR", ":8080")
	v.SetDefault("CWP_GRPC_ADDR", "")
	v.SetDefault("CWP_REDIS_DB", 0)
	v.SetDefault("CWP_STORE", BackendMemory)
	v.SetDefault("CWP_REFRESH_STORE", "")
	v.SetDefault("CWP_JWT_ACCESS_TTL", 900)
	v.SetDefault("CWP_JWT_REFRESH_TTL", 14*24*3600)
	v.SetDefault("CWP_ACTIVATION_GRACE", 7*24*3600)
	v.SetDefault("CWP_RESET_TTL", 3600)
	v.SetDefault("CWP_STORE_TIMEOUT_MS", 3000)
	v.SetDefault("CWP_PASSWORD_MIN_LENGTH", 8)
	v.SetDefault("CWP_PASSWORD_MAX_LENGTH", 64)
	v.SetDefault("CWP_PASSWORD_SPECIAL_CHARS", "!@#$%^&*()_+-=[]{};:,.?/~")
	v.SetDefault("CWP_SUSPEND_BY_DEFAULT", false)
	v.SetDefault("CWP_APP_NAME", "CWP Hosting")
	v.SetDefault("CWP_APP_URL", "http://localhost:8080/api/")
	v.SetDefault("CWP_NOTIFY_BUFFER", 64)
	v.SetDefault("CWP_LOG_LEVEL", "info")
	v.SetDefault("CWP_LOG_FORMAT", "json")
	v.SetDefault("CWP_RATE_BURST", 10)
	v.SetDefault("CWP_RATE_PER_SEC", 5)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Store = strings.ToLower(strings.TrimSpace(c.Store))
	c.RefreshStore = strings.ToLower(strings.TrimSpace(c.RefreshStore))
	if c.RefreshStore == "" {
		c.RefreshStore = c.Store
	}
	if c.AppURL != "" && !strings.HasSuffix(c.AppURL, "/") {
		c.AppURL += "/"
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.JWTSecret) == "" {
		return errors.New("config: CWP_JWT_SECRET is required")
	}
	if c.AccessTTLSeconds <= 0 || c.RefreshTTLSeconds <= 0 {
		return errors.New("config: token TTLs must be positive")
	}
	if c.ActivationGrace <= 0 || c.ResetTTLSeconds <= 0 {
		return errors.New("config: activation grace and reset TTL must be positive")
	}
	if c.StoreTimeoutMS <= 0 {
		return errors.New("config: CWP_STORE_TIMEOUT_MS must be positive")
	}
	if c.PasswordMinLength <= 0 || c.PasswordMinLength > c.PasswordMaxLength {
		return fmt.Errorf("config: invalid password length bounds %d..%d", c.PasswordMinLength, c.PasswordMaxLength)
	}
	if c.PasswordMaxLength > maxPasswordLength {
		return fmt.Errorf("config: CWP_PASSWORD_MAX_LENGTH %d exceeds the bcrypt limit of %d", c.PasswordMaxLength, maxPasswordLength)
	}
	switch c.Store {
	case BackendMemory, BackendPostgres:
	default:
		return fmt.Errorf("config: unknown CWP_STORE %q", c.Store)
	}
	switch c.RefreshStore {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("config: unknown CWP_REFRESH_STORE %q", c.RefreshStore)
	}
	if (c.Store == BackendPostgres || c.RefreshStore == BackendPostgres) && c.PGDSN == "" {
		return errors.New("config: CWP_PG_DSN is required for the postgres backend")
	}
	if c.RefreshStore == BackendRedis && c.RedisAddr == "" {
		return errors.New("config: CWP_REDIS_ADDR is required for the redis backend")
	}
	return nil
}

func (c *Config) AccessTTL() time.Duration  { return seconds(c.AccessTTLSeconds) }
func (c *Config) RefreshTTL() time.Duration { return seconds(c.RefreshTTLSeconds) }
func (c *Config) GracePeriod() time.Duration {
	return seconds(c.ActivationGrace)
}
func (c *Config) ResetTTL() time.Duration { return seconds(c.ResetTTLSeconds) }
func (c *Config) StoreTimeout() time.Duration {
	return time.Duration(c.StoreTimeoutMS) * time.Millisecond
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
