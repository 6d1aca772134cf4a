// Package config loads and validates service configuration from the
// environment and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds the service configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; empty selects the in-memory store.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// Issuer is the iss claim on access tokens and the label on TOTP
	// provisioning URIs.
	Issuer string `mapstructure:"ISSUER"`
	// SigningKeyPEM is an optional PEM-encoded RSA private key. When empty a
	// key is generated at startup and tokens do not survive restarts.
	SigningKeyPEM string `mapstructure:"SIGNING_KEY_PEM"`
	// AccessTTL is the access token lifetime (e.g. "15m").
	AccessTTL string `mapstructure:"ACCESS_TTL"`
	// RefreshTTL is the refresh token lifetime (e.g. "336h" for 14 days).
	RefreshTTL string `mapstructure:"REFRESH_TTL"`
	// BcryptCost is the bcrypt cost factor (4-31).
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// LockoutThreshold is the number of failed attempts before a lockout.
	LockoutThreshold int `mapstructure:"LOCKOUT_THRESHOLD"`
	// LockoutWindow is the failure-counting and lockout window (e.g. "10m").
	LockoutWindow string `mapstructure:"LOCKOUT_WINDOW"`
	// TOTPSkew is the number of 30s steps accepted around the current one.
	TOTPSkew int `mapstructure:"TOTP_SKEW"`
	// RateLimitRPS is the per-client request rate on the auth endpoints.
	RateLimitRPS float64 `mapstructure:"RATE_LIMIT_RPS"`
	// RateLimitBurst is the per-client burst on the auth endpoints.
	RateLimitBurst int `mapstructure:"RATE_LIMIT_BURST"`
	// CookieSecure marks the refresh cookie Secure; disable only for local
	// development over plain HTTP.
	CookieSecure bool `mapstructure:"COOKIE_SECURE"`
	// CORSOrigin is the allowed origin for browser clients; empty disables CORS.
	CORSOrigin string `mapstructure:"CORS_ORIGIN"`
	// LogLevel is the zap level (debug, info, warn, error).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogPretty switches to the console encoder for local development.
	LogPretty bool `mapstructure:"LOG_PRETTY"`
	// Env is the deployment environment label attached to logs.
	Env string `mapstructure:"APP_ENV"`
	// KeyRotationInterval is how often the signing key rotates (e.g. "24h");
	// zero disables rotation.
	KeyRotationInterval string `mapstructure:"KEY_ROTATION_INTERVAL"`
	// CompactionInterval is how often expired revocation records and MFA
	// challenges are swept.
	CompactionInterval string `mapstructure:"COMPACTION_INTERVAL"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment. Missing .env is ignored; env vars override .env values.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.SetEnvPrefix("AUTHGRID")
	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("ISSUER", "authgrid")
	v.SetDefault("SIGNING_KEY_PEM", "")
	v.SetDefault("ACCESS_TTL", "15m")
	v.SetDefault("REFRESH_TTL", "336h") // 14d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("LOCKOUT_THRESHOLD", 5)
	v.SetDefault("LOCKOUT_WINDOW", "10m")
	v.SetDefault("TOTP_SKEW", 1)
	v.SetDefault("RATE_LIMIT_RPS", 5.0)
	v.SetDefault("RATE_LIMIT_BURST", 10)
	v.SetDefault("COOKIE_SECURE", true)
	v.SetDefault("CORS_ORIGIN", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("KEY_ROTATION_INTERVAL", "24h")
	v.SetDefault("COMPACTION_INTERVAL", "5m")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("config: ISSUER must be set")
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if cfg.LockoutThreshold < 1 {
		return nil, errors.New("config: LOCKOUT_THRESHOLD must be positive")
	}
	if cfg.TOTPSkew < 0 {
		return nil, errors.New("config: TOTP_SKEW must not be negative")
	}

	return &cfg, nil
}

func duration(raw string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}

// AccessTokenTTL parses AccessTTL; returns 15m if unset or invalid.
func (c *Config) AccessTokenTTL() time.Duration {
	d := duration(c.AccessTTL, 15*time.Minute)
	if d == 0 {
		return 15 * time.Minute
	}
	return d
}

// RefreshTokenTTL parses RefreshTTL; returns 14 days if unset or invalid.
func (c *Config) RefreshTokenTTL() time.Duration {
	d := duration(c.RefreshTTL, 14*24*time.Hour)
	if d == 0 {
		return 14 * 24 * time.Hour
	}
	return d
}

// LockoutWindowDuration parses LockoutWindow; returns 10m if unset or invalid.
func (c *Config) LockoutWindowDuration() time.Duration {
	d := duration(c.LockoutWindow, 10*time.Minute)
	if d == 0 {
		return 10 * time.Minute
	}
	return d
}

// KeyRotationEvery parses KeyRotationInterval; zero disables rotation.
func (c *Config) KeyRotationEvery() time.Duration {
	return duration(c.KeyRotationInterval, 24*time.Hour)
}

// CompactionEvery parses CompactionInterval; returns 5m if unset or invalid.
func (c *Config) CompactionEvery() time.Duration {
	d := duration(c.CompactionInterval, 5*time.Minute)
	if d == 0 {
		return 5 * time.Minute
	}
	return d
}
