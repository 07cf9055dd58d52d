// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the realtime HTTP server listens on (e.g. :8090).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// RedisURL is the bus connection URL (e.g. redis://localhost:6379/0).
	RedisURL string `mapstructure:"REDIS_URL"`
	// JWTPublicKey is the PEM-encoded public key (RSA or ECDSA) or path to file; verifies streaming tokens.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTPrivateKey is the PEM-encoded private key or path to file; only tooling (tokengen) needs it.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTIssuer is the expected iss claim (e.g. "wellpulse-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the expected aud claim (e.g. "wellpulse-realtime").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the token lifetime tokengen mints (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// BusRetryBase is the per-attempt backoff increment for bus reconnects (e.g. "500ms").
	BusRetryBase string `mapstructure:"BUS_RETRY_BASE"`
	// BusRetryCap is the backoff ceiling for bus reconnects (e.g. "30s").
	BusRetryCap string `mapstructure:"BUS_RETRY_CAP"`
	// PollWait is how long a long-poll events request is held open before returning empty (e.g. "25s").
	PollWait string `mapstructure:"POLL_WAIT"`
	// PollIdleTTL is how long a long-poll session may go without polling before it is disconnected (e.g. "60s").
	PollIdleTTL string `mapstructure:"POLL_IDLE_TTL"`
	// OTLPEndpoint is the OTLP gRPC collector endpoint (e.g. http://localhost:4317). Empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints (standard OTEL_EXPORTER_OTLP_INSECURE behavior).
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8090")
	v.SetDefault("REDIS_URL", "redis://localhost:6379/0")
	v.SetDefault("JWT_PUBLIC_KEY", "")
	v.SetDefault("JWT_PRIVATE_KEY", "")
	v.SetDefault("JWT_ISSUER", "wellpulse-auth")
	v.SetDefault("JWT_AUDIENCE", "wellpulse-realtime")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("BUS_RETRY_BASE", "500ms")
	v.SetDefault("BUS_RETRY_CAP", "30s")
	v.SetDefault("POLL_WAIT", "25s")
	v.SetDefault("POLL_IDLE_TTL", "60s")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("config: REDIS_URL must be set")
	}
	if cfg.JWTPublicKey == "" {
		return nil, errors.New("config: JWT_PUBLIC_KEY must be set")
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	return durationOr(c.JWTAccessTTL, 15*time.Minute)
}

// RetryBase parses BusRetryBase. Returns 500ms if unset or invalid.
func (c *Config) RetryBase() time.Duration {
	return durationOr(c.BusRetryBase, 500*time.Millisecond)
}

// RetryCap parses BusRetryCap. Returns 30s if unset or invalid.
func (c *Config) RetryCap() time.Duration {
	return durationOr(c.BusRetryCap, 30*time.Second)
}

// PollWaitDuration parses PollWait. Returns 25s if unset or invalid.
func (c *Config) PollWaitDuration() time.Duration {
	return durationOr(c.PollWait, 25*time.Second)
}

// PollIdleTTLDuration parses PollIdleTTL. Returns 60s if unset or invalid.
func (c *Config) PollIdleTTLDuration() time.Duration {
	return durationOr(c.PollIdleTTL, 60*time.Second)
}

func durationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
