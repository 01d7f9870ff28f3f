// Package config loads and validates the service configuration from
// YAML with environment variable substitution, and supports hot
// reload of the tunable fields via a file watcher.
package config

import (
	"fmt"
	"time"

	"github.com/briefwire/accessgate/internal/apikey"
	"github.com/briefwire/accessgate/internal/auth"
	"github.com/briefwire/accessgate/internal/quota"
	"github.com/briefwire/accessgate/internal/retry"
)

// Config is the root service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	APIKey   APIKeyConfig   `yaml:"apikey"`
	Quota    QuotaConfig    `yaml:"quota"`
	Session  SessionConfig  `yaml:"session"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	// Addr is the listen address.
	Addr string `yaml:"addr"`

	// ReadTimeout bounds reading the request.
	ReadTimeout Duration `yaml:"readTimeout"`

	// WriteTimeout bounds writing the response.
	WriteTimeout Duration `yaml:"writeTimeout"`

	// ShutdownTimeout bounds the graceful drain on shutdown.
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`

	// RateLimit is the transport-level per-client request limiter.
	RateLimit RateLimitConfig `yaml:"rateLimit"`
}

// RateLimitConfig configures the per-client request limiter. This is
// distinct from the article quota: it protects the service itself.
type RateLimitConfig struct {
	// Enabled turns the limiter on.
	Enabled bool `yaml:"enabled"`

	// RequestsPerSecond is the sustained rate per client.
	RequestsPerSecond float64 `yaml:"requestsPerSecond"`

	// Burst is the short-term burst allowance per client.
	Burst int `yaml:"burst"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// Format is "json" or "console".
	Format string `yaml:"format"`
}

// PostgresConfig configures the key and subscription database. When
// URL is empty the service runs on in-memory stores.
type PostgresConfig struct {
	// URL is the pgx connection string.
	URL string `yaml:"url"`
}

// RedisConfig configures the quota counter store. When Addr is empty
// the service runs on the in-memory counter store.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`

	PoolSize     int `yaml:"poolSize"`
	MinIdleConns int `yaml:"minIdleConns"`

	DialTimeout  Duration `yaml:"dialTimeout"`
	ReadTimeout  Duration `yaml:"readTimeout"`
	WriteTimeout Duration `yaml:"writeTimeout"`
}

// APIKeyConfig configures key issuance and rotation.
type APIKeyConfig struct {
	// DefaultTTL is the lifetime for keys issued without an explicit
	// TTL. Zero means no expiry.
	DefaultTTL Duration `yaml:"defaultTTL"`

	// BcryptCost is the cost factor for secret hashing. Zero uses
	// the bcrypt default.
	BcryptCost int `yaml:"bcryptCost"`

	// RotationTTLPolicy is "reset" or "residual".
	RotationTTLPolicy string `yaml:"rotationTTLPolicy"`
}

// QuotaConfig configures the free-tier article quota.
type QuotaConfig struct {
	// FreeArticleLimit is the daily cap for users without a
	// subscription record. Hot-reloadable.
	FreeArticleLimit int64 `yaml:"freeArticleLimit"`
}

// SessionConfig configures the session-token fallback.
type SessionConfig struct {
	// Secret is the shared HS256 signing secret. Empty disables the
	// session path.
	Secret string `yaml:"secret"`

	// ClockSkew is the allowed clock skew for time claims.
	ClockSkew Duration `yaml:"clockSkew"`
}

// AuthConfig tunes the authorization facade's store calls.
type AuthConfig struct {
	StoreTimeout     Duration    `yaml:"storeTimeout"`
	Retry            RetryConfig `yaml:"retry"`
	BreakerThreshold uint32      `yaml:"breakerThreshold"`
	BreakerInterval  Duration    `yaml:"breakerInterval"`
	BreakerCooldown  Duration    `yaml:"breakerCooldown"`
}

// RetryConfig configures the store retry schedule.
type RetryConfig struct {
	MaxRetries     int      `yaml:"maxRetries"`
	InitialBackoff Duration `yaml:"initialBackoff"`
	MaxBackoff     Duration `yaml:"maxBackoff"`
	JitterFactor   float64  `yaml:"jitterFactor"`
}

// DefaultConfig returns a configuration with sane defaults for local
// development: in-memory stores, console logging, no session path.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
			RateLimit: RateLimitConfig{
				Enabled:           true,
				RequestsPerSecond: 20,
				Burst:             40,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Redis: RedisConfig{
			Prefix: "quota:",
		},
		APIKey: APIKeyConfig{
			RotationTTLPolicy: string(apikey.TTLPolicyReset),
		},
		Quota: QuotaConfig{
			FreeArticleLimit: 5,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not one of json, console", c.Logging.Format)
	}

	switch apikey.TTLPolicy(c.APIKey.RotationTTLPolicy) {
	case "", apikey.TTLPolicyReset, apikey.TTLPolicyResidual:
	default:
		return fmt.Errorf("apikey.rotationTTLPolicy %q is not one of reset, residual", c.APIKey.RotationTTLPolicy)
	}

	if c.Quota.FreeArticleLimit < 0 {
		return fmt.Errorf("quota.freeArticleLimit must not be negative")
	}

	if c.Server.RateLimit.Enabled {
		if c.Server.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("server.rateLimit.requestsPerSecond must be positive")
		}
		if c.Server.RateLimit.Burst <= 0 {
			return fmt.Errorf("server.rateLimit.burst must be positive")
		}
	}

	if c.Auth.Retry.JitterFactor < 0 || c.Auth.Retry.JitterFactor > 1 {
		return fmt.Errorf("auth.retry.jitterFactor must be between 0 and 1")
	}

	return nil
}

// FacadeConfig converts the auth and quota sections into the facade's
// tuning struct.
func (c *Config) FacadeConfig() *auth.FacadeConfig {
	return &auth.FacadeConfig{
		StoreTimeout: c.Auth.StoreTimeout.Duration(),
		Retry: &retry.Config{
			MaxRetries:     c.Auth.Retry.MaxRetries,
			InitialBackoff: c.Auth.Retry.InitialBackoff.Duration(),
			MaxBackoff:     c.Auth.Retry.MaxBackoff.Duration(),
			JitterFactor:   c.Auth.Retry.JitterFactor,
		},
		BreakerThreshold: c.Auth.BreakerThreshold,
		BreakerInterval:  c.Auth.BreakerInterval.Duration(),
		BreakerCooldown:  c.Auth.BreakerCooldown.Duration(),
		FreeArticleLimit: c.Quota.FreeArticleLimit,
	}
}

// RedisCounterConfig converts the redis section into the counter
// store's config. Returns nil when Redis is not configured.
func (c *Config) RedisCounterConfig() *quota.RedisConfig {
	if c.Redis.Addr == "" {
		return nil
	}

	rc := quota.DefaultRedisConfig()
	rc.Address = c.Redis.Addr
	rc.Password = c.Redis.Password
	rc.DB = c.Redis.DB
	if c.Redis.Prefix != "" {
		rc.Prefix = c.Redis.Prefix
	}
	if c.Redis.PoolSize > 0 {
		rc.PoolSize = c.Redis.PoolSize
	}
	if c.Redis.MinIdleConns > 0 {
		rc.MinIdleConns = c.Redis.MinIdleConns
	}
	if d := c.Redis.DialTimeout.Duration(); d > 0 {
		rc.DialTimeout = d
	}
	if d := c.Redis.ReadTimeout.Duration(); d > 0 {
		rc.ReadTimeout = d
	}
	if d := c.Redis.WriteTimeout.Duration(); d > 0 {
		rc.WriteTimeout = d
	}
	return rc
}
