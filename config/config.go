// Package config loads the service configuration from the environment and an
// optional env file. The retry policy settings are required.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JohnPlummer/jp-go-apiguard/resilience"
)

// ErrInvalidConfig is returned for missing or malformed settings.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the service configuration. It is read once at startup and passed
// explicitly to the components that need it.
type Config struct {
	Server     ServerConfig
	Log        LogConfig
	Downstream DownstreamConfig
	Retry      RetryConfig
	Breaker    BreakerConfig
}

type ServerConfig struct {
	Host string
	Port int
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

type LogConfig struct {
	Level  string
	Format string
}

type DownstreamConfig struct {
	URL     string
	Timeout time.Duration
}

type RetryConfig struct {
	MaxRetryAttempts      int
	MedianFirstRetryDelay time.Duration
	MaxDelay              time.Duration
	FastFirst             bool
}

type BreakerConfig struct {
	Enabled     bool
	Timeout     time.Duration
	MaxRequests uint32
}

// LoadOptions contains options for loading configuration.
type LoadOptions struct {
	EnvFile string // optional env file, e.g. ".env"; a missing file is ignored
}

// Load reads the configuration with ".env" as the env file.
func Load() (*Config, error) {
	return LoadWithOptions(LoadOptions{EnvFile: ".env"})
}

// LoadWithOptions reads the configuration. Environment variables override the env file.
func LoadWithOptions(opts LoadOptions) (*Config, error) {
	v := viper.New()

	v.SetDefault("SERVER_HOST", "0.0.0.0")
	v.SetDefault("SERVER_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("DOWNSTREAM_URL", "http://localhost:9000")
	v.SetDefault("DOWNSTREAM_TIMEOUT_MS", 10000)
	v.SetDefault("RETRY_MAX_DELAY_MS", 30000)
	v.SetDefault("RETRY_FAST_FIRST", true)
	v.SetDefault("BREAKER_ENABLED", true)
	v.SetDefault("BREAKER_TIMEOUT_MS", 60000)
	v.SetDefault("BREAKER_MAX_REQUESTS", 1)

	if opts.EnvFile != "" {
		if _, err := os.Stat(opts.EnvFile); err == nil {
			v.SetConfigFile(opts.EnvFile)
			v.SetConfigType("env")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	maxAttempts, err := requiredInt(v, "RETRY_MAX_RETRY_ATTEMPTS")
	if err != nil {
		return nil, err
	}
	medianMs, err := requiredInt(v, "RETRY_MEDIAN_FIRST_RETRY_DELAY_MS")
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Host: v.GetString("SERVER_HOST"),
			Port: v.GetInt("SERVER_PORT"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("LOG_LEVEL")),
			Format: strings.ToLower(v.GetString("LOG_FORMAT")),
		},
		Downstream: DownstreamConfig{
			URL:     strings.TrimRight(v.GetString("DOWNSTREAM_URL"), "/"),
			Timeout: milliseconds(v.GetInt("DOWNSTREAM_TIMEOUT_MS")),
		},
		Retry: RetryConfig{
			MaxRetryAttempts:      maxAttempts,
			MedianFirstRetryDelay: milliseconds(medianMs),
			MaxDelay:              milliseconds(v.GetInt("RETRY_MAX_DELAY_MS")),
			FastFirst:             v.GetBool("RETRY_FAST_FIRST"),
		},
		Breaker: BreakerConfig{
			Enabled:     v.GetBool("BREAKER_ENABLED"),
			Timeout:     milliseconds(v.GetInt("BREAKER_TIMEOUT_MS")),
			MaxRequests: v.GetUint32("BREAKER_MAX_REQUESTS"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks value ranges. The retry settings are checked by the resilience package.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: SERVER_PORT %d out of range", ErrInvalidConfig, c.Server.Port)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("%w: LOG_FORMAT must be json or text, got %q", ErrInvalidConfig, c.Log.Format)
	}
	if c.Downstream.URL == "" {
		return fmt.Errorf("%w: DOWNSTREAM_URL is required", ErrInvalidConfig)
	}
	if c.Downstream.Timeout <= 0 {
		return fmt.Errorf("%w: DOWNSTREAM_TIMEOUT_MS must be positive", ErrInvalidConfig)
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// RetryPolicy returns the resilience retry configuration for the downstream policy.
func (c *Config) RetryPolicy() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		Strategy:              resilience.RetryStrategyDecorrelatedJitter,
		MaxRetryAttempts:      c.Retry.MaxRetryAttempts,
		MedianFirstRetryDelay: c.Retry.MedianFirstRetryDelay,
		MaxDelay:              c.Retry.MaxDelay,
		FastFirst:             c.Retry.FastFirst,
	}
}

// CircuitBreaker returns the breaker configuration, or nil when the breaker is disabled.
func (c *Config) CircuitBreaker() *resilience.CircuitBreakerConfig {
	if !c.Breaker.Enabled {
		return nil
	}
	cb := resilience.DefaultCircuitBreakerConfig()
	if c.Breaker.Timeout > 0 {
		cb.Timeout = c.Breaker.Timeout
	}
	if c.Breaker.MaxRequests > 0 {
		cb.MaxRequests = c.Breaker.MaxRequests
	}
	return cb
}

func requiredInt(v *viper.Viper, key string) (int, error) {
	if !v.IsSet(key) {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidConfig, key)
	}
	raw := strings.TrimSpace(v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer, got %q", ErrInvalidConfig, key, raw)
	}
	return n, nil
}

func milliseconds(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
