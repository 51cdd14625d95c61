// Package config loads process settings from an optional .env file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Browser drivers
const (
	DriverCDP    = "cdp"
	DriverMemory = "memory"
)

// Config holds every tunable of the server
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR"`
	DBPath   string `env:"DB_PATH"`
	APIHost  string `env:"API_HOST"`

	// Browser
	BrowserDriver string `env:"BROWSER_DRIVER"`
	ChromeURL     string `env:"CHROME_URL"`
	Headless      bool   `env:"HEADLESS"`

	// Automation
	MaxConsecutiveErrors int           `env:"MAX_CONSECUTIVE_ERRORS"`
	MaxSessionsPerUser   int           `env:"MAX_SESSIONS_PER_USER"`
	InjectAttempts       int           `env:"INJECT_ATTEMPTS"`
	InjectRetryDelay     time.Duration `env:"INJECT_RETRY_DELAY"`
	ProfileTimeout       time.Duration `env:"PROFILE_TIMEOUT"`

	// Rate limiting
	RateLimitPerHour int `env:"RATE_LIMIT_PER_HOUR"`
	RateLimitBurst   int `env:"RATE_LIMIT_BURST"`

	// Housekeeping
	SessionTTL      time.Duration `env:"SESSION_TTL"`
	CleanupInterval time.Duration `env:"CLEANUP_INTERVAL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"`
	LogFormat string `env:"LOG_FORMAT"`
}

// Default returns the built-in settings
func Default() *Config {
	return &Config{
		HTTPAddr:             ":8080",
		DBPath:               "./storage/applypilot.db",
		APIHost:              "http://localhost:3000",
		BrowserDriver:        DriverCDP,
		MaxConsecutiveErrors: 5,
		MaxSessionsPerUser:   3,
		InjectAttempts:       3,
		InjectRetryDelay:     time.Second,
		ProfileTimeout:       10 * time.Second,
		RateLimitPerHour:     100,
		RateLimitBurst:       10,
		SessionTTL:           24 * time.Hour,
		CleanupInterval:      5 * time.Minute,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// Load applies envFile (when it exists) and then the environment on top of
// the defaults
func Load(envFile string) (*Config, error) {
	cfg := Default()

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadFromEnv(cfg *Config) error {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("DB_PATH", &cfg.DBPath)
	str("API_HOST", &cfg.APIHost)
	str("BROWSER_DRIVER", &cfg.BrowserDriver)
	str("CHROME_URL", &cfg.ChromeURL)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	var errs []error
	integer := func(key string, dst *int) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
			return
		}
		*dst = n
	}
	duration := func(key string, dst *time.Duration) {
		v := os.Getenv(key)
		if v == "" {
			return
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %q is not a duration", key, v))
			return
		}
		*dst = d
	}

	integer("MAX_CONSECUTIVE_ERRORS", &cfg.MaxConsecutiveErrors)
	integer("MAX_SESSIONS_PER_USER", &cfg.MaxSessionsPerUser)
	integer("INJECT_ATTEMPTS", &cfg.InjectAttempts)
	integer("RATE_LIMIT_PER_HOUR", &cfg.RateLimitPerHour)
	integer("RATE_LIMIT_BURST", &cfg.RateLimitBurst)
	duration("INJECT_RETRY_DELAY", &cfg.InjectRetryDelay)
	duration("PROFILE_TIMEOUT", &cfg.ProfileTimeout)
	duration("SESSION_TTL", &cfg.SessionTTL)
	duration("CLEANUP_INTERVAL", &cfg.CleanupInterval)

	if v := os.Getenv("HEADLESS"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("HEADLESS: %q is not a boolean", v))
		} else {
			cfg.Headless = b
		}
	}

	return errors.Join(errs...)
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	switch c.BrowserDriver {
	case DriverCDP, DriverMemory:
	default:
		return fmt.Errorf("browser_driver must be one of: %s, %s", DriverCDP, DriverMemory)
	}
	if c.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("max_consecutive_errors must be positive")
	}
	if c.MaxSessionsPerUser <= 0 {
		return fmt.Errorf("max_sessions_per_user must be positive")
	}
	if c.InjectAttempts <= 0 {
		return fmt.Errorf("inject_attempts must be positive")
	}
	if c.RateLimitPerHour <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit settings must be positive")
	}
	if c.SessionTTL <= 0 || c.CleanupInterval <= 0 {
		return fmt.Errorf("session_ttl and cleanup_interval must be positive")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	level := strings.ToLower(c.LogLevel)
	for _, l := range validLogLevels {
		if level == l {
			return nil
		}
	}
	return fmt.Errorf("log_level must be one of: %s", strings.Join(validLogLevels, ", "))
}
