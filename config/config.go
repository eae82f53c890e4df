/*
Package config loads server settings with viper.

SOURCES (later wins):
  1. Defaults below
  2. config.yaml in "." or "./config" (optional)
  3. Environment variables of the same name
  4. Command-line flags applied by cmd/server

KEYS:
  APP_PORT, DATABASE_PATH, ENV, LOG_LEVEL          server
  STRIPE_KEY, CURRENCY                             payment provider
  ALLOCATION_SCHEDULE                              cron spec for monthly allocation
  BOOKING_TIMEOUT, BOOKING_MAX_ATTEMPTS            booking coordinator
  SYNC_MAX_ATTEMPTS, SYNC_BASE_BACKOFF,
  SYNC_RATE_PER_SEC                                catalogue sync
  RATE_LIMIT_PER_MIN, CORS_ORIGINS                 HTTP edge
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	AppPort      int    `mapstructure:"APP_PORT"`
	DatabasePath string `mapstructure:"DATABASE_PATH"`
	Env          string `mapstructure:"ENV"`
	LogLevel     string `mapstructure:"LOG_LEVEL"`

	StripeKey string `mapstructure:"STRIPE_KEY"`
	Currency  string `mapstructure:"CURRENCY"`

	AllocationSchedule string `mapstructure:"ALLOCATION_SCHEDULE"`

	BookingTimeout     time.Duration `mapstructure:"BOOKING_TIMEOUT"`
	BookingMaxAttempts int           `mapstructure:"BOOKING_MAX_ATTEMPTS"`

	SyncMaxAttempts int           `mapstructure:"SYNC_MAX_ATTEMPTS"`
	SyncBaseBackoff time.Duration `mapstructure:"SYNC_BASE_BACKOFF"`
	SyncRatePerSec  float64       `mapstructure:"SYNC_RATE_PER_SEC"`

	RateLimitPerMin int    `mapstructure:"RATE_LIMIT_PER_MIN"`
	CORSOrigins     string `mapstructure:"CORS_ORIGINS"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", 8080)
	v.SetDefault("DATABASE_PATH", "cpd.db")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("STRIPE_KEY", "")
	v.SetDefault("CURRENCY", "gbp")
	v.SetDefault("ALLOCATION_SCHEDULE", "@daily")
	v.SetDefault("BOOKING_TIMEOUT", "5s")
	v.SetDefault("BOOKING_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_MAX_ATTEMPTS", 3)
	v.SetDefault("SYNC_BASE_BACKOFF", "200ms")
	v.SetDefault("SYNC_RATE_PER_SEC", 20)
	v.SetDefault("RATE_LIMIT_PER_MIN", 200)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173,http://localhost:8080")
}

// Load reads configuration from the defaults, an optional config file and
// the environment. A missing config file is not an error.
func Load(paths ...string) (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.AppPort <= 0 || c.AppPort > 65535 {
		return fmt.Errorf("APP_PORT %d out of range", c.AppPort)
	}
	if c.DatabasePath == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if c.BookingMaxAttempts < 1 || c.SyncMaxAttempts < 1 {
		return errors.New("max attempts must be at least 1")
	}
	if c.SyncRatePerSec <= 0 {
		return errors.New("SYNC_RATE_PER_SEC must be positive")
	}
	return nil
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

// Origins splits CORS_ORIGINS on commas.
func (c Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
