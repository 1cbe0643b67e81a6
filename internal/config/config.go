// Package config loads the server configuration from the environment, an
// optional .env file and an optional YAML/TOML/JSON file named by
// CONFIG_FILE. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/coinvest/ledger-engine/internal/model"
	"github.com/coinvest/ledger-engine/internal/retry"
	"github.com/coinvest/ledger-engine/internal/tier"
)

// Config is the flat server configuration. Keys match the environment
// variable names in lower case.
type Config struct {
	Port        int    `mapstructure:"port" validate:"required,min=1,max=65535"`
	DatabaseURL string `mapstructure:"database_url"`

	RedisURL string        `mapstructure:"redis_url"`
	RedisTTL time.Duration `mapstructure:"redis_ttl" validate:"gt=0"`

	PriceFeedURL     string        `mapstructure:"price_feed_url" validate:"required,url"`
	PriceFeedTimeout time.Duration `mapstructure:"price_feed_timeout" validate:"gt=0"`

	TierCeilingLow    string `mapstructure:"tier_ceiling_low"`
	TierCeilingMedium string `mapstructure:"tier_ceiling_medium"`
	TierCeilingHigh   string `mapstructure:"tier_ceiling_high"`

	DistributionWorkers int    `mapstructure:"distribution_workers" validate:"min=1,max=256"`
	OCCMaxRetries       int    `mapstructure:"occ_max_retries" validate:"min=0,max=100"`
	ReconcileSchedule   string `mapstructure:"reconcile_schedule"`

	LogLevel string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFile  string `mapstructure:"log_file"`
}

var defaults = map[string]any{
	"port":                 8080,
	"database_url":         "",
	"redis_url":            "",
	"redis_ttl":            "30s",
	"price_feed_url":       "https://api.binance.com",
	"price_feed_timeout":   "10s",
	"tier_ceiling_low":     "",
	"tier_ceiling_medium":  "",
	"tier_ceiling_high":    "",
	"distribution_workers": 8,
	"occ_max_retries":      5,
	"reconcile_schedule":   "@every 15m",
	"log_level":            "info",
	"log_file":             "",
}

// Load reads .env (if present), then CONFIG_FILE (if set), then the
// environment, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints and that configured ceilings parse.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := c.Ceilings(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Ceilings returns the configured per-tier capital ceilings. Tiers left
// empty are absent; distributing to them is a configuration error unless
// the caller supplies a ceiling.
func (c *Config) Ceilings() (tier.Ceilings, error) {
	return tier.FromStrings(map[model.RiskTier]string{
		model.TierLow:    c.TierCeilingLow,
		model.TierMedium: c.TierCeilingMedium,
		model.TierHigh:   c.TierCeilingHigh,
	})
}

// RetryPolicy returns the optimistic-concurrency policy for this config.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.DefaultPolicy().WithMaxRetries(c.OCCMaxRetries)
}
