// Package config loads the server configuration from the environment, with
// an optional .env file underneath it.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete server configuration. Every field maps to an
// upper-case environment variable of the same name (PORT, DATABASE_URL, ...).
type Config struct {
	Port            string        `mapstructure:"port"`
	DatabaseURL     string        `mapstructure:"database_url"`
	RedisURL        string        `mapstructure:"redis_url"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	LogLevel        string        `mapstructure:"log_level"`
	InitialBalance  int64         `mapstructure:"initial_balance"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	CommitTimeout   time.Duration `mapstructure:"commit_timeout"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	TradeRateLimit  int           `mapstructure:"trade_rate_limit"`
	RateWindow      time.Duration `mapstructure:"rate_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Load reads envFile (if it exists) into the process environment without
// overriding variables already set, then builds a Config from the
// environment and defaults. An empty envFile means ".env".
func Load(envFile string) (*Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key; AutomaticEnv only overrides known keys.
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("log_level", "info")

	v.SetDefault("initial_balance", 1000)
	v.SetDefault("max_attempts", 5)
	v.SetDefault("commit_timeout", "5s")
	v.SetDefault("cache_ttl", "30s")

	v.SetDefault("trade_rate_limit", 30)
	v.SetDefault("rate_window", "1m")
	v.SetDefault("shutdown_timeout", "5s")
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("jwt_secret must be at least 32 bytes")
	}
	if c.InitialBalance < 0 {
		return fmt.Errorf("initial_balance must not be negative")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.CommitTimeout <= 0 {
		return fmt.Errorf("commit_timeout must be positive")
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if c.TradeRateLimit < 1 {
		return fmt.Errorf("trade_rate_limit must be at least 1")
	}
	if c.RateWindow < time.Second {
		return fmt.Errorf("rate_window must be at least 1 second")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	return nil
}
