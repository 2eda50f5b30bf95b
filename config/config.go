// Package config loads the relay daemon's settings from the
// environment, with optional .env file support for development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds every tunable of the relay daemon.
type Config struct {
	ListenAddr string
	LogLevel   string

	RetryBase       time.Duration
	RetryCap        time.Duration
	MaxAttempts     int
	MaxPayloadBytes int
	DefaultTTL      time.Duration
	MaxTTL          time.Duration

	QueueMaxEntries int
	QueueMaxBytes   int

	SweepInterval time.Duration
}

// Load reads the configuration from the environment. A .env file in
// the working directory is applied first when present; real
// environment variables take precedence over it.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logrus.WithFields(logrus.Fields{
			"function": "Load",
			"error":    err.Error(),
		}).Warn("Could not read .env file")
	}

	cfg := Config{
		ListenAddr:      envString("COURIER_LISTEN_ADDR", ":8080"),
		LogLevel:        envString("COURIER_LOG_LEVEL", "info"),
		RetryBase:       time.Second,
		RetryCap:        60 * time.Second,
		MaxAttempts:     5,
		MaxPayloadBytes: 64 * 1024,
		DefaultTTL:      7 * 24 * time.Hour,
		MaxTTL:          30 * 24 * time.Hour,
		QueueMaxEntries: 1000,
		QueueMaxBytes:   16 * 1024 * 1024,
		SweepInterval:   60 * time.Second,
	}

	var err error
	if cfg.RetryBase, err = envDuration("COURIER_RETRY_BASE", cfg.RetryBase); err != nil {
		return Config{}, err
	}
	if cfg.RetryCap, err = envDuration("COURIER_RETRY_CAP", cfg.RetryCap); err != nil {
		return Config{}, err
	}
	if cfg.MaxAttempts, err = envInt("COURIER_RETRY_MAX_ATTEMPTS", cfg.MaxAttempts); err != nil {
		return Config{}, err
	}
	if cfg.MaxPayloadBytes, err = envInt("COURIER_MAX_PAYLOAD_BYTES", cfg.MaxPayloadBytes); err != nil {
		return Config{}, err
	}
	if cfg.DefaultTTL, err = envDuration("COURIER_DEFAULT_TTL", cfg.DefaultTTL); err != nil {
		return Config{}, err
	}
	if cfg.MaxTTL, err = envDuration("COURIER_MAX_TTL", cfg.MaxTTL); err != nil {
		return Config{}, err
	}
	if cfg.QueueMaxEntries, err = envInt("COURIER_QUEUE_MAX_ENTRIES", cfg.QueueMaxEntries); err != nil {
		return Config{}, err
	}
	if cfg.QueueMaxBytes, err = envInt("COURIER_QUEUE_MAX_BYTES", cfg.QueueMaxBytes); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("COURIER_SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return Config{}, err
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.RetryBase <= 0 || c.RetryCap < c.RetryBase {
		return fmt.Errorf("retry schedule invalid: base %s cap %s", c.RetryBase, c.RetryCap)
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("retry attempt ceiling must be at least 1, got %d", c.MaxAttempts)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("payload limit must be positive, got %d", c.MaxPayloadBytes)
	}
	if c.DefaultTTL <= 0 || c.MaxTTL < c.DefaultTTL {
		return fmt.Errorf("expiry policy invalid: default %s max %s", c.DefaultTTL, c.MaxTTL)
	}
	return nil
}

// ParsedLogLevel maps the configured level name to a logrus level,
// falling back to info.
func (c Config) ParsedLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

func envString(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return parsed, nil
}
