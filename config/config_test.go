package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirupsen/logrus"
)

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.ListenAddr)
		assert.Equal(t, time.Second, cfg.RetryBase)
		assert.Equal(t, 5, cfg.MaxAttempts)
		assert.Equal(t, 7*24*time.Hour, cfg.DefaultTTL)
	})

	t.Run("environment overrides", func(t *testing.T) {
		t.Setenv("COURIER_LISTEN_ADDR", ":9999")
		t.Setenv("COURIER_RETRY_BASE", "250ms")
		t.Setenv("COURIER_RETRY_MAX_ATTEMPTS", "7")

		cfg, err := Load()
		require.NoError(t, err)
		assert.Equal(t, ":9999", cfg.ListenAddr)
		assert.Equal(t, 250*time.Millisecond, cfg.RetryBase)
		assert.Equal(t, 7, cfg.MaxAttempts)
	})

	t.Run("malformed values fail loudly", func(t *testing.T) {
		t.Setenv("COURIER_RETRY_BASE", "soon")
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("inconsistent retry schedule is rejected", func(t *testing.T) {
		t.Setenv("COURIER_RETRY_BASE", "2m")
		t.Setenv("COURIER_RETRY_CAP", "1s")
		_, err := Load()
		assert.Error(t, err)
	})
}

func TestParsedLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, Config{LogLevel: "debug"}.ParsedLogLevel())
	assert.Equal(t, logrus.InfoLevel, Config{LogLevel: "nonsense"}.ParsedLogLevel())
}
