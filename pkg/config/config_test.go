package config_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/resumekit/pkg/config"
)

type retryConfig struct {
	MaxRetries int           `env:"TEST_MAX_RETRIES" envDefault:"3"`
	Backoff    time.Duration `env:"TEST_BACKOFF" envDefault:"10ms"`
	Provider   string        `env:"TEST_PROVIDER,required"`
}

func (c *retryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}
	return nil
}

func TestLoadFrom(t *testing.T) {
	t.Parallel()

	t.Run("defaults and overrides", func(t *testing.T) {
		t.Parallel()
		var cfg retryConfig
		require.NoError(t, config.LoadFrom(&cfg, map[string]string{
			"TEST_PROVIDER": "stripe",
			"TEST_BACKOFF":  "25ms",
		}))
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, 25*time.Millisecond, cfg.Backoff)
		assert.Equal(t, "stripe", cfg.Provider)
	})

	t.Run("missing required", func(t *testing.T) {
		t.Parallel()
		var cfg retryConfig
		err := config.LoadFrom(&cfg, map[string]string{})
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("validator runs", func(t *testing.T) {
		t.Parallel()
		var cfg retryConfig
		err := config.LoadFrom(&cfg, map[string]string{"TEST_PROVIDER": "hmac", "TEST_MAX_RETRIES": "-1"})
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})

	t.Run("nil pointer", func(t *testing.T) {
		t.Parallel()
		assert.ErrorIs(t, config.LoadFrom[retryConfig](nil, nil), config.ErrNilPointer)
	})
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_PROVIDER", "paddle")

	var cfg retryConfig
	require.NoError(t, config.Load(&cfg))
	assert.Equal(t, "paddle", cfg.Provider)

	assert.NotPanics(t, func() { config.MustLoad(&cfg) })
}
