package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{
		"DATABASE_URL", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
		"LISTEN_ADDR", "ENVIRONMENT", "ADAPTER_RATE_PER_SECOND", "POLL_TIMEOUT",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, 10.0, cfg.AdapterRatePerSecond)
	assert.Equal(t, 5*time.Second, cfg.PollTimeout)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgresql://app@db:5432/expenses")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("ADAPTER_RATE_PER_SECOND", "2.5")
	t.Setenv("POLL_TIMEOUT", "30s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgresql://app@db:5432/expenses", cfg.DatabaseURL)
	assert.Equal(t, "redis:6380", cfg.RedisAddr)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 2.5, cfg.AdapterRatePerSecond)
	assert.Equal(t, 30*time.Second, cfg.PollTimeout)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"REDIS_DB", "three"},
		{"ADAPTER_RATE_PER_SECOND", "fast"},
		{"POLL_TIMEOUT", "soon"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
