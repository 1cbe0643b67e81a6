package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinvest/ledger-engine/internal/model"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.RedisTTL)
	assert.Equal(t, "https://api.binance.com", cfg.PriceFeedURL)
	assert.Equal(t, 8, cfg.DistributionWorkers)
	assert.Equal(t, 5, cfg.OCCMaxRetries)
	assert.Equal(t, "@every 15m", cfg.ReconcileSchedule)
	assert.Equal(t, "info", cfg.LogLevel)

	ceilings, err := cfg.Ceilings()
	require.NoError(t, err)
	assert.Empty(t, ceilings)
	assert.Equal(t, 5, cfg.RetryPolicy().MaxRetries)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("TIER_CEILING_HIGH", "10000")
	t.Setenv("OCC_MAX_RETRIES", "9")
	t.Setenv("PRICE_FEED_TIMEOUT", "250ms")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.PriceFeedTimeout)
	assert.Equal(t, 9, cfg.RetryPolicy().MaxRetries)

	ceilings, err := cfg.Ceilings()
	require.NoError(t, err)
	assert.True(t, ceilings[model.TierHigh].Equal(decimal.NewFromInt(10000)))
}

func TestLoad_DotEnvAndConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("TIER_CEILING_LOW=2500\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("TIER_CEILING_LOW") })

	file := filepath.Join(dir, "ledger.yaml")
	require.NoError(t, os.WriteFile(file, []byte("log_level: debug\ndistribution_workers: 3\n"), 0o600))
	t.Setenv("CONFIG_FILE", file)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.DistributionWorkers)
	assert.Equal(t, "2500", cfg.TierCeilingLow)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("log level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "chatty")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("ceiling", func(t *testing.T) {
		t.Setenv("TIER_CEILING_MEDIUM", "a lot")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("workers", func(t *testing.T) {
		t.Setenv("DISTRIBUTION_WORKERS", "0")
		_, err := Load()
		assert.Error(t, err)
	})
}
