package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"grid-trader-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `{
  "strategy": {
    "name": "grid",
    "id": "eth-grid",
    "args": {"pair": "ETH/USDT", "lower": 2900, "upper": 3100, "number": 10, "size": 0.1, "max_trial": 3}
  },
  "pairs": [{"pair": "eth/usdt", "price_precision": 2, "size_precision": 3}],
  "backtest": {
    "start": "2024-01-01",
    "end": "2024-01-02",
    "interval": "5m",
    "initial_balances": {"USDT": 1000},
    "maker_fee_rate": 0.0002,
    "taker_fee_rate": 0.0004
  },
  "log": {"level": "debug", "output": "console"}
}`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "grid", cfg.Strategy.Name)
	assert.Equal(t, "eth-grid", cfg.Strategy.ID)
	assert.Equal(t, "5m", cfg.Backtest.Interval)
	assert.Equal(t, 1000.0, cfg.Backtest.InitialBalances["USDT"])
	assert.Equal(t, "perp", cfg.Backtest.Accounting, "default accounting")
	assert.Equal(t, "csv", cfg.Backtest.DataSource, "default data source")
	assert.Equal(t, int64(64), cfg.Backtest.CacheSize)
	assert.Equal(t, "ETH/USDT", cfg.Pairs[0].Pair)
	assert.Equal(t, int32(3), cfg.PairSpecFor("ETH/USDT").SizePrecision)
	assert.Equal(t, models.DefaultPairSpec("BTC/USDT"), cfg.PairSpecFor("BTC/USDT"))

	require.NoError(t, Validate(cfg, "backtest"))
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("GRID_BACKTEST_INTERVAL", "1h")
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, "1h", cfg.Backtest.Interval)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *models.Config {
		cfg, err := LoadConfig(writeConfig(t, sampleConfig))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*models.Config)
	}{
		{"empty strategy", func(c *models.Config) { c.Strategy.Name = "" }},
		{"bad interval", func(c *models.Config) { c.Backtest.Interval = "7m" }},
		{"end before start", func(c *models.Config) { c.Backtest.End = "2023-12-31" }},
		{"bad accounting", func(c *models.Config) { c.Backtest.Accounting = "margin" }},
		{"bad source", func(c *models.Config) { c.Backtest.DataSource = "parquet" }},
		{"bad pair", func(c *models.Config) { c.Pairs[0].Pair = "ETHUSDT" }},
		{"negative fee", func(c *models.Config) { c.Backtest.TakerFeeRate = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			assert.ErrorIs(t, Validate(cfg, "backtest"), ErrInvalidConfig)
		})
	}
}

func TestStrategyArgsJSON(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	data, err := StrategyArgsJSON(cfg)
	require.NoError(t, err)

	var args models.GridConfig
	require.NoError(t, json.Unmarshal(data, &args))
	assert.Equal(t, "ETH/USDT", args.Pair)
	assert.Equal(t, 10, args.Number)
	assert.Equal(t, 3, args.MaxTrial)
}

func TestParseTime(t *testing.T) {
	ts, err := ParseTime("2024-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	ts, err = ParseTime("2024-03-01T12:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, 12, ts.Hour())

	_, err = ParseTime("03/01/2024")
	assert.Error(t, err)
}
