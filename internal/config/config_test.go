package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "candles.yaml")
	data := `
exchange:
  name: binance
  rate_limit: 5
pairs:
  mode: explicit
  explicit: [BTC/USDT, ETH/USDT]
download:
  timeframes: [1h, 1d]
  start: "2023-06-01"
  batch_size: 500
storage:
  type: duckdb
  output_dir: ./data
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Exchange.RateLimit)
	assert.Equal(t, []string{"BTC/USDT", "ETH/USDT"}, cfg.Pairs.Explicit)
	assert.Equal(t, []string{"1h", "1d"}, cfg.Download.Timeframes)
	assert.Equal(t, 500, cfg.Download.BatchSize)
	assert.Equal(t, "duckdb", cfg.Storage.Type)

	start, err := cfg.StartTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), start)

	// Values the file omits keep their defaults.
	assert.Equal(t, 5000, cfg.Download.FlushSize)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadJSONFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "candles.json")
	data := `{
		"pairs": {"mode": "ranked", "quote": "USDT", "rank_limit": 20},
		"download": {"timeframes": ["1d"], "start": "2022-01-01", "workers": 4}
	}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "ranked", cfg.Pairs.Mode)
	assert.Equal(t, 20, cfg.Pairs.RankLimit)
	assert.Equal(t, 4, cfg.Download.Workers)
}

func TestLoadUnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "candles.toml")
	require.NoError(t, os.WriteFile(path, []byte("x = 1"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported extension")
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "candles.yaml")
	data := `
pairs:
  mode: explicit
  explicit: [BTC/USDT]
download:
  timeframes: [1d]
  start: "2023-01-01"
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	t.Setenv("CANDLES_PAIRS", "SOL/USDT, DOGE/USDT")
	t.Setenv("CANDLES_TIMEFRAMES", "4h")
	t.Setenv("CANDLES_WORKERS", "8")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"SOL/USDT", "DOGE/USDT"}, cfg.Pairs.Explicit)
	assert.Equal(t, []string{"4h"}, cfg.Download.Timeframes)
	assert.Equal(t, 8, cfg.Download.Workers)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing exchange", func(c *Config) { c.Exchange.Name = "" }, "exchange name"},
		{"zero rate limit", func(c *Config) { c.Exchange.RateLimit = 0 }, "rate limit"},
		{"bad pair mode", func(c *Config) { c.Pairs.Mode = "top" }, "pair mode"},
		{"pair without slash", func(c *Config) { c.Pairs.Mode = "explicit"; c.Pairs.Explicit = []string{"BTCUSDT"} }, "BASE/QUOTE"},
		{"ranked without quote", func(c *Config) { c.Pairs.Mode = "ranked"; c.Pairs.Quote = "" }, "quote"},
		{"no timeframes", func(c *Config) { c.Download.Timeframes = nil }, "timeframe"},
		{"bad start", func(c *Config) { c.Download.Start = "yesterday" }, "start"},
		{"end before start", func(c *Config) { c.Download.End = "2019-01-01" }, "end must be after"},
		{"zero batch size", func(c *Config) { c.Download.BatchSize = 0 }, "batch size"},
		{"negative retries", func(c *Config) { c.Download.MaxRetries = -1 }, "max retries"},
		{"bad backoff", func(c *Config) { c.Download.BackoffInterval = "soon" }, "backoff"},
		{"bad storage", func(c *Config) { c.Storage.Type = "sqlite" }, "storage type"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "log level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Pairs.Explicit = []string{"BTC/USDT"}
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestEndTimeOpenEnded(t *testing.T) {
	cfg := Default()
	end, err := cfg.EndTime()
	require.NoError(t, err)
	assert.True(t, end.IsZero())
}

func TestBackoffIntervalParsing(t *testing.T) {
	cfg := Default()
	d, err := cfg.BackoffInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	cfg.Download.BackoffInterval = ""
	d, err = cfg.BackoffInterval()
	require.NoError(t, err)
	assert.Zero(t, d)
}
