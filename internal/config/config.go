// Package config handles configuration for the candle downloader. Values are
// resolved in priority order: environment variables override the config file,
// which overrides built-in defaults. Files may be JSON or YAML, selected by
// extension.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete application configuration.
type Config struct {
	Exchange ExchangeConfig `json:"exchange" yaml:"exchange"`
	Pairs    PairsConfig    `json:"pairs" yaml:"pairs"`
	Download DownloadConfig `json:"download" yaml:"download"`
	Storage  StorageConfig  `json:"storage" yaml:"storage"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// ExchangeConfig configures the data source adapter.
type ExchangeConfig struct {
	Name      string `json:"name" yaml:"name"`             // exchange identifier, e.g. "binance"
	BaseURL   string `json:"base_url" yaml:"base_url"`     // override for testing; empty uses the exchange default
	RateLimit int    `json:"rate_limit" yaml:"rate_limit"` // requests per second
	Timeout   string `json:"timeout" yaml:"timeout"`       // HTTP request timeout, Go duration string
}

// PairsConfig selects which trading pairs to download.
type PairsConfig struct {
	// Mode is "explicit" (use Explicit), "all" (every active pair for
	// Quote) or "ranked" (top RankLimit pairs by average quote volume).
	Mode      string   `json:"mode" yaml:"mode"`
	Explicit  []string `json:"explicit" yaml:"explicit"`
	Quote     string   `json:"quote" yaml:"quote"`
	RankLimit int      `json:"rank_limit" yaml:"rank_limit"`
	RankDays  int      `json:"rank_days" yaml:"rank_days"`
}

// DownloadConfig controls the fetch loop and job expansion.
type DownloadConfig struct {
	Timeframes      []string `json:"timeframes" yaml:"timeframes"`
	Start           string   `json:"start" yaml:"start"` // RFC 3339 or YYYY-MM-DD
	End             string   `json:"end" yaml:"end"`     // empty runs to the current boundary
	BatchSize       int      `json:"batch_size" yaml:"batch_size"`
	FlushSize       int      `json:"flush_size" yaml:"flush_size"`
	Workers         int      `json:"workers" yaml:"workers"`
	BackoffInterval string   `json:"backoff_interval" yaml:"backoff_interval"`
	MaxRetries      int      `json:"max_retries" yaml:"max_retries"` // 0 retries forever
	AbortOnFailure  bool     `json:"abort_on_failure" yaml:"abort_on_failure"`
}

// StorageConfig selects the output backend.
type StorageConfig struct {
	Type      string `json:"type" yaml:"type"` // "csv" or "duckdb"
	OutputDir string `json:"output_dir" yaml:"output_dir"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level"`         // debug, info, warn, error
	Format     string `json:"format" yaml:"format"`       // json, text
	FilePath   string `json:"file_path" yaml:"file_path"` // empty logs to stderr only
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Exchange: ExchangeConfig{
			Name:      "binance",
			RateLimit: 10,
			Timeout:   "30s",
		},
		Pairs: PairsConfig{
			Mode:      "ranked",
			Quote:     "USDT",
			RankLimit: 100,
			RankDays:  365,
		},
		Download: DownloadConfig{
			Timeframes:      []string{"1d"},
			Start:           "2020-01-01",
			BatchSize:       1000,
			FlushSize:       5000,
			Workers:         1,
			BackoffInterval: "60s",
		},
		Storage: StorageConfig{
			Type:      "csv",
			OutputDir: "./csv_ohlcv",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load resolves the configuration from defaults, an optional file, and the
// environment, then validates it. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	loadEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parsing config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config file %s: unsupported extension, want .json, .yaml or .yml", path)
	}
	return nil
}

func loadEnv(cfg *Config) {
	if v := os.Getenv("CANDLES_EXCHANGE"); v != "" {
		cfg.Exchange.Name = v
	}
	if v := os.Getenv("CANDLES_BASE_URL"); v != "" {
		cfg.Exchange.BaseURL = v
	}
	if v := os.Getenv("CANDLES_RATE_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Exchange.RateLimit = n
		}
	}
	if v := os.Getenv("CANDLES_PAIR_MODE"); v != "" {
		cfg.Pairs.Mode = v
	}
	if v := os.Getenv("CANDLES_PAIRS"); v != "" {
		cfg.Pairs.Explicit = splitList(v)
	}
	if v := os.Getenv("CANDLES_QUOTE"); v != "" {
		cfg.Pairs.Quote = v
	}
	if v := os.Getenv("CANDLES_TIMEFRAMES"); v != "" {
		cfg.Download.Timeframes = splitList(v)
	}
	if v := os.Getenv("CANDLES_START"); v != "" {
		cfg.Download.Start = v
	}
	if v := os.Getenv("CANDLES_END"); v != "" {
		cfg.Download.End = v
	}
	if v := os.Getenv("CANDLES_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Download.BatchSize = n
		}
	}
	if v := os.Getenv("CANDLES_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Download.Workers = n
		}
	}
	if v := os.Getenv("CANDLES_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Download.MaxRetries = n
		}
	}
	if v := os.Getenv("CANDLES_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("CANDLES_OUTPUT_DIR"); v != "" {
		cfg.Storage.OutputDir = v
	}
	if v := os.Getenv("CANDLES_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CANDLES_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CANDLES_LOG_FILE"); v != "" {
		cfg.Logging.FilePath = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the resolved configuration for consistency.
func (c *Config) Validate() error {
	if c.Exchange.Name == "" {
		return fmt.Errorf("exchange name is required")
	}
	if c.Exchange.RateLimit <= 0 {
		return fmt.Errorf("exchange rate limit must be positive")
	}
	if _, err := c.ExchangeTimeout(); err != nil {
		return fmt.Errorf("exchange timeout: %w", err)
	}

	switch c.Pairs.Mode {
	case "explicit":
		if len(c.Pairs.Explicit) == 0 {
			return fmt.Errorf("pair mode %q requires at least one pair", c.Pairs.Mode)
		}
		for _, p := range c.Pairs.Explicit {
			if !strings.Contains(p, "/") {
				return fmt.Errorf("pair %q must be in BASE/QUOTE form", p)
			}
		}
	case "all", "ranked":
		if c.Pairs.Quote == "" {
			return fmt.Errorf("pair mode %q requires a quote currency", c.Pairs.Mode)
		}
	default:
		return fmt.Errorf("unknown pair mode %q, want explicit, all or ranked", c.Pairs.Mode)
	}

	if len(c.Download.Timeframes) == 0 {
		return fmt.Errorf("at least one timeframe is required")
	}
	if _, err := c.StartTime(); err != nil {
		return fmt.Errorf("download start: %w", err)
	}
	end, err := c.EndTime()
	if err != nil {
		return fmt.Errorf("download end: %w", err)
	}
	start, _ := c.StartTime()
	if !end.IsZero() && !start.Before(end) {
		return fmt.Errorf("download end must be after start")
	}
	if c.Download.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive")
	}
	if c.Download.FlushSize <= 0 {
		return fmt.Errorf("flush size must be positive")
	}
	if c.Download.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.Download.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}
	if _, err := c.BackoffInterval(); err != nil {
		return fmt.Errorf("backoff interval: %w", err)
	}

	switch c.Storage.Type {
	case "csv", "duckdb":
	default:
		return fmt.Errorf("unknown storage type %q, want csv or duckdb", c.Storage.Type)
	}
	if c.Storage.OutputDir == "" {
		return fmt.Errorf("output directory is required")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown log format %q, want json or text", c.Logging.Format)
	}
	return nil
}

// StartTime parses the configured start, accepting RFC 3339 or a bare date.
func (c *Config) StartTime() (time.Time, error) {
	return parseTime(c.Download.Start)
}

// EndTime parses the configured end. An empty value yields the zero time,
// meaning the download runs open-ended to the current boundary.
func (c *Config) EndTime() (time.Time, error) {
	if c.Download.End == "" {
		return time.Time{}, nil
	}
	return parseTime(c.Download.End)
}

// BackoffInterval parses the retry wait. Empty selects the engine default.
func (c *Config) BackoffInterval() (time.Duration, error) {
	if c.Download.BackoffInterval == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Download.BackoffInterval)
}

// ExchangeTimeout parses the HTTP timeout. Empty selects the adapter default.
func (c *Config) ExchangeTimeout() (time.Duration, error) {
	if c.Exchange.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(c.Exchange.Timeout)
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, fmt.Errorf("time value is required")
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q, want RFC 3339 or YYYY-MM-DD", v)
	}
	return t.UTC(), nil
}
