// Package exchange provides data-source adapters for fetching OHLCV candles
// from market-data providers, a shared error taxonomy for retry decisions,
// and an explicit registry mapping exchange names to adapter constructors.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/johnayoung/go-candle-downloader/internal/models"
)

// DataSource is the capability the downloader consumes: fetch candles since a
// timestamp with a batch limit, enumerate pairs, and resolve timeframe codes.
// Implementations own their transport, authentication and provider-level rate
// limiting.
type DataSource interface {
	// Name returns the exchange identifier (e.g. "binance").
	Name() string

	// LoadPairs returns all active spot pairs quoted in the given currency,
	// in "BASE/QUOTE" form.
	LoadPairs(ctx context.Context, quote string) ([]string, error)

	// FetchCandles returns up to limit candles for the pair and timeframe
	// starting at since, in strictly increasing timestamp order. Failures
	// are reported through the package error taxonomy: *RateLimitError and
	// *TransientError are retryable, *PermanentError is not.
	FetchCandles(ctx context.Context, pair, timeframe string, since time.Time, limit int) ([]models.Candle, error)

	// ParseTimeframe resolves a timeframe code to its period duration,
	// failing for codes the exchange does not serve.
	ParseTimeframe(code string) (time.Duration, error)
}

// RateLimitError indicates the provider is throttling requests. Retryable.
type RateLimitError struct {
	RetryAfter time.Duration // zero when the provider gave no hint
}

// Error implements the error interface for RateLimitError.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// TransientError indicates a failure expected to resolve itself, such as a
// network fault or provider 5xx. Retryable.
type TransientError struct {
	Op  string
	Err error
}

// Error implements the error interface for TransientError.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *TransientError) Unwrap() error {
	return e.Err
}

// PermanentError indicates a failure that cannot succeed on retry, such as an
// unknown pair or unsupported timeframe. Fatal for the job.
type PermanentError struct {
	Reason string
	Err    error
}

// Error implements the error interface for PermanentError.
func (e *PermanentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent failure: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("permanent failure: %s", e.Reason)
}

// Unwrap returns the underlying error for error chain support.
func (e *PermanentError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a fetch error may succeed on a later attempt.
func IsRetryable(err error) bool {
	var rl *RateLimitError
	var tr *TransientError
	return errors.As(err, &rl) || errors.As(err, &tr)
}

// IsRateLimit reports whether the error is provider throttling.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// Config carries the adapter settings shared by all exchanges.
type Config struct {
	// BaseURL overrides the exchange's production API endpoint. Used by
	// tests and regional mirrors; empty selects the adapter default.
	BaseURL string

	// RateLimit is the maximum request rate in requests per second.
	RateLimit int

	// Timeout bounds a single HTTP request.
	Timeout time.Duration
}

// Factory constructs a DataSource for one exchange.
type Factory func(cfg Config, logger *slog.Logger) (DataSource, error)

// registry maps exchange names to constructors. Selection is an explicit
// configuration lookup, never reflection over type or package names.
var registry = map[string]Factory{
	"binance": func(cfg Config, logger *slog.Logger) (DataSource, error) {
		return NewBinanceAdapter(cfg, logger), nil
	},
}

// Open constructs the adapter registered under the given exchange name.
func Open(name string, cfg Config, logger *slog.Logger) (DataSource, error) {
	factory, ok := registry[name]
	if !ok {
		return nil, &PermanentError{Reason: fmt.Sprintf("unknown exchange %q (supported: %v)", name, Names())}
	}
	return factory(cfg, logger)
}

// Names returns the registered exchange names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
