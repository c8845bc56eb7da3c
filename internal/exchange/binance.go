// Binance spot REST adapter.
//
// Uses the public market-data endpoints (no authentication): /api/v3/klines
// for candles and /api/v3/exchangeInfo for pair discovery. Includes a client
// side rate limiter, transport-level retry for transient faults, and a TTL
// cache for the pair list.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/johnayoung/go-candle-downloader/internal/models"
	"github.com/johnayoung/go-candle-downloader/internal/timeframe"
)

const (
	binanceBaseURL = "https://api.binance.com"

	klinesEndpoint       = "/api/v3/klines"
	exchangeInfoEndpoint = "/api/v3/exchangeInfo"

	// Binance serves at most 1000 klines per request.
	maxCandlesPerRequest = 1000

	defaultRateLimit      = 10
	defaultRequestTimeout = 30 * time.Second

	// Transport-level retry for transient faults only; rate limiting is
	// surfaced to the caller, whose fixed backoff governs the wait.
	transportRetries      = 3
	transportInitialDelay = 500 * time.Millisecond
	transportMaxDelay     = 10 * time.Second

	pairCacheTTL = 5 * time.Minute
)

// BinanceAdapter implements DataSource for the Binance spot market.
type BinanceAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	logger      *slog.Logger

	pairCacheMu   sync.RWMutex
	pairCache     map[string][]string // quote currency -> pairs
	pairCacheTime time.Time
}

// NewBinanceAdapter creates a Binance adapter with the given settings,
// falling back to production defaults for zero values.
func NewBinanceAdapter(cfg Config, logger *slog.Logger) *BinanceAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = binanceBaseURL
	}
	rateLimit := cfg.RateLimit
	if rateLimit <= 0 {
		rateLimit = defaultRateLimit
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	return &BinanceAdapter{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(rateLimit), 1),
		baseURL:     baseURL,
		logger:      logger,
		pairCache:   make(map[string][]string),
	}
}

// Name implements DataSource.
func (b *BinanceAdapter) Name() string {
	return "binance"
}

// ParseTimeframe implements DataSource. Binance serves the same codes the
// timeframe package recognizes.
func (b *BinanceAdapter) ParseTimeframe(code string) (time.Duration, error) {
	d, err := timeframe.Duration(code)
	if err != nil {
		return 0, &PermanentError{Reason: fmt.Sprintf("timeframe %q not supported by binance", code), Err: err}
	}
	return d, nil
}

// FetchCandles implements DataSource.
func (b *BinanceAdapter) FetchCandles(ctx context.Context, pair, tf string, since time.Time, limit int) ([]models.Candle, error) {
	if _, err := b.ParseTimeframe(tf); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxCandlesPerRequest {
		limit = maxCandlesPerRequest
	}

	if err := b.rateLimiter.Wait(ctx); err != nil {
		return nil, &TransientError{Op: "rate limiter wait", Err: err}
	}

	params := url.Values{}
	params.Set("symbol", binanceSymbol(pair))
	params.Set("interval", tf)
	params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	params.Set("limit", strconv.Itoa(limit))

	body, err := b.get(ctx, klinesEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var raw [][]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, &PermanentError{Reason: "malformed klines response", Err: err}
	}

	candles := make([]models.Candle, 0, len(raw))
	for _, k := range raw {
		candle, err := b.parseKline(k, pair, tf)
		if err != nil {
			b.logger.Warn("skipping unparseable kline", "pair", pair, "timeframe", tf, "error", err)
			continue
		}
		candles = append(candles, *candle)
	}

	b.logger.Debug("fetched candles",
		"pair", pair,
		"timeframe", tf,
		"since", since,
		"count", len(candles))

	return candles, nil
}

// LoadPairs implements DataSource. Results are cached for a few minutes
// since pair listings change rarely but discovery may visit them repeatedly.
func (b *BinanceAdapter) LoadPairs(ctx context.Context, quote string) ([]string, error) {
	b.pairCacheMu.RLock()
	if pairs, ok := b.pairCache[quote]; ok && time.Since(b.pairCacheTime) < pairCacheTTL {
		b.pairCacheMu.RUnlock()
		return pairs, nil
	}
	b.pairCacheMu.RUnlock()

	if err := b.rateLimiter.Wait(ctx); err != nil {
		return nil, &TransientError{Op: "rate limiter wait", Err: err}
	}

	body, err := b.get(ctx, exchangeInfoEndpoint)
	if err != nil {
		return nil, err
	}

	var info struct {
		Symbols []struct {
			Symbol               string `json:"symbol"`
			Status               string `json:"status"`
			BaseAsset            string `json:"baseAsset"`
			QuoteAsset           string `json:"quoteAsset"`
			IsSpotTradingAllowed bool   `json:"isSpotTradingAllowed"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, &PermanentError{Reason: "malformed exchangeInfo response", Err: err}
	}

	pairs := make([]string, 0, len(info.Symbols))
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.IsSpotTradingAllowed && s.QuoteAsset == quote {
			pairs = append(pairs, s.BaseAsset+"/"+s.QuoteAsset)
		}
	}

	b.pairCacheMu.Lock()
	b.pairCache[quote] = pairs
	b.pairCacheTime = time.Now()
	b.pairCacheMu.Unlock()

	b.logger.Debug("loaded trading pairs", "quote", quote, "count", len(pairs))
	return pairs, nil
}

// get performs a GET with transport-level retry. Rate limiting and client
// errors are returned to the caller unretried; network faults and 5xx are
// retried a few times with exponential backoff.
func (b *BinanceAdapter) get(ctx context.Context, path string) ([]byte, error) {
	var body []byte

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = transportInitialDelay
	bo.MaxInterval = transportMaxDelay
	bo.MaxElapsedTime = 0

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+path, nil)
		if err != nil {
			return backoff.Permanent(&PermanentError{Reason: "building request", Err: err})
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "go-candle-downloader/1.0")

		resp, err := b.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(&TransientError{Op: "http get", Err: ctx.Err()})
			}
			return &TransientError{Op: "http get", Err: err}
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return &TransientError{Op: "reading response", Err: err}
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			body = payload
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusTeapot:
			// 418 is Binance's IP auto-ban escalation of 429.
			return backoff.Permanent(&RateLimitError{RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))})
		case resp.StatusCode >= 500:
			return &TransientError{Op: "http get", Err: fmt.Errorf("server error %d: %s", resp.StatusCode, payload)}
		default:
			return backoff.Permanent(&PermanentError{
				Reason: fmt.Sprintf("client error %d", resp.StatusCode),
				Err:    fmt.Errorf("%s", payload),
			})
		}
	}

	// backoff.Retry unwraps Permanent-marked errors, so the caller sees the
	// taxonomy error either way: the last transient error when retries are
	// exhausted, or the permanent/rate-limit error immediately.
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, transportRetries), ctx)); err != nil {
		return nil, err
	}
	return body, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// binanceSymbol converts "BTC/USDT" to Binance's "BTCUSDT" form.
func binanceSymbol(pair string) string {
	return strings.ToUpper(strings.ReplaceAll(pair, "/", ""))
}

// parseKline converts one raw kline entry to a Candle. Binance klines are
// positional arrays: [openTime, open, high, low, close, volume, closeTime, ...].
func (b *BinanceAdapter) parseKline(k []json.RawMessage, pair, tf string) (*models.Candle, error) {
	if len(k) < 6 {
		return nil, fmt.Errorf("kline has %d fields, want at least 6", len(k))
	}

	var openTime int64
	if err := json.Unmarshal(k[0], &openTime); err != nil {
		return nil, fmt.Errorf("invalid open time: %w", err)
	}

	fields := make([]string, 5)
	for i := 0; i < 5; i++ {
		if err := json.Unmarshal(k[i+1], &fields[i]); err != nil {
			return nil, fmt.Errorf("invalid kline field %d: %w", i+1, err)
		}
	}

	return models.NewCandle(
		time.UnixMilli(openTime).UTC(),
		fields[0], // open
		fields[1], // high
		fields[2], // low
		fields[3], // close
		fields[4], // volume
		pair,
		tf,
	)
}
