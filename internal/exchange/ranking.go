package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-candle-downloader/internal/models"
)

// rankingWindow is the sliding-window length, in daily candles, used to
// smooth the quote-volume average.
const rankingWindow = 96

// stablecoinBases are excluded from ranking: a stablecoin/stablecoin pair has
// enormous volume but no price signal worth downloading.
var stablecoinBases = map[string]struct{}{
	"USDT":  {},
	"USDC":  {},
	"TUSD":  {},
	"PAX":   {},
	"BUSD":  {},
	"DAI":   {},
	"FDUSD": {},
}

// RankOptions configures RankPairsByVolume.
type RankOptions struct {
	Quote string // quote currency, e.g. "USDT"
	Days  int    // how many daily candles to average over
	Limit int    // how many top pairs to return
}

// RankPairsByVolume discovers all active pairs for the quote currency and
// returns the Limit most traded ones, ordered by average quote volume over
// the last Days daily candles. Pairs whose history cannot be fetched are
// skipped with a warning rather than failing the ranking.
func RankPairsByVolume(ctx context.Context, source DataSource, opts RankOptions, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Days <= 0 {
		opts.Days = 365
	}
	if opts.Limit <= 0 {
		opts.Limit = 100
	}

	pairs, err := source.LoadPairs(ctx, opts.Quote)
	if err != nil {
		return nil, fmt.Errorf("loading pairs for ranking: %w", err)
	}

	since := time.Now().UTC().AddDate(0, 0, -opts.Days)

	type ranked struct {
		pair   string
		volume decimal.Decimal
	}
	var results []ranked

	for _, pair := range pairs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		base, _, _ := strings.Cut(pair, "/")
		if _, skip := stablecoinBases[base]; skip {
			continue
		}

		candles, err := source.FetchCandles(ctx, pair, "1d", since, opts.Days)
		if err != nil {
			logger.Warn("skipping pair in volume ranking", "pair", pair, "error", err)
			continue
		}
		if len(candles) == 0 {
			continue
		}

		volume, err := averageQuoteVolume(candles, rankingWindow)
		if err != nil {
			logger.Warn("skipping pair in volume ranking", "pair", pair, "error", err)
			continue
		}

		results = append(results, ranked{pair: pair, volume: volume})
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].volume.GreaterThan(results[j].volume)
	})

	if len(results) > opts.Limit {
		results = results[:opts.Limit]
	}

	top := make([]string, len(results))
	for i, r := range results {
		top[i] = r.pair
	}

	logger.Info("ranked pairs by volume",
		"quote", opts.Quote,
		"candidates", len(pairs),
		"ranked", len(top))

	return top, nil
}

// averageQuoteVolume smooths close*volume over a sliding window and returns
// the mean of the windowed values. With fewer candles than the window, the
// whole series is one window.
func averageQuoteVolume(candles []models.Candle, window int) (decimal.Decimal, error) {
	n := len(candles)
	if n == 0 {
		return decimal.Zero, fmt.Errorf("no candles to average")
	}
	if window > n {
		window = n
	}

	closes := make([]decimal.Decimal, n)
	volumes := make([]decimal.Decimal, n)
	for i, c := range candles {
		close, err := c.GetCloseDecimal()
		if err != nil {
			return decimal.Zero, fmt.Errorf("candle %d: %w", i, err)
		}
		volume, err := c.GetVolumeDecimal()
		if err != nil {
			return decimal.Zero, fmt.Errorf("candle %d: %w", i, err)
		}
		closes[i] = close
		volumes[i] = volume
	}

	windowSize := decimal.NewFromInt(int64(window))
	var closeSum, volumeSum, total decimal.Decimal
	samples := 0

	for i := 0; i < n; i++ {
		closeSum = closeSum.Add(closes[i])
		volumeSum = volumeSum.Add(volumes[i])
		if i >= window {
			closeSum = closeSum.Sub(closes[i-window])
			volumeSum = volumeSum.Sub(volumes[i-window])
		}
		if i >= window-1 {
			avgClose := closeSum.Div(windowSize)
			avgVolume := volumeSum.Div(windowSize)
			total = total.Add(avgClose.Mul(avgVolume))
			samples++
		}
	}

	return total.Div(decimal.NewFromInt(int64(samples))), nil
}
