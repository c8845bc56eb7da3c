// Package timeframe maps timeframe codes to durations and computes the
// start of the current, still-forming period for a given timeframe.
//
// Boundary alignment is what keeps downloads resumable: an exchange reports
// the candle for an in-progress period as provisional, so the downloader must
// never request or persist a candle whose period has not fully elapsed.
package timeframe

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnsupportedTimeframe is returned for timeframe codes this package does
// not recognize.
var ErrUnsupportedTimeframe = errors.New("unsupported timeframe")

// durations lists the supported timeframe codes. The daily, weekly and
// monthly codes are calendar-based and handled separately in CurrentBoundary;
// their entries here are nominal lengths used for cursor arithmetic.
var durations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
	"1M":  30 * 24 * time.Hour,
}

// Duration returns the period length for a timeframe code.
func Duration(code string) (time.Duration, error) {
	d, ok := durations[code]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, code)
	}
	return d, nil
}

// DurationMS returns the period length in milliseconds, the unit used by
// data-source requests and output rows.
func DurationMS(code string) (int64, error) {
	d, err := Duration(code)
	if err != nil {
		return 0, err
	}
	return d.Milliseconds(), nil
}

// Supported reports whether the timeframe code is recognized.
func Supported(code string) bool {
	_, ok := durations[code]
	return ok
}

// Codes returns all supported timeframe codes in ascending duration order.
func Codes() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "12h", "1d", "1w", "1M"}
}

// CurrentBoundary returns the start of the period containing now, in UTC.
// Intervals shorter than a day round now down to the nearest multiple of the
// interval. "1d" is the start of the current UTC calendar day, "1w" the
// Monday 00:00:00 UTC of the current ISO week, and "1M" the first of the
// current UTC month.
func CurrentBoundary(code string, now time.Time) (time.Time, error) {
	d, ok := durations[code]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %q", ErrUnsupportedTimeframe, code)
	}

	now = now.UTC()

	switch code {
	case "1d":
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC), nil
	case "1w":
		day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		// time.Weekday numbers Sunday as 0; ISO weeks start on Monday.
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset), nil
	case "1M":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC), nil
	default:
		return now.Truncate(d), nil
	}
}
