// Package models provides the core data structures for OHLCV candle downloads:
// candles, download jobs, and their validation.
package models

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Candle represents OHLCV price and volume data for one trading-pair period.
// Prices and volume are kept as decimal strings exactly as the data source
// reported them; Timestamp is the start of the period, always UTC.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      string    `json:"open"`
	High      string    `json:"high"`
	Low       string    `json:"low"`
	Close     string    `json:"close"`
	Volume    string    `json:"volume"`
	Pair      string    `json:"pair"`
	Timeframe string    `json:"timeframe"`
}

// ValidationError represents a candle validation error with field context.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface for ValidationError.
func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field %s: %s", e.Field, e.Message)
}

// Validate checks that the candle is internally consistent: all prices parse
// as positive decimals, volume is non-negative, and the OHLC relationships
// hold (high >= max(open, close), low <= min(open, close)).
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "timestamp cannot be zero"}
	}

	open, err := decimal.NewFromString(c.Open)
	if err != nil {
		return &ValidationError{Field: "open", Message: fmt.Sprintf("invalid open price format: %v", err)}
	}

	high, err := decimal.NewFromString(c.High)
	if err != nil {
		return &ValidationError{Field: "high", Message: fmt.Sprintf("invalid high price format: %v", err)}
	}

	low, err := decimal.NewFromString(c.Low)
	if err != nil {
		return &ValidationError{Field: "low", Message: fmt.Sprintf("invalid low price format: %v", err)}
	}

	close, err := decimal.NewFromString(c.Close)
	if err != nil {
		return &ValidationError{Field: "close", Message: fmt.Sprintf("invalid close price format: %v", err)}
	}

	volume, err := decimal.NewFromString(c.Volume)
	if err != nil {
		return &ValidationError{Field: "volume", Message: fmt.Sprintf("invalid volume format: %v", err)}
	}

	zero := decimal.Zero
	if open.LessThanOrEqual(zero) {
		return &ValidationError{Field: "open", Message: "open price must be greater than 0"}
	}
	if high.LessThanOrEqual(zero) {
		return &ValidationError{Field: "high", Message: "high price must be greater than 0"}
	}
	if low.LessThanOrEqual(zero) {
		return &ValidationError{Field: "low", Message: "low price must be greater than 0"}
	}
	if close.LessThanOrEqual(zero) {
		return &ValidationError{Field: "close", Message: "close price must be greater than 0"}
	}
	if volume.LessThan(zero) {
		return &ValidationError{Field: "volume", Message: "volume must be greater than or equal to 0"}
	}

	maxOpenClose := decimal.Max(open, close)
	if high.LessThan(maxOpenClose) {
		return &ValidationError{
			Field:   "high",
			Message: fmt.Sprintf("high price (%s) must be greater than or equal to max(open, close) (%s)", high, maxOpenClose),
		}
	}

	minOpenClose := decimal.Min(open, close)
	if low.GreaterThan(minOpenClose) {
		return &ValidationError{
			Field:   "low",
			Message: fmt.Sprintf("low price (%s) must be less than or equal to min(open, close) (%s)", low, minOpenClose),
		}
	}

	if c.Pair == "" {
		return &ValidationError{Field: "pair", Message: "pair cannot be empty"}
	}
	if c.Timeframe == "" {
		return &ValidationError{Field: "timeframe", Message: "timeframe cannot be empty"}
	}

	return nil
}

// TimestampMillis returns the candle's period start as epoch milliseconds,
// the representation used in output files and data-source requests.
func (c *Candle) TimestampMillis() int64 {
	return c.Timestamp.UnixMilli()
}

// GetCloseDecimal returns the close price as a decimal.Decimal for precise calculations.
func (c *Candle) GetCloseDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Close)
}

// GetVolumeDecimal returns the volume as a decimal.Decimal for precise calculations.
func (c *Candle) GetVolumeDecimal() (decimal.Decimal, error) {
	return decimal.NewFromString(c.Volume)
}

// QuoteVolume calculates the traded volume expressed in the quote currency,
// close price multiplied by base volume. Used by pair ranking.
func (c *Candle) QuoteVolume() (decimal.Decimal, error) {
	close, err := c.GetCloseDecimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse close price: %w", err)
	}

	volume, err := c.GetVolumeDecimal()
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse volume: %w", err)
	}

	return close.Mul(volume), nil
}

// String returns a human-readable representation of the candle.
func (c *Candle) String() string {
	return fmt.Sprintf("Candle{Pair: %s, Timeframe: %s, Timestamp: %s, O: %s, H: %s, L: %s, C: %s, V: %s}",
		c.Pair, c.Timeframe, c.Timestamp.Format(time.RFC3339), c.Open, c.High, c.Low, c.Close, c.Volume)
}

// NewCandle creates a Candle from decimal strings and validates it.
// The timestamp is normalized to UTC.
func NewCandle(timestamp time.Time, open, high, low, close, volume, pair, timeframe string) (*Candle, error) {
	candle := &Candle{
		Timestamp: timestamp.UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    volume,
		Pair:      pair,
		Timeframe: timeframe,
	}

	if err := candle.Validate(); err != nil {
		return nil, fmt.Errorf("failed to create candle: %w", err)
	}

	return candle, nil
}
