// Package sink provides append-only output targets for downloaded candle
// series. A target doubles as the checkpoint for its series: the last
// persisted timestamp is derived from the target itself, never stored
// separately, so a crash mid-run always leaves a valid resumable prefix.
package sink

import (
	"context"
	"fmt"

	"github.com/johnayoung/go-candle-downloader/internal/models"
)

// CheckpointStore is an append-only candle target with a derivable checkpoint.
type CheckpointStore interface {
	// LastTimestamp returns the timestamp of the last persisted candle.
	// The bool is false when the target does not exist or holds no rows.
	// A tail that cannot be parsed returns a *CorruptCheckpointError;
	// it is never silently treated as an empty target, since restarting
	// from the configured start would duplicate history.
	LastTimestamp(ctx context.Context) (ts int64, ok bool, err error)

	// Append persists candles after all existing rows. It must never
	// truncate, rewrite or reorder prior rows, and it writes the batch
	// as a whole.
	Append(ctx context.Context, candles []models.Candle) error

	// Close releases the underlying resources.
	Close() error
}

// CorruptCheckpointError reports a target whose tail could not be parsed.
// It is fatal for the job and requires operator intervention.
type CorruptCheckpointError struct {
	Target string
	Detail string
	Err    error
}

// Error implements the error interface for CorruptCheckpointError.
func (e *CorruptCheckpointError) Error() string {
	return fmt.Sprintf("corrupt checkpoint in %s (%s): %v", e.Target, e.Detail, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *CorruptCheckpointError) Unwrap() error {
	return e.Err
}

// StoreError represents a failure of an append or read operation on a target.
type StoreError struct {
	Operation string
	Target    string
	Err       error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	return fmt.Sprintf("sink operation %s on %s failed: %v", e.Operation, e.Target, e.Err)
}

// Unwrap returns the underlying error for error chain support.
func (e *StoreError) Unwrap() error {
	return e.Err
}
