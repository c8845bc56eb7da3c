// Package downloader implements the incremental fetch-and-resume engine.
//
// A Downloader drives one (pair, timeframe) job from the last persisted
// checkpoint up to the current timeframe boundary in bounded batches,
// buffering fetched candles and appending them to the job's output target.
// Transient provider failures are retried in place with a fixed backoff, so
// an interrupted run always resumes exactly where the last flush ended.
package downloader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/johnayoung/go-candle-downloader/internal/exchange"
	"github.com/johnayoung/go-candle-downloader/internal/models"
	"github.com/johnayoung/go-candle-downloader/internal/sink"
	"github.com/johnayoung/go-candle-downloader/internal/timeframe"
)

// State identifies where the fetch loop is in its lifecycle.
type State string

const (
	StateInit     State = "init"
	StateCaughtUp State = "caught_up" // terminal: checkpoint already at the boundary
	StateFetching State = "fetching"
	StateBackoff  State = "backoff"
	StateDone     State = "done" // terminal: series downloaded to the boundary
	StateFailed   State = "failed"
)

// DefaultBackoffInterval is the fixed wait between retries of a transiently
// failed fetch.
const DefaultBackoffInterval = 60 * time.Second

// Config tunes a Downloader's retry behavior and clock.
type Config struct {
	// BackoffInterval is the fixed wait after a transient fetch failure.
	// Zero selects DefaultBackoffInterval.
	BackoffInterval time.Duration

	// MaxRetries caps consecutive retries of the same fetch range.
	// Zero retries indefinitely; transient faults then never fail a job.
	MaxRetries int

	// Now supplies the current time for boundary alignment. Nil means
	// time.Now. Tests inject a fixed clock here.
	Now func() time.Time
}

// Summary reports the outcome of one job run.
type Summary struct {
	Pair       string
	Timeframe  string
	OutputPath string
	Candles    int // candles persisted
	Batches    int // non-empty fetches
	Flushes    int // appends to the output target
	Retries    int // transient failures retried
	State      State
	Elapsed    time.Duration
}

// Downloader runs the fetch loop for a single immutable job. It owns the
// in-flight buffer exclusively; nothing else writes to the job's target
// while the downloader runs.
type Downloader struct {
	job    *models.Job
	source exchange.DataSource
	store  sink.CheckpointStore
	logger *slog.Logger
	cfg    Config

	state  State
	buffer []models.Candle
}

// New creates a Downloader for the given job. The logger should already
// carry the job's pair and timeframe context.
func New(job *models.Job, source exchange.DataSource, store sink.CheckpointStore, logger *slog.Logger, cfg Config) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackoffInterval <= 0 {
		cfg.BackoffInterval = DefaultBackoffInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Downloader{
		job:    job,
		source: source,
		store:  store,
		logger: logger,
		cfg:    cfg,
		state:  StateInit,
	}
}

// State returns the downloader's current state.
func (d *Downloader) State() State {
	return d.state
}

// Run executes the job to a terminal state. On a fatal error the buffer is
// flushed first, so everything fetched before the failure stays persisted;
// on context cancellation the unflushed buffer is discarded and the last
// flush remains the checkpoint.
func (d *Downloader) Run(ctx context.Context) (*Summary, error) {
	started := d.cfg.Now()
	summary := &Summary{
		Pair:       d.job.Pair,
		Timeframe:  d.job.Timeframe,
		OutputPath: d.job.OutputPath,
	}

	finish := func(err error) (*Summary, error) {
		summary.State = d.state
		summary.Elapsed = d.cfg.Now().Sub(started)
		return summary, err
	}

	if err := d.job.Validate(); err != nil {
		d.state = StateFailed
		d.job.MarkFailed(err.Error())
		return finish(fmt.Errorf("job %s: %w", d.job, err))
	}
	if err := d.job.MarkRunning(); err != nil {
		d.state = StateFailed
		return finish(fmt.Errorf("job %s: %w", d.job, err))
	}

	dur, err := timeframe.Duration(d.job.Timeframe)
	if err != nil {
		d.state = StateFailed
		d.job.MarkFailed(err.Error())
		return finish(fmt.Errorf("job %s: %w", d.job, err))
	}

	boundary, err := timeframe.CurrentBoundary(d.job.Timeframe, d.cfg.Now())
	if err != nil {
		d.state = StateFailed
		d.job.MarkFailed(err.Error())
		return finish(fmt.Errorf("job %s: %w", d.job, err))
	}

	// The safe upper fetch limit: the current boundary, tightened to the
	// configured end time when one is set.
	limit := boundary
	if !d.job.End.IsZero() && d.job.End.Before(boundary) {
		limit = d.job.End
	}

	lastMillis, resumed, err := d.store.LastTimestamp(ctx)
	if err != nil {
		d.state = StateFailed
		d.job.MarkFailed(err.Error())
		return finish(fmt.Errorf("job %s: reading checkpoint: %w", d.job, err))
	}

	var cursor time.Time
	if resumed {
		cursor = time.UnixMilli(lastMillis).UTC().Add(dur)
		d.logger.Info("resuming from checkpoint", "checkpoint", time.UnixMilli(lastMillis).UTC(), "cursor", cursor)
	} else {
		cursor = d.job.Start
		d.logger.Info("starting new series", "cursor", cursor)
	}

	if !cursor.Before(limit) {
		d.state = StateCaughtUp
		d.logger.Info("series already caught up", "cursor", cursor, "boundary", limit)
		if err := d.job.MarkCompleted(); err != nil {
			return finish(err)
		}
		return finish(nil)
	}

	d.state = StateFetching
	bo := backoff.NewConstantBackOff(d.cfg.BackoffInterval)
	retries := 0

	for cursor.Before(limit) {
		if err := ctx.Err(); err != nil {
			// Cancellation discards the unflushed buffer; the last
			// flush is the valid checkpoint.
			d.state = StateFailed
			d.job.MarkFailed(err.Error())
			return finish(fmt.Errorf("job %s cancelled at cursor %s: %w", d.job, cursor, err))
		}

		batch, err := d.source.FetchCandles(ctx, d.job.Pair, d.job.Timeframe, cursor, d.job.BatchSize)
		if err != nil {
			if !exchange.IsRetryable(err) {
				d.failWithFlush(ctx, summary, err)
				return finish(fmt.Errorf("job %s: fetch at cursor %s: %w", d.job, cursor, err))
			}

			retries++
			summary.Retries++
			if d.cfg.MaxRetries > 0 && retries > d.cfg.MaxRetries {
				d.failWithFlush(ctx, summary, err)
				return finish(fmt.Errorf("job %s: giving up after %d retries at cursor %s: %w",
					d.job, d.cfg.MaxRetries, cursor, err))
			}

			// Same range is retried: cursor and buffer stay untouched.
			d.state = StateBackoff
			wait := bo.NextBackOff()
			d.logger.Warn("transient fetch failure, backing off",
				"cursor", cursor,
				"wait", wait,
				"attempt", retries,
				"error", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				d.state = StateFailed
				d.job.MarkFailed(ctx.Err().Error())
				return finish(fmt.Errorf("job %s cancelled during backoff at cursor %s: %w", d.job, cursor, ctx.Err()))
			}
			d.state = StateFetching
			continue
		}

		retries = 0
		bo.Reset()

		if len(batch) == 0 {
			// Series exhausted short of the boundary, e.g. a delisted pair.
			d.logger.Info("data source returned no candles, series exhausted", "cursor", cursor)
			break
		}

		newest := batch[len(batch)-1].Timestamp
		kept, reachedEnd := d.keepSafe(batch, cursor, dur)
		if len(kept) == 0 {
			// The whole batch was the still-forming tip. It stays
			// unpersisted; the next run picks it up once closed.
			d.logger.Info("reached series tip", "cursor", cursor)
			break
		}
		d.buffer = append(d.buffer, kept...)
		d.job.RecordBatch(len(kept))
		summary.Batches++
		summary.Candles += len(kept)
		if reachedEnd {
			cursor = newest.Add(dur)
		} else {
			// The dropped tip candle is re-fetched as the head of the
			// next batch, so the persisted series never gaps.
			cursor = kept[len(kept)-1].Timestamp.Add(dur)
		}

		d.logger.Info("downloaded batch",
			"batch_candles", len(kept),
			"total_candles", summary.Candles,
			"batches", summary.Batches,
			"cursor", cursor)

		if len(d.buffer) >= d.job.FlushSize {
			if err := d.flush(ctx, summary); err != nil {
				d.state = StateFailed
				d.job.MarkFailed(err.Error())
				return finish(fmt.Errorf("job %s: %w", d.job, err))
			}
		}
	}

	if err := d.flush(ctx, summary); err != nil {
		d.state = StateFailed
		d.job.MarkFailed(err.Error())
		return finish(fmt.Errorf("job %s: %w", d.job, err))
	}

	d.state = StateDone
	if err := d.job.MarkCompleted(); err != nil {
		return finish(err)
	}

	d.logger.Info("download complete",
		"total_candles", summary.Candles,
		"total_batches", summary.Batches,
		"output", d.job.OutputPath)

	return finish(nil)
}

// keepSafe returns the persistable portion of a fetched batch. The newest
// candle may describe the still-forming period even when the request targeted
// closed periods only, so it is dropped unless its period end reaches the
// job's explicit end time. Candles older than the cursor are discarded as
// provider overlap, which keeps the persisted series strictly append-only,
// and candles whose period runs past the end time are clamped off so the
// output never extends beyond its configured range.
func (d *Downloader) keepSafe(batch []models.Candle, cursor time.Time, dur time.Duration) ([]models.Candle, bool) {
	newest := batch[len(batch)-1]
	reachedEnd := !d.job.End.IsZero() && !newest.Timestamp.Add(dur).After(d.job.End)
	if !reachedEnd {
		batch = batch[:len(batch)-1]
	}

	kept := batch[:0:0]
	for _, c := range batch {
		if c.Timestamp.Before(cursor) {
			continue
		}
		if !d.job.End.IsZero() && c.Timestamp.Add(dur).After(d.job.End) {
			break
		}
		kept = append(kept, c)
	}
	return kept, reachedEnd
}

// flush appends the buffered candles as a whole and clears the buffer.
func (d *Downloader) flush(ctx context.Context, summary *Summary) error {
	if len(d.buffer) == 0 {
		return nil
	}
	if err := d.store.Append(ctx, d.buffer); err != nil {
		return fmt.Errorf("flushing %d candles: %w", len(d.buffer), err)
	}
	summary.Flushes++
	d.logger.Debug("flushed buffer", "candles", len(d.buffer))
	d.buffer = d.buffer[:0]
	return nil
}

// failWithFlush persists whatever was fetched before a fatal error. The
// flush failure, if any, is logged but the original error is what surfaces.
func (d *Downloader) failWithFlush(ctx context.Context, summary *Summary, cause error) {
	if err := d.flush(ctx, summary); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Error("failed to flush buffer during abort", "error", err)
	}
	d.state = StateFailed
	d.job.MarkFailed(cause.Error())
}
