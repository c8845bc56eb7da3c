package downloader

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnayoung/go-candle-downloader/internal/exchange"
	"github.com/johnayoung/go-candle-downloader/internal/models"
	"github.com/johnayoung/go-candle-downloader/internal/sink"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fetchResult is one scripted response from the fake data source.
type fetchResult struct {
	candles []models.Candle
	err     error
}

// scriptedSource replays a fixed sequence of fetch responses and records
// every since value it was asked for.
type scriptedSource struct {
	script []fetchResult
	since  []time.Time
}

func (s *scriptedSource) Name() string { return "scripted" }

func (s *scriptedSource) LoadPairs(ctx context.Context, quote string) ([]string, error) {
	return []string{"BTC/USDT"}, nil
}

func (s *scriptedSource) ParseTimeframe(code string) (time.Duration, error) {
	return 24 * time.Hour, nil
}

func (s *scriptedSource) FetchCandles(ctx context.Context, pair, tf string, since time.Time, limit int) ([]models.Candle, error) {
	s.since = append(s.since, since)
	if len(s.script) == 0 {
		return nil, nil
	}
	next := s.script[0]
	s.script = s.script[1:]
	return next.candles, next.err
}

// recordingStore is an in-memory CheckpointStore that remembers every
// Append call.
type recordingStore struct {
	last    int64
	hasLast bool
	appends [][]models.Candle
	lastErr error
}

func (r *recordingStore) LastTimestamp(ctx context.Context) (int64, bool, error) {
	return r.last, r.hasLast, r.lastErr
}

func (r *recordingStore) Append(ctx context.Context, candles []models.Candle) error {
	batch := make([]models.Candle, len(candles))
	copy(batch, candles)
	r.appends = append(r.appends, batch)
	return nil
}

func (r *recordingStore) Close() error { return nil }

func (r *recordingStore) total() int {
	n := 0
	for _, b := range r.appends {
		n += len(b)
	}
	return n
}

func dailyCandles(start time.Time, n int) []models.Candle {
	out := make([]models.Candle, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, models.Candle{
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Open:      "100",
			High:      "110",
			Low:       "90",
			Close:     "105",
			Volume:    "12.5",
			Pair:      "BTC/USDT",
			Timeframe: "1d",
		})
	}
	return out
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testJob(start, end time.Time) *models.Job {
	return models.NewJob("BTC/USDT", "1d", start, end, 500, 1000, "out.csv")
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunCaughtUp(t *testing.T) {
	// Checkpoint at Jan 9; boundary is Jan 10, so the cursor (Jan 10) is
	// already at the boundary and nothing may be fetched.
	source := &scriptedSource{}
	store := &recordingStore{last: day0.Add(8 * 24 * time.Hour).UnixMilli(), hasLast: true}
	now := day0.Add(9*24*time.Hour + 6*time.Hour)

	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateCaughtUp, summary.State)
	assert.Empty(t, source.since, "caught-up run must not fetch")
	assert.Empty(t, store.appends, "caught-up run must not write")
	assert.Zero(t, summary.Candles)
}

func TestRunDropsFormingCandle(t *testing.T) {
	// The source returns 10 daily candles; the newest is provisionally
	// unsafe and only 9 rows land in the store.
	source := &scriptedSource{script: []fetchResult{
		{candles: dailyCandles(day0, 10)},
		{candles: dailyCandles(day0.Add(9*24*time.Hour), 1)},
	}}
	store := &recordingStore{}
	now := day0.Add(10*24*time.Hour + 6*time.Hour)

	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 9, summary.Candles)
	assert.Equal(t, 9, store.total())

	// The dropped candle is re-requested so no period is skipped.
	require.Len(t, source.since, 2)
	assert.Equal(t, day0, source.since[0])
	assert.Equal(t, day0.Add(9*24*time.Hour), source.since[1])
}

func TestRunKeepsTailWhenEndReached(t *testing.T) {
	// With an explicit end time the final candle of the range is closed
	// and must be persisted, not dropped.
	end := day0.Add(5 * 24 * time.Hour)
	source := &scriptedSource{script: []fetchResult{
		{candles: dailyCandles(day0, 5)},
	}}
	store := &recordingStore{}
	now := day0.Add(30 * 24 * time.Hour)

	d := New(testJob(day0, end), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 5, summary.Candles)
	assert.Equal(t, 5, store.total())
	require.Len(t, source.since, 1)
}

func TestRunClampsBatchOvershootingEnd(t *testing.T) {
	// The provider serves well past the configured end time in a single
	// batch; nothing with a period running beyond the end may be persisted.
	end := day0.Add(5 * 24 * time.Hour)
	source := &scriptedSource{script: []fetchResult{
		{candles: dailyCandles(day0, 10)},
	}}
	store := &recordingStore{}
	now := day0.Add(30 * 24 * time.Hour)

	d := New(testJob(day0, end), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 5, summary.Candles)
	require.Equal(t, 5, store.total())

	var all []models.Candle
	for _, b := range store.appends {
		all = append(all, b...)
	}
	for _, c := range all {
		assert.False(t, c.Timestamp.Add(24*time.Hour).After(end),
			"candle %s runs past the configured end", c.Timestamp)
	}
	require.Len(t, source.since, 1)
}

func TestRunRetriesTransientWithoutAdvancing(t *testing.T) {
	// Two retryable failures, then success. The same range is requested
	// every time and the series resumes without loss.
	source := &scriptedSource{script: []fetchResult{
		{err: &exchange.RateLimitError{}},
		{err: &exchange.TransientError{Op: "klines", Err: errors.New("bad gateway")}},
		{candles: dailyCandles(day0, 4)},
		{candles: dailyCandles(day0.Add(3*24*time.Hour), 1)},
	}}
	store := &recordingStore{}
	now := day0.Add(4*24*time.Hour + time.Hour)

	cfg := Config{Now: fixedClock(now), BackoffInterval: time.Millisecond}
	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), cfg)
	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	assert.Equal(t, 2, summary.Retries)
	assert.Equal(t, 3, summary.Candles)

	require.Len(t, source.since, 4)
	assert.Equal(t, day0, source.since[0], "cursor must not advance on failure")
	assert.Equal(t, day0, source.since[1], "cursor must not advance on failure")
	assert.Equal(t, day0, source.since[2])
}

func TestRunMaxRetriesExceeded(t *testing.T) {
	source := &scriptedSource{script: []fetchResult{
		{err: &exchange.TransientError{Op: "klines", Err: errors.New("timeout")}},
		{err: &exchange.TransientError{Op: "klines", Err: errors.New("timeout")}},
		{err: &exchange.TransientError{Op: "klines", Err: errors.New("timeout")}},
	}}
	store := &recordingStore{}
	now := day0.Add(10 * 24 * time.Hour)

	cfg := Config{Now: fixedClock(now), BackoffInterval: time.Millisecond, MaxRetries: 2}
	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), cfg)
	summary, err := d.Run(context.Background())

	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up")
	assert.Equal(t, StateFailed, summary.State)
	assert.Equal(t, 3, summary.Retries)
	assert.Empty(t, store.appends)
}

func TestRunPermanentErrorFlushesFetchedData(t *testing.T) {
	// A fatal provider error aborts the job, but candles fetched before
	// the failure are flushed so the checkpoint still advances.
	source := &scriptedSource{script: []fetchResult{
		{candles: dailyCandles(day0, 4)},
		{err: &exchange.PermanentError{Reason: "invalid symbol"}},
	}}
	store := &recordingStore{}
	now := day0.Add(10 * 24 * time.Hour)

	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.Error(t, err)
	var perm *exchange.PermanentError
	assert.ErrorAs(t, err, &perm)
	assert.Equal(t, StateFailed, summary.State)
	assert.Equal(t, 3, store.total(), "fetched candles must survive the abort")
	assert.Equal(t, models.StatusFailed, d.job.Status)
}

func TestRunEmptyFirstFetch(t *testing.T) {
	// A delisted or not-yet-listed pair yields no data at all; the run
	// completes without writing anything.
	source := &scriptedSource{script: []fetchResult{{candles: nil}}}
	store := &recordingStore{}
	now := day0.Add(10 * 24 * time.Hour)

	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, StateDone, summary.State)
	assert.Zero(t, summary.Candles)
	assert.Empty(t, store.appends)
}

func TestRunFlushThreshold(t *testing.T) {
	// FlushSize 3 with two batches of 4 (3 kept each) forces an
	// intermediate flush plus the final one.
	source := &scriptedSource{script: []fetchResult{
		{candles: dailyCandles(day0, 4)},
		{candles: dailyCandles(day0.Add(3*24*time.Hour), 4)},
		{candles: dailyCandles(day0.Add(6*24*time.Hour), 1)},
	}}
	store := &recordingStore{}
	now := day0.Add(7*24*time.Hour + time.Hour)

	job := models.NewJob("BTC/USDT", "1d", day0, time.Time{}, 4, 3, "out.csv")
	d := New(job, source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 6, summary.Candles)
	assert.Equal(t, 2, summary.Flushes)
	require.Len(t, store.appends, 2)

	// Rows arrive in strictly increasing timestamp order with no gaps.
	var all []models.Candle
	for _, b := range store.appends {
		all = append(all, b...)
	}
	require.Len(t, all, 6)
	for i, c := range all {
		assert.Equal(t, day0.Add(time.Duration(i)*24*time.Hour), c.Timestamp)
	}
}

func TestRunResumesFromCheckpoint(t *testing.T) {
	// With a checkpoint at Jan 3 the first request starts at Jan 4, never
	// re-reading persisted periods.
	source := &scriptedSource{script: []fetchResult{
		{candles: dailyCandles(day0.Add(3*24*time.Hour), 3)},
		{candles: dailyCandles(day0.Add(4*24*time.Hour), 1)},
	}}
	store := &recordingStore{last: day0.Add(2 * 24 * time.Hour).UnixMilli(), hasLast: true}
	now := day0.Add(5*24*time.Hour + time.Hour)

	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.NoError(t, err)
	require.NotEmpty(t, source.since)
	assert.Equal(t, day0.Add(3*24*time.Hour), source.since[0])
	assert.Equal(t, 2, summary.Candles)
}

func TestRunCorruptCheckpointIsFatal(t *testing.T) {
	source := &scriptedSource{script: []fetchResult{{candles: dailyCandles(day0, 5)}}}
	store := &recordingStore{lastErr: &sink.CorruptCheckpointError{Target: "out.csv", Detail: "bad tail"}}
	now := day0.Add(10 * 24 * time.Hour)

	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(context.Background())

	require.Error(t, err)
	var corrupt *sink.CorruptCheckpointError
	assert.ErrorAs(t, err, &corrupt)
	assert.Equal(t, StateFailed, summary.State)
	assert.Empty(t, source.since, "corrupt checkpoint must not trigger a restart from scratch")
}

func TestRunCancelledDiscardsBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	source := &scriptedSource{script: []fetchResult{{candles: dailyCandles(day0, 5)}}}
	store := &recordingStore{}
	now := day0.Add(10 * 24 * time.Hour)

	d := New(testJob(day0, time.Time{}), source, store, quietLogger(), Config{Now: fixedClock(now)})
	summary, err := d.Run(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, summary.State)
	assert.Empty(t, store.appends)
}
