package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob() *Job {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return NewJob("BTC/USDT", "1d", start, time.Time{}, 1000, 5000, "out/BTC_USDT_1d.csv")
}

func TestNewJobDefaults(t *testing.T) {
	j := newTestJob()
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StatusPending, j.Status)
	assert.Zero(t, j.CandlesFetched)
	assert.True(t, j.End.IsZero())
	require.NoError(t, j.Validate())

	// IDs must be unique across jobs.
	assert.NotEqual(t, j.ID, newTestJob().ID)
}

func TestJobValidateRejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Job)
	}{
		{"missing id", func(j *Job) { j.ID = "" }},
		{"missing pair", func(j *Job) { j.Pair = "" }},
		{"pair without slash", func(j *Job) { j.Pair = "BTCUSDT" }},
		{"missing timeframe", func(j *Job) { j.Timeframe = "" }},
		{"zero start", func(j *Job) { j.Start = time.Time{} }},
		{"end before start", func(j *Job) { j.End = j.Start.AddDate(-1, 0, 0) }},
		{"zero batch size", func(j *Job) { j.BatchSize = 0 }},
		{"zero flush size", func(j *Job) { j.FlushSize = 0 }},
		{"missing output", func(j *Job) { j.OutputPath = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			j := newTestJob()
			tc.mutate(j)
			assert.Error(t, j.Validate())
		})
	}
}

func TestJobLifecycle(t *testing.T) {
	j := newTestJob()

	require.NoError(t, j.MarkRunning())
	assert.Equal(t, StatusRunning, j.Status)

	j.RecordBatch(500)
	j.RecordBatch(250)
	assert.Equal(t, 750, j.CandlesFetched)
	assert.Equal(t, 2, j.BatchesFetched)

	require.NoError(t, j.MarkCompleted())
	assert.Equal(t, StatusCompleted, j.Status)
}

func TestJobLifecycleTransitionsGuarded(t *testing.T) {
	j := newTestJob()

	// Completing a job that never ran is a programming error.
	require.Error(t, j.MarkCompleted())

	require.NoError(t, j.MarkRunning())
	require.Error(t, j.MarkRunning(), "running twice must fail")
}

func TestJobMarkFailed(t *testing.T) {
	j := newTestJob()
	require.NoError(t, j.MarkRunning())

	j.MarkFailed("fetch failed")
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, "fetch failed", j.Error)
}

func TestJobPairAccessors(t *testing.T) {
	j := newTestJob()
	assert.Equal(t, "BTC", j.BaseAsset())
	assert.Equal(t, "USDT", j.QuoteAsset())
	assert.Equal(t, "BTC/USDT 1d", j.String())

	base, quote, ok := SplitPair("ETH/BTC")
	assert.True(t, ok)
	assert.Equal(t, "ETH", base)
	assert.Equal(t, "BTC", quote)
}
