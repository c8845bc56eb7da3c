package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a download job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // queued but not yet started
	StatusRunning   JobStatus = "running"   // currently being executed
	StatusCompleted JobStatus = "completed" // finished successfully
	StatusFailed    JobStatus = "failed"    // terminated with a fatal error
)

// Job describes one (pair, timeframe) download. Its parameters are fixed once
// the downloader starts; only status and counters change afterwards.
type Job struct {
	ID         string    `json:"id"`
	Pair       string    `json:"pair"`      // "BASE/QUOTE"
	Timeframe  string    `json:"timeframe"` // e.g. "1h", "1d", "1w"
	Start      time.Time `json:"start"`
	End        time.Time `json:"end,omitempty"` // zero means download up to the current boundary
	BatchSize  int       `json:"batch_size"`
	FlushSize  int       `json:"flush_size"`
	OutputPath string    `json:"output_path"`

	Status          JobStatus `json:"status"`
	CandlesFetched  int       `json:"candles_fetched"`
	BatchesFetched  int       `json:"batches_fetched"`
	Error           string    `json:"error,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// JobError represents a job validation error with field context.
type JobError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface for JobError.
func (e JobError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewJob creates a pending Job with a generated ID.
func NewJob(pair, timeframe string, start, end time.Time, batchSize, flushSize int, outputPath string) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:         uuid.NewString(),
		Pair:       pair,
		Timeframe:  timeframe,
		Start:      start.UTC(),
		End:        end,
		BatchSize:  batchSize,
		FlushSize:  flushSize,
		OutputPath: outputPath,
		Status:     StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// Validate checks required fields and time consistency.
func (j *Job) Validate() error {
	if j.ID == "" {
		return JobError{Field: "ID", Message: "job ID is required"}
	}
	if j.Pair == "" {
		return JobError{Field: "Pair", Message: "trading pair is required"}
	}
	if !strings.Contains(j.Pair, "/") {
		return JobError{Field: "Pair", Message: fmt.Sprintf("pair %q must be in BASE/QUOTE form", j.Pair)}
	}
	if j.Timeframe == "" {
		return JobError{Field: "Timeframe", Message: "timeframe is required"}
	}
	if j.Start.IsZero() {
		return JobError{Field: "Start", Message: "start time is required"}
	}
	if !j.End.IsZero() && !j.Start.Before(j.End) {
		return JobError{Field: "End", Message: "end time must be after start time"}
	}
	if j.BatchSize <= 0 {
		return JobError{Field: "BatchSize", Message: "batch size must be greater than 0"}
	}
	if j.FlushSize <= 0 {
		return JobError{Field: "FlushSize", Message: "flush size must be greater than 0"}
	}
	if j.OutputPath == "" {
		return JobError{Field: "OutputPath", Message: "output path is required"}
	}
	return nil
}

// SplitPair splits a "BASE/QUOTE" pair into its components.
func SplitPair(pair string) (base, quote string, ok bool) {
	return strings.Cut(pair, "/")
}

// BaseAsset returns the base currency of the pair ("BTC" for "BTC/USDT").
func (j *Job) BaseAsset() string {
	base, _, _ := strings.Cut(j.Pair, "/")
	return base
}

// QuoteAsset returns the quote currency of the pair ("USDT" for "BTC/USDT").
func (j *Job) QuoteAsset() string {
	_, quote, _ := strings.Cut(j.Pair, "/")
	return quote
}

// MarkRunning transitions a pending job to running.
func (j *Job) MarkRunning() error {
	if j.Status != StatusPending {
		return fmt.Errorf("cannot start job in status %s", j.Status)
	}
	j.Status = StatusRunning
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCompleted transitions a running job to completed.
func (j *Job) MarkCompleted() error {
	if j.Status != StatusRunning {
		return fmt.Errorf("cannot complete job in status %s", j.Status)
	}
	j.Status = StatusCompleted
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkFailed records a fatal error and transitions the job to failed.
func (j *Job) MarkFailed(reason string) {
	j.Status = StatusFailed
	j.Error = reason
	j.UpdatedAt = time.Now().UTC()
}

// RecordBatch updates the job counters after a fetched batch.
func (j *Job) RecordBatch(candles int) {
	j.BatchesFetched++
	j.CandlesFetched += candles
	j.UpdatedAt = time.Now().UTC()
}

// String returns a short identity string for logs.
func (j *Job) String() string {
	return fmt.Sprintf("%s %s", j.Pair, j.Timeframe)
}
