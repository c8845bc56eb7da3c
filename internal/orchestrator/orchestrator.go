// Package orchestrator expands a download request Cartesian-style into
// per-(pair, timeframe) jobs and runs them to completion, sequentially or on
// a bounded worker pool. All workers share the one DataSource instance, so
// the exchange adapter's rate limiter gates the pool as a whole.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/johnayoung/go-candle-downloader/internal/downloader"
	"github.com/johnayoung/go-candle-downloader/internal/exchange"
	"github.com/johnayoung/go-candle-downloader/internal/models"
	"github.com/johnayoung/go-candle-downloader/internal/sink"
	"github.com/johnayoung/go-candle-downloader/internal/timeframe"
)

const (
	defaultBatchSize = 1000
	defaultFlushSize = 5000
	defaultOutputDir = "./csv_ohlcv"
)

// SinkFactory opens the checkpoint store for one job's output target.
type SinkFactory func(outputPath string) (sink.CheckpointStore, error)

// CSVSinkFactory is the default SinkFactory, writing one CSV file per job.
func CSVSinkFactory(outputPath string) (sink.CheckpointStore, error) {
	return sink.NewCSVSink(outputPath)
}

// Config controls job expansion and execution.
type Config struct {
	Timeframes []string
	Start      time.Time
	End        time.Time // zero runs open-ended up to the current boundary

	BatchSize int
	FlushSize int
	OutputDir string

	// Workers bounds concurrent jobs. Values below 2 run sequentially.
	Workers int

	// AbortOnFailure stops dispatching after the first failed job.
	// The default is to keep going and report failures at the end.
	AbortOnFailure bool

	Downloader downloader.Config
}

// JobResult pairs a finished job with its run outcome.
type JobResult struct {
	Job     *models.Job
	Summary *downloader.Summary
	Err     error
}

// Report aggregates the outcome of one orchestrator run.
type Report struct {
	Results   []JobResult
	Completed int
	Failed    int
	Candles   int
	Elapsed   time.Duration
}

// Orchestrator fans a pair list out into jobs and drives them.
type Orchestrator struct {
	source exchange.DataSource
	sinks  SinkFactory
	logger *slog.Logger
	cfg    Config
}

// New creates an Orchestrator. A nil sinks factory selects CSV output.
func New(source exchange.DataSource, sinks SinkFactory, logger *slog.Logger, cfg Config) *Orchestrator {
	if sinks == nil {
		sinks = CSVSinkFactory
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = defaultFlushSize
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = defaultOutputDir
	}
	return &Orchestrator{
		source: source,
		sinks:  sinks,
		logger: logger,
		cfg:    cfg,
	}
}

// OutputFilename builds the conventional per-series file name:
// BASE_QUOTE_timeframe_startdate_enddate_exchange.csv, with "now" standing
// in for an open end date.
func OutputFilename(dir, pair, tf string, start, end time.Time, exchangeName string) string {
	base, quote, _ := models.SplitPair(pair)
	endPart := "now"
	if !end.IsZero() {
		endPart = end.UTC().Format("2006-01-02")
	}
	name := fmt.Sprintf("%s_%s_%s_%s_%s_%s.csv",
		base, quote, tf, start.UTC().Format("2006-01-02"), endPart, exchangeName)
	return filepath.Join(dir, name)
}

// BuildJobs expands pairs into one job per (pair, timeframe) combination.
// Order is pair-major, timeframe-minor: all timeframes of the first pair
// precede the second pair. Unknown timeframes fail the whole expansion
// before any job runs.
func (o *Orchestrator) BuildJobs(pairs []string) ([]*models.Job, error) {
	if len(pairs) == 0 {
		return nil, fmt.Errorf("no pairs to download")
	}
	if len(o.cfg.Timeframes) == 0 {
		return nil, fmt.Errorf("no timeframes to download")
	}
	for _, tf := range o.cfg.Timeframes {
		if !timeframe.Supported(tf) {
			return nil, fmt.Errorf("%w: %q", timeframe.ErrUnsupportedTimeframe, tf)
		}
	}

	jobs := make([]*models.Job, 0, len(pairs)*len(o.cfg.Timeframes))
	for _, pair := range pairs {
		for _, tf := range o.cfg.Timeframes {
			out := OutputFilename(o.cfg.OutputDir, pair, tf, o.cfg.Start, o.cfg.End, o.source.Name())
			job := models.NewJob(pair, tf, o.cfg.Start, o.cfg.End, o.cfg.BatchSize, o.cfg.FlushSize, out)
			if err := job.Validate(); err != nil {
				return nil, fmt.Errorf("job %s: %w", job, err)
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Run executes the jobs and aggregates their outcomes. With AbortOnFailure
// unset every job runs regardless of earlier failures; the error return is
// non-nil only when the run as a whole could not proceed.
func (o *Orchestrator) Run(ctx context.Context, jobs []*models.Job) (*Report, error) {
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no jobs to run")
	}

	started := time.Now()
	o.logger.Info("starting download run",
		"jobs", len(jobs),
		"workers", max(o.cfg.Workers, 1),
		"exchange", o.source.Name())

	var results []JobResult
	if o.cfg.Workers > 1 {
		results = o.runPool(ctx, jobs)
	} else {
		results = o.runSequential(ctx, jobs)
	}

	report := &Report{
		Results: results,
		Elapsed: time.Since(started),
	}
	for _, r := range results {
		if r.Err != nil {
			report.Failed++
			continue
		}
		report.Completed++
		if r.Summary != nil {
			report.Candles += r.Summary.Candles
		}
	}

	o.logger.Info("download run finished",
		"completed", report.Completed,
		"failed", report.Failed,
		"candles", report.Candles,
		"elapsed", report.Elapsed)

	if err := ctx.Err(); err != nil {
		return report, err
	}
	return report, nil
}

func (o *Orchestrator) runSequential(ctx context.Context, jobs []*models.Job) []JobResult {
	results := make([]JobResult, 0, len(jobs))
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		res := o.runJob(ctx, job)
		results = append(results, res)
		if res.Err != nil && o.cfg.AbortOnFailure {
			o.logger.Error("aborting remaining jobs after failure", "job", job.String())
			break
		}
	}
	return results
}

func (o *Orchestrator) runPool(ctx context.Context, jobs []*models.Job) []JobResult {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan *models.Job)
	var (
		mu      sync.Mutex
		results []JobResult
		wg      sync.WaitGroup
	)

	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for job := range queue {
				res := o.runJob(ctx, job)
				mu.Lock()
				results = append(results, res)
				mu.Unlock()
				if res.Err != nil && o.cfg.AbortOnFailure {
					cancel()
				}
			}
		}(i)
	}

dispatch:
	for _, job := range jobs {
		select {
		case queue <- job:
		case <-ctx.Done():
			break dispatch
		}
	}
	close(queue)
	wg.Wait()
	return results
}

// runJob opens the job's sink, runs the fetch loop, and closes the sink.
// Every error is folded into the result; a failed job never takes the
// orchestrator down.
func (o *Orchestrator) runJob(ctx context.Context, job *models.Job) JobResult {
	log := o.logger.With("pair", job.Pair, "timeframe", job.Timeframe, "job_id", job.ID)

	store, err := o.sinks(job.OutputPath)
	if err != nil {
		job.MarkFailed(err.Error())
		log.Error("failed to open output target", "output", job.OutputPath, "error", err)
		return JobResult{Job: job, Err: fmt.Errorf("opening %s: %w", job.OutputPath, err)}
	}
	defer func() {
		if cerr := store.Close(); cerr != nil {
			log.Warn("failed to close output target", "error", cerr)
		}
	}()

	d := downloader.New(job, o.source, store, log, o.cfg.Downloader)
	summary, err := d.Run(ctx)
	if err != nil {
		log.Error("job failed", "error", err)
		return JobResult{Job: job, Summary: summary, Err: err}
	}

	log.Info("job finished",
		"state", summary.State,
		"candles", summary.Candles,
		"batches", summary.Batches,
		"output", job.OutputPath)
	return JobResult{Job: job, Summary: summary}
}
