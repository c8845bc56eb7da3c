// Candle Downloader CLI
// Incrementally downloads OHLCV candles from cryptocurrency exchanges into
// per-series CSV files or DuckDB databases, resuming each series from the
// last persisted candle.
//
// Usage:
//
//	candles download --pairs BTC/USDT,ETH/USDT --timeframes 1h,1d --start 2023-01-01
//	candles download --all --quote USDT --timeframes 1d
//	candles pairs --quote USDT
//	candles rank --quote USDT --limit 20
//
// For detailed help on any command, use: candles <command> --help
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/johnayoung/go-candle-downloader/internal/config"
	"github.com/johnayoung/go-candle-downloader/internal/downloader"
	"github.com/johnayoung/go-candle-downloader/internal/exchange"
	"github.com/johnayoung/go-candle-downloader/internal/logger"
	"github.com/johnayoung/go-candle-downloader/internal/orchestrator"
	"github.com/johnayoung/go-candle-downloader/internal/sink"
)

const (
	Version = "1.0.0"
	AppName = "candles"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

// CLI wires the configured components together for one invocation.
type CLI struct {
	config *config.Config
	logger *slog.Logger
	closer io.Closer
	source exchange.DataSource
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v", "version":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		printUsage()
		return
	}

	cli := &CLI{}
	if err := cli.initialize(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.closer.Close()

	var err error
	switch command {
	case "download":
		err = cli.handleDownload(ctx, args)
	case "pairs":
		err = cli.handlePairs(ctx, args)
	case "rank":
		err = cli.handleRank(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command %q\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		if ctx.Err() != nil {
			cli.logger.Error("interrupted", "error", err)
			os.Exit(ExitInterrupt)
		}
		cli.logger.Error("command failed", "command", command, "error", err)
		os.Exit(ExitDataError)
	}
}

// initialize loads configuration and constructs the logger and the exchange
// adapter. A --config flag anywhere in the arguments selects the file.
func (cli *CLI) initialize(args []string) error {
	configPath := os.Getenv("CANDLES_CONFIG")
	for i := 0; i < len(args); i++ {
		if args[i] == "--config" || args[i] == "-c" {
			if i+1 >= len(args) {
				return fmt.Errorf("--config requires a value")
			}
			configPath = args[i+1]
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cli.config = cfg

	log, closer, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	cli.logger = log
	cli.closer = closer

	timeout, err := cfg.ExchangeTimeout()
	if err != nil {
		return err
	}
	source, err := exchange.Open(cfg.Exchange.Name, exchange.Config{
		BaseURL:   cfg.Exchange.BaseURL,
		RateLimit: cfg.Exchange.RateLimit,
		Timeout:   timeout,
	}, log)
	if err != nil {
		return err
	}
	cli.source = source
	return nil
}

// downloadFlags are the command-line overrides for the download command.
type downloadFlags struct {
	Pairs      string
	All        bool
	Ranked     bool
	Quote      string
	Timeframes string
	Start      string
	End        string
	Workers    int
	MaxRetries int
	Abort      bool
	Help       bool
}

func parseDownloadFlags(args []string) (*downloadFlags, error) {
	flags := &downloadFlags{Workers: -1, MaxRetries: -1}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--pairs", "-p":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--pairs requires a value")
			}
			flags.Pairs = args[i+1]
			i++
		case "--all":
			flags.All = true
		case "--ranked":
			flags.Ranked = true
		case "--quote", "-q":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--quote requires a value")
			}
			flags.Quote = args[i+1]
			i++
		case "--timeframes", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframes requires a value")
			}
			flags.Timeframes = args[i+1]
			i++
		case "--start", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end", "-e":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--workers", "-w":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--workers requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid workers value: %w", err)
			}
			flags.Workers = n
			i++
		case "--max-retries":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--max-retries requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid max-retries value: %w", err)
			}
			flags.MaxRetries = n
			i++
		case "--abort-on-failure":
			flags.Abort = true
		case "--config", "-c":
			i++ // consumed during initialization
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag %q", args[i])
		}
	}
	return flags, nil
}

// handleDownload expands the pair selection into jobs and runs them.
func (cli *CLI) handleDownload(ctx context.Context, args []string) error {
	flags, err := parseDownloadFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printDownloadHelp()
		return nil
	}

	cfg := cli.config
	if flags.Pairs != "" {
		cfg.Pairs.Mode = "explicit"
		cfg.Pairs.Explicit = splitList(flags.Pairs)
	}
	if flags.All {
		cfg.Pairs.Mode = "all"
	}
	if flags.Ranked {
		cfg.Pairs.Mode = "ranked"
	}
	if flags.Quote != "" {
		cfg.Pairs.Quote = flags.Quote
	}
	if flags.Timeframes != "" {
		cfg.Download.Timeframes = splitList(flags.Timeframes)
	}
	if flags.Start != "" {
		cfg.Download.Start = flags.Start
	}
	if flags.End != "" {
		cfg.Download.End = flags.End
	}
	if flags.Workers >= 0 {
		cfg.Download.Workers = flags.Workers
	}
	if flags.MaxRetries >= 0 {
		cfg.Download.MaxRetries = flags.MaxRetries
	}
	if flags.Abort {
		cfg.Download.AbortOnFailure = true
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pairs, err := cli.resolvePairs(ctx)
	if err != nil {
		return err
	}

	start, err := cfg.StartTime()
	if err != nil {
		return err
	}
	end, err := cfg.EndTime()
	if err != nil {
		return err
	}
	backoff, err := cfg.BackoffInterval()
	if err != nil {
		return err
	}

	o := orchestrator.New(cli.source, cli.sinkFactory(), cli.logger, orchestrator.Config{
		Timeframes:     cfg.Download.Timeframes,
		Start:          start,
		End:            end,
		BatchSize:      cfg.Download.BatchSize,
		FlushSize:      cfg.Download.FlushSize,
		OutputDir:      cfg.Storage.OutputDir,
		Workers:        cfg.Download.Workers,
		AbortOnFailure: cfg.Download.AbortOnFailure,
		Downloader: downloader.Config{
			BackoffInterval: backoff,
			MaxRetries:      cfg.Download.MaxRetries,
		},
	})

	jobs, err := o.BuildJobs(pairs)
	if err != nil {
		return err
	}

	report, err := o.Run(ctx, jobs)
	if err != nil {
		return err
	}
	if report.Failed > 0 {
		return fmt.Errorf("%d of %d jobs failed", report.Failed, len(report.Results))
	}
	return nil
}

// resolvePairs applies the configured pair selection mode.
func (cli *CLI) resolvePairs(ctx context.Context) ([]string, error) {
	cfg := cli.config
	switch cfg.Pairs.Mode {
	case "explicit":
		return cfg.Pairs.Explicit, nil
	case "all":
		return cli.source.LoadPairs(ctx, cfg.Pairs.Quote)
	case "ranked":
		return exchange.RankPairsByVolume(ctx, cli.source, exchange.RankOptions{
			Quote: cfg.Pairs.Quote,
			Days:  cfg.Pairs.RankDays,
			Limit: cfg.Pairs.RankLimit,
		}, cli.logger)
	default:
		return nil, fmt.Errorf("unknown pair mode %q", cfg.Pairs.Mode)
	}
}

// sinkFactory selects the output backend for each job.
func (cli *CLI) sinkFactory() orchestrator.SinkFactory {
	if cli.config.Storage.Type == "duckdb" {
		log := cli.logger
		return func(outputPath string) (sink.CheckpointStore, error) {
			dbPath := strings.TrimSuffix(outputPath, ".csv") + ".duckdb"
			return sink.NewDuckDBSink(dbPath, log)
		}
	}
	return orchestrator.CSVSinkFactory
}

// handlePairs lists all active pairs for the quote currency.
func (cli *CLI) handlePairs(ctx context.Context, args []string) error {
	quote := cli.config.Pairs.Quote
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--quote", "-q":
			if i+1 >= len(args) {
				return fmt.Errorf("--quote requires a value")
			}
			quote = args[i+1]
			i++
		case "--config", "-c":
			i++
		case "--help", "-h":
			fmt.Printf("Usage: %s pairs [--quote QUOTE]\n", AppName)
			return nil
		default:
			return fmt.Errorf("unknown flag %q", args[i])
		}
	}

	pairs, err := cli.source.LoadPairs(ctx, quote)
	if err != nil {
		return err
	}
	for _, p := range pairs {
		fmt.Println(p)
	}
	return nil
}

// handleRank prints the most traded pairs by average quote volume.
func (cli *CLI) handleRank(ctx context.Context, args []string) error {
	opts := exchange.RankOptions{
		Quote: cli.config.Pairs.Quote,
		Days:  cli.config.Pairs.RankDays,
		Limit: cli.config.Pairs.RankLimit,
	}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--quote", "-q":
			if i+1 >= len(args) {
				return fmt.Errorf("--quote requires a value")
			}
			opts.Quote = args[i+1]
			i++
		case "--limit", "-l":
			if i+1 >= len(args) {
				return fmt.Errorf("--limit requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid limit value: %w", err)
			}
			opts.Limit = n
			i++
		case "--days", "-d":
			if i+1 >= len(args) {
				return fmt.Errorf("--days requires a value")
			}
			n, err := strconv.Atoi(args[i+1])
			if err != nil {
				return fmt.Errorf("invalid days value: %w", err)
			}
			opts.Days = n
			i++
		case "--config", "-c":
			i++
		case "--help", "-h":
			fmt.Printf("Usage: %s rank [--quote QUOTE] [--limit N] [--days N]\n", AppName)
			return nil
		default:
			return fmt.Errorf("unknown flag %q", args[i])
		}
	}

	pairs, err := exchange.RankPairsByVolume(ctx, cli.source, opts, cli.logger)
	if err != nil {
		return err
	}
	for i, p := range pairs {
		fmt.Printf("%3d  %s\n", i+1, p)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printUsage() {
	fmt.Printf(`%s - Incremental OHLCV Candle Downloader v%s

USAGE:
    %s <command> [options]

COMMANDS:
    download    Download candle history for pairs and timeframes
    pairs       List active trading pairs for a quote currency
    rank        Rank pairs by average quote volume
    version     Show version information

GLOBAL OPTIONS:
    --config, -c   Path to a JSON or YAML config file
    --help, -h     Show help information
    --version, -v  Show version information

EXAMPLES:
    # Download daily BTC/USDT and ETH/USDT history since 2023
    %s download --pairs BTC/USDT,ETH/USDT --timeframes 1d --start 2023-01-01

    # Download every USDT pair on four workers
    %s download --all --quote USDT --timeframes 1h --workers 4

    # Show the 20 most traded USDT pairs
    %s rank --quote USDT --limit 20

Each series is written to its own file under the output directory and
re-running the same command resumes from the last downloaded candle.
`, AppName, Version, AppName, AppName, AppName, AppName)
}

func printDownloadHelp() {
	fmt.Printf(`Usage: %s download [options]

Pair selection (one of):
    --pairs, -p PAIRS   Comma-separated BASE/QUOTE pairs
    --all               All active pairs for --quote
    --ranked            Top pairs by average quote volume

Options:
    --quote, -q QUOTE       Quote currency (default USDT)
    --timeframes, -t LIST   Comma-separated timeframes, e.g. 1m,1h,1d
    --start, -s DATE        Start date, RFC 3339 or YYYY-MM-DD
    --end, -e DATE          End date; omit to run to the newest closed candle
    --workers, -w N         Concurrent jobs (default 1)
    --max-retries N         Give up a job after N transient failures (default unlimited)
    --abort-on-failure      Stop all jobs after the first failure
    --config, -c PATH       Config file
`, AppName)
}
