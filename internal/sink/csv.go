package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/johnayoung/go-candle-downloader/internal/models"
)

// csvHeader is written exactly once per file, on creation.
const csvHeader = "timestamp,open,high,low,close,volume"

// CSVSink persists candles as comma-separated rows in a single file.
// Appends go through O_APPEND so existing bytes are never rewritten.
type CSVSink struct {
	path string
}

// NewCSVSink creates a sink for the given file path. The file itself is not
// created until the first append, so a job that downloads nothing leaves no
// file behind.
func NewCSVSink(path string) (*CSVSink, error) {
	if path == "" {
		return nil, fmt.Errorf("csv sink: path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &StoreError{Operation: "mkdir", Target: path, Err: err}
		}
	}
	return &CSVSink{path: path}, nil
}

// Path returns the target file path.
func (s *CSVSink) Path() string {
	return s.path
}

// LastTimestamp implements CheckpointStore by scanning for the file's last
// non-empty row and parsing its first column as epoch milliseconds.
func (s *CSVSink) LastTimestamp(ctx context.Context) (int64, bool, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, &StoreError{Operation: "open", Target: s.path, Err: err}
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, false, &StoreError{Operation: "read", Target: s.path, Err: err}
	}

	if lastLine == "" || lastLine == csvHeader {
		return 0, false, nil
	}

	field, _, _ := strings.Cut(lastLine, ",")
	ts, err := strconv.ParseInt(field, 10, 64)
	if err != nil {
		return 0, false, &CorruptCheckpointError{
			Target: s.path,
			Detail: fmt.Sprintf("tail row %q", lastLine),
			Err:    err,
		}
	}

	return ts, true, nil
}

// Append implements CheckpointStore. The header is written only when the
// file is newly created or still empty. The whole batch is rendered in
// memory first and lands in a single O_APPEND write, so a crash never
// leaves part of a batch in the file.
func (s *CSVSink) Append(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &StoreError{Operation: "open", Target: s.path, Err: err}
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return &StoreError{Operation: "stat", Target: s.path, Err: err}
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if info.Size() == 0 {
		if err := w.Write(strings.Split(csvHeader, ",")); err != nil {
			return &StoreError{Operation: "append", Target: s.path, Err: err}
		}
	}

	for _, c := range candles {
		row := []string{
			strconv.FormatInt(c.TimestampMillis(), 10),
			c.Open,
			c.High,
			c.Low,
			c.Close,
			c.Volume,
		}
		if err := w.Write(row); err != nil {
			return &StoreError{Operation: "append", Target: s.path, Err: err}
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return &StoreError{Operation: "append", Target: s.path, Err: err}
	}

	if _, err := f.Write(buf.Bytes()); err != nil {
		return &StoreError{Operation: "append", Target: s.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &StoreError{Operation: "sync", Target: s.path, Err: err}
	}

	return nil
}

// Close implements CheckpointStore. The CSV sink holds no open handles
// between operations.
func (s *CSVSink) Close() error {
	return nil
}
