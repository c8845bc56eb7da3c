// DuckDB-backed candle target. Useful when downstream analysis wants the
// series queryable instead of (or in addition to) flat CSV files; the
// append-only and checkpoint semantics are identical to the CSV sink.
package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/marcboeker/go-duckdb/v2"
	"github.com/shopspring/decimal"

	"github.com/johnayoung/go-candle-downloader/internal/models"
)

// DuckDBSink stores one candle series per database file in a single
// `candles` table. The checkpoint is MAX(timestamp); writes are INSERT-only.
type DuckDBSink struct {
	db     *sql.DB
	dbPath string
	logger *slog.Logger
}

// NewDuckDBSink opens (or creates) a DuckDB database at dbPath and ensures
// the candles table exists.
func NewDuckDBSink(dbPath string, logger *slog.Logger) (*DuckDBSink, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", dbPath)
	if err != nil {
		return nil, &StoreError{Operation: "open", Target: dbPath, Err: err}
	}

	// Single writer pattern as recommended for DuckDB.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &DuckDBSink{db: db, dbPath: dbPath, logger: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *DuckDBSink) initialize() error {
	schema := `
		CREATE TABLE IF NOT EXISTS candles (
			timestamp BIGINT NOT NULL,
			open      DECIMAL(18, 8) NOT NULL,
			high      DECIMAL(18, 8) NOT NULL,
			low       DECIMAL(18, 8) NOT NULL,
			close     DECIMAL(18, 8) NOT NULL,
			volume    DECIMAL(18, 8) NOT NULL,
			PRIMARY KEY (timestamp)
		)`
	if _, err := s.db.Exec(schema); err != nil {
		return &StoreError{Operation: "initialize", Target: s.dbPath, Err: err}
	}
	return nil
}

// LastTimestamp implements CheckpointStore via MAX(timestamp) over the table.
func (s *DuckDBSink) LastTimestamp(ctx context.Context) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT MAX(timestamp) FROM candles").Scan(&ts)
	if err != nil {
		return 0, false, &CorruptCheckpointError{
			Target: s.dbPath,
			Detail: "MAX(timestamp) query",
			Err:    err,
		}
	}
	if !ts.Valid {
		return 0, false, nil
	}
	return ts.Int64, true, nil
}

// Append implements CheckpointStore. The batch is inserted inside one
// transaction so a failure persists either all rows or none.
func (s *DuckDBSink) Append(ctx context.Context, candles []models.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &StoreError{Operation: "begin", Target: s.dbPath, Err: err}
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO candles (timestamp, open, high, low, close, volume) VALUES (?, ?, ?, ?, ?, ?)")
	if err != nil {
		return &StoreError{Operation: "prepare", Target: s.dbPath, Err: err}
	}
	defer stmt.Close()

	for _, c := range candles {
		open, high, low, close, volume, err := parseOHLCV(c)
		if err != nil {
			return &StoreError{Operation: "append", Target: s.dbPath, Err: err}
		}
		if _, err := stmt.ExecContext(ctx, c.TimestampMillis(), open, high, low, close, volume); err != nil {
			return &StoreError{Operation: "append", Target: s.dbPath, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &StoreError{Operation: "commit", Target: s.dbPath, Err: err}
	}

	return nil
}

// Close implements CheckpointStore.
func (s *DuckDBSink) Close() error {
	return s.db.Close()
}

func parseOHLCV(c models.Candle) (open, high, low, close, volume float64, err error) {
	fields := []struct {
		name  string
		value string
		out   *float64
	}{
		{"open", c.Open, &open},
		{"high", c.High, &high},
		{"low", c.Low, &low},
		{"close", c.Close, &close},
		{"volume", c.Volume, &volume},
	}
	for _, f := range fields {
		d, perr := decimal.NewFromString(f.value)
		if perr != nil {
			err = fmt.Errorf("invalid %s %q: %w", f.name, f.value, perr)
			return
		}
		*f.out, _ = d.Float64()
	}
	return
}
