package persephone

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	// sqlite driver
	_ "modernc.org/sqlite"
)

// SQLiteRunStore keeps results in a local SQLite database
type SQLiteRunStore struct {
	db *sql.DB
}

func NewSQLiteRunStore(path string) (*SQLiteRunStore, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteRunStore{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteRunStore) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteRunStore) createSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS backtest_runs (
		run_id TEXT PRIMARY KEY,
		run_at INTEGER NOT NULL,
		model TEXT NOT NULL DEFAULT '',
		train_start TEXT NOT NULL,
		train_end TEXT NOT NULL,
		test_start TEXT NOT NULL,
		test_end TEXT NOT NULL,
		test_days INTEGER NOT NULL,
		mae REAL NOT NULL,
		mape_percent REAL,
		joined INTEGER NOT NULL,
		missing INTEGER NOT NULL,
		mape_points INTEGER NOT NULL
	)`
	if _, err := s.db.Exec(query); err != nil {
		return err
	}

	_, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_backtest_runs_run_at ON backtest_runs(run_at)`)
	return err
}

func (s *SQLiteRunStore) Save(ctx context.Context, result *BacktestResult) error {
	var mape sql.NullFloat64
	if !math.IsNaN(result.MAPEPercent) && !math.IsInf(result.MAPEPercent, 0) {
		mape = sql.NullFloat64{Float64: result.MAPEPercent, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs (
			run_id, run_at, model, train_start, train_end, test_start, test_end,
			test_days, mae, mape_percent, joined, missing, mape_points
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.RunID,
		result.RunAt.UnixMilli(),
		result.Model,
		result.TrainStart.Format(DateLayout),
		result.TrainEnd.Format(DateLayout),
		result.TestStart.Format(DateLayout),
		result.TestEnd.Format(DateLayout),
		result.TestDays,
		result.MAE,
		mape,
		result.Joined,
		result.Missing,
		result.MAPEPoints,
	)
	if err != nil {
		return fmt.Errorf("failed to insert backtest run: %w", err)
	}
	return nil
}

func (s *SQLiteRunStore) Recent(ctx context.Context, count int) ([]*BacktestResult, error) {
	if count <= 0 {
		return []*BacktestResult{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, run_at, model, train_start, train_end, test_start, test_end,
			test_days, mae, mape_percent, joined, missing, mape_points
		FROM (
			SELECT * FROM backtest_runs ORDER BY run_at DESC LIMIT ?
		) ORDER BY run_at ASC`, count)
	if err != nil {
		return nil, fmt.Errorf("failed to query backtest runs: %w", err)
	}
	defer rows.Close()

	results := make([]*BacktestResult, 0, count)
	for rows.Next() {
		var (
			r     BacktestResult
			runAt int64
			dates [4]string
			mape  sql.NullFloat64
		)
		if err := rows.Scan(&r.RunID, &runAt, &r.Model, &dates[0], &dates[1], &dates[2], &dates[3],
			&r.TestDays, &r.MAE, &mape, &r.Joined, &r.Missing, &r.MAPEPoints); err != nil {
			return nil, fmt.Errorf("failed to scan backtest run: %w", err)
		}

		r.RunAt = time.UnixMilli(runAt).UTC()
		parsed := []*time.Time{&r.TrainStart, &r.TrainEnd, &r.TestStart, &r.TestEnd}
		for i, raw := range dates {
			d, err := time.Parse(DateLayout, raw)
			if err != nil {
				return nil, fmt.Errorf("invalid stored date %q: %w", raw, err)
			}
			*parsed[i] = d
		}
		r.MAPEPercent = math.NaN()
		if mape.Valid {
			r.MAPEPercent = mape.Float64
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

func (s *SQLiteRunStore) Prune(ctx context.Context, retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := s.db.ExecContext(ctx, `DELETE FROM backtest_runs WHERE run_at < ?`, cutoff.UnixMilli())
	return err
}

func (s *SQLiteRunStore) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}
