package persephone

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// DefaultMinLookback is the smallest training prefix a backtest may use
const DefaultMinLookback = 10

// LoadOptions controls how a persisted series is read back and validated.
type LoadOptions struct {
	DateColumn  string // Defaults to "ds"
	ValueColumn string // Defaults to "y"

	// The loaded series must hold more than TestDays + MinLookback points
	TestDays    int
	MinLookback int
}

// LoadStats describes what the loader kept and discarded
type LoadStats struct {
	TotalRows     int
	DroppedRows   int // Unparseable date or value, negative or non-finite count
	DuplicateRows int // Later rows repeating an already loaded date
	Kept          int
}

func (o LoadOptions) withDefaults() LoadOptions {
	if o.DateColumn == "" {
		o.DateColumn = SeriesHeader[0]
	}
	if o.ValueColumn == "" {
		o.ValueColumn = SeriesHeader[1]
	}
	return o
}

// LoadSeries reads a ds,y file, coerces both columns, drops rows that do not
// coerce and re-sorts by date. When a date repeats, the first row wins.
func LoadSeries(r io.Reader, opts LoadOptions) (Series, LoadStats, error) {
	var stats LoadStats
	opts = opts.withDefaults()
	if opts.TestDays < 0 || opts.MinLookback < 0 {
		return nil, stats, fmt.Errorf("%w: test days %d, min lookback %d", ErrInvalidConfig, opts.TestDays, opts.MinLookback)
	}

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, stats, &DataError{Op: "load", Err: ErrEmptySeries}
		}
		return nil, stats, fmt.Errorf("failed to read header: %w", err)
	}

	dateIdx := columnIndex(header, opts.DateColumn)
	valueIdx := columnIndex(header, opts.ValueColumn)
	if dateIdx < 0 && valueIdx < 0 && len(header) >= 2 {
		dateIdx, valueIdx = 0, 1
	}
	if dateIdx < 0 {
		return nil, stats, &DataError{Op: "load", Err: fmt.Errorf("%w: %s", ErrMissingColumn, opts.DateColumn)}
	}
	if valueIdx < 0 {
		return nil, stats, &DataError{Op: "load", Err: fmt.Errorf("%w: %s", ErrMissingColumn, opts.ValueColumn)}
	}

	points := make(Series, 0, 128)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		stats.TotalRows++
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				stats.DroppedRows++
				continue
			}
			return nil, stats, fmt.Errorf("failed to read row: %w", err)
		}

		point, ok := coercePoint(record, dateIdx, valueIdx)
		if !ok {
			stats.DroppedRows++
			continue
		}
		points = append(points, point)
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Date.Before(points[j].Date)
	})

	series := make(Series, 0, len(points))
	for _, p := range points {
		if n := len(series); n > 0 && series[n-1].Date.Equal(p.Date) {
			stats.DuplicateRows++
			continue
		}
		series = append(series, p)
	}
	stats.Kept = len(series)

	if len(series) == 0 {
		return nil, stats, &DataError{Op: "load", Count: stats.TotalRows, Err: ErrEmptySeries}
	}
	need := opts.TestDays + opts.MinLookback
	if len(series) <= need {
		return nil, stats, &DataError{Op: "load", Count: len(series), Need: need, Err: ErrInsufficientData}
	}

	return series, stats, nil
}

// LoadSeriesFrom loads and validates the series artifact stored under key.
func LoadSeriesFrom(ctx context.Context, store ArtifactStore, key string, opts LoadOptions) (Series, LoadStats, error) {
	rc, err := openArtifact(ctx, store, "load", key)
	if err != nil {
		return nil, LoadStats{}, err
	}
	defer rc.Close()

	series, stats, err := LoadSeries(rc, opts)
	if err != nil {
		var de *DataError
		if errors.As(err, &de) && de.Path == "" {
			de.Path = key
		}
		return nil, stats, err
	}
	return series, stats, nil
}

func coercePoint(record []string, dateIdx, valueIdx int) (DailyPoint, bool) {
	if dateIdx >= len(record) || valueIdx >= len(record) {
		return DailyPoint{}, false
	}
	date, err := ParseDate(record[dateIdx])
	if err != nil {
		return DailyPoint{}, false
	}
	count, err := strconv.ParseFloat(strings.TrimSpace(record[valueIdx]), 64)
	if err != nil || math.IsNaN(count) || math.IsInf(count, 0) || count < 0 {
		return DailyPoint{}, false
	}
	return DailyPoint{Date: date, Count: count}, true
}
