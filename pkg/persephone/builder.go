package persephone

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"
)

// DefaultPickupColumn is the pickup timestamp field of the yellow taxi export
const DefaultPickupColumn = "tpep_pickup_datetime"

// BuildStats summarizes one aggregation pass over the raw trip file.
// ValidRows + DroppedRows == TotalRows and ValidRows equals the series total.
//
// Rows are CSV records, not physical lines. An unterminated quote swallows
// the lines after it up to the next closing quote, and they are counted as a
// single dropped record.
type BuildStats struct {
	TotalRows   int
	ValidRows   int
	DroppedRows int
	Days        int
}

// BuildDailySeries counts trips per calendar day from a header-bearing CSV.
// Rows whose timestamp is missing or unparseable are dropped and counted.
// Days without trips are not emitted.
func BuildDailySeries(r io.Reader, field string) (Series, BuildStats, error) {
	var stats BuildStats

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, stats, &DataError{Op: "build", Err: fmt.Errorf("%w: %s (no header)", ErrMissingColumn, field)}
		}
		return nil, stats, fmt.Errorf("failed to read header: %w", err)
	}

	idx := columnIndex(header, field)
	if idx < 0 {
		return nil, stats, &DataError{Op: "build", Err: fmt.Errorf("%w: %s", ErrMissingColumn, field)}
	}

	counts := make(map[time.Time]float64)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				stats.TotalRows++
				stats.DroppedRows++
				continue
			}
			return nil, stats, fmt.Errorf("failed to read row: %w", err)
		}

		stats.TotalRows++
		if idx >= len(record) {
			stats.DroppedRows++
			continue
		}
		ts, err := ParseTimestamp(record[idx])
		if err != nil {
			stats.DroppedRows++
			continue
		}
		counts[Day(ts)]++
		stats.ValidRows++
	}

	series := make(Series, 0, len(counts))
	for day, n := range counts {
		series = append(series, DailyPoint{Date: day, Count: n})
	}
	sort.Slice(series, func(i, j int) bool {
		return series[i].Date.Before(series[j].Date)
	})
	stats.Days = len(series)

	return series, stats, nil
}

// BuildDailySeriesFrom aggregates the raw trip artifact stored under key.
func BuildDailySeriesFrom(ctx context.Context, store ArtifactStore, key, field string) (Series, BuildStats, error) {
	rc, err := openArtifact(ctx, store, "build", key)
	if err != nil {
		return nil, BuildStats{}, err
	}
	defer rc.Close()

	series, stats, err := BuildDailySeries(rc, field)
	if err != nil {
		var de *DataError
		if errors.As(err, &de) && de.Path == "" {
			de.Path = key
		}
		return nil, stats, err
	}
	return series, stats, nil
}
