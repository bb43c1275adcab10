package persephone

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
)

// Column headers of the persisted files
var (
	SeriesHeader   = []string{"ds", "y"}
	ForecastHeader = []string{"ds", "yhat", "yhat_lower", "yhat_upper"}
)

// ArtifactStore is the slice of the artifact store the pipeline reads from
// and writes to. Missing keys must be reported as fs.ErrNotExist.
type ArtifactStore interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

func openArtifact(ctx context.Context, store ArtifactStore, op, key string) (io.ReadCloser, error) {
	rc, err := store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, sourceNotFound(op, key)
		}
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	return rc, nil
}

// PutArtifact renders an artifact in memory and hands it to the store in one
// piece, so a failed render never leaves a partial file behind.
func PutArtifact(ctx context.Context, store ArtifactStore, key string, render func(w io.Writer) error) error {
	var buf bytes.Buffer
	if err := render(&buf); err != nil {
		return fmt.Errorf("failed to render %s: %w", key, err)
	}
	if err := store.Put(ctx, key, &buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func columnIndex(header []string, name string) int {
	for i, col := range header {
		col = strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))
		if strings.EqualFold(col, name) {
			return i
		}
	}
	return -1
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteSeriesCSV writes the series with a ds,y header.
func WriteSeriesCSV(w io.Writer, series Series) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(SeriesHeader); err != nil {
		return err
	}
	for _, p := range series {
		if err := cw.Write([]string{p.Date.Format(DateLayout), formatFloat(p.Count)}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteForecastCSV writes one row per forecast day.
func WriteForecastCSV(w io.Writer, forecast []ForecastPoint) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ForecastHeader); err != nil {
		return err
	}
	for _, p := range forecast {
		row := []string{
			p.Date.Format(DateLayout),
			formatFloat(p.Predicted),
			formatFloat(p.Lower),
			formatFloat(p.Upper),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveSeries persists the series under key. A series that is out of order,
// repeats a date or holds a negative count is rejected before anything is
// written.
func SaveSeries(ctx context.Context, store ArtifactStore, key string, series Series) error {
	if err := series.Validate(); err != nil {
		return fmt.Errorf("invalid series for %s: %w", key, err)
	}
	return PutArtifact(ctx, store, key, func(w io.Writer) error {
		return WriteSeriesCSV(w, series)
	})
}

// SaveForecast persists the forecast under key
func SaveForecast(ctx context.Context, store ArtifactStore, key string, forecast []ForecastPoint) error {
	return PutArtifact(ctx, store, key, func(w io.Writer) error {
		return WriteForecastCSV(w, forecast)
	})
}
