package persephone

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/tartarus-sandbox/persephone/pkg/hermes"
)

// Ingestor drains a PageCollector into a single raw CSV
type Ingestor struct {
	collector PageCollector
	maxPages  int
	logger    hermes.Logger
	metrics   hermes.Metrics
}

// IngestorConfig holds configuration for the Ingestor
type IngestorConfig struct {
	Collector PageCollector
	MaxPages  int // Abort once more pages than this were written
	Logger    hermes.Logger
	Metrics   hermes.Metrics
}

// IngestStats reports what a download wrote
type IngestStats struct {
	Pages int
	Rows  int
}

// NewIngestor creates a new Ingestor
func NewIngestor(config IngestorConfig) (*Ingestor, error) {
	if config.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if config.MaxPages <= 0 {
		config.MaxPages = 500
	}
	if config.Logger == nil {
		config.Logger = hermes.NewNopLogger()
	}
	if config.Metrics == nil {
		config.Metrics = hermes.NewNoopMetrics()
	}

	return &Ingestor{
		collector: config.Collector,
		maxPages:  config.MaxPages,
		logger:    config.Logger,
		metrics:   config.Metrics,
	}, nil
}

// Run pages through the collector until it returns an empty page, writing the
// header once followed by every row.
func (i *Ingestor) Run(ctx context.Context, w io.Writer) (IngestStats, error) {
	var stats IngestStats
	cw := csv.NewWriter(w)
	offset := 0
	wroteHeader := false

	for {
		page, err := i.collector.FetchPage(ctx, offset)
		if err != nil {
			return stats, fmt.Errorf("page %d: %w", stats.Pages, err)
		}
		if len(page.Rows) == 0 {
			i.logger.Info(ctx, "download complete", map[string]any{
				"pages": stats.Pages,
				"rows":  stats.Rows,
			})
			break
		}

		if !wroteHeader {
			if err := cw.Write(page.Header); err != nil {
				return stats, err
			}
			wroteHeader = true
		}
		if err := cw.WriteAll(page.Rows); err != nil {
			return stats, fmt.Errorf("failed to write page %d: %w", stats.Pages, err)
		}

		stats.Rows += len(page.Rows)
		stats.Pages++
		offset += len(page.Rows)
		i.metrics.IncCounter("persephone_download_rows_total", float64(len(page.Rows)))
		i.logger.Info(ctx, "page written", map[string]any{
			"page":   stats.Pages - 1,
			"rows":   len(page.Rows),
			"offset": offset,
		})

		if stats.Pages > i.maxPages {
			return stats, fmt.Errorf("%w: more than %d pages", ErrPaginationLimit, i.maxPages)
		}
	}

	return stats, nil
}

// IngestTo downloads into a temporary file and stores it under key once the
// download has finished.
func (i *Ingestor) IngestTo(ctx context.Context, store ArtifactStore, key string) (IngestStats, error) {
	tmp, err := os.CreateTemp("", "persephone-raw-*.csv")
	if err != nil {
		return IngestStats{}, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	stats, err := i.Run(ctx, tmp)
	if err != nil {
		return stats, err
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return stats, err
	}
	if err := store.Put(ctx, key, tmp); err != nil {
		return stats, fmt.Errorf("failed to store %s: %w", key, err)
	}
	return stats, nil
}

// PreviewCSV reads the header and up to n rows of a CSV
func PreviewCSV(r io.Reader, n int) ([]string, [][]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil, nil
		}
		return nil, nil, err
	}

	rows := make([][]string, 0, n)
	for len(rows) < n {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return header, rows, err
		}
		rows = append(rows, row)
	}
	return header, rows, nil
}
