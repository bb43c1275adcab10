package persephone

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Page is one chunk of raw trip rows
type Page struct {
	Header []string
	Rows   [][]string
}

// PageCollector fetches raw trip rows in offset-addressed pages. An empty
// page marks the end of the data.
type PageCollector interface {
	FetchPage(ctx context.Context, offset int) (*Page, error)
}

// SocrataConfig describes a SODA CSV export query
type SocrataConfig struct {
	BaseURL       string // Defaults to https://data.cityofnewyork.us/resource
	DatasetID     string
	TimeColumn    string
	SelectColumns []string // Defaults to TimeColumn only
	Start         string   // Inclusive, SODA floating timestamp
	End           string   // Inclusive, SODA floating timestamp
	PageSize      int
	AppToken      string

	Timeout           time.Duration
	RequestsPerSecond float64
	MaxAttempts       int
	InitialBackoff    time.Duration
}

// SocrataCollector pages through a Socrata dataset filtered to a time window
type SocrataCollector struct {
	client  *http.Client
	limiter *rate.Limiter
	cfg     SocrataConfig
}

// NewSocrataCollector creates a collector, filling unset fields with the
// defaults of the yellow taxi export
func NewSocrataCollector(cfg SocrataConfig) (*SocrataCollector, error) {
	if cfg.DatasetID == "" {
		return nil, fmt.Errorf("%w: dataset id is required", ErrInvalidConfig)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://data.cityofnewyork.us/resource"
	}
	if cfg.TimeColumn == "" {
		cfg.TimeColumn = DefaultPickupColumn
	}
	if len(cfg.SelectColumns) == 0 {
		cfg.SelectColumns = []string{cfg.TimeColumn}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}

	return &SocrataCollector{
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		cfg:     cfg,
	}, nil
}

// PageURL renders the request for the page starting at offset
func (c *SocrataCollector) PageURL(offset int) string {
	where := fmt.Sprintf("%s >= '%s' AND %s <= '%s'", c.cfg.TimeColumn, c.cfg.Start, c.cfg.TimeColumn, c.cfg.End)

	params := url.Values{}
	params.Set("$select", strings.Join(c.cfg.SelectColumns, ","))
	if c.cfg.Start != "" && c.cfg.End != "" {
		params.Set("$where", where)
	}
	params.Set("$order", c.cfg.TimeColumn)
	params.Set("$limit", strconv.Itoa(c.cfg.PageSize))
	params.Set("$offset", strconv.Itoa(offset))

	return fmt.Sprintf("%s/%s.csv?%s", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.DatasetID, params.Encode())
}

// PageSize is the row limit requested per page
func (c *SocrataCollector) PageSize() int {
	return c.cfg.PageSize
}

// FetchPage downloads one page, retrying transient failures with
// exponential backoff.
func (c *SocrataCollector) FetchPage(ctx context.Context, offset int) (*Page, error) {
	pageURL := c.PageURL(offset)

	var lastErr error
	backoff := c.cfg.InitialBackoff
	for attempt := 0; attempt < c.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		page, err := c.fetch(ctx, pageURL)
		if err == nil {
			return page, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, perm.err
		}
	}

	return nil, fmt.Errorf("failed to fetch page at offset %d after %d attempts: %w", offset, c.cfg.MaxAttempts, lastErr)
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (c *SocrataCollector) fetch(ctx context.Context, pageURL string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, &permanentError{err: fmt.Errorf("failed to build request: %w", err)}
	}
	req.Header.Set("Accept", "text/csv")
	if c.cfg.AppToken != "" {
		req.Header.Set("X-App-Token", c.cfg.AppToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		statusErr := fmt.Errorf("socrata returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, statusErr
		}
		return nil, &permanentError{err: statusErr}
	}

	return parsePage(resp.Body)
}

func parsePage(r io.Reader) (*Page, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Page{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse page header: %w", err)
	}

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse page rows: %w", err)
	}

	return &Page{Header: header, Rows: rows}, nil
}
