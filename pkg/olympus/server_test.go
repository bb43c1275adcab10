package olympus

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/persephone/pkg/hermes"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

// MockRunStore serves canned results
type MockRunStore struct {
	results []*persephone.BacktestResult
	err     error
	asked   []int
}

func (m *MockRunStore) Save(ctx context.Context, result *persephone.BacktestResult) error {
	m.results = append(m.results, result)
	return nil
}

func (m *MockRunStore) Recent(ctx context.Context, count int) ([]*persephone.BacktestResult, error) {
	m.asked = append(m.asked, count)
	if m.err != nil {
		return nil, m.err
	}
	if len(m.results) <= count {
		return m.results, nil
	}
	return m.results[len(m.results)-count:], nil
}

func (m *MockRunStore) Prune(ctx context.Context, retentionDays int) error { return nil }
func (m *MockRunStore) Close() error                                       { return nil }

func result(id string, mape float64) *persephone.BacktestResult {
	day := time.Date(2023, 3, 17, 0, 0, 0, 0, time.UTC)
	return &persephone.BacktestResult{
		RunID:       id,
		RunAt:       time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		TrainStart:  day.AddDate(0, 0, -75),
		TrainEnd:    day.AddDate(0, 0, -1),
		TestStart:   day,
		TestEnd:     day.AddDate(0, 0, 14),
		TestDays:    15,
		MAE:         1500,
		MAPEPercent: mape,
	}
}

func do(t *testing.T, h http.Handler, path, auth string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestServer_Health(t *testing.T) {
	srv, err := NewServer(ServerConfig{Runs: &MockRunStore{}})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestServer_Runs(t *testing.T) {
	store := &MockRunStore{results: []*persephone.BacktestResult{
		result("a", 4.2),
		result("b", 3.1),
		result("c", 2.0),
	}}
	srv, err := NewServer(ServerConfig{Runs: store})
	require.NoError(t, err)
	h := srv.Handler()

	rec := do(t, h, "/runs?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int                         `json:"count"`
		Runs  []persephone.BacktestResult `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, "b", body.Runs[0].RunID)
	assert.Equal(t, "2023-03-31", body.Runs[1].TestEnd.Format(persephone.DateLayout))

	do(t, h, "/runs", "")
	do(t, h, "/runs?limit=100000", "")
	assert.Equal(t, []int{2, defaultRunLimit, maxRunLimit}, store.asked)

	for _, bad := range []string{"0", "-3", "ten"} {
		rec := do(t, h, "/runs?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, bad)
	}
}

func TestServer_LatestRun(t *testing.T) {
	store := &MockRunStore{}
	srv, err := NewServer(ServerConfig{Runs: store})
	require.NoError(t, err)
	h := srv.Handler()

	rec := do(t, h, "/runs/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	store.results = []*persephone.BacktestResult{result("first", 3), result("last", 0)}
	store.results[1].MAPEPercent = math.NaN()

	rec = do(t, h, "/runs/latest", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"run_id":"last"`)
	assert.Contains(t, rec.Body.String(), `"mape_percent":null`)
}

func TestServer_StoreFailure(t *testing.T) {
	srv, err := NewServer(ServerConfig{Runs: &MockRunStore{err: errors.New("redis down")}})
	require.NoError(t, err)

	rec := do(t, srv.Handler(), "/runs", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "redis down")
}

func TestServer_BearerAuth(t *testing.T) {
	srv, err := NewServer(ServerConfig{Runs: &MockRunStore{}, APIKey: "secret-key"})
	require.NoError(t, err)
	h := srv.Handler()

	tests := []struct {
		name   string
		path   string
		auth   string
		status int
	}{
		{"valid key", "/runs", "Bearer secret-key", http.StatusOK},
		{"missing header", "/runs", "", http.StatusUnauthorized},
		{"basic scheme", "/runs", "Basic secret-key", http.StatusUnauthorized},
		{"wrong key", "/runs/latest", "Bearer wrong-key", http.StatusUnauthorized},
		{"health is open", "/health", "", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, tt.path, tt.auth)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestServer_Metrics(t *testing.T) {
	metrics := hermes.NewPrometheusMetrics(nil)
	srv, err := NewServer(ServerConfig{Runs: &MockRunStore{}, Metrics: metrics})
	require.NoError(t, err)
	h := srv.Handler()

	do(t, h, "/health", "")
	rec := do(t, h, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "persephone_http_request_duration_seconds"))
}

func TestNewServer_RequiresStore(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	assert.Error(t, err)
}

func TestServer_RunShutsDown(t *testing.T) {
	srv, err := NewServer(ServerConfig{Runs: &MockRunStore{}})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
