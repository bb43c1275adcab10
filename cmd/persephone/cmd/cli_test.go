package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

func executeCommand(root *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.Execute()
	return buf.String(), err
}

// writeConfig creates a config rooted in a fresh directory
func writeConfig(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	content := fmt.Sprintf(`
log:
  level: warn
artifacts:
  backend: local
  root: %[1]s
runs:
  backend: local
  dir: %[1]s/runs
metrics:
  textfile: %[1]s/persephone.prom
%[2]s`, dir, extra)

	path := filepath.Join(dir, "persephone.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return dir, path
}

// writeRawTrips writes days of trips starting 2023-01-01, with 10 + day%7
// pickups per day and one unparseable row
func writeRawTrips(t *testing.T, dir string, days int) int {
	t.Helper()
	var b strings.Builder
	b.WriteString("VendorID,tpep_pickup_datetime,fare_amount\n")
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := 0
	for d := 0; d < days; d++ {
		for i := 0; i < 10+d%7; i++ {
			ts := start.AddDate(0, 0, d).Add(time.Duration(i) * time.Hour)
			fmt.Fprintf(&b, "1,%s,12.5\n", ts.Format("2006-01-02T15:04:05.000"))
			rows++
		}
	}
	b.WriteString("2,N/A,3.0\n")

	path := filepath.Join(dir, "data", "raw", "yellow_taxi_2023_jan_mar.csv")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
	return rows
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestPipeline(t *testing.T) {
	dir, cfgPath := writeConfig(t, "")
	writeRawTrips(t, dir, 40)

	out, err := executeCommand(rootCmd, "--config", cfgPath, "build")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote 40 days")
	assert.Contains(t, out, "1 dropped")

	series := readLines(t, filepath.Join(dir, "data", "processed", "daily_trip_count.csv"))
	require.Len(t, series, 41)
	assert.Equal(t, "ds,y", series[0])
	assert.Equal(t, "2023-01-01,10", series[1])
	assert.Equal(t, "2023-01-02,11", series[2])

	out, err = executeCommand(rootCmd, "--config", cfgPath, "evaluate")
	require.NoError(t, err, out)
	assert.Regexp(t, `MAE=\d+\.\d{2} MAPE=\d+\.\d{2}%`, out)

	metrics := readLines(t, filepath.Join(dir, "reports", "metrics", "backtest_metrics.csv"))
	require.Len(t, metrics, 2)
	assert.Equal(t, "train_start,train_end,test_start,test_end,test_days,mae,mape_percent", metrics[0])
	assert.True(t, strings.HasPrefix(metrics[1], "2023-01-01,2023-01-25,2023-01-26,2023-02-09,15,"))

	weekdays := readLines(t, filepath.Join(dir, "reports", "metrics", "backtest_by_weekday.csv"))
	require.Len(t, weekdays, 8)
	assert.Equal(t, "weekday,days,mae,rmse,mape_percent,coverage_percent", weekdays[0])
	assert.True(t, strings.HasPrefix(weekdays[1], "Monday,2,"))

	plot, err := os.ReadFile(filepath.Join(dir, "reports", "figures", "backtest_actual_vs_pred.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(plot), "actual vs predicted")

	history, err := os.ReadFile(filepath.Join(dir, "runs", "backtest_runs.json"))
	require.NoError(t, err)
	var runs []*persephone.BacktestResult
	require.NoError(t, json.Unmarshal(history, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, 15, runs[0].TestDays)

	textfile, err := os.ReadFile(filepath.Join(dir, "persephone.prom"))
	require.NoError(t, err)
	assert.Contains(t, string(textfile), "persephone_backtest_mae")

	out, err = executeCommand(rootCmd, "--config", cfgPath, "forecast")
	require.NoError(t, err, out)
	assert.Contains(t, out, "through 2023-03-11")

	forecast := readLines(t, filepath.Join(dir, "data", "processed", "forecast_30d.csv"))
	assert.Len(t, forecast, 1+40+30)
	assert.Equal(t, "ds,yhat,yhat_lower,yhat_upper", forecast[0])

	_, err = os.Stat(filepath.Join(dir, "reports", "figures", "forecast.txt"))
	assert.NoError(t, err)

	components, err := os.ReadFile(filepath.Join(dir, "reports", "figures", "forecast_components.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(components), "Weekly component")
	assert.Contains(t, string(components), "Sunday")
}

func TestBuild_SourceNotFound(t *testing.T) {
	_, cfgPath := writeConfig(t, "")

	out, err := executeCommand(rootCmd, "--config", cfgPath, "build")
	require.Error(t, err)
	assert.ErrorIs(t, err, persephone.ErrSourceNotFound)
	assert.Contains(t, out, "yellow_taxi_2023_jan_mar.csv")
}

func TestEvaluate_InsufficientData(t *testing.T) {
	dir, cfgPath := writeConfig(t, "evaluate:\n  test_days: 35\n")
	writeRawTrips(t, dir, 40)

	_, err := executeCommand(rootCmd, "--config", cfgPath, "build")
	require.NoError(t, err)

	_, err = executeCommand(rootCmd, "--config", cfgPath, "evaluate")
	require.Error(t, err)
	assert.ErrorIs(t, err, persephone.ErrInsufficientData)

	_, err = os.Stat(filepath.Join(dir, "reports", "metrics", "backtest_metrics.csv"))
	assert.True(t, os.IsNotExist(err))
}

func TestDownload(t *testing.T) {
	const total = 7
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "/4b4i-vvec.csv", r.URL.Path)
		assert.Contains(t, q.Get("$where"), "tpep_pickup_datetime >= '2023-01-01T00:00:00'")

		limit, _ := strconv.Atoi(q.Get("$limit"))
		offset, _ := strconv.Atoi(q.Get("$offset"))
		fmt.Fprintln(w, `"tpep_pickup_datetime"`)
		for i := offset; i < total && i < offset+limit; i++ {
			fmt.Fprintf(w, "\"2023-01-0%dT08:00:00.000\"\n", i%2+1)
		}
	}))
	defer srv.Close()

	dir, cfgPath := writeConfig(t, fmt.Sprintf("download:\n  base_url: %s\n  page_size: 3\n  requests_per_second: 1000\n", srv.URL))

	out, err := executeCommand(rootCmd, "--config", cfgPath, "download")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Wrote 7 rows in 3 pages")
	assert.Equal(t, int32(4), requests.Load())

	raw := readLines(t, filepath.Join(dir, "data", "raw", "yellow_taxi_2023_jan_mar.csv"))
	assert.Len(t, raw, 1+total)
	assert.Equal(t, "tpep_pickup_datetime", raw[0])

	out, err = executeCommand(rootCmd, "--config", cfgPath, "download")
	require.NoError(t, err)
	assert.Contains(t, out, "already exists")
	assert.Equal(t, int32(4), requests.Load())
}

func TestConfig(t *testing.T) {
	_, cfgPath := writeConfig(t, "forecast:\n  horizon_days: 45\n")

	out, err := executeCommand(rootCmd, "--config", cfgPath, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "test_days: 15")
	assert.Contains(t, out, "horizon_days: 45")
	assert.NotContains(t, out, "secret_key")

	out, err = executeCommand(rootCmd, "--config", cfgPath, "config", "get", "forecast.horizon_days")
	require.NoError(t, err)
	assert.Equal(t, "45\n", out)

	out, err = executeCommand(rootCmd, "--config", cfgPath, "config", "get", "nothing.here")
	require.NoError(t, err)
	assert.Equal(t, "Not set\n", out)
}

func TestConfig_Invalid(t *testing.T) {
	_, cfgPath := writeConfig(t, "evaluate:\n  test_days: 0\n")

	_, err := executeCommand(rootCmd, "--config", cfgPath, "config", "view")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "evaluate.test_days must be positive")
}
