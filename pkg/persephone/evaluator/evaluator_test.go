package evaluator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tartarus-sandbox/persephone/pkg/hermes"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

func day(s string) time.Time {
	d, err := time.Parse(persephone.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

// MockPredictor forecasts a fixed value for every day
type MockPredictor struct {
	value    float64
	skip     map[string]bool // Dates left out of the forecast
	fitCalls int
	train    persephone.Series
	horizon  int
}

type mockModel struct {
	start, end time.Time
}

func (m *mockModel) Name() string             { return "mock" }
func (m *mockModel) LastTrainDate() time.Time { return m.end }

func (p *MockPredictor) Fit(ctx context.Context, train persephone.Series) (persephone.Model, error) {
	p.fitCalls++
	p.train = train
	return &mockModel{start: train.Start(), end: train.End()}, nil
}

func (p *MockPredictor) Predict(ctx context.Context, m persephone.Model, horizonDays int) ([]persephone.ForecastPoint, error) {
	p.horizon = horizonDays
	model := m.(*mockModel)
	var out []persephone.ForecastPoint
	for d := model.start; !d.After(model.end.AddDate(0, 0, horizonDays)); d = d.AddDate(0, 0, 1) {
		if p.skip[d.Format(persephone.DateLayout)] {
			continue
		}
		out = append(out, persephone.ForecastPoint{Date: d, Predicted: p.value, Lower: p.value - 1, Upper: p.value + 1})
	}
	return out, nil
}

// MockArtifactStore serves artifacts from memory
type MockArtifactStore struct {
	files map[string][]byte
}

func (m *MockArtifactStore) Put(ctx context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.files[key] = data
	return nil
}

func (m *MockArtifactStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	data, ok := m.files[key]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func constantSeries(start time.Time, days int, value float64) persephone.Series {
	series := make(persephone.Series, days)
	for i := range series {
		series[i] = persephone.DailyPoint{Date: start.AddDate(0, 0, i), Count: value}
	}
	return series
}

func TestCalculateMetrics(t *testing.T) {
	preds := []float64{10, 20, 30}
	actuals := []float64{12, 18, 33}
	lower := []float64{8, 15, 25}
	upper := []float64{15, 25, 35}

	metrics := CalculateMetrics(preds, actuals, lower, upper)

	assert.Equal(t, 3, metrics.N)
	assert.InDelta(t, 7.0/3.0, metrics.MAE, 1e-9)
	assert.Equal(t, 100.0, metrics.Coverage)
	assert.Equal(t, 3, metrics.MAPEPoints)
}

func TestCalculateMetrics_ZeroActualsExcludedFromMAPE(t *testing.T) {
	metrics := CalculateMetrics([]float64{12, 1, 18}, []float64{10, 0, 20}, nil, nil)

	assert.InDelta(t, 1.6667, metrics.MAE, 1e-4)
	assert.InDelta(t, 15.0, metrics.MAPE, 1e-9)
	assert.Equal(t, 3, metrics.N)
	assert.Equal(t, 2, metrics.MAPEPoints)
	assert.LessOrEqual(t, metrics.MAPEPoints, metrics.N)
	assert.True(t, math.IsNaN(metrics.Coverage))
}

func TestCalculateMetrics_AllZeroActuals(t *testing.T) {
	metrics := CalculateMetrics([]float64{1, 2}, []float64{0, 0}, nil, nil)

	assert.Equal(t, 1.5, metrics.MAE)
	assert.Equal(t, 0, metrics.MAPEPoints)
	assert.True(t, math.IsNaN(metrics.MAPE))
}

func TestEvaluate_Scenario(t *testing.T) {
	test := persephone.Series{
		{Date: day("2023-01-01"), Count: 10},
		{Date: day("2023-01-02"), Count: 0},
		{Date: day("2023-01-03"), Count: 20},
	}
	forecast := []persephone.ForecastPoint{
		{Date: day("2023-01-01"), Predicted: 12},
		{Date: day("2023-01-02"), Predicted: 1},
		{Date: day("2023-01-03"), Predicted: 18},
	}

	eval, err := Evaluate(test, forecast)
	require.NoError(t, err)

	assert.InDelta(t, 5.0/3.0, eval.Metrics.MAE, 1e-9)
	assert.InDelta(t, 15.0, eval.Metrics.MAPE, 1e-9)
	assert.Equal(t, 3, eval.Metrics.N)
	assert.Equal(t, 2, eval.Metrics.MAPEPoints)
	assert.Empty(t, eval.Missing)
}

func TestEvaluate_MissingDatesAreCounted(t *testing.T) {
	test := persephone.Series{
		{Date: day("2023-02-01"), Count: 10},
		{Date: day("2023-02-02"), Count: 20},
		{Date: day("2023-02-03"), Count: 30},
	}
	forecast := []persephone.ForecastPoint{
		{Date: day("2023-02-01"), Predicted: 10},
		{Date: day("2023-02-03"), Predicted: 33},
		{Date: day("2023-02-04"), Predicted: 99},
	}

	eval, err := Evaluate(test, forecast)
	require.NoError(t, err)

	assert.Equal(t, []time.Time{day("2023-02-02")}, eval.Missing)
	assert.Equal(t, 2, eval.Metrics.N)
	assert.InDelta(t, 1.5, eval.Metrics.MAE, 1e-9)
}

func TestEvaluate_JoinsOnCalendarDay(t *testing.T) {
	est := time.FixedZone("EST", -5*60*60)
	test := persephone.Series{
		{Date: time.Date(2023, 1, 1, 0, 0, 0, 0, est), Count: 10},
		{Date: time.Date(2023, 1, 2, 0, 0, 0, 0, est), Count: 20},
	}
	forecast := []persephone.ForecastPoint{
		{Date: day("2023-01-01"), Predicted: 12},
		{Date: day("2023-01-02"), Predicted: 20},
	}

	eval, err := Evaluate(test, forecast)
	require.NoError(t, err)

	assert.Equal(t, 2, eval.Metrics.N)
	assert.Empty(t, eval.Missing)
	assert.Equal(t, []time.Time{day("2023-01-01"), day("2023-01-02")}, eval.Dates)
	assert.InDelta(t, 1.0, eval.Metrics.MAE, 1e-9)
}

func TestEvaluate_EmptyJoin(t *testing.T) {
	test := persephone.Series{{Date: day("2023-03-01"), Count: 5}}
	forecast := []persephone.ForecastPoint{{Date: day("2023-01-01"), Predicted: 5}}

	_, err := Evaluate(test, forecast)
	require.Error(t, err)
	assert.True(t, errors.Is(err, persephone.ErrEmptyJoin))
}

func TestBacktester(t *testing.T) {
	series := constantSeries(day("2023-01-01"), 40, 100)
	series[39].Count = 110

	predictor := &MockPredictor{value: 100}
	tester := NewBacktester(predictor, nil, nil)

	report, err := tester.Run(context.Background(), series, BacktestConfig{TestDays: 15, MinLookback: 10})
	require.NoError(t, err)

	result := report.Result
	assert.Equal(t, 1, predictor.fitCalls)
	assert.Len(t, predictor.train, 25)
	assert.Equal(t, 15, predictor.horizon)

	assert.Equal(t, day("2023-01-01"), result.TrainStart)
	assert.Equal(t, day("2023-01-25"), result.TrainEnd)
	assert.Equal(t, day("2023-01-26"), result.TestStart)
	assert.Equal(t, day("2023-02-09"), result.TestEnd)
	assert.Equal(t, 15, result.TestDays)
	assert.Equal(t, 15, result.Joined)
	assert.Equal(t, 0, result.Missing)
	assert.InDelta(t, 10.0/15.0, result.MAE, 1e-9)
	assert.NotEmpty(t, result.RunID)
	assert.Equal(t, "mock", result.Model)

	// Training never sees a test date
	assert.True(t, predictor.train.End().Before(report.Split.Test.Start()))

	assert.InDelta(t, math.Sqrt(100.0/15.0), report.Evaluation.Metrics.RMSE, 1e-9)
	assert.InDelta(t, 14.0/15.0*100, report.Evaluation.Metrics.Coverage, 1e-9)

	// 2023-02-09 is a Thursday, the only day off by 10
	thursday := report.DailyMetrics[time.Thursday]
	assert.Equal(t, 2, thursday.N)
	assert.InDelta(t, 5.0, thursday.MAE, 1e-9)
	assert.InDelta(t, 50.0, thursday.Coverage, 1e-9)
	assert.Equal(t, 0.0, report.DailyMetrics[time.Monday].MAE)
}

func TestBacktester_LogsErrorBreakdown(t *testing.T) {
	var buf bytes.Buffer
	logger := hermes.NewSlogAdapter(hermes.NewLogger(&buf, slog.LevelInfo))

	series := constantSeries(day("2023-01-01"), 30, 50)
	_, err := NewBacktester(&MockPredictor{value: 50}, logger, nil).Run(context.Background(), series, BacktestConfig{TestDays: 5, MinLookback: 10})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, `"msg":"backtest complete"`)
	assert.Contains(t, out, `"rmse":0`)
	assert.Contains(t, out, `"coverage_percent":100`)
}

func TestBacktester_ForecastGapsAreReported(t *testing.T) {
	series := constantSeries(day("2023-01-01"), 30, 50)
	predictor := &MockPredictor{value: 50, skip: map[string]bool{"2023-01-28": true, "2023-01-29": true}}

	report, err := NewBacktester(predictor, nil, nil).Run(context.Background(), series, BacktestConfig{TestDays: 5, MinLookback: 10})
	require.NoError(t, err)

	assert.Equal(t, 2, report.Result.Missing)
	assert.Equal(t, 3, report.Result.Joined)
	assert.Equal(t, 0.0, report.Result.MAE)
}

func TestBacktester_GappedTestWindowWidensHorizon(t *testing.T) {
	series := constantSeries(day("2023-01-01"), 20, 10)
	// Drop two days inside the trailing window
	series = append(series[:17], series[19:]...)
	require.Len(t, series, 18)

	predictor := &MockPredictor{value: 10}
	report, err := NewBacktester(predictor, nil, nil).Run(context.Background(), series, BacktestConfig{TestDays: 3, MinLookback: 5})
	require.NoError(t, err)

	assert.Equal(t, 5, predictor.horizon)
	assert.Equal(t, 3, report.Result.Joined)
	assert.Equal(t, 0, report.Result.Missing)
}

func TestBacktester_InsufficientData(t *testing.T) {
	series := constantSeries(day("2023-01-01"), 5, 1)
	predictor := &MockPredictor{value: 1}

	_, err := NewBacktester(predictor, nil, nil).Run(context.Background(), series, BacktestConfig{TestDays: 10, MinLookback: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, persephone.ErrInsufficientData)
	assert.Equal(t, 0, predictor.fitCalls)
}

func TestBacktester_RunFrom(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, persephone.WriteSeriesCSV(&buf, constantSeries(day("2023-01-01"), 30, 7)))
	store := &MockArtifactStore{files: map[string][]byte{"series.csv": buf.Bytes()}}

	tester := NewBacktester(persephone.NewHybridForecaster(), nil, nil)
	report, err := tester.RunFrom(context.Background(), store, "series.csv", BacktestConfig{TestDays: 15, MinLookback: 10})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, report.Result.MAE, 1e-9)
	assert.InDelta(t, 0.0, report.Result.MAPEPercent, 1e-9)

	_, err = tester.RunFrom(context.Background(), store, "missing.csv", BacktestConfig{TestDays: 15, MinLookback: 10})
	assert.ErrorIs(t, err, persephone.ErrSourceNotFound)
	assert.Contains(t, err.Error(), "missing.csv")
}

func TestWriteMetricsCSV(t *testing.T) {
	result := &persephone.BacktestResult{
		TrainStart:  day("2023-01-01"),
		TrainEnd:    day("2023-03-16"),
		TestStart:   day("2023-03-17"),
		TestEnd:     day("2023-03-31"),
		TestDays:    15,
		MAE:         1234.5,
		MAPEPercent: 3.25,
	}

	var buf bytes.Buffer
	require.NoError(t, WriteMetricsCSV(&buf, result))
	assert.Equal(t,
		"train_start,train_end,test_start,test_end,test_days,mae,mape_percent\n"+
			"2023-01-01,2023-03-16,2023-03-17,2023-03-31,15,1234.5,3.25\n",
		buf.String())

	result.MAPEPercent = math.NaN()
	buf.Reset()
	require.NoError(t, WriteMetricsCSV(&buf, result))
	assert.True(t, strings.HasSuffix(buf.String(), ",1234.5,\n"))
}

func TestSaveMetrics(t *testing.T) {
	store := &MockArtifactStore{files: map[string][]byte{}}
	result := &persephone.BacktestResult{TestDays: 1, MAE: 1, MAPEPercent: 2}

	require.NoError(t, SaveMetrics(context.Background(), store, "reports/metrics/backtest_metrics.csv", result))
	assert.Contains(t, string(store.files["reports/metrics/backtest_metrics.csv"]), "test_days,mae,mape_percent")
}

func TestWriteWeekdayMetricsCSV(t *testing.T) {
	// 2023-01-02 is a Monday
	test := persephone.Series{
		{Date: day("2023-01-02"), Count: 10},
		{Date: day("2023-01-03"), Count: 0},
		{Date: day("2023-01-09"), Count: 10},
	}
	forecast := []persephone.ForecastPoint{
		{Date: day("2023-01-02"), Predicted: 12, Lower: 8, Upper: 14},
		{Date: day("2023-01-03"), Predicted: 1, Lower: 0, Upper: 2},
		{Date: day("2023-01-09"), Predicted: 8, Lower: 11, Upper: 15},
	}
	eval, err := Evaluate(test, forecast)
	require.NoError(t, err)
	report := NewEvaluationReport(&persephone.BacktestResult{}, persephone.Split{Test: test}, forecast, eval)

	var buf bytes.Buffer
	require.NoError(t, WriteWeekdayMetricsCSV(&buf, report))
	assert.Equal(t,
		"weekday,days,mae,rmse,mape_percent,coverage_percent\n"+
			"Monday,2,2,2,20,50\n"+
			"Tuesday,1,1,1,,100\n",
		buf.String())

	store := &MockArtifactStore{files: map[string][]byte{}}
	require.NoError(t, SaveWeekdayMetrics(context.Background(), store, "reports/metrics/backtest_by_weekday.csv", report))
	assert.Equal(t, buf.String(), string(store.files["reports/metrics/backtest_by_weekday.csv"]))
}

func TestRenderComponentsPlot(t *testing.T) {
	series := constantSeries(day("2023-01-01"), 28, 100)
	for i := range series {
		if series[i].Date.Weekday() == time.Saturday {
			series[i].Count = 170
		}
	}
	pattern := persephone.AnalyzeWeekdays(series)

	plot := RenderComponentsPlot(pattern, PlotOptions{Width: 28, Height: 6})
	assert.Contains(t, plot, "Weekly component")
	assert.Contains(t, plot, "Saturday")
	assert.Contains(t, plot, "+60.00")
	assert.Contains(t, plot, "Monday")
	assert.Contains(t, plot, "-10.00")

	assert.Equal(t, "No data available\n", RenderComponentsPlot(persephone.WeekdayPattern{}, PlotOptions{}))
}

func TestRenderPlots(t *testing.T) {
	series := constantSeries(day("2023-01-01"), 30, 20)
	for i := range series {
		series[i].Count += float64(i % 7)
	}

	report, err := NewBacktester(persephone.NewHybridForecaster(), nil, nil).Run(context.Background(), series, BacktestConfig{TestDays: 7, MinLookback: 10})
	require.NoError(t, err)

	plot := RenderBacktestPlot(report, PlotOptions{Width: 40, Height: 8})
	assert.Contains(t, plot, "actual vs predicted")
	assert.Greater(t, strings.Count(plot, "\n"), 8)

	forecast := RenderForecastPlot(series, report.Forecast, PlotOptions{})
	assert.Contains(t, forecast, "2023-01-01..2023-01-30")

	assert.Equal(t, "No data available\n", RenderBacktestPlot(nil, PlotOptions{}))
	assert.Equal(t, "No data available\n", RenderForecastPlot(series, nil, PlotOptions{}))
}
