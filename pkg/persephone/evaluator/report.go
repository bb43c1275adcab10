package evaluator

import (
	"context"
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

// MetricsHeader is the column layout of the backtest metrics file
var MetricsHeader = []string{"train_start", "train_end", "test_start", "test_end", "test_days", "mae", "mape_percent"}

// EvaluationReport contains the results of a backtest
type EvaluationReport struct {
	GeneratedAt time.Time
	Result      *persephone.BacktestResult
	Split       persephone.Split
	Forecast    []persephone.ForecastPoint
	Evaluation  *Evaluation

	// Error breakdown of the joined test days by weekday
	DailyMetrics map[time.Weekday]MetricResult
}

// NewEvaluationReport assembles a report and derives the weekday breakdown
func NewEvaluationReport(result *persephone.BacktestResult, split persephone.Split, forecast []persephone.ForecastPoint, eval *Evaluation) *EvaluationReport {
	report := &EvaluationReport{
		GeneratedAt:  time.Now(),
		Result:       result,
		Split:        split,
		Forecast:     forecast,
		Evaluation:   eval,
		DailyMetrics: make(map[time.Weekday]MetricResult),
	}
	if eval == nil {
		return report
	}

	preds := make(map[time.Weekday][]float64)
	actuals := make(map[time.Weekday][]float64)
	lower := make(map[time.Weekday][]float64)
	upper := make(map[time.Weekday][]float64)
	for i, d := range eval.Dates {
		wd := d.Weekday()
		p := eval.Predictions[i]
		preds[wd] = append(preds[wd], p.Predicted)
		actuals[wd] = append(actuals[wd], eval.Actuals[i])
		lower[wd] = append(lower[wd], p.Lower)
		upper[wd] = append(upper[wd], p.Upper)
	}
	for wd := range preds {
		report.DailyMetrics[wd] = CalculateMetrics(preds[wd], actuals[wd], lower[wd], upper[wd])
	}
	return report
}

// WeekdayMetricsHeader is the column layout of the per-weekday breakdown
var WeekdayMetricsHeader = []string{"weekday", "days", "mae", "rmse", "mape_percent", "coverage_percent"}

// weekOrder lists weekdays Monday first
var weekOrder = []time.Weekday{
	time.Monday, time.Tuesday, time.Wednesday, time.Thursday,
	time.Friday, time.Saturday, time.Sunday,
}

// WriteWeekdayMetricsCSV writes one row per weekday present in the joined
// test window, Monday first. Undefined metrics are empty cells.
func WriteWeekdayMetricsCSV(w io.Writer, report *EvaluationReport) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(WeekdayMetricsHeader); err != nil {
		return err
	}
	for _, wd := range weekOrder {
		m, ok := report.DailyMetrics[wd]
		if !ok {
			continue
		}
		row := []string{
			wd.String(),
			strconv.Itoa(m.N),
			formatMetric(m.MAE),
			formatMetric(m.RMSE),
			formatMetric(m.MAPE),
			formatMetric(m.Coverage),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveWeekdayMetrics persists the weekday breakdown under key
func SaveWeekdayMetrics(ctx context.Context, store persephone.ArtifactStore, key string, report *EvaluationReport) error {
	return persephone.PutArtifact(ctx, store, key, func(w io.Writer) error {
		return WriteWeekdayMetricsCSV(w, report)
	})
}

func formatMetric(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return ""
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteMetricsCSV writes the single-row metrics table. An undefined MAPE is
// written as an empty cell.
func WriteMetricsCSV(w io.Writer, result *persephone.BacktestResult) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(MetricsHeader); err != nil {
		return err
	}
	row := []string{
		result.TrainStart.Format(persephone.DateLayout),
		result.TrainEnd.Format(persephone.DateLayout),
		result.TestStart.Format(persephone.DateLayout),
		result.TestEnd.Format(persephone.DateLayout),
		strconv.Itoa(result.TestDays),
		formatMetric(result.MAE),
		formatMetric(result.MAPEPercent),
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// SaveMetrics persists the metrics table under key
func SaveMetrics(ctx context.Context, store persephone.ArtifactStore, key string, result *persephone.BacktestResult) error {
	return persephone.PutArtifact(ctx, store, key, func(w io.Writer) error {
		return WriteMetricsCSV(w, result)
	})
}
