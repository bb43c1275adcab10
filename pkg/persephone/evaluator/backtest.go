package evaluator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/tartarus-sandbox/persephone/pkg/hermes"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

// Evaluation is the join of a test window against a forecast
type Evaluation struct {
	Dates       []time.Time
	Actuals     []float64
	Predictions []persephone.ForecastPoint

	// Missing lists test dates the forecast did not cover
	Missing []time.Time

	Metrics MetricResult
}

// Evaluate inner-joins the test points to the forecast on date and scores the
// overlap. Test dates without a prediction are reported in Missing and left
// out of every metric.
func Evaluate(test persephone.Series, forecast []persephone.ForecastPoint) (*Evaluation, error) {
	byDate := make(map[time.Time]persephone.ForecastPoint, len(forecast))
	for _, p := range forecast {
		day := persephone.Day(p.Date)
		if _, dup := byDate[day]; !dup {
			byDate[day] = p
		}
	}

	eval := &Evaluation{}
	var preds, lower, upper []float64
	for _, point := range test {
		d := persephone.Day(point.Date)
		p, ok := byDate[d]
		if !ok {
			eval.Missing = append(eval.Missing, d)
			continue
		}
		eval.Dates = append(eval.Dates, d)
		eval.Actuals = append(eval.Actuals, point.Count)
		eval.Predictions = append(eval.Predictions, p)
		preds = append(preds, p.Predicted)
		lower = append(lower, p.Lower)
		upper = append(upper, p.Upper)
	}

	if len(eval.Dates) == 0 {
		return nil, &persephone.DataError{Op: "evaluate", Count: len(test), Err: persephone.ErrEmptyJoin}
	}

	eval.Metrics = CalculateMetrics(preds, eval.Actuals, lower, upper)
	return eval, nil
}

// NewResult records an evaluation together with the split it was run on
func NewResult(split persephone.Split, eval *Evaluation, model string, runAt time.Time) *persephone.BacktestResult {
	return &persephone.BacktestResult{
		RunID:       uuid.NewString(),
		RunAt:       runAt.UTC(),
		Model:       model,
		TrainStart:  split.Train.Start(),
		TrainEnd:    split.Train.End(),
		TestStart:   split.Test.Start(),
		TestEnd:     split.Test.End(),
		TestDays:    len(split.Test),
		MAE:         eval.Metrics.MAE,
		MAPEPercent: eval.Metrics.MAPE,
		Joined:      eval.Metrics.N,
		Missing:     len(eval.Missing),
		MAPEPoints:  eval.Metrics.MAPEPoints,
	}
}

// BacktestConfig controls the holdout window
type BacktestConfig struct {
	TestDays    int
	MinLookback int
}

// Backtester fits a predictor on everything but the trailing test window and
// scores its forecast of that window
type Backtester struct {
	predictor persephone.Predictor
	logger    hermes.Logger
	metrics   hermes.Metrics
	now       func() time.Time
}

// NewBacktester creates a new backtester. Nil logger and metrics are
// replaced by no-ops.
func NewBacktester(predictor persephone.Predictor, logger hermes.Logger, metrics hermes.Metrics) *Backtester {
	if logger == nil {
		logger = hermes.NewNopLogger()
	}
	if metrics == nil {
		metrics = hermes.NewNoopMetrics()
	}
	return &Backtester{
		predictor: predictor,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
}

// RunFrom loads and validates the series artifact, then runs the backtest
func (b *Backtester) RunFrom(ctx context.Context, store persephone.ArtifactStore, key string, cfg BacktestConfig) (*EvaluationReport, error) {
	series, stats, err := persephone.LoadSeriesFrom(ctx, store, key, persephone.LoadOptions{
		TestDays:    cfg.TestDays,
		MinLookback: cfg.MinLookback,
	})
	if err != nil {
		return nil, err
	}

	b.logger.Info(ctx, "series loaded", map[string]any{
		"path":       key,
		"rows":       stats.TotalRows,
		"kept":       stats.Kept,
		"dropped":    stats.DroppedRows,
		"duplicates": stats.DuplicateRows,
	})
	b.metrics.IncCounter("persephone_load_dropped_rows_total", float64(stats.DroppedRows+stats.DuplicateRows))

	return b.Run(ctx, series, cfg)
}

// Run splits the series, fits on the training prefix, forecasts through the
// end of the test window and evaluates the overlap.
func (b *Backtester) Run(ctx context.Context, series persephone.Series, cfg BacktestConfig) (*EvaluationReport, error) {
	split, err := persephone.SplitSeries(series, cfg.TestDays, cfg.MinLookback)
	if err != nil {
		return nil, err
	}

	started := b.now()
	model, err := b.predictor.Fit(ctx, split.Train)
	if err != nil {
		return nil, fmt.Errorf("failed to fit model: %w", err)
	}

	// Gaps in the test window push its last date past TestDays calendar days
	horizon := cfg.TestDays
	if span := persephone.DaysBetween(split.Train.End(), split.Test.End()); span > horizon {
		horizon = span
	}

	forecast, err := b.predictor.Predict(ctx, model, horizon)
	if err != nil {
		return nil, fmt.Errorf("failed to predict: %w", err)
	}
	b.metrics.ObserveHistogram("persephone_backtest_duration_seconds", b.now().Sub(started).Seconds())

	expectedEnd := split.Train.End().AddDate(0, 0, horizon)
	if gaps := persephone.CheckCoverage(forecast, split.Train.Start(), expectedEnd); len(gaps) > 0 {
		b.logger.Warn(ctx, "forecast does not cover the requested range", map[string]any{
			"model":   model.Name(),
			"missing": len(gaps),
			"first":   gaps[0].Format(persephone.DateLayout),
		})
	}

	eval, err := Evaluate(split.Test, forecast)
	if err != nil {
		return nil, err
	}
	if len(eval.Missing) > 0 {
		b.logger.Warn(ctx, "test dates missing from forecast", map[string]any{
			"missing": len(eval.Missing),
			"joined":  eval.Metrics.N,
		})
		b.metrics.IncCounter("persephone_backtest_missing_dates_total", float64(len(eval.Missing)))
	}
	if math.IsNaN(eval.Metrics.MAPE) {
		b.logger.Warn(ctx, "mape undefined, every joined actual is zero", map[string]any{
			"joined": eval.Metrics.N,
		})
	}

	result := NewResult(split, eval, model.Name(), b.now())
	b.metrics.SetGauge("persephone_backtest_mae", result.MAE)
	if !math.IsNaN(result.MAPEPercent) {
		b.metrics.SetGauge("persephone_backtest_mape_percent", result.MAPEPercent)
	}

	b.logger.Info(ctx, "backtest complete", map[string]any{
		"run_id":           result.RunID,
		"train_start":      result.TrainStart.Format(persephone.DateLayout),
		"train_end":        result.TrainEnd.Format(persephone.DateLayout),
		"test_start":       result.TestStart.Format(persephone.DateLayout),
		"test_end":         result.TestEnd.Format(persephone.DateLayout),
		"mae":              result.MAE,
		"mape":             finiteOrNil(result.MAPEPercent),
		"rmse":             finiteOrNil(eval.Metrics.RMSE),
		"coverage_percent": finiteOrNil(eval.Metrics.Coverage),
	})

	report := NewEvaluationReport(result, split, forecast, eval)
	report.GeneratedAt = result.RunAt
	return report, nil
}

// finiteOrNil keeps NaN out of JSON log lines
func finiteOrNil(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}
