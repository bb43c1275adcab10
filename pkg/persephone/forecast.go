package persephone

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"
)

// Model is a fitted forecaster state
type Model interface {
	// Name identifies the model family in reports
	Name() string

	// LastTrainDate is the final date the model was fitted on
	LastTrainDate() time.Time
}

// Predictor fits a model to a daily series and forecasts from it.
//
// Predict must return one point per calendar day from the first training date
// through horizonDays days past the last training date.
type Predictor interface {
	Fit(ctx context.Context, train Series) (Model, error)
	Predict(ctx context.Context, m Model, horizonDays int) ([]ForecastPoint, error)
}

// CheckCoverage lists the days in [from, to] that the forecast does not cover.
func CheckCoverage(forecast []ForecastPoint, from, to time.Time) []time.Time {
	have := make(map[time.Time]struct{}, len(forecast))
	for _, p := range forecast {
		have[Day(p.Date)] = struct{}{}
	}

	var missing []time.Time
	for d := Day(from); !d.After(Day(to)); d = d.AddDate(0, 0, 1) {
		if _, ok := have[d]; !ok {
			missing = append(missing, d)
		}
	}
	return missing
}

// WeekdayPattern holds the average count per day of week
type WeekdayPattern struct {
	Averages [7]float64 // Sunday=0
	Observed [7]int
	Baseline float64 // Overall average
}

// AnalyzeWeekdays averages the series per weekday. Weekdays with no
// observations fall back to the overall average.
func AnalyzeWeekdays(series Series) WeekdayPattern {
	var pattern WeekdayPattern
	if len(series) == 0 {
		return pattern
	}

	var sums [7]float64
	for _, p := range series {
		wd := int(p.Date.Weekday())
		sums[wd] += p.Count
		pattern.Observed[wd]++
	}
	pattern.Baseline = series.Total() / float64(len(series))

	for i := 0; i < 7; i++ {
		if pattern.Observed[i] > 0 {
			pattern.Averages[i] = sums[i] / float64(pattern.Observed[i])
		} else {
			pattern.Averages[i] = pattern.Baseline
		}
	}
	return pattern
}

// At returns the expected count for the weekday of t
func (w WeekdayPattern) At(t time.Time) float64 {
	return w.Averages[int(t.Weekday())]
}

// smoothLevels runs simple exponential smoothing and returns the level after
// each observation.
func smoothLevels(values []float64, alpha float64) []float64 {
	levels := make([]float64, len(values))
	if len(values) == 0 {
		return levels
	}
	level := values[0]
	for i, v := range values {
		if i > 0 {
			level = alpha*v + (1-alpha)*level
		}
		levels[i] = level
	}
	return levels
}

func standardDeviation(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var variance float64
	for _, v := range values {
		diff := v - mean
		variance += diff * diff
	}
	variance /= float64(len(values))

	return math.Sqrt(variance)
}

// HybridModel is the fitted state of a HybridForecaster
type HybridModel struct {
	Pattern       WeekdayPattern
	Dates         []time.Time
	Levels        []float64 // Smoothed level after each training date
	InitialLevel  float64
	Sigma         float64 // Std dev of in-sample one-step residuals
	PatternWeight float64
}

func (m *HybridModel) Name() string { return "hybrid-weekday-smoothing" }

func (m *HybridModel) LastTrainDate() time.Time {
	return m.Dates[len(m.Dates)-1]
}

// levelBefore returns the smoothed level known before observing day d
func (m *HybridModel) levelBefore(d time.Time) float64 {
	idx := sort.Search(len(m.Dates), func(i int) bool {
		return !m.Dates[i].Before(d)
	})
	if idx == 0 {
		return m.InitialLevel
	}
	return m.Levels[idx-1]
}

func (m *HybridModel) predict(d time.Time) float64 {
	return m.PatternWeight*m.Pattern.At(d) + (1-m.PatternWeight)*m.levelBefore(d)
}

// HybridForecaster combines a weekday pattern with an exponentially smoothed
// level. The prediction interval is two standard deviations of the in-sample
// residuals, with the lower bound clamped at zero.
type HybridForecaster struct {
	alpha         float64
	patternWeight float64
}

// NewHybridForecaster creates a forecaster with smoothing factor 0.3 and a
// 60/40 pattern to level blend
func NewHybridForecaster() *HybridForecaster {
	return NewHybridForecasterWithParams(0.3, 0.6)
}

// NewHybridForecasterWithParams creates a forecaster with explicit weights.
// Out of range values fall back to the defaults.
func NewHybridForecasterWithParams(alpha, patternWeight float64) *HybridForecaster {
	if alpha <= 0 || alpha >= 1 {
		alpha = 0.3
	}
	if patternWeight < 0 || patternWeight > 1 {
		patternWeight = 0.6
	}
	return &HybridForecaster{
		alpha:         alpha,
		patternWeight: patternWeight,
	}
}

// Fit learns the weekday pattern and smoothed level of the training series.
func (f *HybridForecaster) Fit(ctx context.Context, train Series) (Model, error) {
	if len(train) == 0 {
		return nil, &DataError{Op: "fit", Err: ErrEmptySeries}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	values := train.Values()
	model := &HybridModel{
		Pattern:       AnalyzeWeekdays(train),
		Dates:         make([]time.Time, len(train)),
		Levels:        smoothLevels(values, f.alpha),
		InitialLevel:  values[0],
		PatternWeight: f.patternWeight,
	}
	for i, p := range train {
		model.Dates[i] = p.Date
	}

	residuals := make([]float64, len(train))
	for i, p := range train {
		residuals[i] = p.Count - model.predict(p.Date)
	}
	model.Sigma = standardDeviation(residuals)

	return model, nil
}

// Predict produces a dense daily forecast over the training range plus the
// horizon.
func (f *HybridForecaster) Predict(ctx context.Context, m Model, horizonDays int) ([]ForecastPoint, error) {
	if horizonDays < 0 {
		return nil, fmt.Errorf("%w: horizon must not be negative, got %d", ErrInvalidConfig, horizonDays)
	}
	model, ok := m.(*HybridModel)
	if !ok {
		return nil, fmt.Errorf("hybrid forecaster cannot predict with model %T", m)
	}
	if len(model.Dates) == 0 {
		return nil, &DataError{Op: "predict", Err: ErrEmptySeries}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := model.Dates[0]
	end := model.LastTrainDate().AddDate(0, 0, horizonDays)
	margin := 2.0 * model.Sigma

	forecast := make([]ForecastPoint, 0, DaysBetween(start, end)+1)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		yhat := math.Max(0, model.predict(d))
		forecast = append(forecast, ForecastPoint{
			Date:      d,
			Predicted: yhat,
			Lower:     math.Max(0, yhat-margin),
			Upper:     yhat + margin,
		})
	}

	return forecast, nil
}
