package evaluator

import (
	"math"
)

// MetricResult holds the calculated error metrics
type MetricResult struct {
	N          int     // Points used for MAE and RMSE
	MAE        float64 // Mean Absolute Error
	RMSE       float64 // Root Mean Square Error
	MAPE       float64 // Mean Absolute Percentage Error in percent, NaN when MAPEPoints is 0
	MAPEPoints int     // Points with a non-zero actual
	Coverage   float64 // Percentage of actuals within prediction intervals
}

// CalculateMetrics computes accuracy metrics for aligned predictions and
// actuals. Zero actuals count towards MAE and RMSE but are left out of MAPE,
// both numerator and denominator.
func CalculateMetrics(predictions []float64, actuals []float64, lowerBounds, upperBounds []float64) MetricResult {
	if len(predictions) != len(actuals) || len(predictions) == 0 {
		return MetricResult{MAE: math.NaN(), RMSE: math.NaN(), MAPE: math.NaN(), Coverage: math.NaN()}
	}

	var sumAbsError float64
	var sumSquaredError float64
	var sumPctError float64
	var pctCount int
	var coverageCount int

	n := float64(len(predictions))
	hasBounds := len(lowerBounds) == len(predictions) && len(upperBounds) == len(predictions)

	for i := 0; i < len(predictions); i++ {
		act := actuals[i]
		diff := act - predictions[i]
		absErr := math.Abs(diff)

		sumAbsError += absErr
		sumSquaredError += diff * diff

		if act != 0 {
			sumPctError += absErr / math.Abs(act)
			pctCount++
		}

		if hasBounds && act >= lowerBounds[i] && act <= upperBounds[i] {
			coverageCount++
		}
	}

	result := MetricResult{
		N:          len(predictions),
		MAE:        sumAbsError / n,
		RMSE:       math.Sqrt(sumSquaredError / n),
		MAPE:       math.NaN(),
		MAPEPoints: pctCount,
		Coverage:   math.NaN(),
	}
	if pctCount > 0 {
		result.MAPE = sumPctError / float64(pctCount) * 100.0
	}
	if hasBounds {
		result.Coverage = float64(coverageCount) / n * 100.0
	}

	return result
}
