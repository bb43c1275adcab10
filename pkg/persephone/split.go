package persephone

import "fmt"

// SplitSeries holds out the last testDays points for evaluation and returns
// everything before them as training data. The split is positional, so a
// calendar gap inside the test window does not widen it.
func SplitSeries(series Series, testDays, minLookback int) (Split, error) {
	if testDays <= 0 {
		return Split{}, fmt.Errorf("%w: test days must be positive, got %d", ErrInvalidConfig, testDays)
	}
	if minLookback < 0 {
		return Split{}, fmt.Errorf("%w: min lookback must not be negative, got %d", ErrInvalidConfig, minLookback)
	}
	need := testDays + minLookback
	if len(series) <= need {
		return Split{}, &DataError{Op: "split", Count: len(series), Need: need, Err: ErrInsufficientData}
	}

	cut := len(series) - testDays
	return Split{
		Train: series[:cut].Clone(),
		Test:  series[cut:].Clone(),
	}, nil
}
