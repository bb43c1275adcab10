package persephone

import (
	"fmt"
	"time"
)

// DateLayout is the on-disk format of a series date.
const DateLayout = "2006-01-02"

// DailyPoint is the number of trips observed on one calendar day.
// Date is always midnight UTC.
type DailyPoint struct {
	Date  time.Time
	Count float64
}

// Series is an ordered run of daily points. Dates are strictly increasing and
// may skip days that had no trips.
type Series []DailyPoint

// Clone returns a copy that shares no backing array with s
func (s Series) Clone() Series {
	out := make(Series, len(s))
	copy(out, s)
	return out
}

// Start returns the first date, or the zero time for an empty series
func (s Series) Start() time.Time {
	if len(s) == 0 {
		return time.Time{}
	}
	return s[0].Date
}

// End returns the last date, or the zero time for an empty series
func (s Series) End() time.Time {
	if len(s) == 0 {
		return time.Time{}
	}
	return s[len(s)-1].Date
}

// Values returns the counts in date order
func (s Series) Values() []float64 {
	values := make([]float64, len(s))
	for i, p := range s {
		values[i] = p.Count
	}
	return values
}

// Total sums every count in the series
func (s Series) Total() float64 {
	var total float64
	for _, p := range s {
		total += p.Count
	}
	return total
}

// Validate checks ordering, uniqueness and non-negative counts.
func (s Series) Validate() error {
	for i, p := range s {
		if p.Count < 0 {
			return fmt.Errorf("negative count %v on %s", p.Count, p.Date.Format(DateLayout))
		}
		if i > 0 && !s[i-1].Date.Before(p.Date) {
			return fmt.Errorf("dates out of order at %s", p.Date.Format(DateLayout))
		}
	}
	return nil
}

// ForecastPoint is one predicted day with its uncertainty interval.
type ForecastPoint struct {
	Date      time.Time
	Predicted float64
	Lower     float64
	Upper     float64
}

// Split is a chronological partition of a series into a training prefix and
// a trailing test window.
type Split struct {
	Train Series
	Test  Series
}

// Day floors t to its calendar day, keeping the wall clock the timestamp was
// written in.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween counts whole calendar days from a to b
func DaysBetween(a, b time.Time) int {
	return int(Day(b).Sub(Day(a)).Hours() / 24)
}
