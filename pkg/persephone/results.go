package persephone

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// BacktestResult is the outcome of one holdout evaluation. It is written once
// and never updated.
type BacktestResult struct {
	RunID string
	RunAt time.Time
	Model string

	TrainStart time.Time
	TrainEnd   time.Time
	TestStart  time.Time
	TestEnd    time.Time
	TestDays   int

	MAE         float64
	MAPEPercent float64 // NaN when every joined actual is zero

	Joined     int // Test days with a matching prediction
	Missing    int // Test days the forecast did not cover
	MAPEPoints int // Joined days with a non-zero actual
}

type backtestResultJSON struct {
	RunID       string    `json:"run_id"`
	RunAt       time.Time `json:"run_at"`
	Model       string    `json:"model,omitempty"`
	TrainStart  string    `json:"train_start"`
	TrainEnd    string    `json:"train_end"`
	TestStart   string    `json:"test_start"`
	TestEnd     string    `json:"test_end"`
	TestDays    int       `json:"test_days"`
	MAE         float64   `json:"mae"`
	MAPEPercent *float64  `json:"mape_percent"`
	Joined      int       `json:"joined"`
	Missing     int       `json:"missing"`
	MAPEPoints  int       `json:"mape_points"`
}

// MarshalJSON writes dates as calendar days and an undefined MAPE as null
func (r BacktestResult) MarshalJSON() ([]byte, error) {
	out := backtestResultJSON{
		RunID:      r.RunID,
		RunAt:      r.RunAt,
		Model:      r.Model,
		TrainStart: r.TrainStart.Format(DateLayout),
		TrainEnd:   r.TrainEnd.Format(DateLayout),
		TestStart:  r.TestStart.Format(DateLayout),
		TestEnd:    r.TestEnd.Format(DateLayout),
		TestDays:   r.TestDays,
		MAE:        r.MAE,
		Joined:     r.Joined,
		Missing:    r.Missing,
		MAPEPoints: r.MAPEPoints,
	}
	if !math.IsNaN(r.MAPEPercent) && !math.IsInf(r.MAPEPercent, 0) {
		mape := r.MAPEPercent
		out.MAPEPercent = &mape
	}
	return json.Marshal(out)
}

func (r *BacktestResult) UnmarshalJSON(data []byte) error {
	var in backtestResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	dates := make([]time.Time, 4)
	for i, s := range []string{in.TrainStart, in.TrainEnd, in.TestStart, in.TestEnd} {
		d, err := time.Parse(DateLayout, s)
		if err != nil {
			return fmt.Errorf("invalid result date %q: %w", s, err)
		}
		dates[i] = d
	}

	*r = BacktestResult{
		RunID:       in.RunID,
		RunAt:       in.RunAt,
		Model:       in.Model,
		TrainStart:  dates[0],
		TrainEnd:    dates[1],
		TestStart:   dates[2],
		TestEnd:     dates[3],
		TestDays:    in.TestDays,
		MAE:         in.MAE,
		MAPEPercent: math.NaN(),
		Joined:      in.Joined,
		Missing:     in.Missing,
		MAPEPoints:  in.MAPEPoints,
	}
	if in.MAPEPercent != nil {
		r.MAPEPercent = *in.MAPEPercent
	}
	return nil
}
