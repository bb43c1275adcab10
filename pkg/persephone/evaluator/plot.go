package evaluator

import (
	"fmt"
	"math"
	"strings"

	"github.com/guptarohit/asciigraph"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

// PlotOptions sizes the rendered charts
type PlotOptions struct {
	Width  int
	Height int
	Color  bool // ANSI colors, for terminals only
}

func (o PlotOptions) withDefaults() PlotOptions {
	if o.Width < 20 {
		o.Width = 80
	}
	if o.Height < 3 {
		o.Height = 15
	}
	return o
}

// RenderBacktestPlot charts actual against predicted counts over the joined
// test days
func RenderBacktestPlot(report *EvaluationReport, opts PlotOptions) string {
	if report == nil || report.Evaluation == nil || len(report.Evaluation.Dates) == 0 {
		return "No data available\n"
	}
	opts = opts.withDefaults()
	eval := report.Evaluation

	predicted := make([]float64, len(eval.Predictions))
	for i, p := range eval.Predictions {
		predicted[i] = p.Predicted
	}

	caption := fmt.Sprintf("Backtest %s..%s: actual vs predicted (MAE=%.2f, MAPE=%s%%)",
		eval.Dates[0].Format(persephone.DateLayout),
		eval.Dates[len(eval.Dates)-1].Format(persephone.DateLayout),
		report.Result.MAE,
		formatPercent(report.Result.MAPEPercent),
	)

	graphOpts := []asciigraph.Option{
		asciigraph.Height(opts.Height),
		asciigraph.Width(opts.Width),
		asciigraph.Caption(caption),
	}
	if opts.Color {
		graphOpts = append(graphOpts, asciigraph.SeriesColors(asciigraph.Red, asciigraph.Blue))
	}

	return asciigraph.PlotMany([][]float64{eval.Actuals, predicted}, graphOpts...) + "\n"
}

// RenderForecastPlot charts the history followed by the forecast and its
// interval. Days without an observation are left blank.
func RenderForecastPlot(history persephone.Series, forecast []persephone.ForecastPoint, opts PlotOptions) string {
	if len(forecast) == 0 {
		return "No data available\n"
	}
	opts = opts.withDefaults()

	observed := make(map[string]float64, len(history))
	for _, p := range history {
		observed[p.Date.Format(persephone.DateLayout)] = p.Count
	}

	actual := make([]float64, len(forecast))
	yhat := make([]float64, len(forecast))
	lower := make([]float64, len(forecast))
	upper := make([]float64, len(forecast))
	for i, p := range forecast {
		actual[i] = math.NaN()
		if v, ok := observed[p.Date.Format(persephone.DateLayout)]; ok {
			actual[i] = v
		}
		yhat[i] = p.Predicted
		lower[i] = p.Lower
		upper[i] = p.Upper
	}

	caption := fmt.Sprintf("Daily trips %s..%s: actual, forecast and interval",
		forecast[0].Date.Format(persephone.DateLayout),
		forecast[len(forecast)-1].Date.Format(persephone.DateLayout),
	)

	graphOpts := []asciigraph.Option{
		asciigraph.Height(opts.Height),
		asciigraph.Width(opts.Width),
		asciigraph.Caption(caption),
	}
	if opts.Color {
		graphOpts = append(graphOpts, asciigraph.SeriesColors(
			asciigraph.Default,
			asciigraph.Blue,
			asciigraph.LightBlue,
			asciigraph.LightBlue,
		))
	}

	return asciigraph.PlotMany([][]float64{actual, yhat, lower, upper}, graphOpts...) + "\n"
}

// RenderComponentsPlot charts the fitted weekly component, each weekday's
// average minus the overall baseline, Monday first, followed by the values.
func RenderComponentsPlot(pattern persephone.WeekdayPattern, opts PlotOptions) string {
	observed := 0
	for _, n := range pattern.Observed {
		observed += n
	}
	if observed == 0 {
		return "No data available\n"
	}
	opts = opts.withDefaults()

	effects := make([]float64, len(weekOrder))
	for i, wd := range weekOrder {
		effects[i] = pattern.Averages[wd] - pattern.Baseline
	}

	graphOpts := []asciigraph.Option{
		asciigraph.Height(opts.Height),
		asciigraph.Width(opts.Width),
		asciigraph.Caption(fmt.Sprintf("Weekly component, Monday..Sunday (baseline %.2f trips/day)", pattern.Baseline)),
	}
	if opts.Color {
		graphOpts = append(graphOpts, asciigraph.SeriesColors(asciigraph.Blue))
	}

	var b strings.Builder
	b.WriteString(asciigraph.Plot(effects, graphOpts...))
	b.WriteString("\n\n")
	for i, wd := range weekOrder {
		fmt.Fprintf(&b, "%-9s %+.2f (%d days)\n", wd, effects[i], pattern.Observed[wd])
	}
	return b.String()
}

func formatPercent(v float64) string {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", v)
}
