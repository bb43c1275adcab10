package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
	"github.com/tartarus-sandbox/persephone/pkg/persephone/evaluator"
)

var forecastCmd = &cobra.Command{
	Use:   "forecast",
	Short: "Fit on the full series and forecast the next days",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := env.cfg

		store, err := env.openArtifacts(ctx)
		if err != nil {
			return err
		}

		series, stats, err := persephone.LoadSeriesFrom(ctx, store, cfg.Paths.SeriesCSV, persephone.LoadOptions{})
		if err != nil {
			return err
		}
		env.logger.Info(ctx, "series loaded", map[string]any{
			"path":    cfg.Paths.SeriesCSV,
			"kept":    stats.Kept,
			"dropped": stats.DroppedRows,
		})

		predictor := persephone.NewHybridForecasterWithParams(cfg.Forecast.Alpha, cfg.Forecast.PatternWeight)
		model, err := predictor.Fit(ctx, series)
		if err != nil {
			return fmt.Errorf("failed to fit model: %w", err)
		}
		forecast, err := predictor.Predict(ctx, model, cfg.Forecast.HorizonDays)
		if err != nil {
			return fmt.Errorf("failed to predict: %w", err)
		}

		if err := persephone.SaveForecast(ctx, store, cfg.Paths.ForecastCSV, forecast); err != nil {
			return err
		}

		plot := evaluator.RenderForecastPlot(series, forecast, evaluator.PlotOptions{})
		if err := persephone.PutArtifact(ctx, store, cfg.Paths.ForecastPlot, func(w io.Writer) error {
			_, err := io.WriteString(w, plot)
			return err
		}); err != nil {
			return err
		}

		if hybrid, ok := model.(*persephone.HybridModel); ok {
			components := evaluator.RenderComponentsPlot(hybrid.Pattern, evaluator.PlotOptions{})
			if err := persephone.PutArtifact(ctx, store, cfg.Paths.ComponentsPlot, func(w io.Writer) error {
				_, err := io.WriteString(w, components)
				return err
			}); err != nil {
				return err
			}
		}

		last := forecast[len(forecast)-1]
		env.logger.Info(ctx, "forecast written", map[string]any{
			"model":   model.Name(),
			"rows":    len(forecast),
			"horizon": cfg.Forecast.HorizonDays,
			"through": last.Date.Format(persephone.DateLayout),
		})

		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d forecast rows through %s to %s\n",
			len(forecast), last.Date.Format(persephone.DateLayout), cfg.Paths.ForecastCSV)
		return nil
	},
}

func init() {
	forecastCmd.Flags().Int("horizon", 0, "Days to forecast past the last observation")
	rootCmd.AddCommand(forecastCmd)
}
