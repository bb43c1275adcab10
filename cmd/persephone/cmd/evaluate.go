package cmd

import (
	"fmt"
	"io"
	"math"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
	"github.com/tartarus-sandbox/persephone/pkg/persephone/evaluator"
)

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Backtest the forecaster on the trailing test window",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := env.cfg

		store, err := env.openArtifacts(ctx)
		if err != nil {
			return err
		}

		predictor := persephone.NewHybridForecasterWithParams(cfg.Forecast.Alpha, cfg.Forecast.PatternWeight)
		tester := evaluator.NewBacktester(predictor, env.logger, env.metrics)
		report, err := tester.RunFrom(ctx, store, cfg.Paths.SeriesCSV, evaluator.BacktestConfig{
			TestDays:    cfg.Evaluate.TestDays,
			MinLookback: cfg.Evaluate.MinLookback,
		})
		if err != nil {
			return err
		}
		result := report.Result

		if err := evaluator.SaveMetrics(ctx, store, cfg.Paths.MetricsCSV, result); err != nil {
			return err
		}
		if err := evaluator.SaveWeekdayMetrics(ctx, store, cfg.Paths.WeekdayMetricsCSV, report); err != nil {
			return err
		}
		plot := evaluator.RenderBacktestPlot(report, evaluator.PlotOptions{})
		if err := persephone.PutArtifact(ctx, store, cfg.Paths.BacktestPlot, func(w io.Writer) error {
			_, err := io.WriteString(w, plot)
			return err
		}); err != nil {
			return err
		}

		runs, err := env.openRunStore()
		if err != nil {
			return err
		}
		if runs != nil {
			defer runs.Close()
			if err := runs.Save(ctx, result); err != nil {
				return fmt.Errorf("failed to record run: %w", err)
			}
			if err := runs.Prune(ctx, cfg.Runs.RetentionDays); err != nil {
				env.logger.Warn(ctx, "failed to prune run history", map[string]any{"error": err.Error()})
			}
		}

		publisher, err := env.openPublisher()
		if err != nil {
			return err
		}
		defer publisher.Close()
		if err := publisher.Publish(ctx, result.RunID, result); err != nil {
			env.logger.Warn(ctx, "failed to publish backtest result", map[string]any{
				"run_id": result.RunID,
				"error":  err.Error(),
			})
		}

		if cfg.Metrics.Textfile != "" {
			if err := env.metrics.WriteTextfile(cfg.Metrics.Textfile); err != nil {
				return fmt.Errorf("failed to write metrics textfile: %w", err)
			}
		}

		mape := "n/a"
		if !math.IsNaN(result.MAPEPercent) {
			mape = fmt.Sprintf("%.2f%%", result.MAPEPercent)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "MAE=%.2f MAPE=%s\n", result.MAE, mape)
		return nil
	},
}

func init() {
	evaluateCmd.Flags().Int("test-days", 0, "Trailing days held out for evaluation")
	rootCmd.AddCommand(evaluateCmd)
}
