package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Aggregate raw trips into a daily count series",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := env.cfg

		store, err := env.openArtifacts(ctx)
		if err != nil {
			return err
		}

		series, stats, err := persephone.BuildDailySeriesFrom(ctx, store, cfg.Paths.RawCSV, cfg.Series.PickupColumn)
		if err != nil {
			return err
		}

		fields := map[string]any{
			"rows":    stats.TotalRows,
			"valid":   stats.ValidRows,
			"dropped": stats.DroppedRows,
			"days":    stats.Days,
		}
		if len(series) > 0 {
			fields["first"] = series.Start().Format(persephone.DateLayout)
			fields["last"] = series.End().Format(persephone.DateLayout)
		}
		env.logger.Info(ctx, "daily series built", fields)
		if stats.DroppedRows > 0 {
			env.logger.Warn(ctx, "dropped rows with unparseable timestamps", map[string]any{
				"dropped": stats.DroppedRows,
				"column":  cfg.Series.PickupColumn,
			})
		}
		env.metrics.IncCounter("persephone_build_dropped_rows_total", float64(stats.DroppedRows))

		if err := persephone.SaveSeries(ctx, store, cfg.Paths.SeriesCSV, series); err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d days to %s (%d rows, %d dropped)\n",
			stats.Days, cfg.Paths.SeriesCSV, stats.TotalRows, stats.DroppedRows)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
