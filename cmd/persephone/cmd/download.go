package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

var forceDownload bool

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download raw yellow taxi trips from NYC Open Data",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := env.cfg

		store, err := env.openArtifacts(ctx)
		if err != nil {
			return err
		}

		exists, err := store.Exists(ctx, cfg.Paths.RawCSV)
		if err != nil {
			return err
		}
		if exists && !forceDownload {
			fmt.Fprintf(cmd.OutOrStdout(), "%s already exists, use --force to download again\n", cfg.Paths.RawCSV)
			return nil
		}

		collector, err := persephone.NewSocrataCollector(persephone.SocrataConfig{
			BaseURL:           cfg.Download.BaseURL,
			DatasetID:         cfg.Download.DatasetID,
			TimeColumn:        cfg.Series.PickupColumn,
			Start:             cfg.Download.Start,
			End:               cfg.Download.End,
			PageSize:          cfg.Download.PageSize,
			AppToken:          cfg.Download.AppToken,
			Timeout:           cfg.Download.Timeout,
			RequestsPerSecond: cfg.Download.RequestsPerSecond,
			MaxAttempts:       cfg.Download.MaxAttempts,
		})
		if err != nil {
			return err
		}

		ingestor, err := persephone.NewIngestor(persephone.IngestorConfig{
			Collector: collector,
			MaxPages:  cfg.Download.MaxPages,
			Logger:    env.logger,
			Metrics:   env.metrics,
		})
		if err != nil {
			return err
		}

		env.logger.Info(ctx, "downloading trips", map[string]any{
			"dataset": cfg.Download.DatasetID,
			"start":   cfg.Download.Start,
			"end":     cfg.Download.End,
			"url":     collector.PageURL(0),
		})

		stats, err := ingestor.IngestTo(ctx, store, cfg.Paths.RawCSV)
		if err != nil {
			return fmt.Errorf("download failed: %w", err)
		}

		// Sanity check what landed in the store
		rc, err := store.Get(ctx, cfg.Paths.RawCSV)
		if err != nil {
			return err
		}
		defer rc.Close()
		header, rows, err := persephone.PreviewCSV(rc, 3)
		if err != nil {
			return fmt.Errorf("failed to read back %s: %w", cfg.Paths.RawCSV, err)
		}
		preview := make([]string, len(rows))
		for i, row := range rows {
			preview[i] = strings.Join(row, ",")
		}
		env.logger.Info(ctx, "raw file preview", map[string]any{
			"columns": strings.Join(header, ","),
			"head":    strings.Join(preview, " | "),
		})

		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d rows in %d pages to %s\n", stats.Rows, stats.Pages, cfg.Paths.RawCSV)
		return nil
	},
}

func init() {
	downloadCmd.Flags().String("start", "", "Inclusive start timestamp, e.g. 2023-01-01T00:00:00")
	downloadCmd.Flags().String("end", "", "Inclusive end timestamp, e.g. 2023-03-31T23:59:59")
	downloadCmd.Flags().Int("page-size", 0, "Rows per request")
	downloadCmd.Flags().BoolVar(&forceDownload, "force", false, "Replace an existing raw file")
	rootCmd.AddCommand(downloadCmd)
}
