package cmd

import (
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/tartarus-sandbox/persephone/pkg/olympus"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the backtest run history over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runs, err := env.openRunStore()
		if err != nil {
			return err
		}
		if runs == nil {
			return errors.New("serve needs a run store, runs.backend is none")
		}
		defer runs.Close()

		server, err := olympus.NewServer(olympus.ServerConfig{
			Runs:    runs,
			Metrics: env.metrics,
			Logger:  env.logger,
			APIKey:  env.cfg.Server.APIKey,
		})
		if err != nil {
			return err
		}
		return server.Run(ctx, env.cfg.Server.Addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address")
	rootCmd.AddCommand(serveCmd)
}
