package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/tartarus-sandbox/persephone/pkg/config"
	"github.com/tartarus-sandbox/persephone/pkg/erebus"
	"github.com/tartarus-sandbox/persephone/pkg/hermes"
	"github.com/tartarus-sandbox/persephone/pkg/persephone"
)

var (
	cfgFile  string
	logLevel string
)

// flagKeys maps command flags onto configuration keys
var flagKeys = map[string]string{
	"log-level": "log.level",
	"start":     "download.start",
	"end":       "download.end",
	"page-size": "download.page_size",
	"horizon":   "forecast.horizon_days",
	"test-days": "evaluate.test_days",
	"addr":      "server.addr",
}

// environment is what every pipeline command shares
type environment struct {
	viper   *viper.Viper
	cfg     config.Config
	logger  hermes.Logger
	metrics *hermes.PrometheusMetrics
}

var env *environment

var rootCmd = &cobra.Command{
	Use:   "persephone",
	Short: "Daily taxi trip forecasting pipeline",
	Long: `Persephone downloads NYC yellow taxi trips, aggregates them into a daily
series, forecasts it and backtests the forecaster on a trailing holdout window.`,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default ./persephone.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error")
}

func setup(cmd *cobra.Command, args []string) error {
	v, err := config.NewViper(cfgFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return err
	}

	cfg, err := config.FromViper(v)
	if err != nil {
		return err
	}

	level, err := hermes.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}

	env = &environment{
		viper:   v,
		cfg:     cfg,
		logger:  hermes.NewSlogAdapter(hermes.NewLogger(cmd.ErrOrStderr(), level)),
		metrics: hermes.NewPrometheusMetrics(nil),
	}
	return nil
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || !f.Changed || err != nil {
			return
		}
		err = v.BindPFlag(key, f)
	})
	return err
}

// openArtifacts returns the configured artifact store
func (e *environment) openArtifacts(ctx context.Context) (erebus.Store, error) {
	a := e.cfg.Artifacts
	switch a.Backend {
	case "s3":
		return erebus.NewS3Store(ctx, erebus.S3Config{
			Endpoint:   a.S3.Endpoint,
			Region:     a.S3.Region,
			Bucket:     a.S3.Bucket,
			Prefix:     a.S3.Prefix,
			AccessKey:  a.S3.AccessKey,
			SecretKey:  a.S3.SecretKey,
			LocalCache: a.S3.CacheDir,
		})
	default:
		return erebus.NewLocalStore(a.Root)
	}
}

// openRunStore returns the configured run history, or nil for the none backend
func (e *environment) openRunStore() (persephone.RunStore, error) {
	r := e.cfg.Runs
	switch r.Backend {
	case "redis":
		return persephone.NewRedisRunStore(r.RedisAddr, r.RedisDB, r.RedisPassword)
	case "sqlite":
		return persephone.NewSQLiteRunStore(r.SQLitePath)
	case "none":
		return nil, nil
	default:
		return persephone.NewLocalRunStore(r.Dir)
	}
}

// openPublisher returns a Kafka publisher when brokers are configured
func (e *environment) openPublisher() (hermes.Publisher, error) {
	if len(e.cfg.Kafka.Brokers) == 0 {
		return hermes.NoopPublisher{}, nil
	}
	return hermes.NewKafkaPublisher(e.cfg.Kafka.Brokers, e.cfg.Kafka.Topic)
}
