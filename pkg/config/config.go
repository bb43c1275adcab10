// Package config loads the pipeline configuration from defaults, an optional
// YAML file, .env files and PERSEPHONE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. PERSEPHONE_EVALUATE_TEST_DAYS
const EnvPrefix = "PERSEPHONE"

// Config is the full pipeline configuration. It is a plain value: stages
// receive a copy and never write back.
type Config struct {
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Paths     PathsConfig     `mapstructure:"paths" yaml:"paths"`
	Series    SeriesConfig    `mapstructure:"series" yaml:"series"`
	Evaluate  EvaluateConfig  `mapstructure:"evaluate" yaml:"evaluate"`
	Forecast  ForecastConfig  `mapstructure:"forecast" yaml:"forecast"`
	Download  DownloadConfig  `mapstructure:"download" yaml:"download"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts" yaml:"artifacts"`
	Runs      RunsConfig      `mapstructure:"runs" yaml:"runs"`
	Kafka     KafkaConfig     `mapstructure:"kafka" yaml:"kafka"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// PathsConfig holds artifact keys, relative to the artifact store root
type PathsConfig struct {
	RawCSV            string `mapstructure:"raw_csv" yaml:"raw_csv"`
	SeriesCSV         string `mapstructure:"series_csv" yaml:"series_csv"`
	ForecastCSV       string `mapstructure:"forecast_csv" yaml:"forecast_csv"`
	MetricsCSV        string `mapstructure:"metrics_csv" yaml:"metrics_csv"`
	WeekdayMetricsCSV string `mapstructure:"weekday_metrics_csv" yaml:"weekday_metrics_csv"`
	BacktestPlot      string `mapstructure:"backtest_plot" yaml:"backtest_plot"`
	ForecastPlot      string `mapstructure:"forecast_plot" yaml:"forecast_plot"`
	ComponentsPlot    string `mapstructure:"components_plot" yaml:"components_plot"`
}

type SeriesConfig struct {
	PickupColumn string `mapstructure:"pickup_column" yaml:"pickup_column"`
}

type EvaluateConfig struct {
	TestDays    int `mapstructure:"test_days" yaml:"test_days"`
	MinLookback int `mapstructure:"min_lookback" yaml:"min_lookback"`
}

type ForecastConfig struct {
	HorizonDays   int     `mapstructure:"horizon_days" yaml:"horizon_days"`
	Alpha         float64 `mapstructure:"alpha" yaml:"alpha"`
	PatternWeight float64 `mapstructure:"pattern_weight" yaml:"pattern_weight"`
}

type DownloadConfig struct {
	BaseURL           string        `mapstructure:"base_url" yaml:"base_url"`
	DatasetID         string        `mapstructure:"dataset_id" yaml:"dataset_id"`
	Start             string        `mapstructure:"start" yaml:"start"`
	End               string        `mapstructure:"end" yaml:"end"`
	PageSize          int           `mapstructure:"page_size" yaml:"page_size"`
	MaxPages          int           `mapstructure:"max_pages" yaml:"max_pages"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" yaml:"requests_per_second"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	AppToken          string        `mapstructure:"app_token" yaml:"app_token,omitempty"`
}

type ArtifactsConfig struct {
	Backend string   `mapstructure:"backend" yaml:"backend"` // local or s3
	Root    string   `mapstructure:"root" yaml:"root"`
	S3      S3Config `mapstructure:"s3" yaml:"s3"`
}

type S3Config struct {
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`
	Region    string `mapstructure:"region" yaml:"region"`
	Bucket    string `mapstructure:"bucket" yaml:"bucket"`
	Prefix    string `mapstructure:"prefix" yaml:"prefix"`
	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"-"`
	CacheDir  string `mapstructure:"cache_dir" yaml:"cache_dir"`
}

type RunsConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"` // local, redis, sqlite or none
	Dir           string `mapstructure:"dir" yaml:"dir"`
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPassword string `mapstructure:"redis_password" yaml:"-"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers" yaml:"brokers"`
	Topic   string   `mapstructure:"topic" yaml:"topic"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

type ServerConfig struct {
	Addr   string `mapstructure:"addr" yaml:"addr"`
	APIKey string `mapstructure:"api_key" yaml:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("paths.raw_csv", "data/raw/yellow_taxi_2023_jan_mar.csv")
	v.SetDefault("paths.series_csv", "data/processed/daily_trip_count.csv")
	v.SetDefault("paths.forecast_csv", "data/processed/forecast_30d.csv")
	v.SetDefault("paths.metrics_csv", "reports/metrics/backtest_metrics.csv")
	v.SetDefault("paths.weekday_metrics_csv", "reports/metrics/backtest_by_weekday.csv")
	v.SetDefault("paths.backtest_plot", "reports/figures/backtest_actual_vs_pred.txt")
	v.SetDefault("paths.forecast_plot", "reports/figures/forecast.txt")
	v.SetDefault("paths.components_plot", "reports/figures/forecast_components.txt")

	v.SetDefault("series.pickup_column", "tpep_pickup_datetime")

	v.SetDefault("evaluate.test_days", 15)
	v.SetDefault("evaluate.min_lookback", 10)

	v.SetDefault("forecast.horizon_days", 30)
	v.SetDefault("forecast.alpha", 0.3)
	v.SetDefault("forecast.pattern_weight", 0.6)

	v.SetDefault("download.base_url", "https://data.cityofnewyork.us/resource")
	v.SetDefault("download.dataset_id", "4b4i-vvec")
	v.SetDefault("download.start", "2023-01-01T00:00:00")
	v.SetDefault("download.end", "2023-03-31T23:59:59")
	v.SetDefault("download.page_size", 50000)
	v.SetDefault("download.max_pages", 500)
	v.SetDefault("download.timeout", "60s")
	v.SetDefault("download.requests_per_second", 2.0)
	v.SetDefault("download.max_attempts", 3)
	v.SetDefault("download.app_token", "")

	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.root", ".")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.region", "us-east-1")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.access_key", "")
	v.SetDefault("artifacts.s3.secret_key", "")
	v.SetDefault("artifacts.s3.cache_dir", filepath.Join(os.TempDir(), "persephone-s3-cache"))

	v.SetDefault("runs.backend", "local")
	v.SetDefault("runs.dir", "data/runs")
	v.SetDefault("runs.sqlite_path", "data/runs/persephone.db")
	v.SetDefault("runs.redis_addr", "localhost:6379")
	v.SetDefault("runs.redis_db", 0)
	v.SetDefault("runs.redis_password", "")
	v.SetDefault("runs.retention_days", 365)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "persephone.backtests")

	v.SetDefault("metrics.textfile", "")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
}

// NewViper builds the layered viper instance behind Load. An empty
// configFile searches ./persephone.yaml and ~/.config/persephone.
func NewViper(configFile string) (*viper.Viper, error) {
	loadDotEnv()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("persephone")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "persephone"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	return v, nil
}

// Load resolves the configuration and validates it
func Load(configFile string) (Config, error) {
	v, err := NewViper(configFile)
	if err != nil {
		return Config{}, err
	}
	return FromViper(v)
}

// FromViper decodes and validates a populated viper instance
func FromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects settings no stage can run with
func (c Config) Validate() error {
	var errs []error

	if c.Evaluate.TestDays <= 0 {
		errs = append(errs, fmt.Errorf("evaluate.test_days must be positive, got %d", c.Evaluate.TestDays))
	}
	if c.Evaluate.MinLookback < 0 {
		errs = append(errs, fmt.Errorf("evaluate.min_lookback must not be negative, got %d", c.Evaluate.MinLookback))
	}
	if c.Forecast.HorizonDays < 0 {
		errs = append(errs, fmt.Errorf("forecast.horizon_days must not be negative, got %d", c.Forecast.HorizonDays))
	}
	if c.Series.PickupColumn == "" {
		errs = append(errs, fmt.Errorf("series.pickup_column is required"))
	}
	if c.Download.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("download.page_size must be positive, got %d", c.Download.PageSize))
	}

	switch c.Artifacts.Backend {
	case "local":
	case "s3":
		if c.Artifacts.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("artifacts.s3.bucket is required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown artifacts.backend %q", c.Artifacts.Backend))
	}

	switch c.Runs.Backend {
	case "local", "redis", "sqlite", "none":
	default:
		errs = append(errs, fmt.Errorf("unknown runs.backend %q", c.Runs.Backend))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// loadDotEnv loads the first .env file found. Variables already set in the
// environment win.
func loadDotEnv() {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, filepath.Join(cwd, ".env"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "persephone", ".env"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			_ = godotenv.Load(path)
			return
		}
	}
}
