// Package config implements the forecaster configuration.
//
// Settings come from flags, falling back to environment variables (a .env
// file in the working directory is loaded first) and then to defaults.
// Monitor thresholds, model hyper-parameters, feedback limits and job
// schedules can additionally be tuned in a YAML file named by -config or
// CONFIG_FILE.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
)

// Config holds all forecaster configuration.
type Config struct {
	Listen     string
	GRPCListen string

	// Storage selects the measurement and forecast store: memory or postgres.
	Storage     string
	DatabaseURL string
	Migrate     bool
	// Seed fills the memory store with this many hours of synthetic
	// measurements per zone.
	SeedHours int

	// Artifacts selects the model store: memory, file, redis or s3.
	Artifacts     string
	ArtifactDir   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	S3Bucket      string
	S3Prefix      string
	S3Region      string
	S3Endpoint    string

	Model        string
	HistoryHours int
	TrainDays    int
	Epochs       int
	Horizon      int
	Seed         uint64

	ConfigFile string
	LogFormat  string
	LogLevel   string

	Tuning
}

// Tuning is the part of the configuration read from the YAML file.
type Tuning struct {
	Monitor   monitor.Thresholds     `yaml:"monitor"`
	Recurrent models.RecurrentConfig `yaml:"lstm"`
	Boosted   models.BoostedConfig   `yaml:"xgboost"`
	Feedback  Feedback               `yaml:"feedback"`
	Schedule  Schedule               `yaml:"schedule"`
}

type Feedback struct {
	MinRecords   int     `yaml:"min_records"`
	Limit        int     `yaml:"limit"`
	Epochs       int     `yaml:"epochs"`
	LearningRate float64 `yaml:"learning_rate"`
}

// Schedule holds cron specs. An empty spec disables the job.
type Schedule struct {
	Forecast    string `yaml:"forecast"`
	Monitor     string `yaml:"monitor"`
	Feedback    string `yaml:"feedback"`
	Incremental string `yaml:"incremental"`
}

func DefaultTuning() Tuning {
	return Tuning{
		Monitor:   monitor.DefaultThresholds(),
		Recurrent: models.DefaultRecurrentConfig(),
		Boosted:   models.DefaultBoostedConfig(),
		Feedback:  Feedback{MinRecords: 50, Limit: 1000},
		Schedule: Schedule{
			Forecast:    "5 * * * *",
			Monitor:     "@every 30m",
			Feedback:    "15 * * * *",
			Incremental: "0 3 * * *",
		},
	}
}

// ParseFlags parses the command line and environment into a Config and
// exits with status 1 when the result is invalid.
func ParseFlags() *Config {
	_ = godotenv.Load()
	cfg, err := Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	return cfg
}

// Parse reads args with fs, overlays the YAML tuning file and validates.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	cfg := &Config{Tuning: DefaultTuning()}

	// Servers
	fs.StringVar(&cfg.Listen, "listen", getEnv("LISTEN", ":8081"), "HTTP listen address")
	fs.StringVar(&cfg.GRPCListen, "grpc-listen", getEnv("GRPC_LISTEN", ":50051"), "gRPC health listen address, empty to disable")

	// Measurement store
	fs.StringVar(&cfg.Storage, "storage", getEnv("STORAGE", "memory"), "Measurement store: memory or postgres")
	fs.StringVar(&cfg.DatabaseURL, "database-url", getEnv("DATABASE_URL", ""), "PostgreSQL connection URL")
	fs.BoolVar(&cfg.Migrate, "migrate", getEnvBool("MIGRATE", true), "Apply database migrations at startup")
	fs.IntVar(&cfg.SeedHours, "seed-hours", getEnvInt("SEED_HOURS", 0), "Hours of synthetic data to load into the memory store")

	// Artifact store
	fs.StringVar(&cfg.Artifacts, "artifacts", getEnv("ARTIFACTS", "file"), "Model store: memory, file, redis or s3")
	fs.StringVar(&cfg.ArtifactDir, "artifact-dir", getEnv("ARTIFACT_DIR", "./models"), "Directory of the file model store")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", getEnv("REDIS_ADDR", "localhost:6379"), "Redis address")
	fs.StringVar(&cfg.RedisPassword, "redis-password", getEnv("REDIS_PASSWORD", ""), "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", getEnvInt("REDIS_DB", 0), "Redis database number")
	fs.DurationVar(&cfg.RedisTTL, "redis-ttl", getEnvDuration("REDIS_TTL", 0), "Artifact TTL in Redis, 0 keeps them forever")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", getEnv("S3_BUCKET", ""), "S3 bucket of the model store")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", getEnv("S3_PREFIX", "models"), "Key prefix in the S3 bucket")
	fs.StringVar(&cfg.S3Region, "s3-region", getEnv("AWS_REGION", "eu-central-1"), "S3 region")
	fs.StringVar(&cfg.S3Endpoint, "s3-endpoint", getEnv("S3_ENDPOINT", ""), "Custom S3 endpoint, e.g. MinIO")

	// Models
	fs.StringVar(&cfg.Model, "model", getEnv("MODEL", string(models.KindRecurrent)), "Model family: lstm or xgboost")
	fs.IntVar(&cfg.HistoryHours, "history-hours", getEnvInt("HISTORY_HOURS", 72), "Hours of history read for a forecast")
	fs.IntVar(&cfg.TrainDays, "train-days", getEnvInt("TRAIN_DAYS", 30), "Days of data used for training")
	fs.IntVar(&cfg.Epochs, "epochs", getEnvInt("EPOCHS", 50), "Training epochs (boosting rounds for xgboost)")
	fs.IntVar(&cfg.Horizon, "horizon", getEnvInt("HORIZON", 24), "Hours forecast by the scheduled refresh")
	fs.Uint64Var(&cfg.Seed, "seed", uint64(getEnvInt("SEED", 42)), "Random seed of model initialisation")

	// Config file and logging
	fs.StringVar(&cfg.ConfigFile, "config", getEnv("CONFIG_FILE", ""), "YAML file with thresholds, hyper-parameters and schedules")
	fs.StringVar(&cfg.LogFormat, "log-format", getEnv("LOG_FORMAT", "text"), "Log format: text or json")
	fs.StringVar(&cfg.LogLevel, "log-level", getEnv("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" {
		if err := cfg.Tuning.Load(cfg.ConfigFile); err != nil {
			return nil, err
		}
	}
	return cfg, cfg.Validate()
}

// Load overlays the YAML file at path. Keys missing from the file keep
// their current values.
func (t *Tuning) Load(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(b, t); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("--database-url is required for postgres storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid storage %q", c.Storage))
	}
	switch c.Artifacts {
	case "memory", "file", "redis":
	case "s3":
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("--s3-bucket is required for s3 artifacts"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid artifacts %q", c.Artifacts))
	}
	if _, err := models.ParseKind(c.Model); err != nil {
		errs = append(errs, err)
	}
	if err := airquality.ValidateHorizon(c.Horizon); err != nil {
		errs = append(errs, err)
	}
	if c.HistoryHours <= 0 || c.TrainDays <= 0 || c.Epochs <= 0 {
		errs = append(errs, errors.New("history-hours, train-days and epochs must be positive"))
	}
	m := c.Monitor
	if m.DriftMAE <= 0 || m.CriticalMAE <= m.DriftMAE {
		errs = append(errs, fmt.Errorf("monitor thresholds need 0 < drift_mae (%v) < critical_mae (%v)", m.DriftMAE, m.CriticalMAE))
	}
	if c.Feedback.MinRecords <= 0 {
		errs = append(errs, errors.New("feedback.min_records must be positive"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
