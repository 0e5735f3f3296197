// Package store opens the forecaster's storage backends.
//
// Measurements, forecasts and feedback live in one of:
//
//   - memory: process-local, optionally seeded with synthetic data. Lost on
//     restart.
//   - postgres: the production store. Migrations are applied at startup
//     unless disabled.
//
// Trained models and scalers live in one of memory, file, redis or s3.
//
// Initialization is fail-fast: the New* helpers verify connectivity and
// exit the process when a backend is unavailable, so the forecaster never
// runs with a broken storage configuration.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/config"
	"github.com/khrystyna-dutka/Masterwork/internal/synth"
	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/artifacts"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

// Backend is a storage.Store that holds connections.
type Backend interface {
	storage.Store
	Close() error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// New opens the measurement store or exits.
func New(cfg *config.Config, logger *slog.Logger) Backend {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	b, err := Open(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open storage", "storage", cfg.Storage, "error", err)
		os.Exit(1)
	}
	return b
}

// NewArtifacts opens the model store or exits.
func NewArtifacts(cfg *config.Config, logger *slog.Logger) artifacts.Store {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s, err := OpenArtifacts(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to open model store", "artifacts", cfg.Artifacts, "error", err)
		os.Exit(1)
	}
	return s
}

// Open opens and verifies the measurement store selected by cfg.Storage.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Backend, error) {
	switch cfg.Storage {
	case "memory":
		logger.Info("initializing in-memory storage", "seed_hours", cfg.SeedHours)
		s := storage.NewMemoryStore()
		if cfg.SeedHours > 0 {
			if err := Seed(ctx, s, time.Now().UTC().Truncate(time.Hour), cfg.SeedHours); err != nil {
				return nil, err
			}
		}
		return s, nil

	case "postgres":
		if cfg.Migrate {
			if err := storage.Migrate(cfg.DatabaseURL, logger); err != nil {
				return nil, err
			}
		}
		s, err := storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("postgres health check: %w", err)
		}
		logger.Info("postgres storage initialized successfully")
		return s, nil
	}
	return nil, fmt.Errorf("invalid storage type %q", cfg.Storage)
}

// OpenArtifacts opens and verifies the model store selected by cfg.Artifacts.
func OpenArtifacts(ctx context.Context, cfg *config.Config, logger *slog.Logger) (artifacts.Store, error) {
	switch cfg.Artifacts {
	case "memory":
		logger.Info("initializing in-memory model store")
		return artifacts.NewMemoryStore(), nil

	case "file":
		logger.Info("initializing file model store", "dir", cfg.ArtifactDir)
		return artifacts.NewFileStore(cfg.ArtifactDir)

	case "redis":
		logger.Info("initializing redis model store", "addr", cfg.RedisAddr, "db", cfg.RedisDB, "ttl", cfg.RedisTTL)
		s, err := artifacts.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisTTL)
		if err != nil {
			return nil, err
		}
		if err := s.Ping(ctx); err != nil {
			s.Close()
			return nil, fmt.Errorf("redis health check: %w", err)
		}
		return s, nil

	case "s3":
		logger.Info("initializing s3 model store", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix, "region", cfg.S3Region)
		return artifacts.NewS3Store(ctx, artifacts.S3Options{
			Region:   cfg.S3Region,
			Bucket:   cfg.S3Bucket,
			Prefix:   cfg.S3Prefix,
			Endpoint: cfg.S3Endpoint,
		})
	}
	return nil, fmt.Errorf("invalid artifacts type %q", cfg.Artifacts)
}

// Seed writes hours of synthetic hourly measurements ending at end for
// every zone.
func Seed(ctx context.Context, w storage.MeasurementWriter, end time.Time, hours int) error {
	for i, z := range airquality.Zones {
		ms := synth.Series(z, end, hours, synth.Options{Noise: 0.05, Seed: uint64(i + 1)})
		if err := w.InsertMeasurements(ctx, ms); err != nil {
			return fmt.Errorf("seed zone %d: %w", z, err)
		}
	}
	return nil
}

// Check returns a health check for s. Stores without a Ping method are
// always healthy.
func Check(s any) func() error {
	p, ok := s.(pinger)
	if !ok {
		return func() error { return nil }
	}
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.Ping(ctx)
	}
}
