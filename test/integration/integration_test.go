package integration

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/khrystyna-dutka/Masterwork/internal/synth"
	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/artifacts"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

var (
	testNow = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)
	discard = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("airquality"),
		tcpostgres.WithUsername("aq"),
		tcpostgres.WithPassword("aq"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("Failed to terminate postgres container: %v", err)
		}
	})
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("Failed to get postgres connection string: %v", err)
	}
	return dsn
}

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("Failed to start redis container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(ctr); err != nil {
			t.Logf("Failed to terminate redis container: %v", err)
		}
	})
	addr, err := ctr.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get redis endpoint: %v", err)
	}
	return addr
}

func openPostgres(t *testing.T, dsn string) *storage.PostgresStore {
	t.Helper()
	if err := storage.Migrate(dsn, discard); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	s, err := storage.NewPostgresStore(context.Background(), dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func smallBoosted(kind models.Kind) (models.Model, error) {
	if kind != models.KindBoosted {
		return models.New(kind, 1)
	}
	cfg := models.DefaultBoostedConfig()
	cfg.Estimators = 30
	cfg.MaxDepth = 3
	cfg.LearningRate = 0.2
	cfg.Subsample = 1
	cfg.MaxBins = 16
	return models.NewBoosted(cfg), nil
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	dsn := startPostgres(t)
	s := openPostgres(t, dsn)

	// A second run finds the schema current.
	if err := storage.Migrate(dsn, discard); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	ms := synth.Series(2, testNow, 48, synth.Options{Seed: 1})
	if err := s.InsertMeasurements(ctx, ms); err != nil {
		t.Fatalf("InsertMeasurements: %v", err)
	}
	got, err := s.Measurements(ctx, 2, testNow.Add(-23*time.Hour), testNow)
	if err != nil {
		t.Fatalf("Measurements: %v", err)
	}
	if len(got) != 24 {
		t.Fatalf("measurements = %d, want 24", len(got))
	}
	if !got[0].Time.Equal(testNow.Add(-23*time.Hour)) || got[23].Values != ms[47].Values {
		t.Errorf("measurements out of order or altered: first %v", got[0].Time)
	}

	fs := make([]airquality.Forecast, 3)
	for i := range fs {
		fs[i] = airquality.Forecast{ID: uuid.New(), Zone: 2, Time: testNow.Add(time.Duration(i+1) * time.Hour), GeneratedAt: testNow, AQI: 40 + i}
	}
	if err := s.ReplaceForecasts(ctx, 2, testNow, fs); err != nil {
		t.Fatalf("ReplaceForecasts: %v", err)
	}
	// Replacing from hour 2 keeps hour 1.
	if err := s.ReplaceForecasts(ctx, 2, testNow.Add(time.Hour), fs[2:]); err != nil {
		t.Fatalf("ReplaceForecasts: %v", err)
	}
	stored, err := s.Forecasts(ctx, 2, testNow, testNow.Add(24*time.Hour))
	if err != nil {
		t.Fatalf("Forecasts: %v", err)
	}
	if len(stored) != 2 || stored[0].ID != fs[0].ID || stored[1].ID != fs[2].ID {
		t.Fatalf("stored forecasts = %+v", stored)
	}

	fb := airquality.NewFeedback(2, fs[0].ID, fs[0].Time, airquality.Values{0.1}, airquality.Values{0.2})
	for i, want := range []bool{true, false} {
		ok, err := s.InsertFeedback(ctx, fb)
		if err != nil || ok != want {
			t.Fatalf("InsertFeedback #%d = %v, %v, want %v", i+1, ok, err, want)
		}
	}
	if has, _ := s.HasFeedback(ctx, fs[0].ID); !has {
		t.Error("HasFeedback = false after insert")
	}
	if n, _ := s.CountUnused(ctx, 2); n != 1 {
		t.Errorf("CountUnused = %d, want 1", n)
	}
	recs, err := s.UnusedFeedback(ctx, 2, 10)
	if err != nil || len(recs) != 1 || recs[0].Actual[0] != 0.2 {
		t.Fatalf("UnusedFeedback = %+v, %v", recs, err)
	}
	if n, err := s.MarkUsed(ctx, []uuid.UUID{recs[0].ID}); err != nil || n != 1 {
		t.Errorf("MarkUsed = %d, %v", n, err)
	}
	if n, _ := s.CountUnused(ctx, 2); n != 0 {
		t.Errorf("CountUnused after MarkUsed = %d, want 0", n)
	}
}

func TestRedisArtifacts(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	s, err := artifacts.NewRedisStore(startRedis(t), "", 0, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	key := artifacts.ScalerKey(3)
	if _, ok, err := s.Load(ctx, key); err != nil || ok {
		t.Fatalf("Load of missing key = %v, %v", ok, err)
	}
	if err := s.Save(ctx, key, []byte("scaler")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	blob, ok, err := s.Load(ctx, key)
	if err != nil || !ok || string(blob) != "scaler" {
		t.Errorf("Load = %q, %v, %v", blob, ok, err)
	}
}

// TestTrainPublishAcrossRestart trains a zone against Postgres and Redis,
// then checks that a fresh service forecasts from the persisted artifacts.
func TestTrainPublishAcrossRestart(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()
	db := openPostgres(t, startPostgres(t))
	redisAddr := startRedis(t)

	if err := db.InsertMeasurements(ctx, synth.Series(1, testNow, 240, synth.Options{Noise: 0.02, Seed: 7})); err != nil {
		t.Fatal(err)
	}

	newService := func() *forecast.Service {
		arts, err := artifacts.NewRedisStore(redisAddr, "", 0, 0)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { arts.Close() })
		cfg := forecast.DefaultConfig()
		cfg.Kind = models.KindBoosted
		cfg.NewModel = smallBoosted
		return forecast.NewService(cfg, db, arts, discard).WithClock(func() time.Time { return testNow })
	}

	rep, err := newService().Train(ctx, 1, forecast.TrainRequest{Days: 9})
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	if rep.TrainSamples == 0 {
		t.Fatalf("report = %+v", rep)
	}

	svc := newService()
	fs, err := svc.Publish(ctx, 1, 12)
	if err != nil {
		t.Fatalf("Publish after restart: %v", err)
	}
	if len(fs) != 12 {
		t.Fatalf("forecasts = %d, want 12", len(fs))
	}
	stored, err := db.Forecasts(ctx, 1, testNow, testNow.Add(13*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != 12 {
		t.Fatalf("stored %d forecasts, want 12", len(stored))
	}
	if stored[0].ID != fs[0].ID || stored[0].AQI != fs[0].AQI {
		t.Errorf("first stored forecast = %+v, want %+v", stored[0], fs[0])
	}
}
