package feedback

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/khrystyna-dutka/Masterwork/internal/synth"
	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/artifacts"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

var testNow = time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC)

func smallBoosted(kind models.Kind) (models.Model, error) {
	if kind != models.KindBoosted {
		return models.New(kind, 1)
	}
	cfg := models.DefaultBoostedConfig()
	cfg.Estimators = 30
	cfg.MaxDepth = 3
	cfg.LearningRate = 0.2
	cfg.Subsample = 1
	cfg.MinChildWeight = 1
	cfg.Gamma = 0
	cfg.MaxBins = 16
	return models.NewBoosted(cfg), nil
}

type env struct {
	store *storage.MemoryStore
	svc   *forecast.Service
	ms    []airquality.Measurement
}

// newEnv trains a zone 1 model on ten days of synthetic data and stores a
// forecast, offset from the truth by one µg/m³, for each of the last
// forecasts hours.
func newEnv(t *testing.T, forecasts int) env {
	t.Helper()
	ctx := context.Background()
	store := storage.NewMemoryStore()
	ms := synth.Series(1, testNow, 240, synth.Options{Noise: 0.02, Seed: 3})
	if err := store.InsertMeasurements(ctx, ms); err != nil {
		t.Fatal(err)
	}
	cfg := forecast.DefaultConfig()
	cfg.Kind = models.KindBoosted
	cfg.NewModel = smallBoosted
	svc := forecast.NewService(cfg, store, artifacts.NewMemoryStore(), nil).
		WithClock(func() time.Time { return testNow })
	if _, err := svc.Train(ctx, 1, forecast.TrainRequest{Days: 9}); err != nil {
		t.Fatal(err)
	}

	e := env{store: store, svc: svc, ms: ms}
	e.storeForecasts(t, ms[len(ms)-forecasts:])
	return e
}

// storeForecasts replaces the stored forecasts with one per measurement,
// offset from the truth by one µg/m³.
func (e env) storeForecasts(t *testing.T, ms []airquality.Measurement) {
	t.Helper()
	fs := make([]airquality.Forecast, 0, len(ms))
	for _, m := range ms {
		f := airquality.Forecast{ID: uuid.New(), Zone: 1, Time: m.Time}
		for k, v := range m.Values {
			f.Values[k] = v + 1
		}
		fs = append(fs, f)
	}
	if err := e.store.ReplaceForecasts(context.Background(), 1, testNow.Add(-30*24*time.Hour), fs); err != nil {
		t.Fatal(err)
	}
}

func (e env) collector() *Collector {
	cfg := DefaultCollectorConfig()
	cfg.Window = 72 * time.Hour
	cfg.Limit = 100
	return NewCollector(cfg, e.store, e.store, e.store, e.svc, nil).
		WithClock(func() time.Time { return testNow.Add(time.Minute) })
}

func TestCollect_StoresPhysicalPairsOnce(t *testing.T) {
	e := newEnv(t, 60)
	ctx := context.Background()
	c := e.collector()

	n, err := c.Collect(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if n != 60 {
		t.Fatalf("collected %d records, want 60", n)
	}
	if n, _ := c.Collect(ctx, 1); n != 0 {
		t.Errorf("second pass collected %d records, want 0", n)
	}

	recs, err := e.store.UnusedFeedback(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	last := e.ms[len(e.ms)-1]
	got := recs[len(recs)-1]
	if !got.ForecastFor.Equal(last.Time) {
		t.Fatalf("latest record for %v, want %v", got.ForecastFor, last.Time)
	}
	for _, p := range airquality.Pollutants {
		if got.Actual[p] != last.Values[p] {
			t.Errorf("%s actual = %v, want measured %v", p, got.Actual[p], last.Values[p])
		}
		if d := got.Predicted[p] - got.Actual[p] - 1; d > 1e-9 || d < -1e-9 {
			t.Errorf("%s predicted %v, want actual + 1", p, got.Predicted[p])
		}
		if d := got.Errors[p] - 1; d > 1e-9 || d < -1e-9 {
			t.Errorf("%s error = %v, want 1", p, got.Errors[p])
		}
	}
}

type noScaler struct{}

func (noScaler) Scaler(context.Context, airquality.Zone) (*scaler.MinMax, error) {
	return nil, airquality.ErrArtifactNotFound
}

func TestCollect_SkipsUntrainedZone(t *testing.T) {
	s := storage.NewMemoryStore()
	c := NewCollector(DefaultCollectorConfig(), s, s, s, noScaler{}, nil)
	n, err := c.Collect(context.Background(), 2)
	if err != nil || n != 0 {
		t.Errorf("Collect = %d, %v, want 0, nil", n, err)
	}
	if _, err := c.Collect(context.Background(), 0); !errors.Is(err, airquality.ErrUnknownZone) {
		t.Errorf("Collect(0) error = %v, want ErrUnknownZone", err)
	}
}

func TestIncrementalTrainer_FineTunesAndMarksUsed(t *testing.T) {
	e := newEnv(t, 60)
	ctx := context.Background()
	if _, err := e.collector().Collect(ctx, 1); err != nil {
		t.Fatal(err)
	}

	tr := NewIncrementalTrainer(DefaultTrainerConfig(), e.store, e.svc, nil)
	res, err := tr.Run(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Trained || res.Records != 60 || res.Marked != 60 {
		t.Fatalf("result = %+v, want 60 records trained and marked", res)
	}
	if res.Samples != 60 || res.Report.FineTunes != 1 {
		t.Errorf("samples %d fine-tunes %d, want 60 and 1", res.Samples, res.Report.FineTunes)
	}
	if n, _ := e.store.CountUnused(ctx, 1); n != 0 {
		t.Errorf("unused after run = %d, want 0", n)
	}

	// Used records are never selected again.
	res, err = tr.Run(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Trained {
		t.Error("second run trained on already used feedback")
	}
}

// capturingTuner fine-tunes through the real service and keeps the dataset
// and the scaler it was built against.
type capturingTuner struct {
	*forecast.Service
	ds models.Dataset
	sc *scaler.MinMax
}

func (c *capturingTuner) FineTune(ctx context.Context, zone airquality.Zone, build forecast.DatasetBuilder, opts models.TrainOptions) (forecast.Report, error) {
	return c.Service.FineTune(ctx, zone, func(ctx context.Context, b *forecast.Bundle) (models.Dataset, error) {
		ds, err := build(ctx, b)
		c.ds, c.sc = ds, b.Scaler
		return ds, err
	}, opts)
}

func TestIncrementalTrainer_TargetsUseServingScaler(t *testing.T) {
	e := newEnv(t, 60)
	ctx := context.Background()
	if _, err := e.collector().Collect(ctx, 1); err != nil {
		t.Fatal(err)
	}
	collectedWith, err := e.svc.Scaler(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := e.store.UnusedFeedback(ctx, 1, 0)
	if err != nil {
		t.Fatal(err)
	}
	actual := make(map[time.Time]airquality.Values, len(recs))
	for _, r := range recs {
		actual[r.ForecastFor] = r.Actual
	}

	// A full retrain on a shorter window refits the scaler.
	if _, err := e.svc.Train(ctx, 1, forecast.TrainRequest{Days: 4}); err != nil {
		t.Fatal(err)
	}
	refitted, err := e.svc.Scaler(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if slices.Equal(refitted.Min, collectedWith.Min) && slices.Equal(refitted.Max, collectedWith.Max) {
		t.Fatal("retrain kept the scaler; the test needs a refitted one")
	}

	tuner := &capturingTuner{Service: e.svc}
	res, err := NewIncrementalTrainer(DefaultTrainerConfig(), e.store, tuner, nil).Run(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Trained || len(tuner.ds) != 60 {
		t.Fatalf("trained %v with %d samples, want 60", res.Trained, len(tuner.ds))
	}
	if !slices.Equal(tuner.sc.Min, refitted.Min) {
		t.Fatal("dataset built against a stale scaler")
	}
	for _, s := range tuner.ds {
		want := models.Normalize(refitted, actual[s.Time])
		for j := range want {
			if d := s.Y[j] - want[j]; d > 1e-9 || d < -1e-9 {
				t.Fatalf("target %v[%d] = %v, want %v in the serving scaler", s.Time, j, s.Y[j], want[j])
			}
		}
	}
}

func TestIncrementalTrainer_ReportsSamplesPerRun(t *testing.T) {
	e := newEnv(t, 60)
	ctx := context.Background()
	c := e.collector()
	tr := NewIncrementalTrainer(DefaultTrainerConfig(), e.store, e.svc, nil)

	if _, err := c.Collect(ctx, 1); err != nil {
		t.Fatal(err)
	}
	if res, err := tr.Run(ctx, 1); err != nil || res.Samples != 60 {
		t.Fatalf("first run: samples %d, err %v, want 60", res.Samples, err)
	}

	// Fifty older forecasts come due for a second pass.
	e.storeForecasts(t, e.ms[len(e.ms)-120:len(e.ms)-70])
	c.cfg.Window = 200 * time.Hour
	if n, err := c.Collect(ctx, 1); err != nil || n != 50 {
		t.Fatalf("second collect = %d, %v, want 50", n, err)
	}
	res, err := tr.Run(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Samples != 50 || res.Marked != 50 {
		t.Errorf("second run: samples %d marked %d, want 50 and 50", res.Samples, res.Marked)
	}
	if res.Report.FineTunes != 2 {
		t.Errorf("fine-tunes = %d, want 2", res.Report.FineTunes)
	}
}

type fakeTuner struct {
	calls int
	fail  error
}

func (f *fakeTuner) FineTune(context.Context, airquality.Zone, forecast.DatasetBuilder, models.TrainOptions) (forecast.Report, error) {
	f.calls++
	return forecast.Report{}, f.fail
}

func (f *fakeTuner) History(context.Context, airquality.Zone, time.Time, time.Time) ([]features.Point, error) {
	return nil, nil
}

func seedFeedback(t *testing.T, s *storage.MemoryStore, n int) {
	t.Helper()
	for i := range n {
		fb := airquality.NewFeedback(1, uuid.New(), testNow.Add(time.Duration(i)*time.Hour), airquality.Values{}, airquality.Values{})
		if _, err := s.InsertFeedback(context.Background(), fb); err != nil {
			t.Fatal(err)
		}
	}
}

func TestIncrementalTrainer_Thresholds(t *testing.T) {
	tests := []struct {
		name        string
		records     int
		fail        error
		wantCalls   int
		wantUnused  int
		wantErr     bool
		wantTrained bool
	}{
		{"below minimum", 49, nil, 0, 49, false, false},
		{"at minimum", 50, nil, 1, 0, false, true},
		{"failed fine-tune keeps records", 60, errors.New("boom"), 1, 60, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := storage.NewMemoryStore()
			seedFeedback(t, s, tt.records)
			tuner := &fakeTuner{fail: tt.fail}
			res, err := NewIncrementalTrainer(DefaultTrainerConfig(), s, tuner, nil).Run(context.Background(), 1)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tuner.calls != tt.wantCalls || res.Trained != tt.wantTrained {
				t.Errorf("calls %d trained %v, want %d %v", tuner.calls, res.Trained, tt.wantCalls, tt.wantTrained)
			}
			if n, _ := s.CountUnused(context.Background(), 1); n != tt.wantUnused {
				t.Errorf("unused = %d, want %d", n, tt.wantUnused)
			}
		})
	}
}
