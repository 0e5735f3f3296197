package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/khrystyna-dutka/Masterwork/internal/synth"
	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

type fakeTrainer struct {
	trainedAt time.Time
	missing   bool
	fail      error
	calls     []forecast.TrainRequest
}

func (f *fakeTrainer) LastTrained(context.Context, airquality.Zone) (time.Time, error) {
	if f.missing {
		return time.Time{}, airquality.ErrArtifactNotFound
	}
	return f.trainedAt, nil
}

func (f *fakeTrainer) Train(_ context.Context, zone airquality.Zone, req forecast.TrainRequest) (forecast.Report, error) {
	f.calls = append(f.calls, req)
	if f.fail != nil {
		return forecast.Report{}, f.fail
	}
	f.missing = false
	f.trainedAt = now
	return forecast.Report{Zone: zone, TrainedAt: now}, nil
}

// seed stores 24 hours of actual measurements and forecasts derived from
// them through bias.
func seed(t *testing.T, bias func(float64) float64) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	actuals := synth.Series(1, now.Add(-time.Hour), 24, synth.Options{Seed: 1})
	if err := s.InsertMeasurements(ctx, actuals); err != nil {
		t.Fatal(err)
	}
	fs := make([]airquality.Forecast, len(actuals))
	for i, a := range actuals {
		fs[i] = airquality.Forecast{ID: uuid.New(), Zone: 1, Time: a.Time.Add(10 * time.Minute)}
		for k, v := range a.Values {
			fs[i].Values[k] = bias(v)
		}
	}
	if err := s.ReplaceForecasts(ctx, 1, now.Add(-48*time.Hour), fs); err != nil {
		t.Fatal(err)
	}
	return s
}

func newMonitor(s *storage.MemoryStore, tr Trainer) *Monitor {
	return New(s, s, tr, DefaultThresholds(), nil).WithClock(func() time.Time { return now })
}

func TestCheck_BiasTriggersRetrain(t *testing.T) {
	s := seed(t, func(v float64) float64 { return v * 1.5 })
	tr := &fakeTrainer{trainedAt: now.Add(-2 * time.Hour)}
	m := newMonitor(s, tr)

	var observed []Decision
	m.OnDecision = func(d Decision) { observed = append(observed, d) }

	d, err := m.Check(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(d.Signal, airquality.ErrCriticalDrift) {
		t.Errorf("Signal = %v, want ErrCriticalDrift", d.Signal)
	}
	if d.Reason != ReasonCritical {
		t.Errorf("Reason = %q, want %q", d.Reason, ReasonCritical)
	}
	if len(tr.calls) != 1 || tr.calls[0].Days != 30 {
		t.Fatalf("train calls = %+v, want one 30-day retrain", tr.calls)
	}
	if !d.Retrained || d.To != Healthy || d.Report == nil {
		t.Errorf("decision = %+v, want retrained and healthy", d)
	}
	if d.Accuracy == nil || d.Accuracy.Pairs != 24 {
		t.Fatalf("accuracy = %+v, want 24 pairs", d.Accuracy)
	}
	pm25 := d.Accuracy.PerPollutant["pm25"]
	if pm25.ForecastMean <= pm25.ActualMean {
		t.Errorf("pm25 forecast mean %v should exceed actual mean %v", pm25.ForecastMean, pm25.ActualMean)
	}
	if len(observed) != 1 {
		t.Errorf("OnDecision called %d times, want 1", len(observed))
	}
}

func TestCheck_DriftHonoursCooldown(t *testing.T) {
	s := seed(t, func(v float64) float64 { return v + 5 })
	tr := &fakeTrainer{trainedAt: now.Add(-2 * time.Hour), fail: errors.New("boom")}
	m := newMonitor(s, tr)
	ctx := context.Background()

	d, _ := m.Check(ctx, 1)
	if !errors.Is(d.Signal, airquality.ErrDriftDetected) || d.Reason != ReasonHighError {
		t.Fatalf("first check = %+v, want drift", d)
	}
	if d.Err == nil || d.Retrained {
		t.Error("failed retrain must be reported")
	}
	if d.To != Drifted || m.State(1) != Drifted {
		t.Errorf("state = %v/%v, want drifted after failed retrain", d.To, m.State(1))
	}

	// Within the cooldown the drift is reported but no retrain is attempted.
	d, _ = m.Check(ctx, 1)
	if d.Reason != ReasonCooldown || len(tr.calls) != 1 {
		t.Errorf("second check reason %q after %d calls, want cooldown after 1", d.Reason, len(tr.calls))
	}
	if d.From != Drifted {
		t.Errorf("From = %v, want drifted", d.From)
	}

	// After the cooldown the monitor retries.
	m.WithClock(func() time.Time { return now.Add(61 * time.Minute) })
	tr.fail = nil
	d, _ = m.Check(ctx, 1)
	if len(tr.calls) != 2 || !d.Retrained || m.State(1) != Healthy {
		t.Errorf("third check = %+v with %d calls, want successful retrain", d, len(tr.calls))
	}
}

func TestCheck_CriticalBypassesCooldown(t *testing.T) {
	s := seed(t, func(v float64) float64 { return v * 3 })
	tr := &fakeTrainer{trainedAt: now.Add(-2 * time.Hour), fail: errors.New("boom")}
	m := newMonitor(s, tr)

	m.Check(context.Background(), 1)
	m.Check(context.Background(), 1)
	if len(tr.calls) != 2 {
		t.Errorf("train calls = %d, want 2", len(tr.calls))
	}
}

func TestCheck_Precedence(t *testing.T) {
	tests := []struct {
		name       string
		bias       func(float64) float64
		trainedAgo time.Duration
		missing    bool
		wantTo     State
		wantReason Reason
		wantCalls  int
	}{
		{"healthy", func(v float64) float64 { return v + 0.5 }, 2 * time.Hour, false, Healthy, ReasonGood, 0},
		{"stale", func(v float64) float64 { return v + 0.5 }, 30 * time.Hour, false, Healthy, ReasonTimeThreshold, 1},
		{"critical beats stale", func(v float64) float64 { return v * 2 }, 30 * time.Hour, false, Healthy, ReasonCritical, 1},
		{"drift beats stale", func(v float64) float64 { return v + 5 }, 30 * time.Hour, false, Healthy, ReasonHighError, 1},
		{"no model", func(v float64) float64 { return v }, 0, true, Healthy, ReasonNoModel, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := &fakeTrainer{trainedAt: now.Add(-tt.trainedAgo), missing: tt.missing}
			m := newMonitor(seed(t, tt.bias), tr)
			d, err := m.Check(context.Background(), 1)
			if err != nil {
				t.Fatal(err)
			}
			if d.To != tt.wantTo || d.Reason != tt.wantReason || len(tr.calls) != tt.wantCalls {
				t.Errorf("decision to %v reason %q with %d calls, want %v %q %d",
					d.To, d.Reason, len(tr.calls), tt.wantTo, tt.wantReason, tt.wantCalls)
			}
		})
	}
}

func TestCheck_HasModelAfterFailedFirstTraining(t *testing.T) {
	tr := &fakeTrainer{missing: true, fail: errors.New("not enough rows")}
	m := newMonitor(storage.NewMemoryStore(), tr)
	ctx := context.Background()

	d, _ := m.Check(ctx, 1)
	if d.Reason != ReasonNoModel || d.Retrained || d.HasModel {
		t.Errorf("first check reason %q retrained %v has model %v, want no_model without a model", d.Reason, d.Retrained, d.HasModel)
	}
	d, _ = m.Check(ctx, 1)
	if d.Reason != ReasonCooldown || d.HasModel {
		t.Errorf("second check reason %q has model %v, want cooldown without a model", d.Reason, d.HasModel)
	}

	m.WithClock(func() time.Time { return now.Add(61 * time.Minute) })
	tr.fail = nil
	if d, _ = m.Check(ctx, 1); !d.Retrained || !d.HasModel {
		t.Errorf("third check retrained %v has model %v, want a model", d.Retrained, d.HasModel)
	}
}

func TestCheck_InsufficientOverlap(t *testing.T) {
	s := storage.NewMemoryStore()
	tr := &fakeTrainer{trainedAt: now.Add(-time.Hour)}
	m := newMonitor(s, tr)

	d, err := m.Check(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if d.To != Healthy || d.Reason != ReasonNoForecasts || d.Accuracy != nil || d.Err != nil {
		t.Errorf("decision = %+v", d)
	}
	if _, err := m.Check(context.Background(), 9); !errors.Is(err, airquality.ErrUnknownZone) {
		t.Errorf("Check(9) error = %v, want ErrUnknownZone", err)
	}
}

func TestCheckAll(t *testing.T) {
	s := seed(t, func(v float64) float64 { return v })
	m := newMonitor(s, &fakeTrainer{trainedAt: now.Add(-time.Hour)})
	ds := m.CheckAll(context.Background())
	if len(ds) != 6 {
		t.Fatalf("decisions = %d, want 6", len(ds))
	}
	if ds[0].Accuracy == nil || ds[0].Accuracy.MAE != 0 {
		t.Errorf("zone 1 accuracy = %+v, want exact match", ds[0].Accuracy)
	}
	if last, ok := m.Last(1); !ok || last.Zone != 1 {
		t.Errorf("Last(1) = %+v, %v", last, ok)
	}
}

func TestMatch(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	actuals := []airquality.Measurement{
		{Time: base.Add(-20 * time.Minute), Values: airquality.Values{1}},
		{Time: base.Add(5 * time.Minute), Values: airquality.Values{2}},
		{Time: base.Add(2 * time.Hour), Values: airquality.Values{3}},
	}
	fs := []airquality.Forecast{
		{Time: base},
		{Time: base.Add(time.Hour)},
		{Time: base.Add(2*time.Hour + 30*time.Minute)},
	}
	pairs := Match(fs, actuals, 30*time.Minute)
	if len(pairs) != 2 {
		t.Fatalf("pairs = %d, want 2", len(pairs))
	}
	if pairs[0].Actual.Values[0] != 2 {
		t.Errorf("nearest actual = %v, want 2", pairs[0].Actual.Values[0])
	}
	if pairs[1].Actual.Values[0] != 3 {
		t.Errorf("edge of tolerance = %v, want 3", pairs[1].Actual.Values[0])
	}
}
