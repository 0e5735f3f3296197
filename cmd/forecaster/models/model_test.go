package models

import (
	"io"
	"log/slog"
	"testing"

	"github.com/khrystyna-dutka/Masterwork/cmd/forecaster/config"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
)

func TestNewFactory(t *testing.T) {
	cfg := &config.Config{Seed: 7, Tuning: config.DefaultTuning()}
	cfg.Boosted.Estimators = 12
	cfg.Recurrent.SequenceLength = 12
	f := NewFactory(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for _, kind := range []models.Kind{models.KindRecurrent, models.KindBoosted} {
		t.Run(string(kind), func(t *testing.T) {
			m, err := f(kind)
			if err != nil {
				t.Fatal(err)
			}
			if m.Kind() != kind {
				t.Errorf("Kind = %q, want %q", m.Kind(), kind)
			}
		})
	}
	b, _ := f(models.KindBoosted)
	if got := b.(*models.Boosted).Config(); got.Estimators != 12 || got.Seed != 7 {
		t.Errorf("boosted config = %+v", got)
	}
	r, _ := f(models.KindRecurrent)
	if r.Lookback() != 12 {
		t.Errorf("recurrent lookback = %d, want 12", r.Lookback())
	}
	if _, err := f("arima"); err == nil {
		t.Error("expected error for unknown kind")
	}
}

func TestServiceConfig(t *testing.T) {
	cfg := &config.Config{Model: "xgboost", HistoryHours: 96, TrainDays: 14, Epochs: 20, Seed: 1, Tuning: config.DefaultTuning()}
	fc := ServiceConfig(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if fc.Kind != models.KindBoosted || fc.HistoryHours != 96 || fc.TrainDays != 14 || fc.Epochs != 20 {
		t.Errorf("config = %+v", fc)
	}
	if fc.NewModel == nil {
		t.Error("NewModel not set")
	}
	if err := fc.Validate(); err != nil {
		t.Error(err)
	}
}
