package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

// Tuner fine-tunes a zone's serving model. forecast.Service implements it.
type Tuner interface {
	FineTune(ctx context.Context, zone airquality.Zone, build forecast.DatasetBuilder, opts models.TrainOptions) (forecast.Report, error)
	History(ctx context.Context, zone airquality.Zone, from, to time.Time) ([]features.Point, error)
}

// TrainerConfig controls incremental training. Zero Epochs and LearningRate
// keep each model family's own fine-tuning defaults.
type TrainerConfig struct {
	MinRecords   int
	Limit        int
	Epochs       int
	LearningRate float64
}

func DefaultTrainerConfig() TrainerConfig {
	return TrainerConfig{MinRecords: 50, Limit: 1000}
}

// Result reports one incremental training attempt.
type Result struct {
	Zone    airquality.Zone
	Unused  int
	Records int
	Samples int
	Marked  int
	Trained bool
	Report  *forecast.Report
}

// IncrementalTrainer fine-tunes models on accumulated feedback.
type IncrementalTrainer struct {
	cfg      TrainerConfig
	feedback storage.FeedbackStore
	tuner    Tuner
	logger   *slog.Logger
}

func NewIncrementalTrainer(cfg TrainerConfig, fb storage.FeedbackStore, tuner Tuner, logger *slog.Logger) *IncrementalTrainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &IncrementalTrainer{cfg: cfg, feedback: fb, tuner: tuner, logger: logger}
}

// Run fine-tunes the zone's model when at least MinRecords unused feedback
// records exist. Each sample pairs the model input built from the real
// measurements preceding the forecast time with the observed values.
// Consumed records are marked used only after the new model is saved, so a
// failed run leaves them for the next one.
func (t *IncrementalTrainer) Run(ctx context.Context, zone airquality.Zone) (Result, error) {
	res := Result{Zone: zone}
	if err := airquality.ValidateZone(zone); err != nil {
		return res, err
	}
	n, err := t.feedback.CountUnused(ctx, zone)
	if err != nil {
		return res, err
	}
	res.Unused = n
	if n < t.cfg.MinRecords {
		t.logger.Debug("not enough feedback for incremental training", "zone", zone, "unused", n, "need", t.cfg.MinRecords)
		return res, nil
	}

	recs, err := t.feedback.UnusedFeedback(ctx, zone, t.cfg.Limit)
	if err != nil {
		return res, err
	}
	res.Records = len(recs)

	built := 0
	build := func(ctx context.Context, b *forecast.Bundle) (models.Dataset, error) {
		ds, err := t.samples(ctx, zone, b, recs)
		built = len(ds)
		return ds, err
	}
	rep, err := t.tuner.FineTune(ctx, zone, build, models.TrainOptions{
		Epochs:       t.cfg.Epochs,
		LearningRate: t.cfg.LearningRate,
	})
	if err != nil {
		return res, fmt.Errorf("incremental training of zone %d: %w", zone, err)
	}
	res.Trained = true
	res.Report = &rep
	res.Samples = built

	ids := make([]uuid.UUID, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	if res.Marked, err = t.feedback.MarkUsed(ctx, ids); err != nil {
		return res, fmt.Errorf("mark feedback of zone %d: %w", zone, err)
	}
	t.logger.Info("incremental training complete", "zone", zone, "records", len(recs), "marked", res.Marked)
	return res, nil
}

// samples rebuilds model inputs for every record from the measurements
// strictly before its forecast time and normalizes the observed values with
// the bundle's scaler, so inputs and targets share one scale even when the
// scaler was refitted after collection. Records without enough history are
// left out.
func (t *IncrementalTrainer) samples(ctx context.Context, zone airquality.Zone, b *forecast.Bundle, recs []airquality.Feedback) (models.Dataset, error) {
	if len(recs) == 0 {
		return nil, nil
	}
	lookback := b.Model.Lookback()
	first, last := recs[0].ForecastFor, recs[0].ForecastFor
	for _, r := range recs[1:] {
		if r.ForecastFor.Before(first) {
			first = r.ForecastFor
		}
		if r.ForecastFor.After(last) {
			last = r.ForecastFor
		}
	}

	points, err := t.tuner.History(ctx, zone, first.Add(-time.Duration(2*lookback)*time.Hour), last)
	if err != nil {
		return nil, err
	}
	norm, err := forecast.Normalize(b.Scaler, points)
	if err != nil {
		return nil, err
	}

	ds := make(models.Dataset, 0, len(recs))
	for _, r := range recs {
		end := sort.Search(len(norm), func(i int) bool { return !norm[i].Time.Before(r.ForecastFor) })
		if end < lookback {
			continue
		}
		ds = append(ds, models.Sample{
			Time: r.ForecastFor,
			X:    b.Model.Input(norm[end-lookback:end], r.ForecastFor),
			Y:    models.Normalize(b.Scaler, r.Actual),
		})
	}
	return ds, nil
}

// RunAll runs every zone. A failing zone does not stop the others.
func (t *IncrementalTrainer) RunAll(ctx context.Context) ([]Result, error) {
	out := make([]Result, 0, len(airquality.Zones))
	var errs []error
	for _, z := range airquality.Zones {
		r, err := t.Run(ctx, z)
		if err != nil {
			t.logger.Error("incremental training failed", "zone", z, "error", err)
			errs = append(errs, err)
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}
