package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/artifacts"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
)

// TrainRequest selects the data window and budget of a training run. Zero
// fields use the service defaults; with no Epochs configured either, the
// model trains for its own budget.
type TrainRequest struct {
	Days   int
	Epochs int
	Kind   models.Kind
}

// Train fits a new scaler and model for zone on the last Days of
// measurements, persists them and makes them the zone's serving state.
//
// The series is split chronologically: the scaler sees only the training
// share, and the reported accuracy is measured on the validation share in
// physical units next to the persistence baseline.
func (s *Service) Train(ctx context.Context, zone airquality.Zone, req TrainRequest) (Report, error) {
	z, err := s.zone(zone)
	if err != nil {
		return Report{}, err
	}
	if req.Days <= 0 {
		req.Days = s.cfg.TrainDays
	}
	if req.Epochs <= 0 {
		req.Epochs = s.cfg.Epochs
	}
	if req.Kind == "" {
		req.Kind = s.cfg.Kind
	}

	z.trainMu.Lock()
	defer z.trainMu.Unlock()

	m, err := s.cfg.NewModel(req.Kind)
	if err != nil {
		return Report{}, err
	}
	log := s.logger.With("zone", zone, "model", m.Name())

	now := s.now()
	points, err := s.History(ctx, zone, now.AddDate(0, 0, -req.Days), now)
	if err != nil {
		return Report{}, err
	}
	need := m.Lookback() + s.cfg.MinTrainRows
	if len(points) < need {
		return Report{}, fmt.Errorf("train zone %d: %w: %d measurements, need %d", zone, airquality.ErrInsufficientData, len(points), need)
	}

	split := int(float64(len(points)) * s.cfg.TrainFraction)
	sc, err := scaler.Fit(features.BaseColumns(), features.Matrix(points[:split]))
	if err != nil {
		return Report{}, fmt.Errorf("train zone %d: %w", zone, err)
	}
	norm, err := Normalize(sc, points)
	if err != nil {
		return Report{}, fmt.Errorf("train zone %d: %w", zone, err)
	}

	train := models.BuildDataset(m, norm, 0, split)
	val := models.BuildDataset(m, norm, split, len(norm))
	if len(train) == 0 || len(val) == 0 {
		return Report{}, fmt.Errorf("train zone %d: %w: %d train and %d validation samples", zone, airquality.ErrInsufficientData, len(train), len(val))
	}

	log.Info("training started", "rows", len(points), "train_samples", len(train), "val_samples", len(val), "epochs", req.Epochs)
	start := time.Now()
	res, err := m.Train(ctx, train, val, models.TrainOptions{Epochs: req.Epochs, Logger: log})
	if err != nil {
		return Report{}, fmt.Errorf("train zone %d: %w", zone, err)
	}
	for _, w := range res.Warnings {
		log.Warn("training warning", "warning", w)
	}

	ev, err := models.Evaluate(m, val, sc)
	if err != nil {
		return Report{}, fmt.Errorf("evaluate zone %d: %w", zone, err)
	}
	persistence := models.NewPersistence()
	bev, err := models.Evaluate(persistence, models.BuildDataset(persistence, norm, split, len(norm)), sc)
	if err != nil {
		return Report{}, fmt.Errorf("evaluate baseline of zone %d: %w", zone, err)
	}

	rep := Report{
		Zone:         zone,
		Kind:         m.Kind(),
		TrainedAt:    now,
		Days:         req.Days,
		TrainSamples: len(train),
		ValSamples:   len(val),
		Result:       res,
		Evaluation:   ev,
		BaselineMAE:  bev.MeanMAE,
	}
	b := &Bundle{Model: m, Scaler: sc, Report: rep}
	if err := s.persist(ctx, b, true); err != nil {
		return Report{}, err
	}
	z.bundle.Store(b)

	log.Info("training complete",
		"duration", time.Since(start),
		"epochs", res.Epochs,
		"val_score", res.ValScore,
		"mean_mae", ev.MeanMAE,
		"baseline_mae", bev.MeanMAE,
		"overfit_suspected", res.OverfitSuspected,
	)
	return rep, nil
}

// persist saves the bundle's model and metadata, and the scaler and active
// marker when withScaler is set.
func (s *Service) persist(ctx context.Context, b *Bundle, withScaler bool) error {
	zone, kind := b.Report.Zone, string(b.Model.Kind())

	blob, err := b.Model.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode model of zone %d: %w", zone, err)
	}
	if err := s.artifacts.Save(ctx, artifacts.ModelKey(zone, kind), blob); err != nil {
		return fmt.Errorf("save model of zone %d: %w", zone, err)
	}
	if withScaler {
		blob, err := b.Scaler.MarshalBinary()
		if err != nil {
			return fmt.Errorf("encode scaler of zone %d: %w", zone, err)
		}
		if err := s.artifacts.Save(ctx, artifacts.ScalerKey(zone), blob); err != nil {
			return fmt.Errorf("save scaler of zone %d: %w", zone, err)
		}
	}
	meta, err := json.Marshal(b.Report)
	if err != nil {
		return fmt.Errorf("encode metadata of zone %d: %w", zone, err)
	}
	if err := s.artifacts.Save(ctx, artifacts.MetaKey(zone, kind), meta); err != nil {
		return fmt.Errorf("save metadata of zone %d: %w", zone, err)
	}
	if withScaler {
		if err := s.artifacts.Save(ctx, artifacts.ActiveKey(zone), []byte(kind)); err != nil {
			return fmt.Errorf("save active model of zone %d: %w", zone, err)
		}
	}
	return nil
}

// DatasetBuilder shapes fine-tuning samples for the zone's current bundle.
type DatasetBuilder func(ctx context.Context, b *Bundle) (models.Dataset, error)

// FineTune continues training a copy of the zone's model on the samples
// returned by build, persists it and swaps it in. The scaler is unchanged.
// The serving model is untouched when any step fails.
func (s *Service) FineTune(ctx context.Context, zone airquality.Zone, build DatasetBuilder, opts models.TrainOptions) (Report, error) {
	z, err := s.zone(zone)
	if err != nil {
		return Report{}, err
	}
	z.trainMu.Lock()
	defer z.trainMu.Unlock()

	cur, err := s.Bundle(ctx, zone)
	if err != nil {
		return Report{}, err
	}
	ds, err := build(ctx, cur)
	if err != nil {
		return Report{}, err
	}
	if len(ds) == 0 {
		return Report{}, fmt.Errorf("fine-tune zone %d: %w: no samples", zone, airquality.ErrInsufficientData)
	}

	m, err := models.Clone(cur.Model)
	if err != nil {
		return Report{}, fmt.Errorf("copy model of zone %d: %w", zone, err)
	}
	if opts.Logger == nil {
		opts.Logger = s.logger.With("zone", zone, "model", m.Name())
	}
	if err := m.FineTune(ctx, ds, opts); err != nil {
		return Report{}, fmt.Errorf("fine-tune zone %d: %w", zone, err)
	}

	rep := cur.Report
	rep.Zone = zone
	rep.Kind = m.Kind()
	rep.UpdatedAt = s.now()
	rep.FineTunes++
	rep.FineTuneSamples += len(ds)

	next := &Bundle{Model: m, Scaler: cur.Scaler, Report: rep}
	if err := s.persist(ctx, next, false); err != nil {
		return Report{}, err
	}
	z.bundle.Store(next)
	s.logger.Info("model fine-tuned", "zone", zone, "samples", len(ds), "fine_tunes", rep.FineTunes)
	return rep, nil
}

// Normalize maps physical base points into scaler space.
func Normalize(sc *scaler.MinMax, points []features.Point) ([]features.Point, error) {
	out := make([]features.Point, len(points))
	for i, p := range points {
		row, err := sc.TransformRow(p.Slice())
		if err != nil {
			return nil, err
		}
		out[i] = features.PointFrom(p.Time, row)
	}
	return out, nil
}

// ModelStatus summarises the serving state of a zone.
type ModelStatus struct {
	Zone      airquality.Zone `json:"zone"`
	Name      string          `json:"name"`
	Exists    bool            `json:"exists"`
	Kind      models.Kind     `json:"kind,omitempty"`
	TrainedAt time.Time       `json:"trained_at,omitzero"`
	UpdatedAt time.Time       `json:"updated_at,omitzero"`
	ValScore  float64         `json:"val_score,omitempty"`
	MeanMAE   float64         `json:"mean_mae,omitempty"`
	FineTunes int             `json:"fine_tunes,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Status reports every zone. Zones without a model are listed with
// Exists false.
func (s *Service) Status(ctx context.Context) []ModelStatus {
	out := make([]ModelStatus, 0, len(airquality.Zones))
	for _, z := range airquality.Zones {
		st := ModelStatus{Zone: z, Name: z.Name()}
		b, err := s.Bundle(ctx, z)
		switch {
		case errors.Is(err, airquality.ErrArtifactNotFound):
		case err != nil:
			st.Error = err.Error()
		default:
			st.Exists = true
			st.Kind = b.Model.Kind()
			st.TrainedAt = b.Report.TrainedAt
			st.UpdatedAt = b.Report.UpdatedAt
			st.ValScore = b.Report.Result.ValScore
			st.MeanMAE = b.Report.Evaluation.MeanMAE
			st.FineTunes = b.Report.FineTunes
		}
		out = append(out, st)
	}
	return out
}

// LastTrained returns when the zone's model was last fully trained.
// Fine-tuning does not count.
func (s *Service) LastTrained(ctx context.Context, zone airquality.Zone) (time.Time, error) {
	b, err := s.Bundle(ctx, zone)
	if err != nil {
		return time.Time{}, err
	}
	return b.Report.TrainedAt, nil
}

// Scaler returns the zone's fitted scaler.
func (s *Service) Scaler(ctx context.Context, zone airquality.Zone) (*scaler.MinMax, error) {
	b, err := s.Bundle(ctx, zone)
	if err != nil {
		return nil, err
	}
	return b.Scaler, nil
}
