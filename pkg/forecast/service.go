// Package forecast is the request layer of the pipeline. It owns the per-zone
// model registry and exposes the forecast, training and fine-tuning entry
// points used by the HTTP API, the scheduler, the monitor and the feedback
// trainer.
//
// Each zone serves one immutable Bundle (model, scaler, metadata) held in an
// atomic pointer. Readers load the bundle once per request; training builds a
// new bundle and swaps it in. Training runs for one zone are serialized.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/artifacts"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
	"github.com/khrystyna-dutka/Masterwork/pkg/models"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

// Report describes the model a zone serves. It is returned by training and
// persisted next to the model.
type Report struct {
	Zone      airquality.Zone `json:"zone"`
	Kind      models.Kind     `json:"kind"`
	TrainedAt time.Time       `json:"trained_at"`
	Days      int             `json:"days"`

	TrainSamples int `json:"train_samples"`
	ValSamples   int `json:"val_samples"`

	Result     models.TrainResult `json:"result"`
	Evaluation models.Evaluation  `json:"evaluation"`
	// BaselineMAE is the persistence forecast's mean MAE on the same
	// validation rows.
	BaselineMAE float64 `json:"baseline_mae"`

	UpdatedAt       time.Time `json:"updated_at,omitzero"`
	FineTunes       int       `json:"fine_tunes"`
	FineTuneSamples int       `json:"fine_tune_samples"`
}

// Improvement is the relative MAE reduction over persistence.
func (r Report) Improvement() float64 {
	if r.BaselineMAE == 0 {
		return 0
	}
	return 1 - r.Evaluation.MeanMAE/r.BaselineMAE
}

// Bundle is the immutable serving state of one zone.
type Bundle struct {
	Model  models.Model
	Scaler *scaler.MinMax
	Report Report
}

type zoneState struct {
	bundle  atomic.Pointer[Bundle]
	loadMu  sync.Mutex
	trainMu sync.Mutex
}

// Store is the historical data the service reads and writes.
type Store interface {
	storage.MeasurementReader
	storage.ForecastStore
}

// Service serves forecasts and trains models for every zone.
type Service struct {
	cfg       Config
	store     Store
	artifacts artifacts.Store
	logger    *slog.Logger
	now       func() time.Time
	zones     map[airquality.Zone]*zoneState
}

func NewService(cfg Config, store Store, arts artifacts.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		cfg:       cfg.withDefaults(),
		store:     store,
		artifacts: arts,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		zones:     make(map[airquality.Zone]*zoneState, len(airquality.Zones)),
	}
	for _, z := range airquality.Zones {
		s.zones[z] = &zoneState{}
	}
	return s
}

// WithClock replaces the wall clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Now is the service clock.
func (s *Service) Now() time.Time { return s.now() }

func (s *Service) zone(z airquality.Zone) (*zoneState, error) {
	if err := airquality.ValidateZone(z); err != nil {
		return nil, err
	}
	return s.zones[z], nil
}

// Bundle returns the zone's serving state, loading it from the artifact
// store on first use. A zone that was never trained yields
// airquality.ErrArtifactNotFound.
func (s *Service) Bundle(ctx context.Context, zone airquality.Zone) (*Bundle, error) {
	z, err := s.zone(zone)
	if err != nil {
		return nil, err
	}
	if b := z.bundle.Load(); b != nil {
		return b, nil
	}

	z.loadMu.Lock()
	defer z.loadMu.Unlock()
	if b := z.bundle.Load(); b != nil {
		return b, nil
	}
	b, err := s.load(ctx, zone)
	if err != nil {
		return nil, err
	}
	z.bundle.Store(b)
	s.logger.Info("model loaded", "zone", zone, "kind", b.Model.Kind(), "trained_at", b.Report.TrainedAt)
	return b, nil
}

func (s *Service) load(ctx context.Context, zone airquality.Zone) (*Bundle, error) {
	kind := s.cfg.Kind
	if blob, ok, err := s.artifacts.Load(ctx, artifacts.ActiveKey(zone)); err != nil {
		return nil, fmt.Errorf("load active model of zone %d: %w", zone, err)
	} else if ok {
		if kind, err = models.ParseKind(string(blob)); err != nil {
			return nil, fmt.Errorf("zone %d: %w", zone, err)
		}
	}

	blob, err := artifacts.MustLoad(ctx, s.artifacts, artifacts.ScalerKey(zone))
	if err != nil {
		return nil, err
	}
	sc, err := scaler.Decode(blob)
	if err != nil {
		return nil, fmt.Errorf("zone %d: %w", zone, err)
	}

	blob, err = artifacts.MustLoad(ctx, s.artifacts, artifacts.ModelKey(zone, string(kind)))
	if err != nil {
		return nil, err
	}
	m, err := models.Decode(kind, blob)
	if err != nil {
		return nil, fmt.Errorf("zone %d: %w", zone, err)
	}

	rep := Report{Zone: zone, Kind: kind}
	if blob, ok, err := s.artifacts.Load(ctx, artifacts.MetaKey(zone, string(kind))); err == nil && ok {
		if err := json.Unmarshal(blob, &rep); err != nil {
			s.logger.Warn("ignoring unreadable training metadata", "zone", zone, "error", err)
		}
	}
	return &Bundle{Model: m, Scaler: sc, Report: rep}, nil
}

// History returns the zone's measurements in [from, to] as base points.
func (s *Service) History(ctx context.Context, zone airquality.Zone, from, to time.Time) ([]features.Point, error) {
	ms, err := s.store.Measurements(ctx, zone, from, to.Add(time.Nanosecond))
	if err != nil {
		return nil, fmt.Errorf("read measurements of zone %d: %w", zone, err)
	}
	return features.FromMeasurements(ms), nil
}

// Forecast produces hours hourly forecasts for zone from the most recent
// measurements.
func (s *Service) Forecast(ctx context.Context, zone airquality.Zone, hours int) ([]airquality.Forecast, error) {
	if err := airquality.ValidateZone(zone); err != nil {
		return nil, err
	}
	if err := airquality.ValidateHorizon(hours); err != nil {
		return nil, err
	}
	b, err := s.Bundle(ctx, zone)
	if err != nil {
		return nil, err
	}

	now := s.now()
	span := max(s.cfg.HistoryHours, b.Model.Lookback())
	points, err := s.History(ctx, zone, now.Add(-time.Duration(span)*time.Hour), now)
	if err != nil {
		return nil, err
	}
	if len(points) < b.Model.Lookback() {
		return nil, fmt.Errorf("forecast zone %d: %w: %d measurements in the last %dh, need %d",
			zone, airquality.ErrInsufficientData, len(points), span, b.Model.Lookback())
	}
	fs, err := models.Iterate(b.Model, b.Scaler, zone, points, hours, now)
	if err != nil {
		return nil, fmt.Errorf("forecast zone %d: %w", zone, err)
	}
	return fs, nil
}

// Publish forecasts zone and replaces its stored future forecasts.
func (s *Service) Publish(ctx context.Context, zone airquality.Zone, hours int) ([]airquality.Forecast, error) {
	fs, err := s.Forecast(ctx, zone, hours)
	if err != nil {
		return nil, err
	}
	// Forecasts start one hour after the last measurement, which lags the
	// clock when sensors report late. Replace from whichever comes first.
	from := s.now()
	if len(fs) > 0 && !fs[0].Time.After(from) {
		from = fs[0].Time.Add(-time.Nanosecond)
	}
	if err := s.store.ReplaceForecasts(ctx, zone, from, fs); err != nil {
		return nil, fmt.Errorf("store forecasts of zone %d: %w", zone, err)
	}
	return fs, nil
}

// ZoneResult is the outcome of one zone in ForecastAll.
type ZoneResult struct {
	Zone      airquality.Zone
	Forecasts []airquality.Forecast
	Err       error
}

// ForecastAll forecasts every zone concurrently. Failures are reported per
// zone and do not stop the other zones. When save is set the forecasts are
// published.
func (s *Service) ForecastAll(ctx context.Context, hours int, save bool) []ZoneResult {
	out := make([]ZoneResult, len(airquality.Zones))
	var wg sync.WaitGroup
	for i, z := range airquality.Zones {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var fs []airquality.Forecast
			var err error
			if save {
				fs, err = s.Publish(ctx, z, hours)
			} else {
				fs, err = s.Forecast(ctx, z, hours)
			}
			out[i] = ZoneResult{Zone: z, Forecasts: fs, Err: err}
		}()
	}
	wg.Wait()
	return out
}

// Errors joins the per-zone errors of results.
func Errors(results []ZoneResult) error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("zone %d: %w", r.Zone, r.Err))
		}
	}
	return errors.Join(errs...)
}
