// Package feedback closes the loop between forecasts and reality. The
// Collector pairs forecasts that have come due with the measurements that
// followed and stores the pairs as feedback records; the IncrementalTrainer
// fine-tunes a zone's model once enough unused records accumulate.
package feedback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
	"github.com/khrystyna-dutka/Masterwork/pkg/storage"
)

// ScalerSource returns a zone's fitted scaler. forecast.Service implements it.
// The collector only uses it to skip zones that have never been trained.
type ScalerSource interface {
	Scaler(ctx context.Context, zone airquality.Zone) (*scaler.MinMax, error)
}

// CollectorConfig bounds a collection pass.
type CollectorConfig struct {
	Window    time.Duration
	Tolerance time.Duration
	// Limit caps the forecasts examined per zone, newest first.
	Limit int
}

func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{Window: 24 * time.Hour, Tolerance: 30 * time.Minute, Limit: 50}
}

// Collector turns due forecasts into feedback records.
type Collector struct {
	cfg          CollectorConfig
	forecasts    storage.ForecastStore
	measurements storage.MeasurementReader
	feedback     storage.FeedbackStore
	scalers      ScalerSource
	logger       *slog.Logger
	now          func() time.Time
}

func NewCollector(cfg CollectorConfig, forecasts storage.ForecastStore, measurements storage.MeasurementReader,
	fb storage.FeedbackStore, scalers ScalerSource, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		cfg:          cfg,
		forecasts:    forecasts,
		measurements: measurements,
		feedback:     fb,
		scalers:      scalers,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the wall clock.
func (c *Collector) WithClock(now func() time.Time) *Collector {
	c.now = now
	return c
}

// Collect stores feedback for the zone's forecasts of the last Window whose
// time has passed. Forecasts that already have feedback or have no
// measurement within the tolerance are skipped. Records hold physical
// values; the trainer normalizes them with whichever scaler is serving when
// it runs. A zone without a scaler yields zero records and no error.
func (c *Collector) Collect(ctx context.Context, zone airquality.Zone) (int, error) {
	if err := airquality.ValidateZone(zone); err != nil {
		return 0, err
	}
	_, err := c.scalers.Scaler(ctx, zone)
	if errors.Is(err, airquality.ErrArtifactNotFound) {
		c.logger.Debug("no scaler, skipping feedback", "zone", zone)
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	now := c.now()
	fs, err := c.forecasts.Forecasts(ctx, zone, now.Add(-c.cfg.Window), now.Add(time.Nanosecond))
	if err != nil {
		return 0, fmt.Errorf("read forecasts of zone %d: %w", zone, err)
	}
	if c.cfg.Limit > 0 && len(fs) > c.cfg.Limit {
		fs = fs[len(fs)-c.cfg.Limit:]
	}

	pending := fs[:0:0]
	for _, f := range fs {
		has, err := c.feedback.HasFeedback(ctx, f.ID)
		if err != nil {
			return 0, err
		}
		if !has {
			pending = append(pending, f)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	actuals, err := c.measurements.Measurements(ctx, zone,
		pending[0].Time.Add(-c.cfg.Tolerance), pending[len(pending)-1].Time.Add(c.cfg.Tolerance+1))
	if err != nil {
		return 0, fmt.Errorf("read measurements of zone %d: %w", zone, err)
	}

	n := 0
	for _, p := range monitor.Match(pending, actuals, c.cfg.Tolerance) {
		fb := airquality.NewFeedback(zone, p.Forecast.ID, p.Forecast.Time, p.Forecast.Values, p.Actual.Values)
		ok, err := c.feedback.InsertFeedback(ctx, fb)
		if err != nil {
			return n, err
		}
		if ok {
			n++
		}
	}
	if n > 0 {
		c.logger.Info("feedback collected", "zone", zone, "records", n)
	}
	return n, nil
}

// CollectAll collects every zone and returns the records stored per zone.
// A failing zone does not stop the others.
func (c *Collector) CollectAll(ctx context.Context) (map[airquality.Zone]int, error) {
	counts := make(map[airquality.Zone]int, len(airquality.Zones))
	var errs []error
	for _, z := range airquality.Zones {
		n, err := c.Collect(ctx, z)
		counts[z] = n
		if err != nil {
			c.logger.Error("feedback collection failed", "zone", z, "error", err)
			errs = append(errs, fmt.Errorf("zone %d: %w", z, err))
		}
	}
	return counts, errors.Join(errs...)
}
