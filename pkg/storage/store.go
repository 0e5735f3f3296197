// Package storage defines the historical-data collaborators of the pipeline
// (measurements, stored forecasts and feedback records) and provides an
// in-memory and a PostgreSQL implementation.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// MeasurementReader reads observed hourly measurements.
type MeasurementReader interface {
	// Measurements returns the zone's measurements with from <= time < to,
	// oldest first.
	Measurements(ctx context.Context, zone airquality.Zone, from, to time.Time) ([]airquality.Measurement, error)
}

// MeasurementWriter ingests observed measurements. Rows for an existing
// (zone, time) pair are replaced.
type MeasurementWriter interface {
	InsertMeasurements(ctx context.Context, ms []airquality.Measurement) error
}

// ForecastStore holds the latest forecast run of every zone.
type ForecastStore interface {
	// ReplaceForecasts deletes the zone's stored forecasts later than from
	// and inserts fs, as one atomic step.
	ReplaceForecasts(ctx context.Context, zone airquality.Zone, from time.Time, fs []airquality.Forecast) error
	// Forecasts returns the zone's forecasts with from <= time < to, oldest first.
	Forecasts(ctx context.Context, zone airquality.Zone, from, to time.Time) ([]airquality.Forecast, error)
}

// FeedbackStore holds feedback records. There is at most one record per
// forecast.
type FeedbackStore interface {
	HasFeedback(ctx context.Context, forecastID uuid.UUID) (bool, error)
	// InsertFeedback stores fb unless its forecast already has feedback.
	// inserted reports whether a row was written.
	InsertFeedback(ctx context.Context, fb airquality.Feedback) (inserted bool, err error)
	// UnusedFeedback returns up to limit records not yet used for training,
	// ordered by forecast time. limit <= 0 means no limit.
	UnusedFeedback(ctx context.Context, zone airquality.Zone, limit int) ([]airquality.Feedback, error)
	CountUnused(ctx context.Context, zone airquality.Zone) (int, error)
	// MarkUsed flips the used flag of the given records and returns how many
	// were still unused. Records already used are left untouched.
	MarkUsed(ctx context.Context, ids []uuid.UUID) (int, error)
}

// Store is the full historical-data backend.
type Store interface {
	MeasurementReader
	MeasurementWriter
	ForecastStore
	FeedbackStore
}
