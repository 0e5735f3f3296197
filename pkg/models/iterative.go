package models

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/aqi"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
)

// Confidence decay of the iterative forecast.
const (
	ConfidenceStart = 0.90
	ConfidenceStep  = 0.01
	ConfidenceFloor = 0.10
)

// Confidence returns the confidence of the forecast step i (0-based).
func Confidence(i int) float64 {
	return math.Max(ConfidenceFloor, ConfidenceStart-ConfidenceStep*float64(i))
}

// Iterate produces hours consecutive hourly forecasts for zone by feeding
// each normalized prediction back into the input window.
//
// history holds the most recent observed rows in physical units, oldest
// first. Weather columns of predicted rows are held at the last observed
// normalized value. Timestamps start one hour after the last observation.
func Iterate(m Model, s *scaler.MinMax, zone airquality.Zone, history []features.Point, hours int, generatedAt time.Time) ([]airquality.Forecast, error) {
	if err := airquality.ValidateHorizon(hours); err != nil {
		return nil, err
	}
	if m == nil || s == nil {
		return nil, fmt.Errorf("iterate: %w", airquality.ErrArtifactNotFound)
	}
	if len(history) < m.Lookback() {
		return nil, fmt.Errorf("iterate: %w: %d rows, need %d", airquality.ErrInsufficientData, len(history), m.Lookback())
	}

	win := NewWindow(m.Lookback(), nil)
	for _, p := range history[len(history)-m.Lookback():] {
		row, err := s.TransformRow(p.Slice())
		if err != nil {
			return nil, fmt.Errorf("iterate: %w", err)
		}
		win.Push(features.PointFrom(p.Time, row))
	}
	last := win.Last()

	out := make([]airquality.Forecast, 0, hours)
	for i := range hours {
		t := last.Time.Add(time.Duration(i+1) * time.Hour)

		pred, err := m.Predict([][][]float64{m.Input(win.Points(), t)})
		if err != nil {
			return nil, fmt.Errorf("iterate: step %d: %w", i, err)
		}

		next := features.Point{Time: t, Base: last.Base}
		for j, v := range pred[0] {
			next.Base[j] = math.Min(1, math.Max(0, v))
		}

		phys, err := s.InverseRow(next.Slice())
		if err != nil {
			return nil, fmt.Errorf("iterate: %w", err)
		}
		var vals airquality.Values
		for j := range vals {
			vals[j] = math.Max(0, phys[j])
		}

		r := aqi.Compute(vals)
		out = append(out, airquality.Forecast{
			ID:          uuid.New(),
			Zone:        zone,
			Time:        t,
			Values:      vals,
			AQI:         r.AQI,
			Status:      r.Status,
			Dominant:    r.Dominant,
			Confidence:  Confidence(i),
			GeneratedAt: generatedAt,
		})

		win.Push(next)
	}
	return out, nil
}
