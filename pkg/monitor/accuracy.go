package monitor

import (
	"context"
	"fmt"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// PollutantAccuracy compares one pollutant over the matched pairs.
type PollutantAccuracy struct {
	MAE          float64 `json:"mae"`
	ForecastMean float64 `json:"forecast_mean"`
	ActualMean   float64 `json:"actual_mean"`
}

// Accuracy compares stored forecasts with what was later measured.
type Accuracy struct {
	// MAE is the per-pollutant MAE averaged over the six pollutants.
	MAE          float64                      `json:"mae"`
	PerPollutant map[string]PollutantAccuracy `json:"per_pollutant"`
	Pairs        int                          `json:"pairs"`
}

// Compare computes accuracy over pairs.
func Compare(pairs []Pair) Accuracy {
	acc := Accuracy{Pairs: len(pairs), PerPollutant: make(map[string]PollutantAccuracy, airquality.NumPollutants)}
	if len(pairs) == 0 {
		return acc
	}
	n := float64(len(pairs))
	for _, p := range airquality.Pollutants {
		var pa PollutantAccuracy
		for _, pr := range pairs {
			f, a := pr.Forecast.Values[p], pr.Actual.Values[p]
			d := f - a
			if d < 0 {
				d = -d
			}
			pa.MAE += d / n
			pa.ForecastMean += f / n
			pa.ActualMean += a / n
		}
		acc.PerPollutant[p.String()] = pa
		acc.MAE += pa.MAE / airquality.NumPollutants
	}
	return acc
}

// Accuracy matches the zone's forecasts of the last Window that have come
// due against the measurements around them. Fewer than MinPairs matches is
// airquality.ErrInsufficientData.
func (m *Monitor) Accuracy(ctx context.Context, zone airquality.Zone) (Accuracy, error) {
	now := m.now()
	fs, err := m.forecasts.Forecasts(ctx, zone, now.Add(-m.th.Window), now)
	if err != nil {
		return Accuracy{}, fmt.Errorf("read forecasts of zone %d: %w", zone, err)
	}
	if len(fs) == 0 {
		return Accuracy{}, fmt.Errorf("zone %d: %w: no forecasts to validate", zone, airquality.ErrInsufficientData)
	}

	from := fs[0].Time.Add(-m.th.Tolerance)
	to := fs[len(fs)-1].Time.Add(m.th.Tolerance + 1)
	actuals, err := m.measurements.Measurements(ctx, zone, from, to)
	if err != nil {
		return Accuracy{}, fmt.Errorf("read measurements of zone %d: %w", zone, err)
	}

	pairs := Match(fs, actuals, m.th.Tolerance)
	if len(pairs) < m.th.MinPairs {
		return Accuracy{}, fmt.Errorf("zone %d: %w: %d matched pairs, need %d", zone, airquality.ErrInsufficientData, len(pairs), m.th.MinPairs)
	}
	return Compare(pairs), nil
}
