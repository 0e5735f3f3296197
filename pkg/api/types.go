// Package api defines the JSON documents exchanged between the forecaster
// HTTP API and its clients.
package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/forecast"
	"github.com/khrystyna-dutka/Masterwork/pkg/monitor"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
)

// StaleHeader is set on stored forecasts whose newest generation is older
// than the refresh interval allows.
const StaleHeader = "X-Forecast-Stale"

// ForecastPoint is one forecast hour.
type ForecastPoint struct {
	ID         string             `json:"id,omitempty"`
	Time       time.Time          `json:"time"`
	Pollutants map[string]float64 `json:"pollutants"`
	AQI        int                `json:"aqi"`
	Status     string             `json:"status"`
	Dominant   string             `json:"dominant"`
	Confidence float64            `json:"confidence"`
}

// ZoneForecast is the forecast of one zone.
type ZoneForecast struct {
	Zone        int             `json:"zone"`
	ZoneName    string          `json:"zone_name"`
	GeneratedAt time.Time       `json:"generated_at,omitzero"`
	Saved       bool            `json:"saved"`
	Forecasts   []ForecastPoint `json:"forecasts"`
	Error       string          `json:"error,omitempty"`
}

// ForecastAllResponse answers a forecast request without a zone.
type ForecastAllResponse struct {
	Zones  []ZoneForecast `json:"zones"`
	Failed int            `json:"failed"`
}

// TrainResponse answers a training request.
type TrainResponse struct {
	Zone        int             `json:"zone"`
	ZoneName    string          `json:"zone_name"`
	Report      forecast.Report `json:"report"`
	Improvement float64         `json:"improvement"`
}

// Decision is a monitor decision with its errors rendered as text.
type Decision struct {
	monitor.Decision
	Signal string `json:"signal,omitempty"`
	Error  string `json:"error,omitempty"`
}

// MonitorResponse answers a monitor request.
type MonitorResponse struct {
	Decisions []Decision `json:"decisions"`
}

// ZoneStatus is the model status of a zone with its monitor state.
type ZoneStatus struct {
	forecast.ModelStatus
	State string `json:"state"`
}

// StatusResponse answers GET /models/status.
type StatusResponse struct {
	Zones []ZoneStatus `json:"zones"`
}

// ScalerResponse answers GET /scaler.
type ScalerResponse struct {
	Zone    int       `json:"zone"`
	Columns []string  `json:"columns"`
	Min     []float64 `json:"min"`
	Max     []float64 `json:"max"`
}

func NewForecastPoint(f airquality.Forecast) ForecastPoint {
	p := ForecastPoint{
		Time:       f.Time,
		Pollutants: make(map[string]float64, airquality.NumPollutants),
		AQI:        f.AQI,
		Status:     f.Status.String(),
		Dominant:   f.Dominant.String(),
		Confidence: f.Confidence,
	}
	if f.ID != uuid.Nil {
		p.ID = f.ID.String()
	}
	for _, pol := range airquality.Pollutants {
		p.Pollutants[pol.String()] = f.Values[pol]
	}
	return p
}

// NewZoneForecast converts a zone's forecasts. err, when set, is reported
// in place of the points.
func NewZoneForecast(zone airquality.Zone, fs []airquality.Forecast, saved bool, err error) ZoneForecast {
	zf := ZoneForecast{Zone: int(zone), ZoneName: zone.Name(), Saved: saved && err == nil, Forecasts: []ForecastPoint{}}
	if err != nil {
		zf.Error = err.Error()
		return zf
	}
	for _, f := range fs {
		zf.Forecasts = append(zf.Forecasts, NewForecastPoint(f))
	}
	if len(fs) > 0 {
		zf.GeneratedAt = fs[0].GeneratedAt
	}
	return zf
}

func NewDecision(d monitor.Decision) Decision {
	out := Decision{Decision: d}
	if d.Signal != nil {
		out.Signal = d.Signal.Error()
	}
	if d.Err != nil {
		out.Error = d.Err.Error()
	}
	return out
}

func NewScalerResponse(zone airquality.Zone, s *scaler.MinMax) ScalerResponse {
	return ScalerResponse{Zone: int(zone), Columns: s.Columns, Min: s.Min, Max: s.Max}
}
