// Package airquality defines the shared vocabulary of the forecasting pipeline:
// pollutants, zones, hourly measurements, forecasts and feedback records.
package airquality

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pollutant identifies one of the six forecast targets.
// The numeric order is the fixed column order used everywhere (targets,
// scaler columns, model heads) and doubles as the dominant-pollutant tie
// priority.
type Pollutant int

const (
	PM25 Pollutant = iota
	PM10
	NO2
	SO2
	CO
	O3
)

// NumPollutants is the number of forecast targets.
const NumPollutants = 6

// Pollutants lists every pollutant in column order.
var Pollutants = [NumPollutants]Pollutant{PM25, PM10, NO2, SO2, CO, O3}

var pollutantNames = [NumPollutants]string{"pm25", "pm10", "no2", "so2", "co", "o3"}

func (p Pollutant) String() string {
	if p < 0 || int(p) >= NumPollutants {
		return fmt.Sprintf("pollutant(%d)", int(p))
	}
	return pollutantNames[p]
}

// ParsePollutant maps a column name such as "pm25" back to its Pollutant.
func ParsePollutant(name string) (Pollutant, bool) {
	for i, n := range pollutantNames {
		if n == name {
			return Pollutant(i), true
		}
	}
	return 0, false
}

// TargetNames returns the pollutant column names in order.
func TargetNames() []string {
	out := make([]string, NumPollutants)
	copy(out, pollutantNames[:])
	return out
}

// Weather column names, in base-column order after the pollutants.
const (
	ColTemperature = "temperature"
	ColHumidity    = "humidity"
	ColPressure    = "pressure"
	ColWindSpeed   = "wind_speed"
)

// WeatherNames returns the weather column names in order.
func WeatherNames() []string {
	return []string{ColTemperature, ColHumidity, ColPressure, ColWindSpeed}
}

// Values holds one reading per pollutant in column order, in µg/m³.
type Values [NumPollutants]float64

// Get returns the value for p.
func (v Values) Get(p Pollutant) float64 { return v[p] }

// Weather carries the optional meteorological covariates of a measurement.
// Nil fields are missing and get imputed by the feature pipeline.
type Weather struct {
	Temperature *float64 `json:"temperature,omitempty" db:"temperature"`
	Humidity    *float64 `json:"humidity,omitempty" db:"humidity"`
	Pressure    *float64 `json:"pressure,omitempty" db:"pressure"`
	WindSpeed   *float64 `json:"wind_speed,omitempty" db:"wind_speed"`
}

// Measurement is one observed hourly record for a zone.
type Measurement struct {
	Zone    Zone
	Time    time.Time
	Values  Values
	Weather Weather
}

// Forecast is one predicted hourly record for a zone.
type Forecast struct {
	ID          uuid.UUID `json:"id"`
	Zone        Zone      `json:"zone"`
	Time        time.Time `json:"time"`
	Values      Values    `json:"values"`
	AQI         int       `json:"aqi"`
	Status      Status    `json:"status"`
	Dominant    Pollutant `json:"dominant"`
	Confidence  float64   `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Feedback pairs a forecast with the measurement that later materialised.
// Predicted, Actual and Errors are in physical units (µg/m³).
type Feedback struct {
	ID              uuid.UUID
	Zone            Zone
	ForecastID      uuid.UUID
	ForecastFor     time.Time
	Predicted       Values
	Actual          Values
	Errors          Values
	AvgError        float64
	UsedForTraining bool
	CreatedAt       time.Time
}

// NewFeedback builds an unused feedback record and fills the error columns.
func NewFeedback(zone Zone, forecastID uuid.UUID, at time.Time, predicted, actual Values) Feedback {
	fb := Feedback{
		ID:          uuid.New(),
		Zone:        zone,
		ForecastID:  forecastID,
		ForecastFor: at,
		Predicted:   predicted,
		Actual:      actual,
		CreatedAt:   time.Now().UTC(),
	}
	var sum float64
	for i := range fb.Errors {
		e := predicted[i] - actual[i]
		if e < 0 {
			e = -e
		}
		fb.Errors[i] = e
		sum += e
	}
	fb.AvgError = sum / NumPollutants
	return fb
}

// Status is the ordinal AQI health bucket.
type Status int

const (
	Good Status = iota
	Moderate
	UnhealthySensitive
	Unhealthy
	VeryUnhealthy
	Hazardous
)

var statusNames = [...]string{
	"Good",
	"Moderate",
	"Unhealthy for Sensitive Groups",
	"Unhealthy",
	"Very Unhealthy",
	"Hazardous",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return statusNames[s]
}

// MarshalText renders the status label.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// MarshalText renders the pollutant column name.
func (p Pollutant) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText parses a pollutant column name.
func (p *Pollutant) UnmarshalText(b []byte) error {
	v, ok := ParsePollutant(string(b))
	if !ok {
		return fmt.Errorf("unknown pollutant %q", string(b))
	}
	*p = v
	return nil
}

// UnmarshalText parses a status label.
func (s *Status) UnmarshalText(b []byte) error {
	for i, n := range statusNames {
		if n == string(b) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", string(b))
}
