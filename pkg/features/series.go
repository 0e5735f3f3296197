package features

import (
	"math"
	"sort"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// NumBase is the number of base columns: six pollutants then four weather
// covariates.
const NumBase = airquality.NumPollutants + 4

// Base column positions of the weather covariates.
const (
	IdxTemperature = airquality.NumPollutants + iota
	IdxHumidity
	IdxPressure
	IdxWindSpeed
)

// Fallbacks used when a weather covariate has never been observed.
var weatherDefaults = [4]float64{15, 70, 1013, 2}

// BaseColumns returns the names of the base columns in order.
func BaseColumns() []string {
	return append(airquality.TargetNames(), airquality.WeatherNames()...)
}

// Point is one hourly row of base columns.
type Point struct {
	Time time.Time
	Base [NumBase]float64
}

// Targets returns the pollutant part of the row.
func (p Point) Targets() airquality.Values {
	var v airquality.Values
	copy(v[:], p.Base[:airquality.NumPollutants])
	return v
}

// Slice returns the base columns as a fresh slice.
func (p Point) Slice() []float64 {
	out := make([]float64, NumBase)
	copy(out, p.Base[:])
	return out
}

// PointFrom builds a Point from a slice of NumBase values.
func PointFrom(t time.Time, base []float64) Point {
	p := Point{Time: t}
	copy(p.Base[:], base)
	return p
}

// FromMeasurements orders measurements by time and imputes missing weather:
// forward-fill from the previous hour first, fixed defaults
// (15 °C, 70 %, 1013 hPa, 2 m/s) when nothing was seen yet.
//
// Pollutants are NaN when unreported. Rows with no pollutant at all are
// dropped; a single missing pollutant carries the previous row's value, or
// 0 before the first report.
func FromMeasurements(ms []airquality.Measurement) []Point {
	sorted := make([]airquality.Measurement, len(ms))
	copy(sorted, ms)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Time.Before(sorted[j].Time) })

	last := weatherDefaults
	var lastValues airquality.Values
	points := make([]Point, 0, len(sorted))
	for _, m := range sorted {
		if !hasPollutants(m.Values) {
			continue
		}
		p := Point{Time: m.Time}
		for k, v := range m.Values {
			if !math.IsNaN(v) {
				lastValues[k] = v
			}
			p.Base[k] = lastValues[k]
		}
		w := [4]*float64{m.Weather.Temperature, m.Weather.Humidity, m.Weather.Pressure, m.Weather.WindSpeed}
		for k, v := range w {
			if v != nil {
				last[k] = *v
			}
			p.Base[airquality.NumPollutants+k] = last[k]
		}
		points = append(points, p)
	}
	return points
}

func hasPollutants(v airquality.Values) bool {
	for _, x := range v {
		if !math.IsNaN(x) {
			return true
		}
	}
	return false
}

// Matrix returns the base columns of every point.
func Matrix(points []Point) [][]float64 {
	out := make([][]float64, len(points))
	for i, p := range points {
		out[i] = p.Slice()
	}
	return out
}
