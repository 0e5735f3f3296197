// Package aqi converts pollutant concentrations into the US-EPA Air Quality Index.
//
// Concentrations arrive in µg/m³. Gaseous pollutants are converted to the
// units the EPA tables are published in before the breakpoint lookup:
//   - no2, so2, o3: ppb (µg/m³ divided by 1.88, 2.62 and 2.00)
//   - co: ppm (µg/m³ divided by 1145)
//
// The index for a pollutant is the linear interpolation inside its bracket,
// rounded half away from zero. The overall index is the maximum across
// pollutants; the pollutant that attains it is dominant.
package aqi

import (
	"math"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// Max is the saturation value returned above the last bracket.
const Max = 500

type breakpoint struct {
	cLow, cHigh float64
	iLow, iHigh float64
}

var indexBrackets = [6][2]float64{{0, 50}, {51, 100}, {101, 150}, {151, 200}, {201, 300}, {301, 500}}

func table(conc [6][2]float64) []breakpoint {
	out := make([]breakpoint, len(conc))
	for i, c := range conc {
		out[i] = breakpoint{cLow: c[0], cHigh: c[1], iLow: indexBrackets[i][0], iHigh: indexBrackets[i][1]}
	}
	return out
}

var tables = [airquality.NumPollutants][]breakpoint{
	airquality.PM25: table([6][2]float64{{0, 12.0}, {12.1, 35.4}, {35.5, 55.4}, {55.5, 150.4}, {150.5, 250.4}, {250.5, 500.4}}),
	airquality.PM10: table([6][2]float64{{0, 54}, {55, 154}, {155, 254}, {255, 354}, {355, 424}, {425, 604}}),
	airquality.NO2:  table([6][2]float64{{0, 53}, {54, 100}, {101, 360}, {361, 649}, {650, 1249}, {1250, 2049}}),
	airquality.SO2:  table([6][2]float64{{0, 35}, {36, 75}, {76, 185}, {186, 304}, {305, 604}, {605, 1004}}),
	airquality.CO:   table([6][2]float64{{0, 4.4}, {4.5, 9.4}, {9.5, 12.4}, {12.5, 15.4}, {15.5, 30.4}, {30.5, 50.4}}),
	airquality.O3:   table([6][2]float64{{0, 54}, {55, 70}, {71, 85}, {86, 105}, {106, 200}, {201, 604}}),
}

// divisors convert µg/m³ into the table unit.
var divisors = [airquality.NumPollutants]float64{
	airquality.PM25: 1,
	airquality.PM10: 1,
	airquality.NO2:  1.88,
	airquality.SO2:  2.62,
	airquality.CO:   1145,
	airquality.O3:   2.00,
}

// Convert returns the concentration of p in the unit of its breakpoint table.
func Convert(p airquality.Pollutant, ugm3 float64) float64 {
	return ugm3 / divisors[p]
}

// Pollutant returns the sub-index of a single pollutant given its
// concentration in µg/m³.
//
// Values that fall between two published brackets (for example pm25 = 12.05)
// use the first bracket whose upper bound is not below the value.
func Pollutant(p airquality.Pollutant, ugm3 float64) int {
	c := Convert(p, ugm3)
	if c <= 0 || math.IsNaN(c) {
		return 0
	}
	bps := tables[p]
	if c > bps[len(bps)-1].cHigh {
		return Max
	}
	for _, bp := range bps {
		if c <= bp.cHigh {
			v := (bp.iHigh-bp.iLow)/(bp.cHigh-bp.cLow)*(c-bp.cLow) + bp.iLow
			return int(math.Round(v))
		}
	}
	return Max
}

// Result is the combined index for one set of concentrations.
type Result struct {
	AQI      int                           `json:"aqi"`
	Status   airquality.Status             `json:"status"`
	Dominant airquality.Pollutant          `json:"dominant"`
	Index    [airquality.NumPollutants]int `json:"index"`
}

// Compute returns the overall AQI, its status and the dominant pollutant.
// Ties resolve to the pollutant that comes first in column order.
func Compute(v airquality.Values) Result {
	var r Result
	r.AQI = -1
	for _, p := range airquality.Pollutants {
		idx := Pollutant(p, v[p])
		r.Index[p] = idx
		if idx > r.AQI {
			r.AQI = idx
			r.Dominant = p
		}
	}
	r.Status = StatusOf(r.AQI)
	return r
}

// StatusOf buckets an index value.
func StatusOf(aqi int) airquality.Status {
	switch {
	case aqi <= 50:
		return airquality.Good
	case aqi <= 100:
		return airquality.Moderate
	case aqi <= 150:
		return airquality.UnhealthySensitive
	case aqi <= 200:
		return airquality.Unhealthy
	case aqi <= 300:
		return airquality.VeryUnhealthy
	default:
		return airquality.Hazardous
	}
}
