// Package synth generates deterministic hourly measurement series with a
// daily pollution cycle. Tests across the module use it as a stand-in for
// sensor history.
package synth

import (
	"math"
	"math/rand/v2"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// Typical levels (µg/m³) and daily swing per pollutant.
var (
	levels = airquality.Values{18, 32, 28, 9, 600, 55}
	swings = airquality.Values{8, 14, 12, 3, 250, 20}
)

// Options shape a series.
type Options struct {
	// Noise is the relative amplitude of uniform noise around the cycle.
	Noise float64
	// Scale multiplies every pollutant value.
	Scale float64
	// Trend is the relative growth per hour, applied linearly from the
	// first measurement.
	Trend float64
	Seed  uint64
}

// Series returns n consecutive hourly measurements for zone, the last one at
// end.
func Series(zone airquality.Zone, end time.Time, n int, opts Options) []airquality.Measurement {
	if opts.Scale == 0 {
		opts.Scale = 1
	}
	rng := rand.New(rand.NewPCG(opts.Seed, uint64(zone)))
	start := end.Add(-time.Duration(n-1) * time.Hour)

	out := make([]airquality.Measurement, n)
	for i := range out {
		t := start.Add(time.Duration(i) * time.Hour)
		out[i] = At(zone, t, opts.Scale*(1+opts.Trend*float64(i)))
		for k := range out[i].Values {
			out[i].Values[k] *= 1 + opts.Noise*(2*rng.Float64()-1)
		}
	}
	return out
}

// At returns the noise-free measurement of zone at t.
func At(zone airquality.Zone, t time.Time, scale float64) airquality.Measurement {
	h := float64(t.Hour())
	phase := 2 * math.Pi * h / 24
	// Two rush-hour peaks on top of the daily wave.
	rush := math.Exp(-math.Pow(h-8, 2)/4) + math.Exp(-math.Pow(h-18, 2)/4)

	m := airquality.Measurement{Zone: zone, Time: t}
	for k := range m.Values {
		v := levels[k] + swings[k]*(0.6*math.Sin(phase+float64(k)/2)+rush)
		m.Values[k] = math.Max(0, v*scale*(1+0.05*float64(zone-1)))
	}
	temp := 14 + 6*math.Sin(phase-math.Pi/2)
	hum := 70 - 10*math.Sin(phase-math.Pi/2)
	pressure := 1013.0
	wind := 2 + math.Cos(phase)
	m.Weather = airquality.Weather{Temperature: &temp, Humidity: &hum, Pressure: &pressure, WindSpeed: &wind}
	return m
}
