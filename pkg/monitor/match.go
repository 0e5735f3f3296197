package monitor

import (
	"sort"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
)

// Pair is a forecast and the measurement observed for its timestamp.
type Pair struct {
	Forecast airquality.Forecast
	Actual   airquality.Measurement
}

// Match pairs every forecast with the actual measurement closest in time,
// provided it lies within tol. actuals must be sorted by time. Forecasts
// without a match are skipped.
func Match(forecasts []airquality.Forecast, actuals []airquality.Measurement, tol time.Duration) []Pair {
	if len(actuals) == 0 {
		return nil
	}
	var out []Pair
	for _, f := range forecasts {
		i := sort.Search(len(actuals), func(i int) bool { return !actuals[i].Time.Before(f.Time) })

		best, bestDelta := -1, tol+1
		for _, j := range []int{i - 1, i} {
			if j < 0 || j >= len(actuals) {
				continue
			}
			d := actuals[j].Time.Sub(f.Time).Abs()
			if d <= tol && d < bestDelta {
				best, bestDelta = j, d
			}
		}
		if best >= 0 {
			out = append(out, Pair{Forecast: f, Actual: actuals[best]})
		}
	}
	return out
}
