package models

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
)

// KindBaseline is the reference model that training reports compare
// against. It is never selected for serving.
const KindBaseline Kind = "baseline"

// Baseline forecasts every pollutant from exponential moving averages of
// its own recent values, with optional hour-of-day seasonality.
//
// Algorithm:
//  1. EMA over the last ShortSpan and LongSpan rows
//  2. Base = ShortWeight*EMAshort + (1-ShortWeight)*EMAlong
//  3. When seasonal means were learned by Train, blend
//     yhat = 0.8*Base + 0.2*Mean_h for the target hour
//
// With ShortSpan 1 and ShortWeight 1 it is the persistence forecast.
type Baseline struct {
	ShortSpan   int     `json:"short_span"`
	LongSpan    int     `json:"long_span"`
	ShortWeight float64 `json:"short_weight"`
	Seasonal    bool    `json:"seasonal"`

	// Seasonality[h][k] is the mean normalized value of pollutant k at hour h.
	Seasonality map[int]airquality.Values `json:"seasonality,omitempty"`
}

// NewBaseline returns the 0.7*EMA(3) + 0.3*EMA(24) seasonal baseline.
func NewBaseline() *Baseline {
	return &Baseline{ShortSpan: 3, LongSpan: 24, ShortWeight: 0.7, Seasonal: true}
}

// NewPersistence returns the "next hour equals this hour" baseline.
func NewPersistence() *Baseline {
	return &Baseline{ShortSpan: 1, LongSpan: 1, ShortWeight: 1}
}

func (m *Baseline) Name() string  { return string(KindBaseline) }
func (m *Baseline) Kind() Kind    { return KindBaseline }
func (m *Baseline) Lookback() int { return max(m.ShortSpan, m.LongSpan) }

// Input returns the raw pollutant columns of the lookback rows followed by
// a single row holding the target hour.
func (m *Baseline) Input(history []features.Point, t time.Time) [][]float64 {
	rows := history[max(0, len(history)-m.Lookback()):]
	out := make([][]float64, 0, len(rows)+1)
	for _, p := range rows {
		v := p.Targets()
		out = append(out, v[:])
	}
	hour := make([]float64, airquality.NumPollutants)
	hour[0] = float64(t.Hour())
	return append(out, hour)
}

// Train learns hour-of-day means when Seasonal is set. Hours seen fewer than
// twice are left out.
func (m *Baseline) Train(_ context.Context, train, val Dataset, _ TrainOptions) (TrainResult, error) {
	if len(train) == 0 {
		return TrainResult{}, fmt.Errorf("train %s: %w: no samples", m.Name(), airquality.ErrInsufficientData)
	}
	if m.Seasonal {
		sums := make(map[int]airquality.Values)
		counts := make(map[int]int)
		for _, s := range train {
			h := s.Time.Hour()
			acc := sums[h]
			for k := range acc {
				acc[k] += s.Y[k]
			}
			sums[h] = acc
			counts[h]++
		}
		m.Seasonality = make(map[int]airquality.Values)
		for h, c := range counts {
			if c < 2 {
				continue
			}
			mean := sums[h]
			for k := range mean {
				mean[k] /= float64(c)
			}
			m.Seasonality[h] = mean
		}
	}
	res := TrainResult{Model: m.Name(), Epochs: 1}
	return res, finish(m, &res, train, val)
}

// FineTune is a no-op; the baseline has nothing to adapt.
func (m *Baseline) FineTune(context.Context, Dataset, TrainOptions) error { return nil }

// Predict applies the EMA blend to every input.
func (m *Baseline) Predict(X [][][]float64) ([]airquality.Values, error) {
	out := make([]airquality.Values, len(X))
	for i, x := range X {
		if len(x) < 2 {
			return nil, fmt.Errorf("input %d: %w: no history rows", i, airquality.ErrShapeMismatch)
		}
		rows := x[:len(x)-1]
		hour := int(x[len(x)-1][0])
		series := make([]float64, len(rows))
		for k := range airquality.NumPollutants {
			for r, row := range rows {
				series[r] = row[k]
			}
			v := m.ShortWeight*computeEMA(series, m.ShortSpan) + (1-m.ShortWeight)*computeEMA(series, m.LongSpan)
			if seasonal, ok := m.Seasonality[hour]; ok && m.Seasonal {
				v = 0.8*v + 0.2*seasonal[k]
			}
			out[i][k] = v
		}
	}
	return out, nil
}

// MarshalBinary encodes the baseline as JSON.
func (m *Baseline) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// computeEMA calculates the exponential moving average over the most recent n points.
// If there are fewer than n points, uses all available points.
// Returns 0 if values is empty.
//
// EMA formula: EMA_t = α * value_t + (1-α) * EMA_{t-1}
// where α = 2 / (n + 1)
func computeEMA(values []float64, n int) float64 {
	if len(values) == 0 {
		return 0
	}
	window := values[max(0, len(values)-n):]

	alpha := 2.0 / float64(len(window)+1)
	ema := window[0]
	for i := 1; i < len(window); i++ {
		ema = alpha*window[i] + (1-alpha)*ema
	}
	return ema
}
