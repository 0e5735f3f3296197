package models

import (
	"math"
	"testing"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
)

var testStart = time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC)

// syntheticSeasonal generates an hourly series with a daily cycle, a mild
// trend and pollutant-specific offsets.
func syntheticSeasonal(n int) []features.Point {
	points := make([]features.Point, n)
	for i := range points {
		p := features.Point{Time: testStart.Add(time.Duration(i) * time.Hour)}
		for k := range airquality.NumPollutants {
			base := 20 + 10*float64(k)
			p.Base[k] = base + 0.05*float64(i) + 0.4*base*math.Sin(2*math.Pi*float64(i)/24+float64(k)/3)
		}
		p.Base[features.IdxTemperature] = 12 + 6*math.Sin(2*math.Pi*float64(i)/24)
		p.Base[features.IdxHumidity] = 65
		p.Base[features.IdxPressure] = 1012
		p.Base[features.IdxWindSpeed] = 3
		points[i] = p
	}
	return points
}

// normalized fits a scaler on the first fit points and transforms them all.
func normalized(t *testing.T, points []features.Point, fit int) ([]features.Point, *scaler.MinMax) {
	t.Helper()
	s, err := scaler.Fit(features.BaseColumns(), features.Matrix(points[:fit]))
	if err != nil {
		t.Fatalf("scaler.Fit() error = %v", err)
	}
	out := make([]features.Point, len(points))
	for i, p := range points {
		row, err := s.TransformRow(p.Slice())
		if err != nil {
			t.Fatal(err)
		}
		out[i] = features.PointFrom(p.Time, row)
	}
	return out, s
}

func tinyRecurrentConfig() RecurrentConfig {
	return RecurrentConfig{
		SequenceLength: 6,
		Hidden1:        8,
		Hidden2:        4,
		Dense:          4,
		LearningRate:   0.01,
		Epochs:         15,
		BatchSize:      8,
		ClipNorm:       5,
		Seed:           1,
	}
}

func smallBoostedConfig() BoostedConfig {
	cfg := DefaultBoostedConfig()
	cfg.Estimators = 30
	cfg.MaxDepth = 3
	cfg.MaxBins = 16
	cfg.LearningRate = 0.2
	return cfg
}
