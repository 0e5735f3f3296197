package models

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/scaler"
)

// Accuracy holds the error metrics of one pollutant.
type Accuracy struct {
	MAE  float64 `json:"mae"`
	RMSE float64 `json:"rmse"`
	R2   float64 `json:"r2"`
}

// Evaluation is the per-pollutant accuracy of a model on a dataset, in
// physical units.
type Evaluation struct {
	Samples      int                 `json:"samples"`
	PerPollutant map[string]Accuracy `json:"per_pollutant"`
	MeanMAE      float64             `json:"mean_mae"`
	MeanR2       float64             `json:"mean_r2"`
}

func column(vs []airquality.Values, j int) []float64 {
	out := make([]float64, len(vs))
	for i, v := range vs {
		out[i] = v[j]
	}
	return out
}

// accuracy computes MAE, RMSE and R² of pred against truth.
func accuracy(pred, truth []float64) Accuracy {
	n := float64(len(truth))
	if n == 0 {
		return Accuracy{}
	}
	mae := floats.Distance(pred, truth, 1) / n
	rmse := floats.Distance(pred, truth, 2) / math.Sqrt(n)
	r2 := stat.RSquaredFrom(pred, truth, nil)
	if math.IsNaN(r2) || math.IsInf(r2, 0) {
		r2 = 0
	}
	return Accuracy{MAE: mae, RMSE: rmse, R2: r2}
}

// Score is R² averaged over the six outputs.
func Score(pred, truth []airquality.Values) float64 {
	if len(truth) == 0 {
		return 0
	}
	var sum float64
	for j := range airquality.NumPollutants {
		sum += accuracy(column(pred, j), column(truth, j)).R2
	}
	return sum / airquality.NumPollutants
}

// Evaluate predicts ds, maps predictions and targets back to physical units
// through s and reports per-pollutant accuracy.
func Evaluate(m Model, ds Dataset, s *scaler.MinMax) (Evaluation, error) {
	pred, err := m.Predict(ds.Inputs())
	if err != nil {
		return Evaluation{}, err
	}
	truth := ds.Targets()
	for i := range pred {
		pred[i] = Denormalize(s, pred[i])
		truth[i] = Denormalize(s, truth[i])
	}
	return evaluation(pred, truth), nil
}

func evaluation(pred, truth []airquality.Values) Evaluation {
	ev := Evaluation{Samples: len(truth), PerPollutant: make(map[string]Accuracy, airquality.NumPollutants)}
	for _, p := range airquality.Pollutants {
		a := accuracy(column(pred, int(p)), column(truth, int(p)))
		ev.PerPollutant[p.String()] = a
		ev.MeanMAE += a.MAE / airquality.NumPollutants
		ev.MeanR2 += a.R2 / airquality.NumPollutants
	}
	return ev
}

// Denormalize maps normalized pollutant values to µg/m³ using the first six
// scaler columns.
func Denormalize(s *scaler.MinMax, v airquality.Values) airquality.Values {
	var out airquality.Values
	for j := range out {
		out[j] = s.InverseValue(j, v[j])
	}
	return out
}

// Normalize maps pollutant values in µg/m³ into scaler space.
func Normalize(s *scaler.MinMax, v airquality.Values) airquality.Values {
	var out airquality.Values
	for j := range out {
		out[j] = s.TransformValue(j, v[j])
	}
	return out
}
