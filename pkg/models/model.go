// Package models implements the two interchangeable forecast model families
// and the iterative multi-step forecaster that drives them.
//
// Both families consume normalized base rows (see package features) and
// predict the six normalized pollutant values of the next hour. They differ
// only in how a window of history becomes a model input:
//   - Recurrent: the last SequenceLength rows as a sequence
//   - Boosted: one engineered feature row
package models

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
)

// Kind names a model family.
type Kind string

const (
	KindRecurrent Kind = "lstm"
	KindBoosted   Kind = "xgboost"
)

// ParseKind validates a model family name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindRecurrent, KindBoosted:
		return Kind(s), nil
	case "":
		return KindRecurrent, nil
	}
	return "", fmt.Errorf("unknown model type %q", s)
}

// Sample is one supervised example: the model input shaped from the history
// before Time, and the normalized pollutant values observed at Time.
type Sample struct {
	Time time.Time
	X    [][]float64
	Y    airquality.Values
}

// Dataset is a chronologically ordered list of samples.
type Dataset []Sample

// Inputs returns the X part of every sample.
func (d Dataset) Inputs() [][][]float64 {
	out := make([][][]float64, len(d))
	for i, s := range d {
		out[i] = s.X
	}
	return out
}

// Targets returns the Y part of every sample.
func (d Dataset) Targets() []airquality.Values {
	out := make([]airquality.Values, len(d))
	for i, s := range d {
		out[i] = s.Y
	}
	return out
}

// TrainOptions control a training or fine-tuning run. Zero values fall
// back to the model's own defaults.
type TrainOptions struct {
	Epochs       int
	BatchSize    int
	LearningRate float64
	Patience     int
	Logger       *slog.Logger
}

func (o TrainOptions) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// TrainResult summarises a training run. Scores are R² averaged over the six
// outputs in normalized space.
type TrainResult struct {
	Model            string    `json:"model"`
	Epochs           int       `json:"epochs"`
	TrainLoss        []float64 `json:"train_loss"`
	ValLoss          []float64 `json:"val_loss"`
	TrainScore       float64   `json:"train_score"`
	ValScore         float64   `json:"val_score"`
	Gap              float64   `json:"gap"`
	OverfitSuspected bool      `json:"overfit_suspected"`
	Warnings         []string  `json:"warnings,omitempty"`
}

// Overfitting thresholds on the train/validation score gap.
const (
	overfitGap   = 0.25
	overfitTrain = 0.98
)

// finish fills the score fields from the fitted model.
func finish(m Model, res *TrainResult, train, val Dataset) error {
	tp, err := m.Predict(train.Inputs())
	if err != nil {
		return err
	}
	res.TrainScore = Score(tp, train.Targets())
	res.ValScore = res.TrainScore
	if len(val) > 0 {
		vp, err := m.Predict(val.Inputs())
		if err != nil {
			return err
		}
		res.ValScore = Score(vp, val.Targets())
	}
	res.Gap = res.TrainScore - res.ValScore
	if res.Gap > overfitGap || res.TrainScore >= overfitTrain {
		res.OverfitSuspected = true
		res.Warnings = append(res.Warnings, fmt.Sprintf("%v: train %.3f, val %.3f", airquality.ErrOverfitSuspected, res.TrainScore, res.ValScore))
	}
	return nil
}

// Model is the contract shared by both families.
type Model interface {
	// Name identifies the family in logs and artifacts.
	Name() string
	Kind() Kind
	// Lookback is the number of history rows Input needs.
	Lookback() int
	// Input shapes the model input for timestamp t from the normalized
	// history rows preceding it. history must hold at least Lookback rows.
	Input(history []features.Point, t time.Time) [][]float64
	// Train fits the model from scratch.
	Train(ctx context.Context, train, val Dataset, opts TrainOptions) (TrainResult, error)
	// FineTune continues training the fitted model on ds.
	FineTune(ctx context.Context, ds Dataset, opts TrainOptions) error
	// Predict returns one normalized prediction per input.
	Predict(X [][][]float64) ([]airquality.Values, error)
	MarshalBinary() ([]byte, error)
}

// New returns an untrained model of the given family with default settings.
func New(kind Kind, seed uint64) (Model, error) {
	switch kind {
	case KindRecurrent:
		cfg := DefaultRecurrentConfig()
		cfg.Seed = seed
		return NewRecurrent(cfg), nil
	case KindBoosted:
		cfg := DefaultBoostedConfig()
		cfg.Seed = seed
		return NewBoosted(cfg), nil
	}
	return nil, fmt.Errorf("unknown model type %q", kind)
}

// Decode restores a model written by MarshalBinary.
func Decode(kind Kind, b []byte) (Model, error) {
	switch kind {
	case KindRecurrent:
		return DecodeRecurrent(b)
	case KindBoosted:
		return DecodeBoosted(b)
	case KindBaseline:
		var m Baseline
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("decode baseline: %w", err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("unknown model type %q", kind)
}

// BuildDataset shapes samples for every target index in [from, to) that has
// at least Lookback rows of history.
func BuildDataset(m Model, points []features.Point, from, to int) Dataset {
	from = max(from, m.Lookback())
	to = min(to, len(points))
	if from >= to {
		return nil
	}
	ds := make(Dataset, 0, to-from)
	for i := from; i < to; i++ {
		ds = append(ds, Sample{
			Time: points[i].Time,
			X:    m.Input(points[i-m.Lookback():i], points[i].Time),
			Y:    points[i].Targets(),
		})
	}
	return ds
}

func checkInputs(X [][][]float64, rows, cols int) error {
	for i, x := range X {
		if len(x) != rows {
			return fmt.Errorf("input %d: %w: %d rows, want %d", i, airquality.ErrShapeMismatch, len(x), rows)
		}
		for _, r := range x {
			if len(r) != cols {
				return fmt.Errorf("input %d: %w: %d columns, want %d", i, airquality.ErrShapeMismatch, len(r), cols)
			}
		}
	}
	return nil
}

// Clone returns an independent copy of m.
func Clone(m Model) (Model, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return Decode(m.Kind(), b)
}
