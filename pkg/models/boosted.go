package models

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
)

// BoostedConfig holds the ensemble settings shared by the six per-pollutant
// boosters.
type BoostedConfig struct {
	Estimators     int     `json:"estimators" yaml:"estimators"`
	MaxDepth       int     `json:"max_depth" yaml:"max_depth"`
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate"`
	Subsample      float64 `json:"subsample" yaml:"subsample"`
	ColSample      float64 `json:"colsample" yaml:"colsample"`
	MinChildWeight float64 `json:"min_child_weight" yaml:"min_child_weight"`
	Gamma          float64 `json:"gamma" yaml:"gamma"`
	Lambda         float64 `json:"lambda" yaml:"lambda"`
	Alpha          float64 `json:"alpha" yaml:"alpha"`
	MaxBins        int     `json:"max_bins" yaml:"max_bins"`
	// FineTuneRounds trees are appended per booster by FineTune at
	// FineTuneRate times the learning rate.
	FineTuneRounds int     `json:"fine_tune_rounds" yaml:"fine_tune_rounds"`
	FineTuneRate   float64 `json:"fine_tune_rate" yaml:"fine_tune_rate"`
	Seed           uint64  `json:"seed" yaml:"seed"`
}

// DefaultBoostedConfig returns 100 depth-6 trees per pollutant at learning
// rate 0.05 with 0.8 row and column subsampling.
func DefaultBoostedConfig() BoostedConfig {
	return BoostedConfig{
		Estimators:     100,
		MaxDepth:       6,
		LearningRate:   0.05,
		Subsample:      0.8,
		ColSample:      0.8,
		MinChildWeight: 3,
		Gamma:          0.1,
		Lambda:         1,
		Alpha:          0,
		MaxBins:        64,
		FineTuneRounds: 10,
		FineTuneRate:   0.3,
		Seed:           42,
	}
}

// Boosted is a multi-output regressor made of six independent gradient
// boosted tree ensembles over the engineered feature row.
type Boosted struct {
	cfg     BoostedConfig
	builder *features.Builder

	bins     binner
	base     [airquality.NumPollutants]float64
	boosters [airquality.NumPollutants][]*tree
	width    int
}

// NewBoosted returns an untrained boosted model.
func NewBoosted(cfg BoostedConfig) *Boosted {
	return &Boosted{cfg: cfg, builder: features.NewBuilder()}
}

func (m *Boosted) Name() string          { return string(KindBoosted) }
func (m *Boosted) Kind() Kind            { return KindBoosted }
func (m *Boosted) Lookback() int         { return m.builder.Window }
func (m *Boosted) Config() BoostedConfig { return m.cfg }

// Input returns the single engineered feature row for t.
func (m *Boosted) Input(history []features.Point, t time.Time) [][]float64 {
	row := [][]float64{m.builder.Row(history[max(0, len(history)-m.builder.Window):], t)}
	features.Fill(row)
	return row
}

func flatten(X [][][]float64) [][]float64 {
	out := make([][]float64, len(X))
	for i, x := range X {
		out[i] = x[0]
	}
	return out
}

// Train fits every booster from a constant base score equal to the target
// mean. The validation set only feeds the loss history and scores.
func (m *Boosted) Train(ctx context.Context, train, val Dataset, opts TrainOptions) (TrainResult, error) {
	if len(train) == 0 {
		return TrainResult{}, fmt.Errorf("train %s: %w: no samples", m.Name(), airquality.ErrInsufficientData)
	}
	if err := features.CheckLeakage(m.builder.Columns()); err != nil {
		return TrainResult{}, err
	}
	width := len(m.builder.Columns())
	if err := checkInputs(train.Inputs(), 1, width); err != nil {
		return TrainResult{}, err
	}

	X := flatten(train.Inputs())
	m.width = width
	m.bins = newBinner(X, m.cfg.MaxBins)
	Y := train.Targets()
	for k := range airquality.NumPollutants {
		m.base[k] = stat.Mean(column(Y, k), nil)
		m.boosters[k] = nil
	}

	rounds := pick(opts.Epochs, m.cfg.Estimators)
	lr := pickFloat(opts.LearningRate, m.cfg.LearningRate)
	res := TrainResult{Model: m.Name()}
	if err := m.boost(ctx, train, val, rounds, lr, m.cfg.Seed, opts.logger(), &res); err != nil {
		return res, err
	}
	if err := finish(m, &res, train, val); err != nil {
		return res, err
	}
	return res, nil
}

// FineTune appends FineTuneRounds trees per booster fitted to the residuals
// on ds at a reduced learning rate.
func (m *Boosted) FineTune(ctx context.Context, ds Dataset, opts TrainOptions) error {
	if len(ds) == 0 {
		return fmt.Errorf("fine-tune %s: %w: no samples", m.Name(), airquality.ErrInsufficientData)
	}
	if m.width == 0 {
		return fmt.Errorf("fine-tune %s: %w: model not trained", m.Name(), airquality.ErrArtifactNotFound)
	}
	if err := checkInputs(ds.Inputs(), 1, m.width); err != nil {
		return err
	}
	rounds := pick(opts.Epochs, m.cfg.FineTuneRounds)
	lr := pickFloat(opts.LearningRate, m.cfg.LearningRate*m.cfg.FineTuneRate)
	var res TrainResult
	seed := m.cfg.Seed + uint64(len(m.boosters[0]))
	return m.boost(ctx, ds, nil, rounds, lr, seed, opts.logger(), &res)
}

func (m *Boosted) boost(ctx context.Context, train, val Dataset, rounds int, lr float64, seed uint64, log *slog.Logger, res *TrainResult) error {
	X := flatten(train.Inputs())
	Xb := m.bins.transform(X)
	Y := train.Targets()
	n := len(X)
	rng := rand.New(rand.NewPCG(seed, seed^0xbf58476d1ce4e5b9))

	pred := make([][]float64, airquality.NumPollutants)
	for k := range pred {
		pred[k] = make([]float64, n)
		for i, x := range X {
			pred[k][i] = m.predictOne(k, x)
		}
	}

	var valX [][]float64
	var valPred [][]float64
	if len(val) > 0 {
		valX = flatten(val.Inputs())
		valPred = make([][]float64, airquality.NumPollutants)
		for k := range valPred {
			valPred[k] = make([]float64, len(valX))
			for i, x := range valX {
				valPred[k][i] = m.predictOne(k, x)
			}
		}
	}

	tp := treeParams{
		maxDepth:       m.cfg.MaxDepth,
		minChildWeight: m.cfg.MinChildWeight,
		gamma:          m.cfg.Gamma,
		lambda:         m.cfg.Lambda,
		alpha:          m.cfg.Alpha,
		eta:            lr,
	}
	grad := make([]float64, n)
	hess := make([]float64, n)
	for i := range hess {
		hess[i] = 1
	}

	for round := range rounds {
		if err := ctx.Err(); err != nil {
			return err
		}
		var trainLoss, valLoss float64
		for k := range airquality.NumPollutants {
			for i := range grad {
				grad[i] = pred[k][i] - Y[i][k]
			}
			rows := sampleIndices(rng, n, m.cfg.Subsample)
			cols := sampleIndices(rng, m.width, m.cfg.ColSample)
			t := growTree(tp, m.bins, Xb, grad, hess, rows, cols)
			m.boosters[k] = append(m.boosters[k], t)

			for i, x := range X {
				pred[k][i] += t.predict(x)
				d := pred[k][i] - Y[i][k]
				trainLoss += d * d
			}
			for i, x := range valX {
				valPred[k][i] += t.predict(x)
				d := valPred[k][i] - val[i].Y[k]
				valLoss += d * d
			}
		}
		res.TrainLoss = append(res.TrainLoss, trainLoss/float64(n))
		if len(valX) > 0 {
			res.ValLoss = append(res.ValLoss, valLoss/float64(len(valX)))
		}
		res.Epochs = round + 1
		if (round+1)%10 == 0 {
			log.Debug("boosting round complete", "model", m.Name(), "round", round+1, "train_loss", res.TrainLoss[round])
		}
	}
	return nil
}

func (m *Boosted) predictOne(k int, x []float64) float64 {
	v := m.base[k]
	for _, t := range m.boosters[k] {
		v += t.predict(x)
	}
	return v
}

// Predict sums the trees of every booster.
func (m *Boosted) Predict(X [][][]float64) ([]airquality.Values, error) {
	if m.width == 0 {
		return nil, fmt.Errorf("predict %s: %w: model not trained", m.Name(), airquality.ErrArtifactNotFound)
	}
	if err := checkInputs(X, 1, m.width); err != nil {
		return nil, err
	}
	out := make([]airquality.Values, len(X))
	for i, x := range X {
		for k := range airquality.NumPollutants {
			v := m.predictOne(k, x[0])
			if math.IsNaN(v) {
				v = m.base[k]
			}
			out[i][k] = v
		}
	}
	return out, nil
}

// Trees returns the number of trees per booster.
func (m *Boosted) Trees() int { return len(m.boosters[0]) }

type boostedState struct {
	Config   BoostedConfig
	Width    int
	Edges    [][]float64
	Base     [airquality.NumPollutants]float64
	Boosters [airquality.NumPollutants][]tree
}

// MarshalBinary encodes the configuration, bin edges and trees.
func (m *Boosted) MarshalBinary() ([]byte, error) {
	st := boostedState{Config: m.cfg, Width: m.width, Edges: m.bins.Edges, Base: m.base}
	for k, ts := range m.boosters {
		for _, t := range ts {
			st.Boosters[k] = append(st.Boosters[k], *t)
		}
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(st); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Name(), err)
	}
	return buf.Bytes(), nil
}

// DecodeBoosted restores a boosted model written by MarshalBinary.
func DecodeBoosted(b []byte) (*Boosted, error) {
	var st boostedState
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode xgboost: %w", err)
	}
	m := NewBoosted(st.Config)
	if st.Width != 0 && st.Width != len(m.builder.Columns()) {
		return nil, fmt.Errorf("decode xgboost: %w: %d features, want %d", airquality.ErrShapeMismatch, st.Width, len(m.builder.Columns()))
	}
	m.width = st.Width
	m.bins = binner{Edges: st.Edges}
	m.base = st.Base
	for k, ts := range st.Boosters {
		for i := range ts {
			m.boosters[k] = append(m.boosters[k], &ts[i])
		}
	}
	return m, nil
}
