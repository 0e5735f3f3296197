package models

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/khrystyna-dutka/Masterwork/pkg/airquality"
	"github.com/khrystyna-dutka/Masterwork/pkg/features"
)

// SequenceWidth is the number of columns of one recurrent input row: the
// normalized base columns plus hour and day-of-week sin/cos.
const SequenceWidth = features.NumBase + 4

// RecurrentConfig holds the architecture and optimiser settings of the
// recurrent model.
type RecurrentConfig struct {
	SequenceLength int     `json:"sequence_length" yaml:"sequence_length"`
	Hidden1        int     `json:"hidden1" yaml:"hidden1"`
	Hidden2        int     `json:"hidden2" yaml:"hidden2"`
	Dense          int     `json:"dense" yaml:"dense"`
	Dropout        float64 `json:"dropout" yaml:"dropout"`
	DenseDropout   float64 `json:"dense_dropout" yaml:"dense_dropout"`
	LearningRate   float64 `json:"learning_rate" yaml:"learning_rate"`
	Epochs         int     `json:"epochs" yaml:"epochs"`
	BatchSize      int     `json:"batch_size" yaml:"batch_size"`
	Patience       int     `json:"patience" yaml:"patience"`
	ClipNorm       float64 `json:"clip_norm" yaml:"clip_norm"`
	Seed           uint64  `json:"seed" yaml:"seed"`
}

// DefaultRecurrentConfig returns two LSTM layers of 128 and 64 units, a
// 32-unit dense layer, dropout 0.2/0.1 and Adam at 0.001 with batch 16 and
// early-stopping patience 10 over 50 epochs.
func DefaultRecurrentConfig() RecurrentConfig {
	return RecurrentConfig{
		SequenceLength: 24,
		Hidden1:        128,
		Hidden2:        64,
		Dense:          32,
		Dropout:        0.2,
		DenseDropout:   0.1,
		LearningRate:   0.001,
		Epochs:         50,
		BatchSize:      16,
		Patience:       10,
		ClipNorm:       5,
		Seed:           42,
	}
}

// Recurrent is a two-layer LSTM with a shared ReLU layer and six linear
// output heads trained jointly on the summed squared error.
type Recurrent struct {
	cfg RecurrentConfig

	l1, l2      *lstmLayer
	dense, head *denseLayer

	rng  *rand.Rand
	step int
}

// NewRecurrent returns an initialised, untrained recurrent model.
func NewRecurrent(cfg RecurrentConfig) *Recurrent {
	m := &Recurrent{cfg: cfg}
	m.reset()
	return m
}

func (m *Recurrent) reset() {
	m.rng = rand.New(rand.NewPCG(m.cfg.Seed, m.cfg.Seed^0x9e3779b97f4a7c15))
	m.l1 = newLSTMLayer(SequenceWidth, m.cfg.Hidden1, m.rng)
	m.l2 = newLSTMLayer(m.cfg.Hidden1, m.cfg.Hidden2, m.rng)
	m.dense = newDenseLayer(m.cfg.Hidden2, m.cfg.Dense, m.rng)
	m.head = newDenseLayer(m.cfg.Dense, airquality.NumPollutants, m.rng)
	m.step = 0
}

func (m *Recurrent) Name() string            { return string(KindRecurrent) }
func (m *Recurrent) Kind() Kind              { return KindRecurrent }
func (m *Recurrent) Lookback() int           { return m.cfg.SequenceLength }
func (m *Recurrent) Config() RecurrentConfig { return m.cfg }

// Input returns the last SequenceLength rows, each extended with the cyclical
// hour and weekday encoding of its own timestamp.
func (m *Recurrent) Input(history []features.Point, _ time.Time) [][]float64 {
	rows := history[max(0, len(history)-m.cfg.SequenceLength):]
	out := make([][]float64, len(rows))
	for i, p := range rows {
		r := make([]float64, 0, SequenceWidth)
		r = append(r, p.Base[:]...)
		h := float64(p.Time.Hour())
		d := float64(p.Time.Weekday())
		r = append(r,
			math.Sin(2*math.Pi*h/24), math.Cos(2*math.Pi*h/24),
			math.Sin(2*math.Pi*d/7), math.Cos(2*math.Pi*d/7),
		)
		out[i] = r
	}
	return out
}

func (m *Recurrent) params() []*param {
	return []*param{m.l1.w, m.l1.b, m.l2.w, m.l2.b, m.dense.w, m.dense.b, m.head.w, m.head.b}
}

// trace keeps the activations of one forward pass for backpropagation.
type trace struct {
	s1, s2  []lstmStep
	in2     [][]float64
	mask1   [][]float64
	h2      []float64
	mask2   []float64
	dense   []float64
	denseIn []float64
	mask3   []float64
	headIn  []float64
	out     []float64
}

func (m *Recurrent) forward(x [][]float64, train bool) *trace {
	tr := &trace{}
	tr.s1 = m.l1.forward(x)

	tr.in2 = make([][]float64, len(x))
	if train {
		tr.mask1 = make([][]float64, len(x))
	}
	for t, s := range tr.s1 {
		h := append([]float64(nil), s.h...)
		if train {
			tr.mask1[t] = dropoutMask(m.rng, len(h), m.cfg.Dropout)
			floats.Mul(h, tr.mask1[t])
		}
		tr.in2[t] = h
	}

	tr.s2 = m.l2.forward(tr.in2)
	tr.h2 = append([]float64(nil), tr.s2[len(tr.s2)-1].h...)
	if train {
		tr.mask2 = dropoutMask(m.rng, len(tr.h2), m.cfg.Dropout)
		floats.Mul(tr.h2, tr.mask2)
	}

	tr.denseIn = tr.h2
	tr.dense = m.dense.forward(tr.denseIn)
	for i, v := range tr.dense {
		tr.dense[i] = math.Max(0, v)
	}
	tr.headIn = append([]float64(nil), tr.dense...)
	if train {
		tr.mask3 = dropoutMask(m.rng, len(tr.headIn), m.cfg.DenseDropout)
		floats.Mul(tr.headIn, tr.mask3)
	}
	tr.out = m.head.forward(tr.headIn)
	return tr
}

func (m *Recurrent) backward(tr *trace, dOut []float64) {
	dHeadIn := m.head.backward(tr.headIn, dOut)
	if tr.mask3 != nil {
		floats.Mul(dHeadIn, tr.mask3)
	}
	for i, v := range tr.dense {
		if v <= 0 {
			dHeadIn[i] = 0
		}
	}
	dh2 := m.dense.backward(tr.denseIn, dHeadIn)
	if tr.mask2 != nil {
		floats.Mul(dh2, tr.mask2)
	}

	dh := make([][]float64, len(tr.s2))
	dh[len(dh)-1] = dh2
	dx2 := m.l2.backward(tr.s2, dh)
	if tr.mask1 != nil {
		for t := range dx2 {
			floats.Mul(dx2[t], tr.mask1[t])
		}
	}
	m.l1.backward(tr.s1, dx2)
}

// Predict runs the network without dropout.
func (m *Recurrent) Predict(X [][][]float64) ([]airquality.Values, error) {
	if err := checkInputs(X, m.cfg.SequenceLength, SequenceWidth); err != nil {
		return nil, err
	}
	out := make([]airquality.Values, len(X))
	for i, x := range X {
		tr := m.forward(x, false)
		copy(out[i][:], tr.out)
	}
	return out, nil
}

// sampleLoss returns the summed squared error and fills grad with its
// derivative.
func sampleLoss(out []float64, y airquality.Values, grad []float64) float64 {
	var loss float64
	for k := range out {
		d := out[k] - y[k]
		loss += d * d
		if grad != nil {
			grad[k] = 2 * d
		}
	}
	return loss
}

func (m *Recurrent) loss(ds Dataset) float64 {
	if len(ds) == 0 {
		return math.NaN()
	}
	var sum float64
	for _, s := range ds {
		sum += sampleLoss(m.forward(s.X, false).out, s.Y, nil)
	}
	return sum / float64(len(ds))
}

// Train fits the network from freshly initialised weights with early
// stopping on the validation loss, restoring the best weights seen.
func (m *Recurrent) Train(ctx context.Context, train, val Dataset, opts TrainOptions) (TrainResult, error) {
	if len(train) == 0 {
		return TrainResult{}, fmt.Errorf("train %s: %w: no samples", m.Name(), airquality.ErrInsufficientData)
	}
	if err := checkInputs(train.Inputs(), m.cfg.SequenceLength, SequenceWidth); err != nil {
		return TrainResult{}, err
	}
	m.reset()

	epochs := pick(opts.Epochs, m.cfg.Epochs)
	patience := pick(opts.Patience, m.cfg.Patience)
	res := TrainResult{Model: m.Name()}
	if err := m.fit(ctx, train, val, epochs, patience, opts, &res); err != nil {
		return res, err
	}
	if err := finish(m, &res, train, val); err != nil {
		return res, err
	}
	return res, nil
}

// FineTune continues from the current weights with a fresh optimiser state,
// 5 epochs at learning rate 1e-4 unless opts says otherwise. There is no
// early stopping.
func (m *Recurrent) FineTune(ctx context.Context, ds Dataset, opts TrainOptions) error {
	if len(ds) == 0 {
		return fmt.Errorf("fine-tune %s: %w: no samples", m.Name(), airquality.ErrInsufficientData)
	}
	if err := checkInputs(ds.Inputs(), m.cfg.SequenceLength, SequenceWidth); err != nil {
		return err
	}
	if opts.Epochs == 0 {
		opts.Epochs = 5
	}
	if opts.LearningRate == 0 {
		opts.LearningRate = 1e-4
	}
	if opts.BatchSize == 0 {
		opts.BatchSize = min(16, len(ds))
	}
	var res TrainResult
	return m.fit(ctx, ds, nil, opts.Epochs, 0, opts, &res)
}

func (m *Recurrent) fit(ctx context.Context, train, val Dataset, epochs, patience int, opts TrainOptions, res *TrainResult) error {
	lr := pickFloat(opts.LearningRate, m.cfg.LearningRate)
	batch := pick(opts.BatchSize, m.cfg.BatchSize)
	log := opts.logger()

	params := m.params()
	for _, p := range params {
		p.resetMoments()
	}
	m.step = 0

	best := math.Inf(1)
	var bestWeights [][]float64
	wait := 0
	grad := make([]float64, airquality.NumPollutants)
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	for epoch := range epochs {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		var epochLoss float64
		for start := 0; start < len(order); start += batch {
			end := min(start+batch, len(order))
			for _, p := range params {
				p.zeroGrad()
			}
			for _, idx := range order[start:end] {
				s := train[idx]
				tr := m.forward(s.X, true)
				epochLoss += sampleLoss(tr.out, s.Y, grad)
				m.backward(tr, grad)
			}
			scale := 1 / float64(end-start)
			for _, p := range params {
				floats.Scale(scale, p.g)
			}
			clipGradients(params, m.cfg.ClipNorm)
			m.step++
			for _, p := range params {
				p.adam(lr, m.step)
			}
		}
		epochLoss /= float64(len(train))

		monitored := epochLoss
		res.TrainLoss = append(res.TrainLoss, epochLoss)
		if len(val) > 0 {
			vl := m.loss(val)
			res.ValLoss = append(res.ValLoss, vl)
			monitored = vl
		}
		res.Epochs = epoch + 1

		log.Debug("epoch complete",
			"model", m.Name(),
			"epoch", epoch+1,
			"train_loss", epochLoss,
			"monitored_loss", monitored,
		)

		if patience <= 0 {
			continue
		}
		if monitored < best {
			best = monitored
			bestWeights = snapshot(params)
			wait = 0
			continue
		}
		wait++
		if wait >= patience {
			log.Info("early stopping", "model", m.Name(), "epoch", epoch+1, "best_loss", best)
			break
		}
	}

	if bestWeights != nil {
		restore(params, bestWeights)
	}
	return nil
}

type recurrentState struct {
	Config RecurrentConfig
	Params [][]float64
}

// MarshalBinary encodes the configuration and weights.
func (m *Recurrent) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(recurrentState{Config: m.cfg, Params: snapshot(m.params())}); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Name(), err)
	}
	return buf.Bytes(), nil
}

// DecodeRecurrent restores a recurrent model written by MarshalBinary.
func DecodeRecurrent(b []byte) (*Recurrent, error) {
	var st recurrentState
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode lstm: %w", err)
	}
	m := NewRecurrent(st.Config)
	params := m.params()
	if len(st.Params) != len(params) {
		return nil, fmt.Errorf("decode lstm: %w: %d parameter tensors", airquality.ErrShapeMismatch, len(st.Params))
	}
	for i, p := range params {
		if len(st.Params[i]) != len(p.w) {
			return nil, fmt.Errorf("decode lstm: %w: tensor %d", airquality.ErrShapeMismatch, i)
		}
	}
	restore(params, st.Params)
	return m, nil
}

func pick(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func pickFloat(v, def float64) float64 {
	if v > 0 {
		return v
	}
	return def
}
