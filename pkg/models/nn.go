package models

import (
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
)

// Adam hyper-parameters.
const (
	adamBeta1 = 0.9
	adamBeta2 = 0.999
	adamEps   = 1e-7
)

// param is one weight tensor with its gradient and Adam moments.
type param struct {
	w, g, m, v []float64
}

func newParam(n int) *param {
	return &param{w: make([]float64, n), g: make([]float64, n), m: make([]float64, n), v: make([]float64, n)}
}

func (p *param) zeroGrad() { clear(p.g) }

func (p *param) resetMoments() {
	clear(p.m)
	clear(p.v)
}

func (p *param) adam(lr float64, step int) {
	c1 := 1 - math.Pow(adamBeta1, float64(step))
	c2 := 1 - math.Pow(adamBeta2, float64(step))
	for i, g := range p.g {
		p.m[i] = adamBeta1*p.m[i] + (1-adamBeta1)*g
		p.v[i] = adamBeta2*p.v[i] + (1-adamBeta2)*g*g
		p.w[i] -= lr * (p.m[i] / c1) / (math.Sqrt(p.v[i]/c2) + adamEps)
	}
}

// glorot fills w with Glorot-uniform values for a fanIn x fanOut matrix.
func glorot(w []float64, fanIn, fanOut int, rng *rand.Rand) {
	limit := math.Sqrt(6 / float64(fanIn+fanOut))
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * limit
	}
}

func clipGradients(params []*param, maxNorm float64) {
	if maxNorm <= 0 {
		return
	}
	var sq float64
	for _, p := range params {
		sq += floats.Dot(p.g, p.g)
	}
	norm := math.Sqrt(sq)
	if norm <= maxNorm || norm == 0 {
		return
	}
	for _, p := range params {
		floats.Scale(maxNorm/norm, p.g)
	}
}

func snapshot(params []*param) [][]float64 {
	out := make([][]float64, len(params))
	for i, p := range params {
		out[i] = append([]float64(nil), p.w...)
	}
	return out
}

func restore(params []*param, weights [][]float64) {
	for i, p := range params {
		copy(p.w, weights[i])
	}
}

// dropoutMask returns an inverted-dropout mask: 0 with probability rate,
// 1/(1-rate) otherwise.
func dropoutMask(rng *rand.Rand, n int, rate float64) []float64 {
	mask := make([]float64, n)
	keep := 1 / (1 - rate)
	for i := range mask {
		if rate <= 0 || rng.Float64() >= rate {
			mask[i] = keep
		}
	}
	return mask
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

// denseLayer is a fully connected layer y = Wx + b with W stored row-major
// as out x in.
type denseLayer struct {
	in, out int
	w, b    *param
}

func newDenseLayer(in, out int, rng *rand.Rand) *denseLayer {
	l := &denseLayer{in: in, out: out, w: newParam(in * out), b: newParam(out)}
	glorot(l.w.w, in, out, rng)
	return l
}

func (l *denseLayer) forward(x []float64) []float64 {
	y := make([]float64, l.out)
	for r := range y {
		y[r] = floats.Dot(l.w.w[r*l.in:(r+1)*l.in], x) + l.b.w[r]
	}
	return y
}

// backward accumulates gradients for dy at input x and returns dx.
func (l *denseLayer) backward(x, dy []float64) []float64 {
	dx := make([]float64, l.in)
	for r, d := range dy {
		if d == 0 {
			continue
		}
		floats.AddScaled(l.w.g[r*l.in:(r+1)*l.in], d, x)
		l.b.g[r] += d
		floats.AddScaled(dx, d, l.w.w[r*l.in:(r+1)*l.in])
	}
	return dx
}

// lstmLayer is a single LSTM layer. The gate pre-activations are laid out
// input, forget, cell, output; W is 4H x (in+H) row-major over [x; h].
type lstmLayer struct {
	in, hidden int
	w, b       *param
}

func newLSTMLayer(in, hidden int, rng *rand.Rand) *lstmLayer {
	cols := in + hidden
	l := &lstmLayer{in: in, hidden: hidden, w: newParam(4 * hidden * cols), b: newParam(4 * hidden)}
	glorot(l.w.w, cols, 4*hidden, rng)
	for k := hidden; k < 2*hidden; k++ {
		l.b.w[k] = 1
	}
	return l
}

type lstmStep struct {
	xh                 []float64
	i, f, g, o         []float64
	c, cPrev, tanhC, h []float64
}

func (l *lstmLayer) forward(xs [][]float64) []lstmStep {
	H := l.hidden
	cols := l.in + H
	h := make([]float64, H)
	c := make([]float64, H)
	steps := make([]lstmStep, len(xs))
	z := make([]float64, 4*H)

	for t, x := range xs {
		xh := make([]float64, 0, cols)
		xh = append(xh, x...)
		xh = append(xh, h...)
		for r := range z {
			z[r] = floats.Dot(l.w.w[r*cols:(r+1)*cols], xh) + l.b.w[r]
		}
		s := lstmStep{
			xh: xh, cPrev: c,
			i: make([]float64, H), f: make([]float64, H), g: make([]float64, H), o: make([]float64, H),
			c: make([]float64, H), tanhC: make([]float64, H), h: make([]float64, H),
		}
		for k := range H {
			s.i[k] = sigmoid(z[k])
			s.f[k] = sigmoid(z[H+k])
			s.g[k] = math.Tanh(z[2*H+k])
			s.o[k] = sigmoid(z[3*H+k])
			s.c[k] = s.f[k]*c[k] + s.i[k]*s.g[k]
			s.tanhC[k] = math.Tanh(s.c[k])
			s.h[k] = s.o[k] * s.tanhC[k]
		}
		steps[t] = s
		h, c = s.h, s.c
	}
	return steps
}

// backward runs backpropagation through time. dh[t] is the gradient arriving
// at the output of step t (nil for none). It accumulates parameter gradients
// and returns the gradient for every input row.
func (l *lstmLayer) backward(steps []lstmStep, dh [][]float64) [][]float64 {
	H := l.hidden
	cols := l.in + H
	dhNext := make([]float64, H)
	dcNext := make([]float64, H)
	dz := make([]float64, 4*H)
	dxs := make([][]float64, len(steps))

	for t := len(steps) - 1; t >= 0; t-- {
		s := steps[t]
		for k := range H {
			d := dhNext[k]
			if dh[t] != nil {
				d += dh[t][k]
			}
			do := d * s.tanhC[k]
			dc := dcNext[k] + d*s.o[k]*(1-s.tanhC[k]*s.tanhC[k])
			di := dc * s.g[k]
			dg := dc * s.i[k]
			df := dc * s.cPrev[k]
			dcNext[k] = dc * s.f[k]

			dz[k] = di * s.i[k] * (1 - s.i[k])
			dz[H+k] = df * s.f[k] * (1 - s.f[k])
			dz[2*H+k] = dg * (1 - s.g[k]*s.g[k])
			dz[3*H+k] = do * s.o[k] * (1 - s.o[k])
		}

		dxh := make([]float64, cols)
		for r, d := range dz {
			if d == 0 {
				continue
			}
			floats.AddScaled(l.w.g[r*cols:(r+1)*cols], d, s.xh)
			l.b.g[r] += d
			floats.AddScaled(dxh, d, l.w.w[r*cols:(r+1)*cols])
		}
		dxs[t] = dxh[:l.in]
		copy(dhNext, dxh[l.in:])
	}
	return dxs
}
