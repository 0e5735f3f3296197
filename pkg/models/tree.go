package models

import (
	"math"
	"math/rand/v2"
	"slices"
	"sort"
)

// binner discretises each feature into quantile buckets. Bucket b holds
// values in (Edges[b-1], Edges[b]]; the last bucket holds everything above
// the final edge.
type binner struct {
	Edges [][]float64
}

func newBinner(X [][]float64, maxBins int) binner {
	if len(X) == 0 {
		return binner{}
	}
	width := len(X[0])
	b := binner{Edges: make([][]float64, width)}
	col := make([]float64, len(X))
	for j := range width {
		for i, row := range X {
			col[i] = row[j]
		}
		sorted := slices.Clone(col)
		slices.Sort(sorted)
		uniq := slices.Compact(sorted)

		var edges []float64
		if len(uniq) <= maxBins {
			edges = uniq[:len(uniq)-1]
		} else {
			for q := 1; q < maxBins; q++ {
				v := uniq[q*len(uniq)/maxBins]
				if len(edges) == 0 || v > edges[len(edges)-1] {
					edges = append(edges, v)
				}
			}
		}
		b.Edges[j] = slices.Clone(edges)
	}
	return b
}

func (b binner) bin(j int, v float64) int {
	return sort.SearchFloat64s(b.Edges[j], v)
}

func (b binner) transform(X [][]float64) [][]uint16 {
	out := make([][]uint16, len(X))
	for i, row := range X {
		r := make([]uint16, len(row))
		for j, v := range row {
			r[j] = uint16(b.bin(j, v))
		}
		out[i] = r
	}
	return out
}

// node is one tree node. Leaves carry Value; internal nodes send rows with
// x[Feature] <= Threshold to Left.
type node struct {
	Feature   int
	Threshold float64
	Left      int
	Right     int
	Leaf      bool
	Value     float64
}

type tree struct {
	Nodes []node
}

func (t *tree) predict(x []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf {
			return n.Value
		}
		if x[n.Feature] <= n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// treeParams are the regularisation settings of a single tree.
type treeParams struct {
	maxDepth       int
	minChildWeight float64
	gamma          float64
	lambda         float64
	alpha          float64
	eta            float64
}

// threshold applies the L1 soft threshold to a gradient sum.
func (p treeParams) threshold(g float64) float64 {
	switch {
	case g > p.alpha:
		return g - p.alpha
	case g < -p.alpha:
		return g + p.alpha
	}
	return 0
}

func (p treeParams) score(g, h float64) float64 {
	t := p.threshold(g)
	return t * t / (h + p.lambda)
}

func (p treeParams) weight(g, h float64) float64 {
	return -p.threshold(g) / (h + p.lambda) * p.eta
}

type treeBuilder struct {
	p     treeParams
	bins  binner
	Xb    [][]uint16
	grad  []float64
	hess  []float64
	feats []int
	t     *tree
}

// growTree fits one regression tree to the gradients of the rows in idx
// using the features in feats.
func growTree(p treeParams, bins binner, Xb [][]uint16, grad, hess []float64, idx, feats []int) *tree {
	tb := &treeBuilder{p: p, bins: bins, Xb: Xb, grad: grad, hess: hess, feats: feats, t: &tree{}}
	tb.split(idx, 0)
	return tb.t
}

func (tb *treeBuilder) leaf(g, h float64) int {
	tb.t.Nodes = append(tb.t.Nodes, node{Leaf: true, Value: tb.p.weight(g, h)})
	return len(tb.t.Nodes) - 1
}

func (tb *treeBuilder) split(idx []int, depth int) int {
	var G, H float64
	for _, i := range idx {
		G += tb.grad[i]
		H += tb.hess[i]
	}
	if depth >= tb.p.maxDepth || H < 2*tb.p.minChildWeight {
		return tb.leaf(G, H)
	}

	parent := tb.p.score(G, H)
	bestGain, bestFeat, bestBin := 0.0, -1, 0
	for _, j := range tb.feats {
		nb := len(tb.bins.Edges[j]) + 1
		if nb < 2 {
			continue
		}
		hg := make([]float64, nb)
		hh := make([]float64, nb)
		for _, i := range idx {
			b := tb.Xb[i][j]
			hg[b] += tb.grad[i]
			hh[b] += tb.hess[i]
		}
		var gl, hl float64
		for b := 0; b < nb-1; b++ {
			gl += hg[b]
			hl += hh[b]
			gr, hr := G-gl, H-hl
			if hl < tb.p.minChildWeight || hr < tb.p.minChildWeight {
				continue
			}
			gain := 0.5*(tb.p.score(gl, hl)+tb.p.score(gr, hr)-parent) - tb.p.gamma
			if gain > bestGain {
				bestGain, bestFeat, bestBin = gain, j, b
			}
		}
	}
	if bestFeat < 0 {
		return tb.leaf(G, H)
	}

	var left, right []int
	for _, i := range idx {
		if int(tb.Xb[i][bestFeat]) <= bestBin {
			left = append(left, i)
		} else {
			right = append(right, i)
		}
	}

	self := len(tb.t.Nodes)
	tb.t.Nodes = append(tb.t.Nodes, node{Feature: bestFeat, Threshold: tb.bins.Edges[bestFeat][bestBin]})
	l := tb.split(left, depth+1)
	r := tb.split(right, depth+1)
	tb.t.Nodes[self].Left = l
	tb.t.Nodes[self].Right = r
	return self
}

// sampleIndices draws round(frac*n) distinct indices in ascending order.
func sampleIndices(rng *rand.Rand, n int, frac float64) []int {
	k := int(math.Round(frac * float64(n)))
	if frac >= 1 || k >= n {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	k = max(k, 1)
	out := rng.Perm(n)[:k]
	slices.Sort(out)
	return out
}
