package model

import (
	"math"
	"math/rand/v2"

	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Attention is multi-head scaled dot-product attention over the rows of one matrix.
// allowed[i][j] says whether row i may attend to row j. A row with no allowed
// key produces a zero output row and receives no gradient.
type Attention struct {
	Query   *Linear
	Key     *Linear
	Value   *Linear
	Output  *Linear
	heads   int
	dropout float64

	allowed [][]bool
	empty   []bool
	q, k, v *mat.Dense
	probs   []*mat.Dense
	keep    []*mat.Dense
}

func newAttention(b *builder, name string, dim, heads int, dropout float64) *Attention {
	return &Attention{
		Query:   newLinear(b, name+".query", dim, dim),
		Key:     newLinear(b, name+".key", dim, dim),
		Value:   newLinear(b, name+".value", dim, dim),
		Output:  newLinear(b, name+".output", dim, dim),
		heads:   heads,
		dropout: dropout,
	}
}

// initDefault uses Xavier uniform over the joint input projection and zero biases.
func (a *Attention) initDefault(rnd *rand.Rand) {
	var dim, _ = a.Query.Weight.Value.Dims()
	var xavier = 2.0 / float64(3*dim+dim)
	for _, l := range []*Linear{a.Query, a.Key, a.Value} {
		ml.InitUniform(rnd, l.Weight.Values(), xavier)
		clear(l.Bias.Values())
	}
	ml.InitUniform(rnd, a.Output.Weight.Values(), 1.0/float64(3*dim))
	clear(a.Output.Bias.Values())
}

func (a *Attention) Forward(x *mat.Dense, allowed [][]bool, rnd *rand.Rand) *mat.Dense {
	var n, dim = x.Dims()
	var headSize = dim / a.heads
	var scale = 1 / math.Sqrt(float64(headSize))

	a.allowed = allowed
	a.empty = make([]bool, n)
	for i := range a.empty {
		a.empty[i] = true
		for j := 0; j < n; j++ {
			if allowed[i][j] {
				a.empty[i] = false
				break
			}
		}
	}
	a.q = a.Query.Forward(x)
	a.k = a.Key.Forward(x)
	a.v = a.Value.Forward(x)

	var training = rnd != nil && a.dropout > 0
	a.probs = make([]*mat.Dense, a.heads)
	a.keep = make([]*mat.Dense, a.heads)
	var concat = mat.NewDense(n, dim, nil)
	var scores = make([]float64, n)
	for h := 0; h < a.heads; h++ {
		var lo, hi = h * headSize, (h + 1) * headSize
		var probs = mat.NewDense(n, n, nil)
		var keep *mat.Dense
		if training {
			keep = mat.NewDense(n, n, dropoutMask(rnd, n*n, a.dropout))
		}
		for i := 0; i < n; i++ {
			if a.empty[i] {
				continue
			}
			var qi = a.q.RawRowView(i)[lo:hi]
			var maxScore = math.Inf(-1)
			for j := 0; j < n; j++ {
				if !allowed[i][j] {
					continue
				}
				scores[j] = floats.Dot(qi, a.k.RawRowView(j)[lo:hi]) * scale
				maxScore = math.Max(maxScore, scores[j])
			}
			var sum float64
			for j := 0; j < n; j++ {
				if allowed[i][j] {
					scores[j] = math.Exp(scores[j] - maxScore)
					sum += scores[j]
				}
			}
			var out = concat.RawRowView(i)[lo:hi]
			for j := 0; j < n; j++ {
				if !allowed[i][j] {
					continue
				}
				var p = scores[j] / sum
				probs.Set(i, j, p)
				if keep != nil {
					p *= keep.At(i, j)
				}
				floats.AddScaled(out, p, a.v.RawRowView(j)[lo:hi])
			}
		}
		a.probs[h] = probs
		a.keep[h] = keep
	}

	var y = a.Output.Forward(concat)
	for i := range a.empty {
		if a.empty[i] {
			clear(y.RawRowView(i))
		}
	}
	return y
}

func (a *Attention) Backward(dy *mat.Dense) *mat.Dense {
	var n, dim = dy.Dims()
	var headSize = dim / a.heads
	var scale = 1 / math.Sqrt(float64(headSize))

	var dOut = mat.DenseCopyOf(dy)
	for i := range a.empty {
		if a.empty[i] {
			clear(dOut.RawRowView(i))
		}
	}
	var dConcat = a.Output.Backward(dOut)

	var dq = mat.NewDense(n, dim, nil)
	var dk = mat.NewDense(n, dim, nil)
	var dv = mat.NewDense(n, dim, nil)
	var dProbs = make([]float64, n)
	for h := 0; h < a.heads; h++ {
		var lo, hi = h * headSize, (h + 1) * headSize
		var probs, keep = a.probs[h], a.keep[h]
		for i := 0; i < n; i++ {
			if a.empty[i] {
				continue
			}
			var dci = dConcat.RawRowView(i)[lo:hi]
			var weighted float64
			for j := 0; j < n; j++ {
				if !a.allowed[i][j] {
					continue
				}
				var p, mult = probs.At(i, j), 1.0
				if keep != nil {
					mult = keep.At(i, j)
				}
				floats.AddScaled(dv.RawRowView(j)[lo:hi], p*mult, dci)
				dProbs[j] = floats.Dot(dci, a.v.RawRowView(j)[lo:hi]) * mult
				weighted += p * dProbs[j]
			}
			var qi, dqi = a.q.RawRowView(i)[lo:hi], dq.RawRowView(i)[lo:hi]
			for j := 0; j < n; j++ {
				if !a.allowed[i][j] {
					continue
				}
				var dScore = probs.At(i, j) * (dProbs[j] - weighted) * scale
				floats.AddScaled(dqi, dScore, a.k.RawRowView(j)[lo:hi])
				floats.AddScaled(dk.RawRowView(j)[lo:hi], dScore, qi)
			}
		}
	}

	var dx = a.Query.Backward(dq)
	dx.Add(dx, a.Key.Backward(dk))
	dx.Add(dx, a.Value.Backward(dv))
	return dx
}
