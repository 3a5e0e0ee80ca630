package model

import (
	"math/rand/v2"

	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Linear computes Y = X*Wᵀ + b for every row of X.
type Linear struct {
	Weight *ml.Param
	Bias   *ml.Param
	half   bool
	input  *mat.Dense
}

func newLinear(b *builder, name string, inputSize, outputSize int) *Linear {
	var l = &Linear{
		Weight: b.param(name+".weight", outputSize, inputSize),
		Bias:   b.param(name+".bias", 1, outputSize),
	}
	b.linears = append(b.linears, l)
	return l
}

// initDefault draws weights and biases from U(-1/sqrt(in), 1/sqrt(in)).
func (l *Linear) initDefault(rnd *rand.Rand) {
	var _, inputSize = l.Weight.Value.Dims()
	var variance = 1.0 / float64(3*inputSize)
	ml.InitUniform(rnd, l.Weight.Values(), variance)
	ml.InitUniform(rnd, l.Bias.Values(), variance)
}

func (l *Linear) Forward(x *mat.Dense) *mat.Dense {
	l.input = x
	var y mat.Dense
	y.Mul(x, l.Weight.Value.T())
	var rows, _ = y.Dims()
	var bias = l.Bias.Values()
	for i := 0; i < rows; i++ {
		floats.Add(y.RawRowView(i), bias)
	}
	if l.half {
		ml.RoundHalf(y.RawMatrix().Data)
	}
	return &y
}

// Backward accumulates parameter gradients and returns the gradient of the input.
func (l *Linear) Backward(dy *mat.Dense) *mat.Dense {
	var dw mat.Dense
	dw.Mul(dy.T(), l.input)
	l.Weight.Grad.Add(l.Weight.Grad, &dw)
	var rows, _ = dy.Dims()
	var biasGrad = l.Bias.Grads()
	for i := 0; i < rows; i++ {
		floats.Add(biasGrad, dy.RawRowView(i))
	}
	var dx mat.Dense
	dx.Mul(dy, l.Weight.Value)
	if l.half {
		ml.RoundHalf(dx.RawMatrix().Data)
	}
	return &dx
}

// FeedForward is Linear -> activation -> dropout -> Linear, applied row by row.
type FeedForward struct {
	In           *Linear
	Out          *Linear
	activationFn ml.IActivationFn
	dropout      float64
	prime        *mat.Dense
	keep         []float64
}

func newFeedForward(b *builder, name string, inputSize, hiddenSize, outputSize int, dropout float64) *FeedForward {
	return &FeedForward{
		In:           newLinear(b, name+".in", inputSize, hiddenSize),
		Out:          newLinear(b, name+".out", hiddenSize, outputSize),
		activationFn: &ml.ReLuActivation{},
		dropout:      dropout,
	}
}

func (f *FeedForward) initDefault(rnd *rand.Rand) {
	f.In.initDefault(rnd)
	f.Out.initDefault(rnd)
}

// Forward runs the sublayer. A nil rnd means inference: dropout is off.
func (f *FeedForward) Forward(x *mat.Dense, rnd *rand.Rand) *mat.Dense {
	var h = f.In.Forward(x)
	var rows, cols = h.Dims()
	f.prime = mat.NewDense(rows, cols, nil)
	ml.Activate(f.activationFn, h, f.prime)
	f.keep = nil
	if rnd != nil && f.dropout > 0 {
		f.keep = dropoutMask(rnd, rows*cols, f.dropout)
		floats.Mul(h.RawMatrix().Data, f.keep)
	}
	return f.Out.Forward(h)
}

func (f *FeedForward) Backward(dy *mat.Dense) *mat.Dense {
	var dh = f.Out.Backward(dy)
	dh.MulElem(dh, f.prime)
	if f.keep != nil {
		floats.Mul(dh.RawMatrix().Data, f.keep)
	}
	return f.In.Backward(dh)
}

// dropoutMask holds 0 for dropped elements and 1/(1-p) for kept ones.
func dropoutMask(rnd *rand.Rand, n int, p float64) []float64 {
	var keep = make([]float64, n)
	var scale = 1 / (1 - p)
	for i := range keep {
		if rnd.Float64() >= p {
			keep[i] = scale
		}
	}
	return keep
}

func addDense(a, b *mat.Dense) *mat.Dense {
	var sum mat.Dense
	sum.Add(a, b)
	return &sum
}
