package ml

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	Beta1   = 0.9
	Beta2   = 0.999
	Epsilon = 1e-8
)

// Param is one trainable tensor.
// Thread copies share Value and own their Grad; Adam moments live on the main copy only.
type Param struct {
	Name  string
	Value *mat.Dense
	Grad  *mat.Dense
	m1    []float64
	m2    []float64
}

func NewParam(name string, rows, cols int) *Param {
	return &Param{
		Name:  name,
		Value: mat.NewDense(rows, cols, nil),
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

func (p *Param) ThreadCopy() *Param {
	var rows, cols = p.Value.Dims()
	return &Param{
		Name:  p.Name,
		Value: p.Value,
		Grad:  mat.NewDense(rows, cols, nil),
	}
}

func (p *Param) Values() []float64 { return p.Value.RawMatrix().Data }
func (p *Param) Grads() []float64  { return p.Grad.RawMatrix().Data }

// AddTo folds the gradient into parent and clears it.
func (p *Param) AddTo(parent *Param) {
	var g = p.Grads()
	floats.Add(parent.Grads(), g)
	clear(g)
}

func (p *Param) ZeroGrad() {
	clear(p.Grads())
}

// AdamW is Adam with bias correction and decoupled weight decay.
type AdamW struct {
	LearningRate float64
	WeightDecay  float64
	step         int
}

func (o *AdamW) Steps() int { return o.step }

// Step updates every parameter from its gradient and clears the gradients.
func (o *AdamW) Step(params []*Param) {
	o.step++
	var correction1 = 1 - math.Pow(Beta1, float64(o.step))
	var correction2 = 1 - math.Pow(Beta2, float64(o.step))
	var decay = 1 - o.LearningRate*o.WeightDecay
	for _, p := range params {
		var value, grad = p.Values(), p.Grads()
		if p.m1 == nil {
			p.m1 = make([]float64, len(value))
			p.m2 = make([]float64, len(value))
		}
		for i := range value {
			var g = grad[i]
			p.m1[i] = p.m1[i]*Beta1 + g*(1-Beta1)
			p.m2[i] = p.m2[i]*Beta2 + (g*g)*(1-Beta2)
			value[i] *= decay
			value[i] -= o.LearningRate * (p.m1[i] / correction1) / (math.Sqrt(p.m2[i]/correction2) + Epsilon)
			grad[i] = 0
		}
	}
}

func ZeroGrads(params []*Param) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

func ScaleGrads(params []*Param, factor float64) {
	for _, p := range params {
		floats.Scale(factor, p.Grads())
	}
}

// GlobalNorm is the L2 norm over all gradients taken together.
func GlobalNorm(params []*Param) float64 {
	var sum float64
	for _, p := range params {
		var n = floats.Norm(p.Grads(), 2)
		sum += n * n
	}
	return math.Sqrt(sum)
}

// ClipGlobalNorm rescales gradients so that their global norm does not exceed maxNorm.
// It returns the norm before clipping.
func ClipGlobalNorm(params []*Param, maxNorm float64) float64 {
	var norm = GlobalNorm(params)
	if norm > maxNorm {
		ScaleGrads(params, maxNorm/(norm+1e-6))
	}
	return norm
}

func GradsFinite(params []*Param) bool {
	for _, p := range params {
		if !AllFinite(p.Grads()) {
			return false
		}
	}
	return true
}
