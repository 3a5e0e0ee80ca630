package ml

import "gonum.org/v1/gonum/mat"

type IActivationFn interface {
	Sigma(x float64) float64
	SigmaPrime(x float64) float64
}

type ReLuActivation struct{}

func (*ReLuActivation) Sigma(x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

func (*ReLuActivation) SigmaPrime(x float64) float64 {
	if x > 0 {
		return 1
	}
	return 0
}

// Activate applies fn to m in place and stores the derivative at every input in prime.
// prime may be nil when no backward pass follows.
func Activate(fn IActivationFn, m, prime *mat.Dense) {
	var data = m.RawMatrix().Data
	if prime != nil {
		var p = prime.RawMatrix().Data
		for i, x := range data {
			p[i] = fn.SigmaPrime(x)
		}
	}
	for i, x := range data {
		data[i] = fn.Sigma(x)
	}
}
