package ml

import "math"

type IModelCost interface {
	Cost(predicted, target float64) float64
	CostPrime(predicted, target float64) float64
}

// BCEWithLogitsCost is binary cross entropy on a raw logit, evaluated without overflow.
type BCEWithLogitsCost struct{}

func (*BCEWithLogitsCost) Cost(predicted, target float64) float64 {
	return math.Max(predicted, 0) - predicted*target + math.Log1p(math.Exp(-math.Abs(predicted)))
}

func (*BCEWithLogitsCost) CostPrime(predicted, target float64) float64 {
	return Sigmoid(predicted) - target
}
