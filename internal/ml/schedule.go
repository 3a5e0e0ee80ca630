package ml

import "math"

// CosineSchedule anneals the learning rate from Base to Min over TMax epochs.
type CosineSchedule struct {
	Base float64
	Min  float64
	TMax int
}

// LearningRate for a zero-based epoch.
func (s CosineSchedule) LearningRate(epoch int) float64 {
	if s.TMax <= 0 {
		return s.Base
	}
	var progress = float64(epoch) / float64(s.TMax)
	return s.Min + (s.Base-s.Min)*(1+math.Cos(math.Pi*progress))/2
}
