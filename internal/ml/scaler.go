package ml

import "github.com/x448/float16"

const (
	initialLossScale  = 65536
	lossScaleGrowth   = 2
	lossScaleBackoff  = 0.5
	lossScaleInterval = 2000
	minimumLossScale  = 1.0 / 65536
)

// GradScaler implements dynamic loss scaling for half precision training.
// A disabled scaler keeps the scale at 1 and never changes it.
type GradScaler struct {
	enabled       bool
	scale         float64
	growthTracker int
}

func NewGradScaler(enabled bool) *GradScaler {
	var s = &GradScaler{enabled: enabled, scale: 1}
	if enabled {
		s.scale = initialLossScale
	}
	return s
}

func (s *GradScaler) Enabled() bool      { return s.enabled }
func (s *GradScaler) LossScale() float64 { return s.scale }

// Unscale divides gradients by the loss scale and reports whether all of them are finite.
func (s *GradScaler) Unscale(params []*Param) bool {
	if s.scale != 1 {
		ScaleGrads(params, 1/s.scale)
	}
	return GradsFinite(params)
}

// Update backs the scale off after an overflow and grows it after
// a run of consecutive finite steps.
func (s *GradScaler) Update(finite bool) {
	if !s.enabled {
		return
	}
	if !finite {
		s.scale = max(s.scale*lossScaleBackoff, minimumLossScale)
		s.growthTracker = 0
		return
	}
	s.growthTracker++
	if s.growthTracker == lossScaleInterval {
		s.scale *= lossScaleGrowth
		s.growthTracker = 0
	}
}

// Half rounds x to the nearest IEEE 754 half precision value.
// Values beyond the half range become infinite.
func Half(x float64) float64 {
	return float64(float16.Fromfloat32(float32(x)).Float32())
}

func RoundHalf(data []float64) {
	for i, x := range data {
		data[i] = Half(x)
	}
}
