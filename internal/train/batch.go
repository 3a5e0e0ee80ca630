package train

import (
	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"github.com/pkg/errors"
)

var (
	ErrDataIntegrity     = errors.New("non-finite input")
	ErrLabelRange        = errors.New("label out of range")
	ErrNumericDivergence = errors.New("numeric divergence")
	ErrTransientCompute  = errors.New("transient compute failure")
)

type Decision int

const (
	Proceed Decision = iota
	SkipBatch
)

func (d Decision) String() string {
	if d == SkipBatch {
		return "skip"
	}
	return "proceed"
}

// ValidateBatch screens signs and counts before any compute.
// A NaN or infinity anywhere skips the whole batch.
func ValidateBatch(batch []dataset.ParsedSample) (Decision, error) {
	for i := range batch {
		var s = &batch[i]
		for _, values := range [][]float64{s.LeftSign, s.LeftCount, s.RightSign, s.RightCount} {
			if !ml.AllFinite(values) {
				return SkipBatch, errors.Wrapf(ErrDataIntegrity, "sample %v of %v", i, len(batch))
			}
		}
	}
	return Proceed, nil
}

// clampLabels returns the batch labels forced into [0,1] and how many had to change.
func clampLabels(batch []dataset.ParsedSample) ([]float64, int) {
	var labels = make([]float64, len(batch))
	var clamped int
	for i := range batch {
		var changed bool
		labels[i], changed = dataset.ClampLabel(batch[i].Label)
		if changed {
			clamped++
		}
	}
	return labels, clamped
}
