package train

import (
	"log"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
)

// Metrics accumulates sample-weighted loss and accuracy over the batches that counted.
type Metrics struct {
	Samples int
	Skipped int
	lossSum float64
	correct int
}

func (m *Metrics) add(samples int, loss float64, correct int) {
	m.Samples += samples
	m.lossSum += loss
	m.correct += correct
}

// Loss is the mean cost per sample, +Inf when no batch counted.
func (m *Metrics) Loss() float64 {
	if m.Samples == 0 {
		return math.Inf(1)
	}
	return m.lossSum / float64(m.Samples)
}

func (m *Metrics) Accuracy() float64 {
	if m.Samples == 0 {
		return 0
	}
	return float64(m.correct) / float64(m.Samples)
}

// EpochStats is the training side of one epoch.
type EpochStats struct {
	Metrics
	Batches           int
	Updates           int
	Overflows         int
	ClampedLabels     int
	SkippedIntegrity  int
	SkippedDivergence int
	SkippedTransient  int
}

func (s *EpochStats) addBatch(res BatchResult) {
	s.Batches++
	s.ClampedLabels += res.Clamped
	switch {
	case res.Err == nil:
		s.add(res.Samples, res.Loss, res.Correct)
	case errors.Is(res.Err, ErrDataIntegrity):
		s.SkippedIntegrity++
	case errors.Is(res.Err, ErrNumericDivergence):
		s.SkippedDivergence++
	default:
		s.SkippedTransient++
	}
	if res.Err != nil {
		s.Skipped++
	}
	if res.Updated {
		s.Updates++
	}
	if res.Overflow {
		s.Overflows++
	}
}

func (s *EpochStats) Log(logger *log.Logger, epoch int) {
	logger.Println("trainEpoch",
		"epoch", epoch,
		"samples", humanize.Comma(int64(s.Samples)),
		"loss", s.Loss(),
		"accuracy", s.Accuracy(),
		"updates", s.Updates)
	if s.Skipped != 0 || s.Overflows != 0 || s.ClampedLabels != 0 {
		logger.Println("trainEpoch",
			"epoch", epoch,
			"skippedIntegrity", s.SkippedIntegrity,
			"skippedDivergence", s.SkippedDivergence,
			"skippedTransient", s.SkippedTransient,
			"overflows", s.Overflows,
			"clampedLabels", s.ClampedLabels)
	}
}

// TrainingState is threaded through the epoch loop by value.
type TrainingState struct {
	Epoch        int
	BestAccuracy float64
	BestLoss     float64
	LossScale    float64
	LearningRate float64
	Step         int
}

func NewTrainingState(learningRate, lossScale float64) TrainingState {
	return TrainingState{
		BestLoss:     math.Inf(1),
		LossScale:    lossScale,
		LearningRate: learningRate,
	}
}

type CheckpointDecision struct {
	SaveAccuracy bool
	SaveLoss     bool
}

// Advance records a finished epoch. Accuracy and loss improvements are judged
// independently and must be strict.
func (s TrainingState) Advance(validation Metrics, learningRate, lossScale float64, step int) (TrainingState, CheckpointDecision) {
	var next = s
	var decision CheckpointDecision
	next.Epoch++
	next.LearningRate = learningRate
	next.LossScale = lossScale
	next.Step = step
	if validation.Samples == 0 {
		return next, decision
	}
	if accuracy := validation.Accuracy(); accuracy > s.BestAccuracy {
		next.BestAccuracy = accuracy
		decision.SaveAccuracy = true
	}
	if loss := validation.Loss(); loss < s.BestLoss {
		next.BestLoss = loss
		decision.SaveLoss = true
	}
	return next, decision
}
