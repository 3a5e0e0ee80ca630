package train

import (
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"github.com/ChizhovVadim/SkirmishGo/internal/model"
	"github.com/pkg/errors"
)

const MaxGradNorm = 1.0

// Trainer owns the main model, the optimizer state and one model copy per thread.
// Thread copies share parameter values with the main model and accumulate
// their own gradients, which are folded into the main model in thread order.
type Trainer struct {
	model     *model.Model
	threads   []*model.Model
	optimizer *ml.AdamW
	scaler    *ml.GradScaler
	cost      ml.IModelCost
	logger    *log.Logger
}

func NewTrainer(m *model.Model, threads int, learningRate, weightDecay float64, mixedPrecision bool, logger *log.Logger) *Trainer {
	if logger == nil {
		logger = log.Default()
	}
	m.SetHalfPrecision(mixedPrecision)
	var t = &Trainer{
		model:     m,
		threads:   make([]*model.Model, max(threads, 1)),
		optimizer: &ml.AdamW{LearningRate: learningRate, WeightDecay: weightDecay},
		scaler:    ml.NewGradScaler(mixedPrecision),
		cost:      &ml.BCEWithLogitsCost{},
		logger:    logger,
	}
	for i := range t.threads {
		t.threads[i] = m.ThreadCopy()
	}
	return t
}

func (t *Trainer) Model() *model.Model { return t.model }

func (t *Trainer) Steps() int { return t.optimizer.Steps() }

func (t *Trainer) LossScale() float64 { return t.scaler.LossScale() }

func (t *Trainer) SetLearningRate(lr float64) { t.optimizer.LearningRate = lr }

type BatchResult struct {
	Samples int
	// Loss is the summed (not averaged) cost over the batch.
	Loss    float64
	Correct int
	Clamped int
	// Err is set when the batch was excluded from the metrics.
	Err error
	// Updated is true when the optimizer stepped.
	Updated bool
	// Overflow marks a mixed precision step skipped by the loss scaler.
	Overflow    bool
	GradNorm    float64
	ClippedNorm float64
}

type threadResult struct {
	loss    float64
	correct int
	panic   error
}

// TrainBatch runs forward and backward over batch and applies one optimizer step.
// Dropout draws from a per-sample stream seeded by (seed, sample index), so the
// result does not depend on which goroutine handled which sample.
func (t *Trainer) TrainBatch(batch []dataset.ParsedSample, seed uint64) BatchResult {
	if len(batch) == 0 {
		return BatchResult{}
	}
	if decision, err := ValidateBatch(batch); decision == SkipBatch {
		return BatchResult{Err: err}
	}
	var labels, clamped = clampLabels(batch)
	if clamped != 0 {
		t.logger.Println("trainBatch", "warning", errors.Wrapf(ErrLabelRange, "%v labels clamped", clamped))
	}

	var gradScale = t.scaler.LossScale() / float64(len(batch))
	var results = t.fanOut(len(batch), func(m *model.Model, i int) (float64, bool) {
		var logit = m.Forward(&batch[i], rand.New(rand.NewPCG(seed, uint64(i))))
		m.Backward(t.cost.CostPrime(logit, labels[i]) * gradScale)
		return t.cost.Cost(logit, labels[i]), correct(logit, labels[i])
	})

	var res = BatchResult{Samples: len(batch), Clamped: clamped}
	for _, r := range results {
		if r.panic != nil {
			t.discardGradients()
			return BatchResult{Err: r.panic}
		}
		res.Loss += r.loss
		res.Correct += r.correct
	}
	if math.IsNaN(res.Loss) || math.IsInf(res.Loss, 0) {
		t.discardGradients()
		return BatchResult{Err: errors.Wrapf(ErrNumericDivergence, "batch loss %v", res.Loss)}
	}

	for _, th := range t.threads {
		th.AddGradients(t.model)
	}
	var params = t.model.Params()
	if !t.scaler.Unscale(params) {
		ml.ZeroGrads(params)
		if !t.scaler.Enabled() {
			return BatchResult{Err: errors.Wrap(ErrNumericDivergence, "non-finite gradients")}
		}
		t.scaler.Update(false)
		res.Overflow = true
		return res
	}
	res.GradNorm = ml.ClipGlobalNorm(params, MaxGradNorm)
	res.ClippedNorm = ml.GlobalNorm(params)
	t.optimizer.Step(params)
	t.scaler.Update(true)
	res.Updated = true
	return res
}

// Evaluate computes loss and accuracy without touching parameters or gradients.
// Batches with non-finite inputs are skipped; labels are clamped silently.
func (t *Trainer) Evaluate(samples []dataset.ParsedSample, batchSize int) Metrics {
	var metrics Metrics
	for start := 0; start < len(samples); start += batchSize {
		var batch = samples[start:min(start+batchSize, len(samples))]
		if decision, _ := ValidateBatch(batch); decision == SkipBatch {
			metrics.Skipped++
			continue
		}
		var labels, _ = clampLabels(batch)
		var results = t.fanOut(len(batch), func(m *model.Model, i int) (float64, bool) {
			var logit = m.Forward(&batch[i], nil)
			return t.cost.Cost(logit, labels[i]), correct(logit, labels[i])
		})
		var loss float64
		var right int
		var failed bool
		for _, r := range results {
			if r.panic != nil {
				failed = true
				break
			}
			loss += r.loss
			right += r.correct
		}
		if failed || math.IsNaN(loss) || math.IsInf(loss, 0) {
			metrics.Skipped++
			continue
		}
		metrics.add(len(batch), loss, right)
	}
	return metrics
}

// Evaluate scores m on samples with threads workers and no optimizer state.
func Evaluate(m *model.Model, samples []dataset.ParsedSample, batchSize, threads int) Metrics {
	var t = &Trainer{
		model:   m,
		threads: make([]*model.Model, max(threads, 1)),
		cost:    &ml.BCEWithLogitsCost{},
		logger:  log.Default(),
	}
	for i := range t.threads {
		t.threads[i] = m.ThreadCopy()
	}
	return t.Evaluate(samples, max(batchSize, 1))
}

// fanOut hands sample indices to the thread copies through an atomic counter.
// A panic in a worker stops that worker and is reported as a transient failure.
func (t *Trainer) fanOut(n int, work func(m *model.Model, i int) (float64, bool)) []threadResult {
	var index int32 = -1
	var results = make([]threadResult, len(t.threads))
	var wg = &sync.WaitGroup{}
	for threadIndex := range t.threads {
		wg.Add(1)
		go func(m *model.Model, r *threadResult) {
			defer wg.Done()
			defer func() {
				if p := recover(); p != nil {
					r.panic = errors.Wrap(ErrTransientCompute, fmt.Sprint(p))
				}
			}()
			for {
				var i = int(atomic.AddInt32(&index, 1))
				if i >= n {
					break
				}
				var loss, ok = work(m, i)
				r.loss += loss
				if ok {
					r.correct++
				}
			}
		}(t.threads[threadIndex], &results[threadIndex])
	}
	wg.Wait()
	return results
}

func (t *Trainer) discardGradients() {
	for _, th := range t.threads {
		th.ZeroGradients()
	}
	t.model.ZeroGradients()
}

// correct compares sigmoid(logit) > 0.5 with the label rounded at 0.5.
func correct(logit, label float64) bool {
	return (logit > 0) == (label > 0.5)
}
