package train

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ChizhovVadim/SkirmishGo/internal/checkpoint"
	"github.com/ChizhovVadim/SkirmishGo/internal/config"
	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	"github.com/ChizhovVadim/SkirmishGo/internal/model"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUnitTypes = 4

func testConfig() config.Config {
	var cfg = config.Default()
	cfg.BatchSize = 32
	cfg.EmbedDim = 8
	cfg.NumHeads = 2
	cfg.NumLayers = 1
	cfg.Epochs = 8
	cfg.LearningRate = 5e-3
	cfg.Dropout = 0.1
	cfg.Threads = 2
	cfg.Prefetch = 2
	cfg.Seed = 7
	return cfg
}

func testLogger() *log.Logger {
	return log.New(&bytes.Buffer{}, "", 0)
}

// synthetic samples label "R" exactly when the right side has more units in total.
func synthetic(n int, seed uint64) []dataset.ParsedSample {
	var rnd = rand.New(rand.NewPCG(seed, 0))
	var samples []dataset.ParsedSample
	for len(samples) < n {
		var features = make([]float64, 2*testUnitTypes)
		var left, right float64
		for i := range features {
			features[i] = float64(rnd.IntN(6))
			if i < testUnitTypes {
				left += features[i]
			} else {
				right += features[i]
			}
		}
		if left == right {
			continue
		}
		var label = dataset.LabelLeft
		if right > left {
			label = dataset.LabelRight
		}
		samples = append(samples, dataset.Parse(dataset.RawSample{Features: features, Label: label}, 100))
	}
	return samples
}

func newTestTrainer(t *testing.T, cfg config.Config) *Trainer {
	m, err := model.New(model.Topology{
		UnitTypes: testUnitTypes,
		EmbedDim:  cfg.EmbedDim,
		Heads:     cfg.NumHeads,
		Layers:    cfg.NumLayers,
	}, cfg.Dropout, rand.New(rand.NewPCG(cfg.Seed, 0)))
	require.NoError(t, err)
	return NewTrainer(m, cfg.WorkerCount(), cfg.LearningRate, cfg.WeightDecay, cfg.MixedPrecision, testLogger())
}

func paramBits(m *model.Model) [][]uint64 {
	var result [][]uint64
	for _, p := range m.Params() {
		var bits = make([]uint64, len(p.Values()))
		for i, v := range p.Values() {
			bits[i] = math.Float64bits(v)
		}
		result = append(result, bits)
	}
	return result
}

func requireZeroGrads(t *testing.T, m *model.Model) {
	for _, p := range m.Params() {
		for _, g := range p.Grads() {
			require.Equal(t, 0.0, g, p.Name)
		}
	}
}

func TestValidateBatch(t *testing.T) {
	var good = synthetic(4, 1)
	tests := []struct {
		name   string
		mutate func(s *dataset.ParsedSample)
		want   Decision
	}{
		{"clean", func(s *dataset.ParsedSample) {}, Proceed},
		{"nan count", func(s *dataset.ParsedSample) { s.LeftCount[1] = math.NaN() }, SkipBatch},
		{"inf count", func(s *dataset.ParsedSample) { s.RightCount[0] = math.Inf(1) }, SkipBatch},
		{"nan sign", func(s *dataset.ParsedSample) { s.RightSign[2] = math.NaN() }, SkipBatch},
		{"inf sign", func(s *dataset.ParsedSample) { s.LeftSign[3] = math.Inf(-1) }, SkipBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var batch = synthetic(4, 1)
			tt.mutate(&batch[2])
			decision, err := ValidateBatch(batch)
			assert.Equal(t, tt.want, decision)
			if tt.want == SkipBatch {
				assert.True(t, errors.Is(err, ErrDataIntegrity))
				assert.Contains(t, err.Error(), "sample 2")
			} else {
				assert.NoError(t, err)
			}
		})
	}
	decision, err := ValidateBatch(good)
	assert.Equal(t, Proceed, decision)
	assert.NoError(t, err)
	assert.Equal(t, "skip", SkipBatch.String())
}

func TestNonFiniteBatchLeavesParametersUntouched(t *testing.T) {
	var trainer = newTestTrainer(t, testConfig())
	var before = paramBits(trainer.Model())

	var batch = synthetic(16, 2)
	batch[5].LeftCount[0] = math.NaN()
	var res = trainer.TrainBatch(batch, 1)
	assert.True(t, errors.Is(res.Err, ErrDataIntegrity))
	assert.False(t, res.Updated)
	assert.Equal(t, before, paramBits(trainer.Model()))
	assert.Equal(t, 0, trainer.Steps())
}

func TestEmptyBatchIsNoop(t *testing.T) {
	var trainer = newTestTrainer(t, testConfig())
	var before = paramBits(trainer.Model())

	var res = trainer.TrainBatch([]dataset.ParsedSample{}, 1)
	assert.False(t, res.Updated)
	assert.NoError(t, res.Err)
	assert.Equal(t, 0, res.Samples)
	assert.Equal(t, 0, trainer.Steps())
	assert.Equal(t, before, paramBits(trainer.Model()))
}

func TestDivergentLossSkipsUpdate(t *testing.T) {
	var trainer = newTestTrainer(t, testConfig())
	var before = paramBits(trainer.Model())

	var batch = synthetic(16, 3)
	batch[0].Label = math.NaN()
	var res = trainer.TrainBatch(batch, 1)
	assert.True(t, errors.Is(res.Err, ErrNumericDivergence))
	assert.Equal(t, before, paramBits(trainer.Model()))
	requireZeroGrads(t, trainer.Model())
	for _, th := range trainer.threads {
		requireZeroGrads(t, th)
	}
}

func TestPanicBecomesTransientFailure(t *testing.T) {
	var trainer = newTestTrainer(t, testConfig())
	var before = paramBits(trainer.Model())

	var batch = synthetic(16, 4)
	// more unit types than the embedding table has rows
	batch[3].LeftCount = []float64{0, 0, 0, 0, 0, 0, 0, 9}
	batch[3].LeftSign = []float64{0, 0, 0, 0, 0, 0, 0, 1}
	var res = trainer.TrainBatch(batch, 1)
	assert.True(t, errors.Is(res.Err, ErrTransientCompute))
	assert.Equal(t, before, paramBits(trainer.Model()))
	for _, th := range trainer.threads {
		requireZeroGrads(t, th)
	}

	res = trainer.TrainBatch(synthetic(16, 5), 2)
	require.NoError(t, res.Err)
	assert.True(t, res.Updated)
}

func TestTrainBatchClipsGradients(t *testing.T) {
	var trainer = newTestTrainer(t, testConfig())
	for i := 0; i < 5; i++ {
		var batch = synthetic(32, uint64(10+i))
		// confidently wrong labels make large gradients
		for j := range batch {
			batch[j].Label = 1 - batch[j].Label
		}
		var res = trainer.TrainBatch(batch, uint64(i))
		require.NoError(t, res.Err)
		require.True(t, res.Updated)
		assert.LessOrEqual(t, res.ClippedNorm, MaxGradNorm+1e-9)
		if res.GradNorm <= MaxGradNorm {
			assert.InDelta(t, res.GradNorm, res.ClippedNorm, 1e-12)
		}
		requireZeroGrads(t, trainer.Model())
	}
	assert.Equal(t, 5, trainer.Steps())
}

func TestLabelsAreClamped(t *testing.T) {
	var trainer = newTestTrainer(t, testConfig())
	var batch = synthetic(8, 6)
	batch[0].Label = 3
	batch[1].Label = -1
	var res = trainer.TrainBatch(batch, 1)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Clamped)
	assert.False(t, math.IsNaN(res.Loss))
}

func TestTrainBatchIsDeterministic(t *testing.T) {
	var cfg = testConfig()
	var a, b = newTestTrainer(t, cfg), newTestTrainer(t, cfg)
	var batch = synthetic(32, 8)
	var ra, rb = a.TrainBatch(batch, 99), b.TrainBatch(batch, 99)
	assert.InDelta(t, ra.Loss, rb.Loss, 1e-12)
	assert.Equal(t, ra.Correct, rb.Correct)
}

func TestMixedPrecisionBatch(t *testing.T) {
	var cfg = testConfig()
	cfg.MixedPrecision = true
	var trainer = newTestTrainer(t, cfg)
	assert.Equal(t, 65536.0, trainer.LossScale())
	var res = trainer.TrainBatch(synthetic(32, 9), 1)
	require.NoError(t, res.Err)
	assert.True(t, res.Updated || res.Overflow)
	for _, p := range trainer.Model().Params() {
		for _, v := range p.Values() {
			require.False(t, math.IsNaN(v) || math.IsInf(v, 0), p.Name)
		}
	}
}

func TestEvaluateDoesNotMutate(t *testing.T) {
	var trainer = newTestTrainer(t, testConfig())
	var before = paramBits(trainer.Model())
	var samples = synthetic(100, 11)
	samples[50].RightCount[1] = math.Inf(1)

	var metrics = trainer.Evaluate(samples, 32)
	assert.Equal(t, before, paramBits(trainer.Model()))
	assert.Equal(t, 1, metrics.Skipped)
	assert.Equal(t, 68, metrics.Samples)
	assert.GreaterOrEqual(t, metrics.Accuracy(), 0.0)
	assert.LessOrEqual(t, metrics.Accuracy(), 1.0)
	assert.False(t, math.IsInf(metrics.Loss(), 0))

	var again = trainer.Evaluate(samples, 32)
	assert.Equal(t, metrics.Samples, again.Samples)
	assert.Equal(t, metrics.Accuracy(), again.Accuracy())
	assert.InDelta(t, metrics.Loss(), again.Loss(), 1e-12)

	var standalone = Evaluate(trainer.Model(), samples, 32, 1)
	assert.Equal(t, metrics.Samples, standalone.Samples)
	assert.Equal(t, metrics.Accuracy(), standalone.Accuracy())
	assert.InDelta(t, metrics.Loss(), standalone.Loss(), 1e-9)
}

func TestTrainingStateAdvance(t *testing.T) {
	var metrics = func(samples, correct int, loss float64) Metrics {
		var m Metrics
		m.add(samples, loss*float64(samples), correct)
		return m
	}
	tests := []struct {
		name     string
		state    TrainingState
		metrics  Metrics
		decision CheckpointDecision
	}{
		{"first epoch saves both", NewTrainingState(1e-3, 1), metrics(10, 6, 0.6), CheckpointDecision{true, true}},
		{"accuracy only", TrainingState{BestAccuracy: 0.5, BestLoss: 0.4}, metrics(10, 6, 0.6), CheckpointDecision{true, false}},
		{"loss only", TrainingState{BestAccuracy: 0.7, BestLoss: 0.7}, metrics(10, 6, 0.6), CheckpointDecision{false, true}},
		{"ties do not save", TrainingState{BestAccuracy: 0.6, BestLoss: 0.6}, metrics(10, 6, 0.6), CheckpointDecision{false, false}},
		{"nothing evaluated", NewTrainingState(1e-3, 1), Metrics{Skipped: 3}, CheckpointDecision{false, false}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var old = tt.state
			next, decision := tt.state.Advance(tt.metrics, 5e-4, 2, 17)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, old, tt.state)
			assert.Equal(t, old.Epoch+1, next.Epoch)
			assert.Equal(t, 5e-4, next.LearningRate)
			assert.Equal(t, 2.0, next.LossScale)
			assert.Equal(t, 17, next.Step)
			if decision.SaveAccuracy {
				assert.Equal(t, tt.metrics.Accuracy(), next.BestAccuracy)
			} else {
				assert.Equal(t, old.BestAccuracy, next.BestAccuracy)
			}
			if decision.SaveLoss {
				assert.InDelta(t, tt.metrics.Loss(), next.BestLoss, 1e-12)
			} else {
				assert.Equal(t, old.BestLoss, next.BestLoss)
			}
		})
	}
}

type memoryStore struct {
	saved   map[string]int
	history []EpochRecord
	failOn  string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{saved: make(map[string]int)}
}

func (s *memoryStore) SaveModel(name string, m checkpoint.Snapshotter) error {
	if name == s.failOn {
		return &checkpoint.PersistenceError{Path: name, Err: errors.New("read-only file system")}
	}
	var buf bytes.Buffer
	if err := m.Save(&buf); err != nil {
		return err
	}
	s.saved[name]++
	return nil
}

func (s *memoryStore) SaveHistory(records interface{}) error {
	s.history = append([]EpochRecord(nil), *records.(*[]EpochRecord)...)
	return nil
}

func TestFitLearnsSyntheticRule(t *testing.T) {
	var cfg = testConfig()
	var samples = synthetic(2000, 12)
	training, validation := dataset.StratifiedSplit(samples, 0.2, rand.New(rand.NewPCG(1, 1)))
	var trainer = newTestTrainer(t, cfg)
	var store = newMemoryStore()

	state, err := Fit(context.Background(), cfg, trainer.Model(), training, validation, store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, cfg.Epochs, state.Epoch)
	assert.Greater(t, state.BestAccuracy, 0.6)
	assert.Less(t, state.BestLoss, math.Log(2))
	assert.GreaterOrEqual(t, store.saved[checkpoint.BestAccuracyFile], 1)
	assert.GreaterOrEqual(t, store.saved[checkpoint.BestLossFile], 1)
	require.Len(t, store.history, cfg.Epochs)
	assert.Equal(t, 1, store.history[0].Epoch)
	assert.Equal(t, cfg.LearningRate, store.history[0].LearningRate)
	assert.Less(t, store.history[cfg.Epochs-1].LearningRate, cfg.LearningRate)
}

func TestFitPersistenceFailureIsFatal(t *testing.T) {
	var cfg = testConfig()
	cfg.Epochs = 3
	var samples = synthetic(200, 13)
	var trainer = newTestTrainer(t, cfg)
	var store = newMemoryStore()
	store.failOn = checkpoint.BestLossFile

	state, err := Fit(context.Background(), cfg, trainer.Model(), samples[:160], samples[160:], store, testLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, checkpoint.ErrPersistence))
	assert.Equal(t, 1, state.Epoch)
}

func TestFitStopsOnCancel(t *testing.T) {
	var cfg = testConfig()
	var samples = synthetic(200, 14)
	var trainer = newTestTrainer(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Fit(ctx, cfg, trainer.Model(), samples[:160], samples[160:], newMemoryStore(), testLogger())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestRun(t *testing.T) {
	var dir = t.TempDir()
	var sb strings.Builder
	sb.WriteString("l0,l1,l2,l3,r0,r1,r2,r3,label\n")
	for _, s := range synthetic(300, 15) {
		var label = dataset.LabelLeft
		if s.Label == 1 {
			label = dataset.LabelRight
		}
		for _, c := range append(append([]float64(nil), s.LeftCount...), s.RightCount...) {
			fmt.Fprintf(&sb, "%v,", c)
		}
		sb.WriteString(label + "\n")
	}
	var dataFile = filepath.Join(dir, "data.csv")
	require.NoError(t, os.WriteFile(dataFile, []byte(sb.String()), 0o644))

	var cfg = testConfig()
	cfg.Epochs = 2
	cfg.DataFile = dataFile
	cfg.SaveDirectory = filepath.Join(dir, "models")
	cfg.MixedPrecision = true
	cfg.MirrorAugment = true
	store, err := checkpoint.NewFileStore(cfg.SaveDirectory, testLogger())
	require.NoError(t, err)

	state, err := Run(context.Background(), cfg, store, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 2, state.Epoch)
	for _, name := range []string{checkpoint.BestAccuracyFile, checkpoint.BestLossFile, checkpoint.HistoryFile} {
		assert.FileExists(t, store.Path(name))
	}
	loaded, err := checkpoint.LoadModel(store.Path(checkpoint.BestLossFile))
	require.NoError(t, err)
	assert.Equal(t, testUnitTypes, loaded.Topology.UnitTypes)
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	var cfg = testConfig()
	cfg.EmbedDim = 7
	_, err := Run(context.Background(), cfg, newMemoryStore(), testLogger())
	assert.Error(t, err)
}
