package train

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"time"

	"github.com/ChizhovVadim/SkirmishGo/internal/checkpoint"
	"github.com/ChizhovVadim/SkirmishGo/internal/config"
	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"github.com/ChizhovVadim/SkirmishGo/internal/model"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/sbwhitecap/tqdm"
	"github.com/sbwhitecap/tqdm/iterators"
)

// Store persists best snapshots and the epoch history.
type Store interface {
	SaveModel(name string, m checkpoint.Snapshotter) error
	SaveHistory(records interface{}) error
}

// EpochRecord is one row of history.csv.
type EpochRecord struct {
	Epoch              int     `csv:"epoch"`
	LearningRate       float64 `csv:"learning_rate"`
	TrainLoss          float64 `csv:"train_loss"`
	TrainAccuracy      float64 `csv:"train_accuracy"`
	ValidationLoss     float64 `csv:"validation_loss"`
	ValidationAccuracy float64 `csv:"validation_accuracy"`
	SkippedBatches     int     `csv:"skipped_batches"`
	Overflows          int     `csv:"overflows"`
	LossScale          float64 `csv:"loss_scale"`
	Seconds            float64 `csv:"seconds"`
}

// Run loads the dataset named by cfg, trains a fresh model and returns the final state.
func Run(ctx context.Context, cfg config.Config, store Store, logger *log.Logger) (TrainingState, error) {
	if logger == nil {
		logger = log.Default()
	}
	if err := cfg.Validate(); err != nil {
		return TrainingState{}, err
	}
	raws, err := dataset.LoadCSV(ctx, cfg.DataFile, cfg.WorkerCount())
	if err != nil {
		return TrainingState{}, err
	}
	if len(raws) == 0 {
		return TrainingState{}, errors.Errorf("%v has no samples", cfg.DataFile)
	}
	dataset.Describe(raws).Log(logger)
	var samples = dataset.ParseAll(raws, cfg.MaxFeatureClipValue)

	var rnd = rand.New(rand.NewPCG(cfg.Seed, 0))
	training, validation := dataset.StratifiedSplit(samples, cfg.ValidationFraction, rnd)
	logger.Println("split",
		"training", humanize.Comma(int64(len(training))),
		"validation", humanize.Comma(int64(len(validation))),
		"trainingRightRatio", dataset.LabelRatio(training),
		"validationRightRatio", dataset.LabelRatio(validation))

	m, err := model.New(model.Topology{
		UnitTypes: samples[0].UnitCount(),
		EmbedDim:  cfg.EmbedDim,
		Heads:     cfg.NumHeads,
		Layers:    cfg.NumLayers,
	}, cfg.Dropout, rnd)
	if err != nil {
		return TrainingState{}, err
	}
	logger.Println("model",
		"parameters", humanize.Comma(int64(m.ParamCount())),
		"unitTypes", m.Topology.UnitTypes)
	return Fit(ctx, cfg, m, training, validation, store, logger)
}

// Fit trains m for cfg.Epochs epochs, evaluating after each one and saving the
// best-by-accuracy and best-by-loss snapshots. A persistence failure stops the run.
func Fit(
	ctx context.Context,
	cfg config.Config,
	m *model.Model,
	training, validation []dataset.ParsedSample,
	store Store,
	logger *log.Logger,
) (TrainingState, error) {
	if logger == nil {
		logger = log.Default()
	}
	logger.Println("Train started")
	defer logger.Println("Train finished")

	if cfg.MirrorAugment {
		var mirrored = make([]dataset.ParsedSample, 0, 2*len(training))
		for i := range training {
			mirrored = append(mirrored, training[i], training[i].Mirror())
		}
		training = mirrored
	}

	var trainer = NewTrainer(m, cfg.WorkerCount(), cfg.LearningRate, cfg.WeightDecay, cfg.MixedPrecision, logger)
	var schedule = ml.CosineSchedule{Base: cfg.LearningRate, TMax: cfg.Epochs}
	var state = NewTrainingState(cfg.LearningRate, trainer.LossScale())
	var rnd = rand.New(rand.NewPCG(cfg.Seed, 1))
	var history []EpochRecord
	var started = time.Now()

	for epoch := 0; epoch < cfg.Epochs; epoch++ {
		var epochStarted = time.Now()
		var lr = schedule.LearningRate(epoch)
		trainer.SetLearningRate(lr)

		stats, err := trainer.trainEpoch(ctx, training, cfg, epoch+1, rnd)
		if err != nil {
			return state, err
		}
		stats.Log(logger, epoch+1)

		var metrics = trainer.Evaluate(validation, cfg.BatchSize)
		logger.Println("evalEpoch",
			"epoch", epoch+1,
			"loss", metrics.Loss(),
			"accuracy", metrics.Accuracy(),
			"skipped", metrics.Skipped)

		var decision CheckpointDecision
		state, decision = state.Advance(metrics, lr, trainer.LossScale(), trainer.Steps())
		if decision.SaveAccuracy {
			if err := store.SaveModel(checkpoint.BestAccuracyFile, m); err != nil {
				return state, errors.WithMessage(err, "save best accuracy model")
			}
			logger.Println("checkpoint", "epoch", state.Epoch, "bestAccuracy", state.BestAccuracy)
		}
		if decision.SaveLoss {
			if err := store.SaveModel(checkpoint.BestLossFile, m); err != nil {
				return state, errors.WithMessage(err, "save best loss model")
			}
			logger.Println("checkpoint", "epoch", state.Epoch, "bestLoss", state.BestLoss)
		}

		var epochTime = time.Since(epochStarted)
		history = append(history, EpochRecord{
			Epoch:              state.Epoch,
			LearningRate:       lr,
			TrainLoss:          stats.Loss(),
			TrainAccuracy:      stats.Accuracy(),
			ValidationLoss:     metrics.Loss(),
			ValidationAccuracy: metrics.Accuracy(),
			SkippedBatches:     stats.Skipped,
			Overflows:          stats.Overflows,
			LossScale:          trainer.LossScale(),
			Seconds:            epochTime.Seconds(),
		})
		if err := store.SaveHistory(&history); err != nil {
			return state, errors.WithMessage(err, "save history")
		}

		var elapsed = time.Since(started)
		var average = elapsed / time.Duration(epoch+1)
		var remaining = average * time.Duration(cfg.Epochs-epoch-1)
		logger.Println("epochTime",
			"epoch", epoch+1,
			"took", epochTime.Round(time.Millisecond),
			"elapsed", elapsed.Round(time.Second),
			"eta", remaining.Round(time.Second),
			"total", (elapsed + remaining).Round(time.Second))
	}
	return state, nil
}

func (t *Trainer) trainEpoch(ctx context.Context, samples []dataset.ParsedSample, cfg config.Config, epoch int, rnd *rand.Rand) (EpochStats, error) {
	var stats EpochStats
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var batches = dataset.Batches(ctx, samples, cfg.BatchSize, cfg.Prefetch, rnd)
	var batchCount = dataset.BatchCount(len(samples), cfg.BatchSize)

	var step = func() bool {
		var batch, ok = <-batches
		if !ok {
			return true
		}
		var res = t.TrainBatch(batch, rnd.Uint64())
		if res.Err != nil {
			t.logger.Println("trainBatch", "epoch", epoch, "batch", stats.Batches, "skip", res.Err)
		}
		stats.addBatch(res)
		return false
	}

	if cfg.Progress {
		err := tqdm.With(iterators.Interval(0, batchCount), fmt.Sprintf("epoch %d/%d", epoch, cfg.Epochs), func(v interface{}) (brk bool) {
			return step()
		})
		if err != nil {
			return stats, errors.Wrap(err, "progress")
		}
	} else {
		for i := 0; i < batchCount; i++ {
			if step() {
				break
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}
