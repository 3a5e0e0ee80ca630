package config

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
)

// Config enumerates every option the trainer recognizes.
// The struct doubles as the go-arg command line; fill it with Default before parsing.
type Config struct {
	DataFile            string  `arg:"--data-file" help:"CSV dataset, one header row, 2*M feature columns then L/R label"`
	BatchSize           int     `arg:"--batch-size" help:"samples per optimizer step"`
	ValidationFraction  float64 `arg:"--validation-fraction" help:"share of samples held out (stratified by label)"`
	EmbedDim            int     `arg:"--embed-dim" help:"unit embedding size, even and divisible by heads"`
	NumLayers           int     `arg:"--layers" help:"cross-attention blocks"`
	NumHeads            int     `arg:"--heads" help:"attention heads"`
	LearningRate        float64 `arg:"--lr" help:"peak AdamW learning rate"`
	WeightDecay         float64 `arg:"--weight-decay" help:"AdamW decoupled weight decay"`
	Dropout             float64 `arg:"--dropout" help:"dropout in attention weights and FFN hidden layers"`
	Epochs              int     `arg:"--epochs"`
	Seed                uint64  `arg:"--seed"`
	MaxFeatureClipValue float64 `arg:"--max-value" help:"clip unit counts to [0, max]; 0 disables"`
	SaveDirectory       string  `arg:"--save-dir"`
	Threads             int     `arg:"--threads" help:"worker goroutines per batch (default: number of CPUs)"`
	MixedPrecision      bool    `arg:"--mixed-precision" help:"half precision activations with dynamic loss scaling"`
	Prefetch            int     `arg:"--prefetch" help:"batches prepared ahead of the trainer"`
	Progress            bool    `arg:"--progress" help:"render a progress bar per epoch"`
	MirrorAugment       bool    `arg:"--mirror" help:"also train on every sample with the sides swapped"`
}

func Default() Config {
	return Config{
		DataFile:            "arknights.csv",
		BatchSize:           1024,
		ValidationFraction:  0.1,
		EmbedDim:            128,
		NumLayers:           4,
		NumHeads:            8,
		LearningRate:        5e-4,
		WeightDecay:         1e-4,
		Dropout:             0.2,
		Epochs:              30,
		Seed:                1145,
		MaxFeatureClipValue: 100,
		SaveDirectory:       "models",
		Threads:             runtime.NumCPU(),
		Prefetch:            4,
	}
}

// Validate reports every violated constraint at once.
func (c *Config) Validate() error {
	var problems []string
	var check = func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}
	check(c.BatchSize > 0, "batch size must be positive, got %v", c.BatchSize)
	check(c.ValidationFraction > 0 && c.ValidationFraction < 1,
		"validation fraction must be in (0,1), got %v", c.ValidationFraction)
	check(c.EmbedDim > 0 && c.EmbedDim%2 == 0, "embed dim must be positive and even, got %v", c.EmbedDim)
	check(c.NumHeads > 0, "heads must be positive, got %v", c.NumHeads)
	if c.NumHeads > 0 {
		check(c.EmbedDim%c.NumHeads == 0, "embed dim %v is not divisible by %v heads", c.EmbedDim, c.NumHeads)
	}
	check(c.NumLayers >= 0, "layers must not be negative, got %v", c.NumLayers)
	check(c.LearningRate > 0, "learning rate must be positive, got %v", c.LearningRate)
	check(c.WeightDecay >= 0, "weight decay must not be negative, got %v", c.WeightDecay)
	check(c.Dropout >= 0 && c.Dropout < 1, "dropout must be in [0,1), got %v", c.Dropout)
	check(c.Epochs > 0, "epochs must be positive, got %v", c.Epochs)
	check(c.MaxFeatureClipValue >= 0, "max feature value must not be negative, got %v", c.MaxFeatureClipValue)
	check(c.Threads >= 0, "threads must not be negative, got %v", c.Threads)
	check(c.Prefetch >= 0, "prefetch must not be negative, got %v", c.Prefetch)
	if len(problems) != 0 {
		return errors.Errorf("invalid config: %v", strings.Join(problems, "; "))
	}
	return nil
}

// WorkerCount is Threads with the zero value meaning all CPUs.
func (c *Config) WorkerCount() int {
	if c.Threads <= 0 {
		return runtime.NumCPU()
	}
	return c.Threads
}
