package dataset

import (
	"context"
	"math/rand/v2"
)

// Batches shuffles samples with rng and streams them in batches of batchSize.
// The last batch may be shorter. Up to prefetch batches are prepared ahead of the consumer.
// The channel is closed when all batches are sent or ctx is done.
func Batches(ctx context.Context, samples []ParsedSample, batchSize, prefetch int, rng *rand.Rand) <-chan []ParsedSample {
	var order []int
	if rng != nil {
		order = rng.Perm(len(samples))
	} else {
		order = make([]int, len(samples))
		for i := range order {
			order[i] = i
		}
	}
	var batches = make(chan []ParsedSample, prefetch)
	go func() {
		defer close(batches)
		for start := 0; start < len(order); start += batchSize {
			var end = min(start+batchSize, len(order))
			var batch = gather(samples, order[start:end])
			select {
			case <-ctx.Done():
				return
			case batches <- batch:
			}
		}
	}()
	return batches
}

// BatchCount is the number of batches Batches emits.
func BatchCount(sampleCount, batchSize int) int {
	return (sampleCount + batchSize - 1) / batchSize
}
