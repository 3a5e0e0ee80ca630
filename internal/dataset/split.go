package dataset

import (
	"math"
	"math/rand/v2"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// StratifiedSplit partitions samples into training and validation sets that keep
// the label ratio of the input. The partitions are disjoint and together hold every sample.
func StratifiedSplit(samples []ParsedSample, validationFraction float64, rng *rand.Rand) (training, validation []ParsedSample) {
	var classes = make(map[float64][]int)
	for i := range samples {
		classes[samples[i].Label] = append(classes[samples[i].Label], i)
	}
	var labels = make([]float64, 0, len(classes))
	for label := range classes {
		labels = append(labels, label)
	}
	sort.Float64s(labels)

	var validationIndices, trainingIndices []int
	for _, label := range labels {
		var indices = classes[label]
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		var validationSize = int(math.Round(validationFraction * float64(len(indices))))
		validationIndices = append(validationIndices, indices[:validationSize]...)
		trainingIndices = append(trainingIndices, indices[validationSize:]...)
	}
	// class blocks would otherwise stay contiguous
	rng.Shuffle(len(validationIndices), func(i, j int) {
		validationIndices[i], validationIndices[j] = validationIndices[j], validationIndices[i]
	})
	rng.Shuffle(len(trainingIndices), func(i, j int) {
		trainingIndices[i], trainingIndices[j] = trainingIndices[j], trainingIndices[i]
	})
	return gather(samples, trainingIndices), gather(samples, validationIndices)
}

func gather(samples []ParsedSample, indices []int) []ParsedSample {
	var result = make([]ParsedSample, len(indices))
	for i, index := range indices {
		result[i] = samples[index]
	}
	return result
}

// LabelRatio is the mean label, i.e. the share of right-side wins.
func LabelRatio(samples []ParsedSample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var labels = make([]float64, len(samples))
	for i := range samples {
		labels[i] = samples[i].Label
	}
	return stat.Mean(labels, nil)
}
