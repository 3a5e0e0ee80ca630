package dataset

import (
	"log"
	"math"

	"github.com/dustin/go-humanize"
	"github.com/montanaflynn/stats"
)

// ExtremeThreshold marks feature magnitudes worth reporting before training.
const ExtremeThreshold = 20

type Description struct {
	Rows           int
	UnitTypes      int
	ExtremeValues  int
	NonFinite      int
	FeatureMin     float64
	FeatureMax     float64
	FeatureMean    float64
	MeanColumnStd  float64
	RightWinRatio  float64
	LeftUnitTotal  float64
	RightUnitTotal float64
}

// Describe summarizes raw samples. Non-finite values are counted and kept out of the moments.
func Describe(samples []RawSample) Description {
	var d = Description{Rows: len(samples)}
	if len(samples) == 0 {
		return d
	}
	var width = len(samples[0].Features)
	d.UnitTypes = width / 2

	var columns = make([]stats.Float64Data, width)
	var all = make(stats.Float64Data, 0, width*len(samples))
	var rightWins float64
	for i := range samples {
		var s = &samples[i]
		if s.Label == LabelRight {
			rightWins++
		}
		for j, v := range s.Features {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				d.NonFinite++
				continue
			}
			if math.Abs(v) > ExtremeThreshold {
				d.ExtremeValues++
			}
			if j < d.UnitTypes {
				d.LeftUnitTotal += math.Abs(v)
			} else {
				d.RightUnitTotal += math.Abs(v)
			}
			columns[j] = append(columns[j], v)
			all = append(all, v)
		}
	}
	d.RightWinRatio = rightWins / float64(len(samples))

	d.FeatureMin, _ = stats.Min(all)
	d.FeatureMax, _ = stats.Max(all)
	d.FeatureMean, _ = stats.Mean(all)

	var stds = make(stats.Float64Data, 0, width)
	for _, column := range columns {
		if len(column) < 2 {
			continue
		}
		std, err := stats.StandardDeviationSample(column)
		if err == nil {
			stds = append(stds, std)
		}
	}
	d.MeanColumnStd, _ = stats.Mean(stds)
	return d
}

func (d Description) Log(logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	logger.Println("describe",
		"rows", humanize.Comma(int64(d.Rows)),
		"unitTypes", d.UnitTypes,
		"rightWinRatio", d.RightWinRatio)
	logger.Printf("describe feature range [%v, %v] mean %.4f column std %.4f",
		d.FeatureMin, d.FeatureMax, d.FeatureMean, d.MeanColumnStd)
	if d.ExtremeValues > 0 {
		logger.Println("describe",
			"extremeValues", humanize.Comma(int64(d.ExtremeValues)),
			"threshold", ExtremeThreshold)
	}
	if d.NonFinite > 0 {
		logger.Println("describe",
			"nonFinite", humanize.Comma(int64(d.NonFinite)))
	}
}
