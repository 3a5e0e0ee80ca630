package dataset

import "math"

// Parse splits the features at the midpoint into (sign, |count|) per side.
// maxValue <= 0 disables clipping. The label is expected to be validated already:
// anything but "R" maps to 0.
func Parse(raw RawSample, maxValue float64) ParsedSample {
	var midpoint = len(raw.Features) / 2
	var s = ParsedSample{
		LeftSign:   make([]float64, midpoint),
		LeftCount:  make([]float64, midpoint),
		RightSign:  make([]float64, midpoint),
		RightCount: make([]float64, midpoint),
	}
	for i := 0; i < midpoint; i++ {
		s.LeftSign[i], s.LeftCount[i] = splitValue(raw.Features[i], maxValue)
		s.RightSign[i], s.RightCount[i] = splitValue(raw.Features[midpoint+i], maxValue)
	}
	if raw.Label == LabelRight {
		s.Label = 1
	}
	return s
}

func ParseAll(raws []RawSample, maxValue float64) []ParsedSample {
	var result = make([]ParsedSample, len(raws))
	for i := range raws {
		result[i] = Parse(raws[i], maxValue)
	}
	return result
}

func splitValue(v, maxValue float64) (sign, count float64) {
	switch {
	case v > 0:
		sign = 1
	case v < 0:
		sign = -1
	case math.IsNaN(v):
		sign = v
	}
	count = math.Abs(v)
	if maxValue > 0 && count > maxValue {
		count = maxValue
	}
	return sign, count
}

// ClampLabel keeps a label inside [0,1] and reports whether it had to change.
func ClampLabel(label float64) (float64, bool) {
	if label < 0 {
		return 0, true
	}
	if label > 1 {
		return 1, true
	}
	return label, false
}
