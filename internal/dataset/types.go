package dataset

import "github.com/pkg/errors"

const (
	LabelLeft  = "L"
	LabelRight = "R"
)

// ErrBadRecord is returned by the CSV loader for rows that cannot become a RawSample.
var ErrBadRecord = errors.New("bad record")

// RawSample is one CSV row: 2*M signed unit counts followed by the winner label.
type RawSample struct {
	Row      int
	Features []float64
	Label    string
}

// ParsedSample is the model input for one skirmish.
type ParsedSample struct {
	LeftSign   []float64
	LeftCount  []float64
	RightSign  []float64
	RightCount []float64
	Label      float64
}

func (s *ParsedSample) UnitCount() int {
	return len(s.LeftCount)
}

// Mirror swaps the sides and flips the label.
func (s *ParsedSample) Mirror() ParsedSample {
	return ParsedSample{
		LeftSign:   s.RightSign,
		LeftCount:  s.RightCount,
		RightSign:  s.LeftSign,
		RightCount: s.LeftCount,
		Label:      1 - s.Label,
	}
}
