package dataset

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScenario(t *testing.T) {
	var raw = RawSample{
		Features: []float64{3, 0, -2, 0, 0, 0, 4, 0, 1, 0},
		Label:    LabelRight,
	}
	var s = Parse(raw, 0)
	assert.Equal(t, []float64{3, 0, 2, 0, 0}, s.LeftCount)
	assert.Equal(t, []float64{1, 0, -1, 0, 0}, s.LeftSign)
	assert.Equal(t, []float64{0, 4, 0, 1, 0}, s.RightCount)
	assert.Equal(t, []float64{0, 1, 0, 1, 0}, s.RightSign)
	assert.Equal(t, 1.0, s.Label)
	assert.Equal(t, 5, s.UnitCount())
}

func TestParseCountsNonNegativeAndClipped(t *testing.T) {
	tests := []struct {
		name     string
		features []float64
		maxValue float64
	}{
		{"no clip", []float64{-7, 250, 0, 3.5}, 0},
		{"clip", []float64{-7, 250, 0, 3.5}, 100},
		{"clip small", []float64{-150, 2, -0.5, 99}, 5},
		{"inf clipped", []float64{math.Inf(-1), 1, 2, math.Inf(1)}, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var s = Parse(RawSample{Features: tt.features, Label: LabelLeft}, tt.maxValue)
			for _, counts := range [][]float64{s.LeftCount, s.RightCount} {
				for _, c := range counts {
					assert.GreaterOrEqual(t, c, 0.0)
					if tt.maxValue > 0 {
						assert.LessOrEqual(t, c, tt.maxValue)
					}
				}
			}
			assert.Equal(t, 0.0, s.Label)
		})
	}
}

func TestParseKeepsNaNVisible(t *testing.T) {
	var s = Parse(RawSample{Features: []float64{math.NaN(), 1}, Label: LabelLeft}, 100)
	require.Len(t, s.LeftCount, 1)
	assert.True(t, math.IsNaN(s.LeftCount[0]))
	assert.True(t, math.IsNaN(s.LeftSign[0]))
}

func TestClampLabel(t *testing.T) {
	tests := []struct {
		in      float64
		want    float64
		changed bool
	}{
		{0, 0, false},
		{1, 1, false},
		{0.3, 0.3, false},
		{-2, 0, true},
		{7, 1, true},
	}
	for _, tt := range tests {
		got, changed := ClampLabel(tt.in)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.changed, changed)
	}
}

func TestMirror(t *testing.T) {
	var s = Parse(RawSample{Features: []float64{1, 2, 3, 4}, Label: LabelRight}, 0)
	var m = s.Mirror()
	assert.Equal(t, s.RightCount, m.LeftCount)
	assert.Equal(t, s.LeftCount, m.RightCount)
	assert.Equal(t, 0.0, m.Label)
}
