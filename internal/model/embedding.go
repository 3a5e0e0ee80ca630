package model

import (
	"math/rand/v2"

	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

const (
	TopK          = 3
	MaskThreshold = 0.1
)

// Selection is the top-K units of one side by count.
// Ties go to the lower unit index. Missing slots (fewer than K unit types)
// hold index 0, value 0 and a false mask.
type Selection struct {
	Indices [TopK]int
	Values  [TopK]float64
	Mask    [TopK]bool
}

func Select(counts []float64) Selection {
	var s Selection
	var used = make([]bool, len(counts))
	for slot := 0; slot < TopK; slot++ {
		var best = -1
		for i, c := range counts {
			if !used[i] && (best == -1 || c > counts[best]) {
				best = i
			}
		}
		if best == -1 {
			break
		}
		used[best] = true
		s.Indices[slot] = best
		s.Values[slot] = counts[best]
		s.Mask[slot] = counts[best] > MaskThreshold
	}
	return s
}

// Embedding looks up the selected units and conditions the second half
// of each embedding on the unit count, then refines it with a residual FFN.
type Embedding struct {
	Table *ml.Param
	Value *FeedForward
	rows  []embeddingRow
}

type embeddingRow struct {
	index int
	count float64
}

func newEmbedding(b *builder, unitTypes, dim int) *Embedding {
	return &Embedding{
		Table: b.param("embedding", unitTypes, dim),
		Value: newFeedForward(b, "value", dim, 2*dim, dim, 0),
	}
}

func (e *Embedding) initDefault(rnd *rand.Rand) {
	ml.InitNormal(rnd, e.Table.Values(), 0.02)
	e.Value.initDefault(rnd)
}

// Forward returns 2*TopK rows: the left slots followed by the right slots.
func (e *Embedding) Forward(sides [2]Selection) *mat.Dense {
	var _, dim = e.Table.Value.Dims()
	var x = mat.NewDense(2*TopK, dim, nil)
	e.rows = e.rows[:0]
	for side := range sides {
		for slot := 0; slot < TopK; slot++ {
			var row = embeddingRow{
				index: sides[side].Indices[slot],
				count: sides[side].Values[slot],
			}
			e.rows = append(e.rows, row)
			var xi = x.RawRowView(side*TopK + slot)
			copy(xi, e.Table.Value.RawRowView(row.index))
			floats.Scale(row.count, xi[dim/2:])
		}
	}
	return addDense(x, e.Value.Forward(x, nil))
}

func (e *Embedding) Backward(dy *mat.Dense) {
	var dx = e.Value.Backward(dy)
	dx.Add(dx, dy)
	var _, dim = dx.Dims()
	for i, row := range e.rows {
		var dxi = dx.RawRowView(i)
		floats.Scale(row.count, dxi[dim/2:])
		floats.Add(e.Table.Grad.RawRowView(row.index), dxi)
	}
}
