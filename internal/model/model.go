package model

import (
	"math/rand/v2"

	"github.com/ChizhovVadim/SkirmishGo/internal/dataset"
	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

type Topology struct {
	UnitTypes int
	EmbedDim  int
	Heads     int
	Layers    int
}

func (t Topology) Validate() error {
	if t.UnitTypes <= 0 {
		return errors.Errorf("unit types must be positive, got %v", t.UnitTypes)
	}
	if t.EmbedDim <= 0 || t.EmbedDim%2 != 0 {
		return errors.Errorf("embed dim must be positive and even, got %v", t.EmbedDim)
	}
	if t.Heads <= 0 || t.EmbedDim%t.Heads != 0 {
		return errors.Errorf("embed dim %v is not divisible by %v heads", t.EmbedDim, t.Heads)
	}
	if t.Layers < 0 {
		return errors.Errorf("layers must not be negative, got %v", t.Layers)
	}
	return nil
}

// Model scores a skirmish: logit = R_total - L_total.
// A model and its thread copies share parameter values; every copy
// owns its gradients and forward caches, so a copy is used by one goroutine at a time.
type Model struct {
	Topology  Topology
	embedding *Embedding
	blocks    []Block
	head      *FeedForward
	params    []*ml.Param
	linears   []*Linear
	sides     [2]Selection
}

type builder struct {
	newParam func(name string, rows, cols int) *ml.Param
	params   []*ml.Param
	linears  []*Linear
}

func (b *builder) param(name string, rows, cols int) *ml.Param {
	var p = b.newParam(name, rows, cols)
	b.params = append(b.params, p)
	return p
}

func build(t Topology, dropout float64, newParam func(name string, rows, cols int) *ml.Param) *Model {
	var b = &builder{newParam: newParam}
	var m = &Model{
		Topology:  t,
		embedding: newEmbedding(b, t.UnitTypes, t.EmbedDim),
	}
	for i := 0; i < t.Layers; i++ {
		m.blocks = append(m.blocks, newBlock(b, i, t.EmbedDim, t.Heads, dropout))
	}
	m.head = newFeedForward(b, "head", t.EmbedDim, 2*t.EmbedDim, 1, 0)
	m.params = b.params
	m.linears = b.linears
	return m
}

// New builds a model with freshly initialized parameters.
func New(t Topology, dropout float64, rnd *rand.Rand) (*Model, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	var m = build(t, dropout, ml.NewParam)
	m.embedding.initDefault(rnd)
	for i := range m.blocks {
		m.blocks[i].initDefault(rnd)
	}
	m.head.initDefault(rnd)
	return m, nil
}

func (m *Model) ThreadCopy() *Model {
	var index int
	var dropout float64
	if len(m.blocks) != 0 {
		dropout = m.blocks[0].EnemyFeedForward.dropout
	}
	var c = build(m.Topology, dropout, func(name string, rows, cols int) *ml.Param {
		var p = m.params[index].ThreadCopy()
		index++
		return p
	})
	c.SetHalfPrecision(m.linears[0].half)
	return c
}

func (m *Model) Params() []*ml.Param { return m.params }

func (m *Model) ParamCount() int {
	var n int
	for _, p := range m.params {
		n += len(p.Values())
	}
	return n
}

// SetHalfPrecision rounds the outputs of every linear layer (and the
// input gradients on the way back) to IEEE half precision.
func (m *Model) SetHalfPrecision(on bool) {
	for _, l := range m.linears {
		l.half = on
	}
}

// Forward computes the logit of one sample and keeps what Backward needs.
// A nil rnd is inference mode: no dropout. Signs do not enter the computation.
func (m *Model) Forward(s *dataset.ParsedSample, rnd *rand.Rand) float64 {
	m.sides = [2]Selection{Select(s.LeftCount), Select(s.RightCount)}
	var masks = newAttentionMasks(m.sides)
	var x = m.embedding.Forward(m.sides)
	for i := range m.blocks {
		x = m.blocks[i].Forward(x, masks, rnd)
	}
	var power = m.head.Forward(x, nil)
	var total [2]float64
	for side := range m.sides {
		for slot := 0; slot < TopK; slot++ {
			if m.sides[side].Mask[slot] {
				total[side] += power.At(side*TopK+slot, 0)
			}
		}
	}
	return total[1] - total[0]
}

// Backward accumulates the gradients of the last Forward given dLogit.
func (m *Model) Backward(dLogit float64) {
	var dPower = mat.NewDense(2*TopK, 1, nil)
	var sign = [2]float64{-1, 1}
	for side := range m.sides {
		for slot := 0; slot < TopK; slot++ {
			if m.sides[side].Mask[slot] {
				dPower.Set(side*TopK+slot, 0, sign[side]*dLogit)
			}
		}
	}
	var dx = m.head.Backward(dPower)
	for i := len(m.blocks) - 1; i >= 0; i-- {
		dx = m.blocks[i].Backward(dx)
	}
	m.embedding.Backward(dx)
}

// Predict returns the inference logit for one matchup. Positive favors the right side.
func (m *Model) Predict(leftSign, leftCount, rightSign, rightCount []float64) float64 {
	var s = dataset.ParsedSample{
		LeftSign:   leftSign,
		LeftCount:  leftCount,
		RightSign:  rightSign,
		RightCount: rightCount,
	}
	return m.Forward(&s, nil)
}

// selections returns the top-K selections of the last Forward, left side first.
func (m *Model) selections() [2]Selection { return m.sides }

func (m *Model) AddGradients(main *Model) {
	for i, p := range m.params {
		p.AddTo(main.params[i])
	}
}

func (m *Model) ZeroGradients() {
	ml.ZeroGrads(m.params)
}
