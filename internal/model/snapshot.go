package model

import (
	"bufio"
	"encoding/binary"
	"io"
	"math"

	"github.com/ChizhovVadim/SkirmishGo/internal/ml"
	"github.com/pkg/errors"
)

var snapshotMagic = [4]byte{'S', 'N', 1, 0}

var ErrSnapshotFormat = errors.New("snapshot format")

// Upper bounds on a snapshot topology, checked before anything is allocated.
const (
	maxSnapshotUnitTypes = 1 << 16
	maxSnapshotEmbedDim  = 1 << 12
	maxSnapshotLayers    = 256
	maxSnapshotParams    = 1 << 27
)

// parameterCount is the number of scalars New allocates for t.
func parameterCount(t Topology) int64 {
	var m, d, l = int64(t.UnitTypes), int64(t.EmbedDim), int64(t.Layers)
	var feedForward = func(in, hidden, out int64) int64 {
		return hidden*in + hidden + out*hidden + out
	}
	var attention = 4 * (d*d + d)
	var block = 2*attention + 2*feedForward(d, 2*d, d)
	return m*d + feedForward(d, 2*d, d) + l*block + feedForward(d, 2*d, 1)
}

// Save writes the model in the snapshot format:
//   - all data is little-endian
//   - 4 bytes magic/version: 'S', 'N', major 1, minor 0
//   - uint32 unit types, embed dim, heads, layers
//   - uint32 parameter tensor count
//   - every parameter tensor in construction order, row-major float32
//
// Dropout and precision settings are runtime options and are not stored.
func (m *Model) Save(w io.Writer) error {
	var bw = bufio.NewWriter(w)
	if _, err := bw.Write(snapshotMagic[:]); err != nil {
		return err
	}
	var header = []uint32{
		uint32(m.Topology.UnitTypes),
		uint32(m.Topology.EmbedDim),
		uint32(m.Topology.Heads),
		uint32(m.Topology.Layers),
		uint32(len(m.params)),
	}
	if err := binary.Write(bw, binary.LittleEndian, header); err != nil {
		return err
	}
	for _, p := range m.params {
		if err := writeSlice(bw, p.Values()); err != nil {
			return errors.Wrapf(err, "write %v", p.Name)
		}
	}
	return bw.Flush()
}

// Load reads a snapshot written by Save. The model comes back in inference
// configuration: dropout 0, full precision.
func Load(r io.Reader) (*Model, error) {
	var br = bufio.NewReader(r)
	var magic [4]byte
	if _, err := io.ReadFull(br, magic[:]); err != nil {
		return nil, errors.Wrap(err, "read magic")
	}
	if magic[0] != snapshotMagic[0] || magic[1] != snapshotMagic[1] {
		return nil, errors.Wrap(ErrSnapshotFormat, "magic word does not match")
	}
	if magic[2] != snapshotMagic[2] || magic[3] != snapshotMagic[3] {
		return nil, errors.Wrapf(ErrSnapshotFormat, "version %v.%v is not supported", magic[2], magic[3])
	}
	var header [5]uint32
	if err := binary.Read(br, binary.LittleEndian, header[:]); err != nil {
		return nil, errors.Wrap(err, "read topology")
	}
	if header[0] > maxSnapshotUnitTypes || header[1] > maxSnapshotEmbedDim ||
		header[2] > header[1] || header[3] > maxSnapshotLayers {
		return nil, errors.Wrapf(ErrSnapshotFormat, "topology %v is out of range", header[:4])
	}
	var t = Topology{
		UnitTypes: int(header[0]),
		EmbedDim:  int(header[1]),
		Heads:     int(header[2]),
		Layers:    int(header[3]),
	}
	if err := t.Validate(); err != nil {
		return nil, errors.Wrap(ErrSnapshotFormat, err.Error())
	}
	if n := parameterCount(t); n > maxSnapshotParams {
		return nil, errors.Wrapf(ErrSnapshotFormat, "topology needs %v parameters", n)
	}
	var m = build(t, 0, ml.NewParam)
	if int(header[4]) != len(m.params) {
		return nil, errors.Wrapf(ErrSnapshotFormat, "%v parameter tensors, topology needs %v", header[4], len(m.params))
	}
	for _, p := range m.params {
		if err := readSlice(br, p.Values()); err != nil {
			return nil, errors.Wrapf(err, "read %v", p.Name)
		}
	}
	return m, nil
}

func writeSlice(w io.Writer, data []float64) error {
	buf := make([]byte, 4)
	for j := range data {
		binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(data[j])))
		_, err := w.Write(buf)
		if err != nil {
			return err
		}
	}
	return nil
}

func readSlice(r io.Reader, data []float64) error {
	buf := make([]byte, 4)
	for j := range data {
		_, err := io.ReadFull(r, buf)
		if err != nil {
			return err
		}
		data[j] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
	}
	return nil
}
