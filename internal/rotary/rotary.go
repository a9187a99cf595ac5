// Package rotary applies rotary position embeddings to [B, S, H, D]
// tensors using precomputed cos/sin tables.
package rotary

import (
	"math"
	"math/rand"

	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Table holds cos/sin values of shape [MaxPosition, RotaryDim/2], already
// rounded to the scenario dtype.
type Table struct {
	MaxPosition int
	RotaryDim   int
	Cos         []float32
	Sin         []float32
}

// RotaryDim is the rotated prefix of a head: the largest multiple of 16
// not exceeding headDim.
func RotaryDim(headDim int) int {
	return headDim / 16 * 16
}

func newTable(maxPos, headDim int) *Table {
	rd := RotaryDim(headDim)
	n := maxPos * rd / 2
	return &Table{MaxPosition: maxPos, RotaryDim: rd, Cos: make([]float32, n), Sin: make([]float32, n)}
}

// NewRandomTable draws one angle per (position, frequency) uniformly in
// [0, 2pi). Random angles exercise every table entry independently.
func NewRandomTable(rng *rand.Rand, maxPos, headDim int, dtype tensor.DType) *Table {
	t := newTable(maxPos, headDim)
	for i := range t.Cos {
		angle := rng.Float64() * 2 * math.Pi
		t.Cos[i] = dtype.RoundFloat64(math.Cos(angle))
		t.Sin[i] = dtype.RoundFloat64(math.Sin(angle))
	}
	return t
}

// NewTable builds the standard geometric-frequency table with base theta.
func NewTable(maxPos, headDim int, theta float64, dtype tensor.DType) *Table {
	t := newTable(maxPos, headDim)
	half := t.RotaryDim / 2
	for p := 0; p < maxPos; p++ {
		for i := 0; i < half; i++ {
			freq := math.Pow(theta, -float64(2*i)/float64(t.RotaryDim))
			angle := float64(p) * freq
			t.Cos[p*half+i] = dtype.RoundFloat64(math.Cos(angle))
			t.Sin[p*half+i] = dtype.RoundFloat64(math.Sin(angle))
		}
	}
	return t
}

// FromSlices wraps caller-supplied cos/sin data, e.g. decoded off the wire.
func FromSlices(cos, sin []float32, maxPos, rotaryDim int) (*Table, error) {
	want := maxPos * rotaryDim / 2
	if rotaryDim%2 != 0 || len(cos) != want || len(sin) != want {
		return nil, &tensor.ShapeMismatchError{
			Op:   "rotary.FromSlices",
			Msg:  "cos/sin table",
			Want: []int{maxPos, rotaryDim / 2},
			Got:  []int{len(cos), len(sin)},
		}
	}
	return &Table{MaxPosition: maxPos, RotaryDim: rotaryDim, Cos: cos, Sin: sin}, nil
}

func (t *Table) half() int { return t.RotaryDim / 2 }

// Apply rotates the leading RotaryDim channels of every head. Row b of
// the batch uses table positions [offsets[b], offsets[b]+S). A nil
// offsets slice means all zeros.
func Apply(x *tensor.Tensor, t *Table, offsets []int, interleaved bool) (*tensor.Tensor, error) {
	return rotate(x, t, offsets, interleaved, false)
}

// Inverse rotates by the negated angle, (cos, -sin). It undoes Apply up to
// the rounding of the table.
func Inverse(x *tensor.Tensor, t *Table, offsets []int, interleaved bool) (*tensor.Tensor, error) {
	return rotate(x, t, offsets, interleaved, true)
}

func rotate(x *tensor.Tensor, t *Table, offsets []int, interleaved, inverse bool) (*tensor.Tensor, error) {
	const op = "rotary.Apply"
	b, s, h, d := x.Dim(0), x.Dim(1), x.Dim(2), x.Dim(3)
	if t.RotaryDim > d {
		return nil, tensor.Mismatch(op, "rotary dim %d exceeds head dim %d", t.RotaryDim, d)
	}
	if offsets == nil {
		offsets = make([]int, b)
	}
	if len(offsets) != b {
		return nil, &tensor.ShapeMismatchError{Op: op, Msg: "offsets per batch row", Want: []int{b}, Got: []int{len(offsets)}}
	}
	for row, off := range offsets {
		if off < 0 || off+s > t.MaxPosition {
			return nil, tensor.Mismatch(op, "row %d needs positions [%d, %d) but table covers %d", row, off, off+s, t.MaxPosition)
		}
	}

	out := x.Clone()
	half := t.half()
	dtype := x.DType()
	for bi := 0; bi < b; bi++ {
		for si := 0; si < s; si++ {
			pos := offsets[bi] + si
			cos := t.Cos[pos*half : (pos+1)*half]
			sin := t.Sin[pos*half : (pos+1)*half]
			for hi := 0; hi < h; hi++ {
				src := x.Vec(bi, si, hi)
				dst := out.Vec(bi, si, hi)
				for i := 0; i < half; i++ {
					i1, i2 := i, i+half
					if interleaved {
						i1, i2 = 2*i, 2*i+1
					}
					c, sn := float64(cos[i]), float64(sin[i])
					if inverse {
						sn = -sn
					}
					x1, x2 := float64(src[i1]), float64(src[i2])
					dst[i1] = dtype.RoundFloat64(x1*c - x2*sn)
					dst[i2] = dtype.RoundFloat64(x2*c + x1*sn)
				}
			}
		}
	}

	mode := "halves"
	if interleaved {
		mode = "interleaved"
	}
	metrics.RecordRotary(mode)
	return out, nil
}
