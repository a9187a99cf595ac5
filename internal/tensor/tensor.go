package tensor

import (
	"fmt"
	"math/rand"

	"github.com/23skdu/longbow-parity/internal/metrics"
)

// Tensor is a dense rank-4 tensor stored row-major. Every value in Data is
// representable in the tensor's dtype.
type Tensor struct {
	shape [4]int
	dtype DType
	Data  []float32
}

func traceAlloc(n int, dtype DType) {
	metrics.RecordTensorAlloc(int64(n * dtype.Size()))
}

// New allocates a zero tensor of shape [d0, d1, d2, d3].
func New(dtype DType, d0, d1, d2, d3 int) *Tensor {
	if d0 < 0 || d1 < 0 || d2 < 0 || d3 < 0 {
		panic(fmt.Sprintf("tensor.New: negative dimension [%d %d %d %d]", d0, d1, d2, d3))
	}
	n := d0 * d1 * d2 * d3
	traceAlloc(n, dtype)
	return &Tensor{
		shape: [4]int{d0, d1, d2, d3},
		dtype: dtype,
		Data:  make([]float32, n),
	}
}

// FromData wraps data (rounded in place to dtype) as a tensor of the given shape.
func FromData(dtype DType, shape [4]int, data []float32) (*Tensor, error) {
	n := shape[0] * shape[1] * shape[2] * shape[3]
	if len(data) != n {
		return nil, &ShapeMismatchError{Op: "tensor.FromData", Msg: "element count", Want: []int{n}, Got: []int{len(data)}}
	}
	dtype.RoundSlice(data)
	traceAlloc(n, dtype)
	return &Tensor{shape: shape, dtype: dtype, Data: data}, nil
}

// Randn fills a new tensor with standard normal samples from rng.
func Randn(rng *rand.Rand, dtype DType, d0, d1, d2, d3 int) *Tensor {
	t := New(dtype, d0, d1, d2, d3)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	dtype.RoundSlice(t.Data)
	return t
}

func (t *Tensor) Shape() [4]int { return t.shape }

// Dims returns the shape as a slice, for error reporting.
func (t *Tensor) Dims() []int { return []int{t.shape[0], t.shape[1], t.shape[2], t.shape[3]} }

func (t *Tensor) Dim(i int) int { return t.shape[i] }

func (t *Tensor) DType() DType { return t.dtype }

func (t *Tensor) Len() int { return len(t.Data) }

// Offset returns the flat index of element (i, j, k, l).
func (t *Tensor) Offset(i, j, k, l int) int {
	return ((i*t.shape[1]+j)*t.shape[2]+k)*t.shape[3] + l
}

func (t *Tensor) At(i, j, k, l int) float32 {
	return t.Data[t.Offset(i, j, k, l)]
}

// Set stores v rounded to the tensor dtype.
func (t *Tensor) Set(i, j, k, l int, v float32) {
	t.Data[t.Offset(i, j, k, l)] = t.dtype.Round(v)
}

// Vec returns the innermost-axis slice at (i, j, k). It aliases Data.
func (t *Tensor) Vec(i, j, k int) []float32 {
	off := t.Offset(i, j, k, 0)
	return t.Data[off : off+t.shape[3]]
}

// Unravel converts a flat index back to coordinates.
func (t *Tensor) Unravel(flat int) []int {
	idx := make([]int, 4)
	for a := 3; a >= 0; a-- {
		idx[a] = flat % t.shape[a]
		flat /= t.shape[a]
	}
	return idx
}

func (t *Tensor) Clone() *Tensor {
	c := New(t.dtype, t.shape[0], t.shape[1], t.shape[2], t.shape[3])
	copy(c.Data, t.Data)
	return c
}

// SwapAxes12 returns a copy with axes 1 and 2 exchanged; it converts
// between [B, S, N, H] and [B, N, S, H].
func (t *Tensor) SwapAxes12() *Tensor {
	d0, d1, d2, d3 := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	out := New(t.dtype, d0, d2, d1, d3)
	for i := 0; i < d0; i++ {
		for j := 0; j < d1; j++ {
			for k := 0; k < d2; k++ {
				copy(out.Vec(i, k, j), t.Vec(i, j, k))
			}
		}
	}
	return out
}

// RepeatHeads expands [B, S, Hkv, D] to [B, S, Hkv*group, D]; kv head h
// serves query heads [h*group, (h+1)*group).
func RepeatHeads(t *Tensor, group int) (*Tensor, error) {
	if group <= 0 {
		return nil, Mismatch("tensor.RepeatHeads", "group must be positive, got %d", group)
	}
	b, s, hkv, d := t.shape[0], t.shape[1], t.shape[2], t.shape[3]
	out := New(t.dtype, b, s, hkv*group, d)
	for i := 0; i < b; i++ {
		for j := 0; j < s; j++ {
			for h := 0; h < hkv*group; h++ {
				copy(out.Vec(i, j, h), t.Vec(i, j, h/group))
			}
		}
	}
	return out, nil
}

// ConcatSeq joins a and b along axis 1.
func ConcatSeq(a, b *Tensor) (*Tensor, error) {
	if a.shape[0] != b.shape[0] || a.shape[2] != b.shape[2] || a.shape[3] != b.shape[3] {
		return nil, &ShapeMismatchError{Op: "tensor.ConcatSeq", Msg: "non-sequence axes differ", Want: a.Dims(), Got: b.Dims()}
	}
	sa, sb := a.shape[1], b.shape[1]
	out := New(a.dtype, a.shape[0], sa+sb, a.shape[2], a.shape[3])
	for i := 0; i < a.shape[0]; i++ {
		for j := 0; j < sa; j++ {
			for k := 0; k < a.shape[2]; k++ {
				copy(out.Vec(i, j, k), a.Vec(i, j, k))
			}
		}
		for j := 0; j < sb; j++ {
			for k := 0; k < b.shape[2]; k++ {
				copy(out.Vec(i, sa+j, k), b.Vec(i, j, k))
			}
		}
	}
	return out, nil
}

// Pack concatenates q, k and v along the head axis into [B, S, Hq+2*Hkv, D].
func Pack(q, k, v *Tensor) (*Tensor, error) {
	if k.shape != v.shape {
		return nil, &ShapeMismatchError{Op: "tensor.Pack", Msg: "key/value", Want: k.Dims(), Got: v.Dims()}
	}
	if q.shape[0] != k.shape[0] || q.shape[1] != k.shape[1] || q.shape[3] != k.shape[3] {
		return nil, &ShapeMismatchError{Op: "tensor.Pack", Msg: "query/key", Want: q.Dims(), Got: k.Dims()}
	}
	b, s, hq, d := q.shape[0], q.shape[1], q.shape[2], q.shape[3]
	hkv := k.shape[2]
	out := New(q.dtype, b, s, hq+2*hkv, d)
	for i := 0; i < b; i++ {
		for j := 0; j < s; j++ {
			for h := 0; h < hq; h++ {
				copy(out.Vec(i, j, h), q.Vec(i, j, h))
			}
			for h := 0; h < hkv; h++ {
				copy(out.Vec(i, j, hq+h), k.Vec(i, j, h))
				copy(out.Vec(i, j, hq+hkv+h), v.Vec(i, j, h))
			}
		}
	}
	return out, nil
}

// Unpack is the inverse of Pack.
func Unpack(packed *Tensor, queryHeads, kvHeads int) (q, k, v *Tensor, err error) {
	b, s, h, d := packed.shape[0], packed.shape[1], packed.shape[2], packed.shape[3]
	if h != queryHeads+2*kvHeads {
		return nil, nil, nil, &ShapeMismatchError{
			Op:   "tensor.Unpack",
			Msg:  "packed head axis",
			Want: []int{b, s, queryHeads + 2*kvHeads, d},
			Got:  packed.Dims(),
		}
	}
	q = New(packed.dtype, b, s, queryHeads, d)
	k = New(packed.dtype, b, s, kvHeads, d)
	v = New(packed.dtype, b, s, kvHeads, d)
	for i := 0; i < b; i++ {
		for j := 0; j < s; j++ {
			for hh := 0; hh < queryHeads; hh++ {
				copy(q.Vec(i, j, hh), packed.Vec(i, j, hh))
			}
			for hh := 0; hh < kvHeads; hh++ {
				copy(k.Vec(i, j, hh), packed.Vec(i, j, queryHeads+hh))
				copy(v.Vec(i, j, hh), packed.Vec(i, j, queryHeads+kvHeads+hh))
			}
		}
	}
	return q, k, v, nil
}
