// Package operator defines the boundary to the attention operator under
// test and an in-process reference implementation of it.
package operator

import (
	"context"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/mask"
	"github.com/23skdu/longbow-parity/internal/rotary"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Operator runs one grouped-query attention call with cache update.
type Operator interface {
	Name() string
	Run(ctx context.Context, req *Request) (*Response, error)
}

// Request carries every input of one operator invocation.
//
// Query is [B, Sq, Hq, D], or [B, Sq, Hq+2*Hkv, D] with Key and Value nil
// when Input is packed. PastKey/PastValue are in CacheLayout and may be
// nil for a growing buffer without past. PastSeqLens are the per-row
// write offsets into the cache, which are also the rotary position
// offsets. TotalSeqLens are the per-row valid key lengths after the update.
type Request struct {
	Config config.AttentionConfig

	Query     *tensor.Tensor
	Key       *tensor.Tensor
	Value     *tensor.Tensor
	PastKey   *tensor.Tensor
	PastValue *tensor.Tensor

	PastSeqLens  []int
	TotalSeqLens []int
	// QueryLens marks per-row valid query lengths; nil means all valid.
	QueryLens []int

	// Cos/Sin are [RotaryMaxPosition, RotaryDim/2]; nil disables rotary.
	Cos               []float32
	Sin               []float32
	RotaryMaxPosition int
	RotaryDim         int
	RotaryInterleaved bool

	Window      mask.Window
	Buffer      config.BufferMode
	CacheLayout config.CacheLayout
	Input       config.InputLayout
}

// Response is the operator output. PresentKey/PresentValue are in the
// request's CacheLayout.
type Response struct {
	Output       *tensor.Tensor
	PresentKey   *tensor.Tensor
	PresentValue *tensor.Tensor
}

// RotaryTable returns the request's cos/sin table, or nil without rotary.
func (r *Request) RotaryTable() (*rotary.Table, error) {
	if r.Cos == nil && r.Sin == nil {
		return nil, nil
	}
	return rotary.FromSlices(r.Cos, r.Sin, r.RotaryMaxPosition, r.RotaryDim)
}

// Validate checks tensor shapes against Config before anything runs.
func (r *Request) Validate() error {
	const op = "operator.Request"
	if err := r.Config.Validate(); err != nil {
		return err
	}
	c := r.Config
	b, sq, hq, hkv, d := c.Batch, c.QueryLen, c.QueryHeads, c.KVHeads, c.HeadDim

	switch r.Input {
	case config.InputPacked:
		if err := tensor.CheckShape(op, "packed query", r.Query, [4]int{b, sq, hq + 2*hkv, d}); err != nil {
			return err
		}
		if r.Key != nil || r.Value != nil {
			return tensor.Mismatch(op, "packed input must not carry separate key/value")
		}
	default:
		if err := tensor.CheckShape(op, "query", r.Query, [4]int{b, sq, hq, d}); err != nil {
			return err
		}
		if err := tensor.CheckShape(op, "key", r.Key, [4]int{b, c.KVLen, hkv, d}); err != nil {
			return err
		}
		if err := tensor.CheckShape(op, "value", r.Value, [4]int{b, c.KVLen, hkv, d}); err != nil {
			return err
		}
	}

	if r.PastKey != nil || r.PastValue != nil || r.Buffer == config.BufferShared {
		pastLen := c.PastLen
		if r.Buffer == config.BufferShared {
			pastLen = c.Capacity
		}
		want := [4]int{b, pastLen, hkv, d}
		if r.CacheLayout == config.LayoutBNSH {
			want = [4]int{b, hkv, pastLen, d}
		}
		if err := tensor.CheckShape(op, "past key", r.PastKey, want); err != nil {
			return err
		}
		if err := tensor.CheckShape(op, "past value", r.PastValue, want); err != nil {
			return err
		}
	}

	if len(r.PastSeqLens) != b {
		return &tensor.ShapeMismatchError{Op: op, Msg: "past seqlens", Want: []int{b}, Got: []int{len(r.PastSeqLens)}}
	}
	if len(r.TotalSeqLens) != b {
		return &tensor.ShapeMismatchError{Op: op, Msg: "total seqlens", Want: []int{b}, Got: []int{len(r.TotalSeqLens)}}
	}
	if r.QueryLens != nil && len(r.QueryLens) != b {
		return &tensor.ShapeMismatchError{Op: op, Msg: "query lengths", Want: []int{b}, Got: []int{len(r.QueryLens)}}
	}
	if (r.Cos == nil) != (r.Sin == nil) {
		return tensor.Mismatch(op, "cos and sin must be supplied together")
	}
	if r.Window.Left < -1 || r.Window.Right < -1 {
		return config.Invalid("window", r.Window, "bounds must be >= -1")
	}
	return nil
}
