// Package kvcache simulates how an attention operator updates its
// key/value cache for the shared (in-place) and growing (concatenating)
// buffer modes. All tensors are BSNH internally; ToLayout and FromLayout
// convert at the operator boundary.
package kvcache

import (
	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/logger"
	"github.com/23skdu/longbow-parity/internal/mask"
	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Present is the cache state after one update.
type Present struct {
	K       *tensor.Tensor
	V       *tensor.Tensor
	Offsets []int
	// SeqLens is the logical length per batch row: offset + new length.
	SeqLens []int
}

// KeyPadding marks [0, SeqLens[b]) valid on the present sequence axis.
func (p *Present) KeyPadding() mask.Padding {
	return mask.FromLengths(p.SeqLens, p.K.Dim(1))
}

// Cache abstracts the two buffer strategies.
type Cache interface {
	Mode() config.BufferMode
	// Update writes newK/newV at per-row offsets and returns the present
	// state. The past tensors are never modified.
	Update(pastK, pastV, newK, newV *tensor.Tensor, offsets []int) (*Present, error)
}

// New returns the simulator for mode.
func New(mode config.BufferMode) Cache {
	if mode == config.BufferGrowing {
		return &GrowingBuffer{}
	}
	return &SharedBuffer{}
}

// SharedBuffer keeps a fixed capacity; present has the past's shape.
type SharedBuffer struct{}

func (c *SharedBuffer) Mode() config.BufferMode { return config.BufferShared }

func (c *SharedBuffer) Update(pastK, pastV, newK, newV *tensor.Tensor, offsets []int) (*Present, error) {
	const op = "kvcache.SharedBuffer.Update"
	if pastK == nil || pastV == nil {
		return nil, tensor.Mismatch(op, "shared buffer needs past key and value")
	}
	if err := checkInputs(op, pastK, pastV, newK, newV, offsets); err != nil {
		return nil, err
	}
	capacity := pastK.Dim(1)
	newLen := newK.Dim(1)
	for b, off := range offsets {
		if off < 0 || off+newLen > capacity {
			metrics.RecordKVCacheOutOfBounds()
			return nil, tensor.Mismatch(op, "row %d writes [%d, %d) past capacity %d", b, off, off+newLen, capacity)
		}
	}

	p := &Present{K: pastK.Clone(), V: pastV.Clone()}
	return finish(c.Mode(), p, newK, newV, offsets)
}

// GrowingBuffer returns a present of past length plus new length. The new
// rows are appended and then also written at each row's offset.
type GrowingBuffer struct{}

func (c *GrowingBuffer) Mode() config.BufferMode { return config.BufferGrowing }

func (c *GrowingBuffer) Update(pastK, pastV, newK, newV *tensor.Tensor, offsets []int) (*Present, error) {
	const op = "kvcache.GrowingBuffer.Update"
	if newK == nil || newV == nil {
		return nil, tensor.Mismatch(op, "new key and value are required")
	}
	if pastK == nil && pastV == nil {
		pastK = tensor.New(newK.DType(), newK.Dim(0), 0, newK.Dim(2), newK.Dim(3))
		pastV = tensor.New(newV.DType(), newV.Dim(0), 0, newV.Dim(2), newV.Dim(3))
	}
	if err := checkInputs(op, pastK, pastV, newK, newV, offsets); err != nil {
		return nil, err
	}
	pastLen := pastK.Dim(1)
	for b, off := range offsets {
		if off < 0 || off > pastLen {
			metrics.RecordKVCacheOutOfBounds()
			return nil, tensor.Mismatch(op, "row %d offset %d outside past length %d", b, off, pastLen)
		}
	}

	k, err := tensor.ConcatSeq(pastK, newK)
	if err != nil {
		return nil, err
	}
	v, err := tensor.ConcatSeq(pastV, newV)
	if err != nil {
		return nil, err
	}
	return finish(c.Mode(), &Present{K: k, V: v}, newK, newV, offsets)
}

func checkInputs(op string, pastK, pastV, newK, newV *tensor.Tensor, offsets []int) error {
	if newK == nil || newV == nil {
		return tensor.Mismatch(op, "new key and value are required")
	}
	if pastK.Shape() != pastV.Shape() {
		return &tensor.ShapeMismatchError{Op: op, Msg: "past key/value", Want: pastK.Dims(), Got: pastV.Dims()}
	}
	if newK.Shape() != newV.Shape() {
		return &tensor.ShapeMismatchError{Op: op, Msg: "new key/value", Want: newK.Dims(), Got: newV.Dims()}
	}
	if pastK.Dim(0) != newK.Dim(0) || pastK.Dim(2) != newK.Dim(2) || pastK.Dim(3) != newK.Dim(3) {
		return &tensor.ShapeMismatchError{Op: op, Msg: "past/new batch, heads or dim", Want: pastK.Dims(), Got: newK.Dims()}
	}
	if len(offsets) != newK.Dim(0) {
		return &tensor.ShapeMismatchError{Op: op, Msg: "offsets per batch row", Want: []int{newK.Dim(0)}, Got: []int{len(offsets)}}
	}
	return nil
}

func finish(mode config.BufferMode, p *Present, newK, newV *tensor.Tensor, offsets []int) (*Present, error) {
	newLen := newK.Dim(1)
	heads := newK.Dim(2)
	p.Offsets = append([]int(nil), offsets...)
	p.SeqLens = make([]int, len(offsets))
	written := make([]int, len(offsets))
	for b, off := range offsets {
		for s := 0; s < newLen; s++ {
			for h := 0; h < heads; h++ {
				copy(p.K.Vec(b, off+s, h), newK.Vec(b, s, h))
				copy(p.V.Vec(b, off+s, h), newV.Vec(b, s, h))
			}
		}
		p.SeqLens[b] = off + newLen
		written[b] = newLen
	}
	metrics.RecordKVCacheUpdate(mode.String(), written)
	logger.Log.Debug("kv cache updated",
		"mode", mode.String(),
		"present_len", p.K.Dim(1),
		"new_len", newLen,
		"seqlens", p.SeqLens,
	)
	return p, nil
}

// ToLayout converts a BSNH tensor to the given layout.
func ToLayout(t *tensor.Tensor, layout config.CacheLayout) *tensor.Tensor {
	if t == nil || layout == config.LayoutBSNH {
		return t
	}
	return t.SwapAxes12()
}

// FromLayout converts a tensor in the given layout to BSNH.
func FromLayout(t *tensor.Tensor, layout config.CacheLayout) *tensor.Tensor {
	return ToLayout(t, layout)
}
