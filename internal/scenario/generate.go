// Package scenario turns a scenario description into seeded operator
// inputs, runs them against an operator and the reference, and reports
// parity.
package scenario

import (
	"math/rand"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/kvcache"
	"github.com/23skdu/longbow-parity/internal/mask"
	"github.com/23skdu/longbow-parity/internal/operator"
	"github.com/23skdu/longbow-parity/internal/rotary"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Generate draws every input of s from a source seeded with s.Seed, so the
// same scenario always yields the same request.
func Generate(s config.Scenario) (*operator.Request, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	a := s.Attention
	if s.Rotary.Enabled() && rotary.RotaryDim(a.HeadDim) == 0 {
		return nil, config.Invalid("head_dim", a.HeadDim, "rotary needs at least 16 dims")
	}
	rng := rand.New(rand.NewSource(s.Seed))
	dt := s.DType

	q := tensor.Randn(rng, dt, a.Batch, a.QueryLen, a.QueryHeads, a.HeadDim)
	k := tensor.Randn(rng, dt, a.Batch, a.KVLen, a.KVHeads, a.HeadDim)
	v := tensor.Randn(rng, dt, a.Batch, a.KVLen, a.KVHeads, a.HeadDim)

	req := &operator.Request{
		Config:      a,
		Query:       q,
		Key:         k,
		Value:       v,
		Buffer:      s.Buffer,
		CacheLayout: s.CacheLayout,
		Input:       s.Input,
		Window:      mask.Causal,
	}

	if pastLen := pastLength(s); pastLen > 0 {
		req.PastKey = kvcache.ToLayout(tensor.Randn(rng, dt, a.Batch, pastLen, a.KVHeads, a.HeadDim), s.CacheLayout)
		req.PastValue = kvcache.ToLayout(tensor.Randn(rng, dt, a.Batch, pastLen, a.KVHeads, a.HeadDim), s.CacheLayout)
	}

	req.PastSeqLens = offsets(rng, s)
	req.TotalSeqLens = make([]int, a.Batch)
	for b, off := range req.PastSeqLens {
		req.TotalSeqLens[b] = off + a.KVLen
	}
	if s.Padding != config.PaddingFull {
		req.TotalSeqLens = mask.GeneratePadding(rng, a.KVLen, a.Batch, s.Padding).Lengths()
		req.QueryLens = mask.GeneratePadding(rng, a.QueryLen, a.Batch, s.Padding).Lengths()
	}

	switch s.Mask {
	case config.MaskLocal:
		w, err := mask.NewLocalWindow(rng.Intn(windowBound(s) + 1))
		if err != nil {
			return nil, err
		}
		req.Window = w
	case config.MaskNone:
		req.Window = mask.Unbounded
	}

	if s.Rotary.Enabled() {
		table := rotary.NewRandomTable(rng, rotaryPositions(s, req.PastSeqLens), a.HeadDim, dt)
		req.Cos, req.Sin = table.Cos, table.Sin
		req.RotaryMaxPosition = table.MaxPosition
		req.RotaryDim = table.RotaryDim
		req.RotaryInterleaved = s.Rotary == config.RotaryInterleaved
	}

	if s.Input == config.InputPacked {
		packed, err := tensor.Pack(q, k, v)
		if err != nil {
			return nil, err
		}
		req.Query, req.Key, req.Value = packed, nil, nil
	}
	return req, nil
}

// pastLength is the sequence length of the past tensors, zero when the
// operator receives none.
func pastLength(s config.Scenario) int {
	if s.Buffer == config.BufferShared {
		return s.Attention.Capacity
	}
	return s.Attention.PastLen
}

// offsets are the per-row cache write positions. A prompt writes at zero.
// A shared decode writes anywhere the new rows still fit. A growing decode
// draws below the past length and pins one random row to the end.
func offsets(rng *rand.Rand, s config.Scenario) []int {
	a := s.Attention
	out := make([]int, a.Batch)
	if s.Phase == config.PhasePrompt {
		return out
	}
	if s.Buffer == config.BufferShared {
		for b := range out {
			out[b] = rng.Intn(a.Capacity - a.KVLen + 1)
		}
		return out
	}
	for b := range out {
		out[b] = rng.Intn(a.PastLen)
	}
	out[rng.Intn(a.Batch)] = a.PastLen
	return out
}

// rotaryPositions is the table length covering every rotated position:
// the key axis of the present cache, and each row's offset plus the
// longer of the query and new key slices.
func rotaryPositions(s config.Scenario, offsets []int) int {
	a := s.Attention
	n := s.KeyCapacity()
	span := max(a.QueryLen, a.KVLen)
	for _, off := range offsets {
		n = max(n, off+span)
	}
	return n
}

// windowBound is the largest left window a local scenario may draw.
func windowBound(s config.Scenario) int {
	if s.Phase == config.PhasePrompt {
		return s.Attention.KVLen
	}
	return pastLength(s)
}
