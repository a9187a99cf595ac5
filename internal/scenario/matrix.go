package scenario

import (
	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Grid is the cartesian space a matrix is enumerated from.
type Grid struct {
	PromptBatch int
	DecodeBatch int
	// PromptSeqs are (query, kv) lengths; DecodeSeqs are (query, cache) lengths.
	PromptSeqs [][2]int
	DecodeSeqs [][2]int
	Heads      [][2]int
	HeadDims   []int
	Layout     config.CacheLayout
	Tolerance  config.Tolerance
	Seed       int64
}

// PipelineGrid mirrors the CI parity sweep of the production kernel.
var PipelineGrid = Grid{
	PromptBatch: 3,
	DecodeBatch: 5,
	PromptSeqs:  [][2]int{{127, 127}, {35, 35}, {2000, 2000}, {200, 200}, {240, 240}},
	DecodeSeqs:  [][2]int{{1, 128}, {1, 1024}, {1, 2048}},
	Heads:       [][2]int{{32, 8}, {9, 3}, {4, 4}},
	HeadDims:    []int{16, 128, 256},
	Layout:      config.LayoutBNSH,
	Tolerance:   config.Tolerance{Relative: 1e-3, Absolute: 1e-3},
	Seed:        69,
}

// SmallGrid covers every mode on shapes small enough for unit tests.
var SmallGrid = Grid{
	PromptBatch: 2,
	DecodeBatch: 3,
	PromptSeqs:  [][2]int{{8, 8}, {5, 5}},
	DecodeSeqs:  [][2]int{{1, 16}},
	Heads:       [][2]int{{4, 2}, {3, 1}},
	HeadDims:    []int{16},
	Layout:      config.LayoutBNSH,
	Tolerance:   config.Tolerance{Relative: 1e-3, Absolute: 1e-3},
	Seed:        69,
}

var (
	rotaryModes = []config.RotaryMode{config.RotaryHalves, config.RotaryInterleaved, config.RotaryNone}
	maskModes   = []config.MaskMode{config.MaskCausal, config.MaskLocal, config.MaskNone}
)

// Scenarios enumerates prompt and decode cases for both buffer modes,
// every mask mode, every rotary mode and both input layouts. Each case gets its own seed.
func (g Grid) Scenarios() []config.Scenario {
	var out []config.Scenario
	seed := g.Seed
	add := func(phase config.Phase, buffer config.BufferMode, a config.AttentionConfig, m config.MaskMode, rot config.RotaryMode, input config.InputLayout) {
		out = append(out, config.Scenario{
			Attention:   a,
			Phase:       phase,
			Buffer:      buffer,
			CacheLayout: g.Layout,
			Input:       input,
			Mask:        m,
			Rotary:      rot,
			Upcast:      true,
			DType:       tensor.Float16,
			Tolerance:   g.Tolerance,
			Seed:        seed,
		})
		seed++
	}

	each := func(fn func(heads [2]int, d int, m config.MaskMode, rot config.RotaryMode, input config.InputLayout)) {
		for _, h := range g.Heads {
			for _, d := range g.HeadDims {
				for _, m := range maskModes {
					for _, rot := range rotaryModes {
						for _, input := range []config.InputLayout{config.InputSeparate, config.InputPacked} {
							fn(h, d, m, rot, input)
						}
					}
				}
			}
		}
	}

	for _, seqs := range g.PromptSeqs {
		sq, skv := seqs[0], seqs[1]
		each(func(h [2]int, d int, m config.MaskMode, rot config.RotaryMode, input config.InputLayout) {
			a := config.AttentionConfig{Batch: g.PromptBatch, QueryLen: sq, KVLen: skv, QueryHeads: h[0], KVHeads: h[1], HeadDim: d}
			shared := a
			shared.Capacity = sq + skv + 8
			add(config.PhasePrompt, config.BufferShared, shared, m, rot, input)
			add(config.PhasePrompt, config.BufferGrowing, a, m, rot, input)
		})
	}
	for _, seqs := range g.DecodeSeqs {
		s, cache := seqs[0], seqs[1]
		each(func(h [2]int, d int, m config.MaskMode, rot config.RotaryMode, input config.InputLayout) {
			a := config.AttentionConfig{Batch: g.DecodeBatch, QueryLen: s, KVLen: s, QueryHeads: h[0], KVHeads: h[1], HeadDim: d}
			shared, growing := a, a
			shared.Capacity = cache
			growing.PastLen = cache
			add(config.PhaseDecode, config.BufferShared, shared, m, rot, input)
			add(config.PhaseDecode, config.BufferGrowing, growing, m, rot, input)
		})
	}
	return out
}

// Padded returns prompt cases with random and one-third key/query padding.
func (g Grid) Padded() []config.Scenario {
	var out []config.Scenario
	seed := g.Seed + 10000
	for _, seqs := range g.PromptSeqs {
		for _, mode := range []config.PaddingMode{config.PaddingRandom, config.PaddingThird} {
			s := config.Default()
			s.Attention = config.AttentionConfig{
				Batch:      g.PromptBatch,
				QueryLen:   seqs[0],
				KVLen:      seqs[1],
				Capacity:   seqs[0] + seqs[1] + 8,
				QueryHeads: g.Heads[0][0],
				KVHeads:    g.Heads[0][1],
				HeadDim:    g.HeadDims[0],
			}
			s.CacheLayout = g.Layout
			s.Padding = mode
			s.Tolerance = g.Tolerance
			s.Seed = seed
			seed++
			out = append(out, s)
		}
	}
	return out
}

// Matrix is the full pipeline sweep.
func Matrix() []config.Scenario {
	return append(PipelineGrid.Scenarios(), PipelineGrid.Padded()...)
}

// SmallMatrix is the same sweep on unit-test shapes.
func SmallMatrix() []config.Scenario {
	return append(SmallGrid.Scenarios(), SmallGrid.Padded()...)
}
