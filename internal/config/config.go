package config

import (
	"fmt"
	"strings"

	"github.com/23skdu/longbow-parity/internal/tensor"
)

// ConfigurationError reports an invalid or inconsistent setting. It is
// raised before any computation starts.
type ConfigurationError struct {
	Field string
	Value interface{}
	Msg   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %v (%s)", e.Field, e.Value, e.Msg)
}

// Invalid is shorthand for constructing a ConfigurationError.
func Invalid(field string, value interface{}, format string, args ...interface{}) error {
	return &ConfigurationError{Field: field, Value: value, Msg: fmt.Sprintf(format, args...)}
}

// AttentionConfig describes the shapes of one attention invocation.
//
// KVLen is the length of the newly supplied key/value slice. PastLen is the
// logical length of the past cache in the growing buffer mode and Capacity
// the fixed sequence capacity of the shared buffer mode.
type AttentionConfig struct {
	Batch      int
	QueryLen   int
	KVLen      int
	PastLen    int
	Capacity   int
	QueryHeads int
	KVHeads    int
	HeadDim    int
}

func (c *AttentionConfig) Validate() error {
	if c.Batch <= 0 {
		return Invalid("batch", c.Batch, "must be positive")
	}
	if c.QueryLen <= 0 {
		return Invalid("query_len", c.QueryLen, "must be positive")
	}
	if c.KVLen < 0 {
		return Invalid("kv_len", c.KVLen, "must be non-negative")
	}
	if c.PastLen < 0 {
		return Invalid("past_len", c.PastLen, "must be non-negative")
	}
	if c.Capacity < 0 {
		return Invalid("capacity", c.Capacity, "must be non-negative")
	}
	if c.QueryHeads <= 0 {
		return Invalid("query_heads", c.QueryHeads, "must be positive")
	}
	if c.KVHeads <= 0 {
		return Invalid("kv_heads", c.KVHeads, "must be positive")
	}
	if c.QueryHeads%c.KVHeads != 0 {
		return Invalid("kv_heads", c.KVHeads, "must evenly divide query_heads %d", c.QueryHeads)
	}
	if c.HeadDim <= 0 {
		return Invalid("head_dim", c.HeadDim, "must be positive")
	}
	return nil
}

// Group is the number of query heads served by each key/value head.
func (c AttentionConfig) Group() int {
	if c.KVHeads == 0 {
		return 0
	}
	return c.QueryHeads / c.KVHeads
}

// CheckGrouping validates a bare head pair, for callers that only know tensor shapes.
func CheckGrouping(queryHeads, kvHeads int) error {
	if queryHeads <= 0 {
		return Invalid("query_heads", queryHeads, "must be positive")
	}
	if kvHeads <= 0 {
		return Invalid("kv_heads", kvHeads, "must be positive")
	}
	if queryHeads%kvHeads != 0 {
		return Invalid("kv_heads", kvHeads, "must evenly divide query_heads %d", queryHeads)
	}
	return nil
}

type Phase int

const (
	PhasePrompt Phase = iota
	PhaseDecode
)

func (p Phase) String() string {
	if p == PhaseDecode {
		return "decode"
	}
	return "prompt"
}

// BufferMode selects how the present cache relates to the past cache.
type BufferMode int

const (
	// BufferShared keeps a fixed-capacity buffer and writes new rows in place.
	BufferShared BufferMode = iota
	// BufferGrowing returns a fresh buffer of past length plus new length.
	BufferGrowing
)

func (m BufferMode) String() string {
	if m == BufferGrowing {
		return "growing"
	}
	return "shared"
}

type CacheLayout int

const (
	LayoutBSNH CacheLayout = iota
	LayoutBNSH
)

func (l CacheLayout) String() string {
	if l == LayoutBNSH {
		return "bnsh"
	}
	return "bsnh"
}

type InputLayout int

const (
	InputSeparate InputLayout = iota
	// InputPacked concatenates Q, K and V along the head axis.
	InputPacked
)

func (l InputLayout) String() string {
	if l == InputPacked {
		return "packed"
	}
	return "separate"
}

type RotaryMode int

const (
	RotaryNone RotaryMode = iota
	RotaryHalves
	RotaryInterleaved
)

func (r RotaryMode) String() string {
	switch r {
	case RotaryHalves:
		return "halves"
	case RotaryInterleaved:
		return "interleaved"
	default:
		return "none"
	}
}

func (r RotaryMode) Enabled() bool { return r != RotaryNone }

// MaskMode selects the attention window of a scenario.
type MaskMode int

const (
	MaskCausal MaskMode = iota
	// MaskLocal is a causal sliding window with a drawn left bound.
	MaskLocal
	// MaskNone lets every query see every valid key.
	MaskNone
)

func (m MaskMode) String() string {
	switch m {
	case MaskLocal:
		return "local"
	case MaskNone:
		return "full"
	default:
		return "causal"
	}
}

func ParseMaskMode(s string) (MaskMode, error) {
	switch strings.ToLower(s) {
	case "", "causal":
		return MaskCausal, nil
	case "local":
		return MaskLocal, nil
	case "none", "full":
		return MaskNone, nil
	}
	return MaskCausal, Invalid("window", s, "want causal, local or none")
}

type PaddingMode int

const (
	PaddingFull PaddingMode = iota
	PaddingRandom
	PaddingThird
)

func (p PaddingMode) String() string {
	switch p {
	case PaddingRandom:
		return "random"
	case PaddingThird:
		return "third"
	default:
		return "full"
	}
}

func ParsePaddingMode(s string) (PaddingMode, error) {
	switch strings.ToLower(s) {
	case "", "full":
		return PaddingFull, nil
	case "random":
		return PaddingRandom, nil
	case "third":
		return PaddingThird, nil
	}
	return PaddingFull, Invalid("padding", s, "want full, random or third")
}

// ScaleOrder selects which operand carries the 1/sqrt(D) factor.
type ScaleOrder int

const (
	ScaleQuery ScaleOrder = iota
	ScaleKey
)

func (s ScaleOrder) String() string {
	if s == ScaleKey {
		return "scale-key"
	}
	return "scale-query"
}

// Tolerance bounds |a-b| <= Absolute + Relative*|b|.
type Tolerance struct {
	Relative float64
	Absolute float64
}

func (t Tolerance) Validate() error {
	if t.Relative < 0 {
		return Invalid("rtol", t.Relative, "must be non-negative")
	}
	if t.Absolute < 0 {
		return Invalid("atol", t.Absolute, "must be non-negative")
	}
	return nil
}

// Scenario is one fully specified parity case.
type Scenario struct {
	Attention   AttentionConfig
	Phase       Phase
	Buffer      BufferMode
	CacheLayout CacheLayout
	Input       InputLayout
	Mask        MaskMode
	Rotary      RotaryMode
	Padding     PaddingMode
	Upcast      bool
	ScaleOrder  ScaleOrder
	DType       tensor.DType
	Tolerance   Tolerance
	Seed        int64
}

// Default returns a small causal prompt case in half precision.
func Default() Scenario {
	return Scenario{
		Attention: AttentionConfig{
			Batch:      2,
			QueryLen:   8,
			KVLen:      8,
			Capacity:   24,
			QueryHeads: 4,
			KVHeads:    2,
			HeadDim:    16,
		},
		Phase:     PhasePrompt,
		Buffer:    BufferShared,
		Upcast:    true,
		DType:     tensor.Float16,
		Tolerance: Tolerance{Relative: 1e-3, Absolute: 1e-3},
		Seed:      69,
	}
}

func (s *Scenario) Validate() error {
	if err := s.Attention.Validate(); err != nil {
		return err
	}
	if err := s.Tolerance.Validate(); err != nil {
		return err
	}
	a := s.Attention
	if s.Input == InputPacked && a.KVLen != a.QueryLen {
		return Invalid("kv_len", a.KVLen, "packed input requires kv_len == query_len (%d)", a.QueryLen)
	}
	if s.Padding != PaddingFull && s.Phase != PhasePrompt {
		return Invalid("padding", s.Padding, "padding masks apply to the prompt phase only")
	}

	switch s.Phase {
	case PhasePrompt:
		if s.Buffer == BufferShared && a.Capacity < a.KVLen {
			return Invalid("capacity", a.Capacity, "shared buffer must hold kv_len %d", a.KVLen)
		}
		if s.Buffer == BufferGrowing && a.PastLen != 0 {
			return Invalid("past_len", a.PastLen, "prompt phase has no past")
		}
	case PhaseDecode:
		if a.KVLen != a.QueryLen {
			return Invalid("kv_len", a.KVLen, "decode appends query_len %d new rows", a.QueryLen)
		}
		if s.Buffer == BufferShared && a.Capacity < a.QueryLen {
			return Invalid("capacity", a.Capacity, "shared buffer must hold query_len %d", a.QueryLen)
		}
		if s.Buffer == BufferGrowing && a.PastLen <= 0 {
			return Invalid("past_len", a.PastLen, "growing decode needs a past")
		}
	default:
		return Invalid("phase", int(s.Phase), "unknown phase")
	}
	return nil
}

// Name renders a stable identifier used in logs and reports.
func (s Scenario) Name() string {
	a := s.Attention
	name := fmt.Sprintf("%s-%s-%s-%s-%s-rotary_%s-b%d-sq%d-skv%d-past%d-cap%d-n%d-kvn%d-h%d-%s",
		s.Phase, s.Buffer, s.CacheLayout, s.Input, s.Mask, s.Rotary,
		a.Batch, a.QueryLen, a.KVLen, a.PastLen, a.Capacity, a.QueryHeads, a.KVHeads, a.HeadDim, s.DType)
	if s.Padding != PaddingFull {
		name += "-pad_" + s.Padding.String()
	}
	if !s.Upcast {
		name += "-noupcast"
	}
	if s.ScaleOrder == ScaleKey {
		name += "-reorder"
	}
	return name
}

// KeyCapacity is the sequence length of the key axis the core attends over.
func (s Scenario) KeyCapacity() int {
	a := s.Attention
	if s.Buffer == BufferShared {
		return a.Capacity
	}
	return a.PastLen + a.KVLen
}
