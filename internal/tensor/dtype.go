package tensor

import (
	"fmt"
	"strings"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType is the storage precision of a tensor. Values are always held as
// float32 but are rounded to the representable set of the dtype.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float16:
		return "float16"
	case BFloat16:
		return "bfloat16"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// ParseDType accepts the common short and long spellings.
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "f32", "fp32", "float32":
		return Float32, nil
	case "f16", "fp16", "float16", "half":
		return Float16, nil
	case "bf16", "bfloat16":
		return BFloat16, nil
	}
	return Float32, fmt.Errorf("unknown dtype %q", s)
}

// Size is the element width in bytes on the wire of the operator under test.
func (d DType) Size() int {
	if d == Float32 {
		return 4
	}
	return 2
}

// Round returns v rounded to the nearest value representable in d.
// bfloat16 rounding truncates the low mantissa bits.
func (d DType) Round(v float32) float32 {
	switch d {
	case Float16:
		return float16.Fromfloat32(v).Float32()
	case BFloat16:
		return bfloat16.DecodeFloat32(bfloat16.EncodeFloat32([]float32{v}))[0]
	default:
		return v
	}
}

// RoundFloat64 narrows an elevated-precision result into d.
func (d DType) RoundFloat64(v float64) float32 {
	return d.Round(float32(v))
}

// RoundSlice rounds xs in place.
func (d DType) RoundSlice(xs []float32) {
	switch d {
	case Float16:
		for i, v := range xs {
			xs[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		copy(xs, bfloat16.DecodeFloat32(bfloat16.EncodeFloat32(xs)))
	}
}
