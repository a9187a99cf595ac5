package tensor

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seq(t *testing.T, d0, d1, d2, d3 int) *Tensor {
	t.Helper()
	x := New(Float32, d0, d1, d2, d3)
	for i := range x.Data {
		x.Data[i] = float32(i)
	}
	return x
}

func TestDTypeRound(t *testing.T) {
	// 1 + 2^-12 is below half precision resolution at 1.0.
	v := float32(1 + 1.0/4096)
	assert.Equal(t, v, Float32.Round(v))
	assert.Equal(t, float32(1), Float16.Round(v))
	assert.Equal(t, float32(1), BFloat16.Round(v))

	assert.Equal(t, float32(0.5), Float16.Round(0.5))
	assert.True(t, math.IsInf(float64(Float16.Round(1e6)), 1))
	assert.True(t, math.IsNaN(float64(Float16.Round(float32(math.NaN())))))
}

func TestRoundSliceMatchesRound(t *testing.T) {
	rng := rand.New(rand.NewSource(1337))
	for _, dt := range []DType{Float32, Float16, BFloat16} {
		xs := make([]float32, 64)
		for i := range xs {
			xs[i] = float32(rng.NormFloat64() * 10)
		}
		want := make([]float32, len(xs))
		for i, v := range xs {
			want[i] = dt.Round(v)
		}
		dt.RoundSlice(xs)
		assert.Equal(t, want, xs, dt.String())
	}
}

func TestParseDType(t *testing.T) {
	for in, want := range map[string]DType{"fp16": Float16, "bf16": BFloat16, "float32": Float32, "HALF": Float16} {
		got, err := ParseDType(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseDType("int8")
	assert.Error(t, err)
}

func TestOffsetAndUnravel(t *testing.T) {
	x := seq(t, 2, 3, 4, 5)
	for flat := 0; flat < x.Len(); flat++ {
		idx := x.Unravel(flat)
		assert.Equal(t, flat, x.Offset(idx[0], idx[1], idx[2], idx[3]))
	}
	assert.Equal(t, float32(x.Offset(1, 2, 3, 4)), x.At(1, 2, 3, 4))
}

func TestSwapAxes12(t *testing.T) {
	x := seq(t, 2, 3, 4, 2)
	y := x.SwapAxes12()
	assert.Equal(t, [4]int{2, 4, 3, 2}, y.Shape())
	for b := 0; b < 2; b++ {
		for s := 0; s < 3; s++ {
			for h := 0; h < 4; h++ {
				assert.Equal(t, x.Vec(b, s, h), y.Vec(b, h, s))
			}
		}
	}
	assert.Equal(t, x.Data, y.SwapAxes12().Data)
}

func TestRepeatHeadsGroupsContiguously(t *testing.T) {
	kv := seq(t, 1, 2, 2, 3)
	out, err := RepeatHeads(kv, 3)
	require.NoError(t, err)
	assert.Equal(t, [4]int{1, 2, 6, 3}, out.Shape())

	for s := 0; s < 2; s++ {
		for q := 0; q < 6; q++ {
			assert.Equal(t, kv.Vec(0, s, q/3), out.Vec(0, s, q), "query head %d", q)
		}
	}

	_, err = RepeatHeads(kv, 0)
	var sme *ShapeMismatchError
	assert.True(t, errors.As(err, &sme))
}

func TestConcatSeq(t *testing.T) {
	a := seq(t, 2, 3, 1, 2)
	b := New(Float32, 2, 1, 1, 2)
	for i := range b.Data {
		b.Data[i] = -1
	}
	out, err := ConcatSeq(a, b)
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, 4, 1, 2}, out.Shape())
	assert.Equal(t, a.Vec(1, 2, 0), out.Vec(1, 2, 0))
	assert.Equal(t, []float32{-1, -1}, out.Vec(1, 3, 0))

	_, err = ConcatSeq(a, New(Float32, 2, 1, 2, 2))
	assert.Error(t, err)
}

func TestPackUnpackRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(69))
	q := Randn(rng, Float16, 2, 3, 4, 8)
	k := Randn(rng, Float16, 2, 3, 2, 8)
	v := Randn(rng, Float16, 2, 3, 2, 8)

	packed, err := Pack(q, k, v)
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, 3, 8, 8}, packed.Shape())

	q2, k2, v2, err := Unpack(packed, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, q.Data, q2.Data)
	assert.Equal(t, k.Data, k2.Data)
	assert.Equal(t, v.Data, v2.Data)

	_, _, _, err = Unpack(packed, 4, 1)
	var sme *ShapeMismatchError
	require.True(t, errors.As(err, &sme))
	assert.Equal(t, "tensor.Unpack", sme.Op)
}

func TestCheckShape(t *testing.T) {
	x := New(Float32, 1, 2, 3, 4)
	assert.NoError(t, CheckShape("op", "x", x, [4]int{1, 2, 3, 4}))
	err := CheckShape("op", "x", x, [4]int{1, 2, 3, 5})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want [1 2 3 5]")
	assert.Error(t, CheckShape("op", "x", nil, [4]int{}))
}

func TestFromDataRounds(t *testing.T) {
	data := []float32{1 + 1.0/4096, 2}
	x, err := FromData(Float16, [4]int{1, 1, 1, 2}, data)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, x.Data)

	_, err = FromData(Float16, [4]int{1, 1, 1, 3}, data)
	assert.Error(t, err)
}
