package attention

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/mask"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// naive is an independent per-head implementation using the kv head
// mapping h / (Hq/Hkv) directly, in float64.
func naive(q, k, v *tensor.Tensor, causal bool) []float64 {
	b, sq, hq, d := q.Dim(0), q.Dim(1), q.Dim(2), q.Dim(3)
	sk, hkv := k.Dim(1), k.Dim(2)
	out := make([]float64, q.Len())
	scale := 1 / math.Sqrt(float64(d))
	for bi := 0; bi < b; bi++ {
		for h := 0; h < hq; h++ {
			kvh := h / (hq / hkv)
			for r := 0; r < sq; r++ {
				scores := make([]float64, sk)
				maxVal := math.Inf(-1)
				for c := 0; c < sk; c++ {
					if causal && c > r+sk-sq {
						scores[c] = math.Inf(-1)
						continue
					}
					var dot float64
					for i := 0; i < d; i++ {
						dot += float64(q.At(bi, r, h, i)) * float64(k.At(bi, c, kvh, i))
					}
					scores[c] = dot * scale
					maxVal = math.Max(maxVal, scores[c])
				}
				var sum float64
				for c := range scores {
					scores[c] = math.Exp(scores[c] - maxVal)
					sum += scores[c]
				}
				for i := 0; i < d; i++ {
					var acc float64
					for c := range scores {
						acc += scores[c] / sum * float64(v.At(bi, c, kvh, i))
					}
					out[q.Offset(bi, r, h, i)] = acc
				}
			}
		}
	}
	return out
}

func inputs(seed int64, dtype tensor.DType, b, sq, sk, hq, hkv, d int) (q, k, v *tensor.Tensor) {
	rng := rand.New(rand.NewSource(seed))
	q = tensor.Randn(rng, dtype, b, sq, hq, d)
	k = tensor.Randn(rng, dtype, b, sk, hkv, d)
	v = tensor.Randn(rng, dtype, b, sk, hkv, d)
	return q, k, v
}

func TestCausalMatchesNaiveReference(t *testing.T) {
	q, k, v := inputs(69, tensor.Float16, 2, 8, 8, 2, 1, 16)

	res, err := Compute(q, k, v, Options{Window: mask.Causal, Upcast: true})
	require.NoError(t, err)

	want := naive(q, k, v, true)
	for i, got := range res.Output.Data {
		assert.InDelta(t, want[i], float64(got), 1e-3+1e-3*math.Abs(want[i]), "index %v", res.Output.Unravel(i))
	}
}

func TestGroupedHeadsMatchNaive(t *testing.T) {
	q, k, v := inputs(7, tensor.Float32, 3, 5, 9, 9, 3, 16)
	res, err := Compute(q, k, v, Options{Window: mask.Causal, Upcast: true})
	require.NoError(t, err)
	assert.InDeltaSlice(t, naive(q, k, v, true), res.Output.Data, 1e-5)
}

func TestProbabilitiesSumToOne(t *testing.T) {
	q, k, v := inputs(1, tensor.Float32, 2, 6, 10, 4, 2, 16)
	keyPad := mask.FromLengths([]int{10, 7}, 10)

	res, err := Compute(q, k, v, Options{Window: mask.Causal, KeyPadding: keyPad, Upcast: true})
	require.NoError(t, err)
	assert.Equal(t, [4]int{2, 4, 6, 10}, res.Probs.Shape())

	for b := 0; b < 2; b++ {
		for h := 0; h < 4; h++ {
			for r := 0; r < 6; r++ {
				var sum float64
				for c := 0; c < 10; c++ {
					p := res.Probs.At(b, h, r, c)
					if b == 1 && c >= 7 {
						assert.Zero(t, p, "padded key must get zero weight")
					}
					sum += float64(p)
				}
				assert.InDelta(t, 1, sum, 1e-5)
			}
		}
	}
}

func TestFullyMaskedRowsGiveZeroOutput(t *testing.T) {
	q, k, v := inputs(2, tensor.Float32, 1, 3, 3, 2, 2, 16)
	// One valid key against three queries under window (0, 0): only row 2
	// lines up with a visible key.
	opts := Options{
		Window:       mask.Window{Left: 0, Right: 0},
		QueryPadding: mask.FromLengths([]int{3}, 3),
		KeyPadding:   mask.FromLengths([]int{1}, 3),
		Upcast:       true,
	}
	res, err := Compute(q, k, v, opts)
	require.NoError(t, err)

	for h := 0; h < 2; h++ {
		for r := 0; r < 2; r++ {
			for c := 0; c < 3; c++ {
				assert.Zero(t, res.Probs.At(0, h, r, c))
			}
			for _, x := range res.Output.Vec(0, r, h) {
				assert.Zero(t, x)
				assert.False(t, math.IsNaN(float64(x)))
			}
		}
		assert.Equal(t, float32(1), res.Probs.At(0, h, 2, 0))
	}
}

func TestPaddedQueryRowsAreZero(t *testing.T) {
	q, k, v := inputs(3, tensor.Float16, 2, 4, 4, 2, 1, 16)
	opts := Options{
		Window:       mask.Causal,
		QueryPadding: mask.FromLengths([]int{4, 2}, 4),
		KeyPadding:   mask.FromLengths([]int{4, 2}, 4),
		Upcast:       true,
	}
	res, err := Compute(q, k, v, opts)
	require.NoError(t, err)
	for r := 2; r < 4; r++ {
		for h := 0; h < 2; h++ {
			for _, x := range res.Output.Vec(1, r, h) {
				assert.Zero(t, x)
			}
		}
	}
	assert.NotZero(t, res.Output.At(1, 1, 0, 0))
}

func TestScaleOrderAndUpcastAgree(t *testing.T) {
	q, k, v := inputs(4, tensor.Float16, 2, 8, 8, 4, 2, 32)

	base, err := Compute(q, k, v, Options{Window: mask.Causal, Upcast: true})
	require.NoError(t, err)

	variants := []Options{
		{Window: mask.Causal, Upcast: true, ScaleOrder: config.ScaleKey},
		{Window: mask.Causal, Upcast: false},
		{Window: mask.Causal, Upcast: false, ScaleOrder: config.ScaleKey},
	}
	for _, opts := range variants {
		res, err := Compute(q, k, v, opts)
		require.NoError(t, err)
		assert.InDeltaSlice(t, base.Output.Data, res.Output.Data, 2e-2, "%+v", opts)
	}
}

func TestOutputRoundedToInputDType(t *testing.T) {
	q, k, v := inputs(5, tensor.BFloat16, 1, 4, 4, 2, 2, 16)
	res, err := Compute(q, k, v, Options{Window: mask.Causal, Upcast: true})
	require.NoError(t, err)
	assert.Equal(t, tensor.BFloat16, res.Output.DType())
	for _, x := range res.Output.Data {
		assert.Equal(t, tensor.BFloat16.Round(x), x)
	}
}

func TestValidationErrors(t *testing.T) {
	q, k, v := inputs(6, tensor.Float32, 1, 2, 2, 3, 2, 16)
	_, err := Compute(q, k, v, Options{Window: mask.Causal})
	var ce *config.ConfigurationError
	require.True(t, errors.As(err, &ce), "got %v", err)

	q, k, v = inputs(6, tensor.Float32, 1, 2, 2, 4, 2, 16)
	_, err = Compute(q, k, v, Options{Window: mask.Causal, Local: true})
	require.True(t, errors.As(err, &ce), "local with unbounded left, got %v", err)

	_, err = Compute(q, k, v, Options{Window: mask.Window{Left: -3, Right: 0}})
	require.True(t, errors.As(err, &ce))

	var sme *tensor.ShapeMismatchError
	short := tensor.New(tensor.Float32, 1, 3, 2, 16)
	_, err = Compute(q, k, short, Options{Window: mask.Causal})
	require.True(t, errors.As(err, &sme))

	wrongDim := tensor.New(tensor.Float32, 1, 2, 2, 8)
	_, err = Compute(q, wrongDim, wrongDim, Options{Window: mask.Causal})
	require.True(t, errors.As(err, &sme))

	_, err = Compute(q, k, v, Options{Window: mask.Causal, KeyPadding: mask.FromLengths([]int{1, 1}, 2)})
	require.True(t, errors.As(err, &sme))
}
