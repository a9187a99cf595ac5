package parity

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

var tol = config.Tolerance{Relative: 1e-3, Absolute: 1e-3}

func filled(vals ...float32) *tensor.Tensor {
	t, err := tensor.FromData(tensor.Float32, [4]int{1, 1, 1, len(vals)}, vals)
	if err != nil {
		panic(err)
	}
	return t
}

func TestIsClose(t *testing.T) {
	nan, inf := math.NaN(), math.Inf(1)
	tests := []struct {
		name string
		a, b float64
		want bool
	}{
		{"equal", 1, 1, true},
		{"within atol", 0, 9e-4, true},
		{"within rtol", 100.09, 100, true},
		{"outside", 0, 3e-3, false},
		{"nan equals nan", nan, nan, true},
		{"nan vs number", nan, 0, false},
		{"number vs nan", 0, nan, false},
		{"same inf", inf, inf, true},
		{"opposite inf", inf, -inf, false},
		{"inf vs large", inf, 1e30, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsClose(tt.a, tt.b, tol))
		})
	}
}

func TestCompareIdentical(t *testing.T) {
	a := filled(1, 2, float32(math.NaN()), 4)
	res, err := Compare("output", a, a.Clone(), tol)
	require.NoError(t, err)
	assert.True(t, res.AllClose)
	assert.Equal(t, 4, res.Compared)
	assert.Zero(t, res.MismatchCount)
	assert.Zero(t, res.MeanAbsError)
}

func TestCompareReportsMismatches(t *testing.T) {
	ref := filled(1, 2, 3, 4)
	got := filled(1, 2.5, 3, 3)

	res, err := Compare("output", ref, got, tol)
	require.NoError(t, err)
	assert.False(t, res.AllClose)
	assert.Equal(t, 2, res.MismatchCount)
	require.Len(t, res.Mismatches, 2)
	assert.Equal(t, []int{0, 0, 0, 1}, res.Mismatches[0].Index)
	assert.Equal(t, float32(2), res.Mismatches[0].Reference)
	assert.Equal(t, float32(2.5), res.Mismatches[0].Actual)
	assert.InDelta(t, 0.375, res.MeanAbsError, 1e-9)
	assert.InDelta(t, 1, res.MaxAbsError, 1e-9)
}

func TestCompareKeepsEveryMismatch(t *testing.T) {
	ref := tensor.New(tensor.Float32, 1, 2, 2, 25)
	got := ref.Clone()
	for i := range got.Data {
		got.Data[i] = 1
	}
	res, err := Compare("present_k", ref, got, tol)
	require.NoError(t, err)
	assert.Equal(t, 100, res.MismatchCount)
	require.Len(t, res.Mismatches, res.MismatchCount)
	assert.Equal(t, []int{0, 1, 1, 24}, res.Mismatches[99].Index)
	assert.Len(t, res.Rows("case"), 100)
}

func TestCompareErrorStatsSkipNonFinite(t *testing.T) {
	ref := filled(1, 2, 3, 4)
	got := filled(1, float32(math.NaN()), 3.5, float32(math.Inf(1)))

	res, err := Compare("output", ref, got, tol)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Compared)
	assert.Equal(t, 3, res.MismatchCount)
	assert.Len(t, res.Mismatches, 3)
	assert.InDelta(t, 0.25, res.MeanAbsError, 1e-9)
	assert.InDelta(t, 0.5, res.MaxAbsError, 1e-9)
}

func TestCompareMaskedSkipsExcluded(t *testing.T) {
	ref := filled(1, 2, 3, 4)
	got := filled(1, 2, 99, 99)

	res, err := CompareMasked("present_v", ref, got, tol, func(idx []int) bool { return idx[3] < 2 })
	require.NoError(t, err)
	assert.True(t, res.AllClose)
	assert.Equal(t, 2, res.Compared)
}

func TestCompareShapeMismatch(t *testing.T) {
	_, err := Compare("output", filled(1, 2), filled(1, 2, 3), tol)
	var sme *tensor.ShapeMismatchError
	require.True(t, errors.As(err, &sme))

	_, err = Compare("output", nil, filled(1), tol)
	assert.Error(t, err)

	_, err = Compare("output", filled(1), filled(1), config.Tolerance{Relative: -1})
	var ce *config.ConfigurationError
	assert.True(t, errors.As(err, &ce))
}

func TestAudit(t *testing.T) {
	x := filled(1, -3, float32(math.NaN()), float32(math.Inf(-1)), 2)
	a := Audit("output", x)
	assert.Equal(t, 1, a.NumNaNs)
	assert.Equal(t, 1, a.NumInfs)
	assert.False(t, a.Finite())
	assert.Equal(t, float32(2), a.Max)
	assert.Equal(t, float32(-3), a.Min)
	assert.InDelta(t, 0, a.Mean, 1e-6)

	assert.True(t, Audit("empty", nil).Finite())
}

func TestReportRoundTrip(t *testing.T) {
	res := &Result{
		Tensor: "output",
		Mismatches: []Mismatch{
			{Index: []int{0, 1, 2, 3}, Reference: 1.5, Actual: 2},
			{Index: []int{1, 0, 0, 7}, Reference: -1, Actual: float32(math.Inf(1))},
		},
	}
	rows := res.Rows("decode-shared")

	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, rows))

	back, err := ReadReport(&buf)
	require.NoError(t, err)
	assert.Equal(t, rows, back)
}

func TestReportEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteReport(&buf, nil))
	back, err := ReadReport(&buf)
	require.NoError(t, err)
	assert.Empty(t, back)
}
