// Package parity compares reference tensors against the output of the
// operator under test.
package parity

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// Mismatch is one element outside tolerance.
type Mismatch struct {
	Index     []int
	Reference float32
	Actual    float32
}

// Result is the outcome of comparing one tensor. Mismatches holds every
// failing element. The error statistics cover finite differences only;
// NaN or Inf disagreements show up in Mismatches instead.
type Result struct {
	Tensor        string
	AllClose      bool
	Compared      int
	MismatchCount int
	Mismatches    []Mismatch
	MeanAbsError  float64
	MaxAbsError   float64
}

// IsClose reports |a-b| <= atol + rtol*|b|, treating NaN as equal to NaN
// and infinities as equal only to the same infinity.
func IsClose(a, b float64, tol config.Tolerance) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return math.IsNaN(a) && math.IsNaN(b)
	}
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return a == b
	}
	return math.Abs(a-b) <= tol.Absolute+tol.Relative*math.Abs(b)
}

func absError(a, b float64) float64 {
	if (math.IsNaN(a) && math.IsNaN(b)) || (math.IsInf(a, 0) && a == b) {
		return 0
	}
	return math.Abs(a - b)
}

// Compare checks every element of actual against reference.
func Compare(name string, reference, actual *tensor.Tensor, tol config.Tolerance) (*Result, error) {
	return CompareMasked(name, reference, actual, tol, nil)
}

// CompareMasked checks the elements whose coordinates satisfy include; a
// nil include selects everything.
func CompareMasked(name string, reference, actual *tensor.Tensor, tol config.Tolerance, include func(idx []int) bool) (*Result, error) {
	const op = "parity.Compare"
	if reference == nil || actual == nil {
		return nil, tensor.Mismatch(op, "%s: reference and actual are required", name)
	}
	if reference.Shape() != actual.Shape() {
		return nil, &tensor.ShapeMismatchError{Op: op, Msg: name, Want: reference.Dims(), Got: actual.Dims()}
	}
	if err := tol.Validate(); err != nil {
		return nil, err
	}

	res := &Result{Tensor: name, AllClose: true}
	diffs := make([]float64, 0, reference.Len())
	for i := range reference.Data {
		var idx []int
		if include != nil {
			idx = reference.Unravel(i)
			if !include(idx) {
				continue
			}
		}
		ref, got := float64(reference.Data[i]), float64(actual.Data[i])
		res.Compared++
		if d := absError(got, ref); !math.IsNaN(d) && !math.IsInf(d, 0) {
			diffs = append(diffs, d)
		}
		if IsClose(got, ref, tol) {
			continue
		}
		res.AllClose = false
		res.MismatchCount++
		if idx == nil {
			idx = reference.Unravel(i)
		}
		res.Mismatches = append(res.Mismatches, Mismatch{Index: idx, Reference: float32(ref), Actual: float32(got)})
	}

	if len(diffs) > 0 {
		res.MeanAbsError = stat.Mean(diffs, nil)
		res.MaxAbsError = floats.Max(diffs)
	}
	metrics.RecordParity(name, res.MismatchCount, res.MeanAbsError, res.MaxAbsError)
	return res, nil
}
