package parity

import (
	"math"

	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/tensor"
)

// AuditResult summarizes the finite range and non-finite counts of a tensor.
type AuditResult struct {
	Max     float32
	Min     float32
	Mean    float32
	RMS     float32
	NumNaNs int
	NumInfs int
}

func (a AuditResult) Finite() bool {
	return a.NumNaNs == 0 && a.NumInfs == 0
}

// Audit scans t for NaN/Inf values and reports them to metrics under name.
func Audit(name string, t *tensor.Tensor) AuditResult {
	audit := AuditResult{}
	if t == nil || t.Len() == 0 {
		return audit
	}

	var sum, sumSq float64
	var minVal, maxVal float32 = math.MaxFloat32, -math.MaxFloat32
	finite := 0
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) {
			audit.NumNaNs++
			continue
		}
		if math.IsInf(f, 0) {
			audit.NumInfs++
			continue
		}
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
		sum += f
		sumSq += f * f
		finite++
	}

	if finite > 0 {
		audit.Max = maxVal
		audit.Min = minVal
		audit.Mean = float32(sum / float64(finite))
		audit.RMS = float32(math.Sqrt(sumSq / float64(finite)))
	}
	metrics.RecordNumericalInstability(name, audit.NumNaNs, audit.NumInfs)
	return audit
}
