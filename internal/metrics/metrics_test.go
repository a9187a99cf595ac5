package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordScenarioOutcomes(t *testing.T) {
	before := testutil.ToFloat64(ScenariosTotal.WithLabelValues("decode", "shared", "fail"))

	RecordScenario("decode", "shared", false, 10*time.Millisecond)
	RecordScenario("decode", "shared", true, 5*time.Millisecond)

	after := testutil.ToFloat64(ScenariosTotal.WithLabelValues("decode", "shared", "fail"))
	if after-before != 1 {
		t.Errorf("expected one failing scenario, got %v", after-before)
	}
}

func TestRecordOperatorCountsErrors(t *testing.T) {
	before := testutil.ToFloat64(OperatorErrors.WithLabelValues("flight"))

	RecordOperator("flight", time.Millisecond, nil)
	RecordOperator("flight", time.Millisecond, errors.New("unavailable"))

	after := testutil.ToFloat64(OperatorErrors.WithLabelValues("flight"))
	if after-before != 1 {
		t.Errorf("expected one operator error, got %v", after-before)
	}
}

func TestRecordParity(t *testing.T) {
	before := testutil.ToFloat64(ParityMismatches.WithLabelValues("present_k"))

	RecordParity("present_k", 0, 0, 0)
	RecordParity("present_k", 3, 1e-2, 0.5)

	after := testutil.ToFloat64(ParityMismatches.WithLabelValues("present_k"))
	if after-before != 3 {
		t.Errorf("expected 3 mismatches recorded, got %v", after-before)
	}
}

func TestRecordNumericalInstability(t *testing.T) {
	RecordNumericalInstability("output", 5, 0)
	RecordNumericalInstability("output", 0, 3)

	if got := testutil.ToFloat64(NumericalInstability.WithLabelValues("output", "inf")); got < 3 {
		t.Errorf("expected at least 3 infs, got %v", got)
	}
}

func TestRecordTensorAlloc(t *testing.T) {
	start := TensorBytes()
	RecordTensorAlloc(1024)
	RecordTensorAlloc(-256)
	if got := TensorBytes() - start; got != 768 {
		t.Errorf("expected 768 live bytes, got %d", got)
	}
}

func TestRecordHelpersDoNotPanic(t *testing.T) {
	RecordScenarioError("prompt", "growing")
	RecordValidationError("attention", "configuration")
	RecordKVCacheUpdate("shared", []int{1, 1, 4})
	RecordKVCacheOutOfBounds()
	RecordGQARatio(32, 8)
	RecordGQARatio(4, 0)
	RecordSoftmaxRow(12, false)
	RecordSoftmaxRow(16, true)
	RecordRotary("interleaved")
	RecordFlightRequest("server", nil)
	RecordFlightRequest("client", errors.New("boom"))
}
