package metrics

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tensorBytes atomic.Int64

var (
	ScenariosTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parity_scenarios_total",
		Help: "Scenarios evaluated, by phase, buffer mode and outcome",
	}, []string{"phase", "buffer", "result"})

	ScenarioDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parity_scenario_duration_seconds",
		Help:    "Wall time of a full scenario (inputs, reference, operator, compare)",
		Buckets: prometheus.DefBuckets,
	}, []string{"phase"})

	OperatorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parity_operator_duration_seconds",
		Help:    "Latency of the operator under test",
		Buckets: prometheus.DefBuckets,
	}, []string{"operator"})

	OperatorErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parity_operator_errors_total",
		Help: "Operator invocations that returned an error",
	}, []string{"operator"})

	ParityMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parity_mismatched_elements_total",
		Help: "Elements outside tolerance, by compared tensor",
	}, []string{"tensor"})

	ParityMeanAbsError = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parity_mean_abs_error",
		Help:    "Mean absolute error between reference and operator",
		Buckets: []float64{0, 1e-6, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1},
	}, []string{"tensor"})

	ParityMaxAbsError = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parity_max_abs_error",
		Help:    "Maximum absolute error between reference and operator",
		Buckets: []float64{0, 1e-5, 1e-4, 1e-3, 1e-2, 1e-1, 1, 10},
	}, []string{"tensor"})

	NumericalInstability = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "numerical_instability_total",
		Help: "Total number of NaN/Inf values detected",
	}, []string{"tensor", "type"})

	ValidationErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_errors_total",
		Help: "Total number of validation errors",
	}, []string{"operation", "error_type"})

	KVCacheUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kv_cache_updates_total",
		Help: "Simulated cache updates, by buffer mode",
	}, []string{"mode"})

	KVCacheWrittenSlots = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "kv_cache_written_slots",
		Help:    "Sequence slots written per batch row in one update",
		Buckets: []float64{0, 1, 8, 32, 128, 512, 1024, 2048, 4096},
	})

	KVCacheOutOfBounds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kv_cache_oob_total",
		Help: "Count of KV cache out-of-bounds writes rejected",
	})

	TensorBytesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tensor_bytes_allocated",
		Help: "Bytes currently held by reference tensors",
	})

	BufferGQARatio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "buffer_gqa_ratio",
		Help:    "GQA ratio (heads / kv_heads)",
		Buckets: []float64{1, 2, 4, 8, 16, 32},
	})

	SoftmaxFullyMaskedRows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "softmax_fully_masked_rows_total",
		Help: "Attention rows with every key excluded",
	})

	SoftmaxMaskedCount = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "softmax_masked_count",
		Help:    "Number of masked positions per attention row",
		Buckets: []float64{0, 10, 100, 500, 1000, 2000, 4000, 8000},
	})

	RotaryApplications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rotary_applications_total",
		Help: "Rotary embeddings applied, by pairing mode",
	}, []string{"mode"})

	FlightRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "flight_requests_total",
		Help: "Arrow Flight operator requests, by side and status",
	}, []string{"side", "status"})
)

func RecordScenario(phase, buffer string, allClose bool, duration time.Duration) {
	result := "pass"
	if !allClose {
		result = "fail"
	}
	ScenariosTotal.WithLabelValues(phase, buffer, result).Inc()
	ScenarioDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// RecordScenarioError counts a scenario that aborted before comparison.
func RecordScenarioError(phase, buffer string) {
	ScenariosTotal.WithLabelValues(phase, buffer, "error").Inc()
}

func RecordOperator(name string, duration time.Duration, err error) {
	OperatorDuration.WithLabelValues(name).Observe(duration.Seconds())
	if err != nil {
		OperatorErrors.WithLabelValues(name).Inc()
	}
}

func RecordParity(tensor string, mismatches int, meanAbs, maxAbs float64) {
	if mismatches > 0 {
		ParityMismatches.WithLabelValues(tensor).Add(float64(mismatches))
	}
	ParityMeanAbsError.WithLabelValues(tensor).Observe(meanAbs)
	ParityMaxAbsError.WithLabelValues(tensor).Observe(maxAbs)
}

// RecordNumericalInstability records NaN/Inf occurrences for a tensor
func RecordNumericalInstability(tensorName string, nanCount, infCount int) {
	if nanCount > 0 {
		NumericalInstability.WithLabelValues(tensorName, "nan").Add(float64(nanCount))
	}
	if infCount > 0 {
		NumericalInstability.WithLabelValues(tensorName, "inf").Add(float64(infCount))
	}
}

func RecordValidationError(operation, errorType string) {
	ValidationErrors.WithLabelValues(operation, errorType).Inc()
}

func RecordKVCacheUpdate(mode string, written []int) {
	KVCacheUpdates.WithLabelValues(mode).Inc()
	for _, n := range written {
		KVCacheWrittenSlots.Observe(float64(n))
	}
}

func RecordKVCacheOutOfBounds() {
	KVCacheOutOfBounds.Inc()
}

// RecordTensorAlloc adjusts the live tensor byte gauge by delta.
func RecordTensorAlloc(delta int64) {
	TensorBytesAllocated.Set(float64(tensorBytes.Add(delta)))
}

// TensorBytes returns the running total tracked by RecordTensorAlloc.
func TensorBytes() int64 {
	return tensorBytes.Load()
}

func RecordGQARatio(queryHeads, kvHeads int) {
	if kvHeads > 0 {
		BufferGQARatio.Observe(float64(queryHeads) / float64(kvHeads))
	}
}

func RecordSoftmaxRow(masked int, fullyMasked bool) {
	SoftmaxMaskedCount.Observe(float64(masked))
	if fullyMasked {
		SoftmaxFullyMaskedRows.Inc()
	}
}

func RecordRotary(mode string) {
	RotaryApplications.WithLabelValues(mode).Inc()
}

func RecordFlightRequest(side string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	FlightRequests.WithLabelValues(side, status).Inc()
}
