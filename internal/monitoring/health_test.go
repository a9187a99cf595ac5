package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/longbow-parity/internal/config"
	"github.com/23skdu/longbow-parity/internal/operator"
	"github.com/23skdu/longbow-parity/internal/scenario"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthyByDefault(t *testing.T) {
	hm := NewHealthMonitor("reference")
	rec := get(t, hm.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestFailuresDegradeThenGoCritical(t *testing.T) {
	hm := NewHealthMonitor("flaky")
	hm.RecordRequest(time.Millisecond, nil)
	hm.RecordRequest(time.Millisecond, errors.New("boom"))
	assert.Equal(t, "degraded", hm.Status().Status)
	assert.Equal(t, http.StatusServiceUnavailable, get(t, hm.Handler(), "/health").Code)

	for i := 0; i < criticalStreak-1; i++ {
		hm.RecordRequest(time.Millisecond, errors.New("boom"))
	}
	st := hm.Status()
	assert.Equal(t, "critical", st.Status)
	assert.Equal(t, 1+criticalStreak, st.Operator.Requests)
	assert.Equal(t, criticalStreak, st.Operator.Failures)
	assert.InDelta(t, float64(criticalStreak)/float64(1+criticalStreak), st.Operator.ErrorRate, 1e-9)
}

func TestSlowRequestWarnsOnly(t *testing.T) {
	hm := NewHealthMonitor("slow")
	hm.RecordRequest(2*slowRequest, nil)
	st := hm.Status()
	assert.Equal(t, "healthy", st.Status)
	require.Len(t, st.Alerts, 1)
	assert.Equal(t, "warning", st.Alerts[0].Level)
}

func TestResolveAndClearAlerts(t *testing.T) {
	hm := NewHealthMonitor("op")
	hm.AddAlert("error", "operator", "x")
	hm.ResolveAlert(0)
	assert.Equal(t, "healthy", hm.Status().Status)

	h := hm.Handler()
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, h, "/admin/clear-alerts").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/clear-alerts", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var alerts []Alert
	require.NoError(t, json.Unmarshal(get(t, h, "/admin/alerts").Body.Bytes(), &alerts))
	assert.Empty(t, alerts)
}

func TestStatusAndMetricsEndpoints(t *testing.T) {
	hm := NewHealthMonitor("reference")
	for i := 0; i < 20; i++ {
		hm.RecordRequest(time.Duration(i+1)*time.Millisecond, nil)
	}
	h := hm.Handler()

	var st HealthStatus
	require.NoError(t, json.Unmarshal(get(t, h, "/status").Body.Bytes(), &st))
	assert.Equal(t, "reference", st.Operator.Name)
	assert.InDelta(t, 10.5, st.Operator.AvgLatencyMs, 1e-6)
	assert.GreaterOrEqual(t, st.Operator.P95LatencyMs, 18.0)
	assert.LessOrEqual(t, st.Operator.P95LatencyMs, 20.0)

	rec := get(t, h, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestObserveRecordsOperatorCalls(t *testing.T) {
	hm := NewHealthMonitor("reference")
	op := hm.Observe(operator.NewReference())
	assert.Equal(t, "reference", op.Name())

	req, err := scenario.Generate(config.Default())
	require.NoError(t, err)
	_, err = op.Run(context.Background(), req)
	require.NoError(t, err)

	bad, err := scenario.Generate(config.Default())
	require.NoError(t, err)
	bad.PastSeqLens = []int{20, 0}
	_, err = op.Run(context.Background(), bad)
	require.Error(t, err)

	st := hm.Status()
	assert.Equal(t, 2, st.Operator.Requests)
	assert.Equal(t, 1, st.Operator.Failures)
	assert.Equal(t, "degraded", st.Status)
}

func TestStopBeforeStart(t *testing.T) {
	hm := NewHealthMonitor("reference")
	require.NoError(t, hm.Stop(context.Background()))
	assert.ErrorIs(t, hm.Start("localhost:0"), http.ErrServerClosed)
}
