// Package monitoring serves health, status and metrics endpoints for the parity server.
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-parity/internal/logger"
	"github.com/23skdu/longbow-parity/internal/metrics"
	"github.com/23skdu/longbow-parity/internal/operator"
)

const (
	maxHistory = 1000
	maxAlerts  = 100

	// consecutive operator failures before the server reports critical
	criticalStreak = 5
	slowRequest    = 5 * time.Second
)

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status    string        `json:"status"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    time.Duration `json:"uptime"`
	System    SystemInfo    `json:"system"`
	Operator  OperatorInfo  `json:"operator"`
	Alerts    []Alert       `json:"alerts"`
}

// SystemInfo contains process-level information.
type SystemInfo struct {
	GoVersion     string `json:"go_version"`
	OS            string `json:"os"`
	Arch          string `json:"arch"`
	NumCPU        int    `json:"num_cpu"`
	MemoryMB      int    `json:"memory_mb"`
	MemoryUsedMB  int    `json:"memory_used_mb"`
	TensorBytes   int64  `json:"tensor_bytes"`
	NumGoroutines int    `json:"num_goroutines"`
}

// OperatorInfo summarizes the served operator's recent requests.
type OperatorInfo struct {
	Name         string    `json:"name"`
	Requests     int       `json:"requests"`
	Failures     int       `json:"failures"`
	ErrorRate    float64   `json:"error_rate"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	P95LatencyMs float64   `json:"p95_latency_ms"`
	LastRequest  time.Time `json:"last_request"`
}

// Alert represents a server alert.
type Alert struct {
	Level      string     `json:"level"` // warning, error, critical
	Component  string     `json:"component"`
	Message    string     `json:"message"`
	Timestamp  time.Time  `json:"timestamp"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type requestPoint struct {
	duration time.Duration
	failed   bool
}

// HealthMonitor tracks the health of a served operator.
type HealthMonitor struct {
	startTime   time.Time
	operator    string
	server      *http.Server
	stopped     bool
	mu          sync.RWMutex
	alerts      []Alert
	history     []requestPoint
	lastRequest time.Time
	streak      int
}

func NewHealthMonitor(operatorName string) *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		operator:  operatorName,
	}
}

// Handler serves /health, /healthz, /status, /metrics and the alert admin endpoints.
func (hm *HealthMonitor) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/admin/alerts", hm.handleAlerts)
	mux.HandleFunc("/admin/clear-alerts", hm.handleClearAlerts)
	return mux
}

// Start serves Handler on addr until Stop. It returns
// http.ErrServerClosed once stopped.
func (hm *HealthMonitor) Start(addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      hm.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	hm.mu.Lock()
	if hm.stopped {
		hm.mu.Unlock()
		return http.ErrServerClosed
	}
	hm.server = srv
	hm.mu.Unlock()

	logger.Log.Info("health monitor starting", "addr", addr)
	return srv.ListenAndServe()
}

func (hm *HealthMonitor) Stop(ctx context.Context) error {
	hm.mu.Lock()
	hm.stopped = true
	srv := hm.server
	hm.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// RecordRequest records one operator call.
func (hm *HealthMonitor) RecordRequest(duration time.Duration, err error) {
	hm.mu.Lock()
	hm.lastRequest = time.Now()
	hm.history = append(hm.history, requestPoint{duration: duration, failed: err != nil})
	if len(hm.history) > maxHistory {
		hm.history = hm.history[1:]
	}
	if err != nil {
		hm.streak++
	} else {
		hm.streak = 0
	}
	streak := hm.streak
	hm.mu.Unlock()

	switch {
	case err != nil && streak == criticalStreak:
		hm.AddAlert("critical", "operator", fmt.Sprintf("%d consecutive failures, last: %v", streak, err))
	case err != nil:
		hm.AddAlert("error", "operator", err.Error())
	case duration > slowRequest:
		hm.AddAlert("warning", "operator", fmt.Sprintf("slow request: %s", duration))
	}
}

func (hm *HealthMonitor) AddAlert(level, component, message string) {
	hm.mu.Lock()
	hm.alerts = append(hm.alerts, Alert{
		Level:     level,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	})
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[1:]
	}
	hm.mu.Unlock()

	logger.Log.Warn("alert raised", "level", level, "component", component, "message", message)
}

// ResolveAlert marks the alert at index resolved.
func (hm *HealthMonitor) ResolveAlert(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if index >= 0 && index < len(hm.alerts) {
		now := time.Now()
		hm.alerts[index].Resolved = true
		hm.alerts[index].ResolvedAt = &now
	}
}

// Status computes the current health.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Resolved {
			continue
		}
		if a.Level == "critical" {
			status = "critical"
			break
		}
		if a.Level == "error" {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime),
		System:    systemInfo(),
		Operator:  hm.operatorInfo(),
		Alerts:    append([]Alert(nil), hm.alerts...),
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:     runtime.Version(),
		OS:            runtime.GOOS,
		Arch:          runtime.GOARCH,
		NumCPU:        runtime.NumCPU(),
		MemoryMB:      int(m.Sys / 1024 / 1024),
		MemoryUsedMB:  int(m.Alloc / 1024 / 1024),
		TensorBytes:   metrics.TensorBytes(),
		NumGoroutines: runtime.NumGoroutine(),
	}
}

// operatorInfo must be called with hm.mu held.
func (hm *HealthMonitor) operatorInfo() OperatorInfo {
	info := OperatorInfo{Name: hm.operator, Requests: len(hm.history), LastRequest: hm.lastRequest}
	if len(hm.history) == 0 {
		return info
	}
	latencies := make([]float64, len(hm.history))
	for i, p := range hm.history {
		latencies[i] = float64(p.duration.Nanoseconds()) / 1e6
		if p.failed {
			info.Failures++
		}
	}
	sort.Float64s(latencies)
	info.AvgLatencyMs = stat.Mean(latencies, nil)
	info.P95LatencyMs = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	info.ErrorRate = float64(info.Failures) / float64(len(hm.history))
	return info
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()
	w.Header().Set("Content-Type", "application/json")
	if status.Status == "healthy" {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

func (hm *HealthMonitor) handleAlerts(w http.ResponseWriter, r *http.Request) {
	hm.mu.RLock()
	alerts := append([]Alert(nil), hm.alerts...)
	hm.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alerts)
}

func (hm *HealthMonitor) handleClearAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hm.mu.Lock()
	hm.alerts = hm.alerts[:0]
	hm.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"message": "alerts cleared"})
}

// observed times every call of an operator into a HealthMonitor.
type observed struct {
	operator.Operator
	hm *HealthMonitor
}

// Observe wraps op so each Run is recorded by hm.
func (hm *HealthMonitor) Observe(op operator.Operator) operator.Operator {
	return &observed{Operator: op, hm: hm}
}

func (o *observed) Run(ctx context.Context, req *operator.Request) (*operator.Response, error) {
	start := time.Now()
	resp, err := o.Operator.Run(ctx, req)
	o.hm.RecordRequest(time.Since(start), err)
	return resp, err
}
