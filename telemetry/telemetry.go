// Package telemetry exposes Prometheus metrics, newline-delimited JSON
// audit logging, and component health aggregation, per spec §6.
package telemetry

import (
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters/histograms/gauges the validation pipeline
// reports per stage, per spec §2's "metrics/audit emission" row.
type Metrics struct {
	StageDuration   *prometheus.HistogramVec
	StageTotal      *prometheus.CounterVec
	ValidationsTot  *prometheus.CounterVec
	RateLimitDenied *prometheus.CounterVec
	BreakerState    *prometheus.GaugeVec
	CacheHits       *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics against reg. Pass
// prometheus.NewRegistry() for isolated tests, or
// prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "emailv",
			Name:      "stage_duration_seconds",
			Help:      "Duration of each validation pipeline stage.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		StageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emailv",
			Name:      "stage_total",
			Help:      "Count of validation pipeline stage executions by outcome.",
		}, []string{"stage", "outcome"}),
		ValidationsTot: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emailv",
			Name:      "validations_total",
			Help:      "Completed validations by final status.",
		}, []string{"status"}),
		RateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emailv",
			Name:      "rate_limit_exceeded_total",
			Help:      "Requests denied by the rate limiter, by tier.",
		}, []string{"tier"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "emailv",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint (0=closed,1=half_open,2=open).",
		}, []string{"endpoint"}),
		CacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "emailv",
			Name:      "cache_hits_total",
			Help:      "Cache hit/miss counts by cache name.",
		}, []string{"cache", "result"}),
	}

	reg.MustRegister(m.StageDuration, m.StageTotal, m.ValidationsTot, m.RateLimitDenied, m.BreakerState, m.CacheHits)
	return m
}

// ObserveStage records a stage's duration and outcome.
func (m *Metrics) ObserveStage(stage, outcome string, d time.Duration) {
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
	m.StageTotal.WithLabelValues(stage, outcome).Inc()
}

// EventType enumerates audit log event kinds, per spec §6.
type EventType string

const (
	EventAuthSuccess EventType = "authentication_success"
	EventAuthFailure EventType = "authentication_failure"
	EventRateLimited EventType = "rate_limit_exceeded"
	EventIPBlocked   EventType = "ip_blocked"
	EventValidation  EventType = "validation"
)

// AuditEntry is one newline-delimited JSON audit record.
type AuditEntry struct {
	Timestamp     time.Time      `json:"timestamp"`
	EventType     EventType      `json:"event_type"`
	ClientIP      string         `json:"client_ip"`
	APIKey        string         `json:"api_key,omitempty"`
	RequestPath   string         `json:"request_path,omitempty"`
	RequestMethod string         `json:"request_method,omitempty"`
	StatusCode    int            `json:"status_code,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// AuditLog writes one JSON object per line to an underlying writer, safe
// for concurrent use.
type AuditLog struct {
	mu sync.Mutex
	w  io.Writer
}

// NewAuditLog wraps w (e.g. an opened file or os.Stdout).
func NewAuditLog(w io.Writer) *AuditLog {
	return &AuditLog{w: w}
}

// Emit appends entry as one line of JSON. Marshal failures are swallowed;
// audit logging must never fail the request it's describing.
func (a *AuditLog) Emit(entry AuditEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return
	}
	line = append(line, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	_, _ = a.w.Write(line)
}

// ComponentStatus is the health of one dependency.
type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

// Health aggregates component statuses for a readiness endpoint.
type Health struct {
	mu         sync.Mutex
	components map[string]ComponentStatus
}

// NewHealth constructs an empty Health aggregator.
func NewHealth() *Health {
	return &Health{components: make(map[string]ComponentStatus)}
}

// Set records the current status of a named component (e.g. "dns",
// "smtp", "redis").
func (h *Health) Set(component string, status ComponentStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.components[component] = status
}

// Snapshot returns a copy of every component's last-recorded status plus
// the overall status: unhealthy if any component is unhealthy, degraded
// if any is degraded, healthy otherwise.
func (h *Health) Snapshot() (overall ComponentStatus, components map[string]ComponentStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	components = make(map[string]ComponentStatus, len(h.components))
	overall = StatusHealthy
	for name, status := range h.components {
		components[name] = status
		switch status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall, components
}
