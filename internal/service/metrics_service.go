package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
// Every method is safe on a nil receiver so components can run without metrics.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	llmCalls        *prometheus.CounterVec
	jobsProcessed   *prometheus.CounterVec
	staleSwept      prometheus.Counter
	smsSent         *prometheus.CounterVec

	requestCount         uint64
	requestDurationTotal uint64
	stageRuns            uint64
	stageFailures        uint64
	jobsDead             uint64
	staleCount           uint64
}

// MetricsSnapshot is a point-in-time summary for the admin overview.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	StageRuns                uint64    `json:"stage_runs"`
	StageFailures            uint64    `json:"stage_failures"`
	DeadJobs                 uint64    `json:"dead_jobs"`
	StaleSessionsSwept       uint64    `json:"stale_sessions_swept"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pipeline_stage_duration_seconds",
		Help:    "Duration of pipeline stage runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
	}, []string{"stage", "outcome"})

	llmCalls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_calls_total",
		Help: "Language model call attempts",
	}, []string{"provider", "feature", "outcome"})

	jobsProcessed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_processed_total",
		Help: "Queue job runs by outcome",
	}, []string{"lane", "type", "outcome"})

	staleSwept := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stale_sessions_swept_total",
		Help: "Sessions failed by the stale sweeper",
	})

	smsSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "sms_messages_sent_total",
		Help: "Invitation SMS by vendor outcome",
	}, []string{"outcome"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, stageDuration, llmCalls, jobsProcessed, staleSwept, smsSent, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		stageDuration:   stageDuration,
		llmCalls:        llmCalls,
		jobsProcessed:   jobsProcessed,
		staleSwept:      staleSwept,
		smsSent:         smsSent,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// ObserveStage records one stage run.
func (m *MetricsService) ObserveStage(stage, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, outcome).Observe(duration.Seconds())
	atomic.AddUint64(&m.stageRuns, 1)
	if outcome == string(StageFailed) {
		atomic.AddUint64(&m.stageFailures, 1)
	}
}

// ObserveLLMCall counts one model call attempt.
func (m *MetricsService) ObserveLLMCall(provider, feature, outcome string) {
	if m == nil {
		return
	}
	m.llmCalls.WithLabelValues(provider, feature, outcome).Inc()
}

// ObserveJob counts one queue job run.
func (m *MetricsService) ObserveJob(lane, jobType, outcome string) {
	if m == nil {
		return
	}
	m.jobsProcessed.WithLabelValues(lane, jobType, outcome).Inc()
	if outcome == "dead" {
		atomic.AddUint64(&m.jobsDead, 1)
	}
}

// ObserveStaleSweep adds swept sessions.
func (m *MetricsService) ObserveStaleSweep(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.staleSwept.Add(float64(count))
	atomic.AddUint64(&m.staleCount, uint64(count))
}

// ObserveSMS counts vendor outcomes for invitation messages.
func (m *MetricsService) ObserveSMS(accepted, failed int) {
	if m == nil {
		return
	}
	if accepted > 0 {
		m.smsSent.WithLabelValues("accepted").Add(float64(accepted))
	}
	if failed > 0 {
		m.smsSent.WithLabelValues("failed").Add(float64(failed))
	}
}

// Snapshot returns aggregated metrics suitable for the admin overview.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		StageRuns:                atomic.LoadUint64(&m.stageRuns),
		StageFailures:            atomic.LoadUint64(&m.stageFailures),
		DeadJobs:                 atomic.LoadUint64(&m.jobsDead),
		StaleSessionsSwept:       atomic.LoadUint64(&m.staleCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
