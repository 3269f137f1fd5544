// Copyright 2025 James Ross
package obs

import (
	"fmt"
	"net/http"

	"github.com/flyingrobots/queue-processor-system/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsSubmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_submitted_total",
		Help: "Total number of jobs admitted, by queue type",
	}, []string{"type"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_completed_total",
		Help: "Total number of successfully completed jobs, by queue type",
	}, []string{"type"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_failed_total",
		Help: "Total number of failed job attempts, by queue type",
	}, []string{"type"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_retried_total",
		Help: "Total number of job retries scheduled, by queue type",
	}, []string{"type"})
	JobsDead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_dead_total",
		Help: "Total number of jobs moved to the dead state, by queue type",
	}, []string{"type"})
	JobsRecovered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "jobs_recovered_total",
		Help: "Total number of stale active jobs recovered by the reaper, by queue type",
	}, []string{"type"})
	JobProcessingDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_processing_duration_seconds",
		Help:    "Handler execution duration, by queue type",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "queue_depth",
		Help: "Current number of jobs in a queue state",
	}, []string{"type", "state"})
	CircuitBreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "0 Closed, 1 HalfOpen, 2 Open, by queue type",
	}, []string{"type"})
	CircuitBreakerTrips = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Count of times a queue's circuit breaker transitioned to Open",
	}, []string{"type"})
	WorkersActive = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "workers_active",
		Help: "Number of active worker goroutines, by queue type",
	}, []string{"type"})
)

func init() {
	prometheus.MustRegister(JobsSubmitted, JobsCompleted, JobsFailed, JobsRetried, JobsDead,
		JobsRecovered, JobProcessingDuration, QueueDepth, CircuitBreakerState, CircuitBreakerTrips, WorkersActive)
}

// StartMetricsServer exposes /metrics and returns a server for controlled
// shutdown. Prefer StartHTTPServer, which also registers health endpoints.
func StartMetricsServer(cfg *config.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Observability.MetricsPort), Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
