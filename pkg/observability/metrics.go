// Package observability provides Prometheus metrics and HTTP middleware
// for the pysandbox runner and sandbox server.
package observability

import "github.com/prometheus/client_golang/prometheus"

// ExecutionBuckets defines histogram buckets for code execution latencies,
// ranging from 10ms to 300s (the maximum sandbox timeout).
var ExecutionBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

var (
	// ExecutionsTotal counts executor results by backend and outcome
	// (success, semantic_error, sandbox_error, validation_error, internal_error).
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pysandbox_executions_total",
			Help: "Total executions",
		},
		[]string{"backend", "outcome"},
	)

	// ExecutionDuration records end-to-end execution time in seconds.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pysandbox_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"backend"},
	)

	// SandboxRunsTotal counts backend Run calls by outcome (ok, failed, error).
	SandboxRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pysandbox_sandbox_runs_total",
			Help: "Sandbox runs",
		},
		[]string{"backend", "outcome"},
	)

	// SandboxRunLatency records backend Run latency in seconds.
	SandboxRunLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pysandbox_sandbox_run_latency_seconds",
			Help:    "Sandbox run latency",
			Buckets: ExecutionBuckets,
		},
		[]string{"backend"},
	)

	// ServerRequestsTotal counts sandbox server HTTP requests by method,
	// path and status class.
	ServerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pysandbox_server_requests_total",
			Help: "Total sandbox server requests",
		},
		[]string{"method", "path", "status"},
	)

	// ServerRequestDuration records sandbox server request duration in seconds.
	ServerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pysandbox_server_request_duration_seconds",
			Help:    "Sandbox server request duration",
			Buckets: ExecutionBuckets,
		},
		[]string{"method", "path"},
	)

	// ServerInflight tracks requests currently being served.
	ServerInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "pysandbox_server_inflight_requests",
			Help: "In-flight sandbox server requests",
		},
	)

	// ServerRejectedTotal counts requests rejected for capacity or auth.
	ServerRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pysandbox_server_rejected_total",
			Help: "Rejected sandbox server requests",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(
		ExecutionsTotal,
		ExecutionDuration,
		SandboxRunsTotal,
		SandboxRunLatency,
		ServerRequestsTotal,
		ServerRequestDuration,
		ServerInflight,
		ServerRejectedTotal,
	)
}
