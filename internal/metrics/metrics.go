package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskgate"

var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests by method, path, and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "calls_total",
		Help:      "Capability calls by assessed action.",
	}, []string{"action"})

	CallOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "call_outcomes_total",
		Help:      "Capability calls by terminal status.",
	}, []string{"status"})

	RiskLevel = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "risk_level",
		Help:      "Computed numeric risk level per assessed call.",
		Buckets:   []float64{0.5, 1, 1.5, 2, 2.5, 3, 4, 5, 6, 8, 10},
	})

	DetectorIndicatorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "detector_indicators_total",
		Help:      "Detector indicators raised by detector and indicator code.",
	}, []string{"detector", "indicator"})

	IntegrityViolationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "integrity_violations_total",
		Help:      "Integrity check failures by reason.",
	}, []string{"reason"})

	ApprovalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "approvals_total",
		Help:      "Resolved approval requests by status (approved, rejected, expired).",
	}, []string{"status"})

	PendingApprovals = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_approvals",
		Help:      "Approval requests currently awaiting decisions.",
	})

	AuditAppendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_appends_total",
		Help:      "Audit events appended by event type.",
	}, []string{"type"})

	AuditAppendRetriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_append_retries_total",
		Help:      "Audit appends retried after the chain tip moved.",
	})

	PolicyDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "policy_decisions_total",
		Help:      "Bypass policy decisions by policy and decision.",
	}, []string{"policy", "decision"})

	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "executions_total",
		Help:      "Executor invocations by capability and outcome.",
	}, []string{"capability", "outcome"})

	ExecutorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "executor_duration_seconds",
		Help:      "Executor latency in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"capability"})

	WorkflowExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_executions_total",
		Help:      "Total workflow executions by workflow type and outcome.",
	}, []string{"workflow", "outcome"})
)

// Handler returns an http.Handler that serves the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware wraps an http.Handler to record request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start).Seconds()

		path := normalizePath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// idResources are the collections whose third path segment is an id.
var idResources = map[string]bool{"calls": true, "approvals": true, "manifests": true}

// normalizePath buckets URL paths to keep label cardinality bounded. An id
// segment becomes ":id" and a trailing verb such as "/cancel" is kept.
func normalizePath(p string) string {
	if p == "" || p == "/" {
		return "/"
	}
	parts := strings.Split(strings.TrimPrefix(p, "/"), "/")
	if len(parts) > 2 && idResources[parts[1]] {
		parts[2] = ":id"
	}
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return "/" + strings.Join(parts, "/")
}
