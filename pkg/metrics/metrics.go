// Package metrics exposes the kernel's Prometheus collectors: HTTP/RPC
// surface metrics plus counters for node execution, job state transitions,
// capability denials, and firewall violations.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	core "github.com/R3E-Network/qmk/internal/app/core/service"
)

var (
	// Registry holds the kernel's Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qmk",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total number of HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qmk",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of HTTP requests.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
	}, []string{"method", "path"})

	rpcRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "rpc",
		Name:      "requests_total",
		Help:      "Total RPC method invocations grouped by method and outcome.",
	}, []string{"method", "status"})

	rpcDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qmk",
		Subsystem: "rpc",
		Name:      "request_duration_seconds",
		Help:      "Duration of RPC method invocations.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"method"})

	nodeExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "executor",
		Name:      "node_executions_total",
		Help:      "Total graph nodes executed grouped by opcode and outcome.",
	}, []string{"opcode", "status"})

	nodeExecutionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qmk",
		Subsystem: "executor",
		Name:      "node_execution_duration_seconds",
		Help:      "Duration of individual graph node execution.",
		Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
	}, []string{"opcode"})

	jobStateTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "jobmanager",
		Name:      "state_transitions_total",
		Help:      "Total job state transitions grouped by from/to state.",
	}, []string{"from", "to"})

	jobsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qmk",
		Subsystem: "jobmanager",
		Name:      "jobs_in_state",
		Help:      "Current number of jobs in each state.",
	}, []string{"state"})

	capabilityDenials = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "capability",
		Name:      "denials_total",
		Help:      "Total capability checks that were denied, grouped by right and reason.",
	}, []string{"right", "reason"})

	firewallViolations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "verifier",
		Name:      "firewall_violations_total",
		Help:      "Total entanglement firewall violations detected, grouped by node kind.",
	}, []string{"node_kind"})

	quotaRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "registry",
		Name:      "quota_rejections_total",
		Help:      "Total requests rejected for exceeding a tenant resource quota.",
	}, []string{"resource"})

	rateLimitRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "ratelimit",
		Name:      "rejections_total",
		Help:      "Total requests rejected by the per-tenant token bucket limiter.",
	}, []string{"operation_class"})

	checkpointsStored = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "checkpoint",
		Name:      "stored_total",
		Help:      "Total checkpoints stored, grouped by outcome.",
	}, []string{"status"})

	checkpointEvictions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "checkpoint",
		Name:      "evictions_total",
		Help:      "Total checkpoints evicted from the LRU cache.",
	}, []string{"reason"})

	auditAppends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qmk",
		Subsystem: "audit",
		Name:      "appends_total",
		Help:      "Total audit log entries appended, grouped by event kind.",
	}, []string{"kind"})

	moduleReady = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "qmk",
		Subsystem: "engine",
		Name:      "module_ready",
		Help:      "Current readiness of kernel modules (1 ready, 0 otherwise).",
	}, []string{"module", "layer"})

	observationCollectors sync.Map
)

type observationCollector struct {
	gauge *prometheus.GaugeVec
	hist  *prometheus.HistogramVec
}

func newObservationCollector(namespace, subsystem, name string) observationCollector {
	key := namespace + ":" + subsystem + ":" + name
	if entry, ok := observationCollectors.Load(key); ok {
		return entry.(observationCollector)
	}

	gauge := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_in_flight",
		Help:      "Current operations in flight for " + subsystem,
	}, []string{"resource"})
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      name + "_duration_seconds",
		Help:      "Duration of operations for " + subsystem,
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"resource", "status"})
	Registry.MustRegister(gauge, hist)

	collector := observationCollector{gauge: gauge, hist: hist}
	observationCollectors.Store(key, collector)
	return collector
}

func metaLabel(meta map[string]string) string {
	if meta == nil {
		return "unknown"
	}
	for _, key := range []string{"resource", "job_id", "session_id", "node_id"} {
		if id, ok := meta[key]; ok && id != "" {
			return id
		}
	}
	return "unknown"
}

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		rpcRequests,
		rpcDuration,
		nodeExecutions,
		nodeExecutionDuration,
		jobStateTransitions,
		jobsByState,
		capabilityDenials,
		firewallViolations,
		quotaRejections,
		rateLimitRejections,
		checkpointsStored,
		checkpointEvictions,
		auditAppends,
		moduleReady,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// IncrementInFlight increments the in-flight HTTP request gauge.
func IncrementInFlight() { httpInFlight.Inc() }

// DecrementInFlight decrements the in-flight HTTP request gauge.
func DecrementInFlight() { httpInFlight.Dec() }

// RecordHTTPRequest records the outcome and duration of an HTTP request.
func RecordHTTPRequest(_serviceName, method, path, status string, dur time.Duration) {
	method = strings.ToUpper(method)
	httpRequests.WithLabelValues(method, path, status).Inc()
	httpDuration.WithLabelValues(method, path).Observe(dur.Seconds())
}

// RecordRPCCall records the outcome and duration of an RPC method invocation.
func RecordRPCCall(method, status string, dur time.Duration) {
	method = strings.TrimSpace(method)
	if method == "" {
		method = "unknown"
	}
	status = strings.TrimSpace(status)
	if status == "" {
		status = "unknown"
	}
	rpcRequests.WithLabelValues(method, status).Inc()
	rpcDuration.WithLabelValues(method).Observe(dur.Seconds())
}

// RecordNodeExecution records the outcome and duration of a single graph node execution.
func RecordNodeExecution(opcode, status string, dur time.Duration) {
	if opcode == "" {
		opcode = "unknown"
	}
	if status == "" {
		status = "unknown"
	}
	nodeExecutions.WithLabelValues(opcode, status).Inc()
	nodeExecutionDuration.WithLabelValues(opcode).Observe(dur.Seconds())
}

// RecordJobTransition records a job state machine transition.
func RecordJobTransition(from, to string) {
	jobStateTransitions.WithLabelValues(from, to).Inc()
}

// SetJobsInState publishes the current count of jobs in a given state.
func SetJobsInState(state string, count int) {
	jobsByState.WithLabelValues(state).Set(float64(count))
}

// RecordCapabilityDenial records a denied capability check.
func RecordCapabilityDenial(right, reason string) {
	if right == "" {
		right = "unknown"
	}
	if reason == "" {
		reason = "unknown"
	}
	capabilityDenials.WithLabelValues(right, reason).Inc()
}

// RecordFirewallViolation records a detected entanglement firewall violation.
func RecordFirewallViolation(nodeKind string) {
	if nodeKind == "" {
		nodeKind = "unknown"
	}
	firewallViolations.WithLabelValues(nodeKind).Inc()
}

// RecordQuotaRejection records a request rejected for exceeding a tenant quota.
func RecordQuotaRejection(resource string) {
	if resource == "" {
		resource = "unknown"
	}
	quotaRejections.WithLabelValues(resource).Inc()
}

// RecordRateLimitRejection records a request rejected by the token bucket limiter.
func RecordRateLimitRejection(operationClass string) {
	if operationClass == "" {
		operationClass = "unknown"
	}
	rateLimitRejections.WithLabelValues(operationClass).Inc()
}

// RecordCheckpointStored records a checkpoint store attempt outcome.
func RecordCheckpointStored(status string) {
	if status == "" {
		status = "unknown"
	}
	checkpointsStored.WithLabelValues(status).Inc()
}

// RecordCheckpointEviction records a checkpoint LRU eviction.
func RecordCheckpointEviction(reason string) {
	if reason == "" {
		reason = "unknown"
	}
	checkpointEvictions.WithLabelValues(reason).Inc()
}

// RecordAuditAppend records an audit log append grouped by event kind.
func RecordAuditAppend(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	auditAppends.WithLabelValues(kind).Inc()
}

// ModuleMetric captures readiness for a kernel module.
type ModuleMetric struct {
	Name  string
	Layer string
	Ready bool
}

// RecordModuleMetrics publishes module readiness gauges, resetting previous
// values so transitions don't leave stale entries behind.
func RecordModuleMetrics(mods []ModuleMetric) {
	moduleReady.Reset()
	for _, m := range mods {
		ready := 0.0
		if m.Ready {
			ready = 1.0
		}
		moduleReady.WithLabelValues(m.Name, m.Layer).Set(ready)
	}
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		httpInFlight.Inc()
		defer httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, r.URL.Path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, r.URL.Path).Observe(duration.Seconds())
	})
}

// ObservationHooks creates core observation hooks backed by Prometheus metrics.
func ObservationHooks(namespace, subsystem, name string) core.ObservationHooks {
	collector := newObservationCollector(namespace, subsystem, name)
	return core.ObservationHooks{
		OnStart: func(_ context.Context, meta map[string]string) {
			collector.gauge.WithLabelValues(metaLabel(meta)).Inc()
		},
		OnComplete: func(_ context.Context, meta map[string]string, err error, duration time.Duration) {
			label := metaLabel(meta)
			collector.gauge.WithLabelValues(label).Dec()
			status := "success"
			if err != nil {
				status = "error"
			}
			collector.hist.WithLabelValues(label, status).Observe(duration.Seconds())
		},
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}
