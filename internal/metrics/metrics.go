// Package metrics exposes Qflow's Prometheus collectors: execution
// throughput and latency, validation-pipeline outcomes, sandbox lifecycle
// events, ledger append latency and Adaptive Control's burn-rate/
// degradation gauges.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds Qflow's application-specific Prometheus collectors,
// separate from the default global registry so a host process embedding
// Qflow can mount it at its own path.
var Registry = prometheus.NewRegistry()

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qflow", Subsystem: "http", Name: "inflight_requests",
		Help: "Current number of in-flight admin HTTP requests.",
	})

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qflow", Subsystem: "http", Name: "requests_total",
		Help: "Total number of admin HTTP requests handled.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qflow", Subsystem: "http", Name: "request_duration_seconds",
		Help: "Duration of admin HTTP requests.", Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
	}, []string{"method", "path"})

	stepExecutions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qflow", Subsystem: "engine", Name: "step_executions_total",
		Help: "Total number of step dispatch outcomes.",
	}, []string{"outcome"})

	stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "qflow", Subsystem: "engine", Name: "step_duration_seconds",
		Help: "Duration of step execution.", Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	}, []string{"outcome"})

	executionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qflow", Subsystem: "engine", Name: "executions_active",
		Help: "Current number of in-flight flow executions.",
	})

	validationOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qflow", Subsystem: "validation", Name: "outcomes_total",
		Help: "Total validation pipeline outcomes by layer and status.",
	}, []string{"layer", "status"})

	validationCacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qflow", Subsystem: "validation", Name: "cache_results_total",
		Help: "Validation cache hit/miss counts.",
	}, []string{"result"})

	sandboxLifecycle = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qflow", Subsystem: "sandbox", Name: "lifecycle_events_total",
		Help: "Sandbox creation, destruction and violation events.",
	}, []string{"event"})

	ledgerAppendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "qflow", Subsystem: "ledger", Name: "append_duration_seconds",
		Help: "Duration of chained-record ledger appends.", Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	burnRateOverall = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qflow", Subsystem: "control", Name: "burn_rate_overall",
		Help: "Most recently sampled composite burn-rate reading.",
	})

	degradationLevel = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "qflow", Subsystem: "control", Name: "degradation_level",
		Help: "Current graceful-degradation ladder rung (0 = normal).",
	})

	autoscaleActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qflow", Subsystem: "control", Name: "autoscale_actions_total",
		Help: "Total autoscaling trigger firings by trigger name and action.",
	}, []string{"trigger", "action"})

	nodeSelectorErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qflow", Subsystem: "nodeselect", Name: "errors_total",
		Help: "Node selection failures by reason.",
	}, []string{"reason"})

	registerOnce sync.Once
)

func init() {
	register()
}

func register() {
	registerOnce.Do(func() {
		Registry.MustRegister(
			httpInFlight, httpRequests, httpDuration,
			stepExecutions, stepDuration, executionsActive,
			validationOutcomes, validationCacheHits,
			sandboxLifecycle, ledgerAppendDuration,
			burnRateOverall, degradationLevel, autoscaleActions,
			nodeSelectorErrors,
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	})
}

// Handler returns an HTTP handler exposing the registered collectors for a
// Prometheus scrape (mounted at /metrics on the admin listener).
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps an admin HTTP handler with request-count,
// in-flight and latency instrumentation.
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
		path := canonicalPath(r.URL.Path)
		method := strings.ToUpper(r.Method)
		httpRequests.WithLabelValues(method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	})
}

// RecordStepExecution records a step dispatch outcome ("success" or
// "failure") and its duration.
func RecordStepExecution(outcome string, duration time.Duration) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	stepExecutions.WithLabelValues(outcome).Inc()
	stepDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// SetActiveExecutions sets the current in-flight execution gauge.
func SetActiveExecutions(n int) { executionsActive.Set(float64(n)) }

// RecordValidationOutcome records a single layer's pass/fail/error outcome.
func RecordValidationOutcome(layer, status string) {
	validationOutcomes.WithLabelValues(layer, status).Inc()
}

// RecordValidationCacheResult records a validation cache hit or miss.
func RecordValidationCacheResult(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	validationCacheHits.WithLabelValues(result).Inc()
}

// RecordSandboxEvent records a sandbox lifecycle event ("created",
// "destroyed", "violation", "escape_detected").
func RecordSandboxEvent(event string) { sandboxLifecycle.WithLabelValues(event).Inc() }

// ObserveLedgerAppend records the latency of a single ledger append.
func ObserveLedgerAppend(d time.Duration) { ledgerAppendDuration.Observe(d.Seconds()) }

// SetBurnRate sets the last-sampled composite burn-rate gauge.
func SetBurnRate(overall float64) { burnRateOverall.Set(overall) }

// SetDegradationLevel sets the current degradation ladder rung.
func SetDegradationLevel(level int) { degradationLevel.Set(float64(level)) }

// RecordAutoscaleAction records an autoscaling trigger firing.
func RecordAutoscaleAction(trigger, action string) {
	autoscaleActions.WithLabelValues(trigger, action).Inc()
}

// RecordNodeSelectError records a node selection failure by reason
// ("no_eligible_node", "circuit_open").
func RecordNodeSelectError(reason string) { nodeSelectorErrors.WithLabelValues(reason).Inc() }

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

// canonicalPath collapses path parameters (execution/flow IDs) so the
// requests_total cardinality stays bounded.
func canonicalPath(raw string) string {
	if raw == "" || raw == "/" {
		return "/"
	}
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) == 1 {
		return "/" + parts[0]
	}
	return "/" + parts[0] + "/:id"
}
