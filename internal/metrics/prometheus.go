package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for substrate metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	runsTotal        *prometheus.CounterVec
	instancesCreated prometheus.Counter
	instancesStopped prometheus.Counter
	instancesTrapped prometheus.Counter
	capabilityDenials *prometheus.CounterVec

	runDuration      *prometheus.HistogramVec
	instanceDuration *prometheus.HistogramVec

	dispatchTotal *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	sinksRunning *prometheus.GaugeVec
	eventsFired  *prometheus.CounterVec

	uptime prometheus.GaugeFunc

	circuitBreakerState      *prometheus.GaugeVec
	circuitBreakerTripsTotal *prometheus.CounterVec
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	start := time.Now()
	pm := &PrometheusMetrics{
		registry: registry,

		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "runs_total", Help: "Total number of board runs, by mode and status"},
			[]string{"mode", "status"},
		),
		instancesCreated: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "plugin_instances_created_total", Help: "Total plugin instances instantiated"}),
		instancesStopped: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "plugin_instances_stopped_total", Help: "Total plugin instances torn down cleanly"}),
		instancesTrapped: prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "plugin_instances_trapped_total", Help: "Total plugin instances that exited via a WASM trap"}),
		capabilityDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "capability_denials_total", Help: "Host ABI calls refused for missing capability, by module"},
			[]string{"module"},
		),

		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "run_duration_ms", Help: "Run duration in milliseconds", Buckets: buckets},
			[]string{"mode"},
		),
		instanceDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "plugin_instance_duration_ms", Help: "Plugin instance wall time in milliseconds", Buckets: buckets},
			[]string{"capability_profile"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_total", Help: "Total dispatch attempts, by backend and status"},
			[]string{"backend", "status"},
		),
		dispatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{Namespace: namespace, Name: "dispatch_duration_ms", Help: "Dispatch round-trip duration in milliseconds", Buckets: buckets},
			[]string{"backend"},
		),

		sinksRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "event_sinks_running", Help: "Number of currently running event sinks, by type_tag"},
			[]string{"type_tag"},
		),
		eventsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "events_fired_total", Help: "Total events fired to the external bus, by delivery outcome"},
			[]string{"delivered"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{Namespace: namespace, Name: "circuit_breaker_state", Help: "Circuit breaker state (0=closed, 1=half_open, 2=open), by backend"},
			[]string{"backend"},
		),
		circuitBreakerTripsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{Namespace: namespace, Name: "circuit_breaker_trips_total", Help: "Total circuit breaker trips, by backend"},
			[]string{"backend"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: "uptime_seconds", Help: "Process uptime in seconds"},
		func() float64 { return time.Since(start).Seconds() },
	)

	registry.MustRegister(
		pm.runsTotal, pm.instancesCreated, pm.instancesStopped, pm.instancesTrapped, pm.capabilityDenials,
		pm.runDuration, pm.instanceDuration,
		pm.dispatchTotal, pm.dispatchDuration,
		pm.sinksRunning, pm.eventsFired,
		pm.circuitBreakerState, pm.circuitBreakerTripsTotal,
		pm.uptime,
	)

	promMetrics = pm
}

// Prom returns the initialized Prometheus collector set, or nil if
// InitPrometheus was never called.
func Prom() *PrometheusMetrics { return promMetrics }

// ObserveRun records a completed run.
func (pm *PrometheusMetrics) ObserveRun(mode, status string, durationMs float64) {
	pm.runsTotal.WithLabelValues(mode, status).Inc()
	pm.runDuration.WithLabelValues(mode).Observe(durationMs)
}

// ObserveDispatch records a dispatch attempt.
func (pm *PrometheusMetrics) ObserveDispatch(backend, status string, durationMs float64) {
	pm.dispatchTotal.WithLabelValues(backend, status).Inc()
	pm.dispatchDuration.WithLabelValues(backend).Observe(durationMs)
}

// ObserveCapabilityDenial records a host-boundary capability refusal.
func (pm *PrometheusMetrics) ObserveCapabilityDenial(module string) {
	pm.capabilityDenials.WithLabelValues(module).Inc()
}

// SetSinksRunning records the current count of running sinks for a kind.
func (pm *PrometheusMetrics) SetSinksRunning(typeTag string, n float64) {
	pm.sinksRunning.WithLabelValues(typeTag).Set(n)
}

// ObserveEventFired records a fired event and its delivery outcome.
func (pm *PrometheusMetrics) ObserveEventFired(delivered bool) {
	label := "false"
	if delivered {
		label = "true"
	}
	pm.eventsFired.WithLabelValues(label).Inc()
}

// SetCircuitBreakerState records the current breaker state for a backend.
func (pm *PrometheusMetrics) SetCircuitBreakerState(backend string, state float64) {
	pm.circuitBreakerState.WithLabelValues(backend).Set(state)
}

// ObserveCircuitBreakerTrip records a breaker trip for a backend.
func (pm *PrometheusMetrics) ObserveCircuitBreakerTrip(backend string) {
	pm.circuitBreakerTripsTotal.WithLabelValues(backend).Inc()
}

// Handler returns the Prometheus scrape endpoint handler.
func (pm *PrometheusMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}
