// Package metrics collects and exposes substrate runtime observability
// data.
//
// # Design rationale
//
// Two metric stores coexist in this package:
//
//  1. The in-process Metrics struct (per-app counters + time series) for
//     the lightweight JSON /metrics/json endpoint.
//  2. A Prometheus registry (prometheus.go) for scraping by external
//     monitoring systems.
//
// # Concurrency — hot path
//
// RecordRun and RecordDispatch are called on every run completion and
// dispatch respectively, and must be fast. Both use atomic increments for
// global counters; RecordRun also pushes a lightweight event onto a buffered
// channel (tsChan) for the time-series worker to process asynchronously,
// avoiding any lock on the hot path.
//
// # Invariants
//
//   - TotalRuns == SuccessRuns + FailedRuns (maintained by RecordRun).
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
//   - tsChan capacity is 8192 events; events dropped when full are counted
//     in tsDroppedEvents.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp    time.Time
	Runs         int64
	Errors       int64
	TotalLatency int64
	Count        int64
}

// Metrics collects and exposes substrate runtime metrics.
type Metrics struct {
	TotalRuns   atomic.Int64
	SuccessRuns atomic.Int64
	FailedRuns  atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	InstancesCreated atomic.Int64
	InstancesStopped atomic.Int64
	InstancesTrapped atomic.Int64
	CapabilityDenials atomic.Int64

	DispatchesTotal  atomic.Int64
	DispatchesFailed atomic.Int64

	SinksStarted     atomic.Int64
	EventsFired      atomic.Int64
	EventsUndelivered atomic.Int64

	appMetrics sync.Map // appID -> *AppMetrics

	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// AppMetrics tracks run counters scoped to a single app.
type AppMetrics struct {
	TotalRuns   atomic.Int64
	SuccessRuns atomic.Int64
	FailedRuns  atomic.Int64
}

type timeSeriesEvent struct {
	at      time.Time
	latency int64
	failed  bool
}

var globalMetrics = New()

// Global returns the process-wide Metrics instance.
func Global() *Metrics { return globalMetrics }

// New constructs an empty Metrics collector and starts its time-series
// aggregation worker.
func New() *Metrics {
	m := &Metrics{
		timeSeries: make([]*TimeSeriesBucket, 0, timeSeriesBucketCount),
		tsChan:     make(chan timeSeriesEvent, 8192),
		startTime:  time.Now(),
	}
	go m.runTimeSeriesWorker()
	return m
}

func (m *Metrics) runTimeSeriesWorker() {
	for ev := range m.tsChan {
		m.timeSeriesMu.Lock()
		bucket := m.currentBucketLocked(ev.at)
		bucket.Runs++
		bucket.Count++
		bucket.TotalLatency += ev.latency
		if ev.failed {
			bucket.Errors++
		}
		m.timeSeriesMu.Unlock()
	}
}

func (m *Metrics) currentBucketLocked(at time.Time) *TimeSeriesBucket {
	truncated := at.Truncate(timeSeriesBucketDuration)
	if n := len(m.timeSeries); n > 0 && m.timeSeries[n-1].Timestamp.Equal(truncated) {
		return m.timeSeries[n-1]
	}
	bucket := &TimeSeriesBucket{Timestamp: truncated}
	m.timeSeries = append(m.timeSeries, bucket)
	if len(m.timeSeries) > timeSeriesBucketCount {
		m.timeSeries = m.timeSeries[len(m.timeSeries)-timeSeriesBucketCount:]
	}
	return bucket
}

// RecordRun updates global and per-app run counters.
func (m *Metrics) RecordRun(appID string, success bool, latencyMs int64) {
	m.TotalRuns.Add(1)
	if success {
		m.SuccessRuns.Add(1)
	} else {
		m.FailedRuns.Add(1)
	}
	m.TotalLatencyMs.Add(latencyMs)
	updateMinMax(&m.MinLatencyMs, &m.MaxLatencyMs, latencyMs)

	v, _ := m.appMetrics.LoadOrStore(appID, &AppMetrics{})
	am := v.(*AppMetrics)
	am.TotalRuns.Add(1)
	if success {
		am.SuccessRuns.Add(1)
	} else {
		am.FailedRuns.Add(1)
	}

	select {
	case m.tsChan <- timeSeriesEvent{at: time.Now(), latency: latencyMs, failed: !success}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// RecordDispatch updates dispatch counters.
func (m *Metrics) RecordDispatch(success bool) {
	m.DispatchesTotal.Add(1)
	if !success {
		m.DispatchesFailed.Add(1)
	}
}

// RecordCapabilityDenial increments the capability-denial counter, which
// tracks host-boundary checks that refused a guest call.
func (m *Metrics) RecordCapabilityDenial() {
	m.CapabilityDenials.Add(1)
}

// RecordEventFired updates event sink delivery counters.
func (m *Metrics) RecordEventFired(delivered bool) {
	m.EventsFired.Add(1)
	if !delivered {
		m.EventsUndelivered.Add(1)
	}
}

func updateMinMax(min, max *atomic.Int64, v int64) {
	for {
		cur := min.Load()
		if cur != 0 && cur <= v {
			break
		}
		if min.CompareAndSwap(cur, v) {
			break
		}
	}
	for {
		cur := max.Load()
		if cur >= v {
			break
		}
		if max.CompareAndSwap(cur, v) {
			break
		}
	}
}

// Snapshot is the JSON-serializable view served by Handler.
type Snapshot struct {
	UptimeSeconds     float64             `json:"uptime_seconds"`
	TotalRuns         int64               `json:"total_runs"`
	SuccessRuns       int64               `json:"success_runs"`
	FailedRuns        int64               `json:"failed_runs"`
	InstancesCreated  int64               `json:"instances_created"`
	CapabilityDenials int64               `json:"capability_denials"`
	DispatchesTotal   int64               `json:"dispatches_total"`
	DispatchesFailed  int64               `json:"dispatches_failed"`
	SinksStarted      int64               `json:"sinks_started"`
	EventsFired       int64               `json:"events_fired"`
	EventsUndelivered int64               `json:"events_undelivered"`
	TimeSeries        []*TimeSeriesBucket `json:"time_series,omitempty"`
}

// Handler serves a JSON snapshot of the in-process metrics.
func (m *Metrics) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.timeSeriesMu.RLock()
		series := make([]*TimeSeriesBucket, len(m.timeSeries))
		copy(series, m.timeSeries)
		m.timeSeriesMu.RUnlock()

		snap := Snapshot{
			UptimeSeconds:     time.Since(m.startTime).Seconds(),
			TotalRuns:         m.TotalRuns.Load(),
			SuccessRuns:       m.SuccessRuns.Load(),
			FailedRuns:        m.FailedRuns.Load(),
			InstancesCreated:  m.InstancesCreated.Load(),
			CapabilityDenials: m.CapabilityDenials.Load(),
			DispatchesTotal:   m.DispatchesTotal.Load(),
			DispatchesFailed:  m.DispatchesFailed.Load(),
			SinksStarted:      m.SinksStarted.Load(),
			EventsFired:       m.EventsFired.Load(),
			EventsUndelivered: m.EventsUndelivered.Load(),
			TimeSeries:        series,
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snap)
	})
}
