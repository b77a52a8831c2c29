// Package metrics exports Prometheus collectors for the pool, session, and
// exec paths. Collectors register on the default registry; the optional HTTP
// façade serves them at /metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus collectors for codepod.
type Metrics struct {
	// Pool
	PoolContainers  *prometheus.GaugeVec
	PrewarmsTotal   *prometheus.CounterVec
	AcquiresTotal   *prometheus.CounterVec
	WarmDuration    prometheus.Histogram
	ReconcileRuns   prometheus.Counter
	ReconcileFixups *prometheus.CounterVec

	// Sessions
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec

	// Exec / data path
	ExecsTotal       *prometheus.CounterVec
	ExecDuration     prometheus.Histogram
	TruncationsTotal prometheus.Counter
	FileBytes        *prometheus.CounterVec

	// Engine
	EngineErrors *prometheus.CounterVec

	// HTTP facade
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// Get returns the singleton Metrics instance.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.PoolContainers = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "codepod",
			Subsystem: "pool",
			Name:      "containers",
			Help:      "Pool containers by status",
		},
		[]string{"status"},
	)

	m.PrewarmsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "pool",
			Name:      "prewarms_total",
			Help:      "Warm-sequence completions by result",
		},
		[]string{"result"},
	)

	m.AcquiresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Container acquisitions by path (idle, created, saturated)",
		},
		[]string{"path"},
	)

	m.WarmDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "codepod",
			Subsystem: "pool",
			Name:      "warm_duration_seconds",
			Help:      "Time from placeholder insert to Idle",
			Buckets:   []float64{.25, .5, 1, 2.5, 5, 10, 20, 30},
		},
	)

	m.ReconcileRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "pool",
			Name:      "reconcile_runs_total",
			Help:      "Completed reconciliation passes",
		},
	)

	m.ReconcileFixups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "pool",
			Name:      "reconcile_fixups_total",
			Help:      "Divergences repaired by reconciliation, by kind",
		},
		[]string{"kind"},
	)

	m.ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "codepod",
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Currently active sessions",
		},
	)

	m.SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Sessions created",
		},
	)

	m.SessionsDestroyed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "sessions",
			Name:      "destroyed_total",
			Help:      "Sessions destroyed by reason (explicit, timeout, container_lost)",
		},
		[]string{"reason"},
	)

	m.ExecsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "exec",
			Name:      "commands_total",
			Help:      "Commands executed by outcome",
		},
		[]string{"outcome"},
	)

	m.ExecDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "codepod",
			Subsystem: "exec",
			Name:      "duration_seconds",
			Help:      "Command wall-clock duration",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	m.TruncationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "exec",
			Name:      "truncations_total",
			Help:      "Command results that exceeded the output budget",
		},
	)

	m.FileBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "files",
			Name:      "transfer_bytes_total",
			Help:      "Bytes moved through the tar bridge by direction",
		},
		[]string{"direction"},
	)

	m.EngineErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "engine",
			Name:      "errors_total",
			Help:      "Engine operation failures by operation",
		},
		[]string{"op"},
	)

	m.HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "codepod",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Facade requests by method, route, and status",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "codepod",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Facade request latency by route",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"route"},
	)

	return m
}

// ObserveExec records one command execution.
func (m *Metrics) ObserveExec(outcome string, elapsed time.Duration, truncated bool) {
	m.ExecsTotal.WithLabelValues(outcome).Inc()
	m.ExecDuration.Observe(elapsed.Seconds())
	if truncated {
		m.TruncationsTotal.Inc()
	}
}

// SetPoolCounts reflects a pool status snapshot into the gauges.
func (m *Metrics) SetPoolCounts(idle, busy, warming, destroying, activeSessions int64) {
	m.PoolContainers.WithLabelValues("idle").Set(float64(idle))
	m.PoolContainers.WithLabelValues("busy").Set(float64(busy))
	m.PoolContainers.WithLabelValues("warming").Set(float64(warming))
	m.PoolContainers.WithLabelValues("destroying").Set(float64(destroying))
	m.ActiveSessions.Set(float64(activeSessions))
}
