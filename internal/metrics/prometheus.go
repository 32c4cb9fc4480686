package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cwbudde/polcomp/internal/search"
)

// Run outcomes used as label values.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomeError   = "error"
)

// Manager owns the Prometheus collectors of the service.
type Manager struct {
	namespace       string
	subsystem       string
	durationBuckets []float64
	constLabels     map[string]string
	registry        *prometheus.Registry

	measurements *prometheus.CounterVec
	visibility   *prometheus.GaugeVec
	movesSkipped *prometheus.CounterVec
	basisResults *prometheus.CounterVec
	cycles       prometheus.Counter

	runs        *prometheus.CounterVec
	runsActive  prometheus.Gauge
	runDuration prometheus.Histogram

	httpRequests        *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

// NewManager creates a manager on a fresh registry unless WithRegistry is
// given.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		namespace:       "polcomp",
		subsystem:       "search",
		durationBuckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		constLabels:     map[string]string{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}
	m.initializeMetrics()
	return m
}

func (m *Manager) initializeMetrics() {
	auto := promauto.With(m.registry)
	labels := prometheus.Labels(m.constLabels)

	m.measurements = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "measurements_total",
		Help:        "Visibility readings taken, by basis and phase",
		ConstLabels: labels,
	}, []string{"basis", "phase"})

	m.visibility = auto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "visibility",
		Help:        "Most recent visibility reading per basis",
		ConstLabels: labels,
	}, []string{"basis"})

	m.movesSkipped = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "moves_skipped_total",
		Help:        "Moves skipped because the target angle was out of range",
		ConstLabels: labels,
	}, []string{"phase"})

	m.basisResults = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "basis_results_total",
		Help:        "Per-basis optimizations by result",
		ConstLabels: labels,
	}, []string{"basis", "result"})

	m.cycles = auto.NewCounter(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   m.subsystem,
		Name:        "cycles_total",
		Help:        "Global cycles completed",
		ConstLabels: labels,
	})

	m.runs = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   "runs",
		Name:        "total",
		Help:        "Finished runs by outcome",
		ConstLabels: labels,
	}, []string{"outcome"})

	m.runsActive = auto.NewGauge(prometheus.GaugeOpts{
		Namespace:   m.namespace,
		Subsystem:   "runs",
		Name:        "active",
		Help:        "Runs currently holding the bench",
		ConstLabels: labels,
	})

	m.runDuration = auto.NewHistogram(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   "runs",
		Name:        "duration_seconds",
		Help:        "Wall time of finished runs",
		Buckets:     m.durationBuckets,
		ConstLabels: labels,
	})

	m.httpRequests = auto.NewCounterVec(prometheus.CounterOpts{
		Namespace:   m.namespace,
		Subsystem:   "http",
		Name:        "requests_total",
		Help:        "HTTP requests by method, route and status",
		ConstLabels: labels,
	}, []string{"method", "route", "status"})

	m.httpRequestDuration = auto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   m.namespace,
		Subsystem:   "http",
		Name:        "request_duration_seconds",
		Help:        "HTTP request latency",
		Buckets:     prometheus.DefBuckets,
		ConstLabels: labels,
	}, []string{"method", "route"})
}

// Observe implements search.Observer.
func (m *Manager) Observe(e search.Event) {
	switch e.Kind {
	case search.EventMeasurement:
		m.measurements.WithLabelValues(string(e.Basis), string(e.Phase)).Inc()
		m.visibility.WithLabelValues(string(e.Basis)).Set(e.Visibility)
	case search.EventMoveSkipped:
		m.movesSkipped.WithLabelValues(string(e.Phase)).Inc()
	case search.EventBasisDone:
		result := "exhausted"
		if e.Success {
			result = "satisfied"
		}
		m.basisResults.WithLabelValues(string(e.Basis), result).Inc()
	case search.EventCycleDone:
		m.cycles.Inc()
	}
}

// RunStarted marks a run as holding the bench.
func (m *Manager) RunStarted() {
	m.runsActive.Inc()
}

// RunFinished records a run's outcome and duration.
func (m *Manager) RunFinished(outcome string, d time.Duration) {
	m.runsActive.Dec()
	m.runs.WithLabelValues(outcome).Inc()
	m.runDuration.Observe(d.Seconds())
}

// HTTPRequest records one served request.
func (m *Manager) HTTPRequest(method, route string, status int, d time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// Handler serves the registry in the Prometheus text format.
func (m *Manager) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the registry the metrics live on.
func (m *Manager) Registry() *prometheus.Registry {
	return m.registry
}
