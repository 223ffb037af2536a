package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the interpreter service.
type Metrics struct {
	registry *prometheus.Registry

	invokerStarts        prometheus.Counter
	invokerStartFailures prometheus.Counter
	invokerRestarts      prometheus.Counter
	invokerCrashes       prometheus.Counter
	segmentsEmitted      *prometheus.CounterVec
	segmentsDropped      *prometheus.CounterVec
	segmentBytes         prometheus.Histogram
	framesDropped        prometheus.Counter
	callEvents           *prometheus.CounterVec
	callAutomationErrors *prometheus.CounterVec
	callsReclaimed       prometheus.Counter
	sessionsReclaimed    prometheus.Counter

	rooms        prometheus.Gauge
	sessions     prometheus.Gauge
	calls        prometheus.Gauge
	liveInvokers prometheus.Gauge
}

// Snapshot is what a scrape reports for the gauges.
type Snapshot struct {
	Rooms        int
	Sessions     int
	Calls        int
	LiveInvokers int
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		invokerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_invoker_starts_total",
			Help: "Translation invokers successfully started",
		}),
		invokerStartFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_invoker_start_failures_total",
			Help: "Translation invoker starts that failed to open an engine stream",
		}),
		invokerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_invoker_restarts_total",
			Help: "Restart attempts issued by the invoker supervisor",
		}),
		invokerCrashes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_invoker_crashes_total",
			Help: "Engine streams that terminated without being stopped",
		}),
		segmentsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_segments_emitted_total",
			Help: "Audio segments emitted by the segmenter",
		}, []string{"reason"}),
		segmentsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_segments_dropped_total",
			Help: "Audio segments discarded before reaching the engine",
		}, []string{"cause"}),
		segmentBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "interpreter_segment_bytes",
			Help:    "Size of emitted audio segments",
			Buckets: prometheus.ExponentialBuckets(4096, 2, 9),
		}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_client_frames_dropped_total",
			Help: "Outbound client frames dropped because of backpressure",
		}),
		callEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_call_events_total",
			Help: "Call automation events handled, by type",
		}, []string{"type"}),
		callAutomationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "interpreter_call_automation_failures_total",
			Help: "Failed call automation requests, by operation",
		}, []string{"op"}),
		callsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_calls_reclaimed_total",
			Help: "Calls torn down by the idle reclaimer",
		}),
		sessionsReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "interpreter_sessions_reclaimed_total",
			Help: "Unbound client sessions closed by the idle reclaimer",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "interpreter_rooms",
			Help: "Rooms currently held in memory",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "interpreter_sessions",
			Help: "Registered client connections",
		}),
		calls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "interpreter_calls",
			Help: "Active calls",
		}),
		liveInvokers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "interpreter_live_invokers",
			Help: "Translation invokers that are alive",
		}),
	}

	registry.MustRegister(
		m.invokerStarts,
		m.invokerStartFailures,
		m.invokerRestarts,
		m.invokerCrashes,
		m.segmentsEmitted,
		m.segmentsDropped,
		m.segmentBytes,
		m.framesDropped,
		m.callEvents,
		m.callAutomationErrors,
		m.callsReclaimed,
		m.sessionsReclaimed,
		m.rooms,
		m.sessions,
		m.calls,
		m.liveInvokers,
	)
	return m
}

func (m *Metrics) IncInvokerStarts()        { m.invokerStarts.Inc() }
func (m *Metrics) IncInvokerStartFailures() { m.invokerStartFailures.Inc() }
func (m *Metrics) IncInvokerRestarts()      { m.invokerRestarts.Inc() }
func (m *Metrics) IncInvokerCrashes()       { m.invokerCrashes.Inc() }
func (m *Metrics) IncFramesDropped()        { m.framesDropped.Inc() }
func (m *Metrics) IncCallsReclaimed()       { m.callsReclaimed.Inc() }
func (m *Metrics) IncSessionsReclaimed()    { m.sessionsReclaimed.Inc() }

// ObserveSegment records one emitted segment.
func (m *Metrics) ObserveSegment(reason string, size int) {
	m.segmentsEmitted.WithLabelValues(reason).Inc()
	m.segmentBytes.Observe(float64(size))
}

// IncSegmentsDropped records a segment lost because of cause
// ("queue_full", "no_invoker", "teardown").
func (m *Metrics) IncSegmentsDropped(cause string) {
	m.segmentsDropped.WithLabelValues(cause).Inc()
}

func (m *Metrics) IncCallEvent(eventType string) {
	m.callEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncCallAutomationFailure(op string) {
	m.callAutomationErrors.WithLabelValues(op).Inc()
}

// Handler returns an http.Handler that serves Prometheus metrics.
// snapshot is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(snapshot func() Snapshot) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if snapshot != nil {
			s := snapshot()
			m.rooms.Set(float64(s.Rooms))
			m.sessions.Set(float64(s.Sessions))
			m.calls.Set(float64(s.Calls))
			m.liveInvokers.Set(float64(s.LiveInvokers))
		}
		h.ServeHTTP(w, r)
	})
}
