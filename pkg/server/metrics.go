package server

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the runtime. A nil *Metrics
// records nothing.
type Metrics struct {
	activeSessions  prometheus.Gauge
	sessionsCreated prometheus.Counter
	sessionsClosed  *prometheus.CounterVec
	renders         *prometheus.CounterVec
	renderDuration  prometheus.Histogram
	deferred        prometheus.Counter
	deliveries      *prometheus.CounterVec
	events          *prometheus.CounterVec
}

// NewMetrics registers the runtime collectors with reg under namespace.
//
// Metrics collected:
//   - <ns>_active_sessions: sessions currently registered
//   - <ns>_sessions_created_total / <ns>_sessions_closed_total{reason}
//   - <ns>_renders_total{status}: render passes by outcome
//   - <ns>_render_duration_seconds: render pass duration
//   - <ns>_deferred_rerenders_total: re-renders buffered until a channel attached
//   - <ns>_deliveries_total{status}: outbox sends (sent, failed, dropped)
//   - <ns>_events_total{status}: dispatched client events by outcome
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "shiny"
	}
	factory := promauto.With(reg)

	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of registered sessions",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		}),
		sessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions closed by reason",
		}, []string{"reason"}),
		renders: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Total number of render passes by status",
		}, []string{"status"}),
		renderDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "Render pass duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		deferred: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deferred_rerenders_total",
			Help:      "Total number of re-renders buffered until a channel was attached",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of outbox deliveries by status",
		}, []string{"status"}),
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Total number of client events by status",
		}, []string{"status"}),
	}
}

func (m *Metrics) sessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Inc()
}

func (m *Metrics) sessionClosed(reason string) {
	if m == nil {
		return
	}
	m.sessionsClosed.WithLabelValues(reason).Inc()
	m.activeSessions.Dec()
}

func (m *Metrics) renderDone(start time.Time, err error) {
	if m == nil {
		return
	}
	m.renderDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		m.renders.WithLabelValues("error").Inc()
		return
	}
	m.renders.WithLabelValues("ok").Inc()
}

func (m *Metrics) rerenderDeferred() {
	if m == nil {
		return
	}
	m.deferred.Inc()
}

func (m *Metrics) deliverySent() {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("sent").Inc()
}

func (m *Metrics) deliveryFailed() {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("failed").Inc()
}

func (m *Metrics) deliveryDropped(n int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues("dropped").Add(float64(n))
}

func (m *Metrics) eventDone(status string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(status).Inc()
}
