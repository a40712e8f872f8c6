package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "clinical"

// WorkflowMetrics exposes counters and histograms for the appointment and
// encounter workflows. A nil *WorkflowMetrics is a valid no-op.
type WorkflowMetrics struct {
	bookingTotal    *prometheus.CounterVec
	bookingLatency  prometheus.Histogram
	transitionTotal *prometheus.CounterVec
	encounterTotal  *prometheus.CounterVec
	auditTotal      *prometheus.CounterVec
	notifyTotal     *prometheus.CounterVec
	queueDepth      *prometheus.GaugeVec
	httpTotal       *prometheus.CounterVec
	httpLatency     *prometheus.HistogramVec
}

func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	m := &WorkflowMetrics{
		bookingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "booking_total",
			Help:      "Appointment booking attempts by outcome",
		}, []string{"outcome"}),
		bookingLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "booking_latency_seconds",
			Help:      "Latency of appointment booking including retries",
			Buckets:   prometheus.DefBuckets,
		}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "appointments",
			Name:      "transition_total",
			Help:      "Appointment status transition requests",
		}, []string{"from", "to", "outcome"}),
		encounterTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "encounters",
			Name:      "operation_total",
			Help:      "Encounter lifecycle operations",
		}, []string{"operation", "outcome"}),
		auditTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "events_total",
			Help:      "Audit events by outcome",
		}, []string{"outcome"}),
		notifyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Outbound notifications by outcome",
		}, []string{"kind", "outcome"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Pending items in background queues",
		}, []string{"queue"}),
		httpTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status code",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by route pattern",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingTotal, m.bookingLatency, m.transitionTotal, m.encounterTotal,
		m.auditTotal, m.notifyTotal, m.queueDepth, m.httpTotal, m.httpLatency)
	return m
}

func (m *WorkflowMetrics) ObserveBooking(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.bookingTotal.WithLabelValues(outcome).Inc()
	m.bookingLatency.Observe(seconds)
}

func (m *WorkflowMetrics) ObserveTransition(from, to, outcome string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(from, to, outcome).Inc()
}

func (m *WorkflowMetrics) ObserveEncounter(operation, outcome string) {
	if m == nil {
		return
	}
	m.encounterTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *WorkflowMetrics) ObserveAudit(outcome string) {
	if m == nil {
		return
	}
	m.auditTotal.WithLabelValues(outcome).Inc()
}

func (m *WorkflowMetrics) ObserveNotification(kind, outcome string) {
	if m == nil {
		return
	}
	m.notifyTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *WorkflowMetrics) SetQueueDepth(queue string, n int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(queue).Set(float64(n))
}

// ObserveHTTP records one served request. route is the router pattern, not
// the raw path, to keep label cardinality bounded.
func (m *WorkflowMetrics) ObserveHTTP(method, route string, status int, seconds float64) {
	if m == nil {
		return
	}
	m.httpTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpLatency.WithLabelValues(method, route).Observe(seconds)
}
