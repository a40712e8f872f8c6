package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestWorkflowMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewWorkflowMetrics(reg)

	m.ObserveBooking("created", 0.02)
	m.ObserveBooking("conflict", 0.01)
	m.ObserveBooking("conflict", 0.01)
	m.ObserveTransition("PENDING", "CONFIRMED", "ok")
	m.ObserveAudit("dropped")
	m.ObserveNotification("appointment.status_changed", "sent")
	m.SetQueueDepth("audit", 3)
	m.ObserveHTTP("POST", "/appointments", 409, 0.005)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.bookingTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitionTotal.WithLabelValues("PENDING", "CONFIRMED", "ok")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("audit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpTotal.WithLabelValues("POST", "/appointments", "409")))
}

func TestWorkflowMetricsNilSafe(t *testing.T) {
	var m *WorkflowMetrics
	m.ObserveBooking("created", 0.1)
	m.ObserveTransition("PENDING", "CANCELLED", "ok")
	m.ObserveEncounter("start", "created")
	m.ObserveAudit("written")
	m.ObserveNotification("x", "failed")
	m.SetQueueDepth("notify", 1)
	m.ObserveHTTP("GET", "/health/live", 200, 0.001)
}
