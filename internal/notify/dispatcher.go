package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-workflow/internal/metrics"
)

const queueName = "notify"

// Dispatcher hands notifications to a Port from a bounded background queue.
type Dispatcher struct {
	port    Port
	timeout time.Duration
	log     zerolog.Logger
	metrics *metrics.WorkflowMetrics

	mu     sync.RWMutex
	closed bool
	queue  chan Notification
	done   chan struct{}
}

func NewDispatcher(port Port, queueSize int, log zerolog.Logger, m *metrics.WorkflowMetrics) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &Dispatcher{
		port:    port,
		timeout: 5 * time.Second,
		log:     log.With().Str("component", "notify").Logger(),
		metrics: m,
		queue:   make(chan Notification, queueSize),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) Notify(n Notification) {
	if n.OccurredAt.IsZero() {
		n.OccurredAt = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.metrics.ObserveNotification(string(n.Kind), "dropped")
		return
	}
	select {
	case d.queue <- n:
		d.metrics.SetQueueDepth(queueName, len(d.queue))
	default:
		d.metrics.ObserveNotification(string(n.Kind), "dropped")
		d.log.Warn().
			Str("kind", string(n.Kind)).
			Str("appointment_id", n.AppointmentID.String()).
			Msg("notification queue full, dropped")
	}
}

// Close stops accepting notifications and waits for queued ones.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for n := range d.queue {
		d.metrics.SetQueueDepth(queueName, len(d.queue))
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.port.Publish(ctx, n)
		cancel()
		if err != nil {
			d.metrics.ObserveNotification(string(n.Kind), "failed")
			d.log.Warn().Err(err).
				Str("kind", string(n.Kind)).
				Str("appointment_id", n.AppointmentID.String()).
				Msg("notification delivery failed")
			continue
		}
		d.metrics.ObserveNotification(string(n.Kind), "sent")
	}
}
