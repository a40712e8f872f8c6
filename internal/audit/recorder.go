package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-workflow/internal/apperr"
	"github.com/hackgods/clinical-workflow/internal/metrics"
)

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 200
	queueName         = "audit"
	dispatchTimeout   = 5 * time.Second
)

// Recorder is the single entry point for writing and reading audit events.
type Recorder struct {
	store   Store
	log     zerolog.Logger
	metrics *metrics.WorkflowMetrics
	now     func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
}

// NewRecorder starts the background worker that drains Dispatch. Close must
// be called to flush queued events.
func NewRecorder(store Store, queueSize int, log zerolog.Logger, m *metrics.WorkflowMetrics) *Recorder {
	if queueSize <= 0 {
		queueSize = 256
	}
	r := &Recorder{
		store:   store,
		log:     log.With().Str("component", "audit").Logger(),
		metrics: m,
		now:     time.Now,
		queue:   make(chan Event, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Append validates, stamps and stores e.
func (r *Recorder) Append(ctx context.Context, e Event) error {
	if err := r.prepare(&e); err != nil {
		return err
	}
	if err := r.store.Append(ctx, e); err != nil {
		r.metrics.ObserveAudit("failed")
		return apperr.Persistence("append audit event", err)
	}
	r.metrics.ObserveAudit("written")
	return nil
}

// Record appends e inside the caller's transaction. Failures are logged and
// never returned so the business operation proceeds.
func (r *Recorder) Record(ctx context.Context, e Event) {
	if err := r.Append(ctx, e); err != nil {
		r.log.Warn().Err(err).
			Str("action", e.Action).
			Str("entity", e.Entity).
			Str("entity_id", e.EntityID.String()).
			Msg("audit write failed")
	}
}

// Dispatch queues e for the background worker and returns immediately.
// Events are dropped with a warning when the queue is full or closed.
func (r *Recorder) Dispatch(e Event) bool {
	if err := r.prepare(&e); err != nil {
		r.log.Warn().Err(err).Msg("audit event rejected")
		return false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.metrics.ObserveAudit("dropped")
		r.log.Warn().Str("action", e.Action).Msg("audit recorder closed, event dropped")
		return false
	}
	select {
	case r.queue <- e:
		r.metrics.SetQueueDepth(queueName, len(r.queue))
		return true
	default:
		r.metrics.ObserveAudit("dropped")
		r.log.Warn().Str("action", e.Action).Str("entity_id", e.EntityID.String()).Msg("audit queue full, event dropped")
		return false
	}
}

// Close stops accepting events and waits until queued ones are written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	<-r.done
}

func (r *Recorder) run() {
	defer close(r.done)
	for e := range r.queue {
		r.metrics.SetQueueDepth(queueName, len(r.queue))
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		if err := r.store.Append(ctx, e); err != nil {
			r.metrics.ObserveAudit("failed")
			r.log.Warn().Err(err).Str("action", e.Action).Msg("queued audit write failed")
		} else {
			r.metrics.ObserveAudit("written")
		}
		cancel()
	}
}

// Query returns events for one entity newest first. cursor is the NextCursor
// of a previous page or empty for the first page.
func (r *Recorder) Query(ctx context.Context, entity string, entityID uuid.UUID, cursor string, limit int) (Page, error) {
	if strings.TrimSpace(entity) == "" || entityID == uuid.Nil {
		return Page{}, apperr.Validation("entity and entityId are required")
	}
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	f := Filter{Entity: entity, EntityID: entityID, Limit: limit + 1}
	if cursor != "" {
		c, err := DecodeCursor(cursor)
		if err != nil {
			return Page{}, apperr.Validation("%s", err.Error())
		}
		f.After = &c
	}

	events, err := r.store.Query(ctx, f)
	if err != nil {
		return Page{}, apperr.Persistence("query audit events", err)
	}

	page := Page{Events: events}
	if len(events) > limit {
		page.Events = events[:limit]
		last := page.Events[limit-1]
		page.NextCursor = EncodeCursor(Cursor{CreatedAt: last.CreatedAt, ID: last.ID})
	}
	return page, nil
}

func (r *Recorder) prepare(e *Event) error {
	if strings.TrimSpace(e.Action) == "" || strings.TrimSpace(e.Entity) == "" {
		return apperr.Validation("audit event requires action and entity")
	}
	if e.EntityID == uuid.Nil {
		return apperr.Validation("audit event requires entityId")
	}
	if e.ID == uuid.Nil {
		id, err := uuid.NewV7()
		if err != nil {
			return apperr.Persistence("generate audit id", err)
		}
		e.ID = id
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = r.now().UTC().Truncate(time.Microsecond)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = Metadata(nil)
	}
	return nil
}
