package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinical-workflow/internal/apperr"
)

type failingStore struct{ MemoryStore }

func (s *failingStore) Append(context.Context, Event) error { return errors.New("disk full") }

type blockingStore struct {
	MemoryStore
	started chan struct{}
	release chan struct{}
}

func (s *blockingStore) Append(ctx context.Context, e Event) error {
	select {
	case s.started <- struct{}{}:
	default:
	}
	<-s.release
	return s.MemoryStore.Append(ctx, e)
}

func newEvent(entityID uuid.UUID) Event {
	return Event{
		ActorUserID: uuid.New(),
		Action:      ActionAppointmentStatusChange,
		Entity:      EntityAppointment,
		EntityID:    entityID,
		Metadata:    Metadata(map[string]string{"oldStatus": "PENDING", "newStatus": "CONFIRMED"}),
	}
}

func TestAppendStampsIDAndTimestamp(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, 4, zerolog.Nop(), nil)
	defer rec.Close()

	require.NoError(t, rec.Append(context.Background(), newEvent(uuid.New())))

	events := store.All()
	require.Len(t, events, 1)
	assert.Equal(t, uuid.Version(7), events[0].ID.Version())
	assert.False(t, events[0].CreatedAt.IsZero())
	assert.JSONEq(t, `{"oldStatus":"PENDING","newStatus":"CONFIRMED"}`, string(events[0].Metadata))
}

func TestAppendRejectsIncompleteEvent(t *testing.T) {
	rec := NewRecorder(NewMemoryStore(), 4, zerolog.Nop(), nil)
	defer rec.Close()

	err := rec.Append(context.Background(), Event{Entity: EntityAppointment, EntityID: uuid.New()})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestAppendWrapsStoreFailure(t *testing.T) {
	rec := NewRecorder(&failingStore{}, 4, zerolog.Nop(), nil)
	defer rec.Close()

	err := rec.Append(context.Background(), newEvent(uuid.New()))
	assert.ErrorIs(t, err, apperr.ErrPersistence)

	assert.NotPanics(t, func() { rec.Record(context.Background(), newEvent(uuid.New())) })
}

func TestDispatchDrainsOnClose(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, 100, zerolog.Nop(), nil)

	entityID := uuid.New()
	for range 10 {
		assert.True(t, rec.Dispatch(newEvent(entityID)))
	}
	rec.Close()

	assert.Len(t, store.All(), 10, "all events should be drained on close")
	assert.False(t, rec.Dispatch(newEvent(entityID)), "closed recorder drops events")
}

func TestDispatchDropsWhenQueueFull(t *testing.T) {
	store := &blockingStore{started: make(chan struct{}, 1), release: make(chan struct{})}
	rec := NewRecorder(store, 1, zerolog.Nop(), nil)

	entityID := uuid.New()
	require.True(t, rec.Dispatch(newEvent(entityID)))
	select {
	case <-store.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not pick up the first event")
	}

	assert.True(t, rec.Dispatch(newEvent(entityID)), "queue has room for one")
	assert.False(t, rec.Dispatch(newEvent(entityID)), "queue is full")

	close(store.release)
	rec.Close()
	assert.Len(t, store.All(), 2)
}

func TestQueryPaginatesNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	rec := NewRecorder(store, 4, zerolog.Nop(), nil)
	defer rec.Close()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	rec.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	entityID := uuid.New()
	for range 5 {
		require.NoError(t, rec.Append(context.Background(), newEvent(entityID)))
	}
	require.NoError(t, rec.Append(context.Background(), newEvent(uuid.New())))

	first, err := rec.Query(context.Background(), EntityAppointment, entityID, "", 2)
	require.NoError(t, err)
	require.Len(t, first.Events, 2)
	assert.True(t, first.Events[0].CreatedAt.After(first.Events[1].CreatedAt))
	require.NotEmpty(t, first.NextCursor)

	second, err := rec.Query(context.Background(), EntityAppointment, entityID, first.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, second.Events, 2)
	assert.True(t, second.Events[0].CreatedAt.Before(first.Events[1].CreatedAt))

	third, err := rec.Query(context.Background(), EntityAppointment, entityID, second.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, third.Events, 1)
	assert.Empty(t, third.NextCursor)
}

func TestQueryRejectsBadCursor(t *testing.T) {
	rec := NewRecorder(NewMemoryStore(), 4, zerolog.Nop(), nil)
	defer rec.Close()

	_, err := rec.Query(context.Background(), EntityAppointment, uuid.New(), "not-a-cursor!", 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = rec.Query(context.Background(), "", uuid.New(), "", 10)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestCursorRoundTrip(t *testing.T) {
	c := Cursor{CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC), ID: uuid.New()}
	got, err := DecodeCursor(EncodeCursor(c))
	require.NoError(t, err)
	assert.True(t, c.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, c.ID, got.ID)
}
