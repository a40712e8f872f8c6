package audit

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Filter selects events for one entity, strictly older than After when set.
type Filter struct {
	Entity   string
	EntityID uuid.UUID
	After    *Cursor
	Limit    int
}

type Store interface {
	Append(ctx context.Context, e Event) error
	Query(ctx context.Context, f Filter) ([]Event, error)
}

// MemoryStore keeps events in process. It backs tests and local runs
// without Postgres.
type MemoryStore struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, e Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *MemoryStore) Query(_ context.Context, f Filter) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0)
	for _, e := range s.events {
		if e.Entity != f.Entity || e.EntityID != f.EntityID {
			continue
		}
		if f.After != nil && !olderThan(e, *f.After) {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return olderThan(out[j], Cursor{CreatedAt: out[i].CreatedAt, ID: out[i].ID})
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// All returns every stored event in insertion order.
func (s *MemoryStore) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func olderThan(e Event, c Cursor) bool {
	if !e.CreatedAt.Equal(c.CreatedAt) {
		return e.CreatedAt.Before(c.CreatedAt)
	}
	return bytes.Compare(e.ID[:], c.ID[:]) < 0
}
