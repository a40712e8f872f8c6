package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-workflow/internal/apperr"
)

// MemoryRepository is an in-process Repository. Insert and UpdateFields
// enforce the same no-overlap rule as the database constraint.
type MemoryRepository struct {
	mu           sync.Mutex
	items        map[uuid.UUID]Appointment
	hasEncounter func(appointmentID uuid.UUID) bool
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{items: make(map[uuid.UUID]Appointment)}
}

// SetEncounterLookup wires the check used by HasEncounter and Delete.
func (r *MemoryRepository) SetEncounterLookup(fn func(appointmentID uuid.UUID) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hasEncounter = fn
}

func (r *MemoryRepository) Insert(_ context.Context, a *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.overlapLocked(a.DoctorID, a.StartAt, a.EndAt, &a.ID) {
		return apperr.SlotConflict("time slot taken: doctor already has an overlapping appointment")
	}
	r.items[a.ID] = *a
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok {
		return nil, apperr.NotFound("appointment %s not found", id)
	}
	return &a, nil
}

func (r *MemoryRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return r.Get(ctx, id)
}

func (r *MemoryRepository) List(_ context.Context, f ListFilter) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Appointment, 0)
	for _, a := range r.items {
		if f.DoctorID != nil && a.DoctorID != *f.DoctorID {
			continue
		}
		if f.PatientID != nil && a.PatientID != *f.PatientID {
			continue
		}
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.From != nil && !a.EndAt.After(*f.From) {
			continue
		}
		if f.To != nil && !a.StartAt.Before(*f.To) {
			continue
		}
		out = append(out, a)
	}
	sortByStart(out)
	return page(out, f.Limit, f.Offset), nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok || a.Status != from {
		return nil, apperr.InvalidTransition("appointment %s is no longer %s", id, from)
	}
	a.Status = to
	a.UpdatedAt = time.Now().UTC()
	r.items[id] = a
	return &a, nil
}

func (r *MemoryRepository) UpdateFields(_ context.Context, next *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[next.ID]
	if !ok || a.Status != next.Status {
		return nil, apperr.InvalidTransition("appointment %s is no longer %s", next.ID, next.Status)
	}
	if r.overlapLocked(next.DoctorID, next.StartAt, next.EndAt, &next.ID) {
		return nil, apperr.SlotConflict("time slot taken: doctor already has an overlapping appointment")
	}
	a.ClinicID, a.StartAt, a.EndAt, a.Reason = next.ClinicID, next.StartAt, next.EndAt, next.Reason
	a.UpdatedAt = time.Now().UTC()
	r.items[a.ID] = a
	return &a, nil
}

func (r *MemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.items[id]
	if !ok || a.Status != StatusPending || (r.hasEncounter != nil && r.hasEncounter(id)) {
		return apperr.InvalidTransition("appointment %s can no longer be deleted", id)
	}
	delete(r.items, id)
	return nil
}

func (r *MemoryRepository) HasOverlap(_ context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overlapLocked(doctorID, start, end, exclude), nil
}

func (r *MemoryRepository) HasEncounter(_ context.Context, id uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hasEncounter != nil && r.hasEncounter(id), nil
}

func (r *MemoryRepository) ListStalePending(_ context.Context, startedBefore time.Time, limit int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Appointment, 0)
	for _, a := range r.items {
		if a.Status == StatusPending && a.StartAt.Before(startedBefore) {
			out = append(out, a)
		}
	}
	sortByStart(out)
	return page(out, limit, 0), nil
}

func (r *MemoryRepository) overlapLocked(doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) bool {
	for _, a := range r.items {
		if a.DoctorID != doctorID || a.Status == StatusCancelled {
			continue
		}
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if Overlaps(a.StartAt, a.EndAt, start, end) {
			return true
		}
	}
	return false
}

func sortByStart(items []Appointment) {
	sort.Slice(items, func(i, j int) bool {
		if !items[i].StartAt.Equal(items[j].StartAt) {
			return items[i].StartAt.Before(items[j].StartAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
}

func page(items []Appointment, limit, offset int) []Appointment {
	if offset >= len(items) {
		return []Appointment{}
	}
	items = items[offset:]
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
