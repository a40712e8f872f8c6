package encounter

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-workflow/internal/apperr"
)

// MemoryRepository is an in-process Repository with the same one encounter
// per appointment rule as the database.
type MemoryRepository struct {
	mu            sync.Mutex
	encounters    map[uuid.UUID]Encounter
	byAppointment map[uuid.UUID]uuid.UUID
	vitals        []Vitals
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		encounters:    make(map[uuid.UUID]Encounter),
		byAppointment: make(map[uuid.UUID]uuid.UUID),
	}
}

// HasEncounter plugs into appointment.MemoryRepository.SetEncounterLookup.
func (r *MemoryRepository) HasEncounter(appointmentID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byAppointment[appointmentID]
	return ok
}

func (r *MemoryRepository) Create(_ context.Context, e *Encounter) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byAppointment[e.AppointmentID]; ok {
		return false, nil
	}
	r.encounters[e.ID] = *e
	r.byAppointment[e.AppointmentID] = e.ID
	return true, nil
}

func (r *MemoryRepository) Get(_ context.Context, id uuid.UUID) (*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.encounters[id]
	if !ok {
		return nil, apperr.NotFound("encounter %s not found", id)
	}
	return &e, nil
}

func (r *MemoryRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return r.Get(ctx, id)
}

func (r *MemoryRepository) GetByAppointment(_ context.Context, appointmentID uuid.UUID) (*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byAppointment[appointmentID]
	if !ok {
		return nil, apperr.NotFound("encounter for appointment %s not found", appointmentID)
	}
	e := r.encounters[id]
	return &e, nil
}

func (r *MemoryRepository) Update(_ context.Context, e *Encounter) (*Encounter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.encounters[e.ID]
	if !ok {
		return nil, apperr.NotFound("encounter %s not found", e.ID)
	}
	cur.Reason, cur.Diagnosis, cur.Notes, cur.Status = e.Reason, e.Diagnosis, e.Notes, e.Status
	cur.UpdatedAt = time.Now().UTC()
	r.encounters[e.ID] = cur
	return &cur, nil
}

func (r *MemoryRepository) InsertVitals(_ context.Context, v *Vitals) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.encounters[v.EncounterID]; !ok {
		return apperr.NotFound("encounter %s not found", v.EncounterID)
	}
	r.vitals = append(r.vitals, *v)
	return nil
}

func (r *MemoryRepository) ListVitals(_ context.Context, encounterID uuid.UUID) ([]Vitals, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Vitals, 0)
	for _, v := range r.vitals {
		if v.EncounterID == encounterID {
			out = append(out, v)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}
