package encounter

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Create inserts e unless the appointment already has an encounter, in
	// which case inserted is false and nothing is written.
	Create(ctx context.Context, e *Encounter) (inserted bool, err error)
	Get(ctx context.Context, id uuid.UUID) (*Encounter, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error)
	GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Encounter, error)
	Update(ctx context.Context, e *Encounter) (*Encounter, error)

	InsertVitals(ctx context.Context, v *Vitals) error
	ListVitals(ctx context.Context, encounterID uuid.UUID) ([]Vitals, error)
}
