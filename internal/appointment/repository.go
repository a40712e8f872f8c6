package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository contains all DB interactions needed by the service. Methods use
// the transaction carried by ctx when there is one.
type Repository interface {
	Insert(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// GetForUpdate locks the row until the surrounding transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error)
	List(ctx context.Context, f ListFilter) ([]Appointment, error)

	// UpdateStatus is a compare-and-set on the current status.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)
	UpdateFields(ctx context.Context, a *Appointment) (*Appointment, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// For conflict checks
	HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error)
	HasEncounter(ctx context.Context, id uuid.UUID) (bool, error)

	// Expiry worker
	ListStalePending(ctx context.Context, startedBefore time.Time, limit int) ([]Appointment, error)
}
