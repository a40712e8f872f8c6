package appointment

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-workflow/internal/access"
)

type Appointment struct {
	ID        uuid.UUID `json:"id"`
	ClinicID  uuid.UUID `json:"clinicId"`
	PatientID uuid.UUID `json:"patientId"`
	DoctorID  uuid.UUID `json:"doctorId"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
	Status    Status    `json:"status"`
	Reason    *string   `json:"reason,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Target is the view of the appointment the permission evaluator needs.
func (a *Appointment) Target() access.Target {
	return access.Target{
		DoctorID:  a.DoctorID,
		PatientID: a.PatientID,
		Pending:   a.Status == StatusPending,
	}
}

type CreateInput struct {
	ClinicID  uuid.UUID
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	StartAt   time.Time
	EndAt     time.Time
	Reason    *string
}

// UpdateInput carries the non-status fields a caller may change. Nil fields
// are left untouched.
type UpdateInput struct {
	ClinicID *uuid.UUID
	StartAt  *time.Time
	EndAt    *time.Time
	Reason   *string
}

func (in UpdateInput) Empty() bool {
	return in.ClinicID == nil && in.StartAt == nil && in.EndAt == nil && in.Reason == nil
}

type ListFilter struct {
	DoctorID  *uuid.UUID
	PatientID *uuid.UUID
	Status    *Status
	From      *time.Time
	To        *time.Time
	Limit     int
	Offset    int
}
