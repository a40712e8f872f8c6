package api

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/encounter"
)

type CreateAppointmentRequest struct {
	ClinicID  uuid.UUID `json:"clinicId"`
	PatientID uuid.UUID `json:"patientId"`
	DoctorID  uuid.UUID `json:"doctorId"`
	StartAt   time.Time `json:"startAt"`
	EndAt     time.Time `json:"endAt"`
	Reason    *string   `json:"reason,omitempty"`
}

type UpdateAppointmentRequest struct {
	ClinicID *uuid.UUID `json:"clinicId,omitempty"`
	StartAt  *time.Time `json:"startAt,omitempty"`
	EndAt    *time.Time `json:"endAt,omitempty"`
	Reason   *string    `json:"reason,omitempty"`
}

type StatusRequest struct {
	Status string `json:"status"`
}

type ListAppointmentsResponse struct {
	Items  []appointment.Appointment `json:"items"`
	Limit  int                       `json:"limit"`
	Offset int                       `json:"offset"`
}

type StartEncounterRequest struct {
	AppointmentID uuid.UUID `json:"appointmentId"`
}

type EncounterResponse struct {
	*encounter.Encounter
	Created bool `json:"created"`
}

type UpdateEncounterRequest struct {
	Reason    *string `json:"reason,omitempty"`
	Diagnosis *string `json:"diagnosis,omitempty"`
	Notes     *string `json:"notes,omitempty"`
	Status    *string `json:"status,omitempty"`
}

type RecordVitalsRequest struct {
	EncounterID   uuid.UUID `json:"encounterId"`
	HeightCm      float64   `json:"heightCm"`
	WeightKg      float64   `json:"weightKg"`
	HeartRate     *int      `json:"heartRate,omitempty"`
	BloodPressure *string   `json:"bloodPressure,omitempty"`
	SpO2          *int      `json:"spo2,omitempty"`
}

// ClientAuditRequest is a fire-and-forget event reported by a client. The
// actor always comes from the token.
type ClientAuditRequest struct {
	Action   string          `json:"action"`
	Entity   string          `json:"entity"`
	EntityID uuid.UUID       `json:"entityId"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
