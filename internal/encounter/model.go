package encounter

import (
	"math"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/clinical-workflow/internal/apperr"
)

type Status string

const (
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusInProgress, StatusCompleted, StatusCancelled:
		return st, true
	default:
		return "", false
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// CanTransition reports whether an encounter may move from one status to
// another. IN_PROGRESS is the only non-terminal state.
func CanTransition(from, to Status) bool {
	return from == StatusInProgress && (to == StatusCompleted || to == StatusCancelled)
}

type Encounter struct {
	ID            uuid.UUID `json:"id"`
	AppointmentID uuid.UUID `json:"appointmentId"`
	Reason        *string   `json:"reason,omitempty"`
	Diagnosis     *string   `json:"diagnosis,omitempty"`
	Notes         *string   `json:"notes,omitempty"`
	Status        Status    `json:"status"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Patch lists the mutable clinical fields. Nil fields are left untouched.
type Patch struct {
	Reason    *string
	Diagnosis *string
	Notes     *string
	Status    *Status
}

func (p Patch) Empty() bool {
	return p.Reason == nil && p.Diagnosis == nil && p.Notes == nil && p.Status == nil
}

// Vitals are immutable once recorded. Corrections are new records.
type Vitals struct {
	ID            uuid.UUID `json:"id"`
	EncounterID   uuid.UUID `json:"encounterId"`
	HeightCm      float64   `json:"heightCm"`
	WeightKg      float64   `json:"weightKg"`
	BMI           float64   `json:"bmi"`
	HeartRate     *int      `json:"heartRate,omitempty"`
	BloodPressure *string   `json:"bloodPressure,omitempty"`
	SpO2          *int      `json:"spo2,omitempty"`
	RecordedAt    time.Time `json:"recordedAt"`
}

type VitalsInput struct {
	HeightCm      float64
	WeightKg      float64
	HeartRate     *int
	BloodPressure *string
	SpO2          *int
}

var bloodPressurePattern = regexp.MustCompile(`^\d{2,3}/\d{2,3}$`)

func (in VitalsInput) Validate() error {
	if in.HeightCm <= 0 || math.IsNaN(in.HeightCm) || math.IsInf(in.HeightCm, 0) {
		return apperr.Validation("heightCm must be greater than zero")
	}
	if in.WeightKg <= 0 || math.IsNaN(in.WeightKg) || math.IsInf(in.WeightKg, 0) {
		return apperr.Validation("weightKg must be greater than zero")
	}
	if in.HeartRate != nil && (*in.HeartRate <= 0 || *in.HeartRate > 300) {
		return apperr.Validation("heartRate must be between 1 and 300")
	}
	if in.SpO2 != nil && (*in.SpO2 < 0 || *in.SpO2 > 100) {
		return apperr.Validation("spo2 must be between 0 and 100")
	}
	if in.BloodPressure != nil && !bloodPressurePattern.MatchString(*in.BloodPressure) {
		return apperr.Validation("bloodPressure must look like 120/80")
	}
	return nil
}

// BMI is weight / (height in metres)². Callers guarantee heightCm > 0.
func BMI(weightKg, heightCm float64) float64 {
	m := heightCm / 100
	return weightKg / (m * m)
}
