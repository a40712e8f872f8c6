package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Kind string

const (
	KindAppointmentCreated     Kind = "appointment.created"
	KindAppointmentRescheduled Kind = "appointment.rescheduled"
	KindAppointmentStatus      Kind = "appointment.status_changed"
	KindEncounterStarted       Kind = "encounter.started"
	KindEncounterClosed        Kind = "encounter.closed"
)

// Notification is an outbound message about a committed change.
type Notification struct {
	Kind          Kind       `json:"kind"`
	AppointmentID uuid.UUID  `json:"appointmentId"`
	EncounterID   *uuid.UUID `json:"encounterId,omitempty"`
	DoctorID      uuid.UUID  `json:"doctorId"`
	PatientID     uuid.UUID  `json:"patientId"`
	OldStatus     string     `json:"oldStatus,omitempty"`
	Status        string     `json:"status"`
	StartAt       time.Time  `json:"startAt"`
	EndAt         time.Time  `json:"endAt"`
	ActorID       uuid.UUID  `json:"actorId"`
	OccurredAt    time.Time  `json:"occurredAt"`
}

// Port delivers a notification. Delivery itself lives outside this service.
type Port interface {
	Publish(ctx context.Context, n Notification) error
}

// Notifier is what the workflow services depend on. Notify never blocks and
// never fails the caller.
type Notifier interface {
	Notify(n Notification)
}

// LogPort writes notifications to the log. Used when no broker is configured.
type LogPort struct {
	log zerolog.Logger
}

func NewLogPort(log zerolog.Logger) *LogPort {
	return &LogPort{log: log}
}

func (p *LogPort) Publish(_ context.Context, n Notification) error {
	p.log.Info().
		Str("kind", string(n.Kind)).
		Str("appointment_id", n.AppointmentID.String()).
		Str("status", n.Status).
		Msg("notification")
	return nil
}

// Discard drops every notification.
type Discard struct{}

func (Discard) Notify(Notification) {}
