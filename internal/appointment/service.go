package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinical-workflow/internal/access"
	"github.com/hackgods/clinical-workflow/internal/apperr"
	"github.com/hackgods/clinical-workflow/internal/audit"
	"github.com/hackgods/clinical-workflow/internal/db"
	"github.com/hackgods/clinical-workflow/internal/metrics"
	"github.com/hackgods/clinical-workflow/internal/notify"
	redisclient "github.com/hackgods/clinical-workflow/internal/redis"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var tracer = otel.Tracer("github.com/hackgods/clinical-workflow/internal/appointment")

// Auditor records an audit event inside the caller's transaction and never
// fails the caller.
type Auditor interface {
	Record(ctx context.Context, e audit.Event)
}

type Deps struct {
	Repo     Repository
	Tx       db.Transactor
	Locker   redisclient.Locker
	Audit    Auditor
	Notifier notify.Notifier
	Metrics  *metrics.WorkflowMetrics
	Log      zerolog.Logger
}

// Service is the appointment state machine. Every status change, including
// the ones the encounter workflow triggers, goes through RequestTransition.
type Service struct {
	repo     Repository
	tx       db.Transactor
	locker   redisclient.Locker
	audit    Auditor
	notifier notify.Notifier
	metrics  *metrics.WorkflowMetrics
	log      zerolog.Logger
	perms    access.Evaluator
	slots    SlotValidator
	now      func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:     d.Repo,
		tx:       d.Tx,
		locker:   d.Locker,
		audit:    d.Audit,
		notifier: d.Notifier,
		metrics:  d.Metrics,
		log:      d.Log.With().Str("component", "appointment").Logger(),
		perms:    access.NewEvaluator(),
		slots:    NewSlotValidator(d.Repo),
		now:      time.Now,
	}
	if s.locker == nil {
		s.locker = redisclient.NoopLocker{}
	}
	if s.notifier == nil {
		s.notifier = notify.Discard{}
	}
	if s.audit == nil {
		s.audit = nopAuditor{}
	}
	return s
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, audit.Event) {}

// Create books a new PENDING appointment after checking the doctor's calendar.
func (s *Service) Create(ctx context.Context, in CreateInput, actor access.Actor) (appt *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.Create", trace.WithAttributes(
		attribute.String("doctor_id", in.DoctorID.String()),
		attribute.String("actor_role", string(actor.Role)),
	))
	started := time.Now()
	defer func() {
		s.metrics.ObserveBooking(bookingOutcome(err), time.Since(started).Seconds())
		endSpan(span, err)
	}()

	if err := validateCreate(in); err != nil {
		return nil, err
	}

	appt = &Appointment{
		ID:        uuid.New(),
		ClinicID:  in.ClinicID,
		PatientID: in.PatientID,
		DoctorID:  in.DoctorID,
		StartAt:   in.StartAt.UTC(),
		EndAt:     in.EndAt.UTC(),
		Status:    StatusPending,
		Reason:    in.Reason,
	}
	if d := s.perms.CanPerform(actor, access.ActionCreate, appt.Target()); !d.Allowed {
		return nil, apperr.Forbidden(d.Reason)
	}

	err = s.withDoctorLock(ctx, appt.DoctorID, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			if err := s.slots.Check(ctx, appt.DoctorID, appt.StartAt, appt.EndAt, nil); err != nil {
				return err
			}

			now := s.now().UTC()
			appt.Status = StatusPending
			appt.CreatedAt, appt.UpdatedAt = now, now
			if err := s.repo.Insert(ctx, appt); err != nil {
				return err
			}

			s.audit.Record(ctx, audit.Event{
				ActorUserID: actor.ID,
				Action:      audit.ActionAppointmentCreate,
				Entity:      audit.EntityAppointment,
				EntityID:    appt.ID,
				Metadata: audit.Metadata(map[string]any{
					"clinicId":  appt.ClinicID,
					"patientId": appt.PatientID,
					"doctorId":  appt.DoctorID,
					"startAt":   appt.StartAt,
					"endAt":     appt.EndAt,
					"status":    appt.Status,
				}),
			})
			s.notifyAfterCommit(ctx, notify.KindAppointmentCreated, *appt, "", actor)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return appt, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID, actor access.Actor) (*Appointment, error) {
	a, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := AuthorizeRead(s.perms, actor, a); err != nil {
		return nil, err
	}
	return a, nil
}

// AuthorizeRead applies the read rule plus patient ownership.
func AuthorizeRead(ev access.Evaluator, actor access.Actor, a *Appointment) error {
	if d := ev.CanPerform(actor, access.ActionRead, a.Target()); !d.Allowed {
		return apperr.Forbidden(d.Reason)
	}
	if actor.Role == access.RolePatient && a.PatientID != actor.ID {
		return apperr.Forbidden("not your appointment")
	}
	return nil
}

// List returns appointments ordered by start time. Patients only ever see
// their own.
func (s *Service) List(ctx context.Context, f ListFilter, actor access.Actor) ([]Appointment, error) {
	if d := s.perms.CanPerform(actor, access.ActionRead, access.Target{PatientID: actor.ID}); !d.Allowed {
		return nil, apperr.Forbidden(d.Reason)
	}
	if actor.Role == access.RolePatient {
		self := actor.ID
		f.PatientID = &self
	}
	if f.Limit <= 0 {
		f.Limit = defaultListLimit
	}
	if f.Limit > maxListLimit {
		f.Limit = maxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.repo.List(ctx, f)
}

// Update changes non-status fields. A changed interval is re-validated
// against the doctor's calendar, excluding the appointment itself.
func (s *Service) Update(ctx context.Context, id uuid.UUID, in UpdateInput, actor access.Actor) (updated *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.Update", trace.WithAttributes(attribute.String("appointment_id", id.String())))
	defer func() { endSpan(span, err) }()

	if in.Empty() {
		return nil, apperr.Validation("no updatable fields supplied")
	}

	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	err = s.withDoctorLock(ctx, current.DoctorID, func(ctx context.Context) error {
		return s.tx.WithinTx(ctx, func(ctx context.Context) error {
			a, err := s.repo.GetForUpdate(ctx, id)
			if err != nil {
				return err
			}
			if d := s.perms.CanPerform(actor, access.ActionUpdate, a.Target()); !d.Allowed {
				return apperr.Forbidden(d.Reason)
			}
			if a.Status.Terminal() {
				return apperr.InvalidTransition("appointment is already %s and can no longer be modified", a.Status)
			}

			next, changes := applyUpdate(*a, in)
			if !next.EndAt.After(next.StartAt) {
				return apperr.Validation("endAt must be after startAt")
			}
			if len(changes) == 0 {
				updated = a
				return nil
			}

			rescheduled := !next.StartAt.Equal(a.StartAt) || !next.EndAt.Equal(a.EndAt)
			if rescheduled {
				if a.Status == StatusInProgress {
					return apperr.InvalidTransition("appointment is IN_PROGRESS and cannot be rescheduled")
				}
				if err := s.slots.Check(ctx, next.DoctorID, next.StartAt, next.EndAt, &a.ID); err != nil {
					return err
				}
			}

			res, err := s.repo.UpdateFields(ctx, &next)
			if err != nil {
				return err
			}

			s.audit.Record(ctx, audit.Event{
				ActorUserID: actor.ID,
				Action:      audit.ActionAppointmentUpdate,
				Entity:      audit.EntityAppointment,
				EntityID:    a.ID,
				Metadata:    audit.Metadata(map[string]any{"changes": changes}),
			})
			if rescheduled {
				s.notifyAfterCommit(ctx, notify.KindAppointmentRescheduled, *res, "", actor)
			}
			updated = res
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

type fieldChange struct {
	From any `json:"from"`
	To   any `json:"to"`
}

func applyUpdate(a Appointment, in UpdateInput) (Appointment, map[string]fieldChange) {
	changes := map[string]fieldChange{}
	if in.ClinicID != nil && *in.ClinicID != a.ClinicID {
		changes["clinicId"] = fieldChange{From: a.ClinicID, To: *in.ClinicID}
		a.ClinicID = *in.ClinicID
	}
	if in.StartAt != nil && !in.StartAt.Equal(a.StartAt) {
		changes["startAt"] = fieldChange{From: a.StartAt, To: in.StartAt.UTC()}
		a.StartAt = in.StartAt.UTC()
	}
	if in.EndAt != nil && !in.EndAt.Equal(a.EndAt) {
		changes["endAt"] = fieldChange{From: a.EndAt, To: in.EndAt.UTC()}
		a.EndAt = in.EndAt.UTC()
	}
	if in.Reason != nil && (a.Reason == nil || *a.Reason != *in.Reason) {
		changes["reason"] = fieldChange{From: a.Reason, To: *in.Reason}
		reason := *in.Reason
		a.Reason = &reason
	}
	return a, changes
}

// RequestTransition moves an appointment to a new status. The move must be a
// legal successor and permitted for the actor. When ctx already carries a
// transaction the transition joins it through a savepoint.
func (s *Service) RequestTransition(ctx context.Context, id uuid.UUID, to Status, actor access.Actor) (updated *Appointment, err error) {
	ctx, span := tracer.Start(ctx, "appointment.RequestTransition", trace.WithAttributes(
		attribute.String("appointment_id", id.String()),
		attribute.String("to", string(to)),
	))
	defer func() { endSpan(span, err) }()

	if _, ok := transitions[to]; !ok {
		return nil, apperr.Validation("unknown appointment status %q", to)
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		updated, err = s.transition(ctx, a, to, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *Service) transition(ctx context.Context, a *Appointment, to Status, actor access.Actor) (*Appointment, error) {
	from := a.Status
	if !CanTransition(from, to) {
		s.metrics.ObserveTransition(string(from), string(to), "invalid")
		if from.Terminal() {
			return nil, apperr.InvalidTransition("appointment is already %s", from)
		}
		return nil, apperr.InvalidTransition("cannot move appointment from %s to %s", from, to)
	}
	if d := s.perms.CanPerform(actor, access.StatusChange(string(to)), a.Target()); !d.Allowed {
		s.metrics.ObserveTransition(string(from), string(to), "forbidden")
		return nil, apperr.Forbidden(d.Reason)
	}

	updated, err := s.repo.UpdateStatus(ctx, a.ID, from, to)
	if err != nil {
		return nil, err
	}

	s.audit.Record(ctx, audit.Event{
		ActorUserID: actor.ID,
		Action:      audit.ActionAppointmentStatusChange,
		Entity:      audit.EntityAppointment,
		EntityID:    a.ID,
		Metadata: audit.Metadata(map[string]any{
			"oldStatus": from,
			"newStatus": to,
			"actorId":   actor.ID,
		}),
	})
	db.AfterCommit(ctx, func() {
		s.metrics.ObserveTransition(string(from), string(to), "ok")
	})
	s.notifyAfterCommit(ctx, notify.KindAppointmentStatus, *updated, from, actor)
	return updated, nil
}

// Delete hard-deletes a PENDING appointment that has no encounter.
func (s *Service) Delete(ctx context.Context, id uuid.UUID, actor access.Actor) (err error) {
	ctx, span := tracer.Start(ctx, "appointment.Delete", trace.WithAttributes(attribute.String("appointment_id", id.String())))
	defer func() { endSpan(span, err) }()

	return s.tx.WithinTx(ctx, func(ctx context.Context) error {
		a, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if d := s.perms.CanPerform(actor, access.ActionDelete, a.Target()); !d.Allowed {
			return apperr.Forbidden(d.Reason)
		}
		if a.Status != StatusPending {
			return apperr.Forbidden("only PENDING appointments can be deleted, this one is " + string(a.Status))
		}
		hasEncounter, err := s.repo.HasEncounter(ctx, id)
		if err != nil {
			return err
		}
		if hasEncounter {
			return apperr.InvalidTransition("appointment has an encounter and cannot be deleted")
		}
		if err := s.repo.Delete(ctx, id); err != nil {
			return err
		}

		s.audit.Record(ctx, audit.Event{
			ActorUserID: actor.ID,
			Action:      audit.ActionAppointmentDelete,
			Entity:      audit.EntityAppointment,
			EntityID:    a.ID,
			Metadata: audit.Metadata(map[string]any{
				"doctorId":  a.DoctorID,
				"patientId": a.PatientID,
				"startAt":   a.StartAt,
				"endAt":     a.EndAt,
				"status":    a.Status,
			}),
		})
		return nil
	})
}

// CancelStalePending cancels PENDING appointments whose start passed more
// than grace ago. It is intended to be called by the worker periodically.
func (s *Service) CancelStalePending(ctx context.Context, grace time.Duration, batch int) (int, error) {
	if batch <= 0 {
		batch = 100
	}
	cutoff := s.now().UTC().Add(-grace)
	stale, err := s.repo.ListStalePending(ctx, cutoff, batch)
	if err != nil {
		return 0, err
	}

	cancelled := 0
	for _, a := range stale {
		if _, err := s.RequestTransition(ctx, a.ID, StatusCancelled, access.System); err != nil {
			if errors.Is(err, apperr.ErrInvalidTransition) || errors.Is(err, apperr.ErrNotFound) {
				s.log.Debug().Str("appointment_id", a.ID.String()).Err(err).Msg("stale appointment changed concurrently")
				continue
			}
			s.log.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("failed to cancel stale appointment")
			continue
		}
		cancelled++
	}
	return cancelled, nil
}

// withDoctorLock narrows contention on one doctor's calendar. When the lock
// cannot be taken fn still runs; the transaction and exclusion constraint
// decide conflicts.
func (s *Service) withDoctorLock(ctx context.Context, doctorID uuid.UUID, fn func(ctx context.Context) error) error {
	ran := false
	err := s.locker.WithDoctorLock(ctx, doctorID, func(ctx context.Context) error {
		ran = true
		return fn(ctx)
	})
	if ran || err == nil {
		return err
	}
	if ctx.Err() != nil {
		return apperr.Persistence("wait for doctor calendar", ctx.Err())
	}
	s.log.Warn().Err(err).Str("doctor_id", doctorID.String()).Msg("doctor lock unavailable, continuing without it")
	return fn(ctx)
}

func (s *Service) notifyAfterCommit(ctx context.Context, kind notify.Kind, a Appointment, old Status, actor access.Actor) {
	n := notify.Notification{
		Kind:          kind,
		AppointmentID: a.ID,
		DoctorID:      a.DoctorID,
		PatientID:     a.PatientID,
		OldStatus:     string(old),
		Status:        string(a.Status),
		StartAt:       a.StartAt,
		EndAt:         a.EndAt,
		ActorID:       actor.ID,
	}
	db.AfterCommit(ctx, func() { s.notifier.Notify(n) })
}

func validateCreate(in CreateInput) error {
	if in.ClinicID == uuid.Nil || in.PatientID == uuid.Nil || in.DoctorID == uuid.Nil {
		return apperr.Validation("clinicId, patientId and doctorId are required")
	}
	if in.StartAt.IsZero() || in.EndAt.IsZero() {
		return apperr.Validation("startAt and endAt are required")
	}
	if !in.EndAt.After(in.StartAt) {
		return apperr.Validation("endAt must be after startAt")
	}
	return nil
}

func bookingOutcome(err error) string {
	if err == nil {
		return "created"
	}
	return string(apperr.KindOf(err))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperr.ReasonOf(err))
	}
	span.End()
}
