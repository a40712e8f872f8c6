package encounter

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinical-workflow/internal/access"
	"github.com/hackgods/clinical-workflow/internal/apperr"
	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/audit"
	"github.com/hackgods/clinical-workflow/internal/db"
	"github.com/hackgods/clinical-workflow/internal/metrics"
	"github.com/hackgods/clinical-workflow/internal/notify"
)

var tracer = otel.Tracer("github.com/hackgods/clinical-workflow/internal/encounter")

// AppointmentReader is the slice of the appointment store the encounter
// workflow reads through. appointment.Repository satisfies it.
type AppointmentReader interface {
	Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
}

// Transitioner moves an appointment through its state machine.
// *appointment.Service satisfies it.
type Transitioner interface {
	RequestTransition(ctx context.Context, id uuid.UUID, to appointment.Status, actor access.Actor) (*appointment.Appointment, error)
}

type Deps struct {
	Repo         Repository
	Appointments AppointmentReader
	Workflow     Transitioner
	Tx           db.Transactor
	Audit        appointment.Auditor
	Notifier     notify.Notifier
	Metrics      *metrics.WorkflowMetrics
	Log          zerolog.Logger
}

type Service struct {
	repo         Repository
	appointments AppointmentReader
	workflow     Transitioner
	tx           db.Transactor
	audit        appointment.Auditor
	notifier     notify.Notifier
	metrics      *metrics.WorkflowMetrics
	log          zerolog.Logger
	perms        access.Evaluator
	now          func() time.Time
}

func NewService(d Deps) *Service {
	s := &Service{
		repo:         d.Repo,
		appointments: d.Appointments,
		workflow:     d.Workflow,
		tx:           d.Tx,
		audit:        d.Audit,
		notifier:     d.Notifier,
		metrics:      d.Metrics,
		log:          d.Log.With().Str("component", "encounter").Logger(),
		perms:        access.NewEvaluator(),
		now:          time.Now,
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

// StartOrResume returns the appointment's encounter, creating it when none
// exists. created reports whether this call inserted it.
func (s *Service) StartOrResume(ctx context.Context, appointmentID uuid.UUID, actor access.Actor) (enc *Encounter, created bool, err error) {
	ctx, span := tracer.Start(ctx, "encounter.StartOrResume", trace.WithAttributes(
		attribute.String("appointment_id", appointmentID.String()),
		attribute.String("actor_role", string(actor.Role)),
	))
	defer func() {
		outcome := "resumed"
		switch {
		case err != nil:
			outcome = string(apperr.KindOf(err))
		case created:
			outcome = "created"
		}
		s.metrics.ObserveEncounter("start", outcome)
		endSpan(span, err)
	}()

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		created = false
		appt, err := s.appointments.GetForUpdate(ctx, appointmentID)
		if err != nil {
			return err
		}

		existing, err := s.repo.GetByAppointment(ctx, appt.ID)
		if err == nil {
			if err := appointment.AuthorizeRead(s.perms, actor, appt); err != nil {
				return err
			}
			enc = existing
			return nil
		}
		if apperr.KindOf(err) != apperr.KindNotFound {
			return err
		}

		if d := s.perms.CanPerform(actor, access.ActionStartEncounter, appt.Target()); !d.Allowed {
			return apperr.Forbidden(d.Reason)
		}

		now := s.now().UTC()
		candidate := &Encounter{
			ID:            uuid.New(),
			AppointmentID: appt.ID,
			Reason:        appt.Reason,
			Status:        StatusInProgress,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		inserted, err := s.repo.Create(ctx, candidate)
		if err != nil {
			return err
		}
		if !inserted {
			// Lost the race to a concurrent start.
			enc, err = s.repo.GetByAppointment(ctx, appt.ID)
			return err
		}

		s.syncAppointment(ctx, appt, appointment.StatusInProgress, actor)

		s.audit.Record(ctx, audit.Event{
			ActorUserID: actor.ID,
			Action:      audit.ActionEncounterCreate,
			Entity:      audit.EntityEncounter,
			EntityID:    candidate.ID,
			Metadata: audit.Metadata(map[string]any{
				"appointmentId": appt.ID,
				"status":        candidate.Status,
			}),
		})
		s.notifyAfterCommit(ctx, notify.KindEncounterStarted, candidate, appt, actor)

		enc, created = candidate, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return enc, created, nil
}

// syncAppointment walks the appointment to target through the state machine.
// It runs in its own savepoint; a failure is logged and the caller's
// transaction carries on.
func (s *Service) syncAppointment(ctx context.Context, appt *appointment.Appointment, target appointment.Status, actor access.Actor) {
	if appt.Status == target || appt.Status.Terminal() {
		return
	}
	path, ok := appointment.PathTo(appt.Status, target)
	if !ok {
		s.log.Warn().
			Str("appointment_id", appt.ID.String()).
			Str("from", string(appt.Status)).
			Str("to", string(target)).
			Msg("no transition path for appointment")
		return
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		for _, step := range path {
			if _, err := s.workflow.RequestTransition(ctx, appt.ID, step, actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn().Err(err).
			Str("appointment_id", appt.ID.String()).
			Str("to", string(target)).
			Msg("appointment status sync failed")
	}
}

// RecordVitals appends a vitals reading. BMI is derived and the timestamp is
// taken from the server clock.
func (s *Service) RecordVitals(ctx context.Context, encounterID uuid.UUID, in VitalsInput, actor access.Actor) (v *Vitals, err error) {
	ctx, span := tracer.Start(ctx, "encounter.RecordVitals", trace.WithAttributes(attribute.String("encounter_id", encounterID.String())))
	defer func() {
		s.metrics.ObserveEncounter("vitals", outcomeOf(err))
		endSpan(span, err)
	}()

	if err := in.Validate(); err != nil {
		return nil, err
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		enc, err := s.repo.Get(ctx, encounterID)
		if err != nil {
			return err
		}
		appt, err := s.appointments.Get(ctx, enc.AppointmentID)
		if err != nil {
			return err
		}
		if d := s.perms.CanPerform(actor, access.ActionRecordVitals, appt.Target()); !d.Allowed {
			return apperr.Forbidden(d.Reason)
		}
		if enc.Status == StatusCancelled {
			return apperr.InvalidTransition("encounter is CANCELLED, vitals can no longer be recorded")
		}

		rec := &Vitals{
			ID:            uuid.New(),
			EncounterID:   enc.ID,
			HeightCm:      in.HeightCm,
			WeightKg:      in.WeightKg,
			BMI:           BMI(in.WeightKg, in.HeightCm),
			HeartRate:     in.HeartRate,
			BloodPressure: in.BloodPressure,
			SpO2:          in.SpO2,
			RecordedAt:    s.now().UTC().Truncate(time.Microsecond),
		}
		if err := s.repo.InsertVitals(ctx, rec); err != nil {
			return err
		}

		s.audit.Record(ctx, audit.Event{
			ActorUserID: actor.ID,
			Action:      audit.ActionVitalsRecord,
			Entity:      audit.EntityVitals,
			EntityID:    rec.ID,
			Metadata: audit.Metadata(map[string]any{
				"encounterId": enc.ID,
				"heightCm":    rec.HeightCm,
				"weightKg":    rec.WeightKg,
				"bmi":         rec.BMI,
			}),
		})
		v = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// UpdateClinicalFields applies a patch to reason, diagnosis, notes and status.
// Completing the encounter also completes the appointment.
func (s *Service) UpdateClinicalFields(ctx context.Context, encounterID uuid.UUID, patch Patch, actor access.Actor) (updated *Encounter, err error) {
	ctx, span := tracer.Start(ctx, "encounter.UpdateClinicalFields", trace.WithAttributes(attribute.String("encounter_id", encounterID.String())))
	defer func() {
		s.metrics.ObserveEncounter("update", outcomeOf(err))
		endSpan(span, err)
	}()

	if patch.Empty() {
		return nil, apperr.Validation("no updatable fields supplied")
	}
	if patch.Status != nil {
		if _, ok := ParseStatus(string(*patch.Status)); !ok {
			return nil, apperr.Validation("unknown encounter status %q", *patch.Status)
		}
	}

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		enc, err := s.repo.GetForUpdate(ctx, encounterID)
		if err != nil {
			return err
		}
		appt, err := s.appointments.Get(ctx, enc.AppointmentID)
		if err != nil {
			return err
		}
		if d := s.perms.CanPerform(actor, access.ActionUpdateEncounter, appt.Target()); !d.Allowed {
			return apperr.Forbidden(d.Reason)
		}
		if enc.Status.Terminal() {
			return apperr.InvalidTransition("encounter is already %s", enc.Status)
		}
		if patch.Status != nil && *patch.Status != enc.Status && !CanTransition(enc.Status, *patch.Status) {
			return apperr.InvalidTransition("cannot move encounter from %s to %s", enc.Status, *patch.Status)
		}

		next, changes := applyPatch(*enc, patch)
		if len(changes) == 0 {
			updated = enc
			return nil
		}

		res, err := s.repo.Update(ctx, &next)
		if err != nil {
			return err
		}

		s.audit.Record(ctx, audit.Event{
			ActorUserID: actor.ID,
			Action:      audit.ActionEncounterUpdate,
			Entity:      audit.EntityEncounter,
			EntityID:    enc.ID,
			Metadata:    audit.Metadata(map[string]any{"changes": changes}),
		})

		if res.Status != enc.Status {
			if res.Status == StatusCompleted {
				s.syncAppointment(ctx, appt, appointment.StatusCompleted, actor)
			}
			s.notifyAfterCommit(ctx, notify.KindEncounterClosed, res, appt, actor)
		}
		updated = res
		return nil
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

func applyPatch(e Encounter, p Patch) (Encounter, map[string]fieldChange) {
	changes := map[string]fieldChange{}
	setText := func(name string, cur **string, v *string) {
		if v == nil || (*cur != nil && **cur == *v) {
			return
		}
		changes[name] = fieldChange{From: *cur, To: *v}
		val := *v
		*cur = &val
	}
	setText("reason", &e.Reason, p.Reason)
	setText("diagnosis", &e.Diagnosis, p.Diagnosis)
	setText("notes", &e.Notes, p.Notes)
	if p.Status != nil && *p.Status != e.Status {
		changes["status"] = fieldChange{From: e.Status, To: *p.Status}
		e.Status = *p.Status
	}
	return e, changes
}

// Get returns an encounter to anyone allowed to read its appointment.
func (s *Service) Get(ctx context.Context, id uuid.UUID, actor access.Actor) (*Encounter, error) {
	enc, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	appt, err := s.appointments.Get(ctx, enc.AppointmentID)
	if err != nil {
		return nil, err
	}
	if err := appointment.AuthorizeRead(s.perms, actor, appt); err != nil {
		return nil, err
	}
	return enc, nil
}

// ListVitals returns an encounter's readings, oldest first.
func (s *Service) ListVitals(ctx context.Context, encounterID uuid.UUID, actor access.Actor) ([]Vitals, error) {
	if _, err := s.Get(ctx, encounterID, actor); err != nil {
		return nil, err
	}
	return s.repo.ListVitals(ctx, encounterID)
}

func (s *Service) notifyAfterCommit(ctx context.Context, kind notify.Kind, enc *Encounter, appt *appointment.Appointment, actor access.Actor) {
	id := enc.ID
	n := notify.Notification{
		Kind:          kind,
		AppointmentID: appt.ID,
		EncounterID:   &id,
		DoctorID:      appt.DoctorID,
		PatientID:     appt.PatientID,
		Status:        string(enc.Status),
		StartAt:       appt.StartAt,
		EndAt:         appt.EndAt,
		ActorID:       actor.ID,
	}
	db.AfterCommit(ctx, func() { s.notifier.Notify(n) })
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
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
