package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinical-workflow/internal/apperr"
	"github.com/hackgods/clinical-workflow/internal/db"
)

const (
	sqlStateExclusionViolation  = "23P01"
	sqlStateCheckViolation      = "23514"
	sqlStateForeignKeyViolation = "23503"
)

const appointmentCols = `id, clinic_id, patient_id, doctor_id, start_at, end_at, status, reason, created_at, updated_at`

type PgRepository struct {
	pool db.Querier
}

func NewPgRepository(pool db.Querier) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var reason *string

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.PatientID,
		&a.DoctorID,
		&a.StartAt,
		&a.EndAt,
		&a.Status,
		&reason,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Reason = reason
	return &a, nil
}

func scanOne(row pgx.Row, id uuid.UUID, op string) (*Appointment, error) {
	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("appointment %s not found", id)
		}
		return nil, translateErr(op, err)
	}
	return a, nil
}

// translateErr maps constraint violations onto workflow errors. Serialization
// failures stay reachable through Unwrap so the tx manager can retry them.
func translateErr(op string, err error) error {
	switch db.PgErrorCode(err) {
	case sqlStateExclusionViolation:
		return apperr.SlotConflict("time slot taken: doctor already has an overlapping appointment")
	case sqlStateCheckViolation:
		return apperr.Validation("endAt must be after startAt")
	case sqlStateForeignKeyViolation:
		return apperr.InvalidTransition("appointment is referenced by an encounter")
	}
	return apperr.Persistence(op, err)
}

// Interface methods

func (r *PgRepository) Insert(ctx context.Context, a *Appointment) error {
	row := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO appointments (`+appointmentCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`, a.ID, a.ClinicID, a.PatientID, a.DoctorID, a.StartAt, a.EndAt, a.Status, a.Reason, a.CreatedAt, a.UpdatedAt)

	if err := row.Scan(&a.CreatedAt, &a.UpdatedAt); err != nil {
		return translateErr("insert appointment", err)
	}
	return nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanOne(row, id, "get appointment")
}

func (r *PgRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE id = $1
		FOR UPDATE
	`, id)
	return scanOne(row, id, "lock appointment")
}

func (r *PgRepository) List(ctx context.Context, f ListFilter) ([]Appointment, error) {
	where := []string{}
	args := []any{}

	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.DoctorID != nil {
		add("doctor_id = $%d", *f.DoctorID)
	}
	if f.PatientID != nil {
		add("patient_id = $%d", *f.PatientID)
	}
	if f.Status != nil {
		add("status = $%d", *f.Status)
	}
	if f.From != nil {
		add("end_at > $%d", *f.From)
	}
	if f.To != nil {
		add("start_at < $%d", *f.To)
	}

	q := `SELECT ` + appointmentCols + ` FROM appointments`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	q += fmt.Sprintf(" ORDER BY start_at, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	return r.queryMany(ctx, "list appointments", q, args...)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+appointmentCols+`
	`, id, to, from)

	a, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.InvalidTransition("appointment %s is no longer %s", id, from)
		}
		return nil, translateErr("update appointment status", err)
	}
	return a, nil
}

func (r *PgRepository) UpdateFields(ctx context.Context, a *Appointment) (*Appointment, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE appointments
		SET clinic_id = $2,
		    start_at = $3,
		    end_at = $4,
		    reason = $5,
		    updated_at = now()
		WHERE id = $1
		  AND status = $6
		RETURNING `+appointmentCols+`
	`, a.ID, a.ClinicID, a.StartAt, a.EndAt, a.Reason, a.Status)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.InvalidTransition("appointment %s is no longer %s", a.ID, a.Status)
		}
		return nil, translateErr("update appointment", err)
	}
	return updated, nil
}

func (r *PgRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		DELETE FROM appointments a
		WHERE a.id = $1
		  AND a.status = 'PENDING'
		  AND NOT EXISTS (SELECT 1 FROM encounters e WHERE e.appointment_id = a.id)
	`, id)
	if err != nil {
		return translateErr("delete appointment", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.InvalidTransition("appointment %s can no longer be deleted", id)
	}
	return nil
}

func (r *PgRepository) HasOverlap(ctx context.Context, doctorID uuid.UUID, start, end time.Time, exclude *uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM appointments
			WHERE doctor_id = $1
			  AND status <> 'CANCELLED'
			  AND start_at < $3
			  AND end_at > $2
			  AND ($4::uuid IS NULL OR id <> $4)
		)
	`, doctorID, start, end, exclude).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query overlap: %w", err)
	}
	return exists, nil
}

func (r *PgRepository) HasEncounter(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM encounters WHERE appointment_id = $1)
	`, id).Scan(&exists)
	if err != nil {
		return false, apperr.Persistence("check encounter", err)
	}
	return exists, nil
}

func (r *PgRepository) ListStalePending(ctx context.Context, startedBefore time.Time, limit int) ([]Appointment, error) {
	return r.queryMany(ctx, "find stale pending appointments", `
		SELECT `+appointmentCols+`
		FROM appointments
		WHERE status = 'PENDING'
		  AND start_at < $1
		ORDER BY start_at
		LIMIT $2
	`, startedBefore, limit)
}

func (r *PgRepository) queryMany(ctx context.Context, op, q string, args ...any) ([]Appointment, error) {
	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, translateErr(op, err)
	}
	defer rows.Close()

	result := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, translateErr(op, err)
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, translateErr(op, err)
	}

	return result, nil
}
