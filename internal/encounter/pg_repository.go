package encounter

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackgods/clinical-workflow/internal/apperr"
	"github.com/hackgods/clinical-workflow/internal/db"
)

const sqlStateForeignKeyViolation = "23503"

const (
	encounterCols = `id, appointment_id, reason, diagnosis, notes, status, created_at, updated_at`
	vitalsCols    = `id, encounter_id, height_cm, weight_kg, bmi, heart_rate, blood_pressure, spo2, recorded_at`
)

type PgRepository struct {
	pool db.Querier
}

func NewPgRepository(pool db.Querier) *PgRepository {
	return &PgRepository{pool: pool}
}

func (r *PgRepository) conn(ctx context.Context) db.Querier {
	return db.Conn(ctx, r.pool)
}

func scanEncounter(row pgx.Row) (*Encounter, error) {
	var e Encounter
	if err := row.Scan(&e.ID, &e.AppointmentID, &e.Reason, &e.Diagnosis, &e.Notes, &e.Status, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanVitals(row pgx.Row) (*Vitals, error) {
	var v Vitals
	if err := row.Scan(&v.ID, &v.EncounterID, &v.HeightCm, &v.WeightKg, &v.BMI, &v.HeartRate, &v.BloodPressure, &v.SpO2, &v.RecordedAt); err != nil {
		return nil, err
	}
	return &v, nil
}

func one(row pgx.Row, what string, id uuid.UUID) (*Encounter, error) {
	e, err := scanEncounter(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperr.NotFound("%s %s not found", what, id)
		}
		return nil, apperr.Persistence("load encounter", err)
	}
	return e, nil
}

func (r *PgRepository) Create(ctx context.Context, e *Encounter) (bool, error) {
	var id uuid.UUID
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounters (`+encounterCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (appointment_id) DO NOTHING
		RETURNING id
	`, e.ID, e.AppointmentID, e.Reason, e.Diagnosis, e.Notes, e.Status, e.CreatedAt, e.UpdatedAt).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if db.PgErrorCode(err) == sqlStateForeignKeyViolation {
			return false, apperr.NotFound("appointment %s not found", e.AppointmentID)
		}
		return false, apperr.Persistence("insert encounter", err)
	}
	return true, nil
}

func (r *PgRepository) Get(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+encounterCols+` FROM encounters WHERE id = $1`, id)
	return one(row, "encounter", id)
}

func (r *PgRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+encounterCols+` FROM encounters WHERE id = $1 FOR UPDATE`, id)
	return one(row, "encounter", id)
}

func (r *PgRepository) GetByAppointment(ctx context.Context, appointmentID uuid.UUID) (*Encounter, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+encounterCols+` FROM encounters WHERE appointment_id = $1`, appointmentID)
	return one(row, "encounter for appointment", appointmentID)
}

func (r *PgRepository) Update(ctx context.Context, e *Encounter) (*Encounter, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		UPDATE encounters
		SET reason = $2,
		    diagnosis = $3,
		    notes = $4,
		    status = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+encounterCols, e.ID, e.Reason, e.Diagnosis, e.Notes, e.Status)
	return one(row, "encounter", e.ID)
}

func (r *PgRepository) InsertVitals(ctx context.Context, v *Vitals) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO vitals (`+vitalsCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, v.ID, v.EncounterID, v.HeightCm, v.WeightKg, v.BMI, v.HeartRate, v.BloodPressure, v.SpO2, v.RecordedAt)
	if err != nil {
		if db.PgErrorCode(err) == sqlStateForeignKeyViolation {
			return apperr.NotFound("encounter %s not found", v.EncounterID)
		}
		return apperr.Persistence("insert vitals", err)
	}
	return nil
}

func (r *PgRepository) ListVitals(ctx context.Context, encounterID uuid.UUID) ([]Vitals, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+vitalsCols+`
		FROM vitals
		WHERE encounter_id = $1
		ORDER BY recorded_at, id
	`, encounterID)
	if err != nil {
		return nil, apperr.Persistence("list vitals", err)
	}
	defer rows.Close()

	out := make([]Vitals, 0)
	for rows.Next() {
		v, err := scanVitals(rows)
		if err != nil {
			return nil, apperr.Persistence("scan vitals", err)
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Persistence("list vitals", err)
	}
	return out, nil
}
