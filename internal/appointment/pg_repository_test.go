package appointment

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinical-workflow/internal/apperr"
	"github.com/hackgods/clinical-workflow/internal/db"
)

var appointmentColumns = []string{"id", "clinic_id", "patient_id", "doctor_id", "start_at", "end_at", "status", "reason", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*PgRepository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewPgRepository(mock), mock
}

func sampleAppointment() *Appointment {
	now := time.Date(2030, 1, 2, 8, 0, 0, 0, time.UTC)
	return &Appointment{
		ID:        uuid.New(),
		ClinicID:  uuid.New(),
		PatientID: uuid.New(),
		DoctorID:  uuid.New(),
		StartAt:   now.Add(time.Hour),
		EndAt:     now.Add(90 * time.Minute),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestInsertMapsExclusionViolationToSlotConflict(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := sampleAppointment()

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(a.ID, a.ClinicID, a.PatientID, a.DoctorID, a.StartAt, a.EndAt, a.Status, a.Reason, a.CreatedAt, a.UpdatedAt).
		WillReturnError(&pgconn.PgError{Code: "23P01", ConstraintName: "appointments_no_overlap"})

	err := repo.Insert(context.Background(), a)
	assert.ErrorIs(t, err, apperr.ErrSlotConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertKeepsSerializationFailureRetryable(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := sampleAppointment()

	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(a.ID, a.ClinicID, a.PatientID, a.DoctorID, a.StartAt, a.EndAt, a.Status, a.Reason, a.CreatedAt, a.UpdatedAt).
		WillReturnError(&pgconn.PgError{Code: "40001"})

	err := repo.Insert(context.Background(), a)
	assert.ErrorIs(t, err, apperr.ErrPersistence)
	assert.True(t, db.IsRetryable(err))
}

func TestGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("FROM appointments").WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestUpdateStatusCompareAndSet(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := sampleAppointment()
	reason := "checkup"

	mock.ExpectQuery("UPDATE appointments").
		WithArgs(a.ID, StatusConfirmed, StatusPending).
		WillReturnRows(pgxmock.NewRows(appointmentColumns).AddRow(
			a.ID, a.ClinicID, a.PatientID, a.DoctorID, a.StartAt, a.EndAt, StatusConfirmed, &reason, a.CreatedAt, a.UpdatedAt,
		))
	mock.ExpectQuery("UPDATE appointments").
		WithArgs(a.ID, StatusConfirmed, StatusPending).
		WillReturnError(pgx.ErrNoRows)

	updated, err := repo.UpdateStatus(context.Background(), a.ID, StatusPending, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, updated.Status)
	require.NotNil(t, updated.Reason)
	assert.Equal(t, "checkup", *updated.Reason)

	_, err = repo.UpdateStatus(context.Background(), a.ID, StatusPending, StatusConfirmed)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestHasOverlapQuery(t *testing.T) {
	repo, mock := newMockRepo(t)
	doctorID := uuid.New()
	self := uuid.New()
	start := time.Date(2030, 1, 2, 9, 0, 0, 0, time.UTC)
	end := start.Add(30 * time.Minute)

	mock.ExpectQuery(`start_at < \$3\s+AND end_at > \$2`).
		WithArgs(doctorID, start, end, &self).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.HasOverlap(context.Background(), doctorID, start, end, &self)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteReportsVanishedRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec("DELETE FROM appointments").WithArgs(id).WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := repo.Delete(context.Background(), id)
	assert.ErrorIs(t, err, apperr.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBuildsFilters(t *testing.T) {
	repo, mock := newMockRepo(t)
	doctorID := uuid.New()
	status := StatusConfirmed
	a := sampleAppointment()

	mock.ExpectQuery(`WHERE doctor_id = \$1 AND status = \$2 ORDER BY start_at, id LIMIT \$3 OFFSET \$4`).
		WithArgs(doctorID, status, 20, 0).
		WillReturnRows(pgxmock.NewRows(appointmentColumns).AddRow(
			a.ID, a.ClinicID, a.PatientID, doctorID, a.StartAt, a.EndAt, status, (*string)(nil), a.CreatedAt, a.UpdatedAt,
		))

	items, err := repo.List(context.Background(), ListFilter{DoctorID: &doctorID, Status: &status, Limit: 20})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Nil(t, items[0].Reason)
	require.NoError(t, mock.ExpectationsWereMet())
}
