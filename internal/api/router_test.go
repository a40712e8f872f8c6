package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinical-workflow/internal/access"
	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/audit"
	"github.com/hackgods/clinical-workflow/internal/db"
	"github.com/hackgods/clinical-workflow/internal/encounter"
	"github.com/hackgods/clinical-workflow/internal/metrics"
)

var testSecret = []byte("test-secret-that-is-long-enough-for-hs256")

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

type testEnv struct {
	handler http.Handler
	store   *audit.MemoryStore
	rec     *audit.Recorder
	appts   *appointment.MemoryRepository
	doctor  access.Actor
	patient access.Actor
	admin   access.Actor
	clinic  uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tx := &db.LocalTransactor{}
	appts := appointment.NewMemoryRepository()
	encounters := encounter.NewMemoryRepository()
	appts.SetEncounterLookup(encounters.HasEncounter)
	store := audit.NewMemoryStore()
	rec := audit.NewRecorder(store, 16, zerolog.Nop(), nil)
	t.Cleanup(rec.Close)

	reg := prometheus.NewRegistry()
	m := metrics.NewWorkflowMetrics(reg)

	apptSvc := appointment.NewService(appointment.Deps{Repo: appts, Tx: tx, Audit: rec, Metrics: m, Log: zerolog.Nop()})
	encSvc := encounter.NewService(encounter.Deps{
		Repo:         encounters,
		Appointments: appts,
		Workflow:     apptSvc,
		Tx:           tx,
		Audit:        rec,
		Metrics:      m,
		Log:          zerolog.Nop(),
	})

	h := NewRouter(RouterConfig{
		Appointments:   apptSvc,
		Encounters:     encSvc,
		Audit:          rec,
		Health:         NewHealthHandler(okPinger{}, nil, "test", "v0"),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Metrics:        m,
		JWTSecret:      testSecret,
		Log:            zerolog.Nop(),
	})
	return &testEnv{
		handler: h,
		store:   store,
		rec:     rec,
		appts:   appts,
		doctor:  access.Actor{ID: uuid.New(), Role: access.RoleDoctor},
		patient: access.Actor{ID: uuid.New(), Role: access.RolePatient},
		admin:   access.Actor{ID: uuid.New(), Role: access.RoleAdmin},
		clinic:  uuid.New(),
	}
}

func (e *testEnv) do(t *testing.T, actor *access.Actor, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != nil {
		tok, err := IssueToken(testSecret, *actor, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) book(t *testing.T, actor access.Actor, start, end time.Time) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(t, &actor, http.MethodPost, "/appointments", CreateAppointmentRequest{
		ClinicID:  e.clinic,
		PatientID: e.patient.ID,
		DoctorID:  e.doctor.ID,
		StartAt:   start,
		EndAt:     end,
	})
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func nine(m int) time.Time {
	return time.Date(2030, 3, 4, 9, m, 0, 0, time.UTC)
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, nil, http.MethodGet, "/appointments", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req := httptest.NewRequest(http.MethodGet, "/appointments", nil)
	tok, err := IssueToken([]byte("some-other-secret-of-sufficient-size"), env.doctor, time.Hour)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tok)
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: env.admin.ID.String(), ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		Role:             "ADMIN",
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+unsigned)
	rr = httptest.NewRecorder()
	env.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	unknownRole := access.Actor{ID: uuid.New(), Role: "NURSE"}
	rr = env.do(t, &unknownRole, http.MethodGet, "/appointments", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestBookingOverlapAndTouchingSlots(t *testing.T) {
	env := newTestEnv(t)

	rr := env.book(t, env.patient, nine(0), nine(30))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	first := decode[appointment.Appointment](t, rr)
	assert.Equal(t, appointment.StatusPending, first.Status)

	rr = env.book(t, env.patient, nine(15), nine(45))
	require.Equal(t, http.StatusConflict, rr.Code)
	body := decode[ErrorResponse](t, rr)
	assert.Equal(t, "slot_conflict", body.Error)
	assert.Contains(t, body.Details, "time slot taken")

	rr = env.book(t, env.patient, nine(30), nine(59))
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = env.book(t, env.patient, nine(30), nine(30))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &env.patient, http.MethodPost, "/appointments", map[string]any{"clinicId": "nope"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestStatusChangeRules(t *testing.T) {
	env := newTestEnv(t)
	appt := decode[appointment.Appointment](t, env.book(t, env.patient, nine(0), nine(30)))
	path := "/appointments/" + appt.ID.String() + "/status"

	rr := env.do(t, &env.patient, http.MethodPatch, path, StatusRequest{Status: "CONFIRMED"})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &env.doctor, http.MethodPatch, path, StatusRequest{Status: "COMPLETED"})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "invalid_transition", decode[ErrorResponse](t, rr).Error)

	rr = env.do(t, &env.doctor, http.MethodPatch, path, StatusRequest{Status: "LOST"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &env.patient, http.MethodPatch, path, StatusRequest{Status: "CANCELLED"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, appointment.StatusCancelled, decode[appointment.Appointment](t, rr).Status)

	rr = env.do(t, &env.doctor, http.MethodPatch, path, StatusRequest{Status: "CONFIRMED"})
	require.Equal(t, http.StatusConflict, rr.Code)
	assert.Contains(t, decode[ErrorResponse](t, rr).Details, "already CANCELLED")

	rr = env.do(t, &env.doctor, http.MethodPatch, "/appointments/"+uuid.NewString()+"/status", StatusRequest{Status: "CONFIRMED"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestReadListAndDelete(t *testing.T) {
	env := newTestEnv(t)
	appt := decode[appointment.Appointment](t, env.book(t, env.patient, nine(0), nine(30)))
	path := "/appointments/" + appt.ID.String()

	rr := env.do(t, &env.patient, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	other := access.Actor{ID: uuid.New(), Role: access.RolePatient}
	rr = env.do(t, &other, http.MethodGet, path, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &other, http.MethodGet, "/appointments", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, decode[ListAppointmentsResponse](t, rr).Items)

	rr = env.do(t, &env.doctor, http.MethodGet, "/appointments?doctor_id="+env.doctor.ID.String()+"&status=PENDING", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[ListAppointmentsResponse](t, rr).Items, 1)

	rr = env.do(t, &env.doctor, http.MethodGet, "/appointments?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &env.patient, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	confirmed := decode[appointment.Appointment](t, env.book(t, env.patient, nine(60), nine(90)))
	rr = env.do(t, &env.doctor, http.MethodPatch, "/appointments/"+confirmed.ID.String()+"/status", StatusRequest{Status: "CONFIRMED"})
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.do(t, &env.admin, http.MethodDelete, "/appointments/"+confirmed.ID.String(), nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &env.doctor, http.MethodDelete, path, nil)
	require.Equal(t, http.StatusNoContent, rr.Code)

	rr = env.do(t, &env.doctor, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRescheduleThroughPatch(t *testing.T) {
	env := newTestEnv(t)
	require.Equal(t, http.StatusCreated, env.book(t, env.patient, nine(0), nine(30)).Code)
	b := decode[appointment.Appointment](t, env.book(t, env.patient, nine(30), nine(59)))

	start, end := nine(15), nine(45)
	rr := env.do(t, &env.doctor, http.MethodPatch, "/appointments/"+b.ID.String(), UpdateAppointmentRequest{StartAt: &start, EndAt: &end})
	require.Equal(t, http.StatusConflict, rr.Code)

	reason := "annual check"
	rr = env.do(t, &env.patient, http.MethodPatch, "/appointments/"+b.ID.String(), UpdateAppointmentRequest{Reason: &reason})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &env.doctor, http.MethodPatch, "/appointments/"+b.ID.String(), UpdateAppointmentRequest{Reason: &reason})
	require.Equal(t, http.StatusOK, rr.Code)
	updated := decode[appointment.Appointment](t, rr)
	require.NotNil(t, updated.Reason)
	assert.Equal(t, reason, *updated.Reason)
}

func TestEncounterFlow(t *testing.T) {
	env := newTestEnv(t)
	appt := decode[appointment.Appointment](t, env.book(t, env.patient, nine(0), nine(30)))

	rr := env.do(t, &env.patient, http.MethodPost, "/encounters", StartEncounterRequest{AppointmentID: appt.ID})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &env.doctor, http.MethodPost, "/encounters", StartEncounterRequest{AppointmentID: appt.ID})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	started := decode[EncounterResponse](t, rr)
	assert.True(t, started.Created)
	assert.Equal(t, encounter.StatusInProgress, started.Status)

	rr = env.do(t, &env.doctor, http.MethodPost, "/encounters", StartEncounterRequest{AppointmentID: appt.ID})
	require.Equal(t, http.StatusOK, rr.Code)
	resumed := decode[EncounterResponse](t, rr)
	assert.False(t, resumed.Created)
	assert.Equal(t, started.ID, resumed.ID)

	rr = env.do(t, &env.doctor, http.MethodGet, "/appointments/"+appt.ID.String(), nil)
	assert.Equal(t, appointment.StatusInProgress, decode[appointment.Appointment](t, rr).Status)

	rr = env.do(t, &env.doctor, http.MethodPost, "/vitals", RecordVitalsRequest{EncounterID: started.ID, HeightCm: 0, WeightKg: 70})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &env.doctor, http.MethodPost, "/vitals", RecordVitalsRequest{EncounterID: started.ID, HeightCm: 200, WeightKg: 80})
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.InDelta(t, 20.0, decode[encounter.Vitals](t, rr).BMI, 1e-9)

	rr = env.do(t, &env.patient, http.MethodGet, "/encounters/"+started.ID.String()+"/vitals", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Len(t, decode[[]encounter.Vitals](t, rr), 1)

	done := "COMPLETED"
	rr = env.do(t, &env.doctor, http.MethodPatch, "/encounters/"+started.ID.String(), UpdateEncounterRequest{Status: &done})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, encounter.StatusCompleted, decode[encounter.Encounter](t, rr).Status)

	rr = env.do(t, &env.doctor, http.MethodGet, "/encounters/"+started.ID.String(), nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(t, &env.doctor, http.MethodGet, "/appointments/"+appt.ID.String(), nil)
	assert.Equal(t, appointment.StatusCompleted, decode[appointment.Appointment](t, rr).Status)

	rr = env.do(t, &env.doctor, http.MethodPost, "/vitals", RecordVitalsRequest{EncounterID: uuid.New(), HeightCm: 170, WeightKg: 70})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAuditEventsEndpoints(t *testing.T) {
	env := newTestEnv(t)
	appt := decode[appointment.Appointment](t, env.book(t, env.patient, nine(0), nine(30)))
	rr := env.do(t, &env.doctor, http.MethodPatch, "/appointments/"+appt.ID.String()+"/status", StatusRequest{Status: "CONFIRMED"})
	require.Equal(t, http.StatusOK, rr.Code)

	path := "/audit-events?entity=appointment&entityId=" + appt.ID.String() + "&limit=1"
	rr = env.do(t, &env.patient, http.MethodGet, path, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &env.doctor, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page := decode[audit.Page](t, rr)
	require.Len(t, page.Events, 1)
	assert.Equal(t, audit.ActionAppointmentStatusChange, page.Events[0].Action)
	require.NotEmpty(t, page.NextCursor)

	rr = env.do(t, &env.doctor, http.MethodGet, path+"&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	page = decode[audit.Page](t, rr)
	require.Len(t, page.Events, 1)
	assert.Equal(t, audit.ActionAppointmentCreate, page.Events[0].Action)
	assert.Empty(t, page.NextCursor)

	rr = env.do(t, &env.doctor, http.MethodGet, path+"&cursor=garbage", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.do(t, &env.doctor, http.MethodGet, "/audit-events?entity=appointment&entityId=nope", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &env.patient, http.MethodPost, "/audit-events", ClientAuditRequest{
		Action:   "viewed",
		Entity:   audit.EntityAppointment,
		EntityID: appt.ID,
		Metadata: json.RawMessage(`{"screen":"detail"}`),
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = env.do(t, &env.patient, http.MethodPost, "/audit-events", ClientAuditRequest{Action: "x"})
	require.Equal(t, http.StatusBadRequest, rr.Code)

	env.rec.Close()
	var viewed []audit.Event
	for _, e := range env.store.All() {
		if e.Action == "client.viewed" {
			viewed = append(viewed, e)
		}
	}
	require.Len(t, viewed, 1)
	assert.Equal(t, env.patient.ID, viewed[0].ActorUserID)
	assert.JSONEq(t, `{"screen":"detail","source":"client"}`, string(viewed[0].Metadata))
}

func TestClientAuditEventsCannotForgeServerEntries(t *testing.T) {
	env := newTestEnv(t)
	appt := decode[appointment.Appointment](t, env.book(t, env.patient, nine(0), nine(30)))
	stranger := access.Actor{ID: uuid.New(), Role: access.RolePatient}

	forged := ClientAuditRequest{
		Action:   audit.ActionAppointmentStatusChange,
		Entity:   audit.EntityAppointment,
		EntityID: appt.ID,
		Metadata: json.RawMessage(`{"oldStatus":"PENDING","newStatus":"COMPLETED"}`),
	}
	for _, actor := range []access.Actor{stranger, env.patient, env.doctor, env.admin} {
		rr := env.do(t, &actor, http.MethodPost, "/audit-events", forged)
		assert.Equal(t, http.StatusBadRequest, rr.Code, actor.Role)
	}

	forged.Action = "client.encounter.create"
	rr := env.do(t, &env.doctor, http.MethodPost, "/audit-events", forged)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &stranger, http.MethodPost, "/audit-events", ClientAuditRequest{
		Action:   "viewed",
		Entity:   audit.EntityAppointment,
		EntityID: appt.ID,
	})
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = env.do(t, &env.patient, http.MethodPost, "/audit-events", ClientAuditRequest{
		Action:   "viewed",
		Entity:   audit.EntityAppointment,
		EntityID: uuid.New(),
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = env.do(t, &env.patient, http.MethodPost, "/audit-events", ClientAuditRequest{
		Action:   "viewed",
		Entity:   "insurer",
		EntityID: appt.ID,
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.do(t, &env.patient, http.MethodPost, "/audit-events", ClientAuditRequest{
		Action:   "viewed",
		Entity:   audit.EntityAppointment,
		EntityID: appt.ID,
		Metadata: json.RawMessage(`["not","an","object"]`),
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	env.rec.Close()
	events := env.store.All()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionAppointmentCreate, events[0].Action)
	assert.Equal(t, env.patient.ID, events[0].ActorUserID)
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(t, nil, http.MethodGet, "/health/live", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))

	rr = env.do(t, nil, http.MethodGet, "/health/ready", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	ready := decode[ReadinessResponse](t, rr)
	assert.Equal(t, "ok", ready.Status)
	assert.Equal(t, "disabled", ready.Dependencies["redis"])

	rr = env.do(t, nil, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "clinical_http_requests_total")
}

func TestReadinessReportsDependencies(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	h := NewHealthHandler(okPinger{}, rdb, "test", "v0")
	rr := httptest.NewRecorder()
	h.Readiness(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", decode[ReadinessResponse](t, rr).Dependencies["redis"])

	mr.Close()
	rr = httptest.NewRecorder()
	h.Readiness(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "degraded", decode[ReadinessResponse](t, rr).Status)

	h = NewHealthHandler(okPinger{err: errors.New("down")}, nil, "test", "v0")
	rr = httptest.NewRecorder()
	h.Readiness(rr, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Equal(t, "internal_error", decode[ErrorResponse](t, rr).Error)
}
