package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-workflow/internal/access"
	"github.com/hackgods/clinical-workflow/internal/apperr"
	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/audit"
	"github.com/hackgods/clinical-workflow/internal/encounter"
)

const maxBodyBytes = 1 << 20

func createAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.Create(r.Context(), appointment.CreateInput{
			ClinicID:  req.ClinicID,
			PatientID: req.PatientID,
			DoctorID:  req.DoctorID,
			StartAt:   req.StartAt,
			EndAt:     req.EndAt,
			Reason:    req.Reason,
		}, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, appt)
	}
}

func getAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		appt, err := svc.Get(r.Context(), id, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func listAppointmentsHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseListFilter(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
			return
		}
		items, err := svc.List(r.Context(), f, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if items == nil {
			items = []appointment.Appointment{}
		}
		writeJSON(w, http.StatusOK, ListAppointmentsResponse{Items: items, Limit: f.Limit, Offset: f.Offset})
	}
}

func parseListFilter(r *http.Request) (appointment.ListFilter, error) {
	q := r.URL.Query()
	var f appointment.ListFilter

	parseID := func(key string) (*uuid.UUID, error) {
		raw := q.Get(key)
		if raw == "" {
			return nil, nil
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, errors.New(key + " must be a valid UUID")
		}
		return &id, nil
	}
	parseTime := func(key string) (*time.Time, error) {
		raw := q.Get(key)
		if raw == "" {
			return nil, nil
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, errors.New(key + " must be an RFC3339 timestamp")
		}
		return &t, nil
	}
	parseInt := func(key string) (int, error) {
		raw := q.Get(key)
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return 0, errors.New(key + " must be a non-negative integer")
		}
		return n, nil
	}

	var err error
	if f.DoctorID, err = parseID("doctor_id"); err != nil {
		return f, err
	}
	if f.PatientID, err = parseID("patient_id"); err != nil {
		return f, err
	}
	if raw := q.Get("status"); raw != "" {
		st, ok := appointment.ParseStatus(raw)
		if !ok {
			return f, errors.New("status is not a known appointment status")
		}
		f.Status = &st
	}
	if f.From, err = parseTime("from"); err != nil {
		return f, err
	}
	if f.To, err = parseTime("to"); err != nil {
		return f, err
	}
	if f.Limit, err = parseInt("limit"); err != nil {
		return f, err
	}
	if f.Offset, err = parseInt("offset"); err != nil {
		return f, err
	}
	return f, nil
}

func updateAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req UpdateAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}
		appt, err := svc.Update(r.Context(), id, appointment.UpdateInput{
			ClinicID: req.ClinicID,
			StartAt:  req.StartAt,
			EndAt:    req.EndAt,
			Reason:   req.Reason,
		}, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func changeStatusHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req StatusRequest
		if !decodeBody(w, r, &req) {
			return
		}
		to, known := appointment.ParseStatus(req.Status)
		if !known {
			writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "status is not a known appointment status")
			return
		}
		appt, err := svc.RequestTransition(r.Context(), id, to, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, appt)
	}
}

func deleteAppointmentHandler(svc *appointment.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		if err := svc.Delete(r.Context(), id, actorFrom(r)); err != nil {
			writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func startEncounterHandler(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req StartEncounterRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.AppointmentID == uuid.Nil {
			writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "appointmentId is required")
			return
		}
		enc, created, err := svc.StartOrResume(r.Context(), req.AppointmentID, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		writeJSON(w, status, EncounterResponse{Encounter: enc, Created: created})
	}
}

func getEncounterHandler(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		enc, err := svc.Get(r.Context(), id, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, enc)
	}
}

func updateEncounterHandler(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		var req UpdateEncounterRequest
		if !decodeBody(w, r, &req) {
			return
		}
		patch := encounter.Patch{Reason: req.Reason, Diagnosis: req.Diagnosis, Notes: req.Notes}
		if req.Status != nil {
			st := encounter.Status(*req.Status)
			patch.Status = &st
		}
		enc, err := svc.UpdateClinicalFields(r.Context(), id, patch, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, enc)
	}
}

func recordVitalsHandler(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RecordVitalsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.EncounterID == uuid.Nil {
			writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "encounterId is required")
			return
		}
		v, err := svc.RecordVitals(r.Context(), req.EncounterID, encounter.VitalsInput{
			HeightCm:      req.HeightCm,
			WeightKg:      req.WeightKg,
			HeartRate:     req.HeartRate,
			BloodPressure: req.BloodPressure,
			SpO2:          req.SpO2,
		}, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, v)
	}
}

func listVitalsHandler(svc *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		items, err := svc.ListVitals(r.Context(), id, actorFrom(r))
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	}
}

func listAuditEventsHandler(rec *audit.Recorder, perms access.Evaluator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d := perms.CanPerform(actorFrom(r), access.ActionReadAudit, access.Target{}); !d.Allowed {
			writeServiceError(w, r, apperr.Forbidden(d.Reason))
			return
		}

		q := r.URL.Query()
		entityID, err := uuid.Parse(q.Get("entityId"))
		if err != nil {
			writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "entityId must be a valid UUID")
			return
		}
		limit := 0
		if raw := q.Get("limit"); raw != "" {
			if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
				writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "limit must be a non-negative integer")
				return
			}
		}

		page, err := rec.Query(r.Context(), q.Get("entity"), entityID, q.Get("cursor"), limit)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if page.Events == nil {
			page.Events = []audit.Event{}
		}
		writeJSON(w, http.StatusOK, page)
	}
}

// serverActionPrefixes are the namespaces only the services write to.
var serverActionPrefixes = []string{"appointment.", "encounter.", "vitals."}

const clientActionPrefix = "client."

// ingestAuditEventHandler accepts client-side events without waiting for
// them to be stored. Client events are namespaced under "client." and tagged
// with source=client so they never read as server-written entries, and the
// caller must be able to read the entity they describe.
func ingestAuditEventHandler(rec *audit.Recorder, appts *appointment.Service, encs *encounter.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ClientAuditRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Action == "" || req.Entity == "" || req.EntityID == uuid.Nil {
			writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "action, entity and entityId are required")
			return
		}
		action := strings.TrimPrefix(req.Action, clientActionPrefix)
		for _, prefix := range serverActionPrefixes {
			if strings.HasPrefix(action, prefix) {
				writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "action namespace "+prefix+"* is reserved for server events")
				return
			}
		}

		meta := map[string]any{}
		if len(req.Metadata) > 0 && string(req.Metadata) != "null" {
			if err := json.Unmarshal(req.Metadata, &meta); err != nil {
				writeError(w, http.StatusBadRequest, string(apperr.KindValidation), "metadata must be a JSON object")
				return
			}
		}
		meta["source"] = "client"

		actor := actorFrom(r)
		var err error
		switch req.Entity {
		case audit.EntityAppointment:
			_, err = appts.Get(r.Context(), req.EntityID, actor)
		case audit.EntityEncounter:
			_, err = encs.Get(r.Context(), req.EntityID, actor)
		default:
			err = apperr.Validation("entity must be %s or %s", audit.EntityAppointment, audit.EntityEncounter)
		}
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		accepted := rec.Dispatch(audit.Event{
			ActorUserID: actor.ID,
			Action:      clientActionPrefix + action,
			Entity:      req.Entity,
			EntityID:    req.EntityID,
			Metadata:    audit.Metadata(meta),
		})
		if !accepted {
			zerolog.Ctx(r.Context()).Warn().Str("action", req.Action).Msg("client audit event not queued")
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func actorFrom(r *http.Request) access.Actor {
	a, _ := access.ActorFromContext(r.Context())
	return a
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// writeServiceError maps an apperr kind to its HTTP status. Persistence
// failures are logged and reported without their cause.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	switch kind {
	case apperr.KindValidation:
		writeError(w, http.StatusBadRequest, string(kind), apperr.ReasonOf(err))
	case apperr.KindSlotConflict, apperr.KindInvalidTransition:
		writeError(w, http.StatusConflict, string(kind), apperr.ReasonOf(err))
	case apperr.KindForbidden:
		writeError(w, http.StatusForbidden, string(kind), apperr.ReasonOf(err))
	case apperr.KindNotFound:
		writeError(w, http.StatusNotFound, string(kind), apperr.ReasonOf(err))
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}
