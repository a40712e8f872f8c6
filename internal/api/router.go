package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinical-workflow/internal/access"
	"github.com/hackgods/clinical-workflow/internal/appointment"
	"github.com/hackgods/clinical-workflow/internal/audit"
	"github.com/hackgods/clinical-workflow/internal/encounter"
	"github.com/hackgods/clinical-workflow/internal/metrics"
)

type RouterConfig struct {
	Appointments *appointment.Service
	Encounters   *encounter.Service
	Audit        *audit.Recorder
	Health       *HealthHandler
	// MetricsHandler serves /metrics; nil leaves the route out.
	MetricsHandler http.Handler
	Metrics        *metrics.WorkflowMetrics
	JWTSecret      []byte
	Log            zerolog.Logger
}

// NewRouter wires the middleware chain: request id, logging, recovery, then
// authentication on everything but the probes and /metrics. Authorization
// happens inside the services.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log, cfg.Metrics))
	r.Use(RecoverMiddleware)

	r.Get("/health/live", cfg.Health.Liveness)
	r.Get("/health/ready", cfg.Health.Readiness)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(cfg.JWTSecret))

		r.Route("/appointments", func(r chi.Router) {
			r.Post("/", createAppointmentHandler(cfg.Appointments))
			r.Get("/", listAppointmentsHandler(cfg.Appointments))
			r.Get("/{id}", getAppointmentHandler(cfg.Appointments))
			r.Patch("/{id}", updateAppointmentHandler(cfg.Appointments))
			r.Patch("/{id}/status", changeStatusHandler(cfg.Appointments))
			r.Delete("/{id}", deleteAppointmentHandler(cfg.Appointments))
		})

		r.Route("/encounters", func(r chi.Router) {
			r.Post("/", startEncounterHandler(cfg.Encounters))
			r.Get("/{id}", getEncounterHandler(cfg.Encounters))
			r.Patch("/{id}", updateEncounterHandler(cfg.Encounters))
			r.Get("/{id}/vitals", listVitalsHandler(cfg.Encounters))
		})
		r.Post("/vitals", recordVitalsHandler(cfg.Encounters))

		r.Get("/audit-events", listAuditEventsHandler(cfg.Audit, access.NewEvaluator()))
		r.Post("/audit-events", ingestAuditEventHandler(cfg.Audit, cfg.Appointments, cfg.Encounters))
	})

	return r
}
