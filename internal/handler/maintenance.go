// Package handler contains the HTTP handlers of the credit service.
//
// This file exposes the maintenance scheduler to operators.
//
// Routes (internal token):
//   - GET  /api/maintenance/jobs  -> ListJobs
//   - POST /api/maintenance/{job} -> TriggerJob
package handler

import (
	"log/slog"
	"net/http"
	"slices"

	"github.com/DukeRupert/credits/internal/domain"
)

// JobTrigger schedules a maintenance job to run as soon as possible.
type JobTrigger interface {
	Jobs() []string
	Trigger(jobType string) error
}

// MaintenanceHandler lets operators run a sweep out of schedule.
type MaintenanceHandler struct {
	jobs   JobTrigger
	logger *slog.Logger
}

// NewMaintenanceHandler creates a new MaintenanceHandler.
func NewMaintenanceHandler(jobs JobTrigger, logger *slog.Logger) *MaintenanceHandler {
	return &MaintenanceHandler{
		jobs:   jobs,
		logger: logger,
	}
}

// RegisterRoutes registers maintenance routes behind requireInternal.
func (h *MaintenanceHandler) RegisterRoutes(mux *http.ServeMux, requireInternal func(http.Handler) http.Handler) {
	mux.Handle("GET /api/maintenance/jobs", requireInternal(http.HandlerFunc(h.ListJobs)))
	mux.Handle("POST /api/maintenance/{job}", requireInternal(http.HandlerFunc(h.TriggerJob)))
}

// ListJobs returns the registered job names.
func (h *MaintenanceHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"jobs": h.jobs.Jobs()})
}

// TriggerJob queues a job run. Triggers arriving while a run is pending are
// merged into it.
func (h *MaintenanceHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	const op = "handler.trigger_job"

	job := r.PathValue("job")
	if !slices.Contains(h.jobs.Jobs(), job) {
		ErrorResponse(w, r, h.logger, domain.NotFound(op, "maintenance job", job))
		return
	}
	if err := h.jobs.Trigger(job); err != nil {
		ErrorResponse(w, r, h.logger, domain.Internal(err, op, "failed to trigger job"))
		return
	}

	h.logger.Info("maintenance job triggered", "job_type", job)
	writeJSON(w, http.StatusAccepted, map[string]string{"job": job, "status": "queued"})
}
