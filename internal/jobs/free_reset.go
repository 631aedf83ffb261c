// Package jobs contains the scheduled maintenance handlers run by the worker.
package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/credits/internal/service"
)

// FreeResetHandler replenishes free tiers that reached their reset date.
type FreeResetHandler struct {
	maintenance service.MaintenanceService
	logger      *slog.Logger
	now         service.Clock
}

// NewFreeResetHandler creates a new handler for the free-tier reset sweep.
func NewFreeResetHandler(maintenance service.MaintenanceService, logger *slog.Logger, clock service.Clock) *FreeResetHandler {
	if clock == nil {
		clock = time.Now
	}
	return &FreeResetHandler{
		maintenance: maintenance,
		logger:      logger,
		now:         clock,
	}
}

// Type returns the job type identifier.
func (h *FreeResetHandler) Type() string {
	return service.JobFreeReset
}

// Handle resets every account due today (UTC).
func (h *FreeResetHandler) Handle(ctx context.Context) error {
	result, err := h.maintenance.FreeReset(ctx, h.now())
	if err != nil {
		return err
	}
	if result.Changed > 0 {
		h.logger.Info("Free tiers reset", "accounts", result.Changed)
	}
	return nil
}
