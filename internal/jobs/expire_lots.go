package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/DukeRupert/credits/internal/service"
)

// ExpireLotsHandler expires purchased lots past their expiry.
type ExpireLotsHandler struct {
	maintenance service.MaintenanceService
	logger      *slog.Logger
	now         service.Clock
}

// NewExpireLotsHandler creates a new handler for the lot expiry sweep.
func NewExpireLotsHandler(maintenance service.MaintenanceService, logger *slog.Logger, clock service.Clock) *ExpireLotsHandler {
	if clock == nil {
		clock = time.Now
	}
	return &ExpireLotsHandler{
		maintenance: maintenance,
		logger:      logger,
		now:         clock,
	}
}

// Type returns the job type identifier.
func (h *ExpireLotsHandler) Type() string {
	return service.JobExpireLots
}

// Handle expires every lot that lapsed before now.
func (h *ExpireLotsHandler) Handle(ctx context.Context) error {
	result, err := h.maintenance.ExpireLots(ctx, h.now())
	if err != nil {
		return err
	}
	if result.Changed > 0 {
		h.logger.Info("Credit lots expired", "accounts", result.Changed)
	}
	return nil
}
