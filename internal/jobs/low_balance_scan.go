package jobs

import (
	"context"
	"log/slog"

	"github.com/DukeRupert/credits/internal/service"
)

// LowBalanceScanHandler signals accounts that are running out of credit.
type LowBalanceScanHandler struct {
	maintenance service.MaintenanceService
	logger      *slog.Logger
}

// NewLowBalanceScanHandler creates a new handler for the low-balance scan.
func NewLowBalanceScanHandler(maintenance service.MaintenanceService, logger *slog.Logger) *LowBalanceScanHandler {
	return &LowBalanceScanHandler{
		maintenance: maintenance,
		logger:      logger,
	}
}

// Type returns the job type identifier.
func (h *LowBalanceScanHandler) Type() string {
	return service.JobLowBalanceScan
}

// Handle runs one scan.
func (h *LowBalanceScanHandler) Handle(ctx context.Context) error {
	result, err := h.maintenance.LowBalanceScan(ctx)
	if err != nil {
		return err
	}
	h.logger.Debug("Low balance scan", "accounts", result.Candidates, "signalled", result.Changed)
	return nil
}
