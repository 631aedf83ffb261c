// Package handler contains the HTTP handlers of the credit service.
//
// This file implements the purchase confirmation endpoint.
//
// Route:
//   - POST /api/payments/credits -> ConfirmPurchase
//
// The payment integration calls it once a payment has settled. Signature
// checks against the payment provider happen in that integration; this route
// only trusts the internal token.
package handler

import (
	"log/slog"
	"net/http"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/service"
	"github.com/google/uuid"
)

// PaymentHandler turns confirmed payments into credit lots.
type PaymentHandler struct {
	credits service.CreditService
	logger  *slog.Logger
}

// NewPaymentHandler creates a new PaymentHandler.
func NewPaymentHandler(credits service.CreditService, logger *slog.Logger) *PaymentHandler {
	return &PaymentHandler{
		credits: credits,
		logger:  logger,
	}
}

// RegisterRoutes registers payment routes behind requireInternal.
func (h *PaymentHandler) RegisterRoutes(mux *http.ServeMux, requireInternal func(http.Handler) http.Handler) {
	mux.Handle("POST /api/payments/credits", requireInternal(http.HandlerFunc(h.ConfirmPurchase)))
}

// PurchaseRequest is the body of a purchase confirmation.
type PurchaseRequest struct {
	UserID           uuid.UUID `json:"user_id"`
	AmountPaidCents  int64     `json:"amount_paid_cents"`
	PaymentReference string    `json:"payment_reference"`
}

// ConfirmPurchase records a settled payment. Replays of the same payment
// reference answer with the current balance.
func (h *PaymentHandler) ConfirmPurchase(w http.ResponseWriter, r *http.Request) {
	const op = "handler.confirm_purchase"

	var req PurchaseRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	if req.UserID == uuid.Nil {
		ValidationErrorResponse(w, r, h.logger, domain.NewValidationError(op, "user_id", "User ID is required."))
		return
	}

	balance, err := h.credits.AddPurchasedCredits(r.Context(), req.UserID, req.AmountPaidCents, req.PaymentReference)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(balance))
}
