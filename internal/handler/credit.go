// Package handler contains the HTTP handlers of the credit service.
//
// This file implements the credit API used by feature services.
//
// Routes (all require the internal token):
//   - GET  /api/users/{userID}/credits              -> GetBalance
//   - GET  /api/users/{userID}/credits/transactions -> ListTransactions
//   - POST /api/users/{userID}/credits/charge       -> Charge
//   - POST /api/users/{userID}/credits/refund       -> Refund
//   - POST /api/credits/quote                       -> Quote
package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/service"
)

// CreditHandler serves balances, charges and refunds.
type CreditHandler struct {
	credits service.CreditService
	logger  *slog.Logger
}

// NewCreditHandler creates a new CreditHandler.
func NewCreditHandler(credits service.CreditService, logger *slog.Logger) *CreditHandler {
	return &CreditHandler{
		credits: credits,
		logger:  logger,
	}
}

// RegisterRoutes registers credit routes. requireInternal guards every route;
// limitCharge additionally wraps the charge route.
func (h *CreditHandler) RegisterRoutes(mux *http.ServeMux, requireInternal, limitCharge func(http.Handler) http.Handler) {
	mux.Handle("GET /api/users/{userID}/credits", requireInternal(http.HandlerFunc(h.GetBalance)))
	mux.Handle("GET /api/users/{userID}/credits/transactions", requireInternal(http.HandlerFunc(h.ListTransactions)))
	mux.Handle("POST /api/users/{userID}/credits/charge", requireInternal(limitCharge(http.HandlerFunc(h.Charge))))
	mux.Handle("POST /api/users/{userID}/credits/refund", requireInternal(http.HandlerFunc(h.Refund)))
	mux.Handle("POST /api/credits/quote", requireInternal(http.HandlerFunc(h.Quote)))
}

// GetBalance returns the user's available credit.
func (h *CreditHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	const op = "handler.get_balance"

	userID, err := pathUserID(r, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	balance, err := h.credits.GetBalance(r.Context(), userID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(balance))
}

// ListTransactions returns one page of the user's ledger.
func (h *CreditHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	const op = "handler.list_transactions"

	userID, err := pathUserID(r, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	page, err := queryInt(r, op, "page")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	size, err := queryInt(r, op, "size")
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	result, err := h.credits.GetTransactions(r.Context(), userID, page, size)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newTransactionsResponse(result))
}

// ChargeRequest is the body of a charge. Steps charges a pipeline; otherwise
// Feature is charged at Cost, or at its unit cost when Cost is omitted.
type ChargeRequest struct {
	Feature     domain.Feature   `json:"feature"`
	Cost        int64            `json:"cost"`
	Steps       []domain.Feature `json:"steps"`
	ReferenceID string           `json:"reference_id"`
}

// Charge debits credit before a feature runs.
func (h *CreditHandler) Charge(w http.ResponseWriter, r *http.Request) {
	const op = "handler.charge"

	userID, err := pathUserID(r, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req ChargeRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var balance *domain.Balance
	switch {
	case len(req.Steps) > 0:
		if req.Feature != "" || req.Cost != 0 {
			ErrorResponse(w, r, h.logger, domain.Invalid(op, "Send either steps or feature, not both."))
			return
		}
		balance, err = h.credits.ChargeSteps(r.Context(), userID, req.Steps, req.ReferenceID)
	case req.Cost == 0:
		var q domain.Quote
		q, err = h.credits.Quote([]domain.Feature{req.Feature})
		if err == nil {
			balance, err = h.credits.Charge(r.Context(), userID, req.Feature, q.Cost, req.ReferenceID)
		}
	default:
		balance, err = h.credits.Charge(r.Context(), userID, req.Feature, req.Cost, req.ReferenceID)
	}
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(balance))
}

// RefundRequest is the body of a refund.
type RefundRequest struct {
	Amount      int64  `json:"amount"`
	ReferenceID string `json:"reference_id"`
}

// Refund returns credit for a charge whose feature failed.
func (h *CreditHandler) Refund(w http.ResponseWriter, r *http.Request) {
	const op = "handler.refund"

	userID, err := pathUserID(r, op)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	var req RefundRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	balance, err := h.credits.Refund(r.Context(), userID, req.Amount, req.ReferenceID)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(balance))
}

// QuoteRequest is the body of a quote.
type QuoteRequest struct {
	Steps []domain.Feature `json:"steps"`
}

// Quote prices steps without charging.
func (h *CreditHandler) Quote(w http.ResponseWriter, r *http.Request) {
	const op = "handler.quote"

	var req QuoteRequest
	if err := decodeJSON(w, r, op, &req); err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}

	q, err := h.credits.Quote(req.Steps)
	if err != nil {
		ErrorResponse(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Steps:    q.Steps,
		RawCost:  q.RawCost,
		Discount: q.Discount,
		Cost:     q.Cost,
	})
}

// queryInt parses an optional integer query parameter. Missing means 0.
func queryInt(r *http.Request, op, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Errorf(domain.EINVALID, op, "Query parameter %s must be an integer.", name)
	}
	return n, nil
}
