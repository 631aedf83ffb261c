package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/google/uuid"
)

// maxBodyBytes bounds request bodies on the credit API.
const maxBodyBytes = 64 << 10

// decodeJSON reads a single JSON object into v, rejecting unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, op string, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return domain.Errorf(domain.ETOOLARGE, op, "Request body must be at most %d bytes.", maxBodyBytes)
		case errors.Is(err, io.EOF):
			return domain.Invalid(op, "Request body is required.")
		default:
			return domain.Wrap(err, domain.EINVALID, op, fmt.Sprintf("Malformed request body: %v", err))
		}
	}
	if dec.More() {
		return domain.Invalid(op, "Request body must contain a single JSON object.")
	}
	return nil
}

// pathUserID parses the {userID} route wildcard.
func pathUserID(r *http.Request, op string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue("userID"))
	if err != nil {
		return uuid.Nil, domain.Invalid(op, "User ID must be a UUID.")
	}
	return id, nil
}

// =============================================================================
// Response types
// =============================================================================

// BalanceResponse is the JSON view of a balance.
type BalanceResponse struct {
	UserID        uuid.UUID     `json:"user_id"`
	FreeRemaining int64         `json:"free_remaining"`
	FreeMonthly   int64         `json:"free_monthly"`
	FreeResetDate string        `json:"free_reset_date"`
	Purchased     int64         `json:"purchased"`
	Total         int64         `json:"total"`
	Lots          []LotResponse `json:"lots"`
}

// LotResponse is the JSON view of an active lot.
type LotResponse struct {
	ID           int64     `json:"id"`
	PackageName  string    `json:"package_name"`
	TotalCredits int64     `json:"total_credits"`
	Remaining    int64     `json:"remaining"`
	PurchasedAt  time.Time `json:"purchased_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

func newBalanceResponse(b *domain.Balance) BalanceResponse {
	resp := BalanceResponse{
		UserID:        b.UserID,
		FreeRemaining: b.FreeRemaining,
		FreeMonthly:   b.FreeMonthly,
		FreeResetDate: b.FreeResetDate.Format(time.DateOnly),
		Purchased:     b.Purchased,
		Total:         b.Total,
		Lots:          make([]LotResponse, 0, len(b.Lots)),
	}
	for _, l := range b.Lots {
		resp.Lots = append(resp.Lots, LotResponse{
			ID:           l.ID,
			PackageName:  l.PackageName,
			TotalCredits: l.TotalCredits,
			Remaining:    l.Remaining,
			PurchasedAt:  l.PurchasedAt,
			ExpiresAt:    l.ExpiresAt,
		})
	}
	return resp
}

// EntryResponse is the JSON view of a ledger entry.
type EntryResponse struct {
	ID           int64                 `json:"id"`
	Type         domain.EntryType      `json:"type"`
	Amount       int64                 `json:"amount"`
	BalanceAfter int64                 `json:"balance_after"`
	Feature      domain.Feature        `json:"feature,omitempty"`
	ReferenceID  string                `json:"reference_id,omitempty"`
	LotID        *int64                `json:"lot_id,omitempty"`
	Metadata     *domain.EntryMetadata `json:"metadata,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// TransactionsResponse is one page of ledger history.
type TransactionsResponse struct {
	Entries    []EntryResponse `json:"entries"`
	Page       int             `json:"page"`
	Size       int             `json:"size"`
	Total      int64           `json:"total"`
	TotalPages int             `json:"total_pages"`
}

func newTransactionsResponse(p *domain.TransactionPage) TransactionsResponse {
	resp := TransactionsResponse{
		Entries:    make([]EntryResponse, 0, len(p.Entries)),
		Page:       p.Page,
		Size:       p.Size,
		Total:      p.Total,
		TotalPages: p.TotalPages(),
	}
	for _, e := range p.Entries {
		resp.Entries = append(resp.Entries, EntryResponse{
			ID:           e.ID,
			Type:         e.Type,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			Feature:      e.Feature,
			ReferenceID:  e.ReferenceID,
			LotID:        e.LotID,
			Metadata:     e.Metadata,
			CreatedAt:    e.CreatedAt,
		})
	}
	return resp
}

// QuoteResponse is the JSON view of a price quote.
type QuoteResponse struct {
	Steps    []domain.Feature `json:"steps"`
	RawCost  int64            `json:"raw_cost"`
	Discount int64            `json:"discount"`
	Cost     int64            `json:"cost"`
}
