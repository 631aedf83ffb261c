// Package domain contains core business types and interfaces.
//
// This file defines the credit ledger types: the per-user free tier account,
// purchased credit lots and the append-only ledger entries that record every
// balance change.
package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Credit Account
// =============================================================================

// CreditAccount holds the free-tier allowance state for one user.
type CreditAccount struct {
	UserID        uuid.UUID
	FreeMonthly   int64     // Quota granted on each reset
	FreeRemaining int64     // Current free balance, 0 <= FreeRemaining <= FreeMonthly
	FreeResetDate time.Time // Next calendar date (UTC midnight) the free tier replenishes
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DueForReset reports whether the free tier should replenish on the given day.
func (a *CreditAccount) DueForReset(today time.Time) bool {
	return !a.FreeResetDate.After(DateOf(today))
}

// NextResetDate advances FreeResetDate one month at a time from the stored
// date (not from today) until it lies after today.
func (a *CreditAccount) NextResetDate(today time.Time) time.Time {
	next := a.FreeResetDate
	day := DateOf(today)
	for !next.After(day) {
		next = AddMonths(next, 1)
	}
	return next
}

// =============================================================================
// Purchased Credit Lot
// =============================================================================

// LotStatus represents the lifecycle state of a purchased credit lot.
type LotStatus string

const (
	// LotStatusActive is the initial state. Only active lots count toward the balance.
	LotStatusActive LotStatus = "active"

	// LotStatusExhausted is terminal, reached when a debit drives Remaining to 0.
	LotStatusExhausted LotStatus = "exhausted"

	// LotStatusExpired is terminal, reached when ExpiresAt passes.
	LotStatusExpired LotStatus = "expired"
)

// String returns the string representation of the status.
func (s LotStatus) String() string {
	return string(s)
}

// IsValid returns true if the status is a recognized value.
func (s LotStatus) IsValid() bool {
	switch s {
	case LotStatusActive, LotStatusExhausted, LotStatusExpired:
		return true
	}
	return false
}

// IsTerminal returns true for states that can never be left.
func (s LotStatus) IsTerminal() bool {
	return s == LotStatusExhausted || s == LotStatusExpired
}

// CanTransitionTo checks if a lot can move to the target status.
//
// Valid transitions:
// - active -> exhausted (debit to zero)
// - active -> expired (time)
func (s LotStatus) CanTransitionTo(target LotStatus) bool {
	if s != LotStatusActive {
		return false
	}
	return target == LotStatusExhausted || target == LotStatusExpired
}

// PurchasedCreditLot is a paid credit package with its own balance and expiry.
type PurchasedCreditLot struct {
	ID               int64
	UserID           uuid.UUID
	PackageName      string
	TotalCredits     int64 // Immutable
	Remaining        int64 // 0 <= Remaining <= TotalCredits
	PriceCents       int64
	PaymentReference string // Idempotency key of the confirmed payment
	PurchasedAt      time.Time
	ExpiresAt        time.Time
	Status           LotStatus
	UpdatedAt        time.Time
}

// TransitionTo moves the lot to the target status, enforcing the state machine.
func (l *PurchasedCreditLot) TransitionTo(target LotStatus) error {
	if !l.Status.CanTransitionTo(target) {
		return fmt.Errorf("cannot transition lot %d from %s to %s", l.ID, l.Status, target)
	}
	l.Status = target
	return nil
}

// IsLapsed reports whether the lot's expiry has passed at now.
func (l *PurchasedCreditLot) IsLapsed(now time.Time) bool {
	return l.ExpiresAt.Before(now)
}

// Available returns the credits this lot contributes to the balance.
// Terminal lots always contribute 0, whatever their Remaining.
func (l *PurchasedCreditLot) Available() int64 {
	if l.Status != LotStatusActive {
		return 0
	}
	return l.Remaining
}

// Validate checks the lot's bookkeeping bounds.
func (l *PurchasedCreditLot) Validate() error {
	if l.Remaining < 0 || l.Remaining > l.TotalCredits {
		return fmt.Errorf("lot %d remaining %d outside [0, %d]", l.ID, l.Remaining, l.TotalCredits)
	}
	if !l.Status.IsValid() {
		return fmt.Errorf("lot %d has unknown status %q", l.ID, l.Status)
	}
	return nil
}

// =============================================================================
// Ledger
// =============================================================================

// EntryType identifies the kind of balance change a ledger entry records.
type EntryType string

const (
	EntryTypeGrant    EntryType = "grant"
	EntryTypeConsume  EntryType = "consume"
	EntryTypePurchase EntryType = "purchase"
	EntryTypeExpire   EntryType = "expire"
	EntryTypeRefund   EntryType = "refund"
)

// IsValid returns true if the entry type is a recognized value.
func (t EntryType) IsValid() bool {
	switch t {
	case EntryTypeGrant, EntryTypeConsume, EntryTypePurchase, EntryTypeExpire, EntryTypeRefund:
		return true
	}
	return false
}

// Sign returns +1 for entries that add credit and -1 for entries that remove it.
func (t EntryType) Sign() int64 {
	switch t {
	case EntryTypeConsume, EntryTypeExpire:
		return -1
	}
	return 1
}

// LedgerEntry is an immutable record of one balance change.
type LedgerEntry struct {
	ID           int64
	UserID       uuid.UUID
	Type         EntryType
	Amount       int64 // Magnitude, never negative
	BalanceAfter int64 // Free + active lots immediately after this entry
	Feature      Feature
	ReferenceID  string
	LotID        *int64 // nil means the free tier
	Metadata     *EntryMetadata
	CreatedAt    time.Time
}

// Delta returns the signed balance change recorded by the entry.
func (e *LedgerEntry) Delta() int64 {
	return e.Type.Sign() * e.Amount
}

// IsFreeTier returns true if the entry touched the free tier rather than a lot.
func (e *LedgerEntry) IsFreeTier() bool {
	return e.LotID == nil
}

// EntryMetadata is the typed detail stored alongside a ledger entry.
type EntryMetadata struct {
	Steps           []Feature `json:"steps,omitempty"`
	RawCost         int64     `json:"raw_cost,omitempty"`
	Discount        int64     `json:"discount,omitempty"`
	PackageName     string    `json:"package_name,omitempty"`
	PreviousBalance int64     `json:"previous_balance,omitempty"`
	Reason          string    `json:"reason,omitempty"`
}

// ReplayBalance sums the signed deltas of the given entries.
func ReplayBalance(entries []LedgerEntry) int64 {
	var total int64
	for i := range entries {
		total += entries[i].Delta()
	}
	return total
}

// =============================================================================
// Balance views
// =============================================================================

// Balance is the available credit for a user.
type Balance struct {
	UserID        uuid.UUID
	FreeRemaining int64
	FreeMonthly   int64
	FreeResetDate time.Time
	Purchased     int64 // Sum of active lot remaining
	Total         int64
	Lots          []PurchasedCreditLot
}

// NewBalance computes a balance view from an account and its lots.
// Lots that are terminal or lapsed at now are left out.
func NewBalance(account *CreditAccount, lots []PurchasedCreditLot, now time.Time) *Balance {
	b := &Balance{
		UserID:        account.UserID,
		FreeRemaining: account.FreeRemaining,
		FreeMonthly:   account.FreeMonthly,
		FreeResetDate: account.FreeResetDate,
	}
	for i := range lots {
		if lots[i].Status != LotStatusActive || lots[i].IsLapsed(now) {
			continue
		}
		b.Purchased += lots[i].Remaining
		b.Lots = append(b.Lots, lots[i])
	}
	b.Total = b.FreeRemaining + b.Purchased
	return b
}

// AccountBalance is a summary row used by the low-balance scan.
type AccountBalance struct {
	UserID      uuid.UUID
	FreeMonthly int64
	Total       int64
}

// IsLow reports whether the balance is positive and at most percent% of the
// monthly free allowance.
func (b AccountBalance) IsLow(percent int64) bool {
	if b.Total <= 0 {
		return false
	}
	return b.Total*100 <= b.FreeMonthly*percent
}

// LowBalanceEvent is emitted for accounts running out of credit.
type LowBalanceEvent struct {
	UserID      uuid.UUID
	Balance     int64
	FreeMonthly int64
	DetectedAt  time.Time
}

// TransactionPage is one page of ledger history, newest first.
type TransactionPage struct {
	Entries []LedgerEntry
	Page    int
	Size    int
	Total   int64
}

// TotalPages returns the number of pages for the page size.
func (p *TransactionPage) TotalPages() int {
	if p.Size <= 0 {
		return 0
	}
	return int((p.Total + int64(p.Size) - 1) / int64(p.Size))
}

// =============================================================================
// Dates
// =============================================================================

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AddMonths adds n calendar months to a date, clamping to the last day of the
// target month (Jan 31 + 1 month = Feb 28/29).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}
