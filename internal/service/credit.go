// Package service contains the business logic layer.
//
// This file implements the consumption engine: pricing, charging, purchases,
// refunds and the read side of the credit ledger.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/metrics"
	"github.com/google/uuid"
)

// Transaction history paging
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Clock returns the current time.
type Clock func() time.Time

// =============================================================================
// Interface Definition
// =============================================================================

// CreditService defines the operations of the consumption engine.
type CreditService interface {
	// Quote prices a set of steps, applying the pipeline discount.
	Quote(steps []domain.Feature) (domain.Quote, error)

	// Charge debits cost credits for a single feature use. The free tier is
	// drawn first, then purchased lots soonest-expiring first. Returns an
	// EPAYMENT error wrapping InsufficientCreditError, with nothing changed,
	// when the balance does not cover the cost.
	Charge(ctx context.Context, userID uuid.UUID, feature domain.Feature, cost int64, referenceID string) (*domain.Balance, error)

	// ChargeSteps prices and charges a multi-step pipeline in one debit.
	ChargeSteps(ctx context.Context, userID uuid.UUID, steps []domain.Feature, referenceID string) (*domain.Balance, error)

	// AddPurchasedCredits records a confirmed payment as a new credit lot.
	// Replaying the same payment reference returns the current balance.
	AddPurchasedCredits(ctx context.Context, userID uuid.UUID, amountPaidCents int64, paymentReference string) (*domain.Balance, error)

	// Refund returns credit consumed under referenceID.
	Refund(ctx context.Context, userID uuid.UUID, amount int64, referenceID string) (*domain.Balance, error)

	// GetBalance returns the available credit, provisioning the account if needed.
	GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error)

	// GetTransactions returns one page of ledger history, newest first.
	GetTransactions(ctx context.Context, userID uuid.UUID, page, size int) (*domain.TransactionPage, error)

	// Reconcile replays the ledger and compares it to the materialized balance.
	// A mismatch is reported as an EINVARIANT error alongside the result.
	Reconcile(ctx context.Context, userID uuid.UUID) (*Reconciliation, error)
}

// Reconciliation is the outcome of comparing the ledger with the balance.
type Reconciliation struct {
	UserID       uuid.UUID
	LedgerTotal  int64 // Sum of signed ledger deltas
	BalanceTotal int64 // Free remaining plus active lot remaining
	Entries      int
}

// Consistent reports whether the ledger and the balance agree.
func (r *Reconciliation) Consistent() bool {
	return r.LedgerTotal == r.BalanceTotal
}

// =============================================================================
// Implementation
// =============================================================================

type creditService struct {
	store   domain.CreditStore
	pricing *domain.Pricing
	policy  domain.CreditPolicy
	logger  *slog.Logger
	now     Clock
}

// NewCreditService creates a new CreditService. A nil clock uses time.Now.
func NewCreditService(store domain.CreditStore, pricing *domain.Pricing, policy domain.CreditPolicy, logger *slog.Logger, clock Clock) CreditService {
	if pricing == nil {
		pricing = domain.DefaultPricing()
	}
	if clock == nil {
		clock = time.Now
	}
	return &creditService{
		store:   store,
		pricing: pricing,
		policy:  policy,
		logger:  logger,
		now:     clock,
	}
}

// Quote prices a set of steps.
func (s *creditService) Quote(steps []domain.Feature) (domain.Quote, error) {
	const op = "credit.quote"
	if err := validateSteps(op, steps); err != nil {
		return domain.Quote{}, err
	}
	q, err := s.pricing.Quote(steps)
	if err != nil {
		return domain.Quote{}, domain.Invalid(op, err.Error())
	}
	return q, nil
}

// Charge debits cost credits for a single feature use.
func (s *creditService) Charge(ctx context.Context, userID uuid.UUID, feature domain.Feature, cost int64, referenceID string) (*domain.Balance, error) {
	const op = "credit.charge"

	if !feature.IsValid() {
		return nil, domain.Invalid(op, "Unknown feature.")
	}
	referenceID = strings.TrimSpace(referenceID)
	if err := validateCharge(op, cost, referenceID); err != nil {
		return nil, err
	}

	balance, err := s.charge(ctx, op, userID, feature, cost, referenceID, nil)
	metrics.ChargeRecorded(feature, err)
	return balance, err
}

// ChargeSteps prices and charges a multi-step pipeline.
func (s *creditService) ChargeSteps(ctx context.Context, userID uuid.UUID, steps []domain.Feature, referenceID string) (*domain.Balance, error) {
	const op = "credit.charge_steps"

	q, err := s.Quote(steps)
	if err != nil {
		return nil, err
	}
	referenceID = strings.TrimSpace(referenceID)
	if err := validateCharge(op, q.Cost, referenceID); err != nil {
		return nil, err
	}

	feature := domain.FeaturePipeline
	if len(steps) == 1 {
		feature = steps[0]
	}
	md := &domain.EntryMetadata{
		Steps:    q.Steps,
		RawCost:  q.RawCost,
		Discount: q.Discount,
	}

	balance, err := s.charge(ctx, op, userID, feature, q.Cost, referenceID, md)
	metrics.ChargeRecorded(feature, err)
	return balance, err
}

func (s *creditService) charge(ctx context.Context, op string, userID uuid.UUID, feature domain.Feature, cost int64, referenceID string, md *domain.EntryMetadata) (*domain.Balance, error) {
	now := s.now()
	var (
		result  *domain.Balance
		debits  []tierAmount
		expired []int64
	)

	err := s.inTx(ctx, op, userID, func(tx domain.CreditTx) error {
		account, err := s.lockAccount(ctx, tx, op, userID, now)
		if err != nil {
			return err
		}
		lots, err := tx.LockActiveLots(ctx, userID)
		if err != nil {
			return err
		}

		running := account.FreeRemaining + sumRemaining(lots)

		// Lapsed lots are retired before availability is computed so they are
		// never consumed. A rejected charge rolls this back too.
		live := make([]domain.PurchasedCreditLot, 0, len(lots))
		for i := range lots {
			if !lots[i].IsLapsed(now) {
				live = append(live, lots[i])
				continue
			}
			forfeited := lots[i].Remaining
			if running, err = expireLot(ctx, tx, op, &lots[i], running); err != nil {
				return err
			}
			expired = append(expired, forfeited)
		}

		available := running
		if available < cost {
			s.logger.Info("charge rejected, insufficient credit",
				"user_id", userID,
				"feature", feature,
				"required", cost,
				"available", available,
				"reference_id", referenceID,
			)
			return domain.InsufficientCredit(op, cost, available)
		}

		sortByConsumptionOrder(live)
		due := cost

		if take := min(due, account.FreeRemaining); take > 0 {
			account.FreeRemaining -= take
			if err := tx.UpdateAccount(ctx, account); err != nil {
				return err
			}
			running -= take
			due -= take
			if err := writeConsume(ctx, tx, userID, feature, referenceID, nil, take, running, md); err != nil {
				return err
			}
			debits = append(debits, tierAmount{amount: take})
		}

		for i := range live {
			if due == 0 {
				break
			}
			lot := &live[i]
			take := min(due, lot.Remaining)
			if take == 0 {
				continue
			}
			lot.Remaining -= take
			if lot.Remaining == 0 {
				if err := lot.TransitionTo(domain.LotStatusExhausted); err != nil {
					return domain.InvariantViolation(op, "%v", err)
				}
			}
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			running -= take
			due -= take
			lotID := lot.ID
			if err := writeConsume(ctx, tx, userID, feature, referenceID, &lotID, take, running, md); err != nil {
				return err
			}
			debits = append(debits, tierAmount{lotID: &lotID, amount: take})
		}

		if due != 0 {
			return domain.InvariantViolation(op, "charge of %d left %d undebited", cost, due)
		}

		result = domain.NewBalance(account, live, now)
		if result.Total != running {
			return domain.InvariantViolation(op, "balance %d after charge, ledger running total %d", result.Total, running)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, d := range debits {
		metrics.CreditsDebited(feature, d.lotID, d.amount)
	}
	for _, n := range expired {
		metrics.LotExpired(n)
	}
	s.logger.Info("credits charged",
		"user_id", userID,
		"feature", feature,
		"cost", cost,
		"reference_id", referenceID,
		"balance", result.Total,
	)
	return result, nil
}

func writeConsume(ctx context.Context, tx domain.CreditTx, userID uuid.UUID, feature domain.Feature, referenceID string, lotID *int64, amount, balanceAfter int64, md *domain.EntryMetadata) error {
	_, err := tx.InsertEntry(ctx, domain.LedgerEntry{
		UserID:       userID,
		Type:         domain.EntryTypeConsume,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		Feature:      feature,
		ReferenceID:  referenceID,
		LotID:        lotID,
		Metadata:     md,
	})
	return err
}

// AddPurchasedCredits records a confirmed payment as a new credit lot.
func (s *creditService) AddPurchasedCredits(ctx context.Context, userID uuid.UUID, amountPaidCents int64, paymentReference string) (*domain.Balance, error) {
	const op = "credit.add_purchased"

	paymentReference = strings.TrimSpace(paymentReference)
	if paymentReference == "" {
		return nil, domain.Invalid(op, "Payment reference is required.")
	}
	pkg, ok := domain.PackageForAmount(amountPaidCents)
	if !ok {
		return nil, domain.Errorf(domain.EINVALID, op, "No credit package costs %d cents.", amountPaidCents)
	}

	now := s.now()
	var (
		result *domain.Balance
		replay bool
	)

	err := s.inTx(ctx, op, userID, func(tx domain.CreditTx) error {
		account, err := s.lockAccount(ctx, tx, op, userID, now)
		if err != nil {
			return err
		}

		existing, err := tx.FindLotByPaymentReference(ctx, paymentReference)
		if err != nil {
			return err
		}
		if existing != nil && existing.UserID != userID {
			return domain.Conflict(op, "Payment reference belongs to another account.")
		}

		lots, err := tx.LockActiveLots(ctx, userID)
		if err != nil {
			return err
		}
		if existing != nil {
			replay = true
			result = domain.NewBalance(account, lots, now)
			return nil
		}

		lot, err := tx.InsertLot(ctx, domain.PurchasedCreditLot{
			UserID:           userID,
			PackageName:      pkg.Name,
			TotalCredits:     pkg.Credits,
			Remaining:        pkg.Credits,
			PriceCents:       pkg.PriceCents,
			PaymentReference: paymentReference,
			PurchasedAt:      now,
			ExpiresAt:        domain.AddMonths(now, s.policy.PurchaseExpiry),
			Status:           domain.LotStatusActive,
		})
		if err != nil {
			if errors.Is(err, domain.ErrDuplicatePayment) {
				return domain.Conflict(op, "Payment reference already recorded.")
			}
			return err
		}

		running := account.FreeRemaining + sumRemaining(lots) + lot.Remaining
		lotID := lot.ID
		if _, err := tx.InsertEntry(ctx, domain.LedgerEntry{
			UserID:       userID,
			Type:         domain.EntryTypePurchase,
			Amount:       lot.TotalCredits,
			BalanceAfter: running,
			ReferenceID:  paymentReference,
			LotID:        &lotID,
			Metadata:     &domain.EntryMetadata{PackageName: pkg.Name},
		}); err != nil {
			return err
		}

		result = domain.NewBalance(account, append(lots, *lot), now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if replay {
		s.logger.Info("payment already recorded", "user_id", userID, "payment_reference", paymentReference)
		return result, nil
	}

	metrics.CreditsPurchased.WithLabelValues(pkg.Name).Add(float64(pkg.Credits))
	s.logger.Info("credits purchased",
		"user_id", userID,
		"package", pkg.Name,
		"credits", pkg.Credits,
		"payment_reference", paymentReference,
		"balance", result.Total,
	)
	return result, nil
}

// tierAmount is an amount of credit on one tier. A nil lotID is the free tier.
type tierAmount struct {
	lotID  *int64
	amount int64
}

// Refund returns credit consumed under referenceID.
//
// Portions go back to the tiers they were debited from, most recent debit
// first. Credit that cannot go back (the lot is no longer active, or the free
// tier is full) lands in the free tier up to its monthly cap, and whatever is
// left becomes a short-lived refund lot. Entries carrying such credit record
// the reason in their metadata.
func (s *creditService) Refund(ctx context.Context, userID uuid.UUID, amount int64, referenceID string) (*domain.Balance, error) {
	const op = "credit.refund"

	referenceID = strings.TrimSpace(referenceID)
	if referenceID == "" {
		return nil, domain.Invalid(op, "Reference ID is required.")
	}
	if amount <= 0 {
		return nil, domain.Invalid(op, "Refund amount must be positive.")
	}

	now := s.now()
	var result *domain.Balance

	err := s.inTx(ctx, op, userID, func(tx domain.CreditTx) error {
		account, err := tx.LockAccount(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNoAccount) {
				return domain.NotFound(op, "charge", referenceID)
			}
			return err
		}
		lots, err := tx.LockActiveLots(ctx, userID)
		if err != nil {
			return err
		}

		history, err := tx.ListEntriesByReference(ctx, userID, referenceID)
		if err != nil {
			return err
		}
		portions, refundable := refundablePortions(history)
		if !hasConsume(history) {
			return domain.NotFound(op, "charge", referenceID)
		}
		if amount > refundable {
			return domain.Errorf(domain.EINVALID, op, "Refund of %d exceeds the %d credits refundable for this charge.", amount, refundable)
		}

		active := make(map[int64]*domain.PurchasedCreditLot, len(lots))
		for i := range lots {
			if !lots[i].IsLapsed(now) {
				active[lots[i].ID] = &lots[i]
			}
		}

		running := account.FreeRemaining + sumRemaining(lots)
		var (
			freeBack  int64
			lotBack   = make(map[int64]int64)
			lotOrder  []int64
			overflow  int64
			remaining = amount
			closed    []int64  // lots no longer able to take credit back
			why       []string // why credit missed its source
		)

		for _, p := range portions {
			if remaining == 0 {
				break
			}
			n := min(p.amount, remaining)
			remaining -= n

			if p.lotID == nil {
				room := account.FreeMonthly - account.FreeRemaining - freeBack
				back := min(n, room)
				freeBack += back
				if n > back {
					overflow += n - back
					why = appendReason(why, "free tier full")
				}
				continue
			}
			lot, ok := active[*p.lotID]
			if !ok {
				overflow += n
				if !slices.Contains(closed, *p.lotID) {
					closed = append(closed, *p.lotID)
				}
				continue
			}
			room := lot.TotalCredits - lot.Remaining - lotBack[lot.ID]
			back := min(n, room)
			if back > 0 {
				if _, seen := lotBack[lot.ID]; !seen {
					lotOrder = append(lotOrder, lot.ID)
				}
				lotBack[lot.ID] += back
			}
			if n > back {
				overflow += n - back
				why = appendReason(why, fmt.Sprintf("lot %d full", lot.ID))
			}
		}

		if len(closed) > 0 {
			sources, err := tx.GetLots(ctx, closed)
			if err != nil {
				return err
			}
			for i := range sources {
				why = appendReason(why, closedReason(&sources[i], now))
			}
		}
		reason := strings.Join(why, "; ")

		// Catch-all: free tier up to its cap, then a refund lot.
		var caught int64
		if overflow > 0 {
			room := account.FreeMonthly - account.FreeRemaining - freeBack
			caught = min(overflow, room)
			freeBack += caught
			overflow -= caught
		}

		if freeBack > 0 {
			account.FreeRemaining += freeBack
			if err := tx.UpdateAccount(ctx, account); err != nil {
				return err
			}
			running += freeBack
			var freeReason string
			if caught > 0 {
				freeReason = reason
			}
			if err := writeRefund(ctx, tx, userID, referenceID, nil, freeBack, running, freeReason); err != nil {
				return err
			}
		}

		for _, id := range lotOrder {
			lot := active[id]
			lot.Remaining += lotBack[id]
			if err := tx.UpdateLot(ctx, lot); err != nil {
				return err
			}
			running += lotBack[id]
			lotID := id
			if err := writeRefund(ctx, tx, userID, referenceID, &lotID, lotBack[id], running, ""); err != nil {
				return err
			}
		}

		live := make([]domain.PurchasedCreditLot, 0, len(lots)+1)
		live = append(live, lots...)

		if overflow > 0 {
			lot, err := tx.InsertLot(ctx, domain.PurchasedCreditLot{
				UserID:       userID,
				PackageName:  domain.RefundPackageName,
				TotalCredits: overflow,
				Remaining:    overflow,
				PurchasedAt:  now,
				ExpiresAt:    now.Add(s.policy.RefundLotExpiry),
				Status:       domain.LotStatusActive,
			})
			if err != nil {
				return err
			}
			running += overflow
			lotID := lot.ID
			lotReason := "refund lot"
			if reason != "" {
				lotReason += ": " + reason
			}
			if err := writeRefund(ctx, tx, userID, referenceID, &lotID, overflow, running, lotReason); err != nil {
				return err
			}
			live = append(live, *lot)
		}

		result = domain.NewBalance(account, live, now)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.CreditsRefunded.Add(float64(amount))
	s.logger.Info("credits refunded",
		"user_id", userID,
		"amount", amount,
		"reference_id", referenceID,
		"balance", result.Total,
	)
	return result, nil
}

func writeRefund(ctx context.Context, tx domain.CreditTx, userID uuid.UUID, referenceID string, lotID *int64, amount, balanceAfter int64, reason string) error {
	var md *domain.EntryMetadata
	if reason != "" {
		md = &domain.EntryMetadata{Reason: reason}
	}
	_, err := tx.InsertEntry(ctx, domain.LedgerEntry{
		UserID:       userID,
		Type:         domain.EntryTypeRefund,
		Amount:       amount,
		BalanceAfter: balanceAfter,
		ReferenceID:  referenceID,
		LotID:        lotID,
		Metadata:     md,
	})
	return err
}

// closedReason names why a lot could not take refunded credit back.
func closedReason(lot *domain.PurchasedCreditLot, now time.Time) string {
	if lot.Status.IsTerminal() {
		return fmt.Sprintf("lot %d %s", lot.ID, lot.Status)
	}
	if lot.IsLapsed(now) {
		return fmt.Sprintf("lot %d %s", lot.ID, domain.LotStatusExpired)
	}
	return fmt.Sprintf("lot %d unavailable", lot.ID)
}

func appendReason(why []string, reason string) []string {
	if slices.Contains(why, reason) {
		return why
	}
	return append(why, reason)
}

// refundablePortions returns the debits under a reference still open to
// refund, most recent first. Earlier refunds are attributed to the most
// recent debits.
func refundablePortions(history []domain.LedgerEntry) ([]tierAmount, int64) {
	var consumed, refunded int64
	for i := range history {
		switch history[i].Type {
		case domain.EntryTypeConsume:
			consumed += history[i].Amount
		case domain.EntryTypeRefund:
			refunded += history[i].Amount
		}
	}

	var portions []tierAmount
	skip := refunded
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		if e.Type != domain.EntryTypeConsume {
			continue
		}
		n := e.Amount
		if skip > 0 {
			used := min(skip, n)
			skip -= used
			n -= used
		}
		if n > 0 {
			portions = append(portions, tierAmount{lotID: e.LotID, amount: n})
		}
	}
	return portions, max(consumed-refunded, 0)
}

func hasConsume(history []domain.LedgerEntry) bool {
	for i := range history {
		if history[i].Type == domain.EntryTypeConsume {
			return true
		}
	}
	return false
}

// GetBalance returns the available credit.
func (s *creditService) GetBalance(ctx context.Context, userID uuid.UUID) (*domain.Balance, error) {
	const op = "credit.get_balance"

	account, err := s.store.GetAccount(ctx, userID)
	if errors.Is(err, domain.ErrNoAccount) {
		account, err = s.provision(ctx, op, userID)
	}
	if err != nil {
		return nil, err
	}

	lots, err := s.store.ListLots(ctx, userID)
	if err != nil {
		return nil, err
	}
	return domain.NewBalance(account, lots, s.now()), nil
}

// provision creates the account outside of any other work.
func (s *creditService) provision(ctx context.Context, op string, userID uuid.UUID) (*domain.CreditAccount, error) {
	var account *domain.CreditAccount
	err := s.inTx(ctx, op, userID, func(tx domain.CreditTx) error {
		var err error
		account, err = s.lockAccount(ctx, tx, op, userID, s.now())
		return err
	})
	return account, err
}

// GetTransactions returns one page of ledger history, newest first.
func (s *creditService) GetTransactions(ctx context.Context, userID uuid.UUID, page, size int) (*domain.TransactionPage, error) {
	const op = "credit.get_transactions"

	if page < 1 {
		page = 1
	}
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}

	if !s.policy.AutoProvision {
		if _, err := s.store.GetAccount(ctx, userID); err != nil {
			if errors.Is(err, domain.ErrNoAccount) {
				return nil, domain.NotFound(op, "credit account", userID.String())
			}
			return nil, err
		}
	}

	total, err := s.store.CountEntries(ctx, userID)
	if err != nil {
		return nil, err
	}
	// Pages past the end are empty without asking the store, which also keeps
	// huge page numbers from overflowing the offset.
	var entries []domain.LedgerEntry
	if int64(page-1) < (total+int64(size)-1)/int64(size) {
		entries, err = s.store.ListEntries(ctx, userID, size, (page-1)*size)
		if err != nil {
			return nil, err
		}
	}

	return &domain.TransactionPage{
		Entries: entries,
		Page:    page,
		Size:    size,
		Total:   total,
	}, nil
}

// Reconcile replays the ledger and compares it to the materialized balance.
func (s *creditService) Reconcile(ctx context.Context, userID uuid.UUID) (*Reconciliation, error) {
	const op = "credit.reconcile"

	var result *Reconciliation
	err := s.store.InTx(ctx, func(tx domain.CreditTx) error {
		account, err := tx.LockAccount(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNoAccount) {
				return domain.NotFound(op, "credit account", userID.String())
			}
			return err
		}
		lots, err := tx.LockActiveLots(ctx, userID)
		if err != nil {
			return err
		}
		entries, err := tx.ReplayEntries(ctx, userID)
		if err != nil {
			return err
		}
		result = &Reconciliation{
			UserID:       userID,
			LedgerTotal:  domain.ReplayBalance(entries),
			BalanceTotal: account.FreeRemaining + sumRemaining(lots),
			Entries:      len(entries),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Consistent() {
		metrics.InvariantViolations.Inc()
		s.logger.Error("ledger does not match balance, manual reconciliation required",
			"user_id", userID,
			"ledger_total", result.LedgerTotal,
			"balance_total", result.BalanceTotal,
			"op", op,
		)
		return result, domain.InvariantViolation(op, "ledger total %d does not match balance %d", result.LedgerTotal, result.BalanceTotal)
	}
	return result, nil
}

// =============================================================================
// Helpers
// =============================================================================

// inTx runs fn in a store transaction and reports invariant violations.
func (s *creditService) inTx(ctx context.Context, op string, userID uuid.UUID, fn func(tx domain.CreditTx) error) error {
	err := s.store.InTx(ctx, fn)
	if err == nil {
		return nil
	}
	switch domain.ErrorCode(err) {
	case domain.EINVARIANT:
		metrics.InvariantViolations.Inc()
		s.logger.Error("ledger invariant violated, manual reconciliation required",
			"error", err,
			"user_id", userID,
			"op", op,
		)
	case domain.EUNAVAILABLE:
		s.logger.Warn("credit account busy", "error", err, "user_id", userID, "op", op)
	case domain.EINTERNAL:
		s.logger.Error("credit operation failed", "error", err, "user_id", userID, "op", op)
	}
	return err
}

// lockAccount locks the account row, creating the account on first use when
// the policy allows it. A new account starts with a grant of its free allowance.
func (s *creditService) lockAccount(ctx context.Context, tx domain.CreditTx, op string, userID uuid.UUID, now time.Time) (*domain.CreditAccount, error) {
	account, err := tx.LockAccount(ctx, userID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, domain.ErrNoAccount) {
		return nil, err
	}
	if !s.policy.AutoProvision {
		return nil, domain.NotFound(op, "credit account", userID.String())
	}

	today := domain.DateOf(now)
	created, err := tx.CreateAccount(ctx, domain.CreditAccount{
		UserID:        userID,
		FreeMonthly:   s.policy.FreeMonthly,
		FreeRemaining: s.policy.FreeMonthly,
		FreeResetDate: domain.AddMonths(today, 1),
	})
	if err != nil {
		return nil, err
	}
	if created {
		if _, err := tx.InsertEntry(ctx, domain.LedgerEntry{
			UserID:       userID,
			Type:         domain.EntryTypeGrant,
			Amount:       s.policy.FreeMonthly,
			BalanceAfter: s.policy.FreeMonthly,
			Metadata:     &domain.EntryMetadata{Reason: "account opened"},
		}); err != nil {
			return nil, err
		}
		s.logger.Info("credit account provisioned", "user_id", userID, "free_monthly", s.policy.FreeMonthly)
	}

	account, err = tx.LockAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNoAccount) {
			return nil, domain.Internal(err, op, "account missing after provisioning")
		}
		return nil, err
	}
	return account, nil
}

// expireLot moves a locked lot to expired and writes its EXPIRE entry, even
// for a lot with nothing left. Returns the running balance after the entry.
func expireLot(ctx context.Context, tx domain.CreditTx, op string, lot *domain.PurchasedCreditLot, running int64) (int64, error) {
	forfeited := lot.Remaining
	if err := lot.TransitionTo(domain.LotStatusExpired); err != nil {
		return running, domain.InvariantViolation(op, "%v", err)
	}
	if err := tx.UpdateLot(ctx, lot); err != nil {
		return running, err
	}
	running -= forfeited
	lotID := lot.ID
	if _, err := tx.InsertEntry(ctx, domain.LedgerEntry{
		UserID:       lot.UserID,
		Type:         domain.EntryTypeExpire,
		Amount:       forfeited,
		BalanceAfter: running,
		LotID:        &lotID,
		Metadata:     &domain.EntryMetadata{PackageName: lot.PackageName},
	}); err != nil {
		return running, err
	}
	return running, nil
}

func sumRemaining(lots []domain.PurchasedCreditLot) int64 {
	var total int64
	for i := range lots {
		total += lots[i].Available()
	}
	return total
}

// sortByConsumptionOrder orders lots soonest-expiring first, then by id.
func sortByConsumptionOrder(lots []domain.PurchasedCreditLot) {
	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].ExpiresAt.Equal(lots[j].ExpiresAt) {
			return lots[i].ExpiresAt.Before(lots[j].ExpiresAt)
		}
		return lots[i].ID < lots[j].ID
	})
}

func validateCharge(op string, cost int64, referenceID string) error {
	if cost <= 0 {
		return domain.Invalid(op, "Cost must be positive.")
	}
	if referenceID == "" {
		return domain.Invalid(op, "Reference ID is required.")
	}
	return nil
}

func validateSteps(op string, steps []domain.Feature) error {
	if len(steps) == 0 {
		return domain.Invalid(op, "At least one step is required.")
	}
	for _, f := range steps {
		if !f.IsValid() || f == domain.FeaturePipeline {
			return domain.Errorf(domain.EINVALID, op, "Unknown feature %q.", f)
		}
	}
	return nil
}
