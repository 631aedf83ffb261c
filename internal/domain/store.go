package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNoAccount is returned by CreditTx.LockAccount when the user has no account row.
var ErrNoAccount = errors.New("credit account not found")

// ErrDuplicatePayment is returned by CreditTx.InsertLot when the payment
// reference was already used.
var ErrDuplicatePayment = errors.New("payment reference already recorded")

// CreditStore persists credit accounts, lots and the ledger.
//
// All balance-changing work happens inside InTx. Implementations must run fn
// in a single transaction, commit when fn returns nil and roll back otherwise,
// and release every lock taken through the CreditTx on return.
type CreditStore interface {
	InTx(ctx context.Context, fn func(tx CreditTx) error) error

	// Read-only queries, outside any lock.
	GetAccount(ctx context.Context, userID uuid.UUID) (*CreditAccount, error)
	ListLots(ctx context.Context, userID uuid.UUID) ([]PurchasedCreditLot, error)
	ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]LedgerEntry, error)
	CountEntries(ctx context.Context, userID uuid.UUID) (int64, error)
	ReplayEntries(ctx context.Context, userID uuid.UUID) ([]LedgerEntry, error)

	// Candidate selection for maintenance sweeps. Each pages in user id order,
	// returning users strictly after the cursor; uuid.Nil starts at the top.
	// Results are re-checked under lock before anything is mutated.
	ListAccountsDueForReset(ctx context.Context, today time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error)
	ListUsersWithLapsedLots(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error)

	// ListAccountBalances totals the free tier and the lots still live at now,
	// the same figure GetBalance reports.
	ListAccountBalances(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]AccountBalance, error)

	Ping(ctx context.Context) error
	Close() error
}

// CreditTx is the set of operations available inside a transaction.
//
// Lock discipline: LockAccount must be called before LockActiveLots, and
// LockActiveLots returns lots locked in ascending id order.
type CreditTx interface {
	// LockAccount takes an exclusive lock on the account row.
	// Returns ErrNoAccount if the account does not exist.
	LockAccount(ctx context.Context, userID uuid.UUID) (*CreditAccount, error)

	// CreateAccount inserts the account if missing. It is a no-op when a
	// concurrent transaction created it first.
	CreateAccount(ctx context.Context, account CreditAccount) (bool, error)

	// LockActiveLots takes exclusive locks on all active lots of the user.
	LockActiveLots(ctx context.Context, userID uuid.UUID) ([]PurchasedCreditLot, error)

	UpdateAccount(ctx context.Context, account *CreditAccount) error
	UpdateLot(ctx context.Context, lot *PurchasedCreditLot) error

	// GetLots returns the lots with the given ids in ascending id order,
	// whatever their status. Unknown ids are skipped.
	GetLots(ctx context.Context, lotIDs []int64) ([]PurchasedCreditLot, error)

	// FindLotByPaymentReference returns nil, nil when no lot carries the reference.
	FindLotByPaymentReference(ctx context.Context, paymentReference string) (*PurchasedCreditLot, error)
	InsertLot(ctx context.Context, lot PurchasedCreditLot) (*PurchasedCreditLot, error)

	InsertEntry(ctx context.Context, entry LedgerEntry) (*LedgerEntry, error)
	ListEntriesByReference(ctx context.Context, userID uuid.UUID, referenceID string) ([]LedgerEntry, error)

	// ReplayEntries returns every ledger entry of the user, oldest first.
	ReplayEntries(ctx context.Context, userID uuid.UUID) ([]LedgerEntry, error)
}

// LowBalanceNotifier receives low-balance signals from the maintenance scan.
type LowBalanceNotifier interface {
	NotifyLowBalance(ctx context.Context, event LowBalanceEvent) error
}
