package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/store/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testNow is the fixed "current time" of every fixture.
var testNow = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

type fixture struct {
	store       *memory.Store
	credits     CreditService
	maintenance MaintenanceService
	notifier    *recordingNotifier
	policy      domain.CreditPolicy

	mu  sync.Mutex
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithPolicy(t, domain.DefaultCreditPolicy())
}

func newFixtureWithPolicy(t *testing.T, policy domain.CreditPolicy) *fixture {
	t.Helper()
	f := &fixture{now: testNow, policy: policy}
	f.store = memory.New(memory.WithClock(f.clock), memory.WithLockTimeout(5*time.Second))
	f.notifier = &recordingNotifier{}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.credits = NewCreditService(f.store, domain.DefaultPricing(), policy, logger, f.clock)
	f.maintenance = NewMaintenanceService(f.store, f.notifier, policy, MaintenanceConfig{
		BatchSize:   2,
		Concurrency: 3,
		RetryBase:   time.Millisecond,
		MaxRetries:  3,
	}, logger, f.clock)
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// lotSpec describes a lot to seed.
type lotSpec struct {
	total     int64
	remaining int64
	expiresAt time.Time
}

// seed creates an account with freeRemaining of a 50 credit allowance plus
// the given active lots, writing ledger entries that replay to the balance.
// Returns the lot ids in argument order.
func (f *fixture) seed(t *testing.T, userID uuid.UUID, freeRemaining int64, resetDate time.Time, lots ...lotSpec) []int64 {
	t.Helper()
	ctx := context.Background()
	var ids []int64

	err := f.store.InTx(ctx, func(tx domain.CreditTx) error {
		if _, err := tx.CreateAccount(ctx, domain.CreditAccount{
			UserID:        userID,
			FreeMonthly:   50,
			FreeRemaining: freeRemaining,
			FreeResetDate: resetDate,
		}); err != nil {
			return err
		}
		balance := freeRemaining
		if _, err := tx.InsertEntry(ctx, domain.LedgerEntry{
			UserID: userID, Type: domain.EntryTypeGrant, Amount: freeRemaining, BalanceAfter: balance,
		}); err != nil {
			return err
		}

		for _, l := range lots {
			total := l.total
			if total == 0 {
				total = l.remaining
			}
			lot, err := tx.InsertLot(ctx, domain.PurchasedCreditLot{
				UserID:       userID,
				PackageName:  "starter",
				TotalCredits: total,
				Remaining:    l.remaining,
				PriceCents:   500,
				PurchasedAt:  testNow.AddDate(0, -1, 0),
				ExpiresAt:    l.expiresAt,
				Status:       domain.LotStatusActive,
			})
			if err != nil {
				return err
			}
			ids = append(ids, lot.ID)
			lotID := lot.ID
			balance += l.remaining
			if _, err := tx.InsertEntry(ctx, domain.LedgerEntry{
				UserID: userID, Type: domain.EntryTypePurchase, Amount: l.remaining, BalanceAfter: balance, LotID: &lotID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return ids
}

// lot returns the committed lot with the given id.
func (f *fixture) lot(t *testing.T, userID uuid.UUID, id int64) domain.PurchasedCreditLot {
	t.Helper()
	lots, err := f.store.ListLots(context.Background(), userID)
	require.NoError(t, err)
	for _, l := range lots {
		if l.ID == id {
			return l
		}
	}
	t.Fatalf("lot %d not found", id)
	return domain.PurchasedCreditLot{}
}

// entries returns the user's ledger, oldest first.
func (f *fixture) entries(t *testing.T, userID uuid.UUID) []domain.LedgerEntry {
	t.Helper()
	entries, err := f.store.ReplayEntries(context.Background(), userID)
	require.NoError(t, err)
	return entries
}

// entriesOfType filters the ledger by type.
func (f *fixture) entriesOfType(t *testing.T, userID uuid.UUID, typ domain.EntryType) []domain.LedgerEntry {
	t.Helper()
	var out []domain.LedgerEntry
	for _, e := range f.entries(t, userID) {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// assertConsistent checks that the ledger replays to the materialized balance.
func (f *fixture) assertConsistent(t *testing.T, userID uuid.UUID) {
	t.Helper()
	r, err := f.credits.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, r.Consistent(), "ledger %d, balance %d", r.LedgerTotal, r.BalanceTotal)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []domain.LowBalanceEvent
	err    error
}

func (n *recordingNotifier) NotifyLowBalance(_ context.Context, event domain.LowBalanceEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.events = append(n.events, event)
	return nil
}

func (n *recordingNotifier) users() []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	ids := make([]uuid.UUID, len(n.events))
	for i, e := range n.events {
		ids[i] = e.UserID
	}
	return ids
}
