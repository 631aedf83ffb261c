// Package storetest is a conformance suite every domain.CreditStore
// implementation runs from its own tests.
package storetest

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) domain.CreditStore

var errRollback = errors.New("rollback")

// Run runs the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s domain.CreditStore)
	}{
		{"AccountLifecycle", testAccountLifecycle},
		{"RollbackLeavesNoTrace", testRollback},
		{"Lots", testLots},
		{"DuplicatePaymentReference", testDuplicatePayment},
		{"LedgerEntries", testLedgerEntries},
		{"DueForReset", testDueForReset},
		{"LapsedLots", testLapsedLots},
		{"AccountBalances", testAccountBalances},
		{"RejectsOutOfBoundsWrites", testBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var base = time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

// createAccount provisions an account with the given free balance.
func createAccount(t *testing.T, s domain.CreditStore, userID uuid.UUID, freeRemaining int64, resetDate time.Time) {
	t.Helper()
	err := s.InTx(context.Background(), func(tx domain.CreditTx) error {
		created, err := tx.CreateAccount(context.Background(), domain.CreditAccount{
			UserID:        userID,
			FreeMonthly:   50,
			FreeRemaining: freeRemaining,
			FreeResetDate: resetDate,
		})
		if err != nil {
			return err
		}
		if !created {
			return errors.New("account already existed")
		}
		return nil
	})
	require.NoError(t, err)
}

// insertLot adds an active lot for userID.
func insertLot(t *testing.T, s domain.CreditStore, userID uuid.UUID, credits int64, expiresAt time.Time, paymentRef string) domain.PurchasedCreditLot {
	t.Helper()
	var lot *domain.PurchasedCreditLot
	err := s.InTx(context.Background(), func(tx domain.CreditTx) error {
		if _, err := tx.LockAccount(context.Background(), userID); err != nil {
			return err
		}
		var err error
		lot, err = tx.InsertLot(context.Background(), domain.PurchasedCreditLot{
			UserID:           userID,
			PackageName:      "starter",
			TotalCredits:     credits,
			Remaining:        credits,
			PriceCents:       500,
			PaymentReference: paymentRef,
			PurchasedAt:      base,
			ExpiresAt:        expiresAt,
			Status:           domain.LotStatusActive,
		})
		return err
	})
	require.NoError(t, err)
	require.NotZero(t, lot.ID)
	return *lot
}

func testAccountLifecycle(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()
	userID := uuid.New()

	_, err := s.GetAccount(ctx, userID)
	assert.ErrorIs(t, err, domain.ErrNoAccount)

	err = s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.LockAccount(ctx, userID)
		assert.ErrorIs(t, err, domain.ErrNoAccount)

		created, err := tx.CreateAccount(ctx, domain.CreditAccount{
			UserID:        userID,
			FreeMonthly:   50,
			FreeRemaining: 50,
			FreeResetDate: time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC),
		})
		require.NoError(t, err)
		assert.True(t, created)

		created, err = tx.CreateAccount(ctx, domain.CreditAccount{UserID: userID, FreeMonthly: 10, FreeRemaining: 10, FreeResetDate: base})
		require.NoError(t, err)
		assert.False(t, created, "second create is a no-op")

		a, err := tx.LockAccount(ctx, userID)
		require.NoError(t, err)
		assert.Equal(t, int64(50), a.FreeMonthly)

		a.FreeRemaining = 20
		a.FreeResetDate = time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)
		return tx.UpdateAccount(ctx, a)
	})
	require.NoError(t, err)

	a, err := s.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, userID, a.UserID)
	assert.Equal(t, int64(50), a.FreeMonthly)
	assert.Equal(t, int64(20), a.FreeRemaining)
	assert.True(t, a.FreeResetDate.Equal(time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC)), "reset date %v", a.FreeResetDate)
}

func testRollback(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()
	userID := uuid.New()
	createAccount(t, s, userID, 50, base)

	err := s.InTx(ctx, func(tx domain.CreditTx) error {
		a, err := tx.LockAccount(ctx, userID)
		require.NoError(t, err)
		a.FreeRemaining = 0
		require.NoError(t, tx.UpdateAccount(ctx, a))
		_, err = tx.InsertEntry(ctx, domain.LedgerEntry{
			UserID: userID, Type: domain.EntryTypeConsume, Amount: 50, BalanceAfter: 0, ReferenceID: "r1",
		})
		require.NoError(t, err)
		_, err = tx.InsertLot(ctx, domain.PurchasedCreditLot{
			UserID: userID, PackageName: "starter", TotalCredits: 100, Remaining: 100,
			PurchasedAt: base, ExpiresAt: base.AddDate(1, 0, 0), Status: domain.LotStatusActive,
		})
		require.NoError(t, err)
		return errRollback
	})
	assert.ErrorIs(t, err, errRollback)

	a, err := s.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), a.FreeRemaining)

	n, err := s.CountEntries(ctx, userID)
	require.NoError(t, err)
	assert.Zero(t, n)

	lots, err := s.ListLots(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func testLots(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()
	userID := uuid.New()
	createAccount(t, s, userID, 50, base)

	late := insertLot(t, s, userID, 100, base.AddDate(1, 0, 0), "pay-late")
	early := insertLot(t, s, userID, 500, base.AddDate(0, 6, 0), "pay-early")
	assert.Greater(t, early.ID, late.ID)

	lots, err := s.ListLots(ctx, userID)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, early.ID, lots[0].ID, "ordered by expiry")
	assert.Equal(t, "pay-early", lots[0].PaymentReference)
	assert.WithinDuration(t, base.AddDate(0, 6, 0), lots[0].ExpiresAt, time.Millisecond)

	err = s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.LockAccount(ctx, userID)
		require.NoError(t, err)

		locked, err := tx.LockActiveLots(ctx, userID)
		require.NoError(t, err)
		require.Len(t, locked, 2)
		assert.Equal(t, late.ID, locked[0].ID, "locked in id order")

		found, err := tx.FindLotByPaymentReference(ctx, "pay-early")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, early.ID, found.ID)

		missing, err := tx.FindLotByPaymentReference(ctx, "pay-unknown")
		require.NoError(t, err)
		assert.Nil(t, missing)

		lot := locked[0]
		lot.Remaining = 0
		require.NoError(t, lot.TransitionTo(domain.LotStatusExhausted))
		return tx.UpdateLot(ctx, &lot)
	})
	require.NoError(t, err)

	err = s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.LockAccount(ctx, userID)
		require.NoError(t, err)

		active, err := tx.LockActiveLots(ctx, userID)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, early.ID, active[0].ID)

		both, err := tx.GetLots(ctx, []int64{early.ID, late.ID, 999999})
		require.NoError(t, err)
		require.Len(t, both, 2)
		assert.Equal(t, late.ID, both[0].ID)
		assert.Equal(t, domain.LotStatusExhausted, both[0].Status)
		assert.Equal(t, int64(0), both[0].Remaining)

		none, err := tx.GetLots(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, none)
		return nil
	})
	require.NoError(t, err)
}

func testDuplicatePayment(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()
	first, second := uuid.New(), uuid.New()
	createAccount(t, s, first, 50, base)
	createAccount(t, s, second, 50, base)
	insertLot(t, s, first, 100, base.AddDate(1, 0, 0), "pay-1")

	err := s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.LockAccount(ctx, second)
		require.NoError(t, err)
		_, err = tx.InsertLot(ctx, domain.PurchasedCreditLot{
			UserID: second, PackageName: "starter", TotalCredits: 100, Remaining: 100,
			PaymentReference: "pay-1", PurchasedAt: base, ExpiresAt: base.AddDate(1, 0, 0),
			Status: domain.LotStatusActive,
		})
		return err
	})
	assert.ErrorIs(t, err, domain.ErrDuplicatePayment)

	// Lots without a payment reference never collide.
	insertLot(t, s, second, 10, base.AddDate(0, 1, 0), "")
	insertLot(t, s, second, 10, base.AddDate(0, 1, 0), "")
	lots, err := s.ListLots(ctx, second)
	require.NoError(t, err)
	assert.Len(t, lots, 2)
}

func testLedgerEntries(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()
	userID, other := uuid.New(), uuid.New()
	createAccount(t, s, userID, 50, base)
	createAccount(t, s, other, 50, base)
	lot := insertLot(t, s, userID, 100, base.AddDate(1, 0, 0), "pay-ledger")

	err := s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.LockAccount(ctx, userID)
		require.NoError(t, err)

		lotID := lot.ID
		inputs := []domain.LedgerEntry{
			{UserID: userID, Type: domain.EntryTypeGrant, Amount: 50, BalanceAfter: 50},
			{UserID: userID, Type: domain.EntryTypePurchase, Amount: 100, BalanceAfter: 150, ReferenceID: "pay-ledger", LotID: &lotID,
				Metadata: &domain.EntryMetadata{PackageName: "starter"}},
			{UserID: userID, Type: domain.EntryTypeConsume, Amount: 50, BalanceAfter: 100, Feature: domain.FeaturePipeline, ReferenceID: "job-1",
				Metadata: &domain.EntryMetadata{Steps: []domain.Feature{domain.FeatureScriptGeneration, domain.FeatureTranscription, domain.FeatureMetadataGeneration}, RawCost: 20, Discount: 4}},
			{UserID: userID, Type: domain.EntryTypeConsume, Amount: 6, BalanceAfter: 94, Feature: domain.FeaturePipeline, ReferenceID: "job-1", LotID: &lotID},
			{UserID: userID, Type: domain.EntryTypeRefund, Amount: 6, BalanceAfter: 100, ReferenceID: "job-1", LotID: &lotID},
		}
		var lastID int64
		for _, in := range inputs {
			e, err := tx.InsertEntry(ctx, in)
			require.NoError(t, err)
			assert.Greater(t, e.ID, lastID)
			assert.False(t, e.CreatedAt.IsZero())
			lastID = e.ID
		}

		_, err = tx.LockAccount(ctx, other)
		require.NoError(t, err)
		_, err = tx.InsertEntry(ctx, domain.LedgerEntry{UserID: other, Type: domain.EntryTypeConsume, Amount: 1, BalanceAfter: 49, ReferenceID: "job-1"})
		require.NoError(t, err)

		byRef, err := tx.ListEntriesByReference(ctx, userID, "job-1")
		require.NoError(t, err)
		assert.Len(t, byRef, 3, "entries written earlier in the transaction are visible")

		replay, err := tx.ReplayEntries(ctx, userID)
		require.NoError(t, err)
		assert.Len(t, replay, 5)
		return nil
	})
	require.NoError(t, err)

	n, err := s.CountEntries(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	page, err := s.ListEntries(ctx, userID, 2, 0)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, domain.EntryTypeRefund, page[0].Type, "newest first")
	assert.Equal(t, domain.EntryTypeConsume, page[1].Type)

	page, err = s.ListEntries(ctx, userID, 2, 4)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, domain.EntryTypeGrant, page[0].Type)
	assert.Nil(t, page[0].LotID)
	assert.Nil(t, page[0].Metadata)
	assert.Empty(t, page[0].Feature)

	replay, err := s.ReplayEntries(ctx, userID)
	require.NoError(t, err)
	require.Len(t, replay, 5)
	assert.Equal(t, int64(100), domain.ReplayBalance(replay))
	assert.Equal(t, replay[len(replay)-1].BalanceAfter, domain.ReplayBalance(replay))

	pipeline := replay[2]
	require.NotNil(t, pipeline.Metadata)
	assert.Equal(t, domain.FeaturePipeline, pipeline.Feature)
	assert.Equal(t, []domain.Feature{domain.FeatureScriptGeneration, domain.FeatureTranscription, domain.FeatureMetadataGeneration}, pipeline.Metadata.Steps)
	assert.Equal(t, int64(20), pipeline.Metadata.RawCost)
	assert.Equal(t, int64(4), pipeline.Metadata.Discount)

	purchase := replay[1]
	require.NotNil(t, purchase.LotID)
	assert.Equal(t, lot.ID, *purchase.LotID)
	assert.Equal(t, "starter", purchase.Metadata.PackageName)
}

func testDueForReset(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()
	today := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	due := []uuid.UUID{uuid.New(), uuid.New()}
	notDue := uuid.New()
	createAccount(t, s, due[0], 10, today)
	createAccount(t, s, due[1], 0, today.AddDate(0, 0, -3))
	createAccount(t, s, notDue, 50, today.AddDate(0, 0, 1))

	ids, err := s.ListAccountsDueForReset(ctx, today.Add(15*time.Hour), uuid.Nil, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, due, ids)

	sort.Slice(due, func(i, j int) bool { return due[i].String() < due[j].String() })
	ids, err = s.ListAccountsDueForReset(ctx, today, uuid.Nil, 1)
	require.NoError(t, err)
	assert.Equal(t, due[:1], ids)

	ids, err = s.ListAccountsDueForReset(ctx, today, ids[0], 1)
	require.NoError(t, err)
	assert.Equal(t, due[1:], ids, "cursor skips users already listed")

	ids, err = s.ListAccountsDueForReset(ctx, today, due[1], 1)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func testLapsedLots(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()
	now := base.AddDate(0, 2, 0)

	lapsed, fresh, spent := uuid.New(), uuid.New(), uuid.New()
	for _, id := range []uuid.UUID{lapsed, fresh, spent} {
		createAccount(t, s, id, 50, base)
	}
	insertLot(t, s, lapsed, 100, now.Add(-time.Hour), "")
	insertLot(t, s, lapsed, 100, now.Add(-2*time.Hour), "")
	insertLot(t, s, fresh, 100, now.Add(time.Hour), "")
	old := insertLot(t, s, spent, 100, now.Add(-time.Hour), "")

	err := s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.LockAccount(ctx, spent)
		require.NoError(t, err)
		old.Remaining = 0
		require.NoError(t, old.TransitionTo(domain.LotStatusExhausted))
		return tx.UpdateLot(ctx, &old)
	})
	require.NoError(t, err)

	ids, err := s.ListUsersWithLapsedLots(ctx, now, uuid.Nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{lapsed}, ids, "one row per user, terminal lots ignored")

	ids, err = s.ListUsersWithLapsedLots(ctx, now, lapsed, 10)
	require.NoError(t, err)
	assert.Empty(t, ids, "cursor skips users already listed")
}

func testAccountBalances(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	createAccount(t, s, ids[0], 5, base)
	createAccount(t, s, ids[1], 0, base)
	createAccount(t, s, ids[2], 50, base)
	insertLot(t, s, ids[1], 100, base.AddDate(1, 0, 0), "")
	// Lapsed but not yet swept: left out of the total like GetBalance does.
	insertLot(t, s, ids[2], 500, base.Add(-time.Hour), "")

	first, err := s.ListAccountBalances(ctx, base, uuid.Nil, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, ids[0], first[0].UserID)
	assert.Equal(t, int64(5), first[0].Total)
	assert.Equal(t, int64(50), first[0].FreeMonthly)
	assert.Equal(t, int64(100), first[1].Total)

	rest, err := s.ListAccountBalances(ctx, base, first[1].UserID, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, ids[2], rest[0].UserID)
	assert.Equal(t, int64(50), rest[0].Total)
}

func testBounds(t *testing.T, s domain.CreditStore) {
	ctx := context.Background()
	userID := uuid.New()
	createAccount(t, s, userID, 50, base)
	lot := insertLot(t, s, userID, 10, base.AddDate(1, 0, 0), "")

	err := s.InTx(ctx, func(tx domain.CreditTx) error {
		a, err := tx.LockAccount(ctx, userID)
		require.NoError(t, err)
		a.FreeRemaining = 51
		return tx.UpdateAccount(ctx, a)
	})
	assert.Error(t, err)

	err = s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.LockAccount(ctx, userID)
		require.NoError(t, err)
		lot.Remaining = -1
		return tx.UpdateLot(ctx, &lot)
	})
	assert.Error(t, err)

	a, err := s.GetAccount(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(50), a.FreeRemaining)
}
