package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nextReset = time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)

// =============================================================================
// Charge
// =============================================================================

func TestCharge_FreeTierThenSoonestExpiringLot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	ids := f.seed(t, userID, 30, nextReset,
		lotSpec{remaining: 50, expiresAt: testNow.AddDate(0, 0, 10)},
		lotSpec{remaining: 20, expiresAt: testNow.AddDate(0, 0, 30)},
	)
	lotA, lotB := ids[0], ids[1]

	balance, err := f.credits.Charge(ctx, userID, domain.FeatureScriptGeneration, 40, "job-1")
	require.NoError(t, err)

	assert.Equal(t, int64(0), balance.FreeRemaining)
	assert.Equal(t, int64(60), balance.Purchased)
	assert.Equal(t, int64(60), balance.Total)
	assert.Equal(t, int64(40), f.lot(t, userID, lotA).Remaining)
	assert.Equal(t, int64(20), f.lot(t, userID, lotB).Remaining)

	consumes := f.entriesOfType(t, userID, domain.EntryTypeConsume)
	require.Len(t, consumes, 2)

	assert.True(t, consumes[0].IsFreeTier())
	assert.Equal(t, int64(30), consumes[0].Amount)
	assert.Equal(t, int64(70), consumes[0].BalanceAfter)

	require.NotNil(t, consumes[1].LotID)
	assert.Equal(t, lotA, *consumes[1].LotID)
	assert.Equal(t, int64(10), consumes[1].Amount)
	assert.Equal(t, int64(60), consumes[1].BalanceAfter)

	for _, e := range consumes {
		assert.Equal(t, domain.FeatureScriptGeneration, e.Feature)
		assert.Equal(t, "job-1", e.ReferenceID)
	}
	f.assertConsistent(t, userID)
}

func TestCharge_InsufficientCreditChangesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seed(t, userID, 30, nextReset,
		lotSpec{remaining: 50, expiresAt: testNow.AddDate(0, 0, 10)},
		lotSpec{remaining: 20, expiresAt: testNow.AddDate(0, 0, 30)},
	)
	before := f.entries(t, userID)

	_, err := f.credits.Charge(ctx, userID, domain.FeatureTranscription, 150, "job-2")
	require.Error(t, err)
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))

	ice, ok := domain.AsInsufficientCredit(err)
	require.True(t, ok)
	assert.Equal(t, int64(150), ice.Required)
	assert.Equal(t, int64(100), ice.Available)

	balance, err := f.credits.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance.FreeRemaining)
	assert.Equal(t, int64(100), balance.Total)
	assert.Equal(t, before, f.entries(t, userID))
}

func TestCharge_LotOrder(t *testing.T) {
	sameExpiry := testNow.AddDate(0, 2, 0)

	tests := []struct {
		name    string
		lots    []lotSpec
		cost    int64
		want    []int64 // remaining per lot, in declaration order
		wantLot []int   // index into lots of each lot debited, in order
	}{
		{
			name: "ascending expiry regardless of insertion order",
			lots: []lotSpec{
				{remaining: 10, expiresAt: testNow.AddDate(0, 3, 0)},
				{remaining: 10, expiresAt: testNow.AddDate(0, 1, 0)},
				{remaining: 10, expiresAt: testNow.AddDate(0, 2, 0)},
			},
			cost:    15,
			want:    []int64{10, 0, 5},
			wantLot: []int{1, 2},
		},
		{
			name: "tie on expiry broken by id",
			lots: []lotSpec{
				{remaining: 10, expiresAt: sameExpiry},
				{remaining: 10, expiresAt: sameExpiry},
			},
			cost:    12,
			want:    []int64{0, 8},
			wantLot: []int{0, 1},
		},
		{
			name: "exact lot amount",
			lots: []lotSpec{
				{remaining: 7, expiresAt: sameExpiry},
			},
			cost:    7,
			want:    []int64{0},
			wantLot: []int{0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			userID := uuid.New()
			ids := f.seed(t, userID, 0, nextReset, tt.lots...)

			_, err := f.credits.Charge(context.Background(), userID, domain.FeatureThumbnailGeneration, tt.cost, "ref")
			require.NoError(t, err)

			for i, want := range tt.want {
				assert.Equal(t, want, f.lot(t, userID, ids[i]).Remaining, "lot %d", i)
			}

			consumes := f.entriesOfType(t, userID, domain.EntryTypeConsume)
			require.Len(t, consumes, len(tt.wantLot))
			for i, idx := range tt.wantLot {
				require.NotNil(t, consumes[i].LotID)
				assert.Equal(t, ids[idx], *consumes[i].LotID)
			}
			f.assertConsistent(t, userID)
		})
	}
}

func TestCharge_ExhaustedLotIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	ids := f.seed(t, userID, 0, nextReset, lotSpec{remaining: 10, expiresAt: testNow.AddDate(0, 1, 0)})

	balance, err := f.credits.Charge(ctx, userID, domain.FeatureIdeaGeneration, 10, "ref")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Total)
	assert.Empty(t, balance.Lots)

	lot := f.lot(t, userID, ids[0])
	assert.Equal(t, domain.LotStatusExhausted, lot.Status)
	assert.Equal(t, int64(0), lot.Remaining)

	_, err = f.credits.Charge(ctx, userID, domain.FeatureIdeaGeneration, 1, "ref-2")
	assert.Equal(t, domain.EPAYMENT, domain.ErrorCode(err))
}

func TestCharge_LapsedLotIsNeverConsumed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	ids := f.seed(t, userID, 5, nextReset,
		lotSpec{remaining: 40, expiresAt: testNow.Add(-time.Hour)},
		lotSpec{remaining: 10, expiresAt: testNow.AddDate(0, 1, 0)},
	)

	t.Run("rejected charge rolls the inline expiry back", func(t *testing.T) {
		_, err := f.credits.Charge(ctx, userID, domain.FeatureScriptGeneration, 20, "too-much")
		ice, ok := domain.AsInsufficientCredit(err)
		require.True(t, ok)
		assert.Equal(t, int64(15), ice.Available, "the lapsed lot does not count")
		assert.Equal(t, domain.LotStatusActive, f.lot(t, userID, ids[0]).Status)
		assert.Empty(t, f.entriesOfType(t, userID, domain.EntryTypeExpire))
	})

	t.Run("successful charge expires the lapsed lot first", func(t *testing.T) {
		balance, err := f.credits.Charge(ctx, userID, domain.FeatureScriptGeneration, 12, "fits")
		require.NoError(t, err)
		assert.Equal(t, int64(3), balance.Total)

		lapsed := f.lot(t, userID, ids[0])
		assert.Equal(t, domain.LotStatusExpired, lapsed.Status)
		assert.Equal(t, int64(40), lapsed.Remaining, "expiry keeps remaining for audit")
		assert.Equal(t, int64(3), f.lot(t, userID, ids[1]).Remaining)

		expires := f.entriesOfType(t, userID, domain.EntryTypeExpire)
		require.Len(t, expires, 1)
		assert.Equal(t, int64(40), expires[0].Amount)
		assert.Equal(t, int64(15), expires[0].BalanceAfter)
		f.assertConsistent(t, userID)
	})
}

func TestCharge_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	tests := []struct {
		name    string
		feature domain.Feature
		cost    int64
		ref     string
	}{
		{"zero cost", domain.FeatureTranscription, 0, "ref"},
		{"negative cost", domain.FeatureTranscription, -5, "ref"},
		{"missing reference", domain.FeatureTranscription, 5, "  "},
		{"unknown feature", domain.Feature("video_render"), 5, "ref"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.credits.Charge(ctx, userID, tt.feature, tt.cost, tt.ref)
			assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
		})
	}

	_, err := f.store.GetAccount(ctx, userID)
	assert.ErrorIs(t, err, domain.ErrNoAccount, "invalid input never provisions")
}

func TestChargeSteps_PipelineDiscount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	steps := []domain.Feature{
		domain.FeatureScriptGeneration,
		domain.FeatureTranscription,
		domain.FeatureMetadataGeneration,
	}
	balance, err := f.credits.ChargeSteps(ctx, userID, steps, "pipeline-1")
	require.NoError(t, err)
	assert.Equal(t, int64(50-16), balance.Total)

	consumes := f.entriesOfType(t, userID, domain.EntryTypeConsume)
	require.Len(t, consumes, 1)
	assert.Equal(t, domain.FeaturePipeline, consumes[0].Feature)
	assert.Equal(t, int64(16), consumes[0].Amount)
	require.NotNil(t, consumes[0].Metadata)
	assert.Equal(t, steps, consumes[0].Metadata.Steps)
	assert.Equal(t, int64(20), consumes[0].Metadata.RawCost)
	assert.Equal(t, int64(4), consumes[0].Metadata.Discount)

	balance, err = f.credits.ChargeSteps(ctx, userID, steps[:2], "pipeline-2")
	require.NoError(t, err)
	assert.Equal(t, int64(50-16-15), balance.Total, "two steps are not discounted")

	_, err = f.credits.ChargeSteps(ctx, userID, nil, "pipeline-3")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	_, err = f.credits.ChargeSteps(ctx, userID, []domain.Feature{domain.FeaturePipeline}, "pipeline-4")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
}

func TestQuote(t *testing.T) {
	f := newFixture(t)

	q, err := f.credits.Quote([]domain.Feature{domain.FeatureScriptGeneration, domain.FeatureThumbnailGeneration, domain.FeatureIdeaGeneration})
	require.NoError(t, err)
	assert.Equal(t, int64(21), q.RawCost)
	assert.Equal(t, int64(16), q.Cost, "21 * 0.8 = 16.8 truncates to 16")
	assert.Equal(t, int64(5), q.Discount)
}

// =============================================================================
// Concurrency
// =============================================================================

func TestCharge_ConcurrentChargesDrainExactly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seed(t, userID, 50, nextReset,
		lotSpec{remaining: 30, expiresAt: testNow.AddDate(0, 1, 0)},
		lotSpec{remaining: 20, expiresAt: testNow.AddDate(0, 2, 0)},
	)

	const n = 20 // 20 charges of 5 = 100 = balance
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.credits.Charge(ctx, userID, domain.FeatureTranscription, 5, fmt.Sprintf("job-%d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	balance, err := f.credits.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Total)
	assert.Len(t, f.entriesOfType(t, userID, domain.EntryTypeConsume), n)
	f.assertConsistent(t, userID)
}

func TestCharge_ConcurrentOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seed(t, userID, 50, nextReset)

	const n = 16 // 16 charges of 5 against 50
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.credits.Charge(ctx, userID, domain.FeatureMetadataGeneration, 5, fmt.Sprintf("job-%d", i))
			mu.Lock()
			defer mu.Unlock()
			switch domain.ErrorCode(err) {
			case "":
				ok++
			case domain.EPAYMENT:
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, ok)
	assert.Equal(t, 6, rejected)

	balance, err := f.credits.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance.Total)
	f.assertConsistent(t, userID)
}

func TestCharge_LockTimeoutIsTransient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seed(t, userID, 50, nextReset)

	shortCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- f.store.InTx(ctx, func(tx domain.CreditTx) error {
			if _, err := tx.LockAccount(ctx, userID); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	_, err := f.credits.Charge(shortCtx, userID, domain.FeatureTranscription, 5, "busy")
	close(release)
	require.NoError(t, <-done)

	assert.Equal(t, domain.EUNAVAILABLE, domain.ErrorCode(err))
	assert.True(t, domain.IsTransient(err))
}

// =============================================================================
// Purchases
// =============================================================================

func TestAddPurchasedCredits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	balance, err := f.credits.AddPurchasedCredits(ctx, userID, 2000, "pi_123")
	require.NoError(t, err)
	assert.Equal(t, int64(50), balance.FreeRemaining, "account provisioned with the free allowance")
	assert.Equal(t, int64(500), balance.Purchased)
	require.Len(t, balance.Lots, 1)

	lot := balance.Lots[0]
	assert.Equal(t, "creator", lot.PackageName)
	assert.Equal(t, int64(2000), lot.PriceCents)
	assert.Equal(t, domain.LotStatusActive, lot.Status)
	assert.Equal(t, time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC), lot.ExpiresAt)

	purchases := f.entriesOfType(t, userID, domain.EntryTypePurchase)
	require.Len(t, purchases, 1)
	assert.Equal(t, int64(500), purchases[0].Amount)
	assert.Equal(t, int64(550), purchases[0].BalanceAfter)
	assert.Equal(t, "pi_123", purchases[0].ReferenceID)
	assert.Equal(t, lot.ID, *purchases[0].LotID)

	t.Run("replay is idempotent", func(t *testing.T) {
		again, err := f.credits.AddPurchasedCredits(ctx, userID, 2000, "pi_123")
		require.NoError(t, err)
		assert.Equal(t, int64(550), again.Total)
		assert.Len(t, f.entriesOfType(t, userID, domain.EntryTypePurchase), 1)
	})

	t.Run("reference owned by another user", func(t *testing.T) {
		_, err := f.credits.AddPurchasedCredits(ctx, uuid.New(), 2000, "pi_123")
		assert.Equal(t, domain.ECONFLICT, domain.ErrorCode(err))
	})

	t.Run("unknown amount", func(t *testing.T) {
		_, err := f.credits.AddPurchasedCredits(ctx, userID, 1234, "pi_456")
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	})

	t.Run("missing reference", func(t *testing.T) {
		_, err := f.credits.AddPurchasedCredits(ctx, userID, 500, "")
		assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))
	})

	f.assertConsistent(t, userID)
}

func TestAddPurchasedCredits_ConcurrentReplays(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.credits.AddPurchasedCredits(ctx, userID, 500, "pi_dup")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := f.credits.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance.Total)
	assert.Len(t, f.entriesOfType(t, userID, domain.EntryTypePurchase), 1)
	assert.Len(t, f.entriesOfType(t, userID, domain.EntryTypeGrant), 1, "provisioned once")
}

// =============================================================================
// Refunds
// =============================================================================

func TestRefund(t *testing.T) {
	farExpiry := testNow.AddDate(0, 6, 0)

	tests := []struct {
		name      string
		free      int64
		lots      []lotSpec
		charge    int64
		refunds   []int64
		wantFree  int64
		wantLots  []int64
		wantExtra int64 // credits in a refund lot
	}{
		{
			name:     "full refund restores each tier",
			free:     30,
			lots:     []lotSpec{{remaining: 50, expiresAt: farExpiry}},
			charge:   40,
			refunds:  []int64{40},
			wantFree: 30,
			wantLots: []int64{50},
		},
		{
			name:     "partial refund goes to the most recent debit first",
			free:     30,
			lots:     []lotSpec{{remaining: 50, expiresAt: farExpiry}},
			charge:   40,
			refunds:  []int64{15},
			wantFree: 5,
			wantLots: []int64{50},
		},
		{
			name:     "successive refunds continue where the last stopped",
			free:     30,
			lots:     []lotSpec{{remaining: 50, expiresAt: farExpiry}},
			charge:   40,
			refunds:  []int64{5, 5, 30},
			wantFree: 30,
			wantLots: []int64{50},
		},
		{
			name:     "exhausted lot portion lands in the free tier",
			free:     0,
			lots:     []lotSpec{{remaining: 10, expiresAt: farExpiry}},
			charge:   10,
			refunds:  []int64{10},
			wantFree: 10,
			wantLots: []int64{0},
		},
		{
			name:      "overflow beyond the free cap becomes a refund lot",
			free:      50,
			lots:      []lotSpec{{remaining: 30, expiresAt: farExpiry}},
			charge:    80,
			refunds:   []int64{80},
			wantFree:  50,
			wantLots:  []int64{0},
			wantExtra: 30,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			userID := uuid.New()
			ids := f.seed(t, userID, tt.free, nextReset, tt.lots...)

			_, err := f.credits.Charge(ctx, userID, domain.FeatureScriptGeneration, tt.charge, "job")
			require.NoError(t, err)

			var balance *domain.Balance
			for _, amount := range tt.refunds {
				balance, err = f.credits.Refund(ctx, userID, amount, "job")
				require.NoError(t, err)
			}

			assert.Equal(t, tt.wantFree, balance.FreeRemaining)
			for i, want := range tt.wantLots {
				assert.Equal(t, want, f.lot(t, userID, ids[i]).Remaining, "lot %d", i)
			}

			var extra int64
			for _, l := range balance.Lots {
				if l.PackageName == domain.RefundPackageName {
					extra += l.Remaining
					assert.Equal(t, testNow.Add(30*24*time.Hour), l.ExpiresAt)
					assert.Empty(t, l.PaymentReference)
				}
			}
			assert.Equal(t, tt.wantExtra, extra)

			var refunded int64
			for _, e := range f.entriesOfType(t, userID, domain.EntryTypeRefund) {
				refunded += e.Amount
				assert.Equal(t, "job", e.ReferenceID)
			}
			var want int64
			for _, r := range tt.refunds {
				want += r
			}
			assert.Equal(t, want, refunded)
			f.assertConsistent(t, userID)
		})
	}
}

func TestRefund_CatchAllRecordsReason(t *testing.T) {
	tests := []struct {
		name          string
		free          int64
		lot           lotSpec
		charge        int64
		after         func(f *fixture)
		wantFree      string // reason on the free tier refund entry
		wantRefundLot string // reason on the refund lot entry, empty when none
	}{
		{
			name:     "exhausted lot",
			lot:      lotSpec{remaining: 10, expiresAt: testNow.AddDate(0, 6, 0)},
			charge:   10,
			wantFree: "lot %d exhausted",
		},
		{
			name:   "lot lapsed before the sweep",
			lot:    lotSpec{remaining: 20, expiresAt: testNow.Add(time.Hour)},
			charge: 10,
			after: func(f *fixture) {
				f.advance(2 * time.Hour)
			},
			wantFree: "lot %d expired",
		},
		{
			name:   "lot swept to expired",
			lot:    lotSpec{remaining: 20, expiresAt: testNow.Add(time.Hour)},
			charge: 10,
			after: func(f *fixture) {
				f.advance(2 * time.Hour)
				_, _ = f.maintenance.ExpireLots(context.Background(), f.clock())
			},
			wantFree: "lot %d expired",
		},
		{
			name:          "free tier already full",
			free:          50,
			lot:           lotSpec{remaining: 30, expiresAt: testNow.AddDate(0, 6, 0)},
			charge:        80,
			wantRefundLot: "refund lot: lot %d exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			userID := uuid.New()
			ids := f.seed(t, userID, tt.free, nextReset, tt.lot)

			_, err := f.credits.Charge(ctx, userID, domain.FeatureScriptGeneration, tt.charge, "job")
			require.NoError(t, err)
			if tt.after != nil {
				tt.after(f)
			}
			_, err = f.credits.Refund(ctx, userID, tt.charge, "job")
			require.NoError(t, err)

			var freeReason, lotReason string
			for _, e := range f.entriesOfType(t, userID, domain.EntryTypeRefund) {
				var reason string
				if e.Metadata != nil {
					reason = e.Metadata.Reason
				}
				switch {
				case e.LotID == nil:
					freeReason = reason
				case *e.LotID != ids[0]:
					lotReason = reason
				}
			}

			if tt.wantFree != "" {
				assert.Equal(t, fmt.Sprintf(tt.wantFree, ids[0]), freeReason)
			} else {
				assert.Empty(t, freeReason, "credit went back to its own tier")
			}
			if tt.wantRefundLot != "" {
				assert.Equal(t, fmt.Sprintf(tt.wantRefundLot, ids[0]), lotReason)
			} else {
				assert.Empty(t, lotReason)
			}
		})
	}
}

func TestRefund_Limits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seed(t, userID, 50, nextReset)

	_, err := f.credits.Charge(ctx, userID, domain.FeatureTranscription, 20, "job")
	require.NoError(t, err)

	_, err = f.credits.Refund(ctx, userID, 21, "job")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err), "never more than was charged")

	_, err = f.credits.Refund(ctx, userID, 15, "job")
	require.NoError(t, err)

	_, err = f.credits.Refund(ctx, userID, 6, "job")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err), "earlier refunds count against the charge")

	_, err = f.credits.Refund(ctx, userID, 5, "unknown-job")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	_, err = f.credits.Refund(ctx, uuid.New(), 5, "job")
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

	_, err = f.credits.Refund(ctx, userID, 0, "job")
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(err))

	balance, err := f.credits.GetBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(45), balance.FreeRemaining)
	assert.LessOrEqual(t, balance.FreeRemaining, balance.FreeMonthly)
}

// =============================================================================
// Reads
// =============================================================================

func TestGetBalance_Provisioning(t *testing.T) {
	t.Run("auto provision", func(t *testing.T) {
		f := newFixture(t)
		userID := uuid.New()

		balance, err := f.credits.GetBalance(context.Background(), userID)
		require.NoError(t, err)
		assert.Equal(t, int64(50), balance.Total)
		assert.Equal(t, nextReset.AddDate(0, 0, 9), balance.FreeResetDate, "one month after the first day of use")

		grants := f.entriesOfType(t, userID, domain.EntryTypeGrant)
		require.Len(t, grants, 1)
		assert.Equal(t, int64(50), grants[0].Amount)
	})

	t.Run("provisioning disabled", func(t *testing.T) {
		policy := domain.DefaultCreditPolicy()
		policy.AutoProvision = false
		f := newFixtureWithPolicy(t, policy)
		userID := uuid.New()

		_, err := f.credits.GetBalance(context.Background(), userID)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

		_, err = f.credits.Charge(context.Background(), userID, domain.FeatureTranscription, 5, "ref")
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))

		_, err = f.credits.GetTransactions(context.Background(), userID, 1, 20)
		assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
	})
}

func TestGetBalance_ExcludesLapsedLots(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.seed(t, userID, 10, nextReset,
		lotSpec{remaining: 25, expiresAt: testNow.Add(time.Hour)},
	)

	balance, err := f.credits.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(35), balance.Total)

	f.advance(2 * time.Hour)
	balance, err = f.credits.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance.Total)
}

func TestGetTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seed(t, userID, 50, nextReset)
	for i := 0; i < 24; i++ {
		_, err := f.credits.Charge(ctx, userID, domain.FeatureIdeaGeneration, 1, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
	}
	// 25 entries: one grant, 24 consumes

	tests := []struct {
		name      string
		page      int
		size      int
		wantPage  int
		wantSize  int
		wantCount int
		wantFirst string
	}{
		{"defaults", 0, 0, 1, 20, 20, "job-23"},
		{"second page", 2, 20, 2, 20, 5, "job-3"},
		{"size clamped", 1, 500, 1, 100, 25, "job-23"},
		{"past the end", 9, 10, 9, 10, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := f.credits.GetTransactions(ctx, userID, tt.page, tt.size)
			require.NoError(t, err)
			assert.Equal(t, tt.wantPage, page.Page)
			assert.Equal(t, tt.wantSize, page.Size)
			assert.Equal(t, int64(25), page.Total)
			require.Len(t, page.Entries, tt.wantCount)
			if tt.wantCount > 0 {
				assert.Equal(t, tt.wantFirst, page.Entries[0].ReferenceID)
			}
			for i := 1; i < len(page.Entries); i++ {
				assert.Greater(t, page.Entries[i-1].ID, page.Entries[i].ID, "newest first")
			}
		})
	}
}

// offsetStore rejects offsets a Postgres int32 OFFSET cannot carry.
type offsetStore struct {
	domain.CreditStore
	calls int
}

func (s *offsetStore) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	s.calls++
	if offset < 0 || offset > math.MaxInt32 {
		return nil, domain.Internal(errors.New("negative OFFSET"), "offset.list_entries", "failed to list ledger entries")
	}
	return s.CreditStore.ListEntries(ctx, userID, limit, offset)
}

func TestGetTransactions_HugePageIsEmpty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seed(t, userID, 50, nextReset)

	store := &offsetStore{CreditStore: f.store}
	credits := NewCreditService(store, domain.DefaultPricing(), f.policy, slog.New(slog.NewTextHandler(io.Discard, nil)), f.clock)

	page, err := credits.GetTransactions(ctx, userID, 30_000_000, 100)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.Equal(t, 30_000_000, page.Page)
	assert.Equal(t, int64(1), page.Total)
	assert.Zero(t, store.calls, "pages past the end never reach the store")

	page, err = credits.GetTransactions(ctx, userID, 1, 100)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
	assert.Equal(t, 1, store.calls)
}

// =============================================================================
// Ledger consistency
// =============================================================================

func TestReconcile_DetectsMismatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.seed(t, userID, 50, nextReset)
	f.assertConsistent(t, userID)

	// A balance change without its ledger entry.
	err := f.store.InTx(ctx, func(tx domain.CreditTx) error {
		a, err := tx.LockAccount(ctx, userID)
		if err != nil {
			return err
		}
		a.FreeRemaining = 40
		return tx.UpdateAccount(ctx, a)
	})
	require.NoError(t, err)

	r, err := f.credits.Reconcile(ctx, userID)
	require.Error(t, err)
	assert.Equal(t, domain.EINVARIANT, domain.ErrorCode(err))
	assert.Equal(t, int64(50), r.LedgerTotal)
	assert.Equal(t, int64(40), r.BalanceTotal)

	_, err = f.credits.Reconcile(ctx, uuid.New())
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(err))
}

func TestLedgerReplayMatchesBalance_RandomOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	rng := rand.New(rand.NewSource(42))

	var charged []string
	for i := 0; i < 200; i++ {
		var err error
		switch op := rng.Intn(10); {
		case op < 5:
			ref := fmt.Sprintf("job-%d", i)
			_, err = f.credits.Charge(ctx, userID, domain.Features[rng.Intn(len(domain.Features))], int64(1+rng.Intn(40)), ref)
			if err == nil {
				charged = append(charged, ref)
			}
		case op < 7:
			amounts := []int64{500, 2000, 5000}
			_, err = f.credits.AddPurchasedCredits(ctx, userID, amounts[rng.Intn(len(amounts))], fmt.Sprintf("pay-%d", i))
		case op < 9 && len(charged) > 0:
			_, err = f.credits.Refund(ctx, userID, int64(1+rng.Intn(10)), charged[rng.Intn(len(charged))])
		default:
			f.advance(time.Duration(rng.Intn(40*24)) * time.Hour)
			_, err = f.maintenance.ExpireLots(ctx, f.clock())
			if err == nil {
				_, err = f.maintenance.FreeReset(ctx, f.clock())
			}
		}

		switch domain.ErrorCode(err) {
		case "", domain.EPAYMENT, domain.EINVALID:
		default:
			t.Fatalf("step %d: %v", i, err)
		}

		balance, err := f.credits.GetBalance(ctx, userID)
		require.NoError(t, err)
		require.GreaterOrEqual(t, balance.Total, int64(0))
		require.GreaterOrEqual(t, balance.FreeRemaining, int64(0))
		require.LessOrEqual(t, balance.FreeRemaining, balance.FreeMonthly)
		f.assertConsistent(t, userID)
	}

	entries := f.entries(t, userID)
	require.NotEmpty(t, entries)
	for i := range entries {
		require.True(t, entries[i].Type.IsValid())
		require.GreaterOrEqual(t, entries[i].Amount, int64(0))
	}
}

func TestInTx_ErrorsPassThrough(t *testing.T) {
	f := newFixture(t)
	sentinel := errors.New("boom")
	svc := f.credits.(*creditService)

	err := svc.inTx(context.Background(), "credit.test", uuid.New(), func(domain.CreditTx) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}
