package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DukeRupert/credits/internal"
	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/store/memory"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

// newTestWire returns a wire func whose apps share one in-memory store.
func newTestWire(t *testing.T, driver string) func() (*app, error) {
	t.Helper()
	return newTestWireWithStore(t, driver, memory.New(memory.WithClock(func() time.Time { return testNow })))
}

// newTestWireWithStore returns a wire func whose apps share the given store.
func newTestWireWithStore(t *testing.T, driver string, shared domain.CreditStore) func() (*app, error) {
	t.Helper()
	clock := func() time.Time { return testNow }
	policy := domain.DefaultCreditPolicy()

	return func() (*app, error) {
		return &app{
			cfg: &internal.Config{
				Env:                   "development",
				DatabaseDriver:        driver,
				FreeMonthlyCredits:    policy.FreeMonthly,
				AutoProvisionAccounts: true,
				PurchaseExpiryMonths:  policy.PurchaseExpiry,
				RefundLotExpiry:       policy.RefundLotExpiry,
				LowBalancePercent:     policy.LowBalancePct,
			},
			logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
			prices: domain.DefaultPricing(),
			now:    clock,
			open: func(context.Context) (domain.CreditStore, error) {
				return shared, nil
			},
		}, nil
	}
}

func executeCLI(t *testing.T, wire func() (*app, error), args ...string) (string, string, error) {
	t.Helper()

	root := newRootCmd(wire)
	stdout := &bytes.Buffer{}
	stderr := &bytes.Buffer{}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetArgs(args)

	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func TestBalanceProvisionsAccount(t *testing.T) {
	wire := newTestWire(t, internal.DriverSQLite)
	userID := uuid.NewString()

	stdout, _, err := executeCLI(t, wire, "balance", userID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "total:      50 credits")
	assert.Contains(t, stdout, "resets 2025-04-10")
}

func TestBalanceRejectsBadUserID(t *testing.T) {
	_, _, err := executeCLI(t, newTestWire(t, internal.DriverSQLite), "balance", "bob")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be a UUID")
}

func TestPurchaseFormatsLargeBalances(t *testing.T) {
	wire := newTestWire(t, internal.DriverSQLite)
	userID := uuid.NewString()

	stdout, _, err := executeCLI(t, wire, "purchase", userID, "--cents", "5000", "--reference", "pi_1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "total:      1,550 credits")
	assert.Contains(t, stdout, "studio")

	stdout, _, err = executeCLI(t, wire, "purchase", userID, "--cents", "5000", "--reference", "pi_1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "total:      1,550 credits", "replay adds nothing")
}

func TestChargeAndHistory(t *testing.T) {
	wire := newTestWire(t, internal.DriverSQLite)
	userID := uuid.NewString()

	stdout, _, err := executeCLI(t, wire, "charge", userID, "--feature", "transcription", "--reference", "job-1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "total:      45 credits")

	stdout, _, err = executeCLI(t, wire, "charge", userID,
		"--steps", "script_generation,transcription,metadata_generation", "--reference", "job-2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "total:      29 credits")

	stdout, _, err = executeCLI(t, wire, "history", userID, "--size", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "page 1 of 2 (3 entries)")
	assert.Contains(t, stdout, "Consume")
	assert.Contains(t, stdout, "job-2")
	assert.NotContains(t, stdout, "Grant")
}

func TestChargeErrors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{
			name:    "insufficient credit",
			args:    []string{"--feature", "transcription", "--cost", "60", "--reference", "job-1"},
			wantErr: "insufficient credit: 60 required, 50 available",
		},
		{
			name:    "neither feature nor steps",
			args:    []string{"--reference", "job-1"},
			wantErr: "exactly one of --feature or --steps is required",
		},
		{
			name:    "missing reference",
			args:    []string{"--feature", "transcription"},
			wantErr: `required flag(s) "reference" not set`,
		},
		{
			name:    "unknown feature",
			args:    []string{"--feature", "video_render", "--reference", "job-1"},
			wantErr: "invalid",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"charge", uuid.NewString()}, tt.args...)
			_, _, err := executeCLI(t, newTestWire(t, internal.DriverSQLite), args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRefund(t *testing.T) {
	wire := newTestWire(t, internal.DriverSQLite)
	userID := uuid.NewString()

	_, _, err := executeCLI(t, wire, "charge", userID, "--feature", "thumbnail_generation", "--reference", "thumb-1")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, wire, "refund", userID, "--amount", "8", "--reference", "thumb-1")
	require.NoError(t, err)
	assert.Contains(t, stdout, "total:      50 credits")
}

func TestQuote(t *testing.T) {
	stdout, _, err := executeCLI(t, newTestWire(t, internal.DriverSQLite),
		"quote", "--steps", "script_generation,transcription,metadata_generation")
	require.NoError(t, err)
	assert.Contains(t, stdout, "raw 20  discount 4  cost 16")
}

func TestReconcile(t *testing.T) {
	wire := newTestWire(t, internal.DriverSQLite)
	userID := uuid.NewString()

	_, _, err := executeCLI(t, wire, "charge", userID, "--feature", "idea_generation", "--reference", "idea-1")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, wire, "reconcile", userID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "ledger 47  balance 47  entries 2  ok")

	_, _, err = executeCLI(t, wire, "reconcile", uuid.NewString())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not_found")
}

func TestMaintenanceScanPrintsLowBalances(t *testing.T) {
	wire := newTestWire(t, internal.DriverSQLite)
	userID := uuid.NewString()

	_, _, err := executeCLI(t, wire, "charge", userID, "--feature", "transcription", "--cost", "42", "--reference", "job-1")
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, wire, "maintenance", "scan")
	require.NoError(t, err)
	assert.Contains(t, stdout, "low balance  "+userID+"  8 of 50")
	assert.Contains(t, stdout, "Low Balance Scan: 1 candidates, 1 changed, 0 failed")
}

func TestMaintenanceResetAndExpire(t *testing.T) {
	wire := newTestWire(t, internal.DriverSQLite)
	_, _, err := executeCLI(t, wire, "balance", uuid.NewString())
	require.NoError(t, err)

	stdout, _, err := executeCLI(t, wire, "maintenance", "reset")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Free Reset: 0 candidates")

	stdout, _, err = executeCLI(t, wire, "maintenance", "expire", "--concurrency", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Expire Lots: 0 candidates")
}

func TestMigrateRequiresPostgres(t *testing.T) {
	_, _, err := executeCLI(t, newTestWire(t, internal.DriverSQLite), "migrate", "status")
	assert.ErrorIs(t, err, errMigrateSQLite)
}

func TestWireErrorIsReported(t *testing.T) {
	wantErr := errors.New("load config: DATABASE_URL is required")
	_, _, err := executeCLI(t, func() (*app, error) { return nil, wantErr })
	assert.ErrorIs(t, err, wantErr)
}

// busyStore fails the first failures transactions with a lock timeout.
type busyStore struct {
	domain.CreditStore
	failures int32
	calls    atomic.Int32
}

func (s *busyStore) InTx(ctx context.Context, fn func(tx domain.CreditTx) error) error {
	if s.calls.Add(1) <= s.failures {
		return domain.Unavailable(errors.New("lock timeout"), "test.in_tx", "account busy")
	}
	return s.CreditStore.InTx(ctx, fn)
}

func TestRetryOnlyIdempotentCommands(t *testing.T) {
	userID := uuid.NewString()
	mem := memory.New(memory.WithClock(func() time.Time { return testNow }))

	// Provision the account while the store is healthy.
	_, _, err := executeCLI(t, newTestWireWithStore(t, internal.DriverSQLite, mem), "balance", userID)
	require.NoError(t, err)

	tests := []struct {
		name      string
		args      []string
		wantErr   bool
		wantCalls int32
	}{
		{
			name:      "charge is not retried",
			args:      []string{"charge", userID, "--feature", "script_generation", "--reference", "busy-1"},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "refund is not retried",
			args:      []string{"refund", userID, "--amount", "1", "--reference", "busy-1"},
			wantErr:   true,
			wantCalls: 1,
		},
		{
			name:      "purchase is retried",
			args:      []string{"purchase", userID, "--cents", "500", "--reference", "pay-busy"},
			wantCalls: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			busy := &busyStore{CreditStore: mem, failures: 1}
			_, _, err := executeCLI(t, newTestWireWithStore(t, internal.DriverSQLite, busy), tt.args...)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), domain.EUNAVAILABLE)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, busy.calls.Load())
		})
	}

	// The failed charge left nothing behind.
	stdout, _, err := executeCLI(t, newTestWireWithStore(t, internal.DriverSQLite, mem), "balance", userID)
	require.NoError(t, err)
	assert.Contains(t, stdout, "total:      150 credits")
}
