package postgres

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/DukeRupert/credits/internal"
	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/store/storetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// openTestDB connects to TEST_DATABASE_URL, applies migrations and empties
// the credit tables. Tests are skipped when the variable is unset.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sql.Open("pgx", url)
	require.NoError(t, err)
	require.NoError(t, internal.RunMigrations(db))

	// TRUNCATE bypasses the row-level append-only trigger.
	_, err = db.Exec(`TRUNCATE credit_ledger_entries, credit_lots, credit_accounts RESTART IDENTITY`)
	require.NoError(t, err)
	return db
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) domain.CreditStore {
		s := New(openTestDB(t), Config{LockTimeout: 2 * time.Second})
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_LockTimeoutIsTransient(t *testing.T) {
	s := New(openTestDB(t), Config{LockTimeout: 50 * time.Millisecond})
	defer s.Close()
	ctx := context.Background()
	userID := uuid.New()

	err := s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.CreateAccount(ctx, domain.CreditAccount{UserID: userID, FreeMonthly: 50, FreeRemaining: 50, FreeResetDate: time.Now()})
		return err
	})
	require.NoError(t, err)

	holding := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.InTx(ctx, func(tx domain.CreditTx) error {
			if _, err := tx.LockAccount(ctx, userID); err != nil {
				return err
			}
			close(holding)
			<-release
			return nil
		})
	}()
	<-holding

	err = s.InTx(ctx, func(tx domain.CreditTx) error {
		_, err := tx.LockAccount(ctx, userID)
		return err
	})
	close(release)
	require.NoError(t, <-done)

	require.Error(t, err)
	assert.True(t, domain.IsTransient(err), "lock timeout should be transient, got %v", err)
}
