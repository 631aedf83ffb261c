// Package postgres implements domain.CreditStore on PostgreSQL.
//
// Balance-changing work runs in a READ COMMITTED transaction that takes
// explicit row locks (SELECT ... FOR UPDATE) on the user's account row and
// active lots, so correctness holds across any number of server instances.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/repository"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sqlc-dev/pqtype"
)

// PostgreSQL error codes the store reacts to.
const (
	codeLockNotAvailable     = "55P03"
	codeDeadlockDetected     = "40P01"
	codeSerializationFailure = "40001"
	codeQueryCanceled        = "57014"
	codeCheckViolation       = "23514"
	codeUniqueViolation      = "23505"
)

// Config holds store tuning.
type Config struct {
	// LockTimeout bounds how long a transaction waits for a row lock.
	// Zero leaves the server default in place.
	LockTimeout time.Duration
}

// Store implements domain.CreditStore backed by PostgreSQL.
type Store struct {
	db      *sql.DB
	queries *repository.Queries
	config  Config
}

// New creates a Store on an open database handle. The Store owns db and
// closes it on Close.
func New(db *sql.DB, config Config) *Store {
	return &Store{
		db:      db,
		queries: repository.New(db),
		config:  config,
	}
}

// InTx runs fn inside a transaction, committing on success.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.CreditTx) error) error {
	const op = "postgres.in_tx"

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err, op, "failed to begin transaction")
	}
	defer tx.Rollback()

	qtx := s.queries.WithTx(tx)
	if s.config.LockTimeout > 0 {
		timeout := fmt.Sprintf("%dms", s.config.LockTimeout.Milliseconds())
		if err := qtx.SetLockTimeout(ctx, timeout); err != nil {
			return classify(err, op, "failed to set lock timeout")
		}
	}

	if err := fn(&creditTx{q: qtx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err, op, "failed to commit transaction")
	}
	return nil
}

// GetAccount returns the account without locking it.
func (s *Store) GetAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	row, err := s.queries.GetCreditAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoAccount
		}
		return nil, classify(err, "postgres.get_account", "failed to load account")
	}
	return toAccount(row), nil
}

// ListLots returns all lots of a user ordered by expiry.
func (s *Store) ListLots(ctx context.Context, userID uuid.UUID) ([]domain.PurchasedCreditLot, error) {
	rows, err := s.queries.ListCreditLots(ctx, userID)
	if err != nil {
		return nil, classify(err, "postgres.list_lots", "failed to list lots")
	}
	return toLots(rows), nil
}

// ListEntries returns a page of ledger entries, newest first.
func (s *Store) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	const op = "postgres.list_entries"
	if offset > math.MaxInt32 {
		return nil, nil
	}
	rows, err := s.queries.ListLedgerEntries(ctx, repository.ListLedgerEntriesParams{
		UserID: userID,
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		return nil, classify(err, op, "failed to list ledger entries")
	}
	return toEntries(rows, op)
}

// CountEntries returns the number of ledger entries of a user.
func (s *Store) CountEntries(ctx context.Context, userID uuid.UUID) (int64, error) {
	count, err := s.queries.CountLedgerEntries(ctx, userID)
	if err != nil {
		return 0, classify(err, "postgres.count_entries", "failed to count ledger entries")
	}
	return count, nil
}

// ReplayEntries returns every ledger entry of a user, oldest first.
func (s *Store) ReplayEntries(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error) {
	const op = "postgres.replay_entries"
	rows, err := s.queries.ListLedgerEntriesForReplay(ctx, userID)
	if err != nil {
		return nil, classify(err, op, "failed to load ledger")
	}
	return toEntries(rows, op)
}

// ListAccountsDueForReset returns users after the cursor whose free tier is due on today.
func (s *Store) ListAccountsDueForReset(ctx context.Context, today time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	ids, err := s.queries.ListAccountsDueForReset(ctx, repository.ListAccountsDueForResetParams{
		FreeResetDate: domain.DateOf(today),
		UserID:        after,
		Limit:         int32(limit),
	})
	if err != nil {
		return nil, classify(err, "postgres.list_due_for_reset", "failed to list accounts due for reset")
	}
	return ids, nil
}

// ListUsersWithLapsedLots returns users after the cursor holding active lots
// that expired before now.
func (s *Store) ListUsersWithLapsedLots(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	ids, err := s.queries.ListUsersWithLapsedLots(ctx, repository.ListUsersWithLapsedLotsParams{
		ExpiresAt: now,
		UserID:    after,
		Limit:     int32(limit),
	})
	if err != nil {
		return nil, classify(err, "postgres.list_lapsed", "failed to list users with lapsed lots")
	}
	return ids, nil
}

// ListAccountBalances pages through account totals in user id order.
func (s *Store) ListAccountBalances(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]domain.AccountBalance, error) {
	rows, err := s.queries.ListAccountBalances(ctx, repository.ListAccountBalancesParams{
		UserID:    after,
		ExpiresAt: now,
		Limit:     int32(limit),
	})
	if err != nil {
		return nil, classify(err, "postgres.list_balances", "failed to list account balances")
	}
	balances := make([]domain.AccountBalance, 0, len(rows))
	for _, r := range rows {
		balances = append(balances, domain.AccountBalance{
			UserID:      r.UserID,
			FreeMonthly: r.FreeMonthly,
			Total:       r.Total,
		})
	}
	return balances, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Transaction
// =============================================================================

type creditTx struct {
	q *repository.Queries
}

func (t *creditTx) LockAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	row, err := t.q.LockCreditAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoAccount
		}
		return nil, classify(err, "postgres.lock_account", "failed to lock account")
	}
	return toAccount(row), nil
}

func (t *creditTx) CreateAccount(ctx context.Context, account domain.CreditAccount) (bool, error) {
	n, err := t.q.CreateCreditAccount(ctx, repository.CreateCreditAccountParams{
		UserID:        account.UserID,
		FreeMonthly:   account.FreeMonthly,
		FreeRemaining: account.FreeRemaining,
		FreeResetDate: domain.DateOf(account.FreeResetDate),
	})
	if err != nil {
		return false, classify(err, "postgres.create_account", "failed to create account")
	}
	return n == 1, nil
}

func (t *creditTx) LockActiveLots(ctx context.Context, userID uuid.UUID) ([]domain.PurchasedCreditLot, error) {
	rows, err := t.q.LockActiveCreditLots(ctx, userID)
	if err != nil {
		return nil, classify(err, "postgres.lock_lots", "failed to lock lots")
	}
	return toLots(rows), nil
}

func (t *creditTx) UpdateAccount(ctx context.Context, account *domain.CreditAccount) error {
	err := t.q.UpdateCreditAccount(ctx, repository.UpdateCreditAccountParams{
		UserID:        account.UserID,
		FreeRemaining: account.FreeRemaining,
		FreeResetDate: domain.DateOf(account.FreeResetDate),
	})
	if err != nil {
		return classify(err, "postgres.update_account", "failed to update account")
	}
	return nil
}

func (t *creditTx) UpdateLot(ctx context.Context, lot *domain.PurchasedCreditLot) error {
	err := t.q.UpdateCreditLot(ctx, repository.UpdateCreditLotParams{
		ID:        lot.ID,
		Remaining: lot.Remaining,
		Status:    string(lot.Status),
	})
	if err != nil {
		return classify(err, "postgres.update_lot", "failed to update lot")
	}
	return nil
}

func (t *creditTx) GetLots(ctx context.Context, lotIDs []int64) ([]domain.PurchasedCreditLot, error) {
	if len(lotIDs) == 0 {
		return nil, nil
	}
	rows, err := t.q.GetCreditLotsByIDs(ctx, lotIDs)
	if err != nil {
		return nil, classify(err, "postgres.get_lots", "failed to load lots")
	}
	return toLots(rows), nil
}

func (t *creditTx) FindLotByPaymentReference(ctx context.Context, paymentReference string) (*domain.PurchasedCreditLot, error) {
	row, err := t.q.GetCreditLotByPaymentReference(ctx, sql.NullString{String: paymentReference, Valid: true})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "postgres.find_lot_by_payment", "failed to look up payment reference")
	}
	lot := toLot(row)
	return &lot, nil
}

func (t *creditTx) InsertLot(ctx context.Context, lot domain.PurchasedCreditLot) (*domain.PurchasedCreditLot, error) {
	row, err := t.q.CreateCreditLot(ctx, repository.CreateCreditLotParams{
		UserID:           lot.UserID,
		PackageName:      lot.PackageName,
		TotalCredits:     lot.TotalCredits,
		Remaining:        lot.Remaining,
		PriceCents:       lot.PriceCents,
		PaymentReference: nullString(lot.PaymentReference),
		PurchasedAt:      lot.PurchasedAt,
		ExpiresAt:        lot.ExpiresAt,
		Status:           string(lot.Status),
	})
	if err != nil {
		if pgCode(err) == codeUniqueViolation {
			return nil, domain.ErrDuplicatePayment
		}
		return nil, classify(err, "postgres.insert_lot", "failed to create lot")
	}
	created := toLot(row)
	return &created, nil
}

func (t *creditTx) InsertEntry(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	const op = "postgres.insert_entry"

	metadata, err := marshalMetadata(entry.Metadata)
	if err != nil {
		return nil, domain.Internal(err, op, "failed to encode entry metadata")
	}
	var lotID sql.NullInt64
	if entry.LotID != nil {
		lotID = sql.NullInt64{Int64: *entry.LotID, Valid: true}
	}

	row, err := t.q.CreateLedgerEntry(ctx, repository.CreateLedgerEntryParams{
		UserID:       entry.UserID,
		EntryType:    string(entry.Type),
		Amount:       entry.Amount,
		BalanceAfter: entry.BalanceAfter,
		Feature:      nullString(string(entry.Feature)),
		ReferenceID:  entry.ReferenceID,
		LotID:        lotID,
		Metadata:     metadata,
	})
	if err != nil {
		return nil, classify(err, op, "failed to write ledger entry")
	}
	return toEntry(row)
}

func (t *creditTx) ListEntriesByReference(ctx context.Context, userID uuid.UUID, referenceID string) ([]domain.LedgerEntry, error) {
	const op = "postgres.list_by_reference"
	rows, err := t.q.ListLedgerEntriesByReference(ctx, repository.ListLedgerEntriesByReferenceParams{
		UserID:      userID,
		ReferenceID: referenceID,
	})
	if err != nil {
		return nil, classify(err, op, "failed to list entries by reference")
	}
	return toEntries(rows, op)
}

func (t *creditTx) ReplayEntries(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error) {
	const op = "postgres.replay_entries"
	rows, err := t.q.ListLedgerEntriesForReplay(ctx, userID)
	if err != nil {
		return nil, classify(err, op, "failed to load ledger")
	}
	return toEntries(rows, op)
}

// =============================================================================
// Errors
// =============================================================================

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// classify maps database failures onto domain error codes. Lock waits,
// deadlocks and serialization failures are transient; CHECK violations mean a
// balance invariant would have been broken.
func classify(err error, op, message string) error {
	switch pgCode(err) {
	case codeLockNotAvailable, codeDeadlockDetected, codeSerializationFailure, codeQueryCanceled:
		return domain.Unavailable(err, op, "credit account is busy, try again")
	case codeCheckViolation:
		e := domain.InvariantViolation(op, "%s: %v", message, err)
		e.Err = err
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Unavailable(err, op, "credit account is busy, try again")
	}
	return domain.Internal(err, op, message)
}

// =============================================================================
// Conversions
// =============================================================================

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toAccount(row repository.CreditAccount) *domain.CreditAccount {
	return &domain.CreditAccount{
		UserID:        row.UserID,
		FreeMonthly:   row.FreeMonthly,
		FreeRemaining: row.FreeRemaining,
		FreeResetDate: domain.DateOf(row.FreeResetDate),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

func toLot(row repository.CreditLot) domain.PurchasedCreditLot {
	return domain.PurchasedCreditLot{
		ID:               row.ID,
		UserID:           row.UserID,
		PackageName:      row.PackageName,
		TotalCredits:     row.TotalCredits,
		Remaining:        row.Remaining,
		PriceCents:       row.PriceCents,
		PaymentReference: row.PaymentReference.String,
		PurchasedAt:      row.PurchasedAt,
		ExpiresAt:        row.ExpiresAt,
		Status:           domain.LotStatus(row.Status),
		UpdatedAt:        row.UpdatedAt,
	}
}

func toLots(rows []repository.CreditLot) []domain.PurchasedCreditLot {
	lots := make([]domain.PurchasedCreditLot, 0, len(rows))
	for _, r := range rows {
		lots = append(lots, toLot(r))
	}
	return lots
}

func toEntry(row repository.CreditLedgerEntry) (*domain.LedgerEntry, error) {
	entry := &domain.LedgerEntry{
		ID:           row.ID,
		UserID:       row.UserID,
		Type:         domain.EntryType(row.EntryType),
		Amount:       row.Amount,
		BalanceAfter: row.BalanceAfter,
		Feature:      domain.Feature(row.Feature.String),
		ReferenceID:  row.ReferenceID,
		CreatedAt:    row.CreatedAt,
	}
	if row.LotID.Valid {
		id := row.LotID.Int64
		entry.LotID = &id
	}
	if row.Metadata.Valid {
		var md domain.EntryMetadata
		if err := json.Unmarshal(row.Metadata.RawMessage, &md); err != nil {
			return nil, fmt.Errorf("decode metadata of entry %d: %w", row.ID, err)
		}
		entry.Metadata = &md
	}
	return entry, nil
}

func toEntries(rows []repository.CreditLedgerEntry, op string) ([]domain.LedgerEntry, error) {
	entries := make([]domain.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		e, err := toEntry(r)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to decode ledger entry")
		}
		entries = append(entries, *e)
	}
	return entries, nil
}

func marshalMetadata(md *domain.EntryMetadata) (pqtype.NullRawMessage, error) {
	if md == nil {
		return pqtype.NullRawMessage{}, nil
	}
	raw, err := json.Marshal(md)
	if err != nil {
		return pqtype.NullRawMessage{}, err
	}
	return pqtype.NullRawMessage{RawMessage: raw, Valid: true}, nil
}
