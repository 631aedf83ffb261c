// Package sqlite implements domain.CreditStore on SQLite for single-node
// deployments and local development.
//
// SQLite has no row locks. The store keeps a single open connection, so every
// transaction runs alone and the per-user lock discipline reduces to
// whole-database serialization. Timestamps are stored as unix nanoseconds and
// dates as YYYY-MM-DD text so comparisons never depend on driver formatting.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const dateLayout = "2006-01-02"

// Store implements domain.CreditStore backed by SQLite.
type Store struct {
	db *sql.DB
}

// New opens (or creates) a SQLite store at the given path.
func New(path string, busyTimeout time.Duration) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA foreign_keys=ON`,
		fmt.Sprintf(`PRAGMA busy_timeout=%d`, busyTimeout.Milliseconds()),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS credit_accounts (
	user_id TEXT PRIMARY KEY,
	free_monthly INTEGER NOT NULL CHECK (free_monthly >= 0),
	free_remaining INTEGER NOT NULL CHECK (free_remaining >= 0 AND free_remaining <= free_monthly),
	free_reset_date TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_accounts_reset_date ON credit_accounts(free_reset_date);

CREATE TABLE IF NOT EXISTS credit_lots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES credit_accounts(user_id),
	package_name TEXT NOT NULL,
	total_credits INTEGER NOT NULL CHECK (total_credits > 0),
	remaining INTEGER NOT NULL CHECK (remaining >= 0 AND remaining <= total_credits),
	price_cents INTEGER NOT NULL DEFAULT 0,
	payment_reference TEXT UNIQUE,
	purchased_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('active','exhausted','expired')),
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_lots_user_status ON credit_lots(user_id, status, id);
CREATE INDEX IF NOT EXISTS idx_credit_lots_status_expiry ON credit_lots(status, expires_at);

CREATE TABLE IF NOT EXISTS credit_ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL REFERENCES credit_accounts(user_id),
	entry_type TEXT NOT NULL CHECK (entry_type IN ('grant','consume','purchase','expire','refund')),
	amount INTEGER NOT NULL CHECK (amount >= 0),
	balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
	feature TEXT,
	reference_id TEXT NOT NULL DEFAULT '',
	lot_id INTEGER REFERENCES credit_lots(id),
	metadata TEXT,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_entries_user ON credit_ledger_entries(user_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_credit_ledger_entries_reference ON credit_ledger_entries(user_id, reference_id);

CREATE TRIGGER IF NOT EXISTS credit_ledger_entries_no_update
BEFORE UPDATE ON credit_ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'credit_ledger_entries is append-only');
END;
CREATE TRIGGER IF NOT EXISTS credit_ledger_entries_no_delete
BEFORE DELETE ON credit_ledger_entries
BEGIN
	SELECT RAISE(ABORT, 'credit_ledger_entries is append-only');
END;
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a transaction, committing on success.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.CreditTx) error) error {
	const op = "sqlite.in_tx"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(err, op, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := fn(&creditTx{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err, op, "failed to commit transaction")
	}
	return nil
}

// GetAccount returns the account.
func (s *Store) GetAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	a, err := getAccount(ctx, s.db, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoAccount
		}
		return nil, classify(err, "sqlite.get_account", "failed to load account")
	}
	return a, nil
}

// ListLots returns all lots of a user ordered by expiry.
func (s *Store) ListLots(ctx context.Context, userID uuid.UUID) ([]domain.PurchasedCreditLot, error) {
	lots, err := queryLots(ctx, s.db, `SELECT `+lotColumns+` FROM credit_lots WHERE user_id = ? ORDER BY expires_at, id`, userID.String())
	if err != nil {
		return nil, classify(err, "sqlite.list_lots", "failed to list lots")
	}
	return lots, nil
}

// ListEntries returns a page of ledger entries, newest first.
func (s *Store) ListEntries(ctx context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	entries, err := queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM credit_ledger_entries
WHERE user_id = ? ORDER BY id DESC LIMIT ? OFFSET ?`, userID.String(), limit, offset)
	if err != nil {
		return nil, classify(err, "sqlite.list_entries", "failed to list ledger entries")
	}
	return entries, nil
}

// CountEntries returns the number of ledger entries of a user.
func (s *Store) CountEntries(ctx context.Context, userID uuid.UUID) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM credit_ledger_entries WHERE user_id = ?`, userID.String()).Scan(&n)
	if err != nil {
		return 0, classify(err, "sqlite.count_entries", "failed to count ledger entries")
	}
	return n, nil
}

// ReplayEntries returns every ledger entry of a user, oldest first.
func (s *Store) ReplayEntries(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error) {
	entries, err := queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM credit_ledger_entries
WHERE user_id = ? ORDER BY id`, userID.String())
	if err != nil {
		return nil, classify(err, "sqlite.replay_entries", "failed to load ledger")
	}
	return entries, nil
}

// ListAccountsDueForReset returns users after the cursor whose free tier is due on today.
func (s *Store) ListAccountsDueForReset(ctx context.Context, today time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT user_id FROM credit_accounts
WHERE free_reset_date <= ? AND user_id > ? ORDER BY user_id LIMIT ?`, domain.DateOf(today).Format(dateLayout), after.String(), limit)
	if err != nil {
		return nil, classify(err, "sqlite.list_due_for_reset", "failed to list accounts due for reset")
	}
	return ids, nil
}

// ListUsersWithLapsedLots returns users after the cursor holding active lots
// that expired before now.
func (s *Store) ListUsersWithLapsedLots(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	ids, err := queryIDs(ctx, s.db, `SELECT DISTINCT user_id FROM credit_lots
WHERE status = 'active' AND expires_at < ? AND user_id > ? ORDER BY user_id LIMIT ?`, now.UnixNano(), after.String(), limit)
	if err != nil {
		return nil, classify(err, "sqlite.list_lapsed", "failed to list users with lapsed lots")
	}
	return ids, nil
}

// ListAccountBalances pages through account totals in user id order.
func (s *Store) ListAccountBalances(ctx context.Context, now time.Time, after uuid.UUID, limit int) ([]domain.AccountBalance, error) {
	const op = "sqlite.list_balances"
	rows, err := s.db.QueryContext(ctx, `
SELECT a.user_id, a.free_monthly, a.free_remaining + COALESCE(SUM(l.remaining), 0)
FROM credit_accounts a
LEFT JOIN credit_lots l ON l.user_id = a.user_id AND l.status = 'active' AND l.expires_at >= ?
WHERE a.user_id > ?
GROUP BY a.user_id
ORDER BY a.user_id
LIMIT ?`, now.UnixNano(), after.String(), limit)
	if err != nil {
		return nil, classify(err, op, "failed to list account balances")
	}
	defer rows.Close()

	var balances []domain.AccountBalance
	for rows.Next() {
		var b domain.AccountBalance
		var id string
		if err := rows.Scan(&id, &b.FreeMonthly, &b.Total); err != nil {
			return nil, classify(err, op, "failed to scan account balance")
		}
		if b.UserID, err = uuid.Parse(id); err != nil {
			return nil, domain.Internal(err, op, "corrupt user id")
		}
		balances = append(balances, b)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err, op, "failed to list account balances")
	}
	return balances, nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases underlying database resources.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// Transaction
// =============================================================================

type creditTx struct {
	tx *sql.Tx
}

func (t *creditTx) LockAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	a, err := getAccount(ctx, t.tx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrNoAccount
		}
		return nil, classify(err, "sqlite.lock_account", "failed to lock account")
	}
	return a, nil
}

func (t *creditTx) CreateAccount(ctx context.Context, account domain.CreditAccount) (bool, error) {
	now := time.Now().UnixNano()
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_accounts (user_id, free_monthly, free_remaining, free_reset_date, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (user_id) DO NOTHING`,
		account.UserID.String(),
		account.FreeMonthly,
		account.FreeRemaining,
		domain.DateOf(account.FreeResetDate).Format(dateLayout),
		now,
		now,
	)
	if err != nil {
		return false, classify(err, "sqlite.create_account", "failed to create account")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify(err, "sqlite.create_account", "failed to create account")
	}
	return n == 1, nil
}

func (t *creditTx) LockActiveLots(ctx context.Context, userID uuid.UUID) ([]domain.PurchasedCreditLot, error) {
	lots, err := queryLots(ctx, t.tx, `SELECT `+lotColumns+` FROM credit_lots
WHERE user_id = ? AND status = 'active' ORDER BY id`, userID.String())
	if err != nil {
		return nil, classify(err, "sqlite.lock_lots", "failed to lock lots")
	}
	return lots, nil
}

func (t *creditTx) UpdateAccount(ctx context.Context, account *domain.CreditAccount) error {
	_, err := t.tx.ExecContext(ctx, `
UPDATE credit_accounts SET free_remaining = ?, free_reset_date = ?, updated_at = ?
WHERE user_id = ?`,
		account.FreeRemaining,
		domain.DateOf(account.FreeResetDate).Format(dateLayout),
		time.Now().UnixNano(),
		account.UserID.String(),
	)
	if err != nil {
		return classify(err, "sqlite.update_account", "failed to update account")
	}
	return nil
}

func (t *creditTx) UpdateLot(ctx context.Context, lot *domain.PurchasedCreditLot) error {
	_, err := t.tx.ExecContext(ctx, `UPDATE credit_lots SET remaining = ?, status = ?, updated_at = ? WHERE id = ?`,
		lot.Remaining, string(lot.Status), time.Now().UnixNano(), lot.ID)
	if err != nil {
		return classify(err, "sqlite.update_lot", "failed to update lot")
	}
	return nil
}

func (t *creditTx) GetLots(ctx context.Context, lotIDs []int64) ([]domain.PurchasedCreditLot, error) {
	if len(lotIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(lotIDs)), ",")
	args := make([]any, len(lotIDs))
	for i, id := range lotIDs {
		args[i] = id
	}
	lots, err := queryLots(ctx, t.tx, `SELECT `+lotColumns+` FROM credit_lots
WHERE id IN (`+placeholders+`) ORDER BY id`, args...)
	if err != nil {
		return nil, classify(err, "sqlite.get_lots", "failed to load lots")
	}
	return lots, nil
}

func (t *creditTx) FindLotByPaymentReference(ctx context.Context, paymentReference string) (*domain.PurchasedCreditLot, error) {
	lots, err := queryLots(ctx, t.tx, `SELECT `+lotColumns+` FROM credit_lots WHERE payment_reference = ?`, paymentReference)
	if err != nil {
		return nil, classify(err, "sqlite.find_lot_by_payment", "failed to look up payment reference")
	}
	if len(lots) == 0 {
		return nil, nil
	}
	return &lots[0], nil
}

func (t *creditTx) InsertLot(ctx context.Context, lot domain.PurchasedCreditLot) (*domain.PurchasedCreditLot, error) {
	const op = "sqlite.insert_lot"
	now := time.Now()
	var ref any
	if lot.PaymentReference != "" {
		ref = lot.PaymentReference
	}
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_lots (user_id, package_name, total_credits, remaining, price_cents,
	payment_reference, purchased_at, expires_at, status, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.UserID.String(),
		lot.PackageName,
		lot.TotalCredits,
		lot.Remaining,
		lot.PriceCents,
		ref,
		lot.PurchasedAt.UnixNano(),
		lot.ExpiresAt.UnixNano(),
		string(lot.Status),
		now.UnixNano(),
	)
	if err != nil {
		if isConstraint(err, "UNIQUE") {
			return nil, domain.ErrDuplicatePayment
		}
		return nil, classify(err, op, "failed to create lot")
	}
	if lot.ID, err = res.LastInsertId(); err != nil {
		return nil, classify(err, op, "failed to create lot")
	}
	lot.UpdatedAt = now
	return &lot, nil
}

func (t *creditTx) InsertEntry(ctx context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	const op = "sqlite.insert_entry"

	var metadata any
	if entry.Metadata != nil {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return nil, domain.Internal(err, op, "failed to encode entry metadata")
		}
		metadata = string(raw)
	}
	var feature any
	if entry.Feature != "" {
		feature = string(entry.Feature)
	}
	var lotID any
	if entry.LotID != nil {
		lotID = *entry.LotID
	}

	entry.CreatedAt = time.Now()
	res, err := t.tx.ExecContext(ctx, `
INSERT INTO credit_ledger_entries (user_id, entry_type, amount, balance_after, feature, reference_id, lot_id, metadata, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.UserID.String(),
		string(entry.Type),
		entry.Amount,
		entry.BalanceAfter,
		feature,
		entry.ReferenceID,
		lotID,
		metadata,
		entry.CreatedAt.UnixNano(),
	)
	if err != nil {
		return nil, classify(err, op, "failed to write ledger entry")
	}
	if entry.ID, err = res.LastInsertId(); err != nil {
		return nil, classify(err, op, "failed to write ledger entry")
	}
	return &entry, nil
}

func (t *creditTx) ListEntriesByReference(ctx context.Context, userID uuid.UUID, referenceID string) ([]domain.LedgerEntry, error) {
	entries, err := queryEntries(ctx, t.tx, `SELECT `+entryColumns+` FROM credit_ledger_entries
WHERE user_id = ? AND reference_id = ? ORDER BY id`, userID.String(), referenceID)
	if err != nil {
		return nil, classify(err, "sqlite.list_by_reference", "failed to list entries by reference")
	}
	return entries, nil
}

func (t *creditTx) ReplayEntries(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error) {
	entries, err := queryEntries(ctx, t.tx, `SELECT `+entryColumns+` FROM credit_ledger_entries
WHERE user_id = ? ORDER BY id`, userID.String())
	if err != nil {
		return nil, classify(err, "sqlite.replay_entries", "failed to load ledger")
	}
	return entries, nil
}

// =============================================================================
// Queries
// =============================================================================

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const lotColumns = `id, user_id, package_name, total_credits, remaining, price_cents,
	COALESCE(payment_reference, ''), purchased_at, expires_at, status, updated_at`

const entryColumns = `id, user_id, entry_type, amount, balance_after, COALESCE(feature, ''),
	reference_id, lot_id, metadata, created_at`

func getAccount(ctx context.Context, q querier, userID uuid.UUID) (*domain.CreditAccount, error) {
	var (
		a                    domain.CreditAccount
		resetDate            string
		createdAt, updatedAt int64
	)
	err := q.QueryRowContext(ctx, `
SELECT free_monthly, free_remaining, free_reset_date, created_at, updated_at
FROM credit_accounts WHERE user_id = ?`, userID.String()).
		Scan(&a.FreeMonthly, &a.FreeRemaining, &resetDate, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if a.FreeResetDate, err = time.Parse(dateLayout, resetDate); err != nil {
		return nil, fmt.Errorf("parse reset date %q: %w", resetDate, err)
	}
	a.UserID = userID
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	a.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &a, nil
}

func queryLots(ctx context.Context, q querier, query string, args ...any) ([]domain.PurchasedCreditLot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lots []domain.PurchasedCreditLot
	for rows.Next() {
		var (
			l                                 domain.PurchasedCreditLot
			userID, status                    string
			purchasedAt, expiresAt, updatedAt int64
		)
		if err := rows.Scan(&l.ID, &userID, &l.PackageName, &l.TotalCredits, &l.Remaining, &l.PriceCents,
			&l.PaymentReference, &purchasedAt, &expiresAt, &status, &updatedAt); err != nil {
			return nil, err
		}
		if l.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", userID, err)
		}
		l.Status = domain.LotStatus(status)
		l.PurchasedAt = time.Unix(0, purchasedAt).UTC()
		l.ExpiresAt = time.Unix(0, expiresAt).UTC()
		l.UpdatedAt = time.Unix(0, updatedAt).UTC()
		lots = append(lots, l)
	}
	return lots, rows.Err()
}

func queryEntries(ctx context.Context, q querier, query string, args ...any) ([]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.LedgerEntry
	for rows.Next() {
		var (
			e                          domain.LedgerEntry
			userID, entryType, feature string
			lotID                      sql.NullInt64
			metadata                   sql.NullString
			createdAt                  int64
		)
		if err := rows.Scan(&e.ID, &userID, &entryType, &e.Amount, &e.BalanceAfter, &feature,
			&e.ReferenceID, &lotID, &metadata, &createdAt); err != nil {
			return nil, err
		}
		if e.UserID, err = uuid.Parse(userID); err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", userID, err)
		}
		e.Type = domain.EntryType(entryType)
		e.Feature = domain.Feature(feature)
		if lotID.Valid {
			id := lotID.Int64
			e.LotID = &id
		}
		if metadata.Valid {
			var md domain.EntryMetadata
			if err := json.Unmarshal([]byte(metadata.String), &md); err != nil {
				return nil, fmt.Errorf("decode metadata of entry %d: %w", e.ID, err)
			}
			e.Metadata = &md
		}
		e.CreatedAt = time.Unix(0, createdAt).UTC()
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func queryIDs(ctx context.Context, q querier, query string, args ...any) ([]uuid.UUID, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("parse user id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// =============================================================================
// Errors
// =============================================================================

func sqliteCode(err error) int {
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code()
	}
	return 0
}

func isConstraint(err error, kind string) bool {
	return sqliteCode(err)&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(err.Error(), kind)
}

func classify(err error, op, message string) error {
	switch sqliteCode(err) & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return domain.Unavailable(err, op, "credit account is busy, try again")
	}
	if isConstraint(err, "CHECK") {
		e := domain.InvariantViolation(op, "%s: %v", message, err)
		e.Err = err
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Unavailable(err, op, "credit account is busy, try again")
	}
	return domain.Internal(err, op, message)
}
