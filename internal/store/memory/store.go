// Package memory implements domain.CreditStore in process memory.
//
// Each user has a semaphore standing in for the account row lock. Writes made
// inside InTx are staged on the transaction and applied atomically on commit,
// so a failing transaction leaves no trace.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/google/uuid"
)

// Store implements domain.CreditStore in memory.
type Store struct {
	mu        sync.Mutex
	accounts  map[uuid.UUID]domain.CreditAccount
	lots      map[int64]domain.PurchasedCreditLot
	entries   []domain.LedgerEntry
	nextLotID int64
	nextEntry int64
	userLocks map[uuid.UUID]chan struct{}

	lockTimeout time.Duration
	now         func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLockTimeout bounds how long a transaction waits for a user lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.lockTimeout = d
	}
}

// WithClock sets the clock used for CreatedAt/UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		accounts:    make(map[uuid.UUID]domain.CreditAccount),
		lots:        make(map[int64]domain.PurchasedCreditLot),
		userLocks:   make(map[uuid.UUID]chan struct{}),
		lockTimeout: 5 * time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InTx runs fn with staged writes, applying them only if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx domain.CreditTx) error) error {
	tx := &creditTx{
		store:    s,
		held:     make(map[uuid.UUID]bool),
		accounts: make(map[uuid.UUID]domain.CreditAccount),
		lots:     make(map[int64]domain.PurchasedCreditLot),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

// GetAccount returns the committed account.
func (s *Store) GetAccount(_ context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[userID]
	if !ok {
		return nil, domain.ErrNoAccount
	}
	return &a, nil
}

// ListLots returns all lots of a user ordered by expiry, then id.
func (s *Store) ListLots(_ context.Context, userID uuid.UUID) ([]domain.PurchasedCreditLot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var lots []domain.PurchasedCreditLot
	for _, l := range s.lots {
		if l.UserID == userID {
			lots = append(lots, l)
		}
	}
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ExpiresAt.Equal(lots[j].ExpiresAt) {
			return lots[i].ExpiresAt.Before(lots[j].ExpiresAt)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots, nil
}

// ListEntries returns a page of ledger entries, newest first.
func (s *Store) ListEntries(_ context.Context, userID uuid.UUID, limit, offset int) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page []domain.LedgerEntry
	skipped := 0
	for i := len(s.entries) - 1; i >= 0 && len(page) < limit; i-- {
		if s.entries[i].UserID != userID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		page = append(page, s.entries[i])
	}
	return page, nil
}

// CountEntries returns the number of ledger entries of a user.
func (s *Store) CountEntries(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.entries {
		if s.entries[i].UserID == userID {
			n++
		}
	}
	return n, nil
}

// ReplayEntries returns every ledger entry of a user, oldest first.
func (s *Store) ReplayEntries(_ context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var entries []domain.LedgerEntry
	for i := range s.entries {
		if s.entries[i].UserID == userID {
			entries = append(entries, s.entries[i])
		}
	}
	return entries, nil
}

// ListAccountsDueForReset returns users after the cursor whose free tier is due on today.
func (s *Store) ListAccountsDueForReset(_ context.Context, today time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, a := range s.accounts {
		if a.DueForReset(today) && idAfter(id, after) {
			ids = append(ids, id)
		}
	}
	return firstN(sortIDs(ids), limit), nil
}

// ListUsersWithLapsedLots returns users after the cursor holding active lots
// that expired before now.
func (s *Store) ListUsersWithLapsedLots(_ context.Context, now time.Time, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, l := range s.lots {
		if l.Status == domain.LotStatusActive && l.IsLapsed(now) && idAfter(l.UserID, after) && !seen[l.UserID] {
			seen[l.UserID] = true
			ids = append(ids, l.UserID)
		}
	}
	return firstN(sortIDs(ids), limit), nil
}

// ListAccountBalances pages through account totals in user id order.
func (s *Store) ListAccountBalances(_ context.Context, now time.Time, after uuid.UUID, limit int) ([]domain.AccountBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.accounts))
	for id := range s.accounts {
		if idAfter(id, after) {
			ids = append(ids, id)
		}
	}
	ids = firstN(sortIDs(ids), limit)

	balances := make([]domain.AccountBalance, 0, len(ids))
	for _, id := range ids {
		a := s.accounts[id]
		total := a.FreeRemaining
		for _, l := range s.lots {
			if l.UserID == id && !l.IsLapsed(now) {
				total += l.Available()
			}
		}
		balances = append(balances, domain.AccountBalance{
			UserID:      id,
			FreeMonthly: a.FreeMonthly,
			Total:       total,
		})
	}
	return balances, nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) userLock(userID uuid.UUID) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.userLocks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.userLocks[userID] = ch
	}
	return ch
}

func sortIDs(ids []uuid.UUID) []uuid.UUID {
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

// idAfter reports whether id sorts after the cursor.
func idAfter(id, after uuid.UUID) bool {
	return bytes.Compare(id[:], after[:]) > 0
}

func firstN(ids []uuid.UUID, n int) []uuid.UUID {
	if n > 0 && len(ids) > n {
		return ids[:n]
	}
	return ids
}

// =============================================================================
// Transaction
// =============================================================================

type creditTx struct {
	store *Store
	held  map[uuid.UUID]bool

	accounts map[uuid.UUID]domain.CreditAccount
	lots     map[int64]domain.PurchasedCreditLot
	newLots  []int64
	entries  []domain.LedgerEntry
}

func (t *creditTx) lock(ctx context.Context, userID uuid.UUID) error {
	const op = "memory.lock"
	if t.held[userID] {
		return nil
	}
	ch := t.store.userLock(userID)

	var timeout <-chan time.Time
	if t.store.lockTimeout > 0 {
		timer := time.NewTimer(t.store.lockTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case ch <- struct{}{}:
		t.held[userID] = true
		return nil
	case <-timeout:
		return domain.Unavailable(nil, op, "credit account is busy, try again")
	case <-ctx.Done():
		return domain.Unavailable(ctx.Err(), op, "credit account is busy, try again")
	}
}

func (t *creditTx) release() {
	for userID := range t.held {
		<-t.store.userLock(userID)
	}
	t.held = nil
}

func (t *creditTx) commit() error {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range t.newLots {
		ref := t.lots[id].PaymentReference
		if ref == "" {
			continue
		}
		for _, l := range s.lots {
			if l.ID != id && l.PaymentReference == ref {
				return domain.ErrDuplicatePayment
			}
		}
	}

	now := s.now()
	for id, a := range t.accounts {
		a.UpdatedAt = now
		s.accounts[id] = a
	}
	for id, l := range t.lots {
		l.UpdatedAt = now
		s.lots[id] = l
	}
	s.entries = append(s.entries, t.entries...)
	return nil
}

func (t *creditTx) account(userID uuid.UUID) (domain.CreditAccount, bool) {
	if a, ok := t.accounts[userID]; ok {
		return a, true
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	a, ok := t.store.accounts[userID]
	return a, ok
}

func (t *creditTx) LockAccount(ctx context.Context, userID uuid.UUID) (*domain.CreditAccount, error) {
	if err := t.lock(ctx, userID); err != nil {
		return nil, err
	}
	a, ok := t.account(userID)
	if !ok {
		return nil, domain.ErrNoAccount
	}
	return &a, nil
}

func (t *creditTx) CreateAccount(ctx context.Context, account domain.CreditAccount) (bool, error) {
	if err := t.lock(ctx, account.UserID); err != nil {
		return false, err
	}
	if _, ok := t.account(account.UserID); ok {
		return false, nil
	}
	now := t.store.now()
	account.FreeResetDate = domain.DateOf(account.FreeResetDate)
	account.CreatedAt = now
	account.UpdatedAt = now
	t.accounts[account.UserID] = account
	return true, nil
}

func (t *creditTx) LockActiveLots(ctx context.Context, userID uuid.UUID) ([]domain.PurchasedCreditLot, error) {
	if err := t.lock(ctx, userID); err != nil {
		return nil, err
	}
	merged := t.mergedLots(func(l domain.PurchasedCreditLot) bool {
		return l.UserID == userID && l.Status == domain.LotStatusActive
	})
	return merged, nil
}

// mergedLots returns committed lots overlaid with staged ones, ascending id.
func (t *creditTx) mergedLots(keep func(domain.PurchasedCreditLot) bool) []domain.PurchasedCreditLot {
	byID := make(map[int64]domain.PurchasedCreditLot)
	t.store.mu.Lock()
	for id, l := range t.store.lots {
		byID[id] = l
	}
	t.store.mu.Unlock()
	for id, l := range t.lots {
		byID[id] = l
	}

	var lots []domain.PurchasedCreditLot
	for _, l := range byID {
		if keep(l) {
			lots = append(lots, l)
		}
	}
	sort.Slice(lots, func(i, j int) bool { return lots[i].ID < lots[j].ID })
	return lots
}

func (t *creditTx) UpdateAccount(_ context.Context, account *domain.CreditAccount) error {
	if account.FreeRemaining < 0 || account.FreeRemaining > account.FreeMonthly {
		return domain.InvariantViolation("memory.update_account",
			"free remaining %d outside [0, %d]", account.FreeRemaining, account.FreeMonthly)
	}
	a := *account
	a.FreeResetDate = domain.DateOf(a.FreeResetDate)
	t.accounts[a.UserID] = a
	return nil
}

func (t *creditTx) UpdateLot(_ context.Context, lot *domain.PurchasedCreditLot) error {
	if err := lot.Validate(); err != nil {
		return domain.InvariantViolation("memory.update_lot", "%v", err)
	}
	t.lots[lot.ID] = *lot
	return nil
}

func (t *creditTx) GetLots(_ context.Context, lotIDs []int64) ([]domain.PurchasedCreditLot, error) {
	want := make(map[int64]bool, len(lotIDs))
	for _, id := range lotIDs {
		want[id] = true
	}
	return t.mergedLots(func(l domain.PurchasedCreditLot) bool { return want[l.ID] }), nil
}

func (t *creditTx) FindLotByPaymentReference(_ context.Context, paymentReference string) (*domain.PurchasedCreditLot, error) {
	lots := t.mergedLots(func(l domain.PurchasedCreditLot) bool {
		return paymentReference != "" && l.PaymentReference == paymentReference
	})
	if len(lots) == 0 {
		return nil, nil
	}
	return &lots[0], nil
}

func (t *creditTx) InsertLot(ctx context.Context, lot domain.PurchasedCreditLot) (*domain.PurchasedCreditLot, error) {
	if err := lot.Validate(); err != nil {
		return nil, domain.InvariantViolation("memory.insert_lot", "%v", err)
	}
	if existing, _ := t.FindLotByPaymentReference(ctx, lot.PaymentReference); existing != nil {
		return nil, domain.ErrDuplicatePayment
	}

	t.store.mu.Lock()
	t.store.nextLotID++
	lot.ID = t.store.nextLotID
	t.store.mu.Unlock()

	lot.UpdatedAt = t.store.now()
	t.lots[lot.ID] = lot
	t.newLots = append(t.newLots, lot.ID)
	return &lot, nil
}

func (t *creditTx) InsertEntry(_ context.Context, entry domain.LedgerEntry) (*domain.LedgerEntry, error) {
	if entry.Amount < 0 || entry.BalanceAfter < 0 {
		return nil, domain.InvariantViolation("memory.insert_entry",
			"ledger entry amount %d, balance after %d", entry.Amount, entry.BalanceAfter)
	}

	t.store.mu.Lock()
	t.store.nextEntry++
	entry.ID = t.store.nextEntry
	t.store.mu.Unlock()

	entry.CreatedAt = t.store.now()
	t.entries = append(t.entries, entry)
	return &entry, nil
}

func (t *creditTx) ListEntriesByReference(_ context.Context, userID uuid.UUID, referenceID string) ([]domain.LedgerEntry, error) {
	var entries []domain.LedgerEntry
	t.store.mu.Lock()
	for i := range t.store.entries {
		e := t.store.entries[i]
		if e.UserID == userID && e.ReferenceID == referenceID {
			entries = append(entries, e)
		}
	}
	t.store.mu.Unlock()
	for _, e := range t.entries {
		if e.UserID == userID && e.ReferenceID == referenceID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (t *creditTx) ReplayEntries(ctx context.Context, userID uuid.UUID) ([]domain.LedgerEntry, error) {
	entries, _ := t.store.ReplayEntries(ctx, userID)
	for _, e := range t.entries {
		if e.UserID == userID {
			entries = append(entries, e)
		}
	}
	return entries, nil
}
