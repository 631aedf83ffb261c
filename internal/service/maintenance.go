package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/metrics"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

// Maintenance job names, used as metric labels and log fields.
const (
	JobFreeReset      = "free_reset"
	JobExpireLots     = "expire_lots"
	JobLowBalanceScan = "low_balance_scan"
)

// MaintenanceService defines the scheduled sweeps over all accounts.
type MaintenanceService interface {
	// FreeReset replenishes every free tier due on or before today.
	// Running it twice on the same day changes nothing the second time.
	FreeReset(ctx context.Context, today time.Time) (*SweepResult, error)

	// ExpireLots moves every active lot whose expiry passed before now to
	// expired, recording what was forfeited.
	ExpireLots(ctx context.Context, now time.Time) (*SweepResult, error)

	// LowBalanceScan signals accounts whose balance is positive and at or
	// below the low-balance threshold. It writes nothing.
	LowBalanceScan(ctx context.Context) (*SweepResult, error)
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Candidates int // Accounts examined
	Changed    int // Accounts modified or signalled
	Failed     int // Accounts that failed after retries
}

// MaintenanceConfig tunes the sweeps.
type MaintenanceConfig struct {
	BatchSize   int           // Candidates fetched per query
	Concurrency int           // Per-user transactions running at once
	RetryBase   time.Duration // First backoff after a transient failure
	MaxRetries  uint64        // Retries per user before giving up
}

// DefaultMaintenanceConfig returns sensible defaults.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		BatchSize:   500,
		Concurrency: 4,
		RetryBase:   50 * time.Millisecond,
		MaxRetries:  3,
	}
}

type maintenanceService struct {
	store    domain.CreditStore
	notifier domain.LowBalanceNotifier
	policy   domain.CreditPolicy
	config   MaintenanceConfig
	logger   *slog.Logger
	now      Clock
}

// NewMaintenanceService creates a new MaintenanceService. Zero config fields
// take their defaults and a nil clock uses time.Now.
func NewMaintenanceService(store domain.CreditStore, notifier domain.LowBalanceNotifier, policy domain.CreditPolicy, config MaintenanceConfig, logger *slog.Logger, clock Clock) MaintenanceService {
	defaults := DefaultMaintenanceConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.RetryBase <= 0 {
		config.RetryBase = defaults.RetryBase
	}
	if clock == nil {
		clock = time.Now
	}
	return &maintenanceService{
		store:    store,
		notifier: notifier,
		policy:   policy,
		config:   config,
		logger:   logger,
		now:      clock,
	}
}

// FreeReset replenishes every free tier due on or before today.
func (s *maintenanceService) FreeReset(ctx context.Context, today time.Time) (*SweepResult, error) {
	day := domain.DateOf(today)
	list := func(ctx context.Context, after uuid.UUID) ([]uuid.UUID, error) {
		return s.store.ListAccountsDueForReset(ctx, day, after, s.config.BatchSize)
	}
	return s.sweep(ctx, JobFreeReset, list, func(ctx context.Context, userID uuid.UUID) (bool, error) {
		return s.resetAccount(ctx, userID, day)
	})
}

func (s *maintenanceService) resetAccount(ctx context.Context, userID uuid.UUID, today time.Time) (bool, error) {
	const op = "maintenance.free_reset"

	var (
		changed  bool
		previous int64
		account  *domain.CreditAccount
	)
	err := s.store.InTx(ctx, func(tx domain.CreditTx) error {
		changed = false
		var err error
		account, err = tx.LockAccount(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNoAccount) {
				return nil
			}
			return err
		}
		// Another instance may have reset it since the candidate query.
		if !account.DueForReset(today) {
			return nil
		}
		lots, err := tx.LockActiveLots(ctx, userID)
		if err != nil {
			return err
		}

		previous = account.FreeRemaining
		account.FreeRemaining = account.FreeMonthly
		account.FreeResetDate = account.NextResetDate(today)
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		if _, err := tx.InsertEntry(ctx, domain.LedgerEntry{
			UserID:       userID,
			Type:         domain.EntryTypeGrant,
			Amount:       account.FreeMonthly - previous,
			BalanceAfter: account.FreeRemaining + sumRemaining(lots),
			Metadata: &domain.EntryMetadata{
				PreviousBalance: previous,
				Reason:          "monthly reset",
			},
		}); err != nil {
			return err
		}
		changed = true
		return nil
	})
	if err != nil {
		s.logInvariant(err, op, userID)
		return false, err
	}
	if changed {
		metrics.FreeResets.Inc()
		s.logger.Info("free tier reset",
			"user_id", userID,
			"previous", previous,
			"free_monthly", account.FreeMonthly,
			"next_reset", account.FreeResetDate.Format(time.DateOnly),
		)
	}
	return changed, nil
}

// ExpireLots expires every lot whose expiry passed before now.
func (s *maintenanceService) ExpireLots(ctx context.Context, now time.Time) (*SweepResult, error) {
	list := func(ctx context.Context, after uuid.UUID) ([]uuid.UUID, error) {
		return s.store.ListUsersWithLapsedLots(ctx, now, after, s.config.BatchSize)
	}
	return s.sweep(ctx, JobExpireLots, list, func(ctx context.Context, userID uuid.UUID) (bool, error) {
		return s.expireUserLots(ctx, userID, now)
	})
}

func (s *maintenanceService) expireUserLots(ctx context.Context, userID uuid.UUID, now time.Time) (bool, error) {
	const op = "maintenance.expire_lots"

	var forfeited []int64
	err := s.store.InTx(ctx, func(tx domain.CreditTx) error {
		forfeited = nil
		account, err := tx.LockAccount(ctx, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNoAccount) {
				return nil
			}
			return err
		}
		lots, err := tx.LockActiveLots(ctx, userID)
		if err != nil {
			return err
		}

		running := account.FreeRemaining + sumRemaining(lots)
		for i := range lots {
			if !lots[i].IsLapsed(now) {
				continue
			}
			n := lots[i].Remaining
			if running, err = expireLot(ctx, tx, op, &lots[i], running); err != nil {
				return err
			}
			forfeited = append(forfeited, n)
		}
		return nil
	})
	if err != nil {
		s.logInvariant(err, op, userID)
		return false, err
	}

	var total int64
	for _, n := range forfeited {
		metrics.LotExpired(n)
		total += n
	}
	if len(forfeited) > 0 {
		s.logger.Info("credit lots expired", "user_id", userID, "lots", len(forfeited), "forfeited", total)
	}
	return len(forfeited) > 0, nil
}

// LowBalanceScan signals accounts running out of credit.
func (s *maintenanceService) LowBalanceScan(ctx context.Context) (*SweepResult, error) {
	result := &SweepResult{}
	detectedAt := s.now()
	var after uuid.UUID

	for {
		balances, err := s.store.ListAccountBalances(ctx, detectedAt, after, s.config.BatchSize)
		if err != nil {
			return result, err
		}
		for _, b := range balances {
			result.Candidates++
			if !b.IsLow(s.policy.LowBalancePct) {
				continue
			}
			event := domain.LowBalanceEvent{
				UserID:      b.UserID,
				Balance:     b.Total,
				FreeMonthly: b.FreeMonthly,
				DetectedAt:  detectedAt,
			}
			if err := s.notifier.NotifyLowBalance(ctx, event); err != nil {
				result.Failed++
				s.logger.Warn("low balance signal failed", "error", err, "user_id", b.UserID)
				continue
			}
			result.Changed++
		}
		if len(balances) < s.config.BatchSize {
			break
		}
		after = balances[len(balances)-1].UserID
	}

	s.logger.Info("low balance scan complete",
		"accounts", result.Candidates,
		"signalled", result.Changed,
		"failed", result.Failed,
	)
	if result.Failed > 0 {
		return result, fmt.Errorf("%s: %d of %d signals failed", JobLowBalanceScan, result.Failed, result.Changed+result.Failed)
	}
	return result, nil
}

// sweep applies fn to every user returned by list, one page at a time in
// user id order. A user that fails is logged and skipped; the cursor moves
// past it so the rest of the table is still reached.
func (s *maintenanceService) sweep(ctx context.Context, job string, list func(ctx context.Context, after uuid.UUID) ([]uuid.UUID, error), fn func(context.Context, uuid.UUID) (bool, error)) (*SweepResult, error) {
	var (
		mu     sync.Mutex
		result = &SweepResult{}
		after  uuid.UUID
	)

	for {
		ids, err := list(ctx, after)
		if err != nil {
			return result, err
		}
		if len(ids) == 0 {
			break
		}

		var g errgroup.Group
		g.SetLimit(s.config.Concurrency)
		for _, id := range ids {
			g.Go(func() error {
				changed, err := s.withRetry(ctx, job, func(ctx context.Context) (bool, error) {
					return fn(ctx, id)
				})

				mu.Lock()
				defer mu.Unlock()
				result.Candidates++
				if err != nil {
					result.Failed++
					s.logger.Error("maintenance failed for user", "error", err, "job", job, "user_id", id)
					return nil
				}
				if changed {
					result.Changed++
				}
				return nil
			})
		}
		_ = g.Wait()

		if err := ctx.Err(); err != nil {
			return result, err
		}
		if len(ids) < s.config.BatchSize {
			break
		}
		after = ids[len(ids)-1]
	}

	s.logger.Info("maintenance sweep complete",
		"job", job,
		"accounts", result.Candidates,
		"changed", result.Changed,
		"failed", result.Failed,
	)
	if result.Failed > 0 {
		return result, fmt.Errorf("%s: %d of %d accounts failed", job, result.Failed, result.Candidates)
	}
	return result, nil
}

// withRetry retries fn with exponential backoff while it fails transiently.
func (s *maintenanceService) withRetry(ctx context.Context, job string, fn func(context.Context) (bool, error)) (bool, error) {
	var (
		changed bool
		attempt int
	)
	backoff := retry.WithMaxRetries(s.config.MaxRetries, retry.NewExponential(s.config.RetryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if attempt > 0 {
			metrics.JobRetried(job)
		}
		attempt++

		var err error
		changed, err = fn(ctx)
		if domain.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	return changed, err
}

func (s *maintenanceService) logInvariant(err error, op string, userID uuid.UUID) {
	if domain.ErrorCode(err) != domain.EINVARIANT {
		return
	}
	metrics.InvariantViolations.Inc()
	s.logger.Error("ledger invariant violated, manual reconciliation required",
		"error", err,
		"user_id", userID,
		"op", op,
	)
}
