package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/DukeRupert/credits/internal"
	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/pricing"
	"github.com/DukeRupert/credits/internal/service"
	"github.com/DukeRupert/credits/internal/store"
	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// Transient failures (lock timeouts) are retried this many times.
const (
	retryAttempts = 3
	retryBase     = 200 * time.Millisecond
)

type app struct {
	cfg    *internal.Config
	logger *slog.Logger
	prices *domain.Pricing
	now    service.Clock

	// open connects the store on first use so commands like migrate and
	// quote never touch the ledger.
	open    func(ctx context.Context) (domain.CreditStore, error)
	store   domain.CreditStore
	credits service.CreditService
}

func wireApp() (*app, error) {
	cfg, err := internal.NewConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := internal.NewLogger(os.Stderr, cfg.Env, cfg.LogLevel)

	prices, err := pricing.Load(cfg.PricingFile)
	if err != nil {
		return nil, fmt.Errorf("load pricing: %w", err)
	}

	return &app{
		cfg:    cfg,
		logger: logger,
		prices: prices,
		now:    time.Now,
		open: func(ctx context.Context) (domain.CreditStore, error) {
			return store.Open(ctx, cfg, logger)
		},
	}, nil
}

// connect opens the store and builds the credit service once.
func (a *app) connect(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	a.store = s
	a.credits = service.NewCreditService(s, a.prices, a.cfg.CreditPolicy(), a.logger, a.now)
	return nil
}

func (a *app) close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	a.credits = nil
	return err
}

// withRetry runs fn, retrying while it fails with a transient error.
// Only commands that are safe to repeat go through it: reads and purchases,
// which are idempotent on the payment reference.
func withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(retryAttempts, retry.NewExponential(retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if domain.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func parseUserID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid user id %q: must be a UUID", raw)
	}
	return id, nil
}

// =============================================================================
// Output
// =============================================================================

var (
	printer = message.NewPrinter(language.English)
	title   = cases.Title(language.English)
)

// label turns identifiers like free_reset into "Free Reset".
func label(s string) string {
	return title.String(strings.ReplaceAll(s, "_", " "))
}

// describeError renders service errors the way an operator reads them.
func describeError(err error) error {
	if ice, ok := domain.AsInsufficientCredit(err); ok {
		return fmt.Errorf("insufficient credit: %s required, %s available",
			printer.Sprintf("%d", ice.Required), printer.Sprintf("%d", ice.Available))
	}
	if code := domain.ErrorCode(err); code != "" && code != domain.EINTERNAL {
		return fmt.Errorf("%s: %s", code, domain.ErrorMessage(err))
	}
	return err
}

func printBalance(w io.Writer, b *domain.Balance) {
	printer.Fprintf(w, "user:       %s\n", b.UserID)
	printer.Fprintf(w, "total:      %d credits\n", b.Total)
	printer.Fprintf(w, "free:       %d of %d (resets %s)\n", b.FreeRemaining, b.FreeMonthly, b.FreeResetDate.Format(time.DateOnly))
	printer.Fprintf(w, "purchased:  %d in %d lots\n", b.Purchased, len(b.Lots))
	for _, l := range b.Lots {
		printer.Fprintf(w, "  lot %d  %-8s %d/%d  expires %s\n",
			l.ID, l.PackageName, l.Remaining, l.TotalCredits, l.ExpiresAt.UTC().Format(time.RFC3339))
	}
}

func printEntries(w io.Writer, page *domain.TransactionPage) {
	printer.Fprintf(w, "page %d of %d (%d entries)\n", page.Page, page.TotalPages(), page.Total)
	for _, e := range page.Entries {
		source := "free"
		if e.LotID != nil {
			source = fmt.Sprintf("lot %d", *e.LotID)
		}
		printer.Fprintf(w, "%s  %-8s %+6d  balance %d  %-8s %s\n",
			e.CreatedAt.UTC().Format(time.RFC3339), label(string(e.Type)), e.Delta(), e.BalanceAfter, source, e.ReferenceID)
	}
}

// runE adapts a command body that needs the ledger.
func (a *app) runE(fn func(cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if err := a.connect(cmd.Context()); err != nil {
			return err
		}
		if err := fn(cmd, args); err != nil {
			return describeError(err)
		}
		return nil
	}
}
