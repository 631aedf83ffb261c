// Package notify delivers low-balance signals to whoever acts on them.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/DukeRupert/credits/internal/domain"
	"github.com/DukeRupert/credits/internal/metrics"
)

// Stream publishes low-balance events on a buffered channel. Publishing
// never blocks a sweep: when the buffer is full the event is dropped and
// counted.
type Stream struct {
	events chan domain.LowBalanceEvent
	logger *slog.Logger
}

// NewStream creates a Stream holding up to buffer undelivered events.
func NewStream(buffer int, logger *slog.Logger) *Stream {
	if buffer < 1 {
		buffer = 1
	}
	return &Stream{
		events: make(chan domain.LowBalanceEvent, buffer),
		logger: logger,
	}
}

// Events returns the channel consumers read from.
func (s *Stream) Events() <-chan domain.LowBalanceEvent {
	return s.events
}

// NotifyLowBalance publishes the event without blocking.
func (s *Stream) NotifyLowBalance(ctx context.Context, event domain.LowBalanceEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.events <- event:
		metrics.LowBalanceSignalled(true)
	default:
		metrics.LowBalanceSignalled(false)
		s.logger.Warn("low balance stream full, event dropped", "user_id", event.UserID)
	}
	return nil
}

// LogNotifier writes each event to the log.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// NotifyLowBalance logs the event.
func (n *LogNotifier) NotifyLowBalance(_ context.Context, event domain.LowBalanceEvent) error {
	n.logger.Info("low credit balance",
		"user_id", event.UserID,
		"balance", event.Balance,
		"free_monthly", event.FreeMonthly,
		"detected_at", event.DetectedAt,
	)
	return nil
}

// Multi fans an event out to several notifiers, returning every error.
type Multi []domain.LowBalanceNotifier

// NotifyLowBalance delivers the event to each notifier in order.
func (m Multi) NotifyLowBalance(ctx context.Context, event domain.LowBalanceEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.NotifyLowBalance(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
