package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DukeRupert/credits/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMaintenance struct {
	resetDay time.Time
	expireAt time.Time
	scans    int
	err      error
}

func (f *fakeMaintenance) FreeReset(_ context.Context, today time.Time) (*service.SweepResult, error) {
	f.resetDay = today
	return &service.SweepResult{Candidates: 2, Changed: 2}, f.err
}

func (f *fakeMaintenance) ExpireLots(_ context.Context, now time.Time) (*service.SweepResult, error) {
	f.expireAt = now
	return &service.SweepResult{Candidates: 1, Changed: 1}, f.err
}

func (f *fakeMaintenance) LowBalanceScan(context.Context) (*service.SweepResult, error) {
	f.scans++
	return &service.SweepResult{Candidates: 5, Changed: 1}, f.err
}

func TestHandlers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	now := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	m := &fakeMaintenance{}
	reset := NewFreeResetHandler(m, logger, clock)
	expire := NewExpireLotsHandler(m, logger, clock)
	scan := NewLowBalanceScanHandler(m, logger)

	assert.Equal(t, service.JobFreeReset, reset.Type())
	assert.Equal(t, service.JobExpireLots, expire.Type())
	assert.Equal(t, service.JobLowBalanceScan, scan.Type())

	require.NoError(t, reset.Handle(context.Background()))
	require.NoError(t, expire.Handle(context.Background()))
	require.NoError(t, scan.Handle(context.Background()))

	assert.Equal(t, now, m.resetDay)
	assert.Equal(t, now, m.expireAt)
	assert.Equal(t, 1, m.scans)
}

func TestHandlers_PropagateErrors(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	boom := errors.New("2 of 3 accounts failed")
	m := &fakeMaintenance{err: boom}

	assert.ErrorIs(t, NewFreeResetHandler(m, logger, nil).Handle(context.Background()), boom)
	assert.ErrorIs(t, NewExpireLotsHandler(m, logger, nil).Handle(context.Background()), boom)
	assert.ErrorIs(t, NewLowBalanceScanHandler(m, logger).Handle(context.Background()), boom)
}
