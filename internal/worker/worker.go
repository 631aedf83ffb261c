package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/DukeRupert/credits/internal/metrics"
)

// scheduledJob is a registered handler with its schedule.
type scheduledJob struct {
	handler  JobHandler
	interval time.Duration
	trigger  chan struct{}
	running  sync.Mutex // one run of a job at a time
}

// Worker runs maintenance jobs on fixed intervals.
type Worker struct {
	jobs   map[string]*scheduledJob
	config Config
	logger *slog.Logger

	// Synchronization
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a new Worker with the given configuration.
// The worker must be started with Start() and stopped with Stop().
func New(config Config, logger *slog.Logger) (*Worker, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Worker{
		jobs:   make(map[string]*scheduledJob),
		config: config,
		logger: logger,
		stopCh: make(chan struct{}),
	}, nil
}

// Register adds a job handler to run every interval.
// The handler's Type() must be unique. Call this before Start().
func (w *Worker) Register(handler JobHandler, interval time.Duration) error {
	jobType := handler.Type()
	if interval < w.config.MinInterval {
		return fmt.Errorf("job %s: interval %v below minimum %v", jobType, interval, w.config.MinInterval)
	}
	if _, exists := w.jobs[jobType]; exists {
		w.logger.Warn("Overwriting existing handler", "job_type", jobType)
	}
	w.jobs[jobType] = &scheduledJob{
		handler:  handler,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
	w.logger.Debug("Registered job handler", "job_type", jobType, "interval", interval)
	return nil
}

// Jobs returns the registered job types in name order.
func (w *Worker) Jobs() []string {
	types := make([]string, 0, len(w.jobs))
	for t := range w.jobs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Start launches one scheduling goroutine per registered job.
func (w *Worker) Start(ctx context.Context) {
	for _, job := range w.jobs {
		w.wg.Add(1)
		go w.runSchedule(ctx, job)
	}

	w.logger.Info("Worker started", "jobs", len(w.jobs))
}

// Stop signals all schedules to stop and waits for running jobs to finish.
// It respects the configured ShutdownTimeout.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("Stopping worker...")
		close(w.stopCh)
	})

	// Wait for running jobs with timeout
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped gracefully")
	case <-time.After(w.config.ShutdownTimeout):
		w.logger.Warn("Worker shutdown timeout exceeded, some jobs may still be running")
	}
}

// Trigger asks the scheduler to run a job as soon as possible. A trigger
// that arrives while one is already pending is coalesced with it.
func (w *Worker) Trigger(jobType string) error {
	job, ok := w.jobs[jobType]
	if !ok {
		return NewPermanentError(fmt.Errorf("no handler registered for job type: %s", jobType))
	}
	select {
	case job.trigger <- struct{}{}:
	default:
	}
	return nil
}

// RunNow runs a job synchronously, outside its schedule.
func (w *Worker) RunNow(ctx context.Context, jobType string) error {
	job, ok := w.jobs[jobType]
	if !ok {
		return NewPermanentError(fmt.Errorf("no handler registered for job type: %s", jobType))
	}
	return w.executeJob(ctx, job, w.logger.With("job_type", jobType))
}

// runSchedule is the loop for one job goroutine.
// It runs the job on every tick or trigger until stopCh is closed.
func (w *Worker) runSchedule(ctx context.Context, job *scheduledJob) {
	defer w.wg.Done()

	logger := w.logger.With("job_type", job.handler.Type())
	logger.Debug("Schedule started", "interval", job.interval)

	ticker := time.NewTicker(job.interval)
	defer ticker.Stop()

	if w.config.RunOnStart {
		if w.runScheduled(ctx, job, logger) {
			return
		}
	}

	for {
		select {
		case <-w.stopCh:
			logger.Debug("Schedule stopping")
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-job.trigger:
		}
		if w.runScheduled(ctx, job, logger) {
			return
		}
	}
}

// runScheduled runs the job once and reports whether it must be unscheduled.
func (w *Worker) runScheduled(ctx context.Context, job *scheduledJob, logger *slog.Logger) bool {
	err := w.executeJob(ctx, job, logger)
	if err != nil && IsPermanent(err) {
		logger.Error("Job failed with permanent error, unscheduling", "error", err)
		return true
	}
	return false
}

// executeJob runs the handler with a timeout context and records metrics.
func (w *Worker) executeJob(ctx context.Context, job *scheduledJob, logger *slog.Logger) error {
	job.running.Lock()
	defer job.running.Unlock()

	jobType := job.handler.Type()
	jobCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	logger.Debug("Processing job")
	metrics.JobStarted(jobType)
	start := time.Now()

	if err := job.handler.Handle(jobCtx); err != nil {
		metrics.JobFailed(jobType, time.Since(start))
		logger.Error("Job failed", "error", err, "duration", time.Since(start))
		return err
	}

	metrics.JobCompleted(jobType, time.Since(start))
	logger.Debug("Job completed", "duration", time.Since(start))
	return nil
}
