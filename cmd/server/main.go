package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DukeRupert/credits/internal"
	"github.com/DukeRupert/credits/internal/handler"
	"github.com/DukeRupert/credits/internal/jobs"
	"github.com/DukeRupert/credits/internal/metrics"
	"github.com/DukeRupert/credits/internal/middleware"
	"github.com/DukeRupert/credits/internal/notify"
	"github.com/DukeRupert/credits/internal/pricing"
	"github.com/DukeRupert/credits/internal/service"
	"github.com/DukeRupert/credits/internal/store"
	"github.com/DukeRupert/credits/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Charges per user per minute before the API answers 429.
const (
	chargeRateLimit  = 120
	chargeRateWindow = time.Minute
)

// lowBalanceBuffer is how many undelivered low-balance events the stream holds.
const lowBalanceBuffer = 1024

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load configuration
	cfg, err := internal.NewConfig()
	if err != nil {
		return fmt.Errorf("config initialization failed: %w", err)
	}

	// Configure logger
	logger := internal.NewLogger(os.Stdout, cfg.Env, cfg.LogLevel)

	prices, err := pricing.Load(cfg.PricingFile)
	if err != nil {
		return fmt.Errorf("pricing initialization failed: %w", err)
	}

	// Initialize database connection
	creditStore, err := store.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer creditStore.Close()

	// Low-balance events are published on a stream and delivered by a
	// single consumer so sweeps never wait on delivery.
	stream := notify.NewStream(lowBalanceBuffer, logger)
	sink := notify.NewLogNotifier(logger)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-stream.Events():
				if err := sink.NotifyLowBalance(ctx, event); err != nil {
					logger.Warn("low balance delivery failed", "user_id", event.UserID, "error", err)
				}
			}
		}
	}()

	// Initialize services
	policy := cfg.CreditPolicy()
	creditService := service.NewCreditService(creditStore, prices, policy, logger, time.Now)
	maintenanceService := service.NewMaintenanceService(creditStore, stream, policy, service.MaintenanceConfig{
		BatchSize:   cfg.SweepBatchSize,
		Concurrency: cfg.SweepConcurrency,
	}, logger, time.Now)

	// ==========================================================================
	// Maintenance scheduler
	// ==========================================================================

	workerCfg := worker.DefaultConfig()
	workerCfg.JobTimeout = cfg.JobTimeout
	w, err := worker.New(workerCfg, logger)
	if err != nil {
		return fmt.Errorf("worker initialization failed: %w", err)
	}
	schedule := []struct {
		handler  worker.JobHandler
		interval time.Duration
	}{
		{jobs.NewFreeResetHandler(maintenanceService, logger, time.Now), cfg.FreeResetInterval},
		{jobs.NewExpireLotsHandler(maintenanceService, logger, time.Now), cfg.ExpireLotsInterval},
		{jobs.NewLowBalanceScanHandler(maintenanceService, logger), cfg.LowBalanceInterval},
	}
	for _, s := range schedule {
		if err := w.Register(s.handler, s.interval); err != nil {
			return fmt.Errorf("worker registration failed: %w", err)
		}
	}
	if cfg.SchedulerEnabled {
		w.Start(ctx)
		defer w.Stop()
	} else {
		logger.Info("Scheduler disabled, maintenance runs through creditctl only")
	}

	// ==========================================================================
	// Create router and register routes
	// ==========================================================================

	isSecure := cfg.Env != "development"
	internalAuth := middleware.NewInternalAuthMiddleware(cfg.InternalAPIToken, logger)
	if cfg.InternalAPIToken == "" {
		logger.Warn("INTERNAL_API_TOKEN is empty, credit API is unauthenticated")
	}

	chargeLimiter := middleware.NewRateLimiter(chargeRateLimit, chargeRateWindow)
	defer chargeLimiter.Stop()
	limitCharge := middleware.NewRateLimitMiddleware(chargeLimiter, middleware.ByPathValue("userID"), logger)

	mux := http.NewServeMux()

	handler.NewHealthHandler(creditStore, logger).RegisterRoutes(mux)
	handler.NewCreditHandler(creditService, logger).RegisterRoutes(mux, internalAuth.Handler, limitCharge.Limit)
	handler.NewPaymentHandler(creditService, logger).RegisterRoutes(mux, internalAuth.Handler)
	if cfg.SchedulerEnabled {
		handler.NewMaintenanceHandler(w, logger).RegisterRoutes(mux, internalAuth.Handler)
	}

	// Metrics endpoint
	metricsAuth := middleware.NewBasicAuthMiddleware("metrics", cfg.MetricsUsername, cfg.MetricsPassword)
	if !metricsAuth.Enabled() {
		logger.Warn("METRICS_USERNAME/METRICS_PASSWORD not set, /metrics is unprotected")
	}
	mux.Handle("GET /metrics", metricsAuth.Handler(promhttp.Handler()))

	// Unmatched routes answer with the API's JSON error shape.
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		handler.NotFoundResponse(w, r, logger)
	})

	requestLogging := middleware.NewRequestLoggingMiddleware(logger)
	securityHeaders := middleware.NewSecurityHeadersMiddleware(isSecure)
	root := middleware.Stack(requestLogging.Handler, securityHeaders.Handler, metrics.Middleware)(mux)

	// ==========================================================================
	// Start server
	// ==========================================================================

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Server started", "address", server.Addr, "env", cfg.Env, "driver", cfg.DatabaseDriver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	logger.Info("Shutdown signal received, initiating graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server shutdown error", "error", err)
		return err
	}

	logger.Info("Server stopped gracefully")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
