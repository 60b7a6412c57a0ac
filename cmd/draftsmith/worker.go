package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/draftsmith/internal/api"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run job handlers against a shared JetStream queue",
		Long: `Worker consumes stage jobs from the JetStream work queue and records outcomes in
the status store. Run it next to "serve --no-workers" to scale execution
separately from the API. Only /health and /metrics are served.

Workers and the API must share an external NATS server (NATS_URL) and keep stage
records in its KV bucket (STATUS_BACKEND=kv).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return work()
		},
	}
}

func work() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.ValidateDistributed(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	logger := slog.Default()
	slog.Info("Starting worker", "workers", cfg.Workers, "status_backend", cfg.StatusBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.start(ctx)
	consumerDone := a.consume(ctx)

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	api.NewHealthHandler(a.healthChecks()).RegisterHealth(r)
	r.Handle("/metrics", a.metrics.Handler())

	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("Worker status endpoint listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Worker status endpoint failed", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-consumerDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Job consumer stopped with error", "error", err)
		}
		consumerDone = nil
	}
	stop()

	slog.Info("Shutting down worker...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Worker status endpoint forced to shutdown", "error", err)
	}
	waitForConsumer(shutdownCtx, consumerDone)

	slog.Info("Worker stopped")
	return nil
}
