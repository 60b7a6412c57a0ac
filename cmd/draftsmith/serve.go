package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ashureev/draftsmith/internal/api"
	"github.com/ashureev/draftsmith/internal/dispatch"
	"github.com/ashureev/draftsmith/internal/identity"
	"github.com/ashureev/draftsmith/internal/middleware"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	var noWorkers bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (and in-process workers)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(noWorkers)
		},
	}
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false,
		"Do not run job handlers in this process (requires QUEUE_MODE=jetstream, NATS_URL, STATUS_BACKEND=kv and separate workers)")
	return cmd
}

func serve(noWorkers bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if noWorkers {
		if err := cfg.ValidateDistributed(); err != nil {
			return fmt.Errorf("--no-workers: %w", err)
		}
	}
	logger := slog.Default()
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "queue", cfg.QueueMode, "status_backend", cfg.StatusBackend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	a.start(ctx)
	var consumerDone <-chan error
	if !noWorkers {
		consumerDone = a.consume(ctx)
	}

	dispatcher := dispatch.New(a.records, a.repo, a.queue, a.metrics, logger)
	base := api.NewHandler(a.records, a.repo, logger)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg.FrontendURL)))

	// Public routes.
	api.NewHealthHandler(a.healthChecks()).RegisterHealth(r)
	r.Handle("/metrics", a.metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(cfg.IsDevelopment()))
		api.NewProposalHandler(base).RegisterRoutes(r)
		api.NewStageHandler(base, dispatcher).RegisterRoutes(r)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for shutdown signal.
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		slog.Error("Server failed", "error", err)
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	waitForConsumer(shutdownCtx, consumerDone)

	slog.Info("Server stopped successfully")
	return nil
}

// waitForConsumer blocks until in-flight jobs return or ctx ends. Jobs still running are
// left processing for redelivery or the sweeper.
func waitForConsumer(ctx context.Context, done <-chan error) {
	if done == nil {
		return
	}
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("Job consumer stopped with error", "error", err)
		}
	case <-ctx.Done():
		slog.Warn("Job consumer did not stop before shutdown deadline")
	}
}

func allowedOrigins(frontendURL string) []string {
	if frontendURL == "" {
		return []string{"*"}
	}
	var out []string
	for _, o := range strings.Split(frontendURL, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}
