package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/draftsmith/internal/api"
	"github.com/ashureev/draftsmith/internal/config"
	"github.com/ashureev/draftsmith/internal/documents"
	"github.com/ashureev/draftsmith/internal/llm"
	"github.com/ashureev/draftsmith/internal/metrics"
	"github.com/ashureev/draftsmith/internal/natsutil"
	"github.com/ashureev/draftsmith/internal/queue"
	"github.com/ashureev/draftsmith/internal/retry"
	"github.com/ashureev/draftsmith/internal/runner"
	"github.com/ashureev/draftsmith/internal/stage"
	"github.com/ashureev/draftsmith/internal/store"
	"github.com/ashureev/draftsmith/internal/sweeper"
	"github.com/ashureev/draftsmith/internal/templates"
	"github.com/ashureev/draftsmith/internal/transcript"
)

// app holds the components shared by the serve and worker commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	repo    *store.SQLiteStore
	records store.StatusStore
	nats    *natsutil.Conn
	queue   queue.Queue

	templateDir *templates.DirStore
	llm         llm.Client
	transcripts *transcript.Logger
	runner      *runner.Runner
	sweeper     *sweeper.Sweeper

	closers []func()
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.repo, err = store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.closers = append(a.closers, func() {
		if closeErr := a.repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	})
	if err = a.repo.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}
	logger.Info("Database connected", "path", cfg.DBPath)

	if cfg.StatusBackend == config.StatusKV || cfg.QueueMode == config.QueueJetStream {
		a.nats, err = natsutil.Connect(natsutil.Options{
			URL:      cfg.NATS.URL,
			StoreDir: cfg.NATS.StoreDir,
			Name:     appName,
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, a.nats.Close)
		logger.Info("NATS connected", "embedded", a.nats.Embedded())
	}

	a.records = a.repo
	if cfg.StatusBackend == config.StatusKV {
		kv, kvErr := store.NewKVStatusStore(ctx, a.nats.JS, "", logger)
		if kvErr != nil {
			return nil, fmt.Errorf("initialize status bucket: %w", kvErr)
		}
		a.records = kv
	}

	var tmpl templates.Store = templates.Defaults()
	if cfg.TemplateDir != "" {
		a.templateDir, err = templates.NewDirStore(cfg.TemplateDir, logger)
		if err != nil {
			return nil, err
		}
		tmpl = templates.NewLayered(a.templateDir, templates.Defaults())
	}

	a.llm, err = llm.New(cfg.LLMClientConfig())
	if err != nil {
		return nil, fmt.Errorf("initialize language model client: %w", err)
	}
	if c, ok := a.llm.(interface{ Close() }); ok {
		a.closers = append(a.closers, c.Close)
	}
	logger.Info("Language model client ready", "client", a.llm.Name())

	a.transcripts, err = transcript.New(transcript.Config{
		Enabled:   cfg.Transcript.Enabled,
		Dir:       cfg.Transcript.Dir,
		QueueSize: cfg.Transcript.QueueSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize transcripts: %w", err)
	}
	if a.transcripts != nil {
		a.closers = append(a.closers, func() {
			if closeErr := a.transcripts.Close(); closeErr != nil {
				logger.Warn("Failed to close transcripts", "error", closeErr)
			}
		})
	}

	registry := stage.NewRegistry(stage.Deps{
		Records:   a.records,
		Templates: tmpl,
		LLM:       transcript.Wrap(a.llm, a.transcripts),
		Documents: documents.NewLocalSource(cfg.DocumentsDir),
		Metrics:   a.metrics,
		Logger:    logger,
	})
	a.runner = runner.New(a.records, registry, runner.Options{
		Policy: retry.Policy{
			MaxRetries: cfg.RetryAttempts,
			BaseDelay:  cfg.RetryBase,
			MaxDelay:   cfg.RetryMax,
		},
		StepTimeout: cfg.StepTimeout,
		JobTimeout:  cfg.JobTimeout,
	}, a.metrics, logger)

	switch cfg.QueueMode {
	case config.QueueJetStream:
		a.queue, err = queue.NewJetStream(ctx, a.nats.JS, queue.JetStreamConfig{
			AckWait:     cfg.JobTimeout + time.Minute,
			Concurrency: cfg.Workers,
		}, logger)
		if err != nil {
			return nil, err
		}
	default:
		a.queue = queue.NewLocal(cfg.QueueCapacity, cfg.Workers, logger)
	}
	// The queue closes before NATS does.
	a.closers = append(a.closers, func() {
		if closeErr := a.queue.Close(); closeErr != nil {
			logger.Warn("Failed to close queue", "error", closeErr)
		}
	})

	a.sweeper = sweeper.New(a.records, cfg.StaleAfter, cfg.SweepInterval, a.metrics, logger)
	return a, nil
}

// start launches the background loops that both commands run.
func (a *app) start(ctx context.Context) {
	if a.templateDir != nil {
		go func() {
			if err := a.templateDir.Watch(ctx); err != nil {
				a.logger.Error("Template watcher stopped", "error", err)
			}
		}()
	}
	a.sweeper.Start(ctx)
	a.logger.Info("Stale record sweeper started", "budget", a.cfg.StaleAfter, "interval", a.cfg.SweepInterval)
}

// consume runs the job handlers until ctx ends. The returned channel yields the
// consumer's exit error once in-flight jobs have returned.
func (a *app) consume(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() {
		a.logger.Info("Job consumer started", "queue", a.cfg.QueueMode, "workers", a.cfg.Workers)
		done <- a.queue.Consume(ctx, a.runner.Handle)
	}()
	return done
}

// healthChecks lists the dependencies reported by /health.
func (a *app) healthChecks() map[string]api.Pinger {
	checks := map[string]api.Pinger{"database": a.repo}
	if a.records != store.StatusStore(a.repo) {
		checks["status_store"] = a.records
	}
	if a.nats != nil {
		checks["nats"] = pingFunc(a.nats.NC.FlushWithContext)
	}
	if g, ok := a.llm.(*llm.GRPC); ok {
		checks["inference_sidecar"] = pingFunc(g.Health)
	}
	return checks
}

// Close releases components in reverse order of creation.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
