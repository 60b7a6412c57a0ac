package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/ashureev/draftsmith/internal/domain"
)

const (
	// JobStream is the default stream name.
	JobStream = "PROPOSAL_JOBS"
	// SubjectPrefix prefixes every job subject; the stage name completes it.
	SubjectPrefix = "proposals.jobs"
	// DefaultConsumer is the durable consumer shared by all workers.
	DefaultConsumer = "proposal-runners"
	// DefaultAckWait bounds how long a job may run before JetStream redelivers it.
	DefaultAckWait = 16 * time.Minute
	// DefaultNakDelay is the wait before a job whose handler failed is redelivered.
	DefaultNakDelay = 30 * time.Second
)

// JetStreamConfig configures a JetStream queue.
type JetStreamConfig struct {
	Stream   string
	Consumer string
	AckWait  time.Duration
	// MaxDeliver caps redeliveries of a job whose worker died or failed before
	// acknowledging it.
	MaxDeliver int
	// NakDelay delays redelivery of a job whose handler returned an error.
	NakDelay time.Duration
	// Concurrency is the number of jobs handled at once by one Consume call.
	Concurrency int
}

func (c *JetStreamConfig) withDefaults() {
	if c.Stream == "" {
		c.Stream = JobStream
	}
	if c.Consumer == "" {
		c.Consumer = DefaultConsumer
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.MaxDeliver == 0 {
		c.MaxDeliver = 2
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.NakDelay <= 0 {
		c.NakDelay = DefaultNakDelay
	}
}

// JetStream is a durable queue on a NATS JetStream work-queue stream. Publishers and
// consumers may run in different processes.
type JetStream struct {
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	cfg      JetStreamConfig
	logger   *slog.Logger
}

// Subject returns the subject jobs for stage are published on.
func Subject(stage domain.StageName) string {
	return SubjectPrefix + "." + string(stage)
}

// NewJetStream creates or updates the stream and the durable pull consumer.
func NewJetStream(ctx context.Context, js jetstream.JetStream, cfg JetStreamConfig, logger *slog.Logger) (*JetStream, error) {
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "Dispatched proposal stage jobs",
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream %s: %w", cfg.Stream, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       cfg.Consumer,
		FilterSubject: SubjectPrefix + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		MaxAckPending: cfg.Concurrency * 4,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Consumer, err)
	}

	logger.Info("Job queue ready",
		"stream", cfg.Stream,
		"consumer", cfg.Consumer,
		"ack_wait", cfg.AckWait)

	return &JetStream{js: js, stream: stream, consumer: consumer, cfg: cfg, logger: logger}, nil
}

// Publish stores the job in the stream. It returns once the server has acknowledged
// persistence.
func (q *JetStream) Publish(ctx context.Context, job *domain.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	if _, err := q.js.Publish(ctx, Subject(job.Stage), data, jetstream.WithMsgID(job.ID)); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Consume fetches and handles up to Concurrency jobs at a time until ctx is cancelled,
// then waits for running handlers.
func (q *JetStream) Consume(ctx context.Context, handler Handler) error {
	sem := make(chan struct{}, q.cfg.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sem <- struct{}{}:
		}

		msgs, err := q.consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Debug("Fetch timeout or error", "error", err)
			continue
		}

		got := false
		for msg := range msgs.Messages() {
			got = true
			wg.Add(1)
			go func(msg jetstream.Msg) {
				defer wg.Done()
				defer func() { <-sem }()
				q.handleMessage(ctx, msg, handler)
			}(msg)
		}
		if !got {
			<-sem
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, jetstream.ErrNoMessages) {
			q.logger.Warn("Message fetch error", "error", err)
		}
	}
}

func (q *JetStream) handleMessage(ctx context.Context, msg jetstream.Msg, handler Handler) {
	var job domain.Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil || job.ProposalID == "" || !job.Stage.Valid() {
		q.logger.Error("Dropping undecodable job", "subject", msg.Subject(), "error", err)
		if err := msg.Term(); err != nil {
			q.logger.Warn("Failed to terminate message", "error", err)
		}
		return
	}

	err := handler(ctx, &job)
	if err != nil {
		q.logger.Error("Job handler failed",
			"job_id", job.ID,
			"proposal_id", job.ProposalID,
			"stage", job.Stage,
			"error", err)
	}

	// A cancelled handler leaves the job for redelivery to another worker.
	if ctx.Err() != nil {
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		if nakErr := msg.NakWithDelay(q.cfg.NakDelay); nakErr != nil {
			q.logger.Warn("Failed to NAK message", "job_id", job.ID, "error", nakErr)
		}
		return
	}
	if err := msg.Ack(); err != nil {
		q.logger.Warn("Failed to ACK message", "job_id", job.ID, "error", err)
	}
}

// Stream exposes the underlying stream for diagnostics.
func (q *JetStream) Stream() jetstream.Stream {
	return q.stream
}

// Close is a no-op; the NATS connection is owned by the caller.
func (q *JetStream) Close() error {
	return nil
}
