// Package retry runs a unit of work with bounded exponential backoff.
//
// The controller is meant for background workers only. It blocks between attempts.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/draftsmith/internal/failure"
)

// Policy bounds the number of attempts and the delay between them.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy is the schedule used around language model calls: 30s, 60s, 120s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 30 * time.Second, MaxDelay: 300 * time.Second}
}

// StorePolicy is the shorter schedule used when persisting a stage outcome.
func StorePolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Delay returns min(base * 2^attempt, max) for a zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleeper waits between attempts. Tests substitute a recording implementation.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep calls f.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error {
	return f(ctx, d)
}

type timerSleeper struct{}

func (timerSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Controller applies a Policy to a function.
type Controller struct {
	name      string
	policy    Policy
	sleeper   Sleeper
	retryable func(error) bool
	onAttempt func(ctx context.Context, attempt int)
	logger    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithSleeper replaces the timer-based sleeper.
func WithSleeper(s Sleeper) Option {
	return func(c *Controller) { c.sleeper = s }
}

// WithRetryable replaces failure.IsRetryable as the error classifier.
func WithRetryable(fn func(error) bool) Option {
	return func(c *Controller) { c.retryable = fn }
}

// WithOnAttempt registers a hook called before every invocation with the 1-based attempt.
func WithOnAttempt(fn func(ctx context.Context, attempt int)) Option {
	return func(c *Controller) { c.onAttempt = fn }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithName labels log lines emitted by the controller.
func WithName(name string) Option {
	return func(c *Controller) { c.name = name }
}

// New creates a Controller. A policy with MaxRetries below 1 is treated as a single attempt.
func New(policy Policy, opts ...Option) *Controller {
	if policy.MaxRetries < 1 {
		policy.MaxRetries = 1
	}
	c := &Controller{
		name:      "retry",
		policy:    policy,
		sleeper:   timerSleeper{},
		retryable: failure.IsRetryable,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	return c.policy
}

// Run invokes fn at most MaxRetries times. After each retryable failure it sleeps the
// scheduled delay; the final sleep is a cool-down before the error is returned. A
// non-retryable error returns immediately. The last error is returned unchanged unless
// the context ends during a sleep.
func Run[T any](ctx context.Context, c *Controller, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < c.policy.MaxRetries; attempt++ {
		if c.onAttempt != nil {
			c.onAttempt(ctx, attempt+1)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !c.retryable(err) {
			return zero, err
		}

		delay := c.policy.Delay(attempt)
		c.logger.Warn("Attempt failed, backing off",
			"controller", c.name,
			"attempt", attempt+1,
			"max_retries", c.policy.MaxRetries,
			"delay", delay,
			"error", err)

		if serr := c.sleeper.Sleep(ctx, delay); serr != nil {
			return zero, fmt.Errorf("%w (retry aborted: %v)", lastErr, serr)
		}
	}

	c.logger.Error("Retries exhausted",
		"controller", c.name,
		"attempts", c.policy.MaxRetries,
		"error", lastErr)
	return zero, lastErr
}

// Do is Run for functions without a result.
func (c *Controller) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Run(ctx, c, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
