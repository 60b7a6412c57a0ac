// Package llm provides clients for the language model inference service.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ashureev/draftsmith/internal/failure"
)

// Request is one completion call.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
	Temperature  float64

	// ProposalID and Stage label the call in transcripts. They are not sent to the model.
	ProposalID string
	Stage      string
}

// Response is the model's reply.
type Response struct {
	Text         string
	FinishReason string
	Model        string
}

// Truncated reports whether the model stopped because it reached its output limit.
func (r *Response) Truncated() bool {
	if r == nil {
		return false
	}
	switch r.FinishReason {
	case "length", "max_tokens", "MAX_TOKENS":
		return true
	}
	return false
}

// Client invokes a language model. Implementations classify their errors with the
// failure package so callers can decide whether to retry.
type Client interface {
	Invoke(ctx context.Context, req Request) (*Response, error)
	Name() string
}

// Provider names accepted by New.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGRPC      = "grpc"
	ProviderMock      = "mock"
)

// Config selects and configures a provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	BaseURL  string
	GRPCAddr string
	Timeout  time.Duration
}

// New builds the configured client.
func New(cfg Config) (Client, error) {
	switch cfg.Provider {
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderAnthropic:
		return NewAnthropic(cfg)
	case ProviderGRPC:
		return NewGRPC(cfg, nil)
	case ProviderMock:
		return NewMock(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// classifyStatus maps an HTTP status from a provider into the failure taxonomy.
// 408, 409, 429 and 5xx are transient; any other 4xx is not worth repeating.
func classifyStatus(provider string, status int, cause error) error {
	switch {
	case status == http.StatusTooManyRequests:
		return failure.Transient(cause, "language model service is rate limiting requests")
	case status == http.StatusRequestTimeout, status == http.StatusConflict:
		return failure.Transient(cause, "language model service timed out")
	case status >= 500:
		return failure.Transient(cause, "language model service unavailable")
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return fmt.Errorf("%s rejected credentials (status %d): %w", provider, status, cause)
	default:
		return fmt.Errorf("%s rejected request (status %d): %w", provider, status, cause)
	}
}

// classifyTransport handles errors that never produced an HTTP status.
func classifyTransport(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return failure.Transient(err, "language model call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return failure.Transient(err, "language model service unreachable")
	}
	return fmt.Errorf("%s call failed: %w", provider, err)
}
