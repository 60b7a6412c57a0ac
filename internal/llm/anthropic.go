package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/draftsmith/internal/failure"
)

// Anthropic implements Client with the Messages API.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates a Claude client.
func NewAnthropic(cfg Config) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic api key missing; set LLM_API_KEY")
	}
	if cfg.Model == "" {
		return nil, errors.New("llm model is required")
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, option.WithRequestTimeout(cfg.Timeout))
	}
	return &Anthropic{client: anthropic.NewClient(opts...), model: cfg.Model}, nil
}

func (a *Anthropic) Name() string {
	return "anthropic-" + a.model
}

func (a *Anthropic) Invoke(ctx context.Context, req Request) (*Response, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.UserPrompt)),
		},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, classifyStatus("anthropic", apiErr.StatusCode, err)
		}
		return nil, classifyTransport("anthropic", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, failure.ResponseFormat(errors.New("no text blocks"), string(msg.StopReason) == "max_tokens",
			"language model returned no text")
	}

	return &Response{
		Text:         text.String(),
		FinishReason: string(msg.StopReason),
		Model:        string(msg.Model),
	}, nil
}
