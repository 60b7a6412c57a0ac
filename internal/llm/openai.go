package llm

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashureev/draftsmith/internal/failure"
)

// OpenAI implements Client with the chat completions API.
type OpenAI struct {
	client openai.Client
	model  string
}

// NewOpenAI creates an OpenAI-compatible client. The SDK's own retries are disabled;
// the worker's retry controller owns backoff.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai api key missing; set LLM_API_KEY")
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
	return &OpenAI{client: openai.NewClient(opts...), model: cfg.Model}, nil
}

func (o *OpenAI) Name() string {
	return "openai-" + o.model
}

func (o *OpenAI) Invoke(ctx context.Context, req Request) (*Response, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.SystemPrompt),
			openai.UserMessage(req.UserPrompt),
		},
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return nil, classifyStatus("openai", apiErr.StatusCode, err)
		}
		return nil, classifyTransport("openai", err)
	}
	if len(resp.Choices) == 0 {
		return nil, failure.ResponseFormat(errors.New("empty choices"), false, "language model returned no output")
	}

	choice := resp.Choices[0]
	return &Response{
		Text:         choice.Message.Content,
		FinishReason: fmt.Sprint(choice.FinishReason),
		Model:        resp.Model,
	}, nil
}
