// Package genai wraps the OpenAI chat completions API for tool-driven
// response generation.
package genai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
)

// Generation defaults; all overridable via options.
const (
	DefaultModel       = openai.ChatModelGPT4oMini
	DefaultTemperature = 0.0
	DefaultMaxTokens   = 512
)

// ToolChoice controls whether the model must call a tool on a turn.
type ToolChoice string

const (
	ToolChoiceAuto     ToolChoice = "auto"
	ToolChoiceRequired ToolChoice = "required"
)

// ServiceError marks a transient generation-service failure, distinguishable
// from programming errors so callers can substitute a fallback reply.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("generation service unavailable: %v", e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// FunctionCall is the name and raw arguments of one requested tool call.
type FunctionCall struct {
	Name      string
	Arguments json.RawMessage
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string
	Function FunctionCall
}

// ToolCallResponse is one model turn: free-text content plus zero or more
// requested tool calls.
type ToolCallResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// ClientInterface is the generation surface consumed by the flow package.
type ClientInterface interface {
	GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, choice ToolChoice) (*ToolCallResponse, error)
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int64
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel overrides the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithTemperature overrides the sampling temperature.
func WithTemperature(temperature float64) Option {
	return func(o *Opts) { o.Temperature = temperature }
}

// WithMaxTokens overrides the completion token cap.
func WithMaxTokens(maxTokens int64) Option {
	return func(o *Opts) { o.MaxTokens = maxTokens }
}

// Client calls the OpenAI chat completions API.
type Client struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int64
}

// NewClient builds a client from options, falling back to the
// OPENAI_API_KEY environment variable for the key.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("OpenAI API key not set")
	}
	slog.Debug("GenAI client config loaded",
		"model", cfg.Model, "temperature", cfg.Temperature, "maxTokens", cfg.MaxTokens)

	return &Client{
		client:      openai.NewClient(option.WithAPIKey(cfg.APIKey)),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

// GenerateWithTools runs one chat completion turn with the given tools.
// Transport and upstream failures come back as *ServiceError.
func (c *Client) GenerateWithTools(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, tools []openai.ChatCompletionToolParam, choice ToolChoice) (*ToolCallResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model:       c.model,
		Messages:    messages,
		Tools:       tools,
		Temperature: param.NewOpt(c.temperature),
		MaxTokens:   param.NewOpt(c.maxTokens),
	}
	if choice != "" {
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: param.NewOpt(string(choice)),
		}
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		slog.Error("GenAI.GenerateWithTools: completion call failed", "error", err, "model", c.model)
		return nil, &ServiceError{Err: err}
	}
	if len(completion.Choices) == 0 {
		slog.Error("GenAI.GenerateWithTools: no choices returned", "model", c.model)
		return nil, &ServiceError{Err: errors.New("no choices returned")}
	}

	message := completion.Choices[0].Message
	response := &ToolCallResponse{Content: message.Content}
	for _, toolCall := range message.ToolCalls {
		response.ToolCalls = append(response.ToolCalls, ToolCall{
			ID: toolCall.ID,
			Function: FunctionCall{
				Name:      toolCall.Function.Name,
				Arguments: json.RawMessage(toolCall.Function.Arguments),
			},
		})
	}
	slog.Debug("GenAI.GenerateWithTools: completion received",
		"toolCalls", len(response.ToolCalls), "contentLength", len(response.Content))
	return response, nil
}
