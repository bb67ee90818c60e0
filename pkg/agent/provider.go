package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harun/tata/internal/observability"
	"github.com/harun/tata/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// LLMProvider is an interface for LLM API providers
type LLMProvider interface {
	// Call makes an LLM API call
	Call(ctx context.Context, request LLMRequest) (*LLMResponse, error)

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for LLM call
type LLMRequest struct {
	Model       string
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// LLMResponse contains the response from LLM
type LLMResponse struct {
	Content string
	Usage   *TokenUsage
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// LanguageModel is the collaborator the planner and LLM-backed tools call:
// an ordered message sequence in, reply text out.
type LanguageModel interface {
	Invoke(ctx context.Context, messages []Message) (string, error)
	Name() string
}

// ProviderConfig selects and parameterizes a provider.
type ProviderConfig struct {
	Provider    string
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// NewProvider creates a new LLM provider by name.
func NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key is required for provider %s", ErrConfiguration, cfg.Provider)
	}
	switch cfg.Provider {
	case "anthropic":
		return NewAnthropicProvider(cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		return NewOpenAIProvider(cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("%w: unsupported provider: %s", ErrConfiguration, cfg.Provider)
	}
}

// ChatModel adapts an LLMProvider to LanguageModel with fixed model
// parameters and a per-call timeout.
type ChatModel struct {
	provider    LLMProvider
	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// NewChatModel wraps provider. A zero timeout disables the per-call deadline.
func NewChatModel(provider LLMProvider, cfg ProviderConfig) (*ChatModel, error) {
	if provider == nil {
		return nil, fmt.Errorf("provider is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	return &ChatModel{
		provider:    provider,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
	}, nil
}

// Name returns provider/model.
func (c *ChatModel) Name() string {
	return c.provider.Provider() + "/" + c.model
}

// Invoke sends messages and returns the reply text.
func (c *ChatModel) Invoke(ctx context.Context, messages []Message) (string, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		tracing.TracerPlanner,
		"llm.invoke",
		attribute.String("llm.provider", c.provider.Provider()),
		attribute.String("llm.model", c.model),
		attribute.Int("llm.messages", len(messages)),
	)
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := c.provider.Call(ctx, LLMRequest{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	observability.RecordModelCall(c.provider.Provider(), time.Since(start), err == nil)

	if err != nil {
		err = fmt.Errorf("%w: %v", ErrModel, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	if resp.Usage != nil {
		span.SetAttributes(
			attribute.Int("llm.input_tokens", resp.Usage.InputTokens),
			attribute.Int("llm.output_tokens", resp.Usage.OutputTokens),
		)
	}

	return strings.TrimSpace(resp.Content), nil
}
