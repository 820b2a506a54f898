package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"deckcheck/internal/llm"
	"deckcheck/internal/shared/telemetry"
)

// Config holds the OpenAI connection settings.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
	// MaxRetries is passed to the SDK. Transient retries also happen in llm.WithRetry.
	MaxRetries int
}

// Client implements llm.Client using OpenAI Chat Completions.
type Client struct {
	client  openai.Client
	model   string
	timeout time.Duration
}

// NewClient constructs a new OpenAI client.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for OpenAI")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		client:  openai.NewClient(opts...),
		model:   cfg.Model,
		timeout: timeout,
	}, nil
}

func (c *Client) Provider() string { return "openai" }
func (c *Client) Model() string    { return c.model }

// NewConversation starts a conversation seeded with the system prompt.
func (c *Client) NewConversation(opts llm.ConversationOptions) llm.Conversation {
	conv := &conversation{client: c, opts: opts}
	if strings.TrimSpace(opts.System) != "" {
		conv.history = append(conv.history, openai.SystemMessage(opts.System))
	}
	for _, tool := range opts.Tools {
		conv.tools = append(conv.tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openai.String(tool.Description),
				Parameters:  openai.FunctionParameters(tool.JSONSchema()),
			},
		})
	}
	return conv
}

type conversation struct {
	client  *Client
	opts    llm.ConversationOptions
	tools   []openai.ChatCompletionToolParam
	history []openai.ChatCompletionMessageParamUnion
}

func (c *conversation) params(messages []openai.ChatCompletionMessageParamUnion) openai.ChatCompletionNewParams {
	p := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.client.model),
		Messages: messages,
	}
	if c.opts.Temperature != nil {
		p.Temperature = openai.Float(*c.opts.Temperature)
	}
	return p
}

// Chat sends message and resolves tool calls until the model answers in text.
// History is committed only when the exchange completes.
func (c *conversation) Chat(ctx context.Context, message string) (string, error) {
	messages := append(cloneHistory(c.history), openai.UserMessage(message))
	for round := 0; round <= c.opts.ToolRounds(); round++ {
		p := c.params(messages)
		if len(c.tools) > 0 {
			p.Tools = c.tools
		}
		resp, err := c.client.complete(ctx, p)
		if err != nil {
			return "", err
		}
		msg := resp.Choices[0].Message
		messages = append(messages, msg.ToParam())
		if len(msg.ToolCalls) == 0 {
			c.history = messages
			return msg.Content, nil
		}
		for _, call := range msg.ToolCalls {
			out := llm.Invoke(ctx, c.opts.Tools, call.Function.Name, call.Function.Arguments)
			telemetry.Debug("llm.tool_call", map[string]any{
				"provider": "openai",
				"tool":     call.Function.Name,
				"args":     call.Function.Arguments,
			})
			messages = append(messages, openai.ToolMessage(out, call.ID))
		}
	}
	return "", llm.ErrToolLoop
}

// Structured requests a json_schema constrained reply.
func (c *conversation) Structured(ctx context.Context, instruction string, schema *llm.Schema) (json.RawMessage, error) {
	messages := append(cloneHistory(c.history), openai.UserMessage(instruction))
	p := c.params(messages)
	p.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
		OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
			JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
				Name:        schema.Name,
				Description: openai.String(schema.Description),
				Schema:      schema.Definition(),
				Strict:      openai.Bool(false),
			},
		},
	}
	resp, err := c.client.complete(ctx, p)
	if err != nil {
		return nil, err
	}
	msg := resp.Choices[0].Message
	content := strings.TrimSpace(msg.Content)
	if content == "" {
		if msg.Refusal != "" {
			return nil, fmt.Errorf("openai refusal: %s: %w", msg.Refusal, llm.ErrEmptyResponse)
		}
		return nil, fmt.Errorf("openai: %w", llm.ErrEmptyResponse)
	}
	c.history = append(messages, msg.ToParam())
	return json.RawMessage(content), nil
}

func (c *Client) complete(ctx context.Context, p openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, p)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai response missing choices: %w", llm.ErrEmptyResponse)
	}
	telemetry.Info("llm.response", map[string]any{
		"provider":          "openai",
		"model":             c.model,
		"latency_ms":        time.Since(start).Milliseconds(),
		"finish_reason":     resp.Choices[0].FinishReason,
		"prompt_tokens":     resp.Usage.PromptTokens,
		"completion_tokens": resp.Usage.CompletionTokens,
		"total_tokens":      resp.Usage.TotalTokens,
	})
	return resp, nil
}

// statusError exposes the HTTP status for llm.ShouldRetry.
type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) HTTPStatus() int { return e.status }

func classify(ctx context.Context, err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		if apierr.StatusCode == 429 && (apierr.Code == "insufficient_quota" || apierr.Type == "insufficient_quota") {
			return fmt.Errorf("openai: %s: %w", apierr.Code, llm.ErrQuotaExhausted)
		}
		return &statusError{status: apierr.StatusCode, err: fmt.Errorf("openai http status %d: %s", apierr.StatusCode, apierr.Message)}
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return fmt.Errorf("openai request timeout: %w", llm.ErrTimeout)
	}
	return fmt.Errorf("openai transport: %w", err)
}

func cloneHistory(h []openai.ChatCompletionMessageParamUnion) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, len(h), len(h)+4)
	copy(out, h)
	return out
}

var _ llm.Client = (*Client)(nil)
