// Package gemini implements llm.Client on the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"deckcheck/internal/llm"
	"deckcheck/internal/shared/telemetry"
)

// Config holds the Gemini connection settings.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
	Timeout time.Duration
}

// Client implements llm.Client using generateContent with function declarations.
type Client struct {
	models  *genai.Models
	model   string
	timeout time.Duration
}

// NewClient constructs a Gemini API client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("LLM_MODEL is required for Gemini")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.BaseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{models: client.Models, model: cfg.Model, timeout: timeout}, nil
}

func (c *Client) Provider() string { return "gemini" }
func (c *Client) Model() string    { return c.model }

func (c *Client) NewConversation(opts llm.ConversationOptions) llm.Conversation {
	conv := &conversation{client: c, opts: opts}
	if len(opts.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(opts.Tools))
		for _, tool := range opts.Tools {
			decls = append(decls, declaration(tool))
		}
		conv.tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return conv
}

func declaration(tool llm.Tool) *genai.FunctionDeclaration {
	schema := &genai.Schema{Type: genai.TypeObject, Properties: map[string]*genai.Schema{}}
	for _, p := range tool.Params {
		schema.Properties[p.Name] = &genai.Schema{
			Type:        schemaType(p.Type),
			Description: p.Description,
			Enum:        p.Enum,
		}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return &genai.FunctionDeclaration{
		Name:        tool.Name,
		Description: tool.Description,
		Parameters:  schema,
	}
}

func schemaType(t string) genai.Type {
	switch t {
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

type conversation struct {
	client  *Client
	opts    llm.ConversationOptions
	tools   []*genai.Tool
	history []*genai.Content
}

func (c *conversation) config() *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(c.opts.System) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(c.opts.System, genai.RoleUser)
	}
	if c.opts.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*c.opts.Temperature))
	}
	return cfg
}

// Chat sends message and answers function calls until the model replies in text.
func (c *conversation) Chat(ctx context.Context, message string) (string, error) {
	contents := append(cloneHistory(c.history), genai.NewContentFromText(message, genai.RoleUser))
	cfg := c.config()
	cfg.Tools = c.tools
	for round := 0; round <= c.opts.ToolRounds(); round++ {
		resp, err := c.client.generate(ctx, contents, cfg)
		if err != nil {
			return "", err
		}
		contents = append(contents, resp.Candidates[0].Content)
		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			c.history = contents
			return resp.Text(), nil
		}
		parts := make([]*genai.Part, 0, len(calls))
		for _, call := range calls {
			args, _ := json.Marshal(call.Args)
			out := llm.Invoke(ctx, c.opts.Tools, call.Name, string(args))
			telemetry.Debug("llm.tool_call", map[string]any{
				"provider": "gemini",
				"tool":     call.Name,
				"args":     string(args),
			})
			parts = append(parts, genai.NewPartFromFunctionResponse(call.Name, map[string]any{"output": out}))
		}
		contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
	}
	return "", llm.ErrToolLoop
}

const schemaPreamble = "\n\nReply with a single JSON object that conforms to this JSON Schema:\n"

// Structured asks for a JSON reply. The schema travels in the instruction text
// and the response MIME type is pinned to JSON.
func (c *conversation) Structured(ctx context.Context, instruction string, schema *llm.Schema) (json.RawMessage, error) {
	contents := append(cloneHistory(c.history), genai.NewContentFromText(instruction+schemaPreamble+schema.Raw(), genai.RoleUser))
	cfg := c.config()
	cfg.ResponseMIMEType = "application/json"
	resp, err := c.client.generate(ctx, contents, cfg)
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("gemini: %w", llm.ErrEmptyResponse)
	}
	c.history = append(contents, resp.Candidates[0].Content)
	return json.RawMessage(text), nil
}

func (c *Client) generate(ctx context.Context, contents []*genai.Content, cfg *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return nil, classify(ctx, err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, fmt.Errorf("gemini response missing candidates: %w", llm.ErrEmptyResponse)
	}
	fields := map[string]any{
		"provider":      "gemini",
		"model":         c.model,
		"latency_ms":    time.Since(start).Milliseconds(),
		"finish_reason": string(resp.Candidates[0].FinishReason),
	}
	if u := resp.UsageMetadata; u != nil {
		fields["prompt_tokens"] = u.PromptTokenCount
		fields["completion_tokens"] = u.CandidatesTokenCount
		fields["total_tokens"] = u.TotalTokenCount
	}
	telemetry.Info("llm.response", fields)
	return resp, nil
}

type statusError struct {
	status int
	err    error
}

func (e *statusError) Error() string   { return e.err.Error() }
func (e *statusError) Unwrap() error   { return e.err }
func (e *statusError) HTTPStatus() int { return e.status }

func classify(ctx context.Context, err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		if apierr.Code == 429 && strings.Contains(strings.ToUpper(apierr.Status+" "+apierr.Message), "RESOURCE_EXHAUSTED") {
			return fmt.Errorf("gemini: %s: %w", apierr.Status, llm.ErrQuotaExhausted)
		}
		return &statusError{status: apierr.Code, err: fmt.Errorf("gemini http status %d: %s", apierr.Code, apierr.Message)}
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
		return fmt.Errorf("gemini request timeout: %w", llm.ErrTimeout)
	}
	return fmt.Errorf("gemini transport: %w", err)
}

func cloneHistory(h []*genai.Content) []*genai.Content {
	out := make([]*genai.Content, len(h), len(h)+4)
	copy(out, h)
	return out
}

var _ llm.Client = (*Client)(nil)
