package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Client opens conversations with an LLM provider.
type Client interface {
	NewConversation(opts ConversationOptions) Conversation
	// Provider names the backing vendor, e.g. "openai".
	Provider() string
	Model() string
}

// Conversation is a single stateful exchange. A failed call leaves the
// history unchanged, so callers may retry it.
type Conversation interface {
	// Chat sends a free-form message, resolving any tool calls the model makes,
	// and returns the final text reply.
	Chat(ctx context.Context, message string) (string, error)
	// Structured sends an instruction and asks for a JSON reply shaped by schema.
	Structured(ctx context.Context, instruction string, schema *Schema) (json.RawMessage, error)
}

// ConversationOptions configures a new conversation.
type ConversationOptions struct {
	System      string
	Temperature *float64
	Tools       []Tool
	// MaxToolRounds bounds tool-call round trips per Chat call. Zero means the default.
	MaxToolRounds int
}

// DefaultMaxToolRounds is used when ConversationOptions.MaxToolRounds is zero.
const DefaultMaxToolRounds = 8

// ToolRounds returns the effective tool round limit.
func (o ConversationOptions) ToolRounds() int {
	if o.MaxToolRounds <= 0 {
		return DefaultMaxToolRounds
	}
	return o.MaxToolRounds
}

// Param describes one tool argument.
type Param struct {
	Name        string
	Type        string
	Description string
	Enum        []string
	Required    bool
}

// Tool is a function the model may call during Chat.
type Tool struct {
	Name        string
	Description string
	Params      []Param
	Call        func(ctx context.Context, args map[string]any) (string, error)
}

// JSONSchema returns the tool parameters as a JSON Schema object.
func (t Tool) JSONSchema() map[string]any {
	props := make(map[string]any, len(t.Params))
	required := make([]string, 0, len(t.Params))
	for _, p := range t.Params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Invoke runs the named tool. Tool failures are reported back to the model as
// text rather than aborting the conversation.
func Invoke(ctx context.Context, tools []Tool, name string, rawArgs string) string {
	for _, tool := range tools {
		if tool.Name != name {
			continue
		}
		args := map[string]any{}
		if rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return fmt.Sprintf("error: invalid arguments: %v", err)
			}
		}
		out, err := tool.Call(ctx, args)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return out
	}
	return fmt.Sprintf("error: unknown tool %q", name)
}

var (
	// ErrSchemaMismatch marks structured output that failed schema validation.
	ErrSchemaMismatch = errors.New("llm output does not match schema")
	// ErrQuotaExhausted marks provider quota or credit exhaustion.
	ErrQuotaExhausted = errors.New("llm quota exhausted")
	// ErrTimeout marks a provider call that exceeded its deadline.
	ErrTimeout = errors.New("llm request timeout")
	// ErrEmptyResponse marks a reply with no usable content.
	ErrEmptyResponse = errors.New("llm response empty")
	// ErrToolLoop marks a Chat call that exceeded its tool round limit.
	ErrToolLoop = errors.New("llm tool call limit exceeded")
)
