package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const personSchema = `{
  "type": "object",
  "properties": {
    "name": {"type": "string"},
    "age": {"type": "integer", "minimum": 0}
  },
  "required": ["name", "age"],
  "additionalProperties": false
}`

type scriptedConversation struct {
	replies      []json.RawMessage
	errs         []error
	instructions []string
	chats        []string
}

func (s *scriptedConversation) Chat(_ context.Context, message string) (string, error) {
	s.chats = append(s.chats, message)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	return "ok", nil
}

func (s *scriptedConversation) Structured(_ context.Context, instruction string, _ *Schema) (json.RawMessage, error) {
	s.instructions = append(s.instructions, instruction)
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(s.replies) == 0 {
		return nil, ErrEmptyResponse
	}
	out := s.replies[0]
	s.replies = s.replies[1:]
	return out, nil
}

func mustSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := NewSchema("person", "a person", []byte(personSchema))
	require.NoError(t, err)
	return s
}

func TestSchemaValidate(t *testing.T) {
	s := mustSchema(t)
	require.NoError(t, s.Validate([]byte(`{"name":"Ada","age":36}`)))

	err := s.Validate([]byte(`{"name":"Ada","age":-1,"extra":true}`))
	require.ErrorIs(t, err, ErrSchemaMismatch)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.GreaterOrEqual(t, len(verr.Errors), 2)

	require.ErrorIs(t, s.Validate([]byte(`not json`)), ErrSchemaMismatch)
}

func TestExtractAcceptsValidReply(t *testing.T) {
	conv := &scriptedConversation{replies: []json.RawMessage{json.RawMessage(`{"name":"Ada","age":36}`)}}
	out, err := Extract(context.Background(), conv, "who?", mustSchema(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, string(out))
	assert.Len(t, conv.instructions, 1)
}

func TestExtractRepairsOnce(t *testing.T) {
	conv := &scriptedConversation{replies: []json.RawMessage{
		json.RawMessage(`{"name":"Ada"}`),
		json.RawMessage(`{"name":"Ada","age":36}`),
	}}
	out, err := Extract(context.Background(), conv, "who?", mustSchema(t))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","age":36}`, string(out))
	require.Len(t, conv.instructions, 2)
	assert.Contains(t, conv.instructions[1], "did not match the required JSON schema")
}

func TestExtractGivesUpAfterRepair(t *testing.T) {
	conv := &scriptedConversation{replies: []json.RawMessage{
		json.RawMessage(`{"name":"Ada"}`),
		json.RawMessage(`{"age":3}`),
	}}
	_, err := Extract(context.Background(), conv, "who?", mustSchema(t))
	require.ErrorIs(t, err, ErrSchemaMismatch)
	assert.Len(t, conv.instructions, 2)
}

func TestInterpolate(t *testing.T) {
	got := Interpolate("For {{ audience }} in {{length}} min at {{ event }}; {{ unknown }}", map[string]string{
		"audience": "workshop attendees",
		"length":   "10",
		"event":    "Conf2025",
	})
	assert.Equal(t, "For workshop attendees in 10 min at Conf2025; {{ unknown }}", got)
}

func TestDefaultPromptSet(t *testing.T) {
	ps, err := DefaultPromptSet()
	require.NoError(t, err)
	require.NotNil(t, ps.Temperature)
	assert.Equal(t, 0.8, *ps.Temperature)
	for _, token := range []string{"{{ audience }}", "{{ length }}", "{{ type }}", "{{ event }}", "{{ markdown_content }}"} {
		assert.Contains(t, ps.System, token)
	}
	assert.True(t, strings.HasPrefix(ps.Counts, "Execute Task 1 (counts)"))
	assert.Contains(t, ps.Extract, "Execute Task 2 (suggestions)")
}

func TestLoadPromptSetRejectsIncomplete(t *testing.T) {
	path := t.TempDir() + "/prompts.yaml"
	require.NoError(t, os.WriteFile(path, []byte("system: hi\n"), 0o644))
	_, err := LoadPromptSet(path)
	require.Error(t, err)
}

func TestLoadPromptSetTemperature(t *testing.T) {
	const body = "system: s\ncounts: c\nextract: e\n"
	tests := []struct {
		name string
		yaml string
		want float64
	}{
		{name: "absent uses default", yaml: body, want: 0.8},
		{name: "explicit zero kept", yaml: body + "temperature: 0\n", want: 0},
		{name: "explicit value kept", yaml: body + "temperature: 1.2\n", want: 1.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := t.TempDir() + "/prompts.yaml"
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			ps, err := LoadPromptSet(path)
			require.NoError(t, err)
			require.NotNil(t, ps.Temperature)
			assert.Equal(t, tt.want, *ps.Temperature)
		})
	}
}

func TestLoadPromptSetRejectsTemperatureOutOfRange(t *testing.T) {
	path := t.TempDir() + "/prompts.yaml"
	require.NoError(t, os.WriteFile(path, []byte("system: s\ncounts: c\nextract: e\ntemperature: -1\n"), 0o644))
	_, err := LoadPromptSet(path)
	require.Error(t, err)
}

func TestToolJSONSchema(t *testing.T) {
	tool := Tool{
		Name:   "calc",
		Params: []Param{
			{Name: "metric", Type: "string", Enum: []string{"a", "b"}, Required: true},
			{Name: "note", Type: "string"},
		},
	}
	s := tool.JSONSchema()
	assert.Equal(t, []string{"metric"}, s["required"])
	props := s["properties"].(map[string]any)
	assert.Equal(t, []string{"a", "b"}, props["metric"].(map[string]any)["enum"])
}

func TestInvokeReportsErrorsAsText(t *testing.T) {
	tools := []Tool{{
		Name: "calc",
		Call: func(_ context.Context, args map[string]any) (string, error) {
			if args["metric"] == "bad" {
				return "", fmt.Errorf("invalid metric")
			}
			return "40", nil
		},
	}}
	ctx := context.Background()
	assert.Equal(t, "40", Invoke(ctx, tools, "calc", `{"metric":"code_percent"}`))
	assert.Equal(t, "error: invalid metric", Invoke(ctx, tools, "calc", `{"metric":"bad"}`))
	assert.Contains(t, Invoke(ctx, tools, "nope", `{}`), "unknown tool")
	assert.Contains(t, Invoke(ctx, tools, "calc", `{`), "invalid arguments")
}

type fakeClient struct{ conv Conversation }

func (f fakeClient) NewConversation(ConversationOptions) Conversation { return f.conv }
func (f fakeClient) Provider() string                               { return "fake" }
func (f fakeClient) Model() string                                  { return "fake-model" }

func TestRetryOnceOnTransient(t *testing.T) {
	prev := RetryDelay
	RetryDelay = time.Millisecond
	t.Cleanup(func() { RetryDelay = prev })

	tests := []struct {
		name      string
		firstErr  error
		wantCalls int
		wantErr   bool
	}{
		{name: "timeout retried", firstErr: ErrTimeout, wantCalls: 2},
		{name: "connection reset retried", firstErr: errors.New("read: connection reset by peer"), wantCalls: 2},
		{name: "quota not retried", firstErr: ErrQuotaExhausted, wantCalls: 1, wantErr: true},
		{name: "schema not retried", firstErr: ErrSchemaMismatch, wantCalls: 1, wantErr: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			inner := &scriptedConversation{errs: []error{tt.firstErr}}
			conv := WithRetry(fakeClient{conv: inner}).NewConversation(ConversationOptions{})
			_, err := conv.Chat(context.Background(), "hello")
			if tt.wantErr != (err != nil) {
				t.Fatalf("unexpected error state: %v", err)
			}
			if len(inner.chats) != tt.wantCalls {
				t.Fatalf("expected %d calls, got %d", tt.wantCalls, len(inner.chats))
			}
		})
	}
}

type statusErr int

func (s statusErr) Error() string   { return fmt.Sprintf("status %d", int(s)) }
func (s statusErr) HTTPStatus() int { return int(s) }

func TestShouldRetryStatus(t *testing.T) {
	assert.True(t, ShouldRetry(statusErr(503)))
	assert.True(t, ShouldRetry(statusErr(429)))
	assert.False(t, ShouldRetry(statusErr(400)))
	assert.False(t, ShouldRetry(context.Canceled))
}
