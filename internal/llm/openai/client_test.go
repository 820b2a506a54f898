package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"deckcheck/internal/llm"
)

type recordedRequest struct {
	Messages       []map[string]any `json:"messages"`
	Tools          []map[string]any `json:"tools"`
	Temperature    *float64         `json:"temperature"`
	ResponseFormat map[string]any   `json:"response_format"`
}

type fakeAPI struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses []string
	status    int
}

func (f *fakeAPI) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req recordedRequest
		if err := json.Unmarshal(body, &req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		var resp string
		if len(f.responses) > 0 {
			resp = f.responses[0]
			f.responses = f.responses[1:]
		}
		status := f.status
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if status != 0 {
			w.WriteHeader(status)
		}
		_, _ = w.Write([]byte(resp))
	}
}

func completion(message string) string {
	return `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-test",` +
		`"choices":[{"index":0,"finish_reason":"stop","message":` + message + `}],` +
		`"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{APIKey: "test-key", Model: "gpt-test", BaseURL: srv.URL + "/v1"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return c
}

func TestNewClientRequiresSettings(t *testing.T) {
	if _, err := NewClient(Config{APIKey: "k"}); err == nil {
		t.Fatalf("expected error for missing model")
	}
	if _, err := NewClient(Config{Model: "m"}); err == nil {
		t.Fatalf("expected error for missing api key")
	}
}

func TestChatResolvesToolCalls(t *testing.T) {
	api := &fakeAPI{responses: []string{
		completion(`{"role":"assistant","content":null,"tool_calls":[{"id":"call_1","type":"function","function":{"name":"calculate_slide_metric","arguments":"{\"metric\":\"total_slides\"}"}}]}`),
		completion(`{"role":"assistant","content":"The deck has 5 slides."}`),
	}}
	client := newTestClient(t, api)

	var gotArgs map[string]any
	temp := 0.8
	conv := client.NewConversation(llm.ConversationOptions{
		System:      "system prompt",
		Temperature: &temp,
		Tools: []llm.Tool{{
			Name:        "calculate_slide_metric",
			Description: "metrics",
			Params:      []llm.Param{{Name: "metric", Type: "string", Required: true}},
			Call: func(_ context.Context, args map[string]any) (string, error) {
				gotArgs = args
				return "5", nil
			},
		}},
	})

	reply, err := conv.Chat(context.Background(), "Execute Task 1 (counts).")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if reply != "The deck has 5 slides." {
		t.Fatalf("unexpected reply %q", reply)
	}
	if gotArgs["metric"] != "total_slides" {
		t.Fatalf("tool got args %v", gotArgs)
	}
	if len(api.requests) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(api.requests))
	}
	first := api.requests[0]
	if first.Temperature == nil || *first.Temperature != 0.8 {
		t.Fatalf("expected temperature 0.8, got %v", first.Temperature)
	}
	if len(first.Tools) != 1 {
		t.Fatalf("expected tool declaration, got %v", first.Tools)
	}
	if role := first.Messages[0]["role"]; role != "system" {
		t.Fatalf("expected system message first, got %v", role)
	}
	second := api.requests[1]
	last := second.Messages[len(second.Messages)-1]
	if last["role"] != "tool" || last["tool_call_id"] != "call_1" || last["content"] != "5" {
		t.Fatalf("unexpected tool message %v", last)
	}
}

func TestStructuredSendsSchemaAndKeepsHistory(t *testing.T) {
	api := &fakeAPI{responses: []string{
		completion(`{"role":"assistant","content":"counts done"}`),
		completion(`{"role":"assistant","content":"{\"ok\":true}"}`),
	}}
	client := newTestClient(t, api)
	schema, err := llm.NewSchema("result", "a result", []byte(`{"type":"object","properties":{"ok":{"type":"boolean"}}}`))
	if err != nil {
		t.Fatalf("schema: %v", err)
	}

	conv := client.NewConversation(llm.ConversationOptions{System: "sys"})
	if _, err := conv.Chat(context.Background(), "task 1"); err != nil {
		t.Fatalf("chat: %v", err)
	}
	out, err := conv.Structured(context.Background(), "task 2", schema)
	if err != nil {
		t.Fatalf("structured: %v", err)
	}
	if string(out) != `{"ok":true}` {
		t.Fatalf("unexpected output %s", out)
	}

	req := api.requests[1]
	if req.ResponseFormat["type"] != "json_schema" {
		t.Fatalf("expected json_schema response format, got %v", req.ResponseFormat)
	}
	// system, task 1, assistant reply, task 2
	if len(req.Messages) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(req.Messages))
	}
}

func TestQuotaErrorIsClassified(t *testing.T) {
	api := &fakeAPI{
		status:    http.StatusTooManyRequests,
		responses: []string{`{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota","param":null}}`},
	}
	client := newTestClient(t, api)
	conv := client.NewConversation(llm.ConversationOptions{})
	_, err := conv.Chat(context.Background(), "hello")
	if !errors.Is(err, llm.ErrQuotaExhausted) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if llm.ShouldRetry(err) {
		t.Fatalf("quota errors must not be retried")
	}
}

func TestServerErrorIsRetryable(t *testing.T) {
	api := &fakeAPI{
		status:    http.StatusServiceUnavailable,
		responses: []string{`{"error":{"message":"overloaded","type":"server_error","code":null,"param":null}}`},
	}
	client := newTestClient(t, api)
	_, err := client.NewConversation(llm.ConversationOptions{}).Chat(context.Background(), "hello")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !llm.ShouldRetry(err) {
		t.Fatalf("expected 503 to be retryable: %v", err)
	}
}
