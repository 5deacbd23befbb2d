package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/user/groupstream/pkg/llm"
)

func TestOpenAIClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Error("missing or invalid auth header")
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{
					"message": map[string]any{
						"role":    "assistant",
						"content": "test response",
					},
				},
			},
			"usage": map[string]any{
				"prompt_tokens":     10,
				"completion_tokens": 5,
				"total_tokens":      15,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	config := &llm.Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Model:   "gpt-3.5-turbo",
	}
	client := New(config)

	ctx := context.Background()
	messages := []llm.Message{
		{Role: "user", Content: "hello"},
	}

	resp, err := client.Complete(ctx, messages)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "test response" {
		t.Errorf("expected 'test response', got %s", resp.Content)
	}
	if resp.Usage.InputTokens != 10 {
		t.Errorf("expected 10 input tokens, got %d", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 5 {
		t.Errorf("expected 5 output tokens, got %d", resp.Usage.OutputTokens)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestOpenAIClientRequestFormat(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Verify the request path: base_url includes /v1, client appends /chat/completions
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("expected path '/v1/chat/completions', got %q", r.URL.Path)
		}

		// Verify content type
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type 'application/json', got %q", r.Header.Get("Content-Type"))
		}

		// Parse and verify request body
		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)

		if reqBody["model"] != "gpt-4" {
			t.Errorf("expected model 'gpt-4', got %v", reqBody["model"])
		}

		messages, ok := reqBody["messages"].([]any)
		if !ok || len(messages) != 1 {
			t.Errorf("expected 1 message, got %v", reqBody["messages"])
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "ok"}},
			},
			"usage": map[string]any{
				"prompt_tokens":     1,
				"completion_tokens": 1,
				"total_tokens":      2,
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	config := &llm.Config{
		BaseURL: server.URL + "/v1",
		APIKey:  "key",
		Model:   "gpt-4",
	}
	client := New(config)

	_, err := client.Complete(context.Background(), []llm.Message{
		{Role: "user", Content: "test"},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestOpenAIClientAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid api key"}}`))
	}))
	defer server.Close()

	config := &llm.Config{
		BaseURL: server.URL,
		APIKey:  "bad-key",
		Model:   "gpt-4",
	}
	client := New(config)

	_, err := client.Complete(context.Background(), []llm.Message{
		{Role: "user", Content: "hello"},
	})
	if err == nil {
		t.Fatal("expected error for 401 response")
	}
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqBody map[string]any
		json.Unmarshal(body, &reqBody)
		if reqBody["stream"] != true {
			t.Errorf("expected stream=true, got %v", reqBody["stream"])
		}

		w.Header().Set("Content-Type", "text/event-stream")
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
			w.(http.Flusher).Flush()
		}
	}))
}

func TestOpenAIClientStream(t *testing.T) {
	server := sseServer(t,
		`data: {"choices":[{"delta":{"role":"assistant"}}]}`,
		`data: {"choices":[{"delta":{"content":"streamed "}}]}`,
		`: keepalive`,
		`data: {"choices":[{"delta":{"content":"response"}}]}`,
		`data: {"choices":[],"usage":{"prompt_tokens":5,"completion_tokens":3,"total_tokens":8}}`,
		`data: [DONE]`,
	)
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4"})
	stream, err := client.Stream(context.Background(), []llm.Message{
		{Role: "user", Content: "hello"},
	})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := llm.Collect(stream)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "streamed response" {
		t.Errorf("expected 'streamed response', got %q", resp.Content)
	}
	if resp.Usage.InputTokens != 5 || resp.Usage.OutputTokens != 3 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestOpenAIClientStreamIncomplete(t *testing.T) {
	server := sseServer(t, `data: {"choices":[{"delta":{"content":"partial"}}]}`)
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4"})
	stream, err := client.Stream(context.Background(), []llm.Message{{Role: "user", Content: "hello"}})
	if err != nil {
		t.Fatal(err)
	}

	resp, err := llm.Collect(stream)
	if !errors.Is(err, ErrIncompleteStream) {
		t.Errorf("expected incomplete stream error, got %v", err)
	}
	if resp.Content != "partial" {
		t.Errorf("expected 'partial', got %q", resp.Content)
	}
}

func TestOpenAIClientStreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down"}}`))
	}))
	defer server.Close()

	client := New(&llm.Config{BaseURL: server.URL, APIKey: "key", Model: "gpt-4"})
	if _, err := client.Stream(context.Background(), []llm.Message{{Role: "user", Content: "hello"}}); err == nil {
		t.Fatal("expected error for 429 response")
	}
}

func TestOpenAIClientProviderInterface(t *testing.T) {
	// Verify Client satisfies the llm.Provider interface at compile time.
	var _ llm.Provider = (*Client)(nil)
}
