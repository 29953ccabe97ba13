package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/efebarandurmaz/kiln/internal/llm"
)

func fakeAPI(t *testing.T, status int, reply any, capture *map[string]any) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/messages" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("x-api-key") != "key" {
			t.Errorf("missing api key header")
		}
		if r.Header.Get("anthropic-version") != apiVersion {
			t.Errorf("unexpected anthropic-version %q", r.Header.Get("anthropic-version"))
		}
		if capture != nil {
			json.NewDecoder(r.Body).Decode(capture)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(reply)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestNew_Defaults(t *testing.T) {
	c := New("key", "claude", "")
	if c.baseURL != defaultBaseURL {
		t.Errorf("expected default base URL, got %q", c.baseURL)
	}
	if c.Name() != "anthropic" {
		t.Errorf("unexpected name %q", c.Name())
	}
	if got := New("key", "claude", "http://proxy/v1/").baseURL; got != "http://proxy/v1" {
		t.Errorf("trailing slash not trimmed: %q", got)
	}
}

func TestComplete_RequestBody(t *testing.T) {
	var body map[string]any
	server := fakeAPI(t, http.StatusOK, map[string]any{
		"content": []map[string]string{{"type": "text", "text": "ok"}},
	}, &body)

	prompt := &llm.Prompt{
		SystemPrompt: "be terse",
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "answer from context"},
			{Role: llm.RoleUser, Content: "who founded Acme?"},
		},
	}
	maxTokens := 256
	temp := 0.0
	_, err := New("key", "claude", server.URL).Complete(context.Background(), prompt, &llm.RequestOptions{
		MaxTokens:   &maxTokens,
		Temperature: &temp,
		StopSeqs:    []string{"END"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if body["system"] != "be terse\n\nanswer from context" {
		t.Errorf("system messages not merged: %v", body["system"])
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected only the user message, got %v", body["messages"])
	}
	if body["max_tokens"] != float64(256) {
		t.Errorf("expected max_tokens 256, got %v", body["max_tokens"])
	}
	if v, ok := body["temperature"]; !ok || v != float64(0) {
		t.Errorf("expected explicit temperature 0, got %v", v)
	}
	if _, ok := body["top_p"]; ok {
		t.Error("top_p should be omitted when unset")
	}
}

func TestComplete_JoinsTextBlocks(t *testing.T) {
	server := fakeAPI(t, http.StatusOK, map[string]any{
		"content": []map[string]string{
			{"type": "text", "text": "Alice "},
			{"type": "tool_use", "text": "ignored"},
			{"type": "text", "text": "founded Acme."},
		},
		"model":       "claude",
		"stop_reason": "end_turn",
		"usage":       map[string]int{"input_tokens": 12, "output_tokens": 4},
	}, nil)

	resp, err := New("key", "claude", server.URL).Complete(context.Background(), llm.NewPrompt("", "q"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Alice founded Acme." {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.InputTokens != 12 || resp.OutputTokens != 4 || resp.StopReason != "end_turn" {
		t.Errorf("unexpected metadata: %+v", resp)
	}
}

func TestComplete_StatusError(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		retryable bool
	}{
		{"overloaded", 529, true},
		{"rate limited", http.StatusTooManyRequests, true},
		{"bad request", http.StatusBadRequest, false},
		{"unauthorized", http.StatusUnauthorized, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := fakeAPI(t, tt.status, map[string]string{"error": tt.name}, nil)
			_, err := New("key", "claude", server.URL).Complete(context.Background(), llm.NewPrompt("", "q"), nil)

			var se *llm.StatusError
			if !errors.As(err, &se) {
				t.Fatalf("expected *llm.StatusError, got %v", err)
			}
			if se.Code != tt.status || se.Provider != "anthropic" {
				t.Errorf("unexpected status error %+v", se)
			}
			if llm.IsRetryable(err) != tt.retryable {
				t.Errorf("IsRetryable = %v, want %v", !tt.retryable, tt.retryable)
			}
		})
	}
}

func TestComplete_MalformedJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer server.Close()

	if _, err := New("key", "claude", server.URL).Complete(context.Background(), llm.NewPrompt("", "q"), nil); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestEmbed_Unsupported(t *testing.T) {
	_, err := New("key", "claude", "").Embed(context.Background(), []string{"a"})
	if !errors.Is(err, llm.ErrEmbeddingUnsupported) {
		t.Fatalf("expected ErrEmbeddingUnsupported, got %v", err)
	}
}
