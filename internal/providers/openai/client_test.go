package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"kittybot/internal/providers"
)

func TestBuildRequestKeepsZeroTemperature(t *testing.T) {
	req := buildRequest(providers.ChatRequest{
		Model:    "gpt-4",
		Messages: []providers.Message{{Role: providers.RoleSystem, Content: "sys"}, {Role: providers.RoleUser, Content: "hi"}},
	}, false)
	if req.Temperature == 0 {
		t.Fatalf("zero temperature must be sent as a tiny positive value")
	}
	if len(req.Messages) != 2 || req.Messages[0].Role != "system" || req.Messages[1].Content != "hi" {
		t.Fatalf("unexpected messages %+v", req.Messages)
	}
}

func TestChatReturnsTextAndUsage(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Hello!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	resp, err := c.Chat(context.Background(), providers.ChatRequest{
		Model:    "gpt-3.5-turbo",
		Messages: []providers.Message{{Role: providers.RoleUser, Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Text != "Hello!" || resp.TokensUsed != 7 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if body["model"] != "gpt-3.5-turbo" {
		t.Fatalf("unexpected model in payload %#v", body["model"])
	}
}

func TestChatRateLimitMapsToSentinel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	_, err := c.Chat(context.Background(), providers.ChatRequest{Model: "gpt-4"})
	if !errors.Is(err, providers.ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}
}

func TestChatStreamEmitsFragments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			_, _ = w.Write([]byte(`data: {"id":"x","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"` + part + `"}}]}` + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer srv.Close()

	c := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/v1"})
	ch, err := c.ChatStream(context.Background(), providers.ChatRequest{Model: "gpt-4"})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	var sb strings.Builder
	for f := range ch {
		if f.Err != nil {
			t.Fatalf("fragment error: %v", f.Err)
		}
		sb.WriteString(f.Text)
	}
	if sb.String() != "Hello" {
		t.Fatalf("unexpected streamed text %q", sb.String())
	}
}
