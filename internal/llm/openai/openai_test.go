package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/pymakebot/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func fastRetrier(maxAttempts int) *llm.Retrier {
	return llm.NewRetrier(llm.RetryPolicy{
		MaxAttempts:    maxAttempts,
		BaseDelay:      time.Millisecond,
		MaxDelay:       10 * time.Millisecond,
		JitterFraction: 0.25,
	}, discardLogger(), llm.WithSleep(noSleep))
}

func writeCompletion(w http.ResponseWriter, content string) {
	resp := apiResponse{
		Choices: []apiChoice{{
			Message:      apiMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: apiUsage{PromptTokens: 10, CompletionTokens: 5},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func userRequest(prompt string) *llm.Request {
	return &llm.Request{
		SystemPrompt: "You write Python.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature:  0.2,
		MaxTokens:    256,
	}
}

func TestSendMessage_TextResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("expected Bearer auth, got %q", r.Header.Get("Authorization"))
		}

		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if raw["model"] != "qwen-coder" {
			t.Errorf("expected model qwen-coder, got %v", raw["model"])
		}
		if stream, ok := raw["stream"].(bool); !ok || stream {
			t.Errorf("expected stream=false, got %v", raw["stream"])
		}
		if raw["temperature"] != 0.2 {
			t.Errorf("expected temperature 0.2, got %v", raw["temperature"])
		}
		msgs, _ := raw["messages"].([]any)
		if len(msgs) != 2 {
			t.Fatalf("expected 2 messages, got %d", len(msgs))
		}
		if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
			t.Errorf("expected system message first, got %v", first["role"])
		}
		writeCompletion(w, "print('hi')")
	}))
	defer srv.Close()

	client := NewClient("test-key", "qwen-coder", discardLogger(),
		WithEndpoint(srv.URL), WithRetrier(fastRetrier(3)))
	resp, err := client.SendMessage(context.Background(), userRequest("say hi"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "print('hi')" {
		t.Errorf("expected content, got %q", resp.Content)
	}
	if resp.StopReason != "end_turn" {
		t.Errorf("expected stop reason end_turn, got %q", resp.StopReason)
	}
	if resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 5 {
		t.Errorf("unexpected usage: %+v", resp.Usage)
	}
	if resp.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", resp.Attempts)
	}
}

func TestSendMessage_NoAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			t.Errorf("expected no Authorization header, got %q", auth)
		}
		writeCompletion(w, "ok")
	}))
	defer srv.Close()

	client := NewClient("", "llama3", discardLogger(), WithBaseURL(srv.URL), WithName("ollama"))
	if _, err := client.SendMessage(context.Background(), userRequest("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.Name() != "ollama" {
		t.Errorf("expected name ollama, got %q", client.Name())
	}
	if client.Endpoint() != srv.URL+completionsPath {
		t.Errorf("expected completions path appended, got %q", client.Endpoint())
	}
}

// flakyServer answers 503 for the first failures requests, then 200.
func flakyServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := count.Add(1)
		if n <= failures {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		writeCompletion(w, "done")
	}))
	t.Cleanup(srv.Close)
	return srv, &count
}

func TestSendMessage_ThreeServerErrorsExhaustThreeAttempts(t *testing.T) {
	srv, count := flakyServer(t, 3)
	client := NewClient("k", "m", discardLogger(), WithEndpoint(srv.URL), WithRetrier(fastRetrier(3)))

	_, err := client.SendMessage(context.Background(), userRequest("x"))
	var ex *llm.ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if got := count.Load(); got != 3 {
		t.Errorf("expected exactly 3 requests, got %d", got)
	}
	var te *llm.TransportError
	if !errors.As(err, &te) || te.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected last cause 503, got %v", err)
	}
}

func TestSendMessage_ThreeServerErrorsSucceedOnFourthAttempt(t *testing.T) {
	srv, count := flakyServer(t, 3)
	client := NewClient("k", "m", discardLogger(), WithEndpoint(srv.URL), WithRetrier(fastRetrier(4)))

	resp, err := client.SendMessage(context.Background(), userRequest("x"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "done" {
		t.Errorf("expected content done, got %q", resp.Content)
	}
	if got := count.Load(); got != 4 {
		t.Errorf("expected 4 requests, got %d", got)
	}
	if resp.Attempts != 4 {
		t.Errorf("expected Attempts=4, got %d", resp.Attempts)
	}
}

func TestSendMessage_ClientErrorNotRetried(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"invalid token"}`))
	}))
	defer srv.Close()

	client := NewClient("bad", "m", discardLogger(), WithEndpoint(srv.URL), WithRetrier(fastRetrier(4)))
	_, err := client.SendMessage(context.Background(), userRequest("x"))
	if err == nil {
		t.Fatal("expected error for 401")
	}
	if count.Load() != 1 {
		t.Errorf("expected a single request, got %d", count.Load())
	}
	if !IsAuthError(err) {
		t.Errorf("expected auth error, got %v", err)
	}
	var ex *llm.ExhaustedError
	if errors.As(err, &ex) {
		t.Error("client errors must not be reported as exhausted retries")
	}
}

func TestSendMessage_RateLimitedRetried(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if count.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeCompletion(w, "ok")
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithEndpoint(srv.URL), WithRetrier(fastRetrier(2)))
	if _, err := client.SendMessage(context.Background(), userRequest("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count.Load() != 2 {
		t.Errorf("expected 2 requests, got %d", count.Load())
	}
}

func TestSendMessage_MalformedResponse(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{"choices": [`},
		{"no choices", `{"choices": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var count atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				count.Add(1)
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient("k", "m", discardLogger(), WithEndpoint(srv.URL), WithRetrier(fastRetrier(4)))
			_, err := client.SendMessage(context.Background(), userRequest("x"))
			if !errors.Is(err, llm.ErrMalformedResponse) {
				t.Fatalf("expected malformed response error, got %v", err)
			}
			if count.Load() != 1 {
				t.Errorf("malformed responses must not be retried, got %d requests", count.Load())
			}
		})
	}
}

func TestSendMessage_NetworkErrorRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	client := NewClient("k", "m", discardLogger(), WithEndpoint(url), WithRetrier(fastRetrier(2)))
	_, err := client.SendMessage(context.Background(), userRequest("x"))
	var te *llm.TransportError
	if !errors.As(err, &te) || te.Kind != llm.KindNetwork {
		t.Fatalf("expected network transport error, got %v", err)
	}
	var ex *llm.ExhaustedError
	if !errors.As(err, &ex) || ex.Attempts != 2 {
		t.Errorf("expected exhaustion after 2 attempts, got %v", err)
	}
}

func TestBuildRequest_Defaults(t *testing.T) {
	c := NewClient("", "default-model", discardLogger())
	req := c.buildRequest(&llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}}})
	if req.Model != "default-model" {
		t.Errorf("expected client model, got %q", req.Model)
	}
	if req.MaxTokens != defaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", req.MaxTokens)
	}
	if len(req.Messages) != 1 {
		t.Errorf("expected no system message when prompt is empty, got %d messages", len(req.Messages))
	}

	req = c.buildRequest(&llm.Request{Model: "override"})
	if req.Model != "override" {
		t.Errorf("expected request model to win, got %q", req.Model)
	}
}

func TestNormalizeFinishReason(t *testing.T) {
	tests := []struct{ in, want string }{
		{"stop", "end_turn"},
		{"length", "max_tokens"},
		{"content_filter", "content_filter"},
	}
	for _, tt := range tests {
		if got := normalizeFinishReason(tt.in); got != tt.want {
			t.Errorf("normalizeFinishReason(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
