package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestOpenAIProvider_Chat(t *testing.T) {
	var got openAIRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		auth = r.Header.Get("Authorization")
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &got)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"Olá!"},"finish_reason":"stop"}],"usage":{"prompt_tokens":5,"completion_tokens":2,"total_tokens":7}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "sk-test", srv.URL+"/v1/", "gpt-4o-mini")
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "oi"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Olá!" || resp.Usage == nil || resp.Usage.TotalTokens != 7 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 1 {
		t.Fatalf("unexpected request: %+v", got)
	}
	if auth != "Bearer sk-test" {
		t.Fatalf("expected bearer auth, got: %q", auth)
	}
}

func TestOpenAIProvider_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"ok"}}]}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "", srv.URL, "m").WithRetry(fastRetry())
	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ok" || calls.Load() != 3 {
		t.Fatalf("expected success on third call, got: %q after %d calls", resp.Content, calls.Load())
	}
}

func TestOpenAIProvider_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "", srv.URL, "m").WithRetry(fastRetry())
	_, err := p.Chat(context.Background(), ChatRequest{})

	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != http.StatusUnauthorized {
		t.Fatalf("expected HTTPError 401, got: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single attempt, got: %d", calls.Load())
	}
}

func TestOpenAIProvider_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "slow down", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider("openai", "", srv.URL, "m").WithRetry(fastRetry())
	if _, err := p.Chat(context.Background(), ChatRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 3 {
		t.Fatalf("expected 3 attempts, got: %d", calls.Load())
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := map[string]time.Duration{
		"":       0,
		"2":      2 * time.Second,
		"-1":     0,
		"Wed, x": 0,
	}
	for in, want := range cases {
		if got := ParseRetryAfter(in); got != want {
			t.Fatalf("ParseRetryAfter(%q): expected %v, got: %v", in, want, got)
		}
	}
}

func TestRetryAfterSeconds_RoundsUp(t *testing.T) {
	cases := map[time.Duration]int{
		time.Millisecond:        1,
		500 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		3 * time.Second:         3,
	}
	for in, want := range cases {
		if got := retryAfterSeconds(in); got != want {
			t.Fatalf("retryAfterSeconds(%v): expected %d, got: %d", in, want, got)
		}
	}
}

type stubProvider struct {
	req  ChatRequest
	resp *ChatResponse
	err  error
}

func (s *stubProvider) Chat(_ context.Context, req ChatRequest) (*ChatResponse, error) {
	s.req = req
	return s.resp, s.err
}
func (s *stubProvider) DefaultModel() string { return "stub" }
func (s *stubProvider) Name() string         { return "stub" }

func TestResponder_BuildsPrompt(t *testing.T) {
	sp := &stubProvider{resp: &ChatResponse{Content: "  Temos três planos.  "}}
	r := NewResponder(sp, ResponderConfig{SystemPrompt: "Você é um assistente.", MaxTokens: 256, Temperature: 0.3})

	reply, err := r.Generate(context.Background(), "oi queria saber sobre planos", "User: oi\nAssistant: Olá!")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply != "Temos três planos." {
		t.Fatalf("expected trimmed reply, got: %q", reply)
	}

	msgs := sp.req.Messages
	if len(msgs) != 2 || msgs[0].Role != "system" || msgs[1].Role != "user" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	if !strings.Contains(msgs[0].Content, "Conversation history:\nUser: oi") {
		t.Fatalf("expected history in system prompt, got: %q", msgs[0].Content)
	}
	if msgs[1].Content != "oi queria saber sobre planos" {
		t.Fatalf("unexpected user turn: %q", msgs[1].Content)
	}
	if sp.req.MaxTokens != 256 || sp.req.Temperature == nil || *sp.req.Temperature != 0.3 {
		t.Fatalf("unexpected options: %+v", sp.req)
	}
}

func TestResponder_NoSystemWithoutPromptOrHistory(t *testing.T) {
	sp := &stubProvider{resp: &ChatResponse{Content: "ok"}}
	r := NewResponder(sp, ResponderConfig{})
	if _, err := r.Generate(context.Background(), "oi", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sp.req.Messages) != 1 {
		t.Fatalf("expected only the user turn, got: %+v", sp.req.Messages)
	}
}

func TestResponder_Errors(t *testing.T) {
	r := NewResponder(&stubProvider{err: errors.New("boom")}, ResponderConfig{})
	if _, err := r.Generate(context.Background(), "oi", ""); err == nil {
		t.Fatal("expected provider error")
	}

	r = NewResponder(&stubProvider{resp: &ChatResponse{Content: "   "}}, ResponderConfig{})
	if _, err := r.Generate(context.Background(), "oi", ""); err == nil {
		t.Fatal("expected empty completion to be an error")
	}
}
