package providers

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

// ResponderConfig shapes the prompt sent for each coalesced burst.
type ResponderConfig struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
	Temperature  float64
}

// Responder generates a reply for a coalesced user message through a
// Provider. The rendered conversation history is appended to the system
// prompt; the coalesced input is the single user turn.
type Responder struct {
	provider Provider
	cfg      ResponderConfig
}

func NewResponder(p Provider, cfg ResponderConfig) *Responder {
	return &Responder{provider: p, cfg: cfg}
}

// Generate returns the assistant reply. An empty completion is an error so
// the caller can fall back.
func (r *Responder) Generate(ctx context.Context, input, history string) (string, error) {
	req := ChatRequest{
		Messages: r.buildMessages(input, history),
		Model:    r.cfg.Model,
	}
	if r.cfg.MaxTokens > 0 {
		req.MaxTokens = r.cfg.MaxTokens
	}
	if r.cfg.Temperature > 0 {
		t := r.cfg.Temperature
		req.Temperature = &t
	}

	resp, err := r.provider.Chat(ctx, req)
	if err != nil {
		return "", fmt.Errorf("responder: %w", err)
	}
	if resp.FinishReason == "length" {
		slog.Warn("responder: completion truncated by max_tokens", "provider", r.provider.Name())
	}

	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", fmt.Errorf("responder: %s returned an empty completion", r.provider.Name())
	}
	return reply, nil
}

func (r *Responder) buildMessages(input, history string) []Message {
	var system strings.Builder
	system.WriteString(strings.TrimSpace(r.cfg.SystemPrompt))
	if h := strings.TrimSpace(history); h != "" {
		if system.Len() > 0 {
			system.WriteString("\n\n")
		}
		system.WriteString("Conversation history:\n")
		system.WriteString(h)
	}

	msgs := make([]Message, 0, 2)
	if system.Len() > 0 {
		msgs = append(msgs, Message{Role: "system", Content: system.String()})
	}
	return append(msgs, Message{Role: "user", Content: input})
}
