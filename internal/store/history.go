// Package store persists conversation turns and renders them as the history
// context handed to the responder.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Roles of a persisted turn.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// DefaultWindow is the number of most recent turns rendered into history.
const DefaultWindow = 50

var ErrNotFound = errors.New("store: not found")

// Turn is one persisted message of a conversation.
type Turn struct {
	ID        string    `json:"id"`
	Identity  string    `json:"identity"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// TurnStore is a history backend.
type TurnStore interface {
	// AppendTurn persists t. ID and CreatedAt are filled in when empty.
	AppendTurn(ctx context.Context, t Turn) error
	// RecentTurns returns up to limit most recent turns in chronological
	// order. limit <= 0 returns all turns.
	RecentTurns(ctx context.Context, identity string, limit int) ([]Turn, error)
	// Prune keeps the keepLast most recent turns of every identity and
	// returns how many turns were removed.
	Prune(ctx context.Context, keepLast int) (int, error)
	Close() error
}

// Labels are the speaker prefixes used when rendering history.
type Labels struct {
	User      string
	Assistant string
}

// DefaultLabels returns the "User"/"Assistant" labels.
func DefaultLabels() Labels {
	return Labels{User: "User", Assistant: "Assistant"}
}

// History adapts a TurnStore to the relay's history contract: Append writes a
// turn, Read renders the last Window turns as "<label>: <text>" lines.
type History struct {
	backend TurnStore
	window  int
	labels  Labels
}

// NewHistory creates a History over backend. window <= 0 uses DefaultWindow;
// empty labels take the defaults.
func NewHistory(backend TurnStore, window int, labels Labels) *History {
	if window <= 0 {
		window = DefaultWindow
	}
	def := DefaultLabels()
	if labels.User == "" {
		labels.User = def.User
	}
	if labels.Assistant == "" {
		labels.Assistant = def.Assistant
	}
	return &History{backend: backend, window: window, labels: labels}
}

// Backend returns the underlying TurnStore.
func (h *History) Backend() TurnStore { return h.backend }

func (h *History) Append(ctx context.Context, identity, role, text string) error {
	if identity == "" {
		return errors.New("store: empty identity")
	}
	if role != RoleUser && role != RoleAssistant {
		return fmt.Errorf("store: unknown role %q", role)
	}
	return h.backend.AppendTurn(ctx, Turn{
		Identity: identity,
		Role:     role,
		Content:  text,
	})
}

func (h *History) Read(ctx context.Context, identity string) (string, error) {
	turns, err := h.backend.RecentTurns(ctx, identity, h.window)
	if err != nil {
		return "", fmt.Errorf("store: read history: %w", err)
	}
	return Render(turns, h.labels), nil
}

// Render formats turns one per line, oldest first.
func Render(turns []Turn, labels Labels) string {
	var sb strings.Builder
	for i, t := range turns {
		if i > 0 {
			sb.WriteByte('\n')
		}
		label := labels.User
		if t.Role == RoleAssistant {
			label = labels.Assistant
		}
		sb.WriteString(label)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
	}
	return sb.String()
}

// Tail returns the last n turns of turns (all when n <= 0).
func Tail(turns []Turn, n int) []Turn {
	if n <= 0 || len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}
