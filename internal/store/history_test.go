package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type memTurns struct {
	turns   []Turn
	readErr error
}

func (m *memTurns) AppendTurn(_ context.Context, t Turn) error {
	m.turns = append(m.turns, t)
	return nil
}

func (m *memTurns) RecentTurns(_ context.Context, identity string, limit int) ([]Turn, error) {
	if m.readErr != nil {
		return nil, m.readErr
	}
	var out []Turn
	for _, t := range m.turns {
		if t.Identity == identity {
			out = append(out, t)
		}
	}
	return Tail(out, limit), nil
}

func (m *memTurns) Prune(context.Context, int) (int, error) { return 0, nil }
func (m *memTurns) Close() error { return nil }

func TestHistory_AppendAndRead(t *testing.T) {
	backend := &memTurns{}
	h := NewHistory(backend, 0, Labels{})
	ctx := context.Background()

	if err := h.Append(ctx, "5511987654321", RoleUser, "oi queria saber sobre planos"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := h.Append(ctx, "5511987654321", RoleAssistant, "Temos três planos."); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := h.Append(ctx, "5521900000000", RoleUser, "outra conversa"); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := h.Read(ctx, "5511987654321")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "User: oi queria saber sobre planos\nAssistant: Temos três planos."
	if got != want {
		t.Fatalf("expected %q, got: %q", want, got)
	}
}

func TestHistory_Window(t *testing.T) {
	backend := &memTurns{}
	h := NewHistory(backend, 3, Labels{User: "Cliente", Assistant: "Atendente"})
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		role := RoleUser
		if i%2 == 0 {
			role = RoleAssistant
		}
		if err := h.Append(ctx, "id", role, fmt.Sprintf("m%d", i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := h.Read(ctx, "id")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := "Cliente: m3\nAtendente: m4\nCliente: m5"
	if got != want {
		t.Fatalf("expected %q, got: %q", want, got)
	}
}

func TestHistory_ReadEmpty(t *testing.T) {
	h := NewHistory(&memTurns{}, 0, Labels{})
	got, err := h.Read(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty history, got: %q", got)
	}
}

func TestHistory_Validation(t *testing.T) {
	h := NewHistory(&memTurns{}, 0, Labels{})
	if err := h.Append(context.Background(), "", RoleUser, "x"); err == nil {
		t.Fatal("expected error for empty identity")
	}
	if err := h.Append(context.Background(), "id", "system", "x"); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestHistory_ReadError(t *testing.T) {
	boom := errors.New("boom")
	h := NewHistory(&memTurns{readErr: boom}, 0, Labels{})
	if _, err := h.Read(context.Background(), "id"); !errors.Is(err, boom) {
		t.Fatalf("expected wrapped backend error, got: %v", err)
	}
}

func TestTail(t *testing.T) {
	turns := []Turn{{Content: "a"}, {Content: "b"}, {Content: "c"}}
	if got := Tail(turns, 2); len(got) != 2 || got[0].Content != "b" {
		t.Fatalf("unexpected tail: %+v", got)
	}
	if got := Tail(turns, 0); len(got) != 3 {
		t.Fatalf("expected all turns, got: %d", len(got))
	}
	if got := Tail(turns, 10); len(got) != 3 {
		t.Fatalf("expected all turns, got: %d", len(got))
	}
}

func TestValidateSchedule(t *testing.T) {
	if err := ValidateSchedule(DefaultRetentionSchedule); err != nil {
		t.Fatalf("default schedule: %v", err)
	}
	if err := ValidateSchedule("not a cron"); err == nil {
		t.Fatal("expected invalid schedule error")
	}
}

func TestRunRetention_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- RunRetention(ctx, &memTurns{}, RetentionPolicy{Schedule: "0 3 * * *", KeepLast: 10})
	}()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunRetention did not return after cancel")
	}
}

func TestRunRetention_InvalidSchedule(t *testing.T) {
	err := RunRetention(context.Background(), &memTurns{}, RetentionPolicy{Schedule: "bogus", KeepLast: 10})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}
