package pg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// Runs against a real database when CHATRELAY_TEST_POSTGRES_DSN is set.
func openTestStore(t *testing.T) *PGTurnStore {
	t.Helper()
	dsn := os.Getenv("CHATRELAY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHATRELAY_TEST_POSTGRES_DSN not set")
	}
	db, err := OpenDB(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	schema, err := os.ReadFile("../../../migrations/000001_conversation_turns.up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	s := NewPGTurnStore(db)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPGTurnStore_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	identity := "test-" + uuid.NewString()[:8]
	t.Cleanup(func() {
		s.db.Exec(`DELETE FROM conversation_turns WHERE identity = $1`, identity)
	})

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i, content := range []string{"oi", "olá! como posso ajudar?", "queria saber sobre planos"} {
		role := store.RoleUser
		if i == 1 {
			role = store.RoleAssistant
		}
		err := s.AppendTurn(ctx, store.Turn{Identity: identity, Role: role, Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	turns, err := s.RecentTurns(ctx, identity, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(turns) != 2 || turns[0].Content != "olá! como posso ajudar?" || turns[1].Content != "queria saber sobre planos" {
		t.Fatalf("expected last two turns in order, got: %+v", turns)
	}

	if _, err := s.Prune(ctx, 1); err != nil {
		t.Fatalf("prune: %v", err)
	}
	turns, _ = s.RecentTurns(ctx, identity, 0)
	if len(turns) != 1 || turns[0].Content != "queria saber sobre planos" {
		t.Fatalf("expected only the newest turn after prune, got: %+v", turns)
	}
}

func TestPGTurnStore_RejectsBadID(t *testing.T) {
	s := openTestStore(t)
	err := s.AppendTurn(context.Background(), store.Turn{ID: "not-a-uuid", Identity: "x", Role: store.RoleUser, Content: "x"})
	if err == nil {
		t.Fatal("expected error for non-uuid id")
	}
}
