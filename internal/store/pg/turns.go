// Package pg is the Postgres history backend. The schema is owned by the
// migrations directory and applied with `chatrelay migrate up`.
package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

// PGTurnStore implements store.TurnStore backed by Postgres.
type PGTurnStore struct {
	db *sql.DB
}

func NewPGTurnStore(db *sql.DB) *PGTurnStore {
	return &PGTurnStore{db: db}
}

func (s *PGTurnStore) AppendTurn(ctx context.Context, t store.Turn) error {
	id := uuid.Must(uuid.NewV7())
	if t.ID != "" {
		parsed, err := uuid.Parse(t.ID)
		if err != nil {
			return fmt.Errorf("pg store: turn id: %w", err)
		}
		id = parsed
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, identity, role, content, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id, t.Identity, t.Role, t.Content, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("pg store: append turn: %w", err)
	}
	return nil
}

func (s *PGTurnStore) RecentTurns(ctx context.Context, identity string, limit int) ([]store.Turn, error) {
	query := `SELECT id, identity, role, content, created_at FROM conversation_turns
		WHERE identity = $1 ORDER BY seq DESC`
	args := []any{identity}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pg store: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []store.Turn
	for rows.Next() {
		var (
			t  store.Turn
			id uuid.UUID
		)
		if err := rows.Scan(&id, &t.Identity, &t.Role, &t.Content, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("pg store: scan turn: %w", err)
		}
		t.ID = id.String()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pg store: recent turns: %w", err)
	}

	// Newest first from the query; callers want chronological order.
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *PGTurnStore) Prune(ctx context.Context, keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_turns t
		USING (
			SELECT seq, ROW_NUMBER() OVER (PARTITION BY identity ORDER BY seq DESC) AS rn
			FROM conversation_turns
		) ranked
		WHERE t.seq = ranked.seq AND ranked.rn > $1`, keepLast)
	if err != nil {
		return 0, fmt.Errorf("pg store: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PGTurnStore) Close() error {
	return s.db.Close()
}
