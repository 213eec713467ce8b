// Package sqlite is a single-node history backend on an embedded SQLite
// database (pure Go driver, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversation_turns (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	id         TEXT NOT NULL UNIQUE,
	identity   TEXT NOT NULL,
	role       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conversation_turns_identity ON conversation_turns (identity, seq);
`

// TurnStore implements store.TurnStore on SQLite.
type TurnStore struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*TurnStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite store: create directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open: %w", err)
	}
	// SQLite allows one writer; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: ping: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}
	return &TurnStore{db: db, path: path}, nil
}

func (s *TurnStore) AppendTurn(ctx context.Context, t store.Turn) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_turns (id, identity, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.Identity, t.Role, t.Content, t.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite store: append turn: %w", err)
	}
	return nil
}

func (s *TurnStore) RecentTurns(ctx context.Context, identity string, limit int) ([]store.Turn, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity, role, content, created_at FROM conversation_turns
		 WHERE identity = ? ORDER BY seq DESC LIMIT ?`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: recent turns: %w", err)
	}
	defer rows.Close()

	var turns []store.Turn
	for rows.Next() {
		var (
			t  store.Turn
			ns int64
		)
		if err := rows.Scan(&t.ID, &t.Identity, &t.Role, &t.Content, &ns); err != nil {
			return nil, fmt.Errorf("sqlite store: scan turn: %w", err)
		}
		t.CreatedAt = time.Unix(0, ns).UTC()
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: recent turns: %w", err)
	}

	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *TurnStore) Prune(ctx context.Context, keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM conversation_turns WHERE seq IN (
			SELECT seq FROM (
				SELECT seq, ROW_NUMBER() OVER (PARTITION BY identity ORDER BY seq DESC) AS rn
				FROM conversation_turns
			) WHERE rn > ?
		)`, keepLast)
	if err != nil {
		return 0, fmt.Errorf("sqlite store: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *TurnStore) Close() error {
	return s.db.Close()
}
