// Package file is the default history backend: one JSON document per
// identity under a storage directory, cached in memory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/chatrelay/internal/store"
)

type conversation struct {
	Identity string       `json:"identity"`
	Turns    []store.Turn `json:"turns"`
	Updated  time.Time    `json:"updated"`
}

// TurnStore implements store.TurnStore on the local filesystem.
type TurnStore struct {
	dir   string
	mu    sync.RWMutex // held across disk writes so files never regress
	convs map[string]*conversation
}

// NewTurnStore opens (creating if needed) dir and loads existing conversations.
func NewTurnStore(dir string) (*TurnStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: create %s: %w", dir, err)
	}
	s := &TurnStore{dir: dir, convs: make(map[string]*conversation)}
	s.loadAll()
	return s, nil
}

func (s *TurnStore) AppendTurn(_ context.Context, t store.Turn) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[t.Identity]
	if !ok {
		c = &conversation{Identity: t.Identity}
		s.convs[t.Identity] = c
	}
	c.Turns = append(c.Turns, t)
	c.Updated = t.CreatedAt
	return s.save(c)
}

func (s *TurnStore) RecentTurns(_ context.Context, identity string, limit int) ([]store.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.convs[identity]
	if !ok {
		return nil, nil
	}
	tail := store.Tail(c.Turns, limit)
	out := make([]store.Turn, len(tail))
	copy(out, tail)
	return out, nil
}

func (s *TurnStore) Prune(_ context.Context, keepLast int) (int, error) {
	if keepLast <= 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for _, c := range s.convs {
		if len(c.Turns) <= keepLast {
			continue
		}
		removed += len(c.Turns) - keepLast
		c.Turns = append([]store.Turn(nil), c.Turns[len(c.Turns)-keepLast:]...)
		if err := s.save(c); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Identities returns every identity with stored turns.
func (s *TurnStore) Identities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.convs))
	for id := range s.convs {
		ids = append(ids, id)
	}
	return ids
}

func (s *TurnStore) Close() error { return nil }

// save writes c atomically: temp file, fsync, rename. Caller holds s.mu.
func (s *TurnStore) save(c *conversation) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	name := sanitizeFilename(c.Identity)
	if name == "" || name == "." || !filepath.IsLocal(name) {
		return fmt.Errorf("file store: invalid identity %q: %w", c.Identity, os.ErrInvalid)
	}
	path := filepath.Join(s.dir, name+".json")

	tmp, err := os.CreateTemp(s.dir, "history-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

func (s *TurnStore) loadAll() {
	files, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, f.Name()))
		if err != nil {
			continue
		}
		var c conversation
		if err := json.Unmarshal(data, &c); err != nil || c.Identity == "" {
			continue
		}
		s.convs[c.Identity] = &c
	}
}

func sanitizeFilename(identity string) string {
	return strings.NewReplacer(":", "_", "/", "_", `\`, "_", "@", "_").Replace(identity)
}
