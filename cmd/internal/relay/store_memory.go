package relay

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore is the in-memory MessageStore used when no database is
// configured (dev/CI). Inserts dedupe by message id like the real store.
type MemoryStore struct {
	mu     sync.Mutex
	byChat map[string][]Message
	seen   map[string]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byChat: make(map[string][]Message),
		seen:   make(map[string]struct{}),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

// InsertBatch stores every message in the batch, skipping ids seen before.
func (s *MemoryStore) InsertBatch(ctx context.Context, msgs []Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if !m.Valid() {
			return errors.New("relay: invalid message in batch")
		}
		if _, ok := s.seen[m.ID]; ok {
			continue
		}
		s.seen[m.ID] = struct{}{}
		s.byChat[m.ChatID] = append(s.byChat[m.ChatID], m)
	}
	return nil
}

// History returns up to limit of the chat's most recent messages, ordered by
// inserted_at ASC.
func (s *MemoryStore) History(ctx context.Context, chatID string, limit int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if chatID == "" {
		return nil, errors.New("relay: missing chat_id")
	}
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	snap := append([]Message(nil), s.byChat[chatID]...)
	s.mu.Unlock()

	sort.Slice(snap, func(i, j int) bool { return snap[i].InsertedAt.Before(snap[j].InsertedAt) })
	if len(snap) > limit {
		snap = snap[len(snap)-limit:]
	}
	return snap, nil
}

// Len returns the total number of stored messages.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
