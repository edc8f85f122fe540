package relay

import (
	"context"
	"sync"
)

// MemoryDirectory is the in-memory Directory used when no database is
// configured. Chats and members are managed by whoever wires it (tests, dev
// seeding).
type MemoryDirectory struct {
	mu    sync.RWMutex
	chats map[string][]string
}

// NewMemoryDirectory constructs an empty MemoryDirectory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{chats: make(map[string][]string)}
}

// SetChat creates or replaces a chat and its member list.
func (d *MemoryDirectory) SetChat(chatID string, members ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.chats[chatID] = append([]string(nil), members...)
}

// DeleteChat removes a chat, simulating deletion in the relational store.
func (d *MemoryDirectory) DeleteChat(chatID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.chats, chatID)
}

// Members returns the chat's member user ids. Unknown chats have no members.
func (d *MemoryDirectory) Members(ctx context.Context, chatID string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.chats[chatID]...), nil
}

// ExistingChats returns the subset of ids that refer to known chats.
func (d *MemoryDirectory) ExistingChats(ctx context.Context, ids []string) (map[string]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := d.chats[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out, nil
}
