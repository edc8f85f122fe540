package relay

import "context"

// MessageStore is the durable system of record for messages.
//
// Requirements:
//   - InsertBatch is all-or-nothing per batch.
//   - Inserting an id that already exists is a no-op (at-least-once upstream,
//     dedupe by id here).
//   - History is ordered by inserted_at ASC.
type MessageStore interface {
	InsertBatch(ctx context.Context, msgs []Message) error
	History(ctx context.Context, chatID string, limit int) ([]Message, error)
	Close() error
}

// Directory is the membership boundary: who is in a chat, and which chats
// still exist. Backed by the relational store in production; the relay never
// mutates it.
type Directory interface {
	// Members returns the user ids belonging to chatID (sender included).
	Members(ctx context.Context, chatID string) ([]string, error)
	// ExistingChats returns the subset of ids that refer to live chats.
	ExistingChats(ctx context.Context, ids []string) (map[string]struct{}, error)
}
