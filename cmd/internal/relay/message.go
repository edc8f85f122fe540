// Package relay contains Courier's realtime core: the connection registry,
// broadcast fan-out, offline delivery queue, and the durable write-back
// buffer that feeds the message store.
package relay

import (
	"strings"
	"time"
)

// Message is the canonical relayed message. It is immutable once published;
// ID is the deduplication key across the buffer, the offline queue, and the
// durable store.
type Message struct {
	ID         string    `json:"id"`
	ChatID     string    `json:"chat_id"`
	SenderID   string    `json:"sender_id"`
	Content    string    `json:"content"`
	InsertedAt time.Time `json:"inserted_at"`
}

// Valid reports whether the message carries every required field.
func (m Message) Valid() bool {
	return m.ID != "" &&
		m.ChatID != "" &&
		m.SenderID != "" &&
		strings.TrimSpace(m.Content) != ""
}
