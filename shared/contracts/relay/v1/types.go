// Package v1 defines the Courier Relay Protocol v1 contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
//
// The protocol is flat JSON: every frame carries a "type" discriminator and
// type-specific fields at the top level. There is no envelope.
package v1

import "time"

// Type constants (wire-stable).
const (
	// TypeJoin subscribes the connection to a chat (client -> server).
	TypeJoin = "join"
	// TypeJoinedChat confirms a join (server -> client).
	TypeJoinedChat = "joined_chat"

	// TypeNewMessage is both the publish request (client -> server, chat_id +
	// content) and the fan-out event (server -> client, full message fields).
	TypeNewMessage = "new_message"
	// TypeMessageSent acknowledges a publish with the assigned id (server -> client).
	TypeMessageSent = "message_sent"

	// TypePing is an application-level health check (client -> server).
	TypePing = "ping"
	// TypePong answers a ping (server -> client).
	TypePong = "pong"

	// TypeGetChatStatus requests this connection's view of a chat (client -> server).
	TypeGetChatStatus = "get_chat_status"
	// TypeChatStatus answers a status request (server -> client).
	TypeChatStatus = "chat_status"

	// TypeDebugInfo requests connection/registry diagnostics (client -> server)
	// and names the reply (server -> client).
	TypeDebugInfo = "debug_info"

	// TypeError is the generic request-scoped error reply (server -> client).
	// It never implies the connection is being closed.
	TypeError = "error"
)

// ClientFrame is the inbound frame shape. Unused fields are zero for types
// that do not need them.
type ClientFrame struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id,omitempty"`
	Content string `json:"content,omitempty"`
}

// JoinedChatEvent confirms a chat subscription.
type JoinedChatEvent struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id"`
	Success bool   `json:"success"`
}

// MessageSentEvent acknowledges a publish and returns the assigned message id.
type MessageSentEvent struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id"`
	Success   bool   `json:"success"`
}

// NewMessageEvent is the fan-out event delivered to chat members.
type NewMessageEvent struct {
	Type        string    `json:"type"`
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	SenderEmail string    `json:"sender_email,omitempty"`
	Content     string    `json:"content"`
	InsertedAt  time.Time `json:"inserted_at"`
}

// PongEvent answers a ping with the server's current time (unix milliseconds).
type PongEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// ChatStatusEvent reports whether this connection is subscribed to a chat and
// how many connections are.
type ChatStatusEvent struct {
	Type        string `json:"type"`
	ChatID      string `json:"chat_id"`
	InRoom      bool   `json:"in_room"`
	RoomMembers int    `json:"room_members"`
}

// DebugChat is one chat this connection is subscribed to.
type DebugChat struct {
	ChatID  string `json:"chat_id"`
	Members int    `json:"members"`
}

// DebugData carries connection identity plus aggregate registry sizes.
type DebugData struct {
	UserID      string      `json:"user_id"`
	UserEmail   string      `json:"user_email"`
	UserChats   []DebugChat `json:"user_chats"`
	ActiveChats []string    `json:"active_chats"`
	TotalUsers  int         `json:"total_users"`
	TotalRooms  int         `json:"total_rooms"`
}

// DebugInfoEvent is the diagnostics reply.
type DebugInfoEvent struct {
	Type string    `json:"type"`
	Data DebugData `json:"data"`
}

// ErrorEvent is a request-scoped error reply.
type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}
