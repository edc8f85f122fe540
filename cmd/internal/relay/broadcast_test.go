package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	v1 "courier/shared/contracts/relay/v1"
)

func newTestEngine(t *testing.T) (*Engine, *Registry, *OfflineQueue, *Buffer) {
	t.Helper()

	log := testLogger()
	registry := NewRegistry(log, nil)
	offline := NewOfflineQueue(log, nil, 0)
	dir := NewMemoryDirectory()
	dir.SetChat("chat-1", "user-a", "user-b", "user-c")
	buffer := NewBuffer(log, nil, NewMemoryStore(), dir, nil, BufferConfig{})
	return NewEngine(log, nil, registry, offline, buffer), registry, offline, buffer
}

func recvEvent(t *testing.T, c *Client) v1.NewMessageEvent {
	t.Helper()

	select {
	case raw := <-c.Send:
		var ev v1.NewMessageEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		return ev
	default:
		t.Fatalf("expected a queued event for session %s", c.SessionID)
		return v1.NewMessageEvent{}
	}
}

func TestEngine_PublishStampsAndBuffers(t *testing.T) {
	t.Parallel()

	e, _, _, buffer := newTestEngine(t)

	msg, _ := e.Publish(context.Background(), Message{
		ChatID:   "chat-1",
		SenderID: "user-a",
		Content:  "hello",
	}, "a@example.com", nil)

	if msg.ID == "" {
		t.Fatalf("expected an assigned message id")
	}
	if msg.InsertedAt.IsZero() {
		t.Fatalf("expected an assigned timestamp")
	}
	if got := buffer.Len(); got != 1 {
		t.Fatalf("expected message buffered for persistence, got %d", got)
	}
}

func TestEngine_PublishFanOut(t *testing.T) {
	t.Parallel()

	e, registry, offline, _ := newTestEngine(t)

	sender := NewClient("user-a", "a@example.com", "sess-a", 0)
	online := NewClient("user-b", "b@example.com", "sess-b", 0)
	registry.Register(sender)
	registry.Register(online)

	msg, report := e.Publish(context.Background(), Message{
		ChatID:   "chat-1",
		SenderID: "user-a",
		Content:  "hello",
	}, "a@example.com", []string{"user-a", "user-b", "user-c"})

	if report.Notified != 2 {
		t.Fatalf("expected sender and user-b notified, got %d", report.Notified)
	}
	if report.QueuedOffline != 1 {
		t.Fatalf("expected user-c queued offline, got %d", report.QueuedOffline)
	}

	ev := recvEvent(t, online)
	if ev.Type != v1.TypeNewMessage || ev.ID != msg.ID || ev.SenderEmail != "a@example.com" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	// The sender hears its own message even though it appears in members.
	echo := recvEvent(t, sender)
	if echo.ID != msg.ID {
		t.Fatalf("expected sender echo of %s, got %+v", msg.ID, echo)
	}
	if got := len(sender.Send); got != 0 {
		t.Fatalf("expected exactly one echo, %d more queued", got)
	}

	queued := offline.Drain("user-c")
	if len(queued) != 1 || queued[0].ID != msg.ID {
		t.Fatalf("expected offline copy for user-c, got %v", queued)
	}
	if got := offline.Len("user-a"); got != 0 {
		t.Fatalf("sender must never be queued offline, got %d", got)
	}
}

func TestEngine_PublishDropsDeadConnections(t *testing.T) {
	t.Parallel()

	e, registry, offline, _ := newTestEngine(t)

	dead := NewClient("user-b", "b@example.com", "sess-dead", 0)
	registry.Register(dead)
	dead.Close()

	_, report := e.Publish(context.Background(), Message{
		ChatID:   "chat-1",
		SenderID: "user-a",
		Content:  "hello",
	}, "a@example.com", []string{"user-b"})

	if report.Notified != 0 {
		t.Fatalf("expected no live delivery, got %d", report.Notified)
	}
	if got := offline.Len("user-b"); got != 1 {
		t.Fatalf("expected offline fallback for user-b, got %d", got)
	}
	if got := len(registry.LiveConnections("user-b")); got != 0 {
		t.Fatalf("expected dead connection pruned, got %d", got)
	}
}

func TestEngine_PublishBackpressureFallsBackToOffline(t *testing.T) {
	t.Parallel()

	e, registry, offline, _ := newTestEngine(t)

	slow := NewClient("user-b", "b@example.com", "sess-slow", minSendQueueSize)
	registry.Register(slow)
	for i := 0; i < cap(slow.Send); i++ {
		slow.Send <- []byte("{}")
	}

	_, report := e.Publish(context.Background(), Message{
		ChatID:   "chat-1",
		SenderID: "user-a",
		Content:  "hello",
	}, "a@example.com", []string{"user-b"})

	if report.Notified != 0 {
		t.Fatalf("expected saturated connection to miss delivery, got %d", report.Notified)
	}
	if got := offline.Len("user-b"); got != 1 {
		t.Fatalf("expected offline fallback under backpressure, got %d", got)
	}
}

func TestEngine_PublishCanceledContextSkipsLiveDelivery(t *testing.T) {
	t.Parallel()

	e, registry, offline, buffer := newTestEngine(t)

	online := NewClient("user-b", "b@example.com", "sess-b", 0)
	registry.Register(online)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	msg, report := e.Publish(ctx, Message{
		ChatID:   "chat-1",
		SenderID: "user-a",
		Content:  "hello",
	}, "a@example.com", []string{"user-b"})

	if report.Notified != 0 {
		t.Fatalf("expected no live delivery after cancellation, got %d", report.Notified)
	}
	if got := len(online.Send); got != 0 {
		t.Fatalf("expected nothing queued on the live connection, got %d", got)
	}

	// Durability is unaffected: the message is buffered and the live member is
	// diverted offline so a reconnect still delivers it.
	if got := buffer.Len(); got != 1 {
		t.Fatalf("expected message buffered, got %d", got)
	}
	queued := offline.Drain("user-b")
	if len(queued) != 1 || queued[0].ID != msg.ID {
		t.Fatalf("expected offline copy for user-b, got %v", queued)
	}
}

func TestEngine_PublishKeepsCallerTimestamp(t *testing.T) {
	t.Parallel()

	e, _, _, _ := newTestEngine(t)

	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	msg, _ := e.Publish(context.Background(), Message{
		ID:         "m-fixed",
		ChatID:     "chat-1",
		SenderID:   "user-a",
		Content:    "hello",
		InsertedAt: at,
	}, "a@example.com", nil)

	if msg.ID != "m-fixed" || !msg.InsertedAt.Equal(at) {
		t.Fatalf("expected caller id and timestamp preserved, got %+v", msg)
	}
}
