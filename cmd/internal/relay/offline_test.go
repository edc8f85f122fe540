package relay

import (
	"testing"
	"time"
)

func offlineMsg(id string) Message {
	return Message{
		ID:         id,
		ChatID:     "chat-1",
		SenderID:   "user-s",
		Content:    "hello",
		InsertedAt: time.Now().UTC(),
	}
}

func TestOfflineQueue_DrainFIFOOnce(t *testing.T) {
	t.Parallel()

	q := NewOfflineQueue(testLogger(), nil, 0)

	q.Enqueue("user-a", offlineMsg("m1"))
	q.Enqueue("user-a", offlineMsg("m2"))
	q.Enqueue("user-b", offlineMsg("m3"))

	if got := q.Len("user-a"); got != 2 {
		t.Fatalf("expected 2 queued for user-a, got %d", got)
	}

	drained := q.Drain("user-a")
	if len(drained) != 2 || drained[0].ID != "m1" || drained[1].ID != "m2" {
		t.Fatalf("expected FIFO drain [m1 m2], got %v", drained)
	}

	if again := q.Drain("user-a"); again != nil {
		t.Fatalf("expected second drain to be empty, got %v", again)
	}
	if got := q.Len("user-b"); got != 1 {
		t.Fatalf("expected user-b queue untouched, got %d", got)
	}
	if got := q.Users(); len(got) != 1 || got[0] != "user-b" {
		t.Fatalf("expected only user-b left with a queue, got %v", got)
	}
}

func TestOfflineQueue_DrainUnknownUser(t *testing.T) {
	t.Parallel()

	q := NewOfflineQueue(testLogger(), nil, 0)
	if got := q.Drain("user-none"); got != nil {
		t.Fatalf("expected nil drain, got %v", got)
	}
}

func TestOfflineQueue_OverflowDropsOldest(t *testing.T) {
	t.Parallel()

	q := NewOfflineQueue(testLogger(), nil, 2)

	q.Enqueue("user-a", offlineMsg("m1"))
	q.Enqueue("user-a", offlineMsg("m2"))
	q.Enqueue("user-a", offlineMsg("m3"))

	drained := q.Drain("user-a")
	if len(drained) != 2 || drained[0].ID != "m2" || drained[1].ID != "m3" {
		t.Fatalf("expected oldest dropped, kept [m2 m3], got %v", drained)
	}
}
