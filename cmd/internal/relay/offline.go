package relay

import (
	"log/slog"
	"sort"
	"sync"
)

// OfflineQueue holds messages addressed to users with no live connection at
// broadcast time. Entries are kept in publish order and handed over exactly
// once when the user's next connection registers. Durability is the write-back
// buffer's job, not this queue's: drained messages are not retried from here.
type OfflineQueue struct {
	log     *slog.Logger
	metrics *Metrics

	// maxPerUser bounds each user's queue; 0 means unbounded.
	// When full, the oldest entry is dropped.
	maxPerUser int

	mu     sync.Mutex
	byUser map[string][]Message
}

// NewOfflineQueue constructs an OfflineQueue.
func NewOfflineQueue(log *slog.Logger, metrics *Metrics, maxPerUser int) *OfflineQueue {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if maxPerUser < 0 {
		maxPerUser = 0
	}
	return &OfflineQueue{
		log:        log,
		metrics:    metrics,
		maxPerUser: maxPerUser,
		byUser:     make(map[string][]Message),
	}
}

// Enqueue appends a message to the user's queue.
func (q *OfflineQueue) Enqueue(userID string, m Message) {
	if q == nil || userID == "" {
		return
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	queue := append(q.byUser[userID], m)
	if q.maxPerUser > 0 && len(queue) > q.maxPerUser {
		dropped := queue[0]
		queue = queue[1:]
		q.metrics.OfflineQueued.Dec()
		q.log.Warn("offline.queue.overflow",
			"user_id", userID, "dropped_id", dropped.ID, "max", q.maxPerUser)
	}
	q.byUser[userID] = queue
	q.metrics.OfflineQueued.Inc()
}

// Drain returns and clears the user's queued messages in FIFO order.
func (q *OfflineQueue) Drain(userID string) []Message {
	if q == nil || userID == "" {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	queue := q.byUser[userID]
	if len(queue) == 0 {
		return nil
	}
	delete(q.byUser, userID)
	q.metrics.OfflineQueued.Sub(float64(len(queue)))
	return queue
}

// Len returns the number of messages queued for a user.
func (q *OfflineQueue) Len(userID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.byUser[userID])
}

// Users returns the sorted ids of users with at least one queued message.
func (q *OfflineQueue) Users() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.byUser) == 0 {
		return nil
	}
	out := make([]string, 0, len(q.byUser))
	for id := range q.byUser {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
