package relay

import (
	"log/slog"
	"sort"
	"sync"
)

// Registry maps users to their live connections and chats to their subscriber
// sets. It is pure in-memory bookkeeping, owned by whoever constructs it (no
// ambient singleton), and safe for concurrent use.
//
// Invariant: a client present in any chat set is also present in its user set;
// Unregister removes both together and prunes empty sets.
type Registry struct {
	log     *slog.Logger
	metrics *Metrics

	mu      sync.RWMutex
	byUser  map[string]map[*Client]struct{}
	byChat  map[string]map[*Client]struct{}
	chatsOf map[*Client]map[string]struct{}
}

// NewRegistry constructs an empty Registry.
func NewRegistry(log *slog.Logger, metrics *Metrics) *Registry {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Registry{
		log:     log,
		metrics: metrics,
		byUser:  make(map[string]map[*Client]struct{}),
		byChat:  make(map[string]map[*Client]struct{}),
		chatsOf: make(map[*Client]map[string]struct{}),
	}
}

// Register adds a connection to its user's set. Registering the same client
// twice is a no-op.
func (r *Registry) Register(c *Client) {
	if r == nil || c == nil || c.UserID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.byUser[c.UserID]
	if set == nil {
		set = make(map[*Client]struct{})
		r.byUser[c.UserID] = set
		r.metrics.Users.Inc()
	}
	if _, ok := set[c]; ok {
		return
	}
	set[c] = struct{}{}
	r.chatsOf[c] = make(map[string]struct{})
	r.metrics.Connections.Inc()

	r.log.Info("registry.conn.register", "user_id", c.UserID, "session_id", c.SessionID)
}

// Subscribe adds a registered connection to a chat's subscriber set.
// Repeated subscribe is a no-op; unregistered clients are ignored.
func (r *Registry) Subscribe(chatID string, c *Client) {
	if r == nil || c == nil || chatID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	chats, ok := r.chatsOf[c]
	if !ok {
		return
	}
	if _, ok := chats[chatID]; ok {
		return
	}

	set := r.byChat[chatID]
	if set == nil {
		set = make(map[*Client]struct{})
		r.byChat[chatID] = set
		r.metrics.Chats.Inc()
	}
	set[c] = struct{}{}
	chats[chatID] = struct{}{}

	r.log.Info("registry.chat.subscribe", "chat_id", chatID, "user_id", c.UserID, "session_id", c.SessionID)
}

// Unregister removes a connection from its user's set and from every chat
// subscriber set it belongs to, pruning now-empty sets. Idempotent.
func (r *Registry) Unregister(c *Client) {
	if r == nil || c == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	chats, ok := r.chatsOf[c]
	if !ok {
		return
	}
	delete(r.chatsOf, c)

	for chatID := range chats {
		set := r.byChat[chatID]
		delete(set, c)
		if len(set) == 0 {
			delete(r.byChat, chatID)
			r.metrics.Chats.Dec()
		}
	}

	if set := r.byUser[c.UserID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(r.byUser, c.UserID)
			r.metrics.Users.Dec()
		}
	}
	r.metrics.Connections.Dec()

	r.log.Info("registry.conn.unregister", "user_id", c.UserID, "session_id", c.SessionID)
}

// LiveConnections returns the user's live connections at this instant.
func (r *Registry) LiveConnections(userID string) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byUser[userID]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

// IsSubscribed reports whether the connection is in the chat's subscriber set.
func (r *Registry) IsSubscribed(chatID string, c *Client) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byChat[chatID][c]
	return ok
}

// SubscriberCount returns the number of connections subscribed to a chat.
func (r *Registry) SubscriberCount(chatID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byChat[chatID])
}

// ChatsOf returns the sorted chat ids this connection is subscribed to.
func (r *Registry) ChatsOf(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chats := r.chatsOf[c]
	if len(chats) == 0 {
		return nil
	}
	out := make([]string, 0, len(chats))
	for id := range chats {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// UserCount returns the number of users with at least one live connection.
func (r *Registry) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

// ChatCount returns the number of chats with at least one subscriber.
func (r *Registry) ChatCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChat)
}

// ChatIDs returns every chat with at least one subscriber, sorted.
func (r *Registry) ChatIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.byChat) == 0 {
		return nil
	}
	out := make([]string, 0, len(r.byChat))
	for id := range r.byChat {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clients snapshots every registered connection (liveness sweep input).
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.chatsOf))
	for c := range r.chatsOf {
		out = append(out, c)
	}
	return out
}
