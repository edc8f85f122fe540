package relay

import (
	"context"
	"sync"
	"sync/atomic"
)

// Client represents one connected websocket session.
//
// Design notes:
// - Send is intentionally NOT closed by the server to avoid panics from concurrent broadcasters.
// - done is used to signal goroutines to stop.
// - Close is idempotent.
// - Events on Send are pre-marshaled frames so one fan-out marshals once.
type Client struct {
	SessionID string
	UserID    string
	Email     string
	Send      chan []byte

	done      chan struct{}
	closeOnce sync.Once

	// alive tracks the answer to the most recent liveness probe.
	alive atomic.Bool

	// Installed by the gateway before the client is registered.
	probe func(ctx context.Context) error
	evict func(reason string)
}

// NewClient constructs a Client with a bounded send queue.
// A freshly accepted connection counts as alive.
func NewClient(userID, email, sessionID string, sendQueueSize int) *Client {
	if sendQueueSize < minSendQueueSize {
		sendQueueSize = defaultSendQueueSize
	}
	c := &Client{
		SessionID: sessionID,
		UserID:    userID,
		Email:     email,
		Send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
	}
	c.alive.Store(true)
	return c
}

// SetTransport installs the transport callbacks: probe sends a heartbeat and
// blocks until the peer answers or ctx expires; evict tears the session down.
// Must be called before the client is shared with the registry.
func (c *Client) SetTransport(probe func(ctx context.Context) error, evict func(reason string)) {
	c.probe = probe
	c.evict = evict
}

// Done returns a channel that is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
// It does NOT close Send to keep broadcast safe under concurrency.
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Alive reports whether the previous liveness probe was answered.
func (c *Client) Alive() bool { return c.alive.Load() }

// MarkAlive records an answered probe.
func (c *Client) MarkAlive() { c.alive.Store(true) }

// MarkUnanswered arms the next probe: the client stays suspect until the
// peer answers.
func (c *Client) MarkUnanswered() { c.alive.Store(false) }

// Probe sends a heartbeat over the transport. Without an installed transport
// it succeeds, so registry-only tests never self-evict.
func (c *Client) Probe(ctx context.Context) error {
	if c == nil || c.probe == nil {
		return nil
	}
	return c.probe(ctx)
}

// Evict forcibly tears the session down. Falls back to Close when no
// transport is installed.
func (c *Client) Evict(reason string) {
	if c == nil {
		return
	}
	if c.evict == nil {
		c.Close()
		return
	}
	c.evict(reason)
}
