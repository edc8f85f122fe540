package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	v1 "courier/shared/contracts/relay/v1"
)

// DeliveryReport summarizes one publish: how many unique users got at least
// one live delivery and how many were queued for offline delivery.
type DeliveryReport struct {
	Notified      int
	QueuedOffline int
}

// Engine fans published messages out to live connections, diverts them to the
// offline queue for absent members, and hands every message to the write-back
// buffer. Broadcast and persistence are independent paths: a slow store never
// blocks delivery and a dead connection never blocks persistence.
type Engine struct {
	log     *slog.Logger
	metrics *Metrics

	registry *Registry
	offline  *OfflineQueue
	buffer   *Buffer
}

// NewEngine constructs a broadcast Engine.
func NewEngine(log *slog.Logger, metrics *Metrics, registry *Registry, offline *OfflineQueue, buffer *Buffer) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Engine{
		log:      log,
		metrics:  metrics,
		registry: registry,
		offline:  offline,
		buffer:   buffer,
	}
}

// Publish accepts a message for relay. It assigns the id and timestamp if
// absent, buffers the message for persistence, then attempts delivery to every
// member's live connections, queueing offline where none exist. The sender's
// own connections always get a delivery attempt (other devices, own echo) and
// are never queued offline.
//
// Publish never fails: partial delivery problems are logged, and durability is
// the buffer's job. Canceling ctx stops further live delivery; members not yet
// attempted are queued offline so they still receive the message on reconnect.
func (e *Engine) Publish(ctx context.Context, msg Message, senderEmail string, members []string) (Message, DeliveryReport) {
	if msg.InsertedAt.IsZero() {
		msg.InsertedAt = time.Now().UTC()
	}
	if msg.ID == "" {
		id, err := NewMessageID(msg.InsertedAt)
		if err != nil {
			id = NewRandomHex(16)
		}
		msg.ID = id
	}

	// Durability path first: the message survives even if every send below fails.
	e.buffer.Append(msg)
	e.metrics.Published.Inc()

	event, err := json.Marshal(v1.NewMessageEvent{
		Type:        v1.TypeNewMessage,
		ID:          msg.ID,
		ChatID:      msg.ChatID,
		SenderID:    msg.SenderID,
		SenderEmail: senderEmail,
		Content:     msg.Content,
		InsertedAt:  msg.InsertedAt,
	})
	if err != nil {
		// Cannot happen for this payload; persistence already covers the message.
		e.log.Error("broadcast.marshal_fail", "message_id", msg.ID, "err", err)
		return msg, DeliveryReport{}
	}

	var report DeliveryReport
	for _, userID := range members {
		if userID == msg.SenderID {
			continue
		}
		if ctx.Err() == nil && e.deliver(userID, event) {
			report.Notified++
			e.metrics.Delivered.Inc()
		} else {
			e.offline.Enqueue(userID, msg)
			report.QueuedOffline++
			e.metrics.QueuedOffline.Inc()
		}
	}

	// The sender sees its own message on every device, membership or not.
	if ctx.Err() == nil && e.deliver(msg.SenderID, event) {
		report.Notified++
		e.metrics.Delivered.Inc()
	}

	e.log.Info("broadcast.done",
		"message_id", msg.ID, "chat_id", msg.ChatID,
		"notified", report.Notified, "queued_offline", report.QueuedOffline)
	return msg, report
}

// deliver enqueues the event on every live connection for userID, reporting
// whether at least one accepted it. A connection already shut down is dropped
// from the registry on the spot; a full send queue drops this event for that
// connection only.
func (e *Engine) deliver(userID string, event []byte) bool {
	delivered := false
	for _, c := range e.registry.LiveConnections(userID) {
		select {
		case <-c.Done():
			e.registry.Unregister(c)
			e.log.Info("broadcast.conn.dead", "user_id", userID, "session_id", c.SessionID)
			continue
		default:
		}

		select {
		case c.Send <- event:
			delivered = true
		default:
			e.log.Warn("broadcast.conn.backpressure", "user_id", userID, "session_id", c.SessionID)
		}
	}
	return delivered
}
