package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BufferConfig tunes the write-back buffer.
type BufferConfig struct {
	// FlushInterval is the timer cadence (default 1s).
	FlushInterval time.Duration
	// BatchSize caps how many of the oldest messages one flush takes (default 500).
	BatchSize int
}

// Buffer is the ordered write-back buffer of not-yet-persisted messages,
// mirrored to a Journal so a restart reloads exactly the unflushed set.
//
// Durability contract: a message accepted here is retried for persistence
// indefinitely until the store accepts it or its chat is confirmed deleted.
// Broadcast outcome never removes anything from the buffer.
type Buffer struct {
	log     *slog.Logger
	metrics *Metrics

	store   MessageStore
	dir     Directory
	journal Journal

	flushInterval time.Duration
	batchSize     int

	mu      sync.Mutex
	pending []Message

	// mirrorMu orders journal writes with their pending-set mutations, so the
	// journal always reflects some prefix-consistent state of the buffer. An
	// Append racing a flush's truncate must not write the journal first and be
	// rewritten away. Lock order: mirrorMu before mu.
	mirrorMu sync.Mutex

	// flushMu serializes flushes; a tick landing mid-flush is skipped, not
	// queued.
	flushMu sync.Mutex
}

// NewBuffer constructs a Buffer. store and dir are required; journal may be
// nil for a NopJournal.
func NewBuffer(log *slog.Logger, metrics *Metrics, store MessageStore, dir Directory, journal Journal, cfg BufferConfig) *Buffer {
	if log == nil {
		log = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if journal == nil {
		journal = NopJournal{}
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultFlushBatch
	}
	return &Buffer{
		log:           log,
		metrics:       metrics,
		store:         store,
		dir:           dir,
		journal:       journal,
		flushInterval: cfg.FlushInterval,
		batchSize:     cfg.BatchSize,
	}
}

// Recover loads the journal into the pending set. Call once, before Run.
func (b *Buffer) Recover() (int, error) {
	msgs, err := b.journal.ReadAll()
	if err != nil {
		return 0, err
	}

	b.mu.Lock()
	b.pending = msgs
	b.metrics.BufferPending.Set(float64(len(msgs)))
	b.mu.Unlock()

	if len(msgs) > 0 {
		b.log.Info("buffer.recover", "pending", len(msgs))
	}
	return len(msgs), nil
}

// Append adds a message to the pending set and mirrors it to the journal.
// A journal write failure is logged, never propagated: the in-memory buffer
// still holds the message and the flush path still persists it.
func (b *Buffer) Append(m Message) {
	b.mirrorMu.Lock()
	defer b.mirrorMu.Unlock()

	b.mu.Lock()
	b.pending = append(b.pending, m)
	b.metrics.BufferPending.Set(float64(len(b.pending)))
	b.mu.Unlock()

	if err := b.journal.Append(m); err != nil {
		b.log.Error("buffer.journal.append_fail", "message_id", m.ID, "err", err)
	}
}

// Len returns the number of messages awaiting a confirmed write.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// PendingForChat returns buffered messages for one chat, in buffer order.
// Feeds the history read path so recent messages appear before they land in
// the store.
func (b *Buffer) PendingForChat(chatID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []Message
	for _, m := range b.pending {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out
}

// Flush moves up to BatchSize of the oldest buffered messages into the
// durable store. Re-entrant calls while a flush is in progress are no-ops.
//
// Outcomes per candidate batch:
//   - store write succeeds: valid rows persisted, invalid rows (chat deleted)
//     dropped with a warning; both leave the buffer and the journal.
//   - store write fails: nothing is removed; the whole batch retries on the
//     next tick (at-least-once, unbounded retry).
//   - chat verification fails: the cycle is skipped entirely; without a
//     trustworthy existing-chat set nothing can be safely partitioned.
func (b *Buffer) Flush(ctx context.Context) error {
	if !b.flushMu.TryLock() {
		return nil
	}
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	n := len(b.pending)
	if n > b.batchSize {
		n = b.batchSize
	}
	batch := append([]Message(nil), b.pending[:n]...)
	b.mu.Unlock()

	chatIDs := make([]string, 0, 8)
	seen := make(map[string]struct{}, 8)
	for _, m := range batch {
		if _, ok := seen[m.ChatID]; ok {
			continue
		}
		seen[m.ChatID] = struct{}{}
		chatIDs = append(chatIDs, m.ChatID)
	}

	existing, err := b.dir.ExistingChats(ctx, chatIDs)
	if err != nil {
		b.metrics.Flushes.WithLabelValues(FlushResultVerifyError).Inc()
		b.log.Warn("buffer.flush.verify_fail", "batch", len(batch), "err", err)
		return err
	}

	valid := make([]Message, 0, len(batch))
	invalid := make([]Message, 0)
	for _, m := range batch {
		if _, ok := existing[m.ChatID]; ok {
			valid = append(valid, m)
		} else {
			invalid = append(invalid, m)
		}
	}

	if len(valid) > 0 {
		if err := b.store.InsertBatch(ctx, valid); err != nil {
			// Retain everything, including the invalid rows: they stay with
			// their batch until a cycle completes.
			b.metrics.Flushes.WithLabelValues(FlushResultStoreError).Inc()
			b.log.Error("buffer.flush.store_fail", "batch", len(valid), "err", err)
			return err
		}
	}

	remove := make(map[string]struct{}, len(batch))
	for _, m := range batch {
		remove[m.ID] = struct{}{}
	}

	// Removal and the journal rewrite happen under mirrorMu as one mutation,
	// so an append landing mid-flush cannot be rewritten out of the journal.
	b.mirrorMu.Lock()
	b.mu.Lock()
	kept := b.pending[:0]
	for _, m := range b.pending {
		if _, ok := remove[m.ID]; !ok {
			kept = append(kept, m)
		}
	}
	b.pending = kept
	remaining := append([]Message(nil), b.pending...)
	b.metrics.BufferPending.Set(float64(len(b.pending)))
	b.mu.Unlock()

	if err := b.journal.Truncate(remaining); err != nil {
		b.log.Error("buffer.journal.truncate_fail", "err", err)
	}
	b.mirrorMu.Unlock()

	b.metrics.Flushes.WithLabelValues(FlushResultSuccess).Inc()
	b.metrics.Persisted.Add(float64(len(valid)))

	if len(invalid) > 0 {
		// Accepted data loss: the chat was deleted while the rows were buffered.
		b.metrics.DroppedInvalid.Add(float64(len(invalid)))
		b.log.Warn("buffer.flush.dropped_invalid",
			"dropped", len(invalid), "persisted", len(valid), "remaining", len(remaining))
	} else {
		b.log.Info("buffer.flush.ok", "persisted", len(valid), "remaining", len(remaining))
	}
	return nil
}

// Run flushes on a fixed timer until ctx is canceled, then makes one final
// best-effort flush so a clean shutdown drains what it can.
func (b *Buffer) Run(ctx context.Context) {
	t := time.NewTicker(b.flushInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = b.Flush(final)
			cancel()
			return
		case <-t.C:
			_ = b.Flush(ctx)
		}
	}
}
