package relay

import "time"

// Relay limits and timer defaults. Overridable knobs live in app.Config;
// these are the hard limits and fallbacks.
const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	// Max message content length (runes).
	maxMessageChars = 4000
)

const (
	// Write-back buffer defaults: flush cadence and max rows per batch.
	defaultFlushInterval = 1 * time.Second
	defaultFlushBatch    = 500

	// Liveness sweep defaults.
	defaultHeartbeatInterval = 30 * time.Second
	defaultHeartbeatTimeout  = 5 * time.Second

	// Per-connection outbound queue.
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	// Per-event write deadline.
	defaultWriteTimeout = 5 * time.Second
)
