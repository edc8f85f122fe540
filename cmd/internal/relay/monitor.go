package relay

import (
	"context"
	"log/slog"
	"time"
)

// MonitorConfig tunes the liveness sweep.
type MonitorConfig struct {
	// Interval between sweeps (default 30s).
	Interval time.Duration
	// ProbeTimeout bounds each heartbeat probe (default 5s).
	ProbeTimeout time.Duration
}

// Monitor periodically probes every registered connection and evicts the ones
// that did not answer the previous probe, so half-dead connections cannot
// accumulate.
type Monitor struct {
	log      *slog.Logger
	registry *Registry

	interval     time.Duration
	probeTimeout time.Duration
}

// NewMonitor constructs a liveness Monitor over the registry.
func NewMonitor(log *slog.Logger, registry *Registry, cfg MonitorConfig) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHeartbeatInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultHeartbeatTimeout
	}
	return &Monitor{
		log:          log,
		registry:     registry,
		interval:     cfg.Interval,
		probeTimeout: cfg.ProbeTimeout,
	}
}

// Run sweeps until ctx is canceled.
func (m *Monitor) Run(ctx context.Context) {
	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep(ctx)
		}
	}
}

// sweep evicts connections whose previous probe went unanswered, then arms
// and sends the next probe. Probes run concurrently so one stuck peer cannot
// stall the sweep.
func (m *Monitor) sweep(ctx context.Context) {
	for _, c := range m.registry.Clients() {
		select {
		case <-c.Done():
			continue
		default:
		}

		if !c.Alive() {
			m.log.Info("monitor.evict", "user_id", c.UserID, "session_id", c.SessionID)
			c.Evict("heartbeat timeout")
			continue
		}

		c.MarkUnanswered()
		go func(c *Client) {
			probeCtx, cancel := context.WithTimeout(ctx, m.probeTimeout)
			defer cancel()

			if err := c.Probe(probeCtx); err != nil {
				m.log.Info("monitor.probe.fail", "user_id", c.UserID, "session_id", c.SessionID, "err", err)
				return
			}
			c.MarkAlive()
		}(c)
	}
}
