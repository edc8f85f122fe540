package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Flush result labels.
const (
	FlushResultSuccess     = "success"
	FlushResultStoreError  = "store_error"
	FlushResultVerifyError = "verify_error"
)

// Metrics holds the relay's prometheus collectors. One instance is shared by
// the registry, queues, buffer, and engine so tests can assert on an isolated
// registry.
type Metrics struct {
	Connections   prometheus.Gauge
	Users         prometheus.Gauge
	Chats         prometheus.Gauge
	OfflineQueued prometheus.Gauge
	BufferPending prometheus.Gauge

	Published      prometheus.Counter
	Delivered      prometheus.Counter
	QueuedOffline  prometheus.Counter
	Flushes        *prometheus.CounterVec
	Persisted      prometheus.Counter
	DroppedInvalid prometheus.Counter
}

// NewMetrics constructs and registers the relay collectors.
// A nil registerer yields a private registry (useful in tests).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "connections", Help: "Live websocket connections.",
		}),
		Users: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "users", Help: "Users with at least one live connection.",
		}),
		Chats: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "chats", Help: "Chats with at least one subscribed connection.",
		}),
		OfflineQueued: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "offline_queued", Help: "Messages waiting for offline users.",
		}),
		BufferPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "buffer_pending", Help: "Messages buffered but not yet confirmed persisted.",
		}),
		Published: f.NewCounter(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "messages_published_total", Help: "Messages accepted for publish.",
		}),
		Delivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "events_delivered_total", Help: "Fan-out events enqueued to live connections.",
		}),
		QueuedOffline: f.NewCounter(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "events_queued_offline_total", Help: "Fan-out events diverted to the offline queue.",
		}),
		Flushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "flushes_total", Help: "Write-back flush attempts by result.",
		}, []string{"result"}),
		Persisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "messages_persisted_total", Help: "Messages confirmed written to the durable store.",
		}),
		DroppedInvalid: f.NewCounter(prometheus.CounterOpts{
			Namespace: "courier", Subsystem: "relay",
			Name: "messages_dropped_invalid_total", Help: "Buffered messages dropped because their chat no longer exists.",
		}),
	}
}
