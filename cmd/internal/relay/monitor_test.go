package relay

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitor_ResponsivePeerSurvives(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(), nil)

	var probes atomic.Int32
	evicted := make(chan string, 1)

	c := NewClient("user-a", "a@example.com", "sess-a", 0)
	c.SetTransport(
		func(ctx context.Context) error {
			probes.Add(1)
			return nil
		},
		func(reason string) { evicted <- reason },
	)
	registry.Register(c)

	m := NewMonitor(testLogger(), registry, MonitorConfig{
		Interval:     10 * time.Millisecond,
		ProbeTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	deadline := time.After(5 * time.Second)
	for probes.Load() < 3 {
		select {
		case reason := <-evicted:
			t.Fatalf("responsive peer evicted: %s", reason)
		case <-deadline:
			t.Fatalf("expected at least 3 probes, got %d", probes.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	<-done
}

func TestMonitor_UnresponsivePeerEvicted(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(), nil)
	evicted := make(chan string, 1)

	c := NewClient("user-a", "a@example.com", "sess-a", 0)
	c.SetTransport(
		func(ctx context.Context) error { return errors.New("no pong") },
		func(reason string) {
			select {
			case evicted <- reason:
			default:
			}
			c.Close()
		},
	)
	registry.Register(c)

	m := NewMonitor(testLogger(), registry, MonitorConfig{
		Interval:     10 * time.Millisecond,
		ProbeTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	select {
	case reason := <-evicted:
		if reason != "heartbeat timeout" {
			t.Fatalf("unexpected eviction reason: %s", reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("expected eviction of unresponsive peer")
	}

	cancel()
	<-done
}

func TestMonitor_SkipsClosedClients(t *testing.T) {
	t.Parallel()

	registry := NewRegistry(testLogger(), nil)

	var probes atomic.Int32
	c := NewClient("user-a", "a@example.com", "sess-a", 0)
	c.SetTransport(
		func(ctx context.Context) error {
			probes.Add(1)
			return nil
		},
		func(string) {},
	)
	registry.Register(c)
	c.Close()

	m := NewMonitor(testLogger(), registry, MonitorConfig{
		Interval:     10 * time.Millisecond,
		ProbeTimeout: time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	m.Run(ctx)

	if got := probes.Load(); got != 0 {
		t.Fatalf("expected no probes for a closed client, got %d", got)
	}
}
