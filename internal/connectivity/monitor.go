// Package connectivity tracks whether the remote is reachable and publishes
// edge-triggered online/offline events.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event is a connectivity transition.
type Event int

const (
	WentOnline Event = iota + 1
	WentOffline
)

func (e Event) String() string {
	switch e {
	case WentOnline:
		return "went-online"
	case WentOffline:
		return "went-offline"
	default:
		return "unknown"
	}
}

const subscriberBuffer = 16

// Pinger checks reachability of a URL.
type Pinger interface {
	Ping(ctx context.Context, url string) error
}

// Monitor holds the current connectivity state.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger
}

// NewMonitor creates a Monitor starting in the given state.
func NewMonitor(online bool) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]chan Event),
		logger: slog.Default(),
	}
}

// IsOnline reports the current state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state and notifies subscribers when it changed.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online

	ev := WentOffline
	if online {
		ev = WentOnline
	}
	m.logger.Info("connectivity changed", "event", ev.String())
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			m.logger.Warn("connectivity subscriber is not keeping up, event dropped", "subscriber", id, "event", ev.String())
		}
	}
}

// Subscribe returns a channel of transitions and a function that ends the
// subscription and closes the channel.
func (m *Monitor) Subscribe() (<-chan Event, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan Event, subscriberBuffer)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
		})
	}
}

// ProbeOnce pings url and records the result.
func (m *Monitor) ProbeOnce(ctx context.Context, p Pinger, url string) bool {
	err := p.Ping(ctx, url)
	if err != nil && ctx.Err() != nil {
		return m.IsOnline()
	}
	if err != nil {
		m.logger.Debug("connectivity check failed", "url", url, "error", err)
	}
	m.Set(err == nil)
	return err == nil
}

// Probe pings url every interval until ctx is cancelled.
// If interval is <= 0, it defaults to 30s.
func (m *Monitor) Probe(ctx context.Context, p Pinger, url string, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		m.ProbeOnce(ctx, p, url)

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
