// Package connectivity detects reachability of the remote server. The
// monitor keeps a tri-state view (online, offline, unknown at startup) and
// notifies subscribers only on actual transitions. A failed probe is strong
// offline evidence and forces the state down even when a previous probe said
// otherwise; the next periodic tick retries.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// State is the current connection state. It lives in memory only and is
// recomputed from a live probe at process start.
type State string

const (
	StateOnline  State = "online"
	StateOffline State = "offline"
	StateUnknown State = "unknown"
)

// Prober checks server reachability with one cheap request.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor tracks server reachability.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	state  State
	subs   map[int]func(State)
	nextID int
}

// NewMonitor creates a Monitor probing at the given interval.
func NewMonitor(prober Prober, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		state:    StateUnknown,
		subs:     make(map[int]func(State)),
	}
}

// IsOnline reports whether the server was reachable at the last probe.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == StateOnline
}

// State returns the current connection state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscribe registers a transition callback and returns its disposer.
// Callbacks fire only on actual state changes, never redundantly.
func (m *Monitor) Subscribe(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Check forces a probe and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) State {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	next := StateOnline
	if err := m.prober.Ping(probeCtx); err != nil {
		next = StateOffline
	}

	m.transition(next)
	return next
}

// Run probes once immediately to resolve the unknown startup state, then on
// every tick. Blocks until ctx is cancelled. Probe failures are never retried
// inline; the next tick retries.
func (m *Monitor) Run(ctx context.Context) {
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// transition updates the state and notifies subscribers on change.
func (m *Monitor) transition(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next

	subs := make([]func(State), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	slog.Info("connection state changed",
		"component", "connectivity",
		"from", string(prev),
		"to", string(next),
	)

	for _, fn := range subs {
		fn(next)
	}
}
