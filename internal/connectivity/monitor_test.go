package connectivity

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// scriptedProber fails or succeeds on demand.
type scriptedProber struct {
	mu    sync.Mutex
	fail  bool
	calls int
}

func (p *scriptedProber) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.fail {
		return errors.New("connection refused")
	}
	return nil
}

func (p *scriptedProber) setFail(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail = fail
}

func (p *scriptedProber) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestMonitorStartsUnknown(t *testing.T) {
	m := NewMonitor(&scriptedProber{}, time.Minute, time.Second)

	if m.State() != StateUnknown {
		t.Errorf("initial state = %q, want %q", m.State(), StateUnknown)
	}
	if m.IsOnline() {
		t.Error("unknown state must not report online")
	}
}

func TestCheckResolvesState(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, time.Minute, time.Second)

	if st := m.Check(context.Background()); st != StateOnline {
		t.Errorf("state after successful probe = %q, want %q", st, StateOnline)
	}
	if !m.IsOnline() {
		t.Error("IsOnline should be true after a successful probe")
	}

	prober.setFail(true)
	if st := m.Check(context.Background()); st != StateOffline {
		t.Errorf("state after failed probe = %q, want %q", st, StateOffline)
	}
	if m.IsOnline() {
		t.Error("a failed probe must force the state offline")
	}
}

func TestSubscribersFireOnTransitionsOnly(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, time.Minute, time.Second)

	var mu sync.Mutex
	var seen []State
	m.Subscribe(func(st State) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, st)
	})

	ctx := context.Background()
	m.Check(ctx) // unknown -> online
	m.Check(ctx) // online -> online: no notification
	prober.setFail(true)
	m.Check(ctx) // online -> offline
	m.Check(ctx) // offline -> offline: no notification
	prober.setFail(false)
	m.Check(ctx) // offline -> online

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateOnline, StateOffline, StateOnline}
	if len(seen) != len(want) {
		t.Fatalf("notifications = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("notification[%d] = %q, want %q", i, seen[i], want[i])
		}
	}
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, time.Minute, time.Second)

	var mu sync.Mutex
	count := 0
	unsubscribe := m.Subscribe(func(State) {
		mu.Lock()
		defer mu.Unlock()
		count++
	})

	ctx := context.Background()
	m.Check(ctx)
	unsubscribe()
	prober.setFail(true)
	m.Check(ctx)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Errorf("notifications after unsubscribe = %d, want 1", count)
	}
}

func TestRunProbesImmediatelyAndPeriodically(t *testing.T) {
	prober := &scriptedProber{}
	m := NewMonitor(prober, 10*time.Millisecond, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for prober.callCount() < 3 {
		select {
		case <-deadline:
			t.Fatal("periodic probes never accumulated")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	if !m.IsOnline() {
		t.Error("monitor should be online after successful probes")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}
