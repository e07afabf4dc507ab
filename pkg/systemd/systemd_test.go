package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logx "nudge/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
}

func (r *recorder) send(state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return true, nil
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifyStates(t *testing.T) {
	r := &recorder{}
	n := New(logx.Nop())
	n.send = r.send

	n.Ready()
	n.Status("2 subscriptions")
	n.Stopping()
	want := []string{"READY=1", "STATUS=2 subscriptions", "STOPPING=1"}
	if len(r.states) != len(want) {
		t.Fatalf("states = %v, want %v", r.states, want)
	}
	for i := range want {
		if r.states[i] != want[i] {
			t.Fatalf("states[%d] = %q, want %q", i, r.states[i], want[i])
		}
	}
}

func TestNotifyErrorIsSwallowed(t *testing.T) {
	n := New(logx.Nop())
	n.send = func(string) (bool, error) { return false, errors.New("socket gone") }
	if n.Ready() {
		t.Fatal("Ready() = true on send error")
	}
}

func TestWatchdog(t *testing.T) {
	r := &recorder{}
	n := New(logx.Nop())
	n.send = r.send
	n.watchdog = func() (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := n.Watchdog(ctx); err != nil {
		t.Fatalf("Watchdog: %v", err)
	}
	if r.count("WATCHDOG=1") < 2 {
		t.Fatalf("watchdog pings = %d, want >= 2", r.count("WATCHDOG=1"))
	}

	n.watchdog = func() (time.Duration, error) { return 0, nil }
	done := make(chan struct{})
	go func() {
		_ = n.Watchdog(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watchdog blocked without a configured interval")
	}
}
