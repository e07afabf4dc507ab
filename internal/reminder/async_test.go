package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"nudge/internal/dedup"
	"nudge/internal/dispatch"
	"nudge/internal/domain"
	logx "nudge/pkg/logx"
)

// gateNotifier blocks every Dispatch until release is closed.
type gateNotifier struct {
	release chan struct{}
	rec     recorder
}

func (g *gateNotifier) Dispatch(ctx context.Context, n dispatch.Notification) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.rec.Dispatch(ctx, n)
}

func TestSlowChannelDoesNotHoldTheTick(t *testing.T) {
	ws := NewWorkingSet()
	ws.Replace(Snapshot{Tasks: []domain.Task{
		{ID: "a", UserID: "u1", Title: "A", Date: "2025-03-10", Time: "09:00"},
	}})
	led, _ := dedup.New(&memFlags{}, domain.OwnerClient)
	gate := &gateNotifier{release: make(chan struct{})}
	async := NewAsyncNotifier(gate, 4, logx.Nop())
	l := New("u1", ws, nil, led, async, agentMatcher())

	start := time.Now()
	if got := l.Tick(context.Background(), utc(10, 9, 0, 0)); got != 1 {
		t.Fatalf("Tick fired %d, want 1", got)
	}
	if took := time.Since(start); took > time.Second {
		t.Fatalf("Tick took %s while the channel was blocked", took)
	}
	if async.Len() != 1 {
		t.Fatalf("queued = %d, want 1", async.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())
	go async.Run(ctx)
	close(gate.release)
	deadline := time.Now().Add(2 * time.Second)
	for gate.rec.count() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("queued notification never delivered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := async.Wait(context.Background()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestAsyncNotifierQueueFull(t *testing.T) {
	async := NewAsyncNotifier(&recorder{}, 1, logx.Nop())
	ctx := context.Background()
	if err := async.Dispatch(ctx, dispatch.Notification{Title: "a"}); err != nil {
		t.Fatalf("first Dispatch: %v", err)
	}
	if err := async.Dispatch(ctx, dispatch.Notification{Title: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("second Dispatch = %v, want ErrQueueFull", err)
	}
	if err := async.Wait(ctx); err != nil {
		t.Fatalf("Wait before Run = %v, want nil", err)
	}
}

func TestAsyncNotifierFlushesOnStop(t *testing.T) {
	rec := &recorder{}
	async := NewAsyncNotifier(rec, 4, logx.Nop())
	for _, title := range []string{"a", "b"} {
		_ = async.Dispatch(context.Background(), dispatch.Notification{Title: title})
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	async.Run(ctx)
	if rec.count() != 2 {
		t.Fatalf("delivered = %d, want 2", rec.count())
	}
}
