package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	logx "nudge/pkg/logx"
)

func TestGoRecoversPanicAndCancels(t *testing.T) {
	s := NewSupervisor(context.Background(), WithLogger(logx.Nop()), WithCancelOnError(true))
	s.Go0("boom", func(ctx context.Context) { panic("bad tick") })
	s.Go0("waiter", func(ctx context.Context) { <-ctx.Done() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "bad tick") {
		t.Fatalf("Wait = %v, want panic error", err)
	}
	if got := s.Running(); len(got) != 0 {
		t.Fatalf("running = %v, want none", got)
	}
}

func TestGoIgnoresContextCanceled(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop = %v, want nil", err)
	}
}

func TestGoRestartRestartsUntilSuccess(t *testing.T) {
	s := NewSupervisor(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 2*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait = %v", err)
	}
	if got := runs.Load(); got != 3 {
		t.Fatalf("runs = %d, want 3", got)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	s := NewSupervisor(context.Background())
	s.GoRestart("broken", func(ctx context.Context) error {
		return errors.New("always")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2), WithFatalOnFinalError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "always") {
		t.Fatalf("Wait = %v, want final error", err)
	}
}

func TestGoRestartPublishesFirstError(t *testing.T) {
	s := NewSupervisor(context.Background(), WithCancelOnError(true))
	var runs atomic.Int32
	s.GoRestart("listener", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("bind")
		}
		<-ctx.Done()
		return ctx.Err()
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithPublishFirstError(true))

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.Context().Err() != nil {
		t.Fatal("published error canceled the supervisor")
	}
	if n := s.Running()["listener"]; n != 1 {
		t.Fatalf("running[listener] = %d, want 1", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Stop(ctx)
	if err == nil || !strings.Contains(err.Error(), "panic in listener") {
		t.Fatalf("Stop = %v, want published panic", err)
	}
}

func TestBackoffDoublesToMax(t *testing.T) {
	b := backoff{min: 10 * time.Millisecond, max: 40 * time.Millisecond}
	for i, want := range []time.Duration{10, 20, 40, 40} {
		want *= time.Millisecond
		got := b.next()
		if got < want || got > want+want/5 {
			t.Fatalf("next #%d = %v, want %v..%v", i, got, want, want+want/5)
		}
	}
	b.reset()
	if got := b.next(); got > 12*time.Millisecond {
		t.Fatalf("after reset next = %v, want ~10ms", got)
	}
}
