package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"nudge/internal/dispatch"
	logx "nudge/pkg/logx"
)

var ErrQueueFull = errors.New("reminder: dispatch queue full")

// flushBudget bounds delivering what is still queued once Run's context ends.
const flushBudget = 2 * time.Second

// AsyncNotifier queues notifications so a tick never waits on a slow
// channel (a D-Bus call, a stuck terminal). Run drains the queue.
type AsyncNotifier struct {
	next    Notifier
	queue   chan dispatch.Notification
	log     logx.Logger
	started atomic.Bool
	done    chan struct{}
}

func NewAsyncNotifier(next Notifier, size int, log logx.Logger) *AsyncNotifier {
	if size <= 0 {
		size = 64
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &AsyncNotifier{
		next:  next,
		queue: make(chan dispatch.Notification, size),
		log:   log.With(logx.String("comp", "reminder.dispatch")),
		done:  make(chan struct{}),
	}
}

// Dispatch enqueues n without blocking.
func (a *AsyncNotifier) Dispatch(_ context.Context, n dispatch.Notification) error {
	select {
	case a.queue <- n:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, n.CorrelationID)
	}
}

// Run delivers queued notifications until ctx ends, then flushes what is
// left within a short budget. It may be called once.
func (a *AsyncNotifier) Run(ctx context.Context) {
	if !a.started.CompareAndSwap(false, true) {
		return
	}
	defer close(a.done)
	for {
		select {
		case n := <-a.queue:
			a.deliver(ctx, n)
		case <-ctx.Done():
			a.flush()
			return
		}
	}
}

func (a *AsyncNotifier) flush() {
	fctx, cancel := context.WithTimeout(context.Background(), flushBudget)
	defer cancel()
	for {
		select {
		case n := <-a.queue:
			a.deliver(fctx, n)
		default:
			return
		}
		if fctx.Err() != nil {
			a.log.Warn("dispatch flush budget exhausted", logx.Int("dropped", len(a.queue)))
			return
		}
	}
}

func (a *AsyncNotifier) deliver(ctx context.Context, n dispatch.Notification) {
	defer func() {
		if p := recover(); p != nil {
			a.log.Error("panic in dispatch",
				logx.String("correlation", n.CorrelationID),
				logx.String("panic", fmt.Sprint(p)),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	if err := a.next.Dispatch(ctx, n); err != nil {
		a.log.Debug("dispatch partial failure", logx.String("correlation", n.CorrelationID), logx.Err(err))
	}
}

// Wait blocks until Run has returned. It returns at once if Run never
// started.
func (a *AsyncNotifier) Wait(ctx context.Context) error {
	if !a.started.Load() {
		return nil
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of queued notifications.
func (a *AsyncNotifier) Len() int { return len(a.queue) }
