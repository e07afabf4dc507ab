// Package reminder is the agent-side reminder loop: it polls the working set
// on a fixed interval and fires at-most-once notifications for tasks, class
// slots and habits whose windows contain now.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"nudge/internal/clock"
	"nudge/internal/dedup"
	"nudge/internal/dispatch"
	"nudge/internal/domain"
	"nudge/internal/eventbus"
	"nudge/internal/trigger"
	"nudge/internal/window"
	logx "nudge/pkg/logx"
)

// Notifier delivers a fired reminder to the user.
type Notifier interface {
	Dispatch(ctx context.Context, n dispatch.Notification) error
}

// Ledger is the dedup surface the loop needs.
type Ledger interface {
	Owner() domain.Owner
	HasFired(ref domain.Ref, flags domain.Flags, w window.Window) bool
	MarkFired(ctx context.Context, ref domain.Ref, w window.Window) (bool, error)
	Revoke(ctx context.Context, ref domain.Ref) error
	Forget(ref domain.Ref)
}

type Loop struct {
	userID string
	ws     *WorkingSet
	src    Loader
	ledger Ledger
	notify Notifier
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.RWMutex
	matcher trigger.Matcher

	// noTime remembers habit titles already reported as carrying no time.
	noTimeMu sync.Mutex
	noTime   map[string]struct{}
}

type Option func(*Loop)

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(l *Loop) { l.bus = b } }
func WithClock(c clock.Clock) Option    { return func(l *Loop) { l.clk = c } }

// New builds the loop for one user. src may be nil when the working set is
// fed by other means (tests, replays).
func New(userID string, ws *WorkingSet, src Loader, ledger Ledger, notify Notifier, m trigger.Matcher, opts ...Option) *Loop {
	l := &Loop{
		userID:  userID,
		ws:      ws,
		src:     src,
		ledger:  ledger,
		notify:  notify,
		matcher: m,
		clk:     clock.NewSystem(nil),
		bus:     eventbus.Nop(),
		log:     logx.Nop(),
		noTime:  map[string]struct{}{},
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.log = l.log.With(logx.String("comp", "reminder"))
	return l
}

// SetMatcher swaps tolerances, reset threshold or habit overrides live.
func (l *Loop) SetMatcher(m trigger.Matcher) {
	l.mu.Lock()
	l.matcher = m
	l.mu.Unlock()
}

func (l *Loop) currentMatcher() trigger.Matcher {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.matcher
}

// Refresh reloads the working set from the datastore. Records whose
// schedule changed are forgotten by the ledger so their new instants arm.
func (l *Loop) Refresh(ctx context.Context) error {
	if l.src == nil {
		return nil
	}
	changed, err := l.ws.Refresh(ctx, l.src, l.userID)
	if err != nil {
		return err
	}
	for _, ref := range changed {
		l.ledger.Forget(ref)
	}
	l.log.Debug("working set refreshed", logx.Int("records", l.ws.Len()), logx.Int("rescheduled", len(changed)))
	return nil
}

// Run is the scheduled job: one tick at the clock's current time.
func (l *Loop) Run(ctx context.Context) error {
	l.Tick(ctx, l.clk.Now())
	return nil
}

// Tick evaluates every record at now and returns how many notifications
// were dispatched. Failures of one record never abort the others.
func (l *Loop) Tick(ctx context.Context, now time.Time) int {
	snap := l.ws.Snapshot()
	m := l.currentMatcher()
	owner := l.ledger.Owner()
	fired := 0

	for _, t := range snap.Tasks {
		l.guard(t.Ref(), func() {
			cands, err := m.Task(now, t)
			if err != nil {
				l.log.Debug("task skipped", logx.String("entity", t.Ref().String()), logx.Err(err))
				return
			}
			fired += l.fire(ctx, cands, t.Flags)
		})
	}
	for _, c := range snap.Classes {
		l.guard(c.Ref(), func() {
			cands, stale, err := m.Class(now, c, owner)
			if err != nil {
				l.log.Debug("class skipped", logx.String("entity", c.Ref().String()), logx.Err(err))
				return
			}
			if stale {
				l.reset(ctx, c.Ref())
				return
			}
			fired += l.fire(ctx, cands, c.Flags)
		})
	}
	for _, h := range snap.Habits {
		l.guard(h.Ref(), func() {
			cands, stale, err := m.Habit(now, h, owner)
			if errors.Is(err, trigger.ErrNoHabitTime) {
				l.noteNoTime(h)
				return
			}
			if err != nil {
				l.log.Debug("habit skipped", logx.String("entity", h.Ref().String()), logx.Err(err))
				return
			}
			if stale {
				l.reset(ctx, h.Ref())
				return
			}
			fired += l.fire(ctx, cands, h.Flags)
		})
	}
	return fired
}

func (l *Loop) fire(ctx context.Context, cands []trigger.Candidate, flags domain.Flags) int {
	n := 0
	for _, c := range cands {
		if l.ledger.HasFired(c.Ref, flags, c.Window) {
			continue
		}
		ok, err := l.ledger.MarkFired(ctx, c.Ref, c.Window)
		if err != nil {
			// The window stays armed; the next tick retries.
			l.log.Warn("mark fired failed", logx.String("entity", c.Ref.String()), logx.String("window", c.Window.Key()), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		l.ws.ApplyFlags(c.Ref, dedup.PatchFor(l.ledger.Owner(), c.Ref.Kind, c.Window))
		if err := l.notify.Dispatch(ctx, dispatch.Notification{Title: c.Title, Body: c.Body, CorrelationID: c.Tag()}); errors.Is(err, ErrQueueFull) {
			l.log.Warn("notification dropped", logx.String("entity", c.Ref.String()), logx.Err(err))
		} else if err != nil {
			l.log.Debug("dispatch partial failure", logx.String("entity", c.Ref.String()), logx.Err(err))
		}
		l.bus.Publish(eventbus.Event{Type: eventbus.TypeReminderFired, Time: time.Now(), Data: c.Tag() + "/" + c.Window.Key()})
		l.log.Info("reminder fired", logx.String("entity", c.Ref.String()), logx.String("window", c.Window.Key()), logx.Time("target", c.Window.Target))
		n++
	}
	return n
}

func (l *Loop) reset(ctx context.Context, ref domain.Ref) {
	if err := l.ledger.Revoke(ctx, ref); err != nil {
		l.log.Warn("day reset failed", logx.String("entity", ref.String()), logx.Err(err))
		return
	}
	l.ws.ApplyFlags(ref, domain.ClearOwner(l.ledger.Owner()))
	l.log.Debug("day-scoped flag reset", logx.String("entity", ref.String()))
}

func (l *Loop) noteNoTime(h domain.Habit) {
	l.noTimeMu.Lock()
	_, seen := l.noTime[h.Title]
	l.noTime[h.Title] = struct{}{}
	l.noTimeMu.Unlock()
	if !seen {
		l.log.Debug("habit has no time", logx.String("entity", h.Ref().String()), logx.String("title", h.Title))
	}
}

func (l *Loop) guard(ref domain.Ref, fn func()) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("panic evaluating record",
				logx.String("entity", ref.String()),
				logx.String("panic", fmt.Sprint(p)),
				logx.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}
