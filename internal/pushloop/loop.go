// Package pushloop is the server-side push loop. Each tick it queries the
// datastore fresh, marks every due window fired for the push owner and
// sends the resulting payloads to all of the owning user's browser
// subscriptions.
package pushloop

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"nudge/internal/clock"
	"nudge/internal/datastore"
	"nudge/internal/domain"
	"nudge/internal/eventbus"
	"nudge/internal/push"
	"nudge/internal/trigger"
	"nudge/internal/window"
	logx "nudge/pkg/logx"
)

// Source is the read side of the datastore.
type Source interface {
	ListTasks(ctx context.Context, f datastore.TaskFilter) ([]domain.Task, error)
	ListClasses(ctx context.Context, f datastore.ClassFilter) ([]domain.ClassSlot, error)
	ListHabits(ctx context.Context, f datastore.HabitFilter) ([]domain.Habit, error)
}

// Registry resolves and prunes subscriptions.
type Registry interface {
	ListForUser(ctx context.Context, userID string) ([]domain.PushSubscription, error)
	Prune(ctx context.Context, endpoint string) (int, error)
}

// Ledger is the dedup surface the loop needs.
type Ledger interface {
	Owner() domain.Owner
	HasFired(ref domain.Ref, flags domain.Flags, w window.Window) bool
	MarkFired(ctx context.Context, ref domain.Ref, w window.Window) (bool, error)
	Revoke(ctx context.Context, ref domain.Ref) error
}

// Options are the delivery knobs. Zero values take defaults.
type Options struct {
	Concurrency int
	SendTimeout time.Duration
	RetryTTL    time.Duration
	RetryMax    int
	// URL is opened when the notification is clicked.
	URL string
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 8
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.RetryTTL <= 0 {
		o.RetryTTL = 10 * time.Minute
	}
	if o.RetryMax <= 0 {
		o.RetryMax = 5
	}
	if o.URL == "" {
		o.URL = "/dashboard.html"
	}
	return o
}

// Report summarizes one tick.
type Report struct {
	Due     int // windows marked fired this tick
	Sent    int
	Gone    int
	Failed  int // transient failures queued for retry
	Retried int // outbox entries resent this tick
	Expired int // outbox entries dropped after exhausting the budget
	// Unresolved counts messages held back because their user's
	// subscriptions could not be listed.
	Unresolved int
}

type Loop struct {
	src    Source
	reg    Registry
	sender push.Sender
	ledger Ledger
	clk    clock.Clock
	bus    eventbus.Bus
	log    logx.Logger

	mu      sync.RWMutex
	matcher trigger.Matcher
	opts    Options

	outbox *outbox

	noTimeMu sync.Mutex
	noTime   map[string]struct{}
}

type Option func(*Loop)

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }
func WithBus(b eventbus.Bus) Option     { return func(l *Loop) { l.bus = b } }
func WithClock(c clock.Clock) Option    { return func(l *Loop) { l.clk = c } }

func New(src Source, reg Registry, sender push.Sender, ledger Ledger, m trigger.Matcher, o Options, opts ...Option) *Loop {
	l := &Loop{
		src:     src,
		reg:     reg,
		sender:  sender,
		ledger:  ledger,
		matcher: m,
		opts:    o.withDefaults(),
		clk:     clock.NewSystem(nil),
		bus:     eventbus.Nop(),
		log:     logx.Nop(),
		outbox:  newOutbox(),
		noTime:  map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.log = l.log.With(logx.String("comp", "pushloop"))
	return l
}

// SetMatcher swaps tolerances, reset threshold or habit overrides live.
func (l *Loop) SetMatcher(m trigger.Matcher) {
	l.mu.Lock()
	l.matcher = m
	l.mu.Unlock()
}

// SetOptions swaps the delivery knobs live.
func (l *Loop) SetOptions(o Options) {
	l.mu.Lock()
	l.opts = o.withDefaults()
	l.mu.Unlock()
}

func (l *Loop) config() (trigger.Matcher, Options) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.matcher, l.opts
}

// Pending is the number of deliveries waiting for a retry.
func (l *Loop) Pending() int { return l.outbox.len() }

// Run is the scheduled job.
func (l *Loop) Run(ctx context.Context) error {
	rep := l.Tick(ctx, l.clk.Now())
	if rep.Due > 0 || rep.Retried > 0 || rep.Gone > 0 || rep.Unresolved > 0 {
		l.log.Info("push tick",
			logx.Int("due", rep.Due),
			logx.Int("sent", rep.Sent),
			logx.Int("gone", rep.Gone),
			logx.Int("failed", rep.Failed),
			logx.Int("retried", rep.Retried),
			logx.Int("unresolved", rep.Unresolved),
		)
	}
	return nil
}

type message struct {
	userID  string
	key     string
	payload push.Payload
}

// Tick runs one pass at now. It never panics and never aborts the batch
// for one record's or one user's failure.
func (l *Loop) Tick(ctx context.Context, now time.Time) Report {
	m, opts := l.config()
	var rep Report

	msgs := l.collect(ctx, now, m, opts)
	rep.Due = len(msgs)

	lookups, lost := l.outbox.drainLookups(now, opts.RetryTTL, opts.RetryMax)
	for _, lk := range lost {
		l.log.Warn("push dropped; subscriptions never resolved",
			logx.String("user", lk.msg.userID),
			logx.String("tag", lk.msg.payload.Tag),
			logx.Int("attempts", lk.attempt),
		)
	}
	for _, msg := range msgs {
		lookups = append(lookups, lookup{msg: msg, first: now})
	}
	retryLookups := len(lookups) - len(msgs)

	fresh, unresolved := l.resolve(ctx, lookups)
	rep.Unresolved = unresolved
	retries, expired := l.outbox.drain(now, opts.RetryTTL, opts.RetryMax)
	rep.Retried = len(retries) + retryLookups
	rep.Expired = len(expired) + len(lost)
	for _, d := range expired {
		l.log.Warn("push retry budget exhausted",
			logx.String("user", d.sub.UserID),
			logx.String("endpoint", push.Redact(d.sub.Endpoint)),
			logx.String("tag", d.payload.Tag),
			logx.Int("attempts", d.attempt),
		)
	}

	sent, gone, failed := l.deliver(ctx, append(retries, fresh...), opts)
	rep.Sent, rep.Gone, rep.Failed = sent, gone, failed
	return rep
}

// collect evaluates fresh candidates and marks the due windows fired.
func (l *Loop) collect(ctx context.Context, now time.Time, m trigger.Matcher, opts Options) []message {
	owner := l.ledger.Owner()
	var out []message

	open := false
	tasks, err := l.src.ListTasks(ctx, datastore.TaskFilter{
		Dates:     []string{clock.DateString(now), clock.DateString(now.AddDate(0, 0, 1))},
		Completed: &open,
	})
	if err != nil {
		l.log.Warn("list tasks failed", logx.Err(err))
	}
	for _, t := range tasks {
		l.guard(t.Ref(), func() {
			cands, err := m.Task(now, t)
			if err != nil {
				l.log.Debug("task skipped", logx.String("entity", t.Ref().String()), logx.Err(err))
				return
			}
			out = append(out, l.mark(ctx, cands, t.Flags, opts)...)
		})
	}

	wd := now.Weekday()
	classes, err := l.src.ListClasses(ctx, datastore.ClassFilter{Weekday: &wd})
	if err != nil {
		l.log.Warn("list classes failed", logx.Err(err))
	}
	for _, c := range classes {
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
			out = append(out, l.mark(ctx, cands, c.Flags, opts)...)
		})
	}

	habits, err := l.src.ListHabits(ctx, datastore.HabitFilter{})
	if err != nil {
		l.log.Warn("list habits failed", logx.Err(err))
	}
	for _, h := range habits {
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
			out = append(out, l.mark(ctx, cands, h.Flags, opts)...)
		})
	}
	return out
}

func (l *Loop) mark(ctx context.Context, cands []trigger.Candidate, flags domain.Flags, opts Options) []message {
	var out []message
	for _, c := range cands {
		if l.ledger.HasFired(c.Ref, flags, c.Window) {
			continue
		}
		ok, err := l.ledger.MarkFired(ctx, c.Ref, c.Window)
		if err != nil {
			l.log.Warn("mark fired failed", logx.String("entity", c.Ref.String()), logx.String("window", c.Window.Key()), logx.Err(err))
			continue
		}
		if !ok {
			continue
		}
		out = append(out, message{
			userID: c.Ref.UserID,
			key:    c.Tag() + "/" + c.Window.Key(),
			payload: push.Payload{
				Title: c.Title,
				Body:  c.Body,
				Tag:   c.Tag(),
				URL:   opts.URL,
			},
		})
	}
	return out
}

func (l *Loop) reset(ctx context.Context, ref domain.Ref) {
	if err := l.ledger.Revoke(ctx, ref); err != nil {
		l.log.Warn("day reset failed", logx.String("entity", ref.String()), logx.Err(err))
	}
}

// resolve expands messages into deliveries, looking each user's
// subscriptions up once. Messages of a user whose lookup fails go back to
// the outbox for the next tick; their windows are already marked fired.
func (l *Loop) resolve(ctx context.Context, lookups []lookup) (out []delivery, unresolved int) {
	subs := map[string][]domain.PushSubscription{}
	failed := map[string]bool{}
	for _, lk := range lookups {
		user := lk.msg.userID
		list, ok := subs[user]
		if !ok && !failed[user] {
			var err error
			list, err = l.reg.ListForUser(ctx, user)
			if err != nil {
				l.log.Warn("list subscriptions failed; retrying next tick", logx.String("user", user), logx.Err(err))
				failed[user] = true
			} else {
				subs[user] = list
				if len(list) == 0 {
					l.log.Debug("no subscriptions", logx.String("user", user))
				}
			}
		}
		if failed[user] {
			lk.attempt++
			l.outbox.putLookup(lk)
			unresolved++
			continue
		}
		for _, s := range list {
			out = append(out, delivery{sub: s, payload: lk.msg.payload, key: lk.msg.key, first: lk.first})
		}
	}
	return out, unresolved
}

// deliver sends concurrently, at most opts.Concurrency endpoints at a time.
// Deliveries to one endpoint go out in order, and once the endpoint reports
// gone the rest of its deliveries are dropped.
func (l *Loop) deliver(ctx context.Context, ds []delivery, opts Options) (sent, gone, failed int) {
	if len(ds) == 0 {
		return 0, 0, 0
	}
	var order []string
	byEndpoint := map[string][]delivery{}
	for _, d := range ds {
		ep := d.sub.Endpoint
		if _, ok := byEndpoint[ep]; !ok {
			order = append(order, ep)
		}
		byEndpoint[ep] = append(byEndpoint[ep], d)
	}

	var nSent, nGone, nFailed atomic.Int64
	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for _, ep := range order {
		ep := ep
		queue := byEndpoint[ep]
		g.Go(func() error {
			for i, d := range queue {
				switch l.sendSafe(ctx, d, opts) {
				case push.StatusOK:
					nSent.Add(1)
				case push.StatusGone:
					nGone.Add(1)
					if rest := len(queue) - i - 1; rest > 0 {
						l.log.Debug("skipping deliveries to pruned endpoint",
							logx.String("endpoint", push.Redact(ep)),
							logx.Int("skipped", rest),
						)
					}
					return nil
				default:
					nFailed.Add(1)
				}
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(nSent.Load()), int(nGone.Load()), int(nFailed.Load())
}

// sendSafe is send with a panic counted as a transient failure.
func (l *Loop) sendSafe(ctx context.Context, d delivery, opts Options) (st push.Status) {
	defer func() {
		if p := recover(); p != nil {
			l.log.Error("panic in delivery",
				logx.String("tag", d.payload.Tag),
				logx.String("panic", fmt.Sprint(p)),
				logx.String("stack", string(debug.Stack())),
			)
			st = push.StatusTransient
		}
	}()
	return l.send(ctx, d, opts)
}

func (l *Loop) send(ctx context.Context, d delivery, opts Options) push.Status {
	sctx, cancel := context.WithTimeout(ctx, opts.SendTimeout)
	res := l.sender.Send(sctx, d.sub, d.payload)
	cancel()
	d.attempt++

	switch res.Status {
	case push.StatusOK:
		l.bus.Publish(eventbus.Event{Type: eventbus.TypePushDelivered, Time: time.Now(), Data: d.key})
		l.log.Debug("push delivered", logx.String("user", d.sub.UserID), logx.String("tag", d.payload.Tag), logx.Int("attempt", d.attempt))
	case push.StatusGone:
		l.outbox.dropEndpoint(d.sub.Endpoint)
		if _, err := l.reg.Prune(ctx, d.sub.Endpoint); err != nil {
			l.log.Warn("prune failed", logx.String("endpoint", push.Redact(d.sub.Endpoint)), logx.Err(err))
		}
	default:
		l.log.Warn("push failed",
			logx.String("user", d.sub.UserID),
			logx.String("endpoint", push.Redact(d.sub.Endpoint)),
			logx.Int("status", res.Code),
			logx.Int("attempt", d.attempt),
			logx.Err(res.Error()),
		)
		l.outbox.put(d)
	}
	return res.Status
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
