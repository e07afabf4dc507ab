// Package dedup is the at-most-once ledger of fired windows.
//
// Per entity × window the state is Unarmed → Armed → Fired. A window is
// marked fired by persisting its flag before the caller notifies anyone; a
// failed write leaves the window armed so the next tick retries it. Within
// one process MarkFired is idempotent per (entity, window, target instant).
package dedup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"nudge/internal/domain"
	"nudge/internal/storage"
	"nudge/internal/window"
	logx "nudge/pkg/logx"
)

var ErrNoOwner = errors.New("dedup: owner is required")

// FlagWriter is the part of the datastore the ledger writes through.
type FlagWriter interface {
	UpdateFlags(ctx context.Context, kind domain.Kind, id string, p domain.FlagPatch) error
}

type memoKey struct {
	kind   domain.Kind
	id     string
	window string
	target int64
}

type Option func(*Ledger)

func WithLogger(log logx.Logger) Option { return func(l *Ledger) { l.log = log } }

// WithEvents appends a NotificationEvent for every successful mark.
func WithEvents(st storage.Store) Option { return func(l *Ledger) { l.events = st } }

// WithChannel labels appended events with the delivery channel.
func WithChannel(name string) Option { return func(l *Ledger) { l.channel = name } }

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithWriteTimeout bounds each flag write. The write ignores caller
// cancellation so a shutdown never abandons it half way.
func WithWriteTimeout(d time.Duration) Option { return func(l *Ledger) { l.writeTimeout = d } }

// WithRetention bounds how long fired targets stay in memory.
func WithRetention(d time.Duration) Option { return func(l *Ledger) { l.retention = d } }

type Ledger struct {
	flags   FlagWriter
	events  storage.Store
	owner   domain.Owner
	channel string
	log     logx.Logger
	now     func() time.Time

	writeTimeout time.Duration
	retention    time.Duration

	mu        sync.Mutex
	// fired maps each marked target to when it was recorded.
	fired     map[memoKey]time.Time
	inflight  map[memoKey]struct{}
	lastPrune time.Time
}

func New(flags FlagWriter, owner domain.Owner, opts ...Option) (*Ledger, error) {
	if !owner.Valid() {
		return nil, ErrNoOwner
	}
	l := &Ledger{
		flags:        flags,
		owner:        owner,
		log:          logx.Nop(),
		now:          time.Now,
		writeTimeout: 5 * time.Second,
		retention:    48 * time.Hour,
		fired:        map[memoKey]time.Time{},
		inflight:     map[memoKey]struct{}{},
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	return l, nil
}

func (l *Ledger) Owner() domain.Owner { return l.owner }

func keyOf(ref domain.Ref, w window.Window) memoKey {
	return memoKey{kind: ref.Kind, id: ref.ID, window: w.Key(), target: w.Target.Unix()}
}

// dayScoped entities keep a single "notified today" flag regardless of window.
func dayScoped(k domain.Kind) bool { return k == domain.KindClass || k == domain.KindHabit }

// PatchFor is the flag patch that marks w fired for owner.
func PatchFor(owner domain.Owner, kind domain.Kind, w window.Window) domain.FlagPatch {
	if dayScoped(kind) || w.Kind == window.Exact {
		return domain.MarkExact(owner)
	}
	return domain.MarkOffset(owner, w.Minutes)
}

// FlagSet reports whether flags already record w as fired for owner.
func FlagSet(flags domain.Flags, owner domain.Owner, kind domain.Kind, w window.Window) bool {
	ff := flags.Get(owner)
	if dayScoped(kind) || w.Kind == window.Exact {
		return ff.Exact
	}
	return ff.Offsets[w.Minutes]
}

// HasFired consults the persisted flags first, then the in-process memo.
func (l *Ledger) HasFired(ref domain.Ref, flags domain.Flags, w window.Window) bool {
	if FlagSet(flags, l.owner, ref.Kind, w) {
		return true
	}
	k := keyOf(ref, w)
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.fired[k]
	return ok
}

// MarkFired persists the fired flag for w. It reports true only for the call
// that performed the Armed → Fired transition; the caller must notify only
// then. On error nothing is recorded.
func (l *Ledger) MarkFired(ctx context.Context, ref domain.Ref, w window.Window) (bool, error) {
	k := keyOf(ref, w)

	l.mu.Lock()
	if _, ok := l.fired[k]; ok {
		l.mu.Unlock()
		return false, nil
	}
	if _, ok := l.inflight[k]; ok {
		l.mu.Unlock()
		return false, nil
	}
	l.inflight[k] = struct{}{}
	l.mu.Unlock()

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	err := l.flags.UpdateFlags(wctx, ref.Kind, ref.ID, PatchFor(l.owner, ref.Kind, w))
	cancel()

	l.mu.Lock()
	delete(l.inflight, k)
	if err == nil {
		now := l.now()
		l.pruneLocked(now)
		l.fired[k] = now
	}
	l.mu.Unlock()

	if err != nil {
		return false, fmt.Errorf("mark %s %s: %w", ref, w.Key(), err)
	}
	l.appendEvent(ctx, ref, w)
	return true, nil
}

// Revoke clears every flag of this owner for ref (day-scoped reset).
func (l *Ledger) Revoke(ctx context.Context, ref domain.Ref) error {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()
	if err := l.flags.UpdateFlags(wctx, ref.Kind, ref.ID, domain.ClearOwner(l.owner)); err != nil {
		return fmt.Errorf("revoke %s: %w", ref, err)
	}
	return nil
}

// Forget drops in-process memory of ref so an edited entity can re-arm a
// target it already fired (e.g. moved away and back on the same day).
func (l *Ledger) Forget(ref domain.Ref) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k := range l.fired {
		if k.kind == ref.Kind && k.id == ref.ID {
			delete(l.fired, k)
		}
	}
}

// Warm replays this owner's events since the cutoff into memory.
func (l *Ledger) Warm(ctx context.Context, since time.Time) (int, error) {
	if l.events == nil {
		return 0, nil
	}
	evs, err := l.events.ListEvents(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("warm dedup ledger: %w", err)
	}
	n := 0
	l.mu.Lock()
	for _, e := range evs {
		if e.Owner != l.owner {
			continue
		}
		if _, _, ok := window.ParseKey(e.Window); !ok {
			continue
		}
		l.fired[memoKey{kind: e.EntityKind, id: e.EntityID, window: e.Window, target: e.Target.Unix()}] = e.FiredAt
		n++
	}
	l.mu.Unlock()
	return n, nil
}

// Len returns the number of remembered fired targets.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.fired)
}

// pruneLocked forgets targets recorded more than retention ago. Age is
// measured from when a target was marked, not from the target itself.
func (l *Ledger) pruneLocked(now time.Time) {
	if now.Sub(l.lastPrune) < time.Hour {
		return
	}
	l.lastPrune = now
	cutoff := now.Add(-l.retention)
	for k, at := range l.fired {
		if at.Before(cutoff) {
			delete(l.fired, k)
		}
	}
}

func (l *Ledger) appendEvent(ctx context.Context, ref domain.Ref, w window.Window) {
	if l.events == nil {
		return
	}
	e := domain.NotificationEvent{
		ID:         uuid.NewString(),
		EntityKind: ref.Kind,
		EntityID:   ref.ID,
		UserID:     ref.UserID,
		Window:     w.Key(),
		Target:     w.Target,
		FiredAt:    l.now(),
		Owner:      l.owner,
		Channel:    l.channel,
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.writeTimeout)
	defer cancel()
	if err := l.events.AppendEvent(wctx, e); err != nil {
		// The flag is already persisted; the event only speeds up warm starts.
		l.log.Warn("event append failed", logx.String("entity", ref.String()), logx.String("window", w.Key()), logx.Err(err))
	}
}
