// Package window decides whether "now" falls inside the tolerance window
// around a target instant. Everything here is pure.
package window

import (
	"strconv"
	"strings"
	"time"
)

// Kind is the fire policy a window belongs to.
type Kind int

const (
	Exact Kind = iota
	Offset
)

// Window is one armed trigger of an entity: the exact instant or one
// "N minutes before" reminder.
type Window struct {
	Kind    Kind
	Minutes int
	Target  time.Time
}

// Key is the stable dedup key: "exact" or "offset:N".
func (w Window) Key() string {
	if w.Kind == Exact {
		return "exact"
	}
	return "offset:" + strconv.Itoa(w.Minutes)
}

// ParseKey is the inverse of Key.
func ParseKey(s string) (Kind, int, bool) {
	if s == "exact" {
		return Exact, 0, true
	}
	rest, ok := strings.CutPrefix(s, "offset:")
	if !ok {
		return 0, 0, false
	}
	m, err := strconv.Atoi(rest)
	if err != nil || m < 0 {
		return 0, 0, false
	}
	return Offset, m, true
}

// Tolerance bounds a window: [target-Before, target+After].
type Tolerance struct {
	Before time.Duration
	After  time.Duration
}

// Policy holds the tolerances of both fire kinds.
type Policy struct {
	Exact  Tolerance
	Offset Tolerance
}

func (p Policy) For(k Kind) Tolerance {
	if k == Exact {
		return p.Exact
	}
	return p.Offset
}

// Width is the largest after-tolerance of the policy.
func (p Policy) Width() time.Duration {
	if p.Exact.After > p.Offset.After {
		return p.Exact.After
	}
	return p.Offset.After
}

// DefaultPolicy is the fixed ±20s exact / ±30s offset policy.
func DefaultPolicy() Policy {
	return Policy{
		Exact:  Tolerance{Before: 20 * time.Second, After: 20 * time.Second},
		Offset: Tolerance{Before: 30 * time.Second, After: 30 * time.Second},
	}
}

// InWindow reports target-before <= now <= target+after. Both bounds inclusive.
func InWindow(now, target time.Time, before, after time.Duration) bool {
	return !now.Before(target.Add(-before)) && !now.After(target.Add(after))
}

// Contains reports whether now is inside w under policy p.
func (p Policy) Contains(now time.Time, w Window) bool {
	t := p.For(w.Kind)
	return InWindow(now, w.Target, t.Before, t.After)
}

// Floors are the minimum after-tolerances used by Derive.
type Floors struct {
	Exact  time.Duration
	Offset time.Duration
	Jitter time.Duration
}

// Derive computes a policy from the loop's poll interval.
//
// Before is half a poll, so a tick landing just ahead of the target still
// fires, but a tick a full poll early does not. After covers one missed
// tick plus scheduling jitter and never drops below the floor.
func Derive(poll time.Duration, f Floors) Policy {
	if poll <= 0 {
		return Policy{
			Exact:  Tolerance{Before: f.Exact, After: f.Exact},
			Offset: Tolerance{Before: f.Offset, After: f.Offset},
		}
	}
	before := poll / 2
	after := poll + f.Jitter
	mk := func(floor time.Duration) Tolerance {
		a := after
		if a < floor {
			a = floor
		}
		return Tolerance{Before: before, After: a}
	}
	return Policy{Exact: mk(f.Exact), Offset: mk(f.Offset)}
}

// Override replaces non-zero fields of t with o.
func (t Tolerance) Override(o Tolerance) Tolerance {
	if o.Before > 0 {
		t.Before = o.Before
	}
	if o.After > 0 {
		t.After = o.After
	}
	return t
}

// TaskWindows lists the exact window at instant and one window per offset.
func TaskWindows(instant time.Time, offsets []int) []Window {
	out := make([]Window, 0, len(offsets)+1)
	out = append(out, Window{Kind: Exact, Target: instant})
	for _, m := range offsets {
		if m <= 0 {
			continue
		}
		out = append(out, Window{Kind: Offset, Minutes: m, Target: instant.Add(-time.Duration(m) * time.Minute)})
	}
	return out
}

// ClassWindow is the single daily trigger of a class slot: start - minutes.
func ClassWindow(start time.Time, minutes int) Window {
	if minutes <= 0 {
		return Window{Kind: Exact, Target: start}
	}
	return Window{Kind: Offset, Minutes: minutes, Target: start.Add(-time.Duration(minutes) * time.Minute)}
}

// Due returns the windows of ws that contain now.
func (p Policy) Due(now time.Time, ws []Window) []Window {
	var out []Window
	for _, w := range ws {
		if p.Contains(now, w) {
			out = append(out, w)
		}
	}
	return out
}
