// Package trigger turns domain records into the windows that are due at a
// given instant. Both the agent's reminder loop and the server's push loop
// evaluate records through the same Matcher, so the two sides agree on what
// "due" means.
package trigger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"nudge/internal/clock"
	"nudge/internal/domain"
	"nudge/internal/window"
)

// ErrBadRecord marks a record whose schedule cannot be interpreted. The
// record is skipped for time-based triggering only.
var ErrBadRecord = errors.New("trigger: malformed record")

// ErrNoHabitTime is returned for habits whose title encodes no time.
var ErrNoHabitTime = errors.New("trigger: no time in habit title")

// Candidate is one window of one record that contains now.
type Candidate struct {
	Ref    domain.Ref
	Window window.Window
	Title  string
	Body   string
}

// Tag is the per-record correlation id ("task-42").
func (c Candidate) Tag() string { return c.Ref.String() }

// Matcher evaluates records against a tolerance policy.
type Matcher struct {
	Policy window.Policy
	// ResetThreshold is the distance from today's trigger past which a
	// day-scoped flag is considered left over from a previous occurrence.
	ResetThreshold time.Duration
	Overrides      map[string]string
}

// Task returns the due windows of t. Completed tasks and tasks without a
// date or time never match. now's location is the one dates are read in.
func (m Matcher) Task(now time.Time, t domain.Task) ([]Candidate, error) {
	if t.Completed || strings.TrimSpace(t.Date) == "" || strings.TrimSpace(t.Time) == "" {
		return nil, nil
	}
	instant, err := clock.At(t.Date, t.Time, now.Location())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadRecord, t.Ref(), err)
	}
	offs := domain.NormalizeOffsets(t.Offsets)
	mins := make([]int, 0, len(offs))
	labels := make(map[int]string, len(offs))
	for _, o := range offs {
		mins = append(mins, o.Minutes)
		labels[o.Minutes] = o.Label
	}
	due := m.Policy.Due(now, window.TaskWindows(instant, mins))
	if len(due) == 0 {
		return nil, nil
	}
	out := make([]Candidate, 0, len(due))
	for _, w := range due {
		out = append(out, taskCandidate(t, w, labels[w.Minutes]))
	}
	return out, nil
}

// Class evaluates a class slot. Only slots on now's weekday are considered.
// stale reports that owner's day-scoped flag is set while now is further
// than the reset threshold from today's trigger, so the caller should
// revoke it and re-arm the slot.
func (m Matcher) Class(now time.Time, c domain.ClassSlot, owner domain.Owner) (cands []Candidate, stale bool, err error) {
	if c.Weekday != now.Weekday() {
		return nil, false, nil
	}
	start, err := clock.OnDay(now, c.StartTime)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrBadRecord, c.Ref(), err)
	}
	w := window.ClassWindow(start, c.Offset.Minutes)
	if m.farFrom(now, w.Target) {
		return nil, c.Flags.Get(owner).Exact, nil
	}
	if !m.Policy.Contains(now, w) {
		return nil, false, nil
	}
	return []Candidate{classCandidate(c, w)}, false, nil
}

// Habit evaluates a habit against the time encoded in its title.
func (m Matcher) Habit(now time.Time, h domain.Habit, owner domain.Owner) (cands []Candidate, stale bool, err error) {
	hhmm, ok := window.ParseHabitTime(h.Title, m.Overrides)
	if !ok {
		return nil, false, ErrNoHabitTime
	}
	at, err := clock.OnDay(now, hhmm)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %s: %v", ErrBadRecord, h.Ref(), err)
	}
	w := window.Window{Kind: window.Exact, Target: at}
	if m.farFrom(now, at) {
		return nil, h.Flags.Get(owner).Exact, nil
	}
	if !m.Policy.Contains(now, w) {
		return nil, false, nil
	}
	return []Candidate{habitCandidate(h, w)}, false, nil
}

func (m Matcher) farFrom(now, target time.Time) bool {
	th := m.ResetThreshold
	if th <= 0 {
		th = 5 * time.Minute
	}
	d := now.Sub(target)
	if d < 0 {
		d = -d
	}
	return d > th
}

func taskCandidate(t domain.Task, w window.Window, label string) Candidate {
	c := Candidate{Ref: t.Ref(), Window: w}
	if w.Kind == window.Exact {
		c.Title = "⏰ " + t.Title
		c.Body = "Scheduled for " + t.Time
		return c
	}
	c.Title = "🔔 Reminder: " + t.Title
	if label != "" {
		c.Body = label
	} else {
		c.Body = fmt.Sprintf("In %d minutes (%s)", w.Minutes, t.Time)
	}
	return c
}

func classCandidate(cs domain.ClassSlot, w window.Window) Candidate {
	c := Candidate{Ref: cs.Ref(), Window: w, Title: "🎓 " + cs.Subject}
	switch {
	case w.Kind == window.Exact:
		c.Body = fmt.Sprintf("Your %s class is about to start", cs.StartTime)
	case cs.Offset.Label != "":
		c.Body = cs.Offset.Label
	default:
		c.Body = fmt.Sprintf("Your class starts in %d minutes (%s)", w.Minutes, cs.StartTime)
	}
	if cs.Room != "" {
		c.Body += " · " + cs.Room
	}
	return c
}

func habitCandidate(h domain.Habit, w window.Window) Candidate {
	return Candidate{
		Ref:    h.Ref(),
		Window: w,
		Title:  "⏰ " + shortTitle(h.Title),
		Body:   "Time to complete this habit",
	}
}

// shortTitle keeps the first two words of a habit title.
func shortTitle(s string) string {
	f := strings.Fields(s)
	if len(f) > 2 {
		f = f[:2]
	}
	return strings.Join(f, " ")
}
