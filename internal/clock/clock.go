// Package clock provides the timezone-aware time source used by both loops.
package clock

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrBadTimezone = errors.New("clock: invalid timezone")

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Clock returns the current instant in the configured location.
type Clock interface {
	Now() time.Time
	Location() *time.Location
}

// System is the wall clock in a location that can be swapped at runtime.
type System struct {
	mu  sync.RWMutex
	loc *time.Location
}

func NewSystem(loc *time.Location) *System {
	if loc == nil {
		loc = time.Local
	}
	return &System{loc: loc}
}

func (c *System) Now() time.Time { return time.Now().In(c.Location()) }

func (c *System) Location() *time.Location {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loc
}

// SetLocation switches the zone; nil means time.Local.
func (c *System) SetLocation(loc *time.Location) {
	if loc == nil {
		loc = time.Local
	}
	c.mu.Lock()
	c.loc = loc
	c.mu.Unlock()
}

var fixedOffsetRe = regexp.MustCompile(`^(?i:utc|gmt)?\s*([+-])(\d{1,2})(?::?(\d{2}))?$`)

// LoadLocation resolves an IANA name ("Asia/Jakarta") or an explicit fixed
// offset ("UTC-05:00", "+07", "GMT+5:30"). Empty means time.Local.
func LoadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	switch strings.ToLower(name) {
	case "":
		return time.Local, nil
	case "local":
		return time.Local, nil
	case "utc", "gmt", "z":
		return time.UTC, nil
	}
	if m := fixedOffsetRe.FindStringSubmatch(name); m != nil {
		h, _ := strconv.Atoi(m[2])
		mins := 0
		if m[3] != "" {
			mins, _ = strconv.Atoi(m[3])
		}
		if h > 14 || mins > 59 {
			return nil, fmt.Errorf("%w: offset out of range %q", ErrBadTimezone, name)
		}
		secs := h*3600 + mins*60
		if m[1] == "-" {
			secs = -secs
		}
		return time.FixedZone(formatOffset(secs), secs), nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrBadTimezone, name, err)
	}
	return loc, nil
}

func formatOffset(secs int) string {
	sign := '+'
	if secs < 0 {
		sign = '-'
		secs = -secs
	}
	return fmt.Sprintf("UTC%c%02d:%02d", sign, secs/3600, (secs%3600)/60)
}

// At builds the instant for a calendar date and wall-clock HH:MM in loc.
func At(date, hhmm string, loc *time.Location) (time.Time, error) {
	if loc == nil {
		loc = time.Local
	}
	t, err := time.ParseInLocation(DateLayout+" "+TimeLayout, strings.TrimSpace(date)+" "+strings.TrimSpace(hhmm), loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// OnDay returns the instant of wall-clock HH:MM on the same calendar day as day.
func OnDay(day time.Time, hhmm string) (time.Time, error) {
	h, m, err := ParseHHMM(hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(day.Year(), day.Month(), day.Day(), h, m, 0, 0, day.Location()), nil
}

// ParseHHMM parses "H:MM" or "HH:MM" (24h).
func ParseHHMM(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	hs, ms, ok := strings.Cut(s, ":")
	if !ok || len(ms) != 2 || len(hs) == 0 || len(hs) > 2 {
		return 0, 0, fmt.Errorf("clock: invalid time %q", s)
	}
	hour, err1 := strconv.Atoi(hs)
	minute, err2 := strconv.Atoi(ms)
	if err1 != nil || err2 != nil || hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("clock: invalid time %q", s)
	}
	return hour, minute, nil
}

// DateString formats t's calendar date as YYYY-MM-DD.
func DateString(t time.Time) string { return t.Format(DateLayout) }

// Fixed is a settable clock for tests and replays.
type Fixed struct {
	mu  sync.Mutex
	now time.Time
}

func NewFixed(now time.Time) *Fixed { return &Fixed{now: now} }

func (f *Fixed) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fixed) Location() *time.Location {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now.Location()
}

func (f *Fixed) Set(now time.Time) {
	f.mu.Lock()
	f.now = now
	f.mu.Unlock()
}

func (f *Fixed) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}
