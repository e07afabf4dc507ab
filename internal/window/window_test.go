package window

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 10, 8, 45, 0, 0, time.UTC)

func TestInWindowInclusiveBounds(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"at target", t0, true},
		{"lower bound", t0.Add(-20 * time.Second), true},
		{"upper bound", t0.Add(20 * time.Second), true},
		{"just before", t0.Add(-20*time.Second - time.Nanosecond), false},
		{"just after", t0.Add(20*time.Second + time.Nanosecond), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InWindow(tt.now, t0, 20*time.Second, 20*time.Second); got != tt.want {
				t.Fatalf("InWindow = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDerive(t *testing.T) {
	f := Floors{Exact: 20 * time.Second, Offset: 30 * time.Second, Jitter: 5 * time.Second}

	p := Derive(5*time.Second, f)
	if p.Exact.Before != 2500*time.Millisecond || p.Exact.After != 20*time.Second {
		t.Fatalf("exact = %+v", p.Exact)
	}
	if p.Offset.After != 30*time.Second {
		t.Fatalf("offset after = %v, want 30s", p.Offset.After)
	}

	p = Derive(time.Minute, f)
	if p.Exact.Before != 30*time.Second || p.Exact.After != 65*time.Second || p.Offset.After != 65*time.Second {
		t.Fatalf("60s poll = %+v", p)
	}

	p = Derive(0, f)
	if p.Exact.Before != 20*time.Second || p.Offset.After != 30*time.Second {
		t.Fatalf("unknown poll = %+v", p)
	}
}

func TestDerivedWindowNeverMissesATick(t *testing.T) {
	f := Floors{Exact: 20 * time.Second, Offset: 30 * time.Second, Jitter: 5 * time.Second}
	for _, poll := range []time.Duration{time.Second, 5 * time.Second, 60 * time.Second} {
		p := Derive(poll, f)
		// Some tick of a poll grid always lands in [target-before, target+after].
		for phase := time.Duration(0); phase < poll; phase += poll / 7 {
			hit := false
			for tick := t0.Add(-2*poll + phase); tick.Before(t0.Add(2 * poll)); tick = tick.Add(poll) {
				if InWindow(tick, t0, p.Exact.Before, p.Exact.After) {
					hit = true
				}
			}
			if !hit {
				t.Fatalf("poll %v phase %v: no tick inside the window", poll, phase)
			}
		}
	}
}

func TestOffsetScenarioEarlyTickDoesNotFire(t *testing.T) {
	// Task at 09:00 with a 15 minute reminder; 5s poll.
	p := Derive(5*time.Second, Floors{Exact: 20 * time.Second, Offset: 30 * time.Second, Jitter: 5 * time.Second})
	task := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	ws := TaskWindows(task, []int{15})

	if due := p.Due(time.Date(2024, 3, 10, 8, 44, 45, 0, time.UTC), ws); len(due) != 0 {
		t.Fatalf("08:44:45 due = %v, want none", due)
	}
	due := p.Due(time.Date(2024, 3, 10, 8, 45, 5, 0, time.UTC), ws)
	if len(due) != 1 || due[0].Key() != "offset:15" {
		t.Fatalf("08:45:05 due = %v, want offset:15", due)
	}
	if due := p.Due(time.Date(2024, 3, 10, 9, 0, 10, 0, time.UTC), ws); len(due) != 1 || due[0].Kind != Exact {
		t.Fatalf("09:00:10 due = %v, want exact", due)
	}
}

func TestTwoCloseWindowsMayFireTogether(t *testing.T) {
	p := Derive(time.Minute, Floors{Exact: 20 * time.Second, Offset: 30 * time.Second, Jitter: 5 * time.Second})
	ws := TaskWindows(t0, []int{1})
	due := p.Due(t0.Add(-10*time.Second), ws)
	if len(due) != 2 {
		t.Fatalf("due = %v, want exact and offset:1 together", due)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	for _, w := range []Window{{Kind: Exact}, {Kind: Offset, Minutes: 15}} {
		k, m, ok := ParseKey(w.Key())
		if !ok || k != w.Kind || m != w.Minutes {
			t.Fatalf("ParseKey(%q) = %v %v %v", w.Key(), k, m, ok)
		}
	}
	if _, _, ok := ParseKey("offset:x"); ok {
		t.Fatal("ParseKey accepted garbage")
	}
}

func TestClassWindow(t *testing.T) {
	start := time.Date(2024, 3, 11, 9, 0, 0, 0, time.UTC)
	if w := ClassWindow(start, 0); w.Kind != Exact || !w.Target.Equal(start) {
		t.Fatalf("at-start window = %+v", w)
	}
	if w := ClassWindow(start, 10); w.Kind != Offset || !w.Target.Equal(start.Add(-10*time.Minute)) {
		t.Fatalf("offset window = %+v", w)
	}
}

func TestParseHabitTime(t *testing.T) {
	overrides := map[string]string{"reflex": "22:30", "reflexion diaria": "21:00"}
	tests := []struct {
		title string
		want  string
		ok    bool
	}{
		{"Read 9pm", "21:00", true},
		{"Read 9 PM", "21:00", true},
		{"Gym 7:30 am", "07:30", true},
		{"Stretch 6 a.m.", "06:00", true},
		{"Walk 21:15", "21:15", true},
		{"Sleep 12am", "00:00", true},
		{"Lunch 12pm", "12:00", true},
		{"Meditate 00:00", "00:00", true},
		{"Drink 2 liters", "", false},
		{"Wake 13pm", "", false},
		{"Log 25:00", "", false},
		{"Run 7:75", "", false},
		{"Evening Reflex", "22:30", true},
		{"Reflexion diaria 8pm", "21:00", true},
		{"No time here", "", false},
		{"Take 2 pills 8pm", "20:00", true},
	}
	for _, tt := range tests {
		t.Run(tt.title, func(t *testing.T) {
			got, ok := ParseHabitTime(tt.title, overrides)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("ParseHabitTime(%q) = %q, %v; want %q, %v", tt.title, got, ok, tt.want, tt.ok)
			}
		})
	}
}
