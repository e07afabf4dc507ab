package trigger

import (
	"errors"
	"strings"
	"testing"
	"time"

	"nudge/internal/domain"
	"nudge/internal/window"
)

var lima = time.FixedZone("UTC-05:00", -5*3600)

func matcher() Matcher {
	return Matcher{
		Policy:         window.DefaultPolicy(),
		ResetThreshold: 5 * time.Minute,
		Overrides:      map[string]string{"reflex": "22:30"},
	}
}

func at(h, m, s int) time.Time {
	// 2024-03-11 is a Monday.
	return time.Date(2024, 3, 11, h, m, s, 0, lima)
}

func TestTaskWindows(t *testing.T) {
	task := domain.Task{
		ID: "1", UserID: "u", Title: "Pay rent", Date: "2024-03-11", Time: "09:00",
		Offsets: []domain.Offset{{Minutes: 15, Label: "15 minutes left"}, {Minutes: 60}},
	}
	tests := []struct {
		name string
		now  time.Time
		keys []string
	}{
		{"exact", at(9, 0, 10), []string{"exact"}},
		{"offset with label", at(8, 45, 0), []string{"offset:15"}},
		{"offset no label", at(7, 59, 40), []string{"offset:60"}},
		{"nothing due", at(8, 30, 0), nil},
	}
	m := matcher()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Task(tt.now, task)
			if err != nil {
				t.Fatalf("Task: %v", err)
			}
			if len(got) != len(tt.keys) {
				t.Fatalf("candidates = %+v, want keys %v", got, tt.keys)
			}
			for i, c := range got {
				if c.Window.Key() != tt.keys[i] {
					t.Fatalf("candidate[%d] = %s, want %s", i, c.Window.Key(), tt.keys[i])
				}
				if c.Tag() != "task-1" {
					t.Fatalf("Tag = %q, want task-1", c.Tag())
				}
			}
		})
	}

	got, _ := m.Task(at(8, 45, 0), task)
	if got[0].Body != "15 minutes left" || !strings.Contains(got[0].Title, "Pay rent") {
		t.Fatalf("offset message = %+v", got[0])
	}
	got, _ = m.Task(at(8, 0, 0), task)
	if got[0].Body != "In 60 minutes (09:00)" {
		t.Fatalf("unlabelled offset body = %q", got[0].Body)
	}
}

func TestTaskSkipsCompletedAndUntimed(t *testing.T) {
	m := matcher()
	for _, task := range []domain.Task{
		{ID: "1", Date: "2024-03-11", Time: "09:00", Completed: true},
		{ID: "2", Date: "2024-03-11"},
		{ID: "3", Time: "09:00"},
	} {
		got, err := m.Task(at(9, 0, 0), task)
		if err != nil || len(got) != 0 {
			t.Fatalf("Task(%+v) = %v, %v; want nothing", task, got, err)
		}
	}
}

func TestTaskMalformed(t *testing.T) {
	_, err := matcher().Task(at(9, 0, 0), domain.Task{ID: "x", Date: "2024-13-40", Time: "09:00"})
	if !errors.Is(err, ErrBadRecord) {
		t.Fatalf("err = %v, want ErrBadRecord", err)
	}
}

func TestClassOffsetPolicyAndReset(t *testing.T) {
	m := matcher()
	slot := domain.ClassSlot{
		ID: "7", UserID: "u", Subject: "English", Weekday: time.Monday, StartTime: "10:00",
		Offset: domain.Offset{Minutes: 20},
	}

	got, stale, err := m.Class(at(9, 40, 5), slot, domain.OwnerClient)
	if err != nil || stale || len(got) != 1 {
		t.Fatalf("Class at 09:40 = %v, %v, %v", got, stale, err)
	}
	if got[0].Window.Key() != "offset:20" || got[0].Body != "Your class starts in 20 minutes (10:00)" {
		t.Fatalf("candidate = %+v", got[0])
	}

	// Wrong weekday never matches.
	tue := at(9, 40, 0).AddDate(0, 0, 1)
	if got, _, _ := m.Class(tue, slot, domain.OwnerClient); len(got) != 0 {
		t.Fatalf("Class on Tuesday = %v, want none", got)
	}

	// Flag left over from the previous occurrence is stale far from the trigger.
	slot.Flags = domain.Flags{domain.OwnerClient: {Exact: true}}
	if _, stale, _ := m.Class(at(9, 0, 0), slot, domain.OwnerClient); !stale {
		t.Fatal("stale = false an hour before the trigger with the flag set")
	}
	if _, stale, _ := m.Class(at(9, 0, 0), slot, domain.OwnerPush); stale {
		t.Fatal("stale = true for an owner whose flag is clear")
	}
	// Within the threshold the flag is kept.
	if _, stale, _ := m.Class(at(9, 43, 0), slot, domain.OwnerClient); stale {
		t.Fatal("stale = true within the reset threshold")
	}
}

func TestClassAtStart(t *testing.T) {
	slot := domain.ClassSlot{ID: "8", Subject: "Math", Weekday: time.Monday, StartTime: "14:00", Room: "B-204"}
	got, _, err := matcher().Class(at(14, 0, 0), slot, domain.OwnerPush)
	if err != nil || len(got) != 1 {
		t.Fatalf("Class = %v, %v", got, err)
	}
	if got[0].Window.Kind != window.Exact || got[0].Body != "Your 14:00 class is about to start · B-204" {
		t.Fatalf("candidate = %+v", got[0])
	}
}

func TestHabit(t *testing.T) {
	m := matcher()
	h := domain.Habit{ID: "h1", UserID: "u", Title: "Read book 9:15 pm"}
	got, _, err := m.Habit(at(21, 15, 0), h, domain.OwnerClient)
	if err != nil || len(got) != 1 {
		t.Fatalf("Habit = %v, %v", got, err)
	}
	if got[0].Title != "⏰ Read book" || got[0].Body != "Time to complete this habit" {
		t.Fatalf("candidate = %+v", got[0])
	}

	override := domain.Habit{ID: "h2", Title: "Reflex session"}
	if got, _, _ := m.Habit(at(22, 30, 5), override, domain.OwnerClient); len(got) != 1 {
		t.Fatalf("override habit = %v, want one candidate", got)
	}

	if _, _, err := m.Habit(at(9, 0, 0), domain.Habit{ID: "h3", Title: "Drink 2 liters"}, domain.OwnerClient); !errors.Is(err, ErrNoHabitTime) {
		t.Fatalf("err = %v, want ErrNoHabitTime", err)
	}
}
