package reminder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"nudge/internal/datastore"
	"nudge/internal/domain"
)

// Loader is the read side of the datastore the working set refreshes from.
type Loader interface {
	ListTasks(ctx context.Context, f datastore.TaskFilter) ([]domain.Task, error)
	ListClasses(ctx context.Context, f datastore.ClassFilter) ([]domain.ClassSlot, error)
	ListHabits(ctx context.Context, f datastore.HabitFilter) ([]domain.Habit, error)
}

// Snapshot is an immutable copy of the working set taken at one instant.
type Snapshot struct {
	Tasks   []domain.Task
	Classes []domain.ClassSlot
	Habits  []domain.Habit
}

// WorkingSet is the agent's in-memory copy of one user's records. It is the
// only place the loop reads entities from; Snapshot hands out copies so a
// tick never observes a half-applied refresh.
type WorkingSet struct {
	mu        sync.RWMutex
	tasks     map[string]domain.Task
	classes   map[string]domain.ClassSlot
	habits    map[string]domain.Habit
	refreshed time.Time
}

func NewWorkingSet() *WorkingSet {
	return &WorkingSet{
		tasks:   map[string]domain.Task{},
		classes: map[string]domain.ClassSlot{},
		habits:  map[string]domain.Habit{},
	}
}

func (ws *WorkingSet) Snapshot() Snapshot {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	s := Snapshot{
		Tasks:   make([]domain.Task, 0, len(ws.tasks)),
		Classes: make([]domain.ClassSlot, 0, len(ws.classes)),
		Habits:  make([]domain.Habit, 0, len(ws.habits)),
	}
	for _, t := range ws.tasks {
		t.Flags = t.Flags.Clone()
		t.Offsets = append([]domain.Offset(nil), t.Offsets...)
		s.Tasks = append(s.Tasks, t)
	}
	for _, c := range ws.classes {
		c.Flags = c.Flags.Clone()
		s.Classes = append(s.Classes, c)
	}
	for _, h := range ws.habits {
		h.Flags = h.Flags.Clone()
		h.CompletedDates = append([]string(nil), h.CompletedDates...)
		s.Habits = append(s.Habits, h)
	}
	sort.Slice(s.Tasks, func(i, j int) bool { return s.Tasks[i].ID < s.Tasks[j].ID })
	sort.Slice(s.Classes, func(i, j int) bool { return s.Classes[i].ID < s.Classes[j].ID })
	sort.Slice(s.Habits, func(i, j int) bool { return s.Habits[i].ID < s.Habits[j].ID })
	return s
}

// Len returns the number of records held.
func (ws *WorkingSet) Len() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.tasks) + len(ws.classes) + len(ws.habits)
}

// RefreshedAt is the time of the last successful Replace.
func (ws *WorkingSet) RefreshedAt() time.Time {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return ws.refreshed
}

// Replace swaps in fresh records. For a record whose schedule did not change
// the flags are merged, so a flag set locally that the store has not yet
// reflected survives. Records whose schedule changed take the store's flags
// and are reported in rescheduled.
func (ws *WorkingSet) Replace(s Snapshot) (rescheduled []domain.Ref) {
	ws.mu.Lock()
	defer ws.mu.Unlock()

	tasks := make(map[string]domain.Task, len(s.Tasks))
	for _, t := range s.Tasks {
		if old, ok := ws.tasks[t.ID]; ok {
			if old.SameSchedule(t) {
				t.Flags = t.Flags.Merge(old.Flags)
			} else {
				rescheduled = append(rescheduled, t.Ref())
			}
		}
		tasks[t.ID] = t
	}
	classes := make(map[string]domain.ClassSlot, len(s.Classes))
	for _, c := range s.Classes {
		if old, ok := ws.classes[c.ID]; ok {
			if old.SameSchedule(c) {
				c.Flags = c.Flags.Merge(old.Flags)
			} else {
				rescheduled = append(rescheduled, c.Ref())
			}
		}
		classes[c.ID] = c
	}
	habits := make(map[string]domain.Habit, len(s.Habits))
	for _, h := range s.Habits {
		if old, ok := ws.habits[h.ID]; ok {
			if old.SameSchedule(h) {
				h.Flags = h.Flags.Merge(old.Flags)
			} else {
				rescheduled = append(rescheduled, h.Ref())
			}
		}
		habits[h.ID] = h
	}
	ws.tasks, ws.classes, ws.habits = tasks, classes, habits
	ws.refreshed = time.Now()
	return rescheduled
}

// ApplyFlags patches the flags of one record. It reports false when the
// record is not in the set.
func (ws *WorkingSet) ApplyFlags(ref domain.Ref, p domain.FlagPatch) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	switch ref.Kind {
	case domain.KindTask:
		t, ok := ws.tasks[ref.ID]
		if !ok {
			return false
		}
		t.Flags = t.Flags.Apply(p)
		ws.tasks[ref.ID] = t
	case domain.KindClass:
		c, ok := ws.classes[ref.ID]
		if !ok {
			return false
		}
		c.Flags = c.Flags.Apply(p)
		ws.classes[ref.ID] = c
	case domain.KindHabit:
		h, ok := ws.habits[ref.ID]
		if !ok {
			return false
		}
		h.Flags = h.Flags.Apply(p)
		ws.habits[ref.ID] = h
	default:
		return false
	}
	return true
}

// Refresh loads userID's records from src and replaces the set. Completed
// tasks are left out; they can never fire.
func (ws *WorkingSet) Refresh(ctx context.Context, src Loader, userID string) ([]domain.Ref, error) {
	open := false
	tasks, err := src.ListTasks(ctx, datastore.TaskFilter{UserID: userID, Completed: &open})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	classes, err := src.ListClasses(ctx, datastore.ClassFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list classes: %w", err)
	}
	habits, err := src.ListHabits(ctx, datastore.HabitFilter{UserID: userID})
	if err != nil {
		return nil, fmt.Errorf("list habits: %w", err)
	}
	return ws.Replace(Snapshot{Tasks: tasks, Classes: classes, Habits: habits}), nil
}
