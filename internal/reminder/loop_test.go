package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"nudge/internal/datastore"
	"nudge/internal/dedup"
	"nudge/internal/dispatch"
	"nudge/internal/domain"
	"nudge/internal/trigger"
	"nudge/internal/window"
	logx "nudge/pkg/logx"
)

type recorder struct {
	mu  sync.Mutex
	got []dispatch.Notification
}

func (r *recorder) Dispatch(_ context.Context, n dispatch.Notification) error {
	r.mu.Lock()
	r.got = append(r.got, n)
	r.mu.Unlock()
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

// flakyStore fails UpdateFlags while fail is set.
type flakyStore struct {
	datastore.Store
	mu   sync.Mutex
	fail bool
}

func (f *flakyStore) UpdateFlags(ctx context.Context, kind domain.Kind, id string, p domain.FlagPatch) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("store unreachable")
	}
	return f.Store.UpdateFlags(ctx, kind, id, p)
}

func (f *flakyStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type harness struct {
	store  *flakyStore
	ledger *dedup.Ledger
	rec    *recorder
	loop   *Loop
}

func agentMatcher() trigger.Matcher {
	return trigger.Matcher{
		Policy:         window.Derive(5*time.Second, window.Floors{Exact: 20 * time.Second, Offset: 30 * time.Second, Jitter: 5 * time.Second}),
		ResetThreshold: 5 * time.Minute,
		Overrides:      map[string]string{"reflex": "22:30"},
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := datastore.OpenSQLite(datastore.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	fs := &flakyStore{Store: st}
	led, err := dedup.New(fs, domain.OwnerClient)
	if err != nil {
		t.Fatalf("dedup.New: %v", err)
	}
	rec := &recorder{}
	loop := New("u1", NewWorkingSet(), fs, led, rec, agentMatcher())
	return &harness{store: fs, ledger: led, rec: rec, loop: loop}
}

func (h *harness) refresh(t *testing.T) {
	t.Helper()
	if err := h.loop.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
}

func utc(day, hh, mm, ss int) time.Time {
	return time.Date(2025, 3, day, hh, mm, ss, 0, time.UTC)
}

func TestTaskScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.store.SaveTask(ctx, domain.Task{
		UserID: "u1", Title: "Standup", Date: "2025-03-10", Time: "09:00",
		Offsets: []domain.Offset{{Minutes: 15, Label: "15 min before"}},
	})
	if err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	h.refresh(t)

	steps := []struct {
		now  time.Time
		want int
	}{
		{utc(10, 8, 44, 45), 0},
		{utc(10, 8, 45, 10), 1},
		{utc(10, 8, 45, 15), 0},
		{utc(10, 9, 0, 5), 1},
		{utc(10, 9, 0, 15), 0},
	}
	for _, s := range steps {
		if got := h.loop.Tick(ctx, s.now); got != s.want {
			t.Fatalf("Tick(%s) fired %d, want %d", s.now.Format(time.TimeOnly), got, s.want)
		}
	}
	if h.rec.count() != 2 {
		t.Fatalf("dispatched = %d, want 2", h.rec.count())
	}

	// Persisted flags survive a refresh and keep the windows fired.
	h.refresh(t)
	tasks, _ := h.store.ListTasks(ctx, datastore.TaskFilter{UserID: "u1"})
	ff := tasks[0].Flags.Get(domain.OwnerClient)
	if !ff.Exact || !ff.Offsets[15] {
		t.Fatalf("persisted flags = %+v", ff)
	}
	if got := h.loop.Tick(ctx, utc(10, 9, 0, 10)); got != 0 {
		t.Fatalf("Tick after refresh fired %d, want 0", got)
	}
	if h.rec.got[0].CorrelationID != "task-"+task.ID {
		t.Fatalf("CorrelationID = %q", h.rec.got[0].CorrelationID)
	}
}

func TestPersistenceFailureRetriesNextTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.SaveTask(ctx, domain.Task{UserID: "u1", Title: "Call", Date: "2025-03-10", Time: "10:00"}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	h.refresh(t)

	h.store.setFail(true)
	if got := h.loop.Tick(ctx, utc(10, 10, 0, 0)); got != 0 {
		t.Fatalf("Tick with failing store fired %d, want 0", got)
	}
	if h.rec.count() != 0 {
		t.Fatal("notified although the flag was not persisted")
	}

	h.store.setFail(false)
	if got := h.loop.Tick(ctx, utc(10, 10, 0, 5)); got != 1 {
		t.Fatalf("retry tick fired %d, want 1", got)
	}
}

func TestRescheduledTaskFiresAgain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task, err := h.store.SaveTask(ctx, domain.Task{UserID: "u1", Title: "Gym", Date: "2025-03-10", Time: "07:00"})
	if err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	h.refresh(t)
	if got := h.loop.Tick(ctx, utc(10, 7, 0, 0)); got != 1 {
		t.Fatalf("first fire = %d, want 1", got)
	}

	task.Time = "07:30"
	if _, err := h.store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	h.refresh(t)
	snap := h.loop.ws.Snapshot()
	if snap.Tasks[0].Flags.Get(domain.OwnerClient).Any() {
		t.Fatalf("flags after reschedule = %+v, want cleared", snap.Tasks[0].Flags)
	}
	if got := h.loop.Tick(ctx, utc(10, 7, 30, 0)); got != 1 {
		t.Fatalf("fire at new instant = %d, want 1", got)
	}

	// Moving back to the original instant re-arms it too.
	task.Time = "07:00"
	task.Date = "2025-03-11"
	if _, err := h.store.SaveTask(ctx, task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}
	h.refresh(t)
	if got := h.loop.Tick(ctx, utc(11, 7, 0, 0)); got != 1 {
		t.Fatalf("fire after second reschedule = %d, want 1", got)
	}
}

func TestClassResetsForNextWeek(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// 2025-03-10 is a Monday.
	if _, err := h.store.SaveClass(ctx, domain.ClassSlot{
		UserID: "u1", Subject: "English", Weekday: time.Monday, StartTime: "10:00",
		Offset: domain.Offset{Minutes: 20},
	}); err != nil {
		t.Fatalf("SaveClass: %v", err)
	}
	h.refresh(t)

	if got := h.loop.Tick(ctx, utc(10, 9, 40, 1)); got != 1 {
		t.Fatalf("class fire = %d, want 1", got)
	}
	if got := h.loop.Tick(ctx, utc(10, 9, 40, 6)); got != 0 {
		t.Fatalf("repeat tick = %d, want 0", got)
	}
	// Beyond the reset threshold the flag clears in memory and in the store.
	h.loop.Tick(ctx, utc(10, 9, 46, 0))
	classes, _ := h.store.ListClasses(ctx, datastore.ClassFilter{UserID: "u1"})
	if classes[0].Flags.Get(domain.OwnerClient).Exact {
		t.Fatal("notifiedToday still set after the reset threshold")
	}
	if got := h.loop.Tick(ctx, utc(17, 9, 40, 0)); got != 1 {
		t.Fatalf("next week fire = %d, want 1", got)
	}
}

func TestHabitFiresOncePerDay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.store.SaveHabit(ctx, domain.Habit{UserID: "u1", Title: "Meditate 6:30am"}); err != nil {
		t.Fatalf("SaveHabit: %v", err)
	}
	if _, err := h.store.SaveHabit(ctx, domain.Habit{UserID: "u1", Title: "Drink 2 liters"}); err != nil {
		t.Fatalf("SaveHabit: %v", err)
	}
	h.refresh(t)

	total := 0
	for s := -10; s <= 60; s += 5 {
		total += h.loop.Tick(ctx, utc(10, 6, 30, 0).Add(time.Duration(s)*time.Second))
	}
	if total != 1 {
		t.Fatalf("fires on day one = %d, want 1", total)
	}
	h.loop.Tick(ctx, utc(10, 12, 0, 0))
	total = 0
	for s := 0; s <= 20; s += 5 {
		total += h.loop.Tick(ctx, utc(11, 6, 30, s))
	}
	if total != 1 {
		t.Fatalf("fires on day two = %d, want 1", total)
	}
}

func TestConcurrentAgentsNeverCorruptFlags(t *testing.T) {
	st, err := datastore.OpenSQLite(datastore.Config{Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()
	if _, err := st.SaveTask(ctx, domain.Task{UserID: "u1", Title: "Exam", Date: "2025-03-10", Time: "09:00"}); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	const agents = 3
	rec := &recorder{}
	loops := make([]*Loop, agents)
	for i := range loops {
		led, _ := dedup.New(st, domain.OwnerClient)
		loops[i] = New("u1", NewWorkingSet(), st, led, rec, agentMatcher())
		if err := loops[i].Refresh(ctx); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
	}
	var wg sync.WaitGroup
	for _, l := range loops {
		wg.Add(1)
		go func(l *Loop) {
			defer wg.Done()
			l.Tick(ctx, utc(10, 9, 0, 5))
		}(l)
	}
	wg.Wait()

	if n := rec.count(); n < 1 || n > agents {
		t.Fatalf("deliveries = %d, want between 1 and %d", n, agents)
	}
	tasks, err := st.ListTasks(ctx, datastore.TaskFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if !tasks[0].Flags.Get(domain.OwnerClient).Exact {
		t.Fatalf("flags = %+v, want exact set", tasks[0].Flags)
	}
	// Every agent now sees the window as fired.
	for _, l := range loops {
		if err := l.Refresh(ctx); err != nil {
			t.Fatalf("Refresh: %v", err)
		}
		if got := l.Tick(ctx, utc(10, 9, 0, 10)); got != 0 {
			t.Fatalf("late tick fired %d, want 0", got)
		}
	}
}

type panicNotifier struct{}

func (panicNotifier) Dispatch(context.Context, dispatch.Notification) error { panic("ui gone") }

func TestPanicInOneRecordDoesNotStopTheTick(t *testing.T) {
	ws := NewWorkingSet()
	ws.Replace(Snapshot{Tasks: []domain.Task{
		{ID: "a", UserID: "u1", Title: "A", Date: "2025-03-10", Time: "09:00"},
		{ID: "b", UserID: "u1", Title: "B", Date: "2025-03-10", Time: "09:00"},
	}})
	fake := &memFlags{}
	led, _ := dedup.New(fake, domain.OwnerClient)
	l := New("u1", ws, nil, led, panicNotifier{}, agentMatcher())
	l.Tick(context.Background(), utc(10, 9, 0, 0))
	if fake.calls != 2 {
		t.Fatalf("flag writes = %d, want 2 (both records evaluated)", fake.calls)
	}
}

type memFlags struct {
	mu    sync.Mutex
	calls int
}

func (m *memFlags) UpdateFlags(context.Context, domain.Kind, string, domain.FlagPatch) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return nil
}

func TestWorkingSetMergeKeepsLocalFlags(t *testing.T) {
	ws := NewWorkingSet()
	task := domain.Task{ID: "t", UserID: "u1", Date: "2025-03-10", Time: "09:00"}
	ws.Replace(Snapshot{Tasks: []domain.Task{task}})
	if !ws.ApplyFlags(task.Ref(), domain.MarkExact(domain.OwnerClient)) {
		t.Fatal("ApplyFlags reported a missing record")
	}
	// The store has not caught up yet: same schedule, no flags.
	if changed := ws.Replace(Snapshot{Tasks: []domain.Task{task}}); len(changed) != 0 {
		t.Fatalf("rescheduled = %v, want none", changed)
	}
	if !ws.Snapshot().Tasks[0].Flags.Get(domain.OwnerClient).Exact {
		t.Fatal("local flag lost on refresh")
	}
	if ws.ApplyFlags(domain.Ref{Kind: domain.KindHabit, ID: "nope"}, domain.MarkExact(domain.OwnerClient)) {
		t.Fatal("ApplyFlags reported success for an unknown record")
	}
}
