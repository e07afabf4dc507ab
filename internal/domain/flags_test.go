package domain

import "testing"

func TestFlagsApply(t *testing.T) {
	var f Flags
	f = f.Apply(MarkExact(OwnerClient))
	f = f.Apply(MarkOffset(OwnerClient, 15))
	f = f.Apply(MarkOffset(OwnerPush, 30))

	if !f.Get(OwnerClient).Exact || !f.Get(OwnerClient).Offsets[15] {
		t.Fatalf("client flags = %+v", f.Get(OwnerClient))
	}
	if f.Get(OwnerPush).Exact || !f.Get(OwnerPush).Offsets[30] {
		t.Fatalf("push flags = %+v", f.Get(OwnerPush))
	}

	cleared := f.Apply(ClearOwner(OwnerClient))
	if cleared.Get(OwnerClient).Any() {
		t.Fatalf("client flags should be cleared: %+v", cleared)
	}
	if !cleared.Get(OwnerPush).Offsets[30] {
		t.Fatal("push flags must survive a client clear")
	}
	if !f.Get(OwnerClient).Exact {
		t.Fatal("Apply must not mutate the receiver")
	}

	all := f.Apply(FlagPatch{ClearAll: true})
	if len(all) != 0 {
		t.Fatalf("ClearAll left %v", all)
	}
}

func TestFlagsMergeIsOr(t *testing.T) {
	a := Flags{OwnerClient: {Exact: true}}
	b := Flags{OwnerClient: {Offsets: map[int]bool{10: true}}, OwnerPush: {Exact: true}}
	m := a.Merge(b)
	if !m.Get(OwnerClient).Exact || !m.Get(OwnerClient).Offsets[10] || !m.Get(OwnerPush).Exact {
		t.Fatalf("merge = %+v", m)
	}
	if a.Get(OwnerClient).Offsets != nil {
		t.Fatal("Merge must not mutate the receiver")
	}
}

func TestNormalizeOffsets(t *testing.T) {
	got := NormalizeOffsets([]Offset{{Minutes: 5}, {Minutes: 30}, {Minutes: 5, Label: "dup"}, {Minutes: -1}, {Minutes: 15}})
	want := []int{30, 15, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d (%v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Minutes != want[i] {
			t.Fatalf("got[%d] = %d, want %d", i, got[i].Minutes, want[i])
		}
	}
}

func TestSameSchedule(t *testing.T) {
	a := Task{Date: "2024-03-10", Time: "09:00", Offsets: []Offset{{Minutes: 15}, {Minutes: 5}}}
	b := a
	b.Offsets = []Offset{{Minutes: 5}, {Minutes: 15}}
	b.Title = "renamed"
	if !a.SameSchedule(b) {
		t.Fatal("offset order and title must not matter")
	}
	b.Time = "09:30"
	if a.SameSchedule(b) {
		t.Fatal("time change must change the schedule")
	}

	h := Habit{Title: "Read 9pm"}
	if h.SameSchedule(Habit{Title: "Read 10pm"}) {
		t.Fatal("habit title change must change the schedule")
	}
}
