package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"
)

func openTestStore(t *testing.T, driver string) Store {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "events")
	if driver == "sqlite" {
		path = filepath.Join(dir, "events.db")
	}
	st, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open(%s): %v", driver, err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func event(id string, firedAt time.Time) domain.NotificationEvent {
	return domain.NotificationEvent{
		ID:         id,
		EntityKind: domain.KindTask,
		EntityID:   "t-" + id,
		UserID:     "u1",
		Window:     "exact",
		Target:     firedAt.Truncate(time.Minute),
		FiredAt:    firedAt,
		Owner:      domain.OwnerClient,
	}
}

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none"} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); !errors.Is(err, ErrUnknownDriver) {
		t.Fatalf("Open(redis) = %v, want ErrUnknownDriver", err)
	}
	if _, err := Open(Config{Driver: "sqlite"}, logx.Nop()); !errors.Is(err, ErrNoPath) {
		t.Fatalf("Open(sqlite, no path) = %v, want ErrNoPath", err)
	}
}

func TestAppendListCompact(t *testing.T) {
	for _, driver := range []string{"file", "sqlite"} {
		t.Run(driver, func(t *testing.T) {
			st := openTestStore(t, driver)
			ctx := context.Background()
			base := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)

			for i, id := range []string{"a", "b", "c"} {
				if err := st.AppendEvent(ctx, event(id, base.Add(time.Duration(i)*time.Hour))); err != nil {
					t.Fatalf("AppendEvent: %v", err)
				}
			}

			got, err := st.ListEvents(ctx, base.Add(time.Hour))
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(got) != 2 || got[0].ID != "b" || got[1].ID != "c" {
				t.Fatalf("ListEvents = %+v, want b,c", got)
			}
			if got[0].EntityKind != domain.KindTask || got[0].Owner != domain.OwnerClient || got[0].Window != "exact" {
				t.Fatalf("fields lost: %+v", got[0])
			}
			if !got[0].FiredAt.Equal(base.Add(time.Hour)) {
				t.Fatalf("fired_at = %v", got[0].FiredAt)
			}

			if err := st.Compact(ctx, base.Add(2*time.Hour)); err != nil {
				t.Fatalf("Compact: %v", err)
			}
			got, err = st.ListEvents(ctx, time.Time{})
			if err != nil {
				t.Fatalf("ListEvents: %v", err)
			}
			if len(got) != 1 || got[0].ID != "c" {
				t.Fatalf("after compact = %+v, want c", got)
			}

			// Appends keep working after a compaction.
			if err := st.AppendEvent(ctx, event("d", base.Add(3*time.Hour))); err != nil {
				t.Fatalf("AppendEvent after compact: %v", err)
			}
			got, _ = st.ListEvents(ctx, time.Time{})
			if len(got) != 2 {
				t.Fatalf("len = %d, want 2", len(got))
			}
		})
	}
}

func TestFileJournalSkipsTornLines(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "log")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx := context.Background()
	now := time.Now()
	if err := st.AppendEvent(ctx, event("a", now)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	_ = st.Close()

	f, err := os.OpenFile(filepath.Join(dir, "log.events.jsonl"), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	_, _ = f.WriteString(`{"id":"b","entity_ki`)
	_ = f.Close()

	st, err = Open(Config{Driver: "file", Path: filepath.Join(dir, "log")}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, err := st.ListEvents(ctx, time.Time{})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("ListEvents = %+v, want only a", got)
	}
}
