package clock

import (
	"errors"
	"testing"
	"time"
)

func TestLoadLocationFixedOffsets(t *testing.T) {
	tests := []struct {
		in   string
		secs int
	}{
		{"UTC-05:00", -5 * 3600},
		{"utc+07", 7 * 3600},
		{"GMT+5:30", 5*3600 + 30*60},
		{"+0930", 9*3600 + 30*60},
		{"UTC", 0},
	}
	for _, tt := range tests {
		loc, err := LoadLocation(tt.in)
		if err != nil {
			t.Fatalf("LoadLocation(%q): %v", tt.in, err)
		}
		_, off := time.Date(2024, 1, 1, 0, 0, 0, 0, loc).Zone()
		if off != tt.secs {
			t.Fatalf("LoadLocation(%q) offset = %d, want %d", tt.in, off, tt.secs)
		}
	}
}

func TestLoadLocationRejectsGarbage(t *testing.T) {
	for _, in := range []string{"Mars/Olympus", "UTC+25"} {
		if _, err := LoadLocation(in); !errors.Is(err, ErrBadTimezone) {
			t.Fatalf("LoadLocation(%q) = %v, want ErrBadTimezone", in, err)
		}
	}
}

func TestAtUsesLocation(t *testing.T) {
	loc, _ := LoadLocation("UTC-05:00")
	got, err := At("2024-03-10", "08:45", loc)
	if err != nil {
		t.Fatalf("At: %v", err)
	}
	want := time.Date(2024, 3, 10, 13, 45, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("At = %v, want %v", got.UTC(), want)
	}
	if _, err := At("2024-03-10", "8h45", loc); err == nil {
		t.Fatal("expected error for malformed time")
	}
}

func TestOnDayAndParseHHMM(t *testing.T) {
	day := time.Date(2024, 3, 11, 17, 3, 9, 0, time.UTC)
	got, err := OnDay(day, "9:05")
	if err != nil {
		t.Fatalf("OnDay: %v", err)
	}
	if want := time.Date(2024, 3, 11, 9, 5, 0, 0, time.UTC); !got.Equal(want) {
		t.Fatalf("OnDay = %v, want %v", got, want)
	}
	for _, bad := range []string{"24:00", "12:60", "1200", ":30", "ab:cd"} {
		if _, _, err := ParseHHMM(bad); err == nil {
			t.Fatalf("ParseHHMM(%q) should fail", bad)
		}
	}
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixed(start)
	c.Advance(5 * time.Second)
	if got := c.Now(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("Now = %v", got)
	}
	var _ Clock = c
	var _ Clock = NewSystem(nil)
}

func TestSystemSetLocation(t *testing.T) {
	c := NewSystem(time.UTC)
	lima := time.FixedZone("UTC-05:00", -5*3600)
	c.SetLocation(lima)
	if c.Location() != lima || c.Now().Location() != lima {
		t.Fatalf("Location = %v, want %v", c.Location(), lima)
	}
	c.SetLocation(nil)
	if c.Location() != time.Local {
		t.Fatalf("Location = %v, want Local", c.Location())
	}
}
