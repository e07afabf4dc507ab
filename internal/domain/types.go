package domain

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("domain: not found")
	ErrInvalid  = errors.New("domain: invalid record")
)

// Kind identifies the entity family of a reminder target.
type Kind string

const (
	KindTask  Kind = "task"
	KindClass Kind = "class"
	KindHabit Kind = "habit"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTask, KindClass, KindHabit:
		return true
	}
	return false
}

// Owner identifies which loop set a flag.
type Owner string

const (
	OwnerClient Owner = "client"
	OwnerPush   Owner = "push"
)

func (o Owner) Valid() bool { return o == OwnerClient || o == OwnerPush }

// Ref addresses one reminder target.
type Ref struct {
	Kind   Kind
	ID     string
	UserID string
}

func (r Ref) String() string { return string(r.Kind) + "-" + r.ID }

// Offset is an "N minutes before" notification policy.
// Minutes == 0 means at the instant itself.
type Offset struct {
	Minutes int    `json:"minutes"`
	Label   string `json:"label,omitempty"`
}

// Task is a one-off reminder target at Date@Time.
type Task struct {
	ID        string   `json:"id"`
	UserID    string   `json:"userId"`
	Title     string   `json:"title"`
	Date      string   `json:"date"` // YYYY-MM-DD
	Time      string   `json:"time"` // HH:MM, empty means no time
	Completed bool     `json:"completed"`
	Offsets   []Offset `json:"offsets,omitempty"`
	Flags     Flags    `json:"flags,omitempty"`
}

func (t Task) Ref() Ref { return Ref{Kind: KindTask, ID: t.ID, UserID: t.UserID} }

// SameSchedule reports whether o targets the same instants as t.
func (t Task) SameSchedule(o Task) bool {
	if t.Date != o.Date || t.Time != o.Time {
		return false
	}
	a, b := NormalizeOffsets(t.Offsets), NormalizeOffsets(o.Offsets)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Minutes != b[i].Minutes {
			return false
		}
	}
	return true
}

// ClassSlot is a weekly recurring class. Its flags are day-scoped.
type ClassSlot struct {
	ID        string       `json:"id"`
	UserID    string       `json:"userId"`
	Subject   string       `json:"subject"`
	Weekday   time.Weekday `json:"weekday"`
	StartTime string       `json:"startTime"`
	EndTime   string       `json:"endTime,omitempty"`
	Room      string       `json:"room,omitempty"`
	Offset    Offset       `json:"offset"`
	Flags     Flags        `json:"flags,omitempty"`
}

func (c ClassSlot) Ref() Ref { return Ref{Kind: KindClass, ID: c.ID, UserID: c.UserID} }

func (c ClassSlot) SameSchedule(o ClassSlot) bool {
	return c.Weekday == o.Weekday && c.StartTime == o.StartTime && c.Offset.Minutes == o.Offset.Minutes
}

// Habit is a daily target whose time of day is encoded in its title.
type Habit struct {
	ID             string   `json:"id"`
	UserID         string   `json:"userId"`
	Title          string   `json:"title"`
	CompletedDates []string `json:"completedDates,omitempty"`
	Flags          Flags    `json:"flags,omitempty"`
}

func (h Habit) Ref() Ref { return Ref{Kind: KindHabit, ID: h.ID, UserID: h.UserID} }

func (h Habit) SameSchedule(o Habit) bool { return h.Title == o.Title }

// CompletedOn reports whether the habit was checked off on date (YYYY-MM-DD).
func (h Habit) CompletedOn(date string) bool {
	for _, d := range h.CompletedDates {
		if d == date {
			return true
		}
	}
	return false
}

// PushSubscription is one browser endpoint of a user. (UserID, Endpoint) is unique.
type PushSubscription struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Endpoint  string    `json:"endpoint"`
	P256dh    string    `json:"p256dh"`
	Auth      string    `json:"auth"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NotificationEvent records one fired window. Events are append-only.
type NotificationEvent struct {
	ID         string    `json:"id"`
	EntityKind Kind      `json:"entity_kind"`
	EntityID   string    `json:"entity_id"`
	UserID     string    `json:"user_id,omitempty"`
	Window     string    `json:"window"` // "exact" or "offset:N"
	Target     time.Time `json:"target"`
	FiredAt    time.Time `json:"fired_at"`
	Owner      Owner     `json:"owner"`
	Channel    string    `json:"channel,omitempty"`
}
