// Package datastore is the domain store both loops read from: tasks, class
// slots, habits and push subscription rows.
//
// Edits go through Save*, which keeps the stored dedup flags when the
// schedule is unchanged and clears them (all owners) in the same write when
// it changes. Loops only ever call UpdateFlags.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"
)

var ErrUnknownDriver = errors.New("datastore: unknown driver")

type TaskFilter struct {
	UserID    string   // empty means all users
	Dates     []string // YYYY-MM-DD; empty means any date
	Completed *bool
}

type ClassFilter struct {
	UserID  string
	Weekday *time.Weekday
}

type HabitFilter struct {
	UserID string
}

// Store is the query surface of the domain store.
type Store interface {
	ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error)
	ListClasses(ctx context.Context, f ClassFilter) ([]domain.ClassSlot, error)
	ListHabits(ctx context.Context, f HabitFilter) ([]domain.Habit, error)

	// UpdateFlags patches dedup fields only. Returns domain.ErrNotFound when
	// the record is gone.
	UpdateFlags(ctx context.Context, kind domain.Kind, id string, p domain.FlagPatch) error

	SaveTask(ctx context.Context, t domain.Task) (domain.Task, error)
	SaveClass(ctx context.Context, c domain.ClassSlot) (domain.ClassSlot, error)
	SaveHabit(ctx context.Context, h domain.Habit) (domain.Habit, error)
	Delete(ctx context.Context, kind domain.Kind, id string) error

	UpsertSubscription(ctx context.Context, s domain.PushSubscription) (domain.PushSubscription, error)
	DeleteSubscription(ctx context.Context, userID, endpoint string) (bool, error)
	DeleteSubscriptionsByEndpoint(ctx context.Context, endpoint string) (int, error)
	ListSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error)

	Close() error
}

// Config selects and configures a driver.
type Config struct {
	Driver      string
	Path        string        // sqlite
	BusyTimeout time.Duration // sqlite

	ProjectID       string // firestore
	CredentialsFile string // firestore; empty uses application default credentials
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "sqlite", "sqlite3":
		return OpenSQLite(cfg, log)
	case "firestore":
		return OpenFirestore(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
}

func validateTask(t domain.Task) error {
	if strings.TrimSpace(t.UserID) == "" {
		return fmt.Errorf("%w: task user id is required", domain.ErrInvalid)
	}
	if _, err := time.Parse("2006-01-02", t.Date); err != nil {
		return fmt.Errorf("%w: task date %q", domain.ErrInvalid, t.Date)
	}
	if t.Time != "" {
		if _, err := time.Parse("15:04", t.Time); err != nil {
			return fmt.Errorf("%w: task time %q", domain.ErrInvalid, t.Time)
		}
	}
	return nil
}

func validateClass(c domain.ClassSlot) error {
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("%w: class user id is required", domain.ErrInvalid)
	}
	if c.Weekday < time.Sunday || c.Weekday > time.Saturday {
		return fmt.Errorf("%w: class weekday %d", domain.ErrInvalid, c.Weekday)
	}
	if _, err := time.Parse("15:04", c.StartTime); err != nil {
		return fmt.Errorf("%w: class start time %q", domain.ErrInvalid, c.StartTime)
	}
	if c.Offset.Minutes < 0 {
		return fmt.Errorf("%w: class offset %d", domain.ErrInvalid, c.Offset.Minutes)
	}
	return nil
}

func validateHabit(h domain.Habit) error {
	if strings.TrimSpace(h.UserID) == "" {
		return fmt.Errorf("%w: habit user id is required", domain.ErrInvalid)
	}
	if strings.TrimSpace(h.Title) == "" {
		return fmt.Errorf("%w: habit title is required", domain.ErrInvalid)
	}
	return nil
}

func validateSubscription(s domain.PushSubscription) error {
	if strings.TrimSpace(s.UserID) == "" || strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("%w: subscription user id and endpoint are required", domain.ErrInvalid)
	}
	return nil
}
