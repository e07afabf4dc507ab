package datastore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaFS embed.FS

// SQLite stores everything in one database file.
// Flags are a JSON column rewritten inside a transaction on every patch.
type SQLite struct {
	db  *sql.DB
	log logx.Logger
	now func() time.Time
}

func OpenSQLite(cfg Config, log logx.Logger) (*SQLite, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("datastore: sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer; also keeps a :memory: database alive on a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	schemaSQL, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("read schema: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), string(schemaSQL)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &SQLite{db: db, log: log, now: time.Now}, nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) stamp() string { return s.now().UTC().Format(time.RFC3339Nano) }

// ---- tasks ----

func (s *SQLite) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	q := `SELECT id, user_id, title, date, time, completed, offsets, flags FROM tasks WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if len(f.Dates) > 0 {
		q += ` AND date IN (` + placeholders(len(f.Dates)) + `)`
		for _, d := range f.Dates {
			args = append(args, d)
		}
	}
	if f.Completed != nil {
		q += ` AND completed = ?`
		args = append(args, boolInt(*f.Completed))
	}
	q += ` ORDER BY date, time, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		var (
			t                domain.Task
			completed        int
			offsets, flagsJS string
		)
		if err := rows.Scan(&t.ID, &t.UserID, &t.Title, &t.Date, &t.Time, &completed, &offsets, &flagsJS); err != nil {
			return nil, err
		}
		t.Completed = completed != 0
		if err := json.Unmarshal([]byte(offsets), &t.Offsets); err != nil {
			return nil, fmt.Errorf("task %s offsets: %w", t.ID, err)
		}
		if t.Flags, err = decodeFlags(flagsJS); err != nil {
			return nil, fmt.Errorf("task %s flags: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveTask(ctx context.Context, t domain.Task) (domain.Task, error) {
	t.Offsets = domain.NormalizeOffsets(t.Offsets)
	if err := validateTask(t); err != nil {
		return domain.Task{}, err
	}
	offsets, err := json.Marshal(nonNilOffsets(t.Offsets))
	if err != nil {
		return domain.Task{}, err
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var prev *domain.Task
		if t.ID != "" {
			var (
				p                  domain.Task
				prevOffs, prevFlag string
			)
			err := tx.QueryRowContext(ctx, `SELECT date, time, offsets, flags FROM tasks WHERE id = ?`, t.ID).
				Scan(&p.Date, &p.Time, &prevOffs, &prevFlag)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return err
			default:
				if err := json.Unmarshal([]byte(prevOffs), &p.Offsets); err != nil {
					return err
				}
				if p.Flags, err = decodeFlags(prevFlag); err != nil {
					return err
				}
				prev = &p
			}
		} else {
			t.ID = uuid.NewString()
		}

		t.Flags = nil
		if prev != nil && prev.SameSchedule(t) {
			t.Flags = prev.Flags
		}
		flagsJS, err := encodeFlags(t.Flags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks(id, user_id, title, date, time, completed, offsets, flags, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, title=excluded.title, date=excluded.date,
			   time=excluded.time, completed=excluded.completed, offsets=excluded.offsets, flags=excluded.flags,
			   updated_at=excluded.updated_at`,
			t.ID, t.UserID, t.Title, t.Date, t.Time, boolInt(t.Completed), string(offsets), flagsJS, s.stamp(),
		)
		return err
	})
	if err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// ---- classes ----

func (s *SQLite) ListClasses(ctx context.Context, f ClassFilter) ([]domain.ClassSlot, error) {
	q := `SELECT id, user_id, subject, weekday, start_time, end_time, room, offset_minutes, offset_label, flags FROM classes WHERE 1=1`
	var args []any
	if f.UserID != "" {
		q += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Weekday != nil {
		q += ` AND weekday = ?`
		args = append(args, int(*f.Weekday))
	}
	q += ` ORDER BY start_time, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ClassSlot
	for rows.Next() {
		var (
			c       domain.ClassSlot
			weekday int
			flagsJS string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Subject, &weekday, &c.StartTime, &c.EndTime, &c.Room,
			&c.Offset.Minutes, &c.Offset.Label, &flagsJS); err != nil {
			return nil, err
		}
		c.Weekday = time.Weekday(weekday)
		if c.Flags, err = decodeFlags(flagsJS); err != nil {
			return nil, fmt.Errorf("class %s flags: %w", c.ID, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveClass(ctx context.Context, c domain.ClassSlot) (domain.ClassSlot, error) {
	if err := validateClass(c); err != nil {
		return domain.ClassSlot{}, err
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var prev *domain.ClassSlot
		if c.ID != "" {
			var (
				p       domain.ClassSlot
				weekday int
				flagsJS string
			)
			err := tx.QueryRowContext(ctx, `SELECT weekday, start_time, offset_minutes, flags FROM classes WHERE id = ?`, c.ID).
				Scan(&weekday, &p.StartTime, &p.Offset.Minutes, &flagsJS)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return err
			default:
				p.Weekday = time.Weekday(weekday)
				if p.Flags, err = decodeFlags(flagsJS); err != nil {
					return err
				}
				prev = &p
			}
		} else {
			c.ID = uuid.NewString()
		}

		c.Flags = nil
		if prev != nil && prev.SameSchedule(c) {
			c.Flags = prev.Flags
		}
		flagsJS, err := encodeFlags(c.Flags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO classes(id, user_id, subject, weekday, start_time, end_time, room, offset_minutes, offset_label, flags, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, subject=excluded.subject, weekday=excluded.weekday,
			   start_time=excluded.start_time, end_time=excluded.end_time, room=excluded.room,
			   offset_minutes=excluded.offset_minutes, offset_label=excluded.offset_label, flags=excluded.flags,
			   updated_at=excluded.updated_at`,
			c.ID, c.UserID, c.Subject, int(c.Weekday), c.StartTime, c.EndTime, c.Room,
			c.Offset.Minutes, c.Offset.Label, flagsJS, s.stamp(),
		)
		return err
	})
	if err != nil {
		return domain.ClassSlot{}, err
	}
	return c, nil
}

// ---- habits ----

func (s *SQLite) ListHabits(ctx context.Context, f HabitFilter) ([]domain.Habit, error) {
	q := `SELECT id, user_id, title, completed_dates, flags FROM habits`
	var args []any
	if f.UserID != "" {
		q += ` WHERE user_id = ?`
		args = append(args, f.UserID)
	}
	q += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Habit
	for rows.Next() {
		var (
			h              domain.Habit
			dates, flagsJS string
		)
		if err := rows.Scan(&h.ID, &h.UserID, &h.Title, &dates, &flagsJS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(dates), &h.CompletedDates); err != nil {
			return nil, fmt.Errorf("habit %s dates: %w", h.ID, err)
		}
		if h.Flags, err = decodeFlags(flagsJS); err != nil {
			return nil, fmt.Errorf("habit %s flags: %w", h.ID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SQLite) SaveHabit(ctx context.Context, h domain.Habit) (domain.Habit, error) {
	if err := validateHabit(h); err != nil {
		return domain.Habit{}, err
	}
	dates, err := json.Marshal(nonNilStrings(h.CompletedDates))
	if err != nil {
		return domain.Habit{}, err
	}
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var prev *domain.Habit
		if h.ID != "" {
			var (
				p       domain.Habit
				flagsJS string
			)
			err := tx.QueryRowContext(ctx, `SELECT title, flags FROM habits WHERE id = ?`, h.ID).Scan(&p.Title, &flagsJS)
			switch {
			case errors.Is(err, sql.ErrNoRows):
			case err != nil:
				return err
			default:
				if p.Flags, err = decodeFlags(flagsJS); err != nil {
					return err
				}
				prev = &p
			}
		} else {
			h.ID = uuid.NewString()
		}

		h.Flags = nil
		if prev != nil && prev.SameSchedule(h) {
			h.Flags = prev.Flags
		}
		flagsJS, err := encodeFlags(h.Flags)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO habits(id, user_id, title, completed_dates, flags, updated_at)
			 VALUES(?,?,?,?,?,?)
			 ON CONFLICT(id) DO UPDATE SET user_id=excluded.user_id, title=excluded.title,
			   completed_dates=excluded.completed_dates, flags=excluded.flags, updated_at=excluded.updated_at`,
			h.ID, h.UserID, h.Title, string(dates), flagsJS, s.stamp(),
		)
		return err
	})
	if err != nil {
		return domain.Habit{}, err
	}
	return h, nil
}

// ---- flags ----

func table(kind domain.Kind) (string, error) {
	switch kind {
	case domain.KindTask:
		return "tasks", nil
	case domain.KindClass:
		return "classes", nil
	case domain.KindHabit:
		return "habits", nil
	}
	return "", fmt.Errorf("%w: kind %q", domain.ErrInvalid, kind)
}

func (s *SQLite) UpdateFlags(ctx context.Context, kind domain.Kind, id string, p domain.FlagPatch) error {
	tbl, err := table(kind)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx, `SELECT flags FROM `+tbl+` WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
		}
		if err != nil {
			return err
		}
		flags, err := decodeFlags(cur)
		if err != nil {
			return err
		}
		next, err := encodeFlags(flags.Apply(p))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE `+tbl+` SET flags = ? WHERE id = ?`, next, id)
		return err
	})
}

func (s *SQLite) Delete(ctx context.Context, kind domain.Kind, id string) error {
	tbl, err := table(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM `+tbl+` WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, kind, id)
	}
	return nil
}

// ---- subscriptions ----

func (s *SQLite) UpsertSubscription(ctx context.Context, sub domain.PushSubscription) (domain.PushSubscription, error) {
	if err := validateSubscription(sub); err != nil {
		return domain.PushSubscription{}, err
	}
	now := s.now().UTC()
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	ts := now.Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO push_subscriptions(id, user_id, endpoint, p256dh, auth, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(user_id, endpoint) DO UPDATE SET p256dh=excluded.p256dh, auth=excluded.auth, updated_at=excluded.updated_at`,
		sub.ID, sub.UserID, sub.Endpoint, sub.P256dh, sub.Auth, ts, ts,
	)
	if err != nil {
		return domain.PushSubscription{}, err
	}
	var created, updated string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, created_at, updated_at FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`,
		sub.UserID, sub.Endpoint,
	).Scan(&sub.ID, &created, &updated)
	if err != nil {
		return domain.PushSubscription{}, err
	}
	sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return sub, nil
}

func (s *SQLite) DeleteSubscription(ctx context.Context, userID, endpoint string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE user_id = ? AND endpoint = ?`, userID, endpoint)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLite) DeleteSubscriptionsByEndpoint(ctx context.Context, endpoint string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM push_subscriptions WHERE endpoint = ?`, endpoint)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLite) ListSubscriptions(ctx context.Context, userID string) ([]domain.PushSubscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, endpoint, p256dh, auth, created_at, updated_at
		 FROM push_subscriptions WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.PushSubscription
	for rows.Next() {
		var (
			sub              domain.PushSubscription
			created, updated string
		)
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.Endpoint, &sub.P256dh, &sub.Auth, &created, &updated); err != nil {
			return nil, err
		}
		sub.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sub.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, sub)
	}
	return out, rows.Err()
}

// ---- helpers ----

func (s *SQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func encodeFlags(f domain.Flags) (string, error) {
	if len(f) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeFlags(s string) (domain.Flags, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var f domain.Flags
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	return f, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNilOffsets(in []domain.Offset) []domain.Offset {
	if in == nil {
		return []domain.Offset{}
	}
	return in
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
