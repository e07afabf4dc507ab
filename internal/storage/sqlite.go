package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var schema string

const (
	eventColumns = `id, entity_kind, entity_id, user_id, window_key, target, fired_at, owner, channel`

	// prune runs inline on every pruneEvery-th append.
	pruneEvery  = 500
	pruneBudget = 50 * time.Millisecond
)

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	keep time.Duration
	n    atomic.Uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL"}
	if cfg.BusyTimeout > 0 {
		pragmas = append(pragmas, fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma ignored", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("event log schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, keep: cfg.keep()}, nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) AppendEvent(ctx context.Context, e domain.NotificationEvent) error {
	if e.FiredAt.IsZero() {
		e.FiredAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO notification_events(`+eventColumns+`) VALUES(?,?,?,?,?,?,?,?,?)`,
		e.ID, string(e.EntityKind), e.EntityID, optional(e.UserID), e.Window,
		e.Target.UnixMilli(), e.FiredAt.UnixMilli(), string(e.Owner), optional(e.Channel),
	)
	if err != nil {
		return err
	}
	if s.n.Add(1)%pruneEvery == 0 {
		s.prune()
	}
	return nil
}

func (s *sqliteStore) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneBudget)
	defer cancel()
	if err := s.Compact(ctx, time.Now().Add(-s.keep)); err != nil {
		s.log.Debug("event prune skipped", logx.Err(err))
	}
}

func (s *sqliteStore) ListEvents(ctx context.Context, since time.Time) ([]domain.NotificationEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM notification_events WHERE fired_at >= ? ORDER BY fired_at, id`,
		since.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.NotificationEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEvent(rows *sql.Rows) (domain.NotificationEvent, error) {
	var (
		e               domain.NotificationEvent
		kind, owner     string
		user, channel   sql.NullString
		target, firedAt int64
	)
	err := rows.Scan(&e.ID, &kind, &e.EntityID, &user, &e.Window, &target, &firedAt, &owner, &channel)
	e.EntityKind = domain.Kind(kind)
	e.Owner = domain.Owner(owner)
	e.UserID, e.Channel = user.String, channel.String
	e.Target, e.FiredAt = time.UnixMilli(target), time.UnixMilli(firedAt)
	return e, err
}

func (s *sqliteStore) Compact(ctx context.Context, before time.Time) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM notification_events WHERE fired_at < ?`, before.UnixMilli())
	return err
}

func optional(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
