package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"
)

var (
	ErrUnknownDriver = errors.New("storage: unknown driver")
	ErrNoPath        = errors.New("storage: path is required")
	ErrClosed        = errors.New("storage: closed")
)

// Store is the event log the dedup ledger writes through and warms from.
type Store interface {
	AppendEvent(ctx context.Context, e domain.NotificationEvent) error
	// ListEvents returns events fired at or after since, oldest first.
	ListEvents(ctx context.Context, since time.Time) ([]domain.NotificationEvent, error)
	// Compact drops events fired before the cutoff.
	Compact(ctx context.Context, before time.Time) error
	Close() error
}

// Config selects the event log driver. An empty Driver or "none" disables
// the log.
type Config struct {
	Driver string
	Path   string
	// BusyTimeout is sqlite's lock wait. 0 keeps the driver default.
	BusyTimeout time.Duration
	// Retention bounds automatic pruning during appends. 0 means 48h.
	Retention time.Duration
}

func (c Config) keep() time.Duration {
	if c.Retention > 0 {
		return c.Retention
	}
	return 48 * time.Hour
}

type opener func(Config, logx.Logger) (Store, error)

var drivers = map[string]opener{
	"file":    openFile,
	"sqlite":  openSQLite,
	"sqlite3": openSQLite,
}

// Open builds the configured event log, or returns (nil, nil) when it is
// disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if name == "" || name == "none" {
		return nil, nil
	}
	open, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDriver, cfg.Driver)
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("%w (driver %s)", ErrNoPath, name)
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return open(cfg, log)
}
