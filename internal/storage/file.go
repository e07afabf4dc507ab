package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"nudge/internal/domain"
	logx "nudge/pkg/logx"
)

// fileStore keeps events in <prefix>.events.jsonl (append-only JSON Lines).
//
// Compaction rewrites the journal into a temp file with only the retained
// events and renames it over the original.
type fileStore struct {
	log logx.Logger

	mu        sync.Mutex
	path      string
	f         *os.File
	retention time.Duration
	writes    int
}

const compactEvery = 1000

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	journal := prefix + ".events.jsonl"
	f, err := os.OpenFile(journal, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	if torn, _ := endsMidLine(journal); torn {
		_, _ = f.Write([]byte{'\n'})
	}
	return &fileStore{log: log, path: journal, f: f, retention: cfg.keep()}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendEvent(ctx context.Context, e domain.NotificationEvent) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.f).Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(time.Now().Add(-s.retention)); err != nil {
			s.log.Debug("event journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) ListEvents(ctx context.Context, since time.Time) ([]domain.NotificationEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.NotificationEvent
	err := readJournal(s.path, func(e domain.NotificationEvent) {
		if !e.FiredAt.Before(since) {
			out = append(out, e)
		}
	})
	if err != nil {
		return nil, err
	}
	return out, ctx.Err()
}

func (s *fileStore) Compact(ctx context.Context, before time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.compactLocked(before)
}

func (s *fileStore) compactLocked(before time.Time) error {
	if s.f == nil {
		return ErrClosed
	}
	var keep []domain.NotificationEvent
	if err := readJournal(s.path, func(e domain.NotificationEvent) {
		if !e.FiredAt.Before(before) {
			keep = append(keep, e)
		}
	}); err != nil {
		return err
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	for _, e := range keep {
		if err := enc.Encode(e); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := s.f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}
	s.f, err = os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	return err
}

// readJournal skips lines that don't decode (torn writes after a crash).
func readJournal(path string, fn func(domain.NotificationEvent)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e domain.NotificationEvent
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.EntityID == "" {
			continue
		}
		fn(e)
	}
	return sc.Err()
}

func endsMidLine(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.Size() == 0 {
		return false, err
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, st.Size()-1); err != nil {
		return false, err
	}
	return b[0] != '\n', nil
}
