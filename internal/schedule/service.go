package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "nudge/pkg/logx"

	"github.com/robfig/cron/v3"
)

var (
	ErrNotStarted = errors.New("schedule: not started")
	ErrUnknownJob = errors.New("schedule: unknown job")
)

// Job is one run of a scheduled tick.
type Job func(ctx context.Context) error

type def struct {
	name    string
	spec    ParsedSpec
	timeout time.Duration
	job     Job
	entry   cron.EntryID
}

// Service triggers named jobs on cron or interval schedules in a fixed
// location. Runs of the same job never overlap: a trigger that arrives while
// the previous run is still busy is skipped.
type Service struct {
	log logx.Logger

	mu     sync.Mutex
	loc    *time.Location
	c      *cron.Cron
	base   context.Context
	defs   map[string]*def
	order  []string
	closed bool

	wg sync.WaitGroup
}

func New(loc *time.Location, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Service{
		log:  log,
		loc:  loc,
		defs: map[string]*def{},
	}
}

// Add registers (or replaces) the job called name. A zero timeout leaves the
// run bounded only by the Start context.
func (s *Service) Add(name, spec string, timeout time.Duration, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("schedule: name required")
	}
	if job == nil {
		return errors.New("schedule: job required")
	}
	ps, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.defs[name]; ok {
		if s.c != nil {
			s.c.Remove(old.entry)
		}
	} else {
		s.order = append(s.order, name)
	}
	d := &def{name: name, spec: ps, timeout: timeout, job: job}
	s.defs[name] = d
	if s.c != nil {
		if err := s.scheduleLocked(d); err != nil {
			return err
		}
		s.log.Debug("schedule registered", logx.String("name", name), logx.String("spec", ps.CronSpec()), logx.Time("next", s.c.Entry(d.entry).Next))
	}
	return nil
}

// Reschedule swaps the spec of an existing job and keeps its body.
func (s *Service) Reschedule(name, spec string) error {
	s.mu.Lock()
	d, ok := s.defs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.Add(name, spec, d.timeout, d.job)
}

// Start begins triggering. Job runs derive their context from ctx.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.base = ctx
	s.closed = false
	s.startLocked()
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) startLocked() {
	cl := cronLogger{log: s.log}
	s.c = cron.New(
		cron.WithParser(specParser),
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for _, name := range s.order {
		if err := s.scheduleLocked(s.defs[name]); err != nil {
			s.log.Error("schedule register failed", logx.String("name", name), logx.Err(err))
		}
	}
	s.c.Start()
}

func (s *Service) scheduleLocked(d *def) error {
	sched, err := specParser.Parse(d.spec.CronSpec())
	if err != nil {
		return fmt.Errorf("schedule %q: %w", d.name, err)
	}
	d.entry = s.c.Schedule(sched, cron.FuncJob(s.runner(d.name, d.timeout, d.job)))
	return nil
}

func (s *Service) runner(name string, timeout time.Duration, job Job) func() {
	return func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		base := s.base
		s.wg.Add(1)
		s.mu.Unlock()
		defer s.wg.Done()

		if base == nil {
			base = context.Background()
		}
		ctx := base
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(base, timeout)
			defer cancel()
		}
		start := time.Now()
		if err := job(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("job failed", logx.String("name", name), logx.Duration("took", time.Since(start)), logx.Err(err))
		}
	}
}

// Trigger runs the job now, outside its schedule. The overlap guard still
// applies, so a trigger during a busy run is dropped.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		return ErrNotStarted
	}
	d, ok := s.defs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	e := s.c.Entry(d.entry)
	if !e.Valid() {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	go e.WrappedJob.Run()
	return nil
}

// Next reports the next planned run of name.
func (s *Service) Next(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defs[name]
	if !ok || s.c == nil {
		return time.Time{}, false
	}
	e := s.c.Entry(d.entry)
	if !e.Valid() {
		return time.Time{}, false
	}
	return e.Next, true
}

// Location returns the location schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc
}

// SetLocation moves every schedule to loc. A running cron is restarted; runs
// already in flight finish under the old instance.
func (s *Service) SetLocation(loc *time.Location) {
	if loc == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc.String() == loc.String() {
		return
	}
	s.loc = loc
	if s.c == nil {
		return
	}
	s.c.Stop()
	s.startLocked()
	s.log.Info("timezone changed", logx.String("tz", loc.String()))
}

// Stop ends triggering and waits for in-flight runs until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.closed = true
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("stop timed out with runs in flight")
	}
	s.log.Info("service stopped", logx.Duration("took", time.Since(start)))
}

type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	// robfig logs every wake and run at info; keep those at debug.
	l.log.Debug(msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error(msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
