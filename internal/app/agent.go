package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"nudge/internal/config"
	"nudge/internal/datastore"
	"nudge/internal/dedup"
	"nudge/internal/dispatch"
	"nudge/internal/domain"
	"nudge/internal/reminder"
	"nudge/internal/storage"
	logx "nudge/pkg/logx"
)

const (
	jobReminderTick    = "reminder.tick"
	jobReminderRefresh = "reminder.refresh"
)

// dispatchQueue bounds notifications waiting for the channels.
const dispatchQueue = 64

var ErrNoUser = errors.New("agent.user_id is required (or set NUDGE_USER_ID)")

// Agent is nudge-agent: the client reminder loop for one user.
type Agent struct {
	*runtime

	store  datastore.Store
	events storage.Store
	ledger *dedup.Ledger
	ws     *reminder.WorkingSet
	loop   *reminder.Loop
	notify *liveDispatcher
	queue  *reminder.AsyncNotifier

	out  io.Writer
	warm time.Duration
}

func NewAgent(ctx context.Context, cfgPath string) (*Agent, error) {
	rt, cfg, err := newRuntime("nudge-agent", cfgPath)
	if err != nil {
		return nil, err
	}
	a := &Agent{runtime: rt, out: os.Stdout}
	if err := a.build(ctx, cfg); err != nil {
		_ = a.closeAll()
		return nil, err
	}
	a.onReload = a.reload
	return a, nil
}

func (a *Agent) build(ctx context.Context, cfg *config.Config) error {
	log := a.log
	userID := strings.TrimSpace(cfg.Agent.UserID)
	if userID == "" {
		return ErrNoUser
	}

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return err
	}
	if a.store, err = datastore.Open(ctx, sc, log.With(logx.String("comp", "datastore"))); err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	ec, warm, err := mapEventLogConfig(cfg)
	if err != nil {
		return err
	}
	a.warm = warm
	if a.events, err = storage.Open(ec, log.With(logx.String("comp", "eventlog"))); err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	opts := []dedup.Option{
		dedup.WithLogger(log.With(logx.String("comp", "dedup"))),
		dedup.WithChannel("client"),
		dedup.WithRetention(warm),
	}
	if a.events != nil {
		opts = append(opts, dedup.WithEvents(a.events))
	}
	if a.ledger, err = dedup.New(a.store, domain.OwnerClient, opts...); err != nil {
		return err
	}

	d, closers, err := a.buildDispatcher(cfg.Agent.Dispatch)
	if err != nil {
		return err
	}
	a.notify = &liveDispatcher{}
	a.notify.swap(d, closers)
	a.queue = reminder.NewAsyncNotifier(a.notify, dispatchQueue, log)

	m, err := mapMatcher(cfg, pollOf(cfg.Agent.Interval))
	if err != nil {
		return err
	}
	a.ws = reminder.NewWorkingSet()
	a.loop = reminder.New(userID, a.ws, a.store, a.ledger, a.queue, m,
		reminder.WithLogger(log),
		reminder.WithBus(a.bus),
		reminder.WithClock(a.clk),
	)

	refresh, err := config.ParseDurationOrDefault("agent.refresh_interval", cfg.Agent.RefreshInterval, config.DefaultAgentRefresh)
	if err != nil {
		return err
	}
	if err := a.sched.Add(jobReminderTick, cfg.Agent.Interval, tickTimeout, a.loop.Run); err != nil {
		return err
	}
	return a.sched.Add(jobReminderRefresh, "@every "+refresh.String(), tickTimeout, a.loop.Refresh)
}

func (a *Agent) buildDispatcher(dc config.DispatchConfig) (*dispatch.Dispatcher, []io.Closer, error) {
	ttl, err := config.ParseDurationOrDefault("agent.dispatch.banner_ttl", dc.BannerTTL, config.DefaultBannerTTL)
	if err != nil {
		return nil, nil, err
	}
	banners := dispatch.NewBannerBoard(ttl, a.bus)
	channels := []dispatch.Channel{banners, dispatch.NewToast(a.out, a.bus)}
	closers := []io.Closer{closerFunc(func() error { banners.Close(); return nil })}

	if dc.Sound {
		channels = append(channels, dispatch.NewBell(a.out))
	}
	if dc.Haptic {
		// No vibrator on a desktop host; the channel stays a no-op.
		channels = append(channels, dispatch.Haptic{})
	}
	if dc.Desktop.Enabled {
		desk := dispatch.NewDesktop(dc.Desktop.AppName)
		channels = append(channels, desk)
		closers = append(closers, desk)
	}
	d := dispatch.New(channels, dispatch.WithLogger(a.log))
	a.log.Info("dispatch channels", logx.String("channels", strings.Join(d.Channels(), ",")))
	return d, closers, nil
}

func (a *Agent) Start(ctx context.Context) error {
	if a.events != nil {
		n, err := a.ledger.Warm(ctx, time.Now().Add(-a.warm))
		if err != nil {
			a.log.Warn("dedup warm start failed", logx.Err(err))
		} else {
			a.log.Info("dedup warmed", logx.Int("events", n))
		}
		if err := a.sched.Add(jobCompaction, "@every 1h", time.Minute, a.compact); err != nil {
			return err
		}
	}
	// The working set must be loaded before the first tick.
	if err := a.loop.Refresh(ctx); err != nil {
		a.log.Warn("initial refresh failed; retrying on schedule", logx.Err(err))
	}

	a.start(ctx)
	a.sup.Go0("reminder.dispatch", a.queue.Run)
	if err := a.sched.Trigger(jobReminderTick); err != nil {
		a.log.Warn("initial reminder tick failed", logx.Err(err))
	}
	a.sd.Ready()
	a.log.Info("agent started", logx.Int("records", a.ws.Len()))
	return nil
}

func (a *Agent) compact(ctx context.Context) error {
	return a.events.Compact(ctx, time.Now().Add(-a.warm))
}

func (a *Agent) reload(_ context.Context, prev, cfg *config.Config) {
	if strings.TrimSpace(prev.Agent.UserID) != strings.TrimSpace(cfg.Agent.UserID) {
		a.log.Warn("agent.user_id changed; restart required")
	}
	if m, err := mapMatcher(cfg, pollOf(cfg.Agent.Interval)); err != nil {
		a.log.Warn("invalid window config; keeping previous", logx.Err(err))
	} else {
		a.loop.SetMatcher(m)
	}
	if !reflect.DeepEqual(prev.Agent.Dispatch, cfg.Agent.Dispatch) {
		if d, closers, err := a.buildDispatcher(cfg.Agent.Dispatch); err != nil {
			a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
		} else {
			a.notify.swap(d, closers)
		}
	}
	a.reschedule(jobReminderTick, prev.Agent.Interval, cfg.Agent.Interval)
	if prev.Agent.RefreshInterval != cfg.Agent.RefreshInterval {
		if d, err := config.ParseDurationOrDefault("agent.refresh_interval", cfg.Agent.RefreshInterval, config.DefaultAgentRefresh); err == nil {
			a.reschedule(jobReminderRefresh, "", "@every "+d.String())
		}
	}
}

func (a *Agent) Stop(ctx context.Context) error {
	a.stopSteps = []stopStep{
		{name: "dispatch.queue", max: 3 * time.Second, fn: a.queue.Wait},
		{name: "dispatch", max: time.Second, fn: func(context.Context) error { return a.notify.close() }},
		{name: "stores", max: 2 * time.Second, fn: func(context.Context) error { return a.closeStores() }},
	}
	return a.stop(ctx)
}

func (a *Agent) closeAll() error {
	var errs []error
	if a.notify != nil {
		errs = append(errs, a.notify.close())
	}
	errs = append(errs, a.closeStores())
	return errors.Join(errs...)
}

func (a *Agent) closeStores() error {
	var errs []error
	if a.events != nil {
		errs = append(errs, a.events.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// liveDispatcher lets a reload swap the channel set under a running loop.
type liveDispatcher struct {
	mu      sync.RWMutex
	d       *dispatch.Dispatcher
	closers []io.Closer
}

func (l *liveDispatcher) Dispatch(ctx context.Context, n dispatch.Notification) error {
	l.mu.RLock()
	d := l.d
	l.mu.RUnlock()
	if d == nil {
		return nil
	}
	return d.Dispatch(ctx, n)
}

func (l *liveDispatcher) swap(d *dispatch.Dispatcher, closers []io.Closer) {
	l.mu.Lock()
	old := l.closers
	l.d, l.closers = d, closers
	l.mu.Unlock()
	for _, c := range old {
		_ = c.Close()
	}
}

func (l *liveDispatcher) close() error {
	l.mu.Lock()
	old := l.closers
	l.closers = nil
	l.mu.Unlock()
	var errs []error
	for _, c := range old {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
