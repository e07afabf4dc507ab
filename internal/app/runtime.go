package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nudge/internal/clock"
	"nudge/internal/config"
	"nudge/internal/eventbus"
	"nudge/internal/observability/pprof"
	"nudge/internal/runtime/supervisor"
	"nudge/internal/schedule"
	logx "nudge/pkg/logx"
	"nudge/pkg/systemd"
)

// runtime is what nudged and nudge-agent share: config with hot reload,
// logging, the event bus, the loop scheduler and the supervisor running it
// all.
type runtime struct {
	name string

	cfgm  *config.Manager
	logs  *logx.Service
	log   logx.Logger
	bus   eventbus.Bus
	clk   *clock.System
	sched *schedule.Service
	sd    *systemd.Notifier
	pprof *pprof.Service
	sup   *supervisor.Supervisor

	// onReload applies a validated config to the process-specific components.
	onReload func(ctx context.Context, prev, next *config.Config)
	// stopSteps run in order after the scheduler has stopped.
	stopSteps []stopStep
}

type stopStep struct {
	name string
	max  time.Duration
	fn   func(ctx context.Context) error
}

func newRuntime(name, cfgPath string) (*runtime, *config.Config, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, nil, err
	}
	if err := validateRuntime(cfg); err != nil {
		return nil, nil, err
	}
	loc, err := clock.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, err
	}

	logs, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("svc", name))

	return &runtime{
		name:  name,
		cfgm:  cfgm,
		logs:  logs,
		log:   log,
		bus:   eventbus.New(),
		clk:   clock.NewSystem(loc),
		sched: schedule.New(loc, log),
		sd:    systemd.New(log),
		pprof: pprof.New(log),
	}, cfg, nil
}

// Done is closed when the supervisor context is canceled (fatal error or Stop).
func (r *runtime) Done() <-chan struct{} {
	if r.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor, if any.
func (r *runtime) Err() error {
	if r.sup == nil {
		return nil
	}
	return r.sup.Err()
}

func (r *runtime) start(ctx context.Context) {
	r.sup = supervisor.NewSupervisor(ctx,
		supervisor.WithLogger(r.log.With(logx.String("comp", "supervisor"))),
		supervisor.WithCancelOnError(true),
	)

	// transactional reload: a config that fails runtime checks is never committed
	r.cfgm.SetLogger(r.log.With(logx.String("comp", "config")))
	r.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateRuntime(cfg)
	})

	events, unsub := r.bus.Subscribe(128)
	r.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				r.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	sub := r.cfgm.Subscribe(8)
	r.sup.Go0("config.reload", func(c context.Context) {
		defer r.cfgm.Unsubscribe(sub)
		lastApplied := r.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				r.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	r.sup.Go("config.watch", func(c context.Context) error {
		return r.cfgm.Watch(c)
	})
	r.sup.Go0("systemd.watchdog", func(c context.Context) {
		_ = r.sd.Watchdog(c)
	})

	r.pprof.Reconfigure(r.sup.Context(), mapPprofConfig(r.cfgm.Get()))
	r.sched.Start(r.sup.Context())
}

func (r *runtime) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		r.log.Info("config reloaded (no changes)")
		return
	}
	r.sd.Reloading()
	defer r.sd.Ready()

	r.logs.Apply(mapLogConfig(next))

	if strings.TrimSpace(prev.Timezone) != strings.TrimSpace(next.Timezone) {
		if loc, err := clock.LoadLocation(next.Timezone); err != nil {
			r.log.Warn("invalid timezone; keeping previous", logx.Err(err))
		} else {
			r.clk.SetLocation(loc)
			r.sched.SetLocation(loc)
		}
	}

	r.pprof.Reconfigure(ctx, mapPprofConfig(next))

	if r.onReload != nil {
		r.onReload(ctx, prev, next)
	}

	r.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	r.log.Info("config reloaded", fields...)
}

// reschedule moves a loop to a new spec when it changed.
func (r *runtime) reschedule(job, prevSpec, nextSpec string) {
	if strings.TrimSpace(prevSpec) == strings.TrimSpace(nextSpec) {
		return
	}
	if err := r.sched.Reschedule(job, nextSpec); err != nil {
		r.log.Warn("reschedule failed; keeping previous", logx.String("job", job), logx.Err(err))
		return
	}
	r.log.Info("loop rescheduled", logx.String("job", job), logx.String("spec", nextSpec))
}

// stop cancels the run context, stops the scheduler (waiting for an
// in-flight tick) and runs the stop steps, each bounded so one component
// cannot stall the whole stop.
func (r *runtime) stop(ctx context.Context) error {
	if r.sup == nil {
		return nil
	}
	r.log.Info("stopping")
	r.sd.Stopping()
	r.sup.Cancel()

	steps := append([]stopStep{{name: "scheduler", max: 5 * time.Second, fn: func(c context.Context) error {
		r.sched.Stop(c)
		return nil
	}}}, r.stopSteps...)
	steps = append(steps, stopStep{name: "pprof", max: 2 * time.Second, fn: func(c context.Context) error {
		r.pprof.Stop(c)
		return nil
	}})
	steps = append(steps, stopStep{name: "supervisor", max: 2 * time.Second, fn: r.sup.Wait})
	for _, s := range steps {
		r.step(ctx, s)
	}

	r.log.Info("stopped")
	if r.logs != nil {
		_ = r.logs.Close()
	}
	return nil
}

func (r *runtime) step(ctx context.Context, s stopStep) {
	start := time.Now()
	stepCtx := ctx
	if s.max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, s.max)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", s.name, p)
			}
		}()
		done <- s.fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Warn("stop step error", logx.String("name", s.name), logx.Err(err))
		}
		r.log.Debug("stop step end", logx.String("name", s.name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		r.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", s.name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
