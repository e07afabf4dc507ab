package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"nudge/internal/config"
	"nudge/internal/datastore"
	"nudge/internal/dedup"
	"nudge/internal/domain"
	"nudge/internal/httpapi"
	"nudge/internal/push"
	"nudge/internal/pushloop"
	"nudge/internal/runtime/supervisor"
	"nudge/internal/storage"
	"nudge/internal/subscription"
	logx "nudge/pkg/logx"
)

const (
	jobPushTick   = "push.tick"
	jobCompaction = "eventlog.compact"

	tickTimeout = 2 * time.Minute
)

// Server is nudged: the push loop plus the subscription API.
type Server struct {
	*runtime

	store  datastore.Store
	events storage.Store
	ledger *dedup.Ledger
	reg    *subscription.Registry
	sender *push.WebPush
	loop   *pushloop.Loop
	api    *httpapi.Server

	warm time.Duration
}

func NewServer(ctx context.Context, cfgPath string) (*Server, error) {
	rt, cfg, err := newRuntime("nudged", cfgPath)
	if err != nil {
		return nil, err
	}
	s := &Server{runtime: rt}
	if err := s.build(ctx, cfg); err != nil {
		_ = s.closeStores()
		return nil, err
	}
	s.onReload = s.reload
	return s, nil
}

func (s *Server) build(ctx context.Context, cfg *config.Config) error {
	log := s.log

	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return err
	}
	if s.store, err = datastore.Open(ctx, sc, log.With(logx.String("comp", "datastore"))); err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}

	ec, warm, err := mapEventLogConfig(cfg)
	if err != nil {
		return err
	}
	s.warm = warm
	if s.events, err = storage.Open(ec, log.With(logx.String("comp", "eventlog"))); err != nil {
		return fmt.Errorf("open event log: %w", err)
	}

	opts := []dedup.Option{
		dedup.WithLogger(log.With(logx.String("comp", "dedup"))),
		dedup.WithChannel("push"),
		dedup.WithRetention(warm),
	}
	if s.events != nil {
		opts = append(opts, dedup.WithEvents(s.events))
	}
	if s.ledger, err = dedup.New(s.store, domain.OwnerPush, opts...); err != nil {
		return err
	}

	s.reg = subscription.New(s.store, s.bus, log)
	s.api = httpapi.New(mapHTTPConfig(cfg), s.reg, log)

	if !cfg.Push.IsEnabled() {
		log.Info("push loop disabled via config")
		return nil
	}
	wc, err := mapWebPushConfig(cfg)
	if err != nil {
		return err
	}
	if s.sender, err = push.NewWebPush(wc, log); err != nil {
		if errors.Is(err, push.ErrNoVAPID) {
			return fmt.Errorf("%w (run `nudged keys` to generate a pair)", err)
		}
		return err
	}
	m, err := mapMatcher(cfg, pollOf(cfg.Push.Interval))
	if err != nil {
		return err
	}
	po, err := mapPushOptions(cfg)
	if err != nil {
		return err
	}
	s.loop = pushloop.New(s.store, s.reg, s.sender, s.ledger, m, po,
		pushloop.WithLogger(log),
		pushloop.WithBus(s.bus),
		pushloop.WithClock(s.clk),
	)
	if err := s.sched.Add(jobPushTick, cfg.Push.Interval, tickTimeout, s.loop.Run); err != nil {
		return err
	}
	return nil
}

func (s *Server) Start(ctx context.Context) error {
	if s.events != nil {
		n, err := s.ledger.Warm(ctx, time.Now().Add(-s.warm))
		if err != nil {
			s.log.Warn("dedup warm start failed", logx.Err(err))
		} else {
			s.log.Info("dedup warmed", logx.Int("events", n))
		}
		if err := s.sched.Add(jobCompaction, "@every 1h", time.Minute, s.compact); err != nil {
			return err
		}
	}

	s.start(ctx)

	s.sup.GoRestart("http.serve", s.api.Serve,
		supervisor.WithPublishFirstError(true),
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second),
	)

	if s.loop != nil {
		// First pass now, not one interval from now.
		if err := s.sched.Trigger(jobPushTick); err != nil {
			s.log.Warn("initial push tick failed", logx.Err(err))
		}
	}

	s.sd.Ready()
	s.log.Info("server started", logx.Bool("push", s.loop != nil))
	return nil
}

func (s *Server) compact(ctx context.Context) error {
	return s.events.Compact(ctx, time.Now().Add(-s.warm))
}

func (s *Server) reload(_ context.Context, prev, cfg *config.Config) {
	s.api.Apply(mapHTTPConfig(cfg))

	if s.loop == nil {
		if cfg.Push.IsEnabled() {
			s.log.Warn("push enabled via config; restart required")
		}
		return
	}
	if m, err := mapMatcher(cfg, pollOf(cfg.Push.Interval)); err != nil {
		s.log.Warn("invalid window config; keeping previous", logx.Err(err))
	} else {
		s.loop.SetMatcher(m)
	}
	if po, err := mapPushOptions(cfg); err != nil {
		s.log.Warn("invalid push config; keeping previous", logx.Err(err))
	} else {
		s.loop.SetOptions(po)
	}
	if wc, err := mapWebPushConfig(cfg); err != nil {
		s.log.Warn("invalid push config; keeping previous", logx.Err(err))
	} else if err := s.sender.Apply(wc); err != nil {
		s.log.Warn("push credentials rejected; keeping previous", logx.Err(err))
	}
	s.reschedule(jobPushTick, prev.Push.Interval, cfg.Push.Interval)
}

func (s *Server) Stop(ctx context.Context) error {
	s.stopSteps = []stopStep{
		{name: "stores", max: 2 * time.Second, fn: func(context.Context) error { return s.closeStores() }},
	}
	return s.stop(ctx)
}

func (s *Server) closeStores() error {
	var errs []error
	if s.events != nil {
		errs = append(errs, s.events.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	return errors.Join(errs...)
}
