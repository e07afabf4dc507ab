package app

import (
	"fmt"
	"strings"
	"time"

	"nudge/internal/clock"
	"nudge/internal/config"
	"nudge/internal/datastore"
	"nudge/internal/httpapi"
	"nudge/internal/observability/pprof"
	"nudge/internal/push"
	"nudge/internal/pushloop"
	"nudge/internal/schedule"
	"nudge/internal/storage"
	"nudge/internal/trigger"
	"nudge/internal/window"
	logx "nudge/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *config.Config) (datastore.Config, error) {
	busy, err := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	if err != nil {
		return datastore.Config{}, err
	}
	return datastore.Config{
		Driver:          cfg.Store.Driver,
		Path:            cfg.Store.Path,
		BusyTimeout:     busy,
		ProjectID:       cfg.Store.ProjectID,
		CredentialsFile: cfg.Store.CredentialsFile,
	}, nil
}

func mapEventLogConfig(cfg *config.Config) (storage.Config, time.Duration, error) {
	warm, err := config.ParseDurationOrDefault("event_log.warm_window", cfg.EventLog.WarmWindow, config.DefaultWarmWindow)
	if err != nil {
		return storage.Config{}, 0, err
	}
	return storage.Config{
		Driver:    cfg.EventLog.Driver,
		Path:      cfg.EventLog.Path,
		Retention: warm,
	}, warm, nil
}

// pollOf is the loop's period, or 0 for cron specs without a fixed period.
func pollOf(spec string) time.Duration {
	d, _ := schedule.Interval(spec)
	return d
}

// mapMatcher derives the tolerance policy for a loop polling at poll and
// layers explicit before/after values on top.
func mapMatcher(cfg *config.Config, poll time.Duration) (trigger.Matcher, error) {
	w := cfg.Windows
	var (
		errs  []string
		parse = func(path, raw string, def time.Duration) time.Duration {
			d, err := config.ParseDurationOrDefault(path, raw, def)
			if err != nil {
				errs = append(errs, err.Error())
			}
			return d
		}
	)
	floors := window.Floors{
		Exact:  parse("windows.exact.floor", w.Exact.Floor, config.DefaultExactFloor),
		Offset: parse("windows.offset.floor", w.Offset.Floor, config.DefaultOffsetFloor),
		Jitter: parse("windows.jitter", w.Jitter, config.DefaultJitter),
	}
	p := window.Derive(poll, floors)
	p.Exact = p.Exact.Override(window.Tolerance{
		Before: parse("windows.exact.before", w.Exact.Before, 0),
		After:  parse("windows.exact.after", w.Exact.After, 0),
	})
	p.Offset = p.Offset.Override(window.Tolerance{
		Before: parse("windows.offset.before", w.Offset.Before, 0),
		After:  parse("windows.offset.after", w.Offset.After, 0),
	})
	reset := parse("windows.reset_threshold", w.ResetThreshold, config.DefaultResetThreshold)
	if len(errs) > 0 {
		return trigger.Matcher{}, fmt.Errorf("%w: %s", config.ErrInvalid, strings.Join(errs, "; "))
	}
	if reset <= p.Width() {
		return trigger.Matcher{}, fmt.Errorf("%w: windows.reset_threshold (%s) must exceed the widest tolerance (%s)",
			config.ErrInvalid, reset, p.Width())
	}

	overrides := make(map[string]string, len(cfg.Habits.Overrides))
	for k, v := range cfg.Habits.Overrides {
		overrides[k] = v
	}
	return trigger.Matcher{Policy: p, ResetThreshold: reset, Overrides: overrides}, nil
}

func mapPushOptions(cfg *config.Config) (pushloop.Options, error) {
	send, err := config.ParseDurationOrDefault("push.send_timeout", cfg.Push.SendTimeout, config.DefaultSendTimeout)
	if err != nil {
		return pushloop.Options{}, err
	}
	ttl, err := config.ParseDurationOrDefault("push.retry_ttl", cfg.Push.RetryTTL, config.DefaultRetryTTL)
	if err != nil {
		return pushloop.Options{}, err
	}
	return pushloop.Options{
		Concurrency: cfg.Push.Concurrency,
		SendTimeout: send,
		RetryTTL:    ttl,
		RetryMax:    cfg.Push.RetryMax,
		URL:         cfg.Push.URL,
	}, nil
}

func mapWebPushConfig(cfg *config.Config) (push.Config, error) {
	ttl, err := config.ParseDurationOrDefault("push.ttl", cfg.Push.TTL, config.DefaultPushTTL)
	if err != nil {
		return push.Config{}, err
	}
	return push.Config{
		VAPIDPublicKey:  cfg.Push.VAPID.PublicKey,
		VAPIDPrivateKey: cfg.Push.VAPID.PrivateKey,
		Subject:         cfg.Push.VAPID.Subject,
		TTL:             ttl,
		RatePerSec:      cfg.Push.RatePerSec,
		Burst:           cfg.Push.Burst,
	}, nil
}

func mapHTTPConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Addr:           cfg.HTTP.Addr,
		Service:        cfg.HTTP.Service,
		Auth:           cfg.HTTP.Auth,
		JWTSecret:      cfg.HTTP.JWTSecret,
		CORSOrigins:    append([]string(nil), cfg.HTTP.CORSOrigins...),
		VAPIDPublicKey: cfg.Push.VAPID.PublicKey,
	}
}

func mapPprofConfig(cfg *config.Config) pprof.Config {
	p := cfg.Debug.Pprof
	return pprof.Config{
		Enabled:              p.Enabled,
		Addr:                 p.Addr,
		Token:                p.Token,
		MutexProfileFraction: p.MutexProfileFraction,
		BlockProfileRate:     p.BlockProfileRate,
	}
}

// validateRuntime checks what Validate cannot: the timezone database, the
// loop specs and the derived tolerances. Used at startup and before any
// hot reload is committed.
func validateRuntime(cfg *config.Config) error {
	if _, err := clock.LoadLocation(cfg.Timezone); err != nil {
		return fmt.Errorf("%w: timezone: %v", config.ErrInvalid, err)
	}
	for _, s := range []struct{ path, spec string }{
		{"agent.interval", cfg.Agent.Interval},
		{"push.interval", cfg.Push.Interval},
	} {
		if _, err := schedule.ParseSchedule(s.spec); err != nil {
			return fmt.Errorf("%w: %s: %v", config.ErrInvalid, s.path, err)
		}
		if _, err := mapMatcher(cfg, pollOf(s.spec)); err != nil {
			return fmt.Errorf("%s: %w", s.path, err)
		}
	}
	if _, _, err := mapEventLogConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPushOptions(cfg); err != nil {
		return err
	}
	if _, err := mapWebPushConfig(cfg); err != nil {
		return err
	}
	return nil
}
