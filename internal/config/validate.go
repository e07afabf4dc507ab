package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	logx "nudge/pkg/logx"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks static constraints. It expects ApplyDefaults to have run.
// Checks that depend on runtime facts (timezone database, derived tolerances)
// are done by the caller's validator hook.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}
	dur := func(path, raw string) {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, fmt.Errorf("%w: %v", ErrInvalid, err))
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add("logging.level: unknown level %q", cfg.Logging.Level)
	}

	switch cfg.Store.Driver {
	case "sqlite":
		if strings.TrimSpace(cfg.Store.Path) == "" {
			add("store.path is required for sqlite")
		}
		dur("store.busy_timeout", cfg.Store.BusyTimeout)
	case "firestore":
		if strings.TrimSpace(cfg.Store.ProjectID) == "" {
			add("store.project_id is required for firestore")
		}
	default:
		add("store.driver: unknown driver %q", cfg.Store.Driver)
	}

	switch cfg.EventLog.Driver {
	case "none", "file", "sqlite":
	default:
		add("event_log.driver: unknown driver %q", cfg.EventLog.Driver)
	}
	dur("event_log.warm_window", cfg.EventLog.WarmWindow)

	dur("windows.exact.before", cfg.Windows.Exact.Before)
	dur("windows.exact.after", cfg.Windows.Exact.After)
	dur("windows.exact.floor", cfg.Windows.Exact.Floor)
	dur("windows.offset.before", cfg.Windows.Offset.Before)
	dur("windows.offset.after", cfg.Windows.Offset.After)
	dur("windows.offset.floor", cfg.Windows.Offset.Floor)
	dur("windows.jitter", cfg.Windows.Jitter)
	dur("windows.reset_threshold", cfg.Windows.ResetThreshold)

	for kw, hhmm := range cfg.Habits.Overrides {
		if strings.TrimSpace(kw) == "" {
			add("habits.overrides: empty keyword")
		}
		if !validHHMM(hhmm) {
			add("habits.overrides[%q]: %q is not HH:MM", kw, hhmm)
		}
	}

	dur("agent.refresh_interval", cfg.Agent.RefreshInterval)
	dur("agent.dispatch.banner_ttl", cfg.Agent.Dispatch.BannerTTL)

	dur("push.send_timeout", cfg.Push.SendTimeout)
	dur("push.retry_ttl", cfg.Push.RetryTTL)
	dur("push.ttl", cfg.Push.TTL)
	if cfg.Push.Concurrency < 0 {
		add("push.concurrency must be >= 0")
	}
	if cfg.Push.RatePerSec < 0 {
		add("push.rate_per_sec must be >= 0")
	}
	if s := strings.TrimSpace(cfg.Push.VAPID.Subject); s != "" {
		if u, err := url.Parse(s); err != nil || (u.Scheme != "mailto" && u.Scheme != "https") {
			add("push.vapid.subject must be a mailto: or https: URL")
		}
	}

	switch cfg.HTTP.Auth {
	case "jwt", "none":
	default:
		add("http.auth: unknown mode %q", cfg.HTTP.Auth)
	}

	if pp := cfg.Debug.Pprof; pp.Enabled {
		if _, _, err := net.SplitHostPort(pp.Addr); err != nil {
			add("debug.pprof.addr: %v", err)
		} else if strings.TrimSpace(pp.Token) == "" && !IsLoopbackAddr(pp.Addr) {
			add("debug.pprof.token is required for non-loopback addr %q", pp.Addr)
		}
	}

	return errors.Join(errs...)
}

// IsLoopbackAddr reports whether host:port binds to a loopback interface only.
// An empty host means all interfaces.
func IsLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}

func validHHMM(s string) bool {
	s = strings.TrimSpace(s)
	if len(s) != 5 || s[2] != ':' {
		return false
	}
	h := int(s[0]-'0')*10 + int(s[1]-'0')
	m := int(s[3]-'0')*10 + int(s[4]-'0')
	for _, c := range []byte{s[0], s[1], s[3], s[4]} {
		if c < '0' || c > '9' {
			return false
		}
	}
	return h <= 23 && m <= 59
}
