package config

import (
	"strings"
	"time"
)

const (
	DefaultAgentInterval   = "5s"
	DefaultAgentRefresh    = time.Minute
	DefaultPushInterval    = "60s"
	DefaultBannerTTL       = 10 * time.Second
	DefaultJitter          = 5 * time.Second
	DefaultResetThreshold  = 5 * time.Minute
	DefaultExactFloor      = 20 * time.Second
	DefaultOffsetFloor     = 30 * time.Second
	DefaultPushConcurrency = 8
	DefaultSendTimeout     = 10 * time.Second
	DefaultPushRate        = 20
	DefaultRetryTTL        = 10 * time.Minute
	DefaultRetryMax        = 5
	DefaultPushTTL         = 12 * time.Hour
	DefaultWarmWindow      = 48 * time.Hour
	DefaultHTTPAddr        = ":3000"
	DefaultService         = "nudge"
	DefaultClickURL        = "/dashboard.html"
	DefaultStorePath       = "./nudge.db"
	DefaultEventLogPath    = "./nudge_events"
	DefaultPprofAddr       = "127.0.0.1:6060"
)

// DefaultHabitOverrides is used when the config has no habits.overrides
// key at all. An explicit empty map disables overrides.
func DefaultHabitOverrides() map[string]string {
	return map[string]string{"reflex": "22:30"}
}

// ApplyDefaults fills omitted fields in place. It never overrides explicit values.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		cfg.Logging.Console = true
	}

	if strings.TrimSpace(cfg.Store.Driver) == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Driver == "sqlite" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath
	}
	if strings.TrimSpace(cfg.EventLog.Driver) == "" {
		cfg.EventLog.Driver = "file"
	}
	if cfg.EventLog.Driver != "none" && strings.TrimSpace(cfg.EventLog.Path) == "" {
		cfg.EventLog.Path = DefaultEventLogPath
	}

	if cfg.Habits.Overrides == nil {
		cfg.Habits.Overrides = DefaultHabitOverrides()
	}

	if strings.TrimSpace(cfg.Agent.Interval) == "" {
		cfg.Agent.Interval = DefaultAgentInterval
	}
	if strings.TrimSpace(cfg.Push.Interval) == "" {
		cfg.Push.Interval = DefaultPushInterval
	}
	if cfg.Push.Concurrency <= 0 {
		cfg.Push.Concurrency = DefaultPushConcurrency
	}
	if cfg.Push.RatePerSec <= 0 {
		cfg.Push.RatePerSec = DefaultPushRate
	}
	if cfg.Push.Burst <= 0 {
		cfg.Push.Burst = cfg.Push.RatePerSec
	}
	if cfg.Push.RetryMax <= 0 {
		cfg.Push.RetryMax = DefaultRetryMax
	}
	if strings.TrimSpace(cfg.Push.URL) == "" {
		cfg.Push.URL = DefaultClickURL
	}

	if strings.TrimSpace(cfg.HTTP.Addr) == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if strings.TrimSpace(cfg.HTTP.Service) == "" {
		cfg.HTTP.Service = DefaultService
	}
	if strings.TrimSpace(cfg.HTTP.Auth) == "" {
		cfg.HTTP.Auth = "jwt"
	}
	if strings.TrimSpace(cfg.Debug.Pprof.Addr) == "" {
		cfg.Debug.Pprof.Addr = DefaultPprofAddr
	}
}
