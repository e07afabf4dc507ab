package config

import (
	"reflect"
	"sort"
	"strings"

	logx "nudge/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging (never includes secrets like keys or tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if strings.TrimSpace(oldCfg.Timezone) != strings.TrimSpace(newCfg.Timezone) {
		changed = append(changed, "timezone")
		attrs = append(attrs, logx.String("timezone", strings.TrimSpace(newCfg.Timezone)))
	}

	// Store and event log cannot be swapped live; surface them so the operator knows.
	if oldCfg.Store.Driver != newCfg.Store.Driver ||
		strings.TrimSpace(oldCfg.Store.Path) != strings.TrimSpace(newCfg.Store.Path) ||
		strings.TrimSpace(oldCfg.Store.ProjectID) != strings.TrimSpace(newCfg.Store.ProjectID) {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", newCfg.Store.Driver),
			logx.Bool("store.path_set", strings.TrimSpace(newCfg.Store.Path) != ""),
			logx.Bool("store.restart_required", true),
		)
	}
	if !reflect.DeepEqual(oldCfg.EventLog, newCfg.EventLog) {
		changed = append(changed, "event_log")
		attrs = append(attrs,
			logx.String("event_log.driver", newCfg.EventLog.Driver),
			logx.Bool("event_log.restart_required", true),
		)
	}

	if !reflect.DeepEqual(oldCfg.Windows, newCfg.Windows) {
		changed = append(changed, "windows")
		attrs = append(attrs,
			logx.String("windows.jitter", newCfg.Windows.Jitter),
			logx.String("windows.reset_threshold", newCfg.Windows.ResetThreshold),
		)
	}
	if !reflect.DeepEqual(oldCfg.Habits, newCfg.Habits) {
		changed = append(changed, "habits")
		attrs = append(attrs, logx.Int("habits.override_count", len(newCfg.Habits.Overrides)))
	}

	if !reflect.DeepEqual(oldCfg.Agent, newCfg.Agent) {
		changed = append(changed, "agent")
		attrs = append(attrs,
			logx.String("agent.interval", newCfg.Agent.Interval),
			logx.Bool("agent.sound", newCfg.Agent.Dispatch.Sound),
			logx.Bool("agent.desktop", newCfg.Agent.Dispatch.Desktop.Enabled),
		)
	}

	oPush, nPush := oldCfg.Push, newCfg.Push
	oPush.VAPID, nPush.VAPID = VAPIDConfig{}, VAPIDConfig{}
	vapidChanged := oldCfg.Push.VAPID != newCfg.Push.VAPID
	if vapidChanged || !reflect.DeepEqual(oPush, nPush) {
		changed = append(changed, "push")
		attrs = append(attrs,
			logx.Bool("push.enabled", newCfg.Push.IsEnabled()),
			logx.String("push.interval", newCfg.Push.Interval),
			logx.Int("push.concurrency", newCfg.Push.Concurrency),
			logx.Bool("push.vapid_changed", vapidChanged),
		)
	}

	oHTTP, nHTTP := oldCfg.HTTP, newCfg.HTTP
	secretChanged := oHTTP.JWTSecret != nHTTP.JWTSecret
	oHTTP.JWTSecret, nHTTP.JWTSecret = "", ""
	if secretChanged || !reflect.DeepEqual(oHTTP, nHTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.String("http.auth", newCfg.HTTP.Auth),
			logx.Bool("http.secret_changed", secretChanged),
		)
	}

	oPprof, nPprof := oldCfg.Debug.Pprof, newCfg.Debug.Pprof
	tokenChanged := oPprof.Token != nPprof.Token
	oPprof.Token, nPprof.Token = "", ""
	if tokenChanged || oPprof != nPprof {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.pprof", nPprof.Enabled),
			logx.String("debug.pprof_addr", nPprof.Addr),
			logx.Bool("debug.token_changed", tokenChanged),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
