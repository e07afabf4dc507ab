package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func noEnv(string) string { return "" }

func TestParseJSONAppliesDefaults(t *testing.T) {
	p := writeFile(t, "config.json", `{"agent":{"user_id":"u1"},"push":{"concurrency":3}}`)
	m := NewManager(p)
	m.SetEnv(noEnv)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.UserID != "u1" {
		t.Fatalf("agent.user_id = %q, want u1", cfg.Agent.UserID)
	}
	if cfg.Push.Concurrency != 3 {
		t.Fatalf("push.concurrency = %d, want 3", cfg.Push.Concurrency)
	}
	if cfg.Agent.Interval != DefaultAgentInterval || cfg.Push.Interval != DefaultPushInterval {
		t.Fatalf("intervals = %q/%q, want defaults", cfg.Agent.Interval, cfg.Push.Interval)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.Path != DefaultStorePath {
		t.Fatalf("store = %+v, want sqlite default", cfg.Store)
	}
	if !cfg.Push.IsEnabled() {
		t.Fatal("push should default to enabled")
	}
	if m.Get() != cfg {
		t.Fatal("Get should return the committed config")
	}
}

func TestParseYAML(t *testing.T) {
	p := writeFile(t, "config.yaml", "timezone: UTC-05:00\nhabits:\n  overrides:\n    reflex: \"22:30\"\nhttp:\n  auth: none\n")
	m := NewManager(p)
	m.SetEnv(noEnv)
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Timezone != "UTC-05:00" || cfg.Habits.Overrides["reflex"] != "22:30" || cfg.HTTP.Auth != "none" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestParseRejectsUnknownAndTrailing(t *testing.T) {
	cases := map[string]string{
		"unknown":  `{"telegram":{}}`,
		"trailing": `{} {}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			m := NewManager(writeFile(t, "c.json", body))
			m.SetEnv(noEnv)
			if _, err := m.Parse(); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestEnvOverridesFile(t *testing.T) {
	p := writeFile(t, "c.json", `{"push":{"interval":"2m"}}`)
	env := map[string]string{
		"NUDGE_PUSH_INTERVAL":     "30s",
		"NUDGE_VAPID_PRIVATE_KEY": "priv",
		"PORT":                    "8080",
		"NUDGE_TIMEZONE":          "Asia/Jakarta",
	}
	m := NewManager(p)
	m.SetEnv(func(k string) string { return env[k] })
	cfg, err := m.Parse()
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Push.Interval != "30s" {
		t.Fatalf("push.interval = %q, want 30s", cfg.Push.Interval)
	}
	if cfg.Push.VAPID.PrivateKey != "priv" || cfg.HTTP.Addr != ":8080" || cfg.Timezone != "Asia/Jakarta" {
		t.Fatalf("env not applied: %+v", cfg)
	}
}

func TestEmptyPathUsesEnvOnly(t *testing.T) {
	m := NewManager("")
	m.SetEnv(func(k string) string {
		if k == "NUDGE_USER_ID" {
			return "alice"
		}
		return ""
	})
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.UserID != "alice" {
		t.Fatalf("user = %q, want alice", cfg.Agent.UserID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Watch(ctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		mut  func(c *Config)
		want string
	}{
		{"ok", func(c *Config) {}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad driver", func(c *Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"firestore needs project", func(c *Config) { c.Store.Driver = "firestore" }, "project_id"},
		{"bad duration", func(c *Config) { c.Windows.Jitter = "soon" }, "windows.jitter"},
		{"negative duration", func(c *Config) { c.Push.RetryTTL = "-1s" }, "push.retry_ttl"},
		{"bad override", func(c *Config) { c.Habits.Overrides = map[string]string{"reflex": "25:00"} }, "habits.overrides"},
		{"bad auth", func(c *Config) { c.HTTP.Auth = "basic" }, "http.auth"},
		{"bad subject", func(c *Config) { c.Push.VAPID.Subject = "ftp://x" }, "vapid.subject"},
		{"mailto subject", func(c *Config) { c.Push.VAPID.Subject = "mailto:me@example.com" }, ""},
		{"public pprof without token", func(c *Config) { c.Debug.Pprof = PprofConfig{Enabled: true, Addr: ":6060"} }, "debug.pprof.token"},
		{"public pprof with token", func(c *Config) { c.Debug.Pprof = PprofConfig{Enabled: true, Addr: ":6060", Token: "t"} }, ""},
		{"loopback pprof", func(c *Config) { c.Debug.Pprof.Enabled = true }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cfg Config
			ApplyDefaults(&cfg)
			tt.mut(&cfg)
			err := Validate(&cfg)
			if tt.want == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !errors.Is(err, ErrInvalid) || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Validate = %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	if err != nil || d != time.Second {
		t.Fatalf("empty = %v, %v; want 1s", d, err)
	}
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("250ms = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "abc", time.Second); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestSummarizeConfigChangeHidesSecrets(t *testing.T) {
	var a, b Config
	ApplyDefaults(&a)
	ApplyDefaults(&b)
	b.Push.VAPID.PrivateKey = "secret"
	b.HTTP.JWTSecret = "other-secret"
	b.Logging.Level = "debug"

	changed, attrs := SummarizeConfigChange(&a, &b)
	want := []string{"http", "logging", "push"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatal("expected attrs")
	}
}

func TestPublishDropsOldest(t *testing.T) {
	m := NewManager("")
	ch := m.Subscribe(1)
	first, second := &Config{Timezone: "a"}, &Config{Timezone: "b"}
	m.publish(first)
	m.publish(second)
	got := <-ch
	if got != second {
		t.Fatalf("got %q, want latest config", got.Timezone)
	}
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after Unsubscribe")
	}
}

func TestParseDurationDays(t *testing.T) {
	d, err := ParseDurationField("event_log.warm_window", "2d")
	if err != nil || d != 48*time.Hour {
		t.Fatalf("2d = %v, %v; want 48h", d, err)
	}
	if _, err := ParseDurationField("x", "1.5d"); err == nil {
		t.Fatal("fractional days should be rejected")
	}
}

func TestWatchPublishesValidReloads(t *testing.T) {
	p := writeFile(t, "config.json", `{"push":{"interval":"60s"}}`)
	m := NewManager(p)
	m.SetEnv(noEnv)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Push.Interval == "1s" {
			return errors.New("too fast")
		}
		return nil
	})
	sub := m.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()
	// let the watcher register before writing
	time.Sleep(100 * time.Millisecond)

	rewrite := func(body string) {
		if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	rewrite(`{"push":{"interval":"1s"}}`)
	select {
	case cfg := <-sub:
		t.Fatalf("rejected config published: %q", cfg.Push.Interval)
	case <-time.After(time.Second):
	}
	if got := m.Get().Push.Interval; got != "60s" {
		t.Fatalf("committed interval = %q, want 60s", got)
	}

	rewrite(`{"push":{"interval":"30s"}}`)
	select {
	case cfg := <-sub:
		if cfg.Push.Interval != "30s" || m.Get() != cfg {
			t.Fatalf("published %q, committed %q", cfg.Push.Interval, m.Get().Push.Interval)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not published")
	}
}
