package config

// Config is the on-disk configuration shared by nudged and nudge-agent.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Loop intervals are schedule specs: a duration ("5s"), "@every 1m" or a
// cron expression. Values from the environment override the file (see env.go).
type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Timezone is an IANA name ("Asia/Jakarta") or a fixed offset ("UTC-05:00").
	// Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	Store    StoreConfig    `json:"store"`
	EventLog EventLogConfig `json:"event_log"`
	Windows  WindowsConfig  `json:"windows"`
	Habits   HabitsConfig   `json:"habits"`
	Agent    AgentConfig    `json:"agent"`
	Push     PushConfig     `json:"push"`
	HTTP     HTTPConfig     `json:"http"`
	Debug    DebugConfig    `json:"debug"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StoreConfig selects the domain datastore (tasks, classes, habits, subscriptions).
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./nudge.db" }
//	"store": { "driver": "firestore", "project_id": "my-dashboard" }
type StoreConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite

	ProjectID       string `json:"project_id,omitempty"`       // firestore
	CredentialsFile string `json:"credentials_file,omitempty"` // firestore; empty uses ADC
}

// EventLogConfig controls the append-only notification event log.
// Driver "none" disables it; dedup then relies on the datastore flags only.
type EventLogConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	// WarmWindow bounds how far back events are replayed at startup.
	WarmWindow string `json:"warm_window,omitempty"`
}

// WindowsConfig controls the tolerance windows around target instants.
//
// When before/after are omitted the window is derived from the loop's poll
// interval: before = poll/2, after = max(floor, poll + jitter).
type WindowsConfig struct {
	Exact  ToleranceConfig `json:"exact"`
	Offset ToleranceConfig `json:"offset"`
	Jitter string          `json:"jitter,omitempty"`
	// ResetThreshold re-arms day-scoped flags (classes, habits) once the
	// loop sees the slot further than this from today's trigger.
	ResetThreshold string `json:"reset_threshold,omitempty"`
}

type ToleranceConfig struct {
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
	// Floor is the minimum after-tolerance used by the derivation.
	Floor string `json:"floor,omitempty"`
}

// HabitsConfig holds literal keyword → "HH:MM" overrides applied before the
// time grammar, e.g. {"reflex": "22:30"}.
type HabitsConfig struct {
	Overrides map[string]string `json:"overrides,omitempty"`
}

// AgentConfig controls the client reminder loop (nudge-agent).
type AgentConfig struct {
	UserID          string         `json:"user_id"`
	Interval        string         `json:"interval,omitempty"`
	RefreshInterval string         `json:"refresh_interval,omitempty"`
	Dispatch        DispatchConfig `json:"dispatch"`
}

type DispatchConfig struct {
	Sound     bool          `json:"sound"`
	Haptic    bool          `json:"haptic"`
	Desktop   DesktopConfig `json:"desktop"`
	BannerTTL string        `json:"banner_ttl,omitempty"`
}

// DesktopConfig gates OS notifications. Enabled plays the role of a granted
// notification permission.
type DesktopConfig struct {
	Enabled bool   `json:"enabled"`
	AppName string `json:"app_name,omitempty"`
}

// PushConfig controls the server push loop (nudged).
//
// Enabled is a pointer so we can distinguish "omitted" (default true) from an
// explicit false.
type PushConfig struct {
	Enabled     *bool  `json:"enabled,omitempty"`
	Interval    string `json:"interval,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	RetryTTL    string `json:"retry_ttl,omitempty"`
	RetryMax    int    `json:"retry_max,omitempty"`
	// TTL is how long the push service keeps an undelivered message.
	TTL string `json:"ttl,omitempty"`
	// URL opened when the notification is clicked.
	URL   string      `json:"url,omitempty"`
	VAPID VAPIDConfig `json:"vapid"`
}

// VAPIDConfig holds the application server key pair. Never logged.
type VAPIDConfig struct {
	PublicKey  string `json:"public_key,omitempty"`
	PrivateKey string `json:"private_key,omitempty"`
	Subject    string `json:"subject,omitempty"`
}

// HTTPConfig controls the subscription handshake API served by nudged.
type HTTPConfig struct {
	Addr        string   `json:"addr,omitempty"`
	Service     string   `json:"service,omitempty"`
	Auth        string   `json:"auth,omitempty"` // "jwt" (default) or "none"
	JWTSecret   string   `json:"jwt_secret,omitempty"`
	CORSOrigins []string `json:"cors_origins,omitempty"`
}

// DebugConfig holds operator-only listeners.
type DebugConfig struct {
	Pprof PprofConfig `json:"pprof"`
}

// PprofConfig controls the optional net/http/pprof listener. A non-loopback
// address requires a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`

	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

// IsEnabled reports whether the push loop should run.
func (p PushConfig) IsEnabled() bool { return p.Enabled == nil || *p.Enabled }
