package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Schedules accept cron expressions ("*/30 * * * * *", "@every 30s"),
// plain durations ("10s") or HH:MM intervals.
type Config struct {
	Stream    StreamConfig    `json:"stream"`
	API       APIConfig       `json:"api"`
	Dedup     DedupConfig     `json:"dedup"`
	Presenter PresenterConfig `json:"presenter"`
	Counters  CountersConfig  `json:"counters"`
	Watchdog  WatchdogConfig  `json:"watchdog"`
	Alerts    AlertsConfig    `json:"alerts"`
	UI        UIConfig        `json:"ui"`
	Logging   LoggingConfig   `json:"logging"`
}

// StreamConfig controls the push connection.
//
// Example:
//
//	"stream": { "url": "ws://127.0.0.1:5000/socket.io/?EIO=4&transport=websocket" }
type StreamConfig struct {
	URL         string `json:"url"`
	Origin      string `json:"origin,omitempty"`
	Namespace   string `json:"namespace,omitempty"`    // default "/"
	DialTimeout string `json:"dial_timeout,omitempty"` // default "10s"

	Reconnect ReconnectConfig `json:"reconnect"`
	Events    EventsConfig    `json:"events"`
}

// ReconnectConfig is the backoff policy.
//
// Defaults: initial_delay "1s", max_delay "30s", multiplier 2, jitter 0,
// max_attempts 0 (retry forever).
type ReconnectConfig struct {
	InitialDelay string  `json:"initial_delay,omitempty"`
	MaxDelay     string  `json:"max_delay,omitempty"`
	Multiplier   float64 `json:"multiplier,omitempty"`
	Jitter       float64 `json:"jitter,omitempty"`
	MaxAttempts  int     `json:"max_attempts,omitempty"`
}

// EventsConfig maps server event names onto engine routes.
// Empty lists fall back to the built-in names.
type EventsConfig struct {
	Attendance []string `json:"attendance,omitempty"`
	Counter    []string `json:"counter,omitempty"`
	Push       []string `json:"push,omitempty"`
	Refresh    []string `json:"refresh,omitempty"`
	Late       []string `json:"late,omitempty"`
	Status     []string `json:"status,omitempty"`
}

type APIConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout,omitempty"` // default "5s"
}

// DedupConfig controls the accept window.
//
// Scope values: "global" (default), "subject", "event".
type DedupConfig struct {
	Window  string `json:"window,omitempty"` // default "1s"; "0s" disables suppression
	Scope   string `json:"scope,omitempty"`
	MaxKeys int    `json:"max_keys,omitempty"`
}

type PresenterConfig struct {
	Expiry     string `json:"expiry,omitempty"` // default "5s"
	MaxVisible int    `json:"max_visible,omitempty"`
}

type CountersConfig struct {
	Schedule          string `json:"schedule,omitempty"`       // default "@every 10s"
	QuickDelay        string `json:"quick_delay,omitempty"`    // default "500ms"
	ForceSchedule     string `json:"force_schedule,omitempty"` // empty disables
	CountQuickUpdates bool   `json:"count_quick_updates,omitempty"`
}

type WatchdogConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`  // default true
	Schedule string `json:"schedule,omitempty"` // default "@every 30s"
}

type AlertsConfig struct {
	Bell     bool                `json:"bell"`
	Console  bool                `json:"console"`
	Desktop  DesktopAlertConfig  `json:"desktop"`
	Telegram TelegramAlertConfig `json:"telegram"`
}

type DesktopAlertConfig struct {
	Enabled bool   `json:"enabled"`
	AppName string `json:"app_name,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "5s"
}

// TelegramAlertConfig forwards alerts to a chat.
//
// Security note: the token can also come from ATTENDWATCH_TELEGRAM_TOKEN and is never logged.
type TelegramAlertConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// Attendance forwards every attendance notification, not only system/late alerts.
	Attendance bool `json:"attendance,omitempty"`
}

// UIConfig controls the local HTTP surface.
//
// Security: there is no authentication. Binding to a non-loopback address
// requires allow_remote.
type UIConfig struct {
	Enabled     bool   `json:"enabled"`
	Addr        string `json:"addr,omitempty"` // default "127.0.0.1:8089"
	AllowRemote bool   `json:"allow_remote,omitempty"`
	Pprof       bool   `json:"pprof,omitempty"` // mount /debug/pprof
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Mirror  LoggingMirror `json:"mirror"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingMirror forwards warn+ log lines into the alert sinks.
type LoggingMirror struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// WatchdogEnabled resolves the pointer default.
func (c *Config) WatchdogEnabled() bool {
	if c == nil || c.Watchdog.Enabled == nil {
		return true
	}
	return *c.Watchdog.Enabled
}
