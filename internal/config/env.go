package config

import (
	"strings"
)

// Environment overrides, applied after decoding. Values usually come from the
// process environment or a .env file loaded at startup.
const (
	EnvStreamURL     = "ATTENDWATCH_STREAM_URL"
	EnvAPIBaseURL    = "ATTENDWATCH_API_BASE_URL"
	EnvTelegramToken = "ATTENDWATCH_TELEGRAM_TOKEN"
	EnvLogLevel      = "ATTENDWATCH_LOG_LEVEL"
)

// ApplyEnv overwrites selected fields from lookup. Blank values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	set(EnvStreamURL, &cfg.Stream.URL)
	set(EnvAPIBaseURL, &cfg.API.BaseURL)
	set(EnvTelegramToken, &cfg.Alerts.Telegram.Token)
	set(EnvLogLevel, &cfg.Logging.Level)
}
