package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"attendwatch/internal/schedule"
	logx "attendwatch/pkg/logx"
)

// Validate checks a decoded config. It collects every problem rather than
// stopping at the first one.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	add(checkURL("stream.url", cfg.Stream.URL, "ws", "wss", "http", "https"))
	add(checkURL("api.base_url", cfg.API.BaseURL, "http", "https"))

	add(checkDuration("stream.dial_timeout", cfg.Stream.DialTimeout))
	add(checkDuration("stream.reconnect.initial_delay", cfg.Stream.Reconnect.InitialDelay))
	add(checkDuration("stream.reconnect.max_delay", cfg.Stream.Reconnect.MaxDelay))
	if d, err := ParseDurationField("stream.reconnect.initial_delay", cfg.Stream.Reconnect.InitialDelay); err == nil && d > 0 && d.Seconds() < 1 {
		add(fmt.Errorf("stream.reconnect.initial_delay must be >= 1s"))
	}
	if m := cfg.Stream.Reconnect.Multiplier; m != 0 && m < 1 {
		add(fmt.Errorf("stream.reconnect.multiplier must be >= 1"))
	}
	if j := cfg.Stream.Reconnect.Jitter; j < 0 || j >= 1 {
		add(fmt.Errorf("stream.reconnect.jitter must be in [0,1)"))
	}
	if cfg.Stream.Reconnect.MaxAttempts < 0 {
		add(fmt.Errorf("stream.reconnect.max_attempts must be >= 0"))
	}

	add(checkDuration("api.timeout", cfg.API.Timeout))
	add(checkDuration("dedup.window", cfg.Dedup.Window))
	switch strings.ToLower(strings.TrimSpace(cfg.Dedup.Scope)) {
	case "", "global", "subject", "event":
	default:
		add(fmt.Errorf("dedup.scope: unknown value %q (use global, subject or event)", cfg.Dedup.Scope))
	}
	if cfg.Dedup.MaxKeys < 0 {
		add(fmt.Errorf("dedup.max_keys must be >= 0"))
	}

	add(checkDuration("presenter.expiry", cfg.Presenter.Expiry))
	if cfg.Presenter.MaxVisible < 0 {
		add(fmt.Errorf("presenter.max_visible must be >= 0"))
	}

	add(checkSchedule("counters.schedule", cfg.Counters.Schedule))
	add(checkSchedule("counters.force_schedule", cfg.Counters.ForceSchedule))
	add(checkDuration("counters.quick_delay", cfg.Counters.QuickDelay))
	add(checkSchedule("watchdog.schedule", cfg.Watchdog.Schedule))

	add(checkDuration("alerts.desktop.timeout", cfg.Alerts.Desktop.Timeout))
	if t := cfg.Alerts.Telegram; t.Enabled {
		if strings.TrimSpace(t.Token) == "" {
			add(fmt.Errorf("alerts.telegram.token is required when telegram alerts are enabled"))
		}
		if t.ChatID == 0 {
			add(fmt.Errorf("alerts.telegram.chat_id is required when telegram alerts are enabled"))
		}
		if t.RatePerSec < 0 {
			add(fmt.Errorf("alerts.telegram.rate_per_sec must be >= 0"))
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	if cfg.Logging.Mirror.RatePerSec < 0 {
		add(fmt.Errorf("logging.mirror.rate_per_sec must be >= 0"))
	}
	return errors.Join(errs...)
}

func checkDuration(path, raw string) error {
	_, err := ParseDurationField(path, raw)
	return err
}

func checkSchedule(path, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	if _, err := schedule.Parse(raw); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}

func checkURL(path, raw string, schemes ...string) error {
	s := strings.TrimSpace(raw)
	if s == "" {
		return fmt.Errorf("%s is required", path)
	}
	u, err := url.Parse(s)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	for _, sc := range schemes {
		if strings.EqualFold(u.Scheme, sc) {
			if u.Host == "" {
				return fmt.Errorf("%s: host is required", path)
			}
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported scheme %q", path, u.Scheme)
}
