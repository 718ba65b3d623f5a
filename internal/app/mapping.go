package app

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"attendwatch/internal/alert"
	"attendwatch/internal/config"
	"attendwatch/internal/counters"
	"attendwatch/internal/dedup"
	"attendwatch/internal/engine"
	"attendwatch/internal/presenter"
	"attendwatch/internal/stream"
	"attendwatch/internal/uiapi"
	"attendwatch/internal/watchdog"
	logx "attendwatch/pkg/logx"
)

// Config -> component mappings. Each returns the first invalid field so
// hot reload can keep the previous settings of that component only.

func mapStreamConfig(cfg *config.Config) (stream.Config, error) {
	rc := cfg.Stream.Reconnect
	initial, err := config.ParseDurationOrDefault("stream.reconnect.initial_delay", rc.InitialDelay, stream.DefaultInitialDelay)
	if err != nil {
		return stream.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("stream.reconnect.max_delay", rc.MaxDelay, stream.DefaultMaxDelay)
	if err != nil {
		return stream.Config{}, err
	}
	dial, err := config.ParseDurationOrDefault("stream.dial_timeout", cfg.Stream.DialTimeout, stream.DefaultDialTimeout)
	if err != nil {
		return stream.Config{}, err
	}
	return stream.Config{
		Backoff: stream.Backoff{
			InitialDelay: initial,
			MaxDelay:     maxDelay,
			Multiplier:   rc.Multiplier,
			Jitter:       rc.Jitter,
			MaxAttempts:  rc.MaxAttempts,
		},
		DialTimeout: dial,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	sc, err := mapStreamConfig(cfg)
	if err != nil {
		return engine.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("api.timeout", cfg.API.Timeout, engine.DefaultRequestTimeout)
	if err != nil {
		return engine.Config{}, err
	}
	ev := cfg.Stream.Events
	return engine.Config{
		Stream: sc,
		Routes: engine.Routes{
			Attendance: ev.Attendance,
			Counter:    ev.Counter,
			Push:       ev.Push,
			Refresh:    ev.Refresh,
			Late:       ev.Late,
			Status:     ev.Status,
		},
		CountQuickUpdates: cfg.Counters.CountQuickUpdates,
		RequestTimeout:    timeout,
	}, nil
}

func mapDedupConfig(cfg *config.Config) (dedup.Config, error) {
	window, err := config.ParseDurationOrDefault("dedup.window", cfg.Dedup.Window, dedup.DefaultInterval)
	if err != nil {
		return dedup.Config{}, err
	}
	scope, err := dedup.ParseScope(cfg.Dedup.Scope)
	if err != nil {
		return dedup.Config{}, err
	}
	return dedup.Config{MinInterval: window, Scope: scope, MaxKeys: cfg.Dedup.MaxKeys}, nil
}

func mapPresenterConfig(cfg *config.Config) (presenter.Config, error) {
	expiry, err := config.ParseDurationOrDefault("presenter.expiry", cfg.Presenter.Expiry, presenter.DefaultExpiry)
	if err != nil {
		return presenter.Config{}, err
	}
	return presenter.Config{
		Expiry:       expiry,
		MaxVisible:   cfg.Presenter.MaxVisible,
		AlertTimeout: presenter.DefaultAlertTimeout,
	}, nil
}

func mapCountersConfig(cfg *config.Config) (counters.Config, error) {
	quick, err := config.ParseDurationOrDefault("counters.quick_delay", cfg.Counters.QuickDelay, counters.DefaultQuickDelay)
	if err != nil {
		return counters.Config{}, err
	}
	sched := strings.TrimSpace(cfg.Counters.Schedule)
	if sched == "" {
		sched = counters.DefaultSchedule
	}
	return counters.Config{
		Schedule:      sched,
		QuickDelay:    quick,
		ForceSchedule: strings.TrimSpace(cfg.Counters.ForceSchedule),
	}, nil
}

// mapWatchdogConfig returns an empty schedule when the watchdog is disabled;
// pushed status reports are still observed.
func mapWatchdogConfig(cfg *config.Config) watchdog.Config {
	if !cfg.WatchdogEnabled() {
		return watchdog.Config{}
	}
	sched := strings.TrimSpace(cfg.Watchdog.Schedule)
	if sched == "" {
		sched = watchdog.DefaultSchedule
	}
	return watchdog.Config{Schedule: sched}
}

func mapUIConfig(cfg *config.Config) uiapi.Config {
	addr := strings.TrimSpace(cfg.UI.Addr)
	if addr == "" {
		addr = uiapi.DefaultAddr
	}
	return uiapi.Config{
		Enabled:     cfg.UI.Enabled,
		Addr:        addr,
		AllowRemote: cfg.UI.AllowRemote,
		Profiler:    cfg.UI.Pprof,
		IdleTimeout: 60 * time.Second,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
		Mirror: logx.MirrorConfig{
			Enabled:    l.Mirror.Enabled,
			MinLevel:   l.Mirror.MinLevel,
			RatePerSec: l.Mirror.RatePerSec,
		},
	}
}

// sinkSet is one generation of alert sinks. It is rebuilt on reload and
// swapped in as a whole.
type sinkSet struct {
	sink    alert.Sink
	names   []string
	closers []io.Closer
}

func (s sinkSet) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// buildSinks maps the alerts section. The bell and the styled console both
// write to stdout; the bell goes first so the cue is not delayed by styling.
func buildSinks(cfg *config.Config, stdout io.Writer) (sinkSet, error) {
	if stdout == nil {
		stdout = os.Stdout
	}
	a := cfg.Alerts
	var set sinkSet
	var multi alert.Multi
	if a.Bell {
		multi = append(multi, alert.NewBell(stdout))
		set.names = append(set.names, "bell")
	}
	if a.Console {
		multi = append(multi, alert.NewConsole(stdout))
		set.names = append(set.names, "console")
	}
	if a.Desktop.Enabled {
		timeout, err := config.ParseDurationOrDefault("alerts.desktop.timeout", a.Desktop.Timeout, 5*time.Second)
		if err != nil {
			return sinkSet{}, err
		}
		d := alert.NewDesktop(alert.DesktopConfig{AppName: a.Desktop.AppName, Timeout: timeout})
		multi = append(multi, d)
		set.closers = append(set.closers, d)
		set.names = append(set.names, "desktop")
	}
	if a.Telegram.Enabled {
		tg, err := alert.NewTelegram(alert.TelegramConfig{
			Token:      a.Telegram.Token,
			ChatID:     a.Telegram.ChatID,
			ThreadID:   a.Telegram.ThreadID,
			RatePerSec: a.Telegram.RatePerSec,
			Attendance: a.Telegram.Attendance,
		})
		if err != nil {
			_ = set.Close()
			return sinkSet{}, err
		}
		multi = append(multi, tg)
		set.names = append(set.names, "telegram")
	}
	switch len(multi) {
	case 0:
		set.sink = alert.Nop
	case 1:
		set.sink = multi[0]
	default:
		set.sink = multi
	}
	return set, nil
}

// mirrorAlert turns a mirrored log line into a system alert.
func mirrorAlert(level logx.Level, text string) alert.Alert {
	lvl := alert.LevelWarning
	if level >= logx.LevelError {
		lvl = alert.LevelError
	}
	title, body := text, ""
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		title, body = text[:i], strings.TrimSpace(text[i+1:])
	}
	return alert.Alert{Kind: alert.KindSystem, Level: lvl, Title: title, Body: body, At: time.Now()}
}
