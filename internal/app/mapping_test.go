package app

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"attendwatch/internal/alert"
	"attendwatch/internal/config"
	"attendwatch/internal/counters"
	"attendwatch/internal/dedup"
	"attendwatch/internal/presenter"
	"attendwatch/internal/stream"
	"attendwatch/internal/uiapi"
	"attendwatch/internal/watchdog"
	logx "attendwatch/pkg/logx"
)

func TestMappingDefaults(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}

	sc, err := mapStreamConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if sc.Backoff.InitialDelay != stream.DefaultInitialDelay || sc.Backoff.MaxDelay != stream.DefaultMaxDelay || sc.DialTimeout != stream.DefaultDialTimeout {
		t.Fatalf("stream = %+v", sc)
	}

	dc, err := mapDedupConfig(cfg)
	if err != nil || dc.MinInterval != time.Second || dc.Scope != dedup.ScopeGlobal {
		t.Fatalf("dedup = %+v, %v", dc, err)
	}

	pc, err := mapPresenterConfig(cfg)
	if err != nil || pc.Expiry != presenter.DefaultExpiry {
		t.Fatalf("presenter = %+v, %v", pc, err)
	}

	cc, err := mapCountersConfig(cfg)
	if err != nil || cc.Schedule != counters.DefaultSchedule || cc.QuickDelay != counters.DefaultQuickDelay || cc.ForceSchedule != "" {
		t.Fatalf("counters = %+v, %v", cc, err)
	}

	if wc := mapWatchdogConfig(cfg); wc.Schedule != watchdog.DefaultSchedule {
		t.Fatalf("watchdog = %+v", wc)
	}
	if uc := mapUIConfig(cfg); uc.Enabled || uc.Addr != uiapi.DefaultAddr {
		t.Fatalf("ui = %+v", uc)
	}
}

func TestMappingOverrides(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &config.Config{
		Stream: config.StreamConfig{
			Reconnect: config.ReconnectConfig{InitialDelay: "2s", MaxDelay: "1m", Multiplier: 1.5, MaxAttempts: 5},
			Events:    config.EventsConfig{Attendance: []string{"checkin"}},
		},
		API:       config.APIConfig{Timeout: "3s"},
		Dedup:     config.DedupConfig{Window: "0s", Scope: "subject"},
		Counters:  config.CountersConfig{Schedule: "30s", CountQuickUpdates: true},
		Watchdog:  config.WatchdogConfig{Enabled: &off, Schedule: "@every 5s"},
		Presenter: config.PresenterConfig{Expiry: "8s", MaxVisible: 3},
	}

	ec, err := mapEngineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	b := ec.Stream.Backoff
	if b.InitialDelay != 2*time.Second || b.MaxDelay != time.Minute || b.Multiplier != 1.5 || b.MaxAttempts != 5 {
		t.Fatalf("backoff = %+v", b)
	}
	if !ec.CountQuickUpdates || ec.RequestTimeout != 3*time.Second || len(ec.Routes.Attendance) != 1 {
		t.Fatalf("engine = %+v", ec)
	}

	dc, _ := mapDedupConfig(cfg)
	if dc.MinInterval != 0 || dc.Scope != dedup.ScopeSubject {
		t.Fatalf("explicit 0s window must disable suppression: %+v", dc)
	}
	pc, _ := mapPresenterConfig(cfg)
	if pc.Expiry != 8*time.Second || pc.MaxVisible != 3 {
		t.Fatalf("presenter = %+v", pc)
	}
	if wc := mapWatchdogConfig(cfg); wc.Schedule != "" {
		t.Fatalf("disabled watchdog still polls: %+v", wc)
	}
}

func TestMappingErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  config.Config
		fn   func(*config.Config) error
	}{
		{"dial timeout", config.Config{Stream: config.StreamConfig{DialTimeout: "soon"}}, func(c *config.Config) error { _, err := mapEngineConfig(c); return err }},
		{"dedup scope", config.Config{Dedup: config.DedupConfig{Scope: "room"}}, func(c *config.Config) error { _, err := mapDedupConfig(c); return err }},
		{"expiry", config.Config{Presenter: config.PresenterConfig{Expiry: "-1s"}}, func(c *config.Config) error { _, err := mapPresenterConfig(c); return err }},
		{"quick delay", config.Config{Counters: config.CountersConfig{QuickDelay: "x"}}, func(c *config.Config) error { _, err := mapCountersConfig(c); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.fn(&tt.cfg); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestBuildSinks(t *testing.T) {
	t.Parallel()

	set, err := buildSinks(&config.Config{}, &bytes.Buffer{})
	if err != nil || len(set.names) != 0 {
		t.Fatalf("empty set = %+v, %v", set.names, err)
	}
	if err := set.sink.Notify(context.Background(), alert.Alert{Title: "x"}); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	set, err = buildSinks(&config.Config{Alerts: config.AlertsConfig{Bell: true, Console: true}}, &out)
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(set.names, ","); got != "bell,console" {
		t.Fatalf("names = %q", got)
	}
	a := alert.Alert{Kind: alert.KindAttendance, Level: alert.LevelInfo, Title: "Ana", Body: "Entry", At: time.Now()}
	if err := set.sink.Notify(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "\a") || !strings.Contains(out.String(), "Ana") {
		t.Fatalf("output = %q", out.String())
	}

	_, err = buildSinks(&config.Config{Alerts: config.AlertsConfig{Telegram: config.TelegramAlertConfig{Enabled: true}}}, &out)
	if err == nil {
		t.Fatal("telegram without token accepted")
	}
}

func TestMirrorAlert(t *testing.T) {
	t.Parallel()
	a := mirrorAlert(logx.LevelWarn, "[WARN] status check failed\n- err=timeout")
	if a.Kind != alert.KindSystem || a.Level != alert.LevelWarning {
		t.Fatalf("alert = %+v", a)
	}
	if a.Title != "[WARN] status check failed" || a.Body != "- err=timeout" {
		t.Fatalf("split = %q / %q", a.Title, a.Body)
	}
	if a := mirrorAlert(logx.LevelError, "boom"); a.Level != alert.LevelError || a.Title != "boom" || a.Body != "" {
		t.Fatalf("error alert = %+v", a)
	}
}
