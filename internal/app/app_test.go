package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"attendwatch/internal/config"
	"attendwatch/internal/stream"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

// liveConn delivers its queued messages, then blocks until closed.
type liveConn struct {
	msgs   chan stream.Message
	closed chan struct{}
	once   sync.Once
}

func (c *liveConn) Read(ctx context.Context) (stream.Message, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.closed:
		return stream.Message{}, errors.New("closed")
	case <-ctx.Done():
		return stream.Message{}, ctx.Err()
	}
}

func (c *liveConn) Emit(context.Context, string, any) error { return nil }

func (c *liveConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func dashboardServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Get("/api/quick_dashboard", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"total_records":7,"unique_employees":3}`))
	})
	r.Get("/api/instant_status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"connected":true,"monitoring":true,"status":"active"}`))
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func writeConfig(t *testing.T, v map[string]any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func baseConfig(apiURL string) map[string]any {
	return map[string]any{
		"stream":  map[string]any{"url": "ws://127.0.0.1:1/"},
		"api":     map[string]any{"base_url": apiURL, "timeout": "2s"},
		"alerts":  map[string]any{"bell": true, "console": true},
		"logging": map[string]any{"level": "error", "console": true},
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, map[string]any{"stream": map[string]any{"url": "ws://x/"}})
	if _, err := NewApp(path); err == nil {
		t.Fatal("missing api.base_url accepted")
	}
	path = writeConfig(t, map[string]any{"bogus": true})
	if _, err := NewApp(path); err == nil {
		t.Fatal("unknown field accepted")
	}
}

func openFDs(t *testing.T, path string) int {
	t.Helper()
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Skip("no /proc/self/fd")
	}
	n := 0
	for _, e := range entries {
		if target, err := os.Readlink(filepath.Join("/proc/self/fd", e.Name())); err == nil && target == path {
			n++
		}
	}
	return n
}

func TestNewAppReleasesLogFileOnError(t *testing.T) {
	api := dashboardServer(t)
	logPath := filepath.Join(t.TempDir(), "app.log")
	cfg := baseConfig(api.URL)
	cfg["logging"] = map[string]any{"level": "error", "file": map[string]any{"enabled": true, "path": logPath}}
	path := writeConfig(t, cfg)

	failing := func(o *options) {
		o.newDialer = func(stream.SocketIOConfig) (stream.Dialer, error) { return nil, errors.New("no dialer") }
	}
	if _, err := NewApp(path, failing, WithStdout(&syncBuffer{})); err == nil {
		t.Fatal("dialer error not returned")
	}
	if n := openFDs(t, logPath); n != 0 {
		t.Fatalf("log file still open %d time(s) after failed NewApp", n)
	}
}

func TestAppLifecycle(t *testing.T) {
	api := dashboardServer(t)
	cfg := baseConfig(api.URL)
	cfg["ui"] = map[string]any{"enabled": true, "addr": "127.0.0.1:0"}
	path := writeConfig(t, cfg)

	payload, _ := json.Marshal(map[string]any{
		"name": "Ana", "event_type": "entrada", "timestamp": "2026-03-02 08:00:00", "department": "Ops",
	})
	conn := &liveConn{msgs: make(chan stream.Message, 1), closed: make(chan struct{})}
	conn.msgs <- stream.Message{Event: "instant_notification", Payload: payload, ReceivedAt: time.Now()}
	var dials int
	var mu sync.Mutex
	dialer := stream.DialFunc(func(context.Context) (stream.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials > 1 {
			return nil, errors.New("offline")
		}
		return conn, nil
	})

	var out syncBuffer
	a, err := NewApp(path, WithDialer(dialer), WithStdout(&out))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.Start(ctx); err == nil {
		t.Fatal("second Start accepted")
	}

	eng := a.Engine()
	eventually(t, func() bool { return eng.Connection().State == stream.Connected })
	eventually(t, func() bool { return len(eng.Visible()) == 1 })
	eventually(t, func() bool { return eng.Counters().TotalRecords == 7 })
	eventually(t, func() bool { return strings.Contains(out.String(), "Ana") })

	eventually(t, func() bool { return a.UIAddr() != "" })
	resp, err := http.Get("http://" + a.UIAddr() + "/api/notifications")
	if err != nil {
		t.Fatal(err)
	}
	var list []json.RawMessage
	_ = json.NewDecoder(resp.Body).Decode(&list)
	_ = resp.Body.Close()
	if len(list) != 1 {
		t.Fatalf("ui notifications = %d", len(list))
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatal(err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if a.Err() != nil {
		t.Fatalf("Err = %v", a.Err())
	}
	if eng.Connection().State != stream.Disconnected {
		t.Fatalf("state after stop = %v", eng.Connection().State)
	}
}

func TestReloadAppliesInPlace(t *testing.T) {
	api := dashboardServer(t)
	path := writeConfig(t, baseConfig(api.URL))
	offline := stream.DialFunc(func(context.Context) (stream.Conn, error) { return nil, errors.New("offline") })
	a, err := NewApp(path, WithDialer(offline), WithStdout(&syncBuffer{}))
	if err != nil {
		t.Fatal(err)
	}
	prev := a.cfgm.Get()
	if got := strings.Join(a.sinks.names, ","); got != "bell,console" {
		t.Fatalf("initial sinks = %q", got)
	}

	next := *prev
	next.Alerts = config.AlertsConfig{Console: true}
	next.Dedup = config.DedupConfig{Window: "0s"}
	next.Counters.Schedule = "1m"
	a.reload(context.Background(), prev, &next)

	if got := strings.Join(a.sinks.names, ","); got != "console" {
		t.Fatalf("sinks after reload = %q", got)
	}
	if got := a.counters.Jobs()["counters.refresh"]; got != "every 1m0s" {
		t.Fatalf("jobs = %v", a.counters.Jobs())
	}

	bad := next
	bad.Counters.Schedule = "every now and then"
	bad.Presenter.MaxVisible = 2
	a.reload(context.Background(), &next, &bad)
	if got := a.counters.Jobs()["counters.refresh"]; got != "every 1m0s" {
		t.Fatalf("rejected schedule replaced the job: %v", a.counters.Jobs())
	}
	_ = a.logs.Close()
}

func TestReloadEnablesUI(t *testing.T) {
	api := dashboardServer(t)
	path := writeConfig(t, baseConfig(api.URL))
	offline := stream.DialFunc(func(context.Context) (stream.Conn, error) { return nil, errors.New("offline") })
	a, err := NewApp(path, WithDialer(offline), WithStdout(&syncBuffer{}))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.logs.Close() }()
	life, cancel := context.WithCancel(context.Background())
	defer cancel()

	prev := a.cfgm.Get()
	next := *prev
	next.UI = config.UIConfig{Enabled: true, Addr: "127.0.0.1:0"}
	a.reload(life, prev, &next)

	eventually(t, func() bool { return a.UIAddr() != "" })
	// Leave time for a canceled context to tear the server down.
	time.Sleep(300 * time.Millisecond)
	resp, err := http.Get("http://" + a.UIAddr() + "/healthz")
	if err != nil {
		t.Fatalf("ui not serving after reload: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz = %d", resp.StatusCode)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer stopCancel()
	a.ui.Stop(stopCtx)
}

func TestReloadRetriesFailedStream(t *testing.T) {
	api := dashboardServer(t)
	cfg := baseConfig(api.URL)
	cfg["stream"] = map[string]any{
		"url":       "ws://127.0.0.1:1/",
		"reconnect": map[string]any{"initial_delay": "1s", "max_delay": "1s", "max_attempts": 1},
	}
	path := writeConfig(t, cfg)

	conn := &liveConn{msgs: make(chan stream.Message), closed: make(chan struct{})}
	var (
		mu sync.Mutex
		up bool
	)
	dialer := stream.DialFunc(func(context.Context) (stream.Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if !up {
			return nil, errors.New("offline")
		}
		return conn, nil
	})
	a, err := NewApp(path, WithDialer(dialer), WithStdout(&syncBuffer{}))
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = a.logs.Close() }()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := a.Engine()
	eng.Start(ctx)
	defer func() { _ = eng.Stop(context.Background()) }()
	eventually(t, func() bool { return eng.Connection().State == stream.Failed })

	mu.Lock()
	up = true
	mu.Unlock()

	prev := a.cfgm.Get()
	same := *prev
	same.Dedup = config.DedupConfig{Window: "2s"}
	a.reload(ctx, prev, &same)
	if st := eng.Connection().State; st != stream.Failed {
		t.Fatalf("unrelated reload restarted the stream: %s", st)
	}

	next := same
	next.Stream.Reconnect.MaxAttempts = 5
	a.reload(ctx, &same, &next)
	eventually(t, func() bool { return eng.Connection().State == stream.Connected })
}
