package alert

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/godbus/dbus/v5"

	"attendwatch/internal/classify"
)

func TestTextUsesStyleIcon(t *testing.T) {
	t.Parallel()
	got := Text(Alert{Title: "Ana", Body: "entrada 08:00", Style: classify.StyleEntry})
	if got != "🟢 Ana\nentrada 08:00" {
		t.Fatalf("Text = %q", got)
	}
	if got := Text(Alert{Level: LevelWarning, Title: "monitoring paused"}); !strings.HasPrefix(got, "⚠️ ") {
		t.Fatalf("warning text = %q", got)
	}
}

func TestMultiJoinsErrors(t *testing.T) {
	t.Parallel()
	errA := errors.New("a")
	errB := errors.New("b")
	var called int
	m := Multi{
		SinkFunc(func(context.Context, Alert) error { called++; return errA }),
		nil,
		SinkFunc(func(context.Context, Alert) error { called++; return nil }),
		SinkFunc(func(context.Context, Alert) error { called++; return errB }),
	}
	err := m.Notify(context.Background(), Alert{})
	if called != 3 {
		t.Fatalf("called = %d, want 3", called)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Fatalf("err = %v", err)
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()
	var got []Kind
	f := Filter{
		Sink:  SinkFunc(func(_ context.Context, a Alert) error { got = append(got, a.Kind); return nil }),
		Allow: func(a Alert) bool { return a.Kind != KindAttendance },
	}
	_ = f.Notify(context.Background(), Alert{Kind: KindAttendance})
	_ = f.Notify(context.Background(), Alert{Kind: KindSystem})
	if len(got) != 1 || got[0] != KindSystem {
		t.Fatalf("got = %v", got)
	}
}

func TestSwap(t *testing.T) {
	t.Parallel()
	var w Swap
	if err := w.Notify(context.Background(), Alert{}); err != nil {
		t.Fatalf("zero Swap = %v", err)
	}
	errOld := errors.New("old")
	first := SinkFunc(func(context.Context, Alert) error { return errOld })
	if prev := w.Set(first); prev != nil {
		t.Fatalf("first Set returned %v", prev)
	}
	if err := w.Notify(context.Background(), Alert{}); !errors.Is(err, errOld) {
		t.Fatalf("Notify = %v", err)
	}
	if prev := w.Set(Nop); prev == nil {
		t.Fatal("Set did not return the previous sink")
	}
	if err := w.Notify(context.Background(), Alert{}); err != nil {
		t.Fatalf("after swap = %v", err)
	}
}

func TestBell(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	b := NewBell(&buf)
	_ = b.Notify(context.Background(), Alert{Kind: KindAttendance, Level: LevelInfo})
	_ = b.Notify(context.Background(), Alert{Kind: KindSystem, Level: LevelInfo})
	_ = b.Notify(context.Background(), Alert{Kind: KindSystem, Level: LevelWarning})
	if buf.String() != "\a\a" {
		t.Fatalf("bell wrote %q", buf.String())
	}
}

func TestConsole(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	c := NewConsole(&buf)
	if err := c.Notify(context.Background(), Alert{Kind: KindAttendance, Title: "Ana", Body: "Ops", Style: classify.StyleExit}); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "Ana") || !strings.Contains(out, "Ops") || !strings.Contains(out, "🔴") {
		t.Fatalf("console output = %q", out)
	}
}

type fakeBus struct {
	err  error
	args []interface{}
}

func (f *fakeBus) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	f.args = args
	return &dbus.Call{Method: method, Err: f.err}
}

func TestDesktopNotify(t *testing.T) {
	t.Parallel()
	fb := &fakeBus{}
	d := NewDesktop(DesktopConfig{AppName: "test"})
	d.obj = fb
	if err := d.Notify(context.Background(), Alert{Title: "Ana", Body: "Ops", Level: LevelWarning}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(fb.args) != 8 || fb.args[0] != "test" || fb.args[3] != "Ana" || fb.args[4] != "Ops" {
		t.Fatalf("args = %#v", fb.args)
	}
}

func TestDesktopErrorRedials(t *testing.T) {
	t.Parallel()
	d := NewDesktop(DesktopConfig{})
	d.obj = &fakeBus{err: errors.New("no daemon")}
	dialed := 0
	d.dial = func() (*dbus.Conn, error) {
		dialed++
		return nil, errors.New("no session bus")
	}
	if err := d.Notify(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatal("expected notify error")
	}
	if err := d.Notify(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatal("expected dial error")
	}
	if dialed != 1 {
		t.Fatalf("dialed = %d, want 1", dialed)
	}
	_ = d.Close()
	if err := d.Notify(context.Background(), Alert{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("err after Close = %v", err)
	}
}

func TestTelegramSendsAndThrottles(t *testing.T) {
	t.Parallel()
	var (
		mu    sync.Mutex
		calls int
		body  string
	)
	r := chi.NewRouter()
	r.Post("/*", func(w http.ResponseWriter, req *http.Request) {
		if !strings.HasSuffix(req.URL.Path, "/sendMessage") {
			http.NotFound(w, req)
			return
		}
		b, _ := io.ReadAll(req.Body)
		mu.Lock()
		calls++
		body = string(b)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"group"}}}`)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	tg, err := NewTelegram(TelegramConfig{Token: "t", ChatID: 42, RatePerSec: 1, APIURL: srv.URL})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := tg.Notify(ctx, Alert{Kind: KindAttendance, Title: "skipped"}); err != nil {
		t.Fatalf("attendance alert: %v", err)
	}
	if err := tg.Notify(ctx, Alert{Kind: KindSystem, Title: "connection lost"}); err != nil {
		t.Fatalf("system alert: %v", err)
	}
	if err := tg.Notify(ctx, Alert{Kind: KindSystem, Title: "again"}); !errors.Is(err, ErrThrottled) {
		t.Fatalf("second alert err = %v, want ErrThrottled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 || !strings.Contains(body, "connection lost") || !strings.Contains(body, "42") {
		t.Fatalf("calls = %d body = %s", calls, body)
	}
}

func TestNewTelegramValidates(t *testing.T) {
	t.Parallel()
	if _, err := NewTelegram(TelegramConfig{ChatID: 1}); err == nil {
		t.Fatal("expected token error")
	}
	if _, err := NewTelegram(TelegramConfig{Token: "x"}); err == nil {
		t.Fatal("expected chat error")
	}
}
