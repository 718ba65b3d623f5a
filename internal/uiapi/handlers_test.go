package uiapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"attendwatch/internal/classify"
	"attendwatch/internal/counters"
	"attendwatch/internal/engine"
	"attendwatch/internal/presenter"
	"attendwatch/internal/stream"
	"attendwatch/internal/watchdog"
	logx "attendwatch/pkg/logx"
)

type fakeEngine struct {
	mu         sync.Mutex
	visible    []presenter.Notification
	counters   counters.State
	refreshErr error
	refreshed  int
	restarts   int
	restartErr error
	changes    chan presenter.Change
	subscribed chan struct{}
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{changes: make(chan presenter.Change, 4), subscribed: make(chan struct{}, 1)}
}

func (f *fakeEngine) Visible() []presenter.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]presenter.Notification(nil), f.visible...)
}

func (f *fakeEngine) Counters() counters.State { return f.counters }

func (f *fakeEngine) Connection() stream.Status {
	return stream.Status{State: stream.Reconnecting, Attempt: 2}
}

func (f *fakeEngine) Watchdog() watchdog.State {
	return watchdog.State{Known: true, Monitoring: true}
}

func (f *fakeEngine) Stats() engine.Stats { return engine.Stats{Received: 3, Accepted: 1, Suppressed: 2} }

func (f *fakeEngine) Dismiss(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range f.visible {
		if n.Handle.String() == id {
			f.visible = append(f.visible[:i], f.visible[i+1:]...)
			return true
		}
	}
	return false
}

func (f *fakeEngine) ForceRefresh(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed++
	return f.refreshErr
}

func (f *fakeEngine) Restart(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.restartErr
}

func (f *fakeEngine) Subscribe(int) (<-chan presenter.Change, func()) {
	f.subscribed <- struct{}{}
	return f.changes, func() {}
}

func notification(name string) presenter.Notification {
	ev := classify.Event{SubjectName: name, Kind: classify.KindEntry, Department: "Ops"}
	return presenter.Notification{Handle: uuid.New(), Event: ev, Style: classify.StyleFor(ev)}
}

func newTestServer(t *testing.T, eng Engine) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(NewRouter(eng, logx.Nop(), RouterOptions{Heartbeat: time.Hour}))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNotificationsAndDismiss(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	resp := do(t, http.MethodGet, srv.URL+"/api/notifications")
	var list []presenter.Notification
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil || list == nil || len(list) != 0 {
		t.Fatalf("empty list = %v, %v", list, err)
	}

	n := notification("Ana")
	eng.mu.Lock()
	eng.visible = []presenter.Notification{n}
	eng.mu.Unlock()
	resp = do(t, http.MethodGet, srv.URL+"/api/notifications")
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil || len(list) != 1 || list[0].Handle != n.Handle {
		t.Fatalf("list = %+v, %v", list, err)
	}

	if resp := do(t, http.MethodDelete, srv.URL+"/api/notifications/"+n.Handle.String()); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("dismiss status = %d", resp.StatusCode)
	}
	if resp := do(t, http.MethodDelete, srv.URL+"/api/notifications/"+n.Handle.String()); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second dismiss status = %d", resp.StatusCode)
	}
}

func TestStatusKeepsConnectionAndMonitoringApart(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t, newFakeEngine())
	resp := do(t, http.MethodGet, srv.URL+"/api/status")
	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	var conn struct {
		State   string `json:"state"`
		Attempt int    `json:"attempt"`
	}
	if err := json.Unmarshal(body["connection"], &conn); err != nil || conn.State != "reconnecting" || conn.Attempt != 2 {
		t.Fatalf("connection = %s", body["connection"])
	}
	var wd watchdog.State
	if err := json.Unmarshal(body["watchdog"], &wd); err != nil || !wd.Monitoring {
		t.Fatalf("watchdog = %s", body["watchdog"])
	}
	if _, ok := body["stats"]; !ok {
		t.Fatal("stats missing")
	}
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.counters = counters.State{TotalRecords: 9, UniqueEmployees: 4}
	srv := newTestServer(t, eng)

	resp := do(t, http.MethodPost, srv.URL+"/api/refresh")
	var ok refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&ok); err != nil || resp.StatusCode != http.StatusOK || !ok.Success || ok.Counters.TotalRecords != 9 {
		t.Fatalf("refresh = %d %+v %v", resp.StatusCode, ok, err)
	}

	eng.mu.Lock()
	eng.refreshErr = errors.New("server says no")
	eng.mu.Unlock()
	resp = do(t, http.MethodPost, srv.URL+"/api/refresh")
	var bad refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&bad); err != nil || resp.StatusCode != http.StatusBadGateway || bad.Success || bad.Error == "" {
		t.Fatalf("failed refresh = %d %+v %v", resp.StatusCode, bad, err)
	}

	if resp := do(t, http.MethodGet, srv.URL+"/api/refresh"); resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET /api/refresh = %d", resp.StatusCode)
	}
}

func TestReconnect(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	srv := newTestServer(t, eng)

	resp := do(t, http.MethodPost, srv.URL+"/api/reconnect")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var st struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.State != "reconnecting" {
		t.Fatalf("connection = %+v", st)
	}

	eng.mu.Lock()
	eng.restartErr = errors.New("stop timed out")
	eng.mu.Unlock()
	if resp := do(t, http.MethodPost, srv.URL+"/api/reconnect"); resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failed restart status = %d", resp.StatusCode)
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.restarts != 2 {
		t.Fatalf("restarts = %d", eng.restarts)
	}
}

func TestCounters(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.counters = counters.State{TotalRecords: 5, Pending: 2, Stale: true}
	srv := newTestServer(t, eng)
	var st counters.State
	if err := json.NewDecoder(do(t, http.MethodGet, srv.URL+"/api/counters").Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st.TotalRecords != 5 || st.Pending != 2 || !st.Stale {
		t.Fatalf("counters = %+v", st)
	}
}

func TestEventStream(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine()
	eng.visible = []presenter.Notification{notification("Ana")}
	srv := newTestServer(t, eng)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	rd := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "" && name != "":
				return name, data
			}
		}
	}

	name, data := readEvent()
	if name != "snapshot" || !strings.Contains(data, `"Ana"`) {
		t.Fatalf("first event = %s %s", name, data)
	}
	<-eng.subscribed
	eng.changes <- presenter.Change{Presented: true, Notification: notification("Luis")}
	eng.changes <- presenter.Change{Reason: presenter.ReasonExpired, Notification: notification("Ana")}

	name, data = readEvent()
	if name != "presented" || !strings.Contains(data, `"Luis"`) {
		t.Fatalf("second event = %s %s", name, data)
	}
	name, data = readEvent()
	if name != "dismissed" || !strings.Contains(data, `"expired"`) {
		t.Fatalf("third event = %s %s", name, data)
	}
}

func TestProfilerMount(t *testing.T) {
	t.Parallel()
	plain := newTestServer(t, newFakeEngine())
	if resp := do(t, http.MethodGet, plain.URL+"/debug/pprof/"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("pprof mounted by default: %d", resp.StatusCode)
	}
	prof := httptest.NewServer(NewRouter(newFakeEngine(), logx.Nop(), RouterOptions{Profiler: true}))
	defer prof.Close()
	if resp := do(t, http.MethodGet, prof.URL+"/debug/pprof/"); resp.StatusCode != http.StatusOK {
		t.Fatalf("pprof index = %d", resp.StatusCode)
	}
}
