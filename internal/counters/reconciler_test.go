package counters

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"attendwatch/internal/classify"
	"attendwatch/internal/dashapi"
	"attendwatch/internal/eventbus"
	logx "attendwatch/pkg/logx"
)

type fakeSource struct {
	mu       sync.Mutex
	snap     dashapi.Snapshot
	err      error
	forceErr error
	fetches  int
	forces   int
}

func (f *fakeSource) QuickDashboard(context.Context) (dashapi.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	return f.snap, f.err
}

func (f *fakeSource) ForceUpdate(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forces++
	return f.forceErr
}

func (f *fakeSource) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches, f.forces
}

func TestBumpLeavesUniqueAlone(t *testing.T) {
	t.Parallel()
	r := New(Config{}, &fakeSource{}, logx.Nop(), nil)
	st := r.Bump(classify.Event{SubjectName: "Ana"})
	if st.TotalRecords != 1 || st.UniqueEmployees != 0 || st.Pending != 1 {
		t.Fatalf("state = %+v", st)
	}
}

func TestRefreshDiscardsOptimisticSurplus(t *testing.T) {
	t.Parallel()
	at := time.Unix(1000, 0)
	src := &fakeSource{snap: dashapi.Snapshot{TotalRecords: 42, UniqueEmployees: 10, FetchedAt: at}}
	r := New(Config{}, src, logx.Nop(), nil)
	r.ApplySnapshot(dashapi.Snapshot{TotalRecords: 42, UniqueEmployees: 9, FetchedAt: at})
	for i := 0; i < 3; i++ {
		r.Bump(classify.Event{})
	}
	if got := r.Counters().TotalRecords; got != 45 {
		t.Fatalf("optimistic total = %d, want 45", got)
	}
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := State{TotalRecords: 42, UniqueEmployees: 10, FetchedAt: at}
	if got := r.Counters(); got != want {
		t.Fatalf("state = %+v, want %+v", got, want)
	}
}

func TestRefreshFailureKeepsState(t *testing.T) {
	t.Parallel()
	src := &fakeSource{err: errors.New("down")}
	r := New(Config{}, src, logx.Nop(), nil)
	r.Bump(classify.Event{})
	r.Bump(classify.Event{})
	err := r.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	st := r.Counters()
	if st.TotalRecords != 2 || st.Pending != 2 || !st.Stale || st.LastError == "" {
		t.Fatalf("state = %+v", st)
	}
	if n, _ := src.calls(); n != 1 {
		t.Fatalf("fetches = %d, want exactly 1 (no immediate retry)", n)
	}

	src.mu.Lock()
	src.err = nil
	src.snap = dashapi.Snapshot{TotalRecords: 5, UniqueEmployees: 2}
	src.mu.Unlock()
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st := r.Counters(); st.Stale || st.LastError != "" || st.TotalRecords != 5 {
		t.Fatalf("state after recovery = %+v", st)
	}
}

// blockingSource lets a test hold a fetch open while a newer snapshot lands.
type blockingSource struct {
	release chan struct{}
	snap    dashapi.Snapshot
}

func (b *blockingSource) QuickDashboard(ctx context.Context) (dashapi.Snapshot, error) {
	<-b.release
	return b.snap, nil
}

func (b *blockingSource) ForceUpdate(context.Context) error { return nil }

func TestOlderFetchDoesNotOverwriteNewer(t *testing.T) {
	t.Parallel()
	src := &blockingSource{release: make(chan struct{}), snap: dashapi.Snapshot{TotalRecords: 1}}
	r := New(Config{}, src, logx.Nop(), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Refresh(context.Background())
	}()
	// Wait until the slow fetch has taken its sequence number.
	for {
		r.mu.Lock()
		started := r.fetchSeq == 1
		r.mu.Unlock()
		if started {
			break
		}
		time.Sleep(time.Millisecond)
	}
	r.ApplySnapshot(dashapi.Snapshot{TotalRecords: 9, UniqueEmployees: 4})
	close(src.release)
	<-done
	if st := r.Counters(); st.TotalRecords != 9 {
		t.Fatalf("state = %+v, older fetch overwrote newer snapshot", st)
	}
}

type manualTimer struct {
	f       func()
	stopped bool
}

func (m *manualTimer) Stop() bool { m.stopped = true; return true }

func TestQuickRefreshCoalesces(t *testing.T) {
	t.Parallel()
	src := &fakeSource{snap: dashapi.Snapshot{TotalRecords: 3}}
	r := New(Config{QuickDelay: 300 * time.Millisecond}, src, logx.Nop(), nil)
	var timers []*manualTimer
	var delays []time.Duration
	r.afterFunc = func(d time.Duration, f func()) stopper {
		mt := &manualTimer{f: f}
		timers = append(timers, mt)
		delays = append(delays, d)
		return mt
	}
	r.ScheduleQuickRefresh()
	r.ScheduleQuickRefresh()
	r.ScheduleQuickRefresh()
	if len(timers) != 1 || delays[0] != 300*time.Millisecond {
		t.Fatalf("timers = %d delays = %v", len(timers), delays)
	}
	timers[0].f()
	if n, _ := src.calls(); n != 1 {
		t.Fatalf("fetches = %d, want 1", n)
	}
	r.ScheduleQuickRefresh()
	if len(timers) != 2 {
		t.Fatal("a new quick refresh must be armable after the previous fired")
	}
}

func TestForceRefresh(t *testing.T) {
	t.Parallel()
	src := &fakeSource{snap: dashapi.Snapshot{TotalRecords: 7}}
	r := New(Config{}, src, logx.Nop(), nil)
	if err := r.ForceRefresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if fetches, forces := src.calls(); fetches != 1 || forces != 1 {
		t.Fatalf("fetches=%d forces=%d", fetches, forces)
	}

	src.forceErr = dashapi.ErrForceRejected
	if err := r.ForceRefresh(context.Background()); !errors.Is(err, dashapi.ErrForceRejected) {
		t.Fatalf("err = %v", err)
	}
	if fetches, _ := src.calls(); fetches != 1 {
		t.Fatal("a rejected force update must not refresh")
	}
}

func TestPublishesOnBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4, eventbus.TopicCountersUpdated)
	defer unsub()
	r := New(Config{}, &fakeSource{}, logx.Nop(), bus)
	r.Bump(classify.Event{})
	e := <-ch
	if st, ok := e.Data.(State); !ok || st.TotalRecords != 1 {
		t.Fatalf("event = %+v", e)
	}
}

func TestRunAgainstHTTPServer(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	mux := chi.NewRouter()
	mux.Get(dashapi.PathQuickDashboard, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"total_records":12,"unique_employees":4}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	api, err := dashapi.New(srv.URL, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	r := New(Config{Schedule: "@every 1s"}, api, logx.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for r.Counters().TotalRecords != 12 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	if hits.Load() == 0 {
		t.Fatal("periodic refresh never hit the server")
	}
	if st := r.Counters(); st.TotalRecords != 12 || st.UniqueEmployees != 4 {
		t.Fatalf("state = %+v", st)
	}
	if jobs := r.Jobs(); jobs[jobRefresh] == "" {
		t.Fatalf("jobs = %v", jobs)
	}
}

func TestApplyRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	r := New(Config{}, &fakeSource{}, logx.Nop(), nil)
	if err := r.Apply(Config{Schedule: "every few seconds"}); err == nil {
		t.Fatal("expected schedule error")
	}
}
