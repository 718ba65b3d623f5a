// Package engine wires the push stream to the presentation and counter
// components.
//
// Messages arrive on the stream loop goroutine in transport order. Attendance
// events are classified, passed through the dedup window and then presented
// and counted in that same call. Work that talks to the server (refreshes,
// request_update) runs on its own goroutine so a slow endpoint never stalls
// the stream.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"attendwatch/internal/alert"
	"attendwatch/internal/classify"
	"attendwatch/internal/counters"
	"attendwatch/internal/dashapi"
	"attendwatch/internal/dedup"
	"attendwatch/internal/eventbus"
	"attendwatch/internal/presenter"
	"attendwatch/internal/stream"
	"attendwatch/internal/watchdog"
	logx "attendwatch/pkg/logx"
)

const (
	DefaultRequestTimeout = 5 * time.Second

	// EventRequestUpdate asks the server to push a fresh dashboard.
	EventRequestUpdate = "request_update"
)

type Config struct {
	Stream stream.Config
	Routes Routes
	// CountQuickUpdates bumps the counters on counter hints too. Off by
	// default since the server sends a hint for every attendance event.
	CountQuickUpdates bool
	// RequestTimeout bounds emits, refreshes and alerts started by the engine.
	RequestTimeout time.Duration
}

// Deps are the components the engine drives. Watchdog and Sink may be nil.
type Deps struct {
	Dialer     stream.Dialer
	Classifier classify.Classifier
	Dedup      *dedup.Window
	Presenter  *presenter.Presenter
	Counters   *counters.Reconciler
	Watchdog   *watchdog.Watchdog
	Sink       alert.Sink
	Log        logx.Logger
	Bus        eventbus.Bus
}

// Stats are message counters since start.
type Stats struct {
	Received   uint64 `json:"received"`
	Accepted   uint64 `json:"accepted"`
	Suppressed uint64 `json:"suppressed"`
	Rejected   uint64 `json:"rejected"`
	Unrouted   uint64 `json:"unrouted"`
}

type Engine struct {
	stream     *stream.Manager
	classifier classify.Classifier
	dedup      *dedup.Window
	presenter  *presenter.Presenter
	counters   *counters.Reconciler
	watchdog   *watchdog.Watchdog
	sink       alert.Sink
	log        logx.Logger
	bus        eventbus.Bus

	mu        sync.Mutex
	cfg       Config
	routes    map[string]Route
	connected bool
	runCtx    context.Context

	received, accepted, suppressed, rejected, unrouted atomic.Uint64

	goAsync func(f func())
}

func New(cfg Config, deps Deps) (*Engine, error) {
	switch {
	case deps.Dialer == nil:
		return nil, errors.New("engine: dialer is required")
	case deps.Dedup == nil:
		return nil, errors.New("engine: dedup window is required")
	case deps.Presenter == nil:
		return nil, errors.New("engine: presenter is required")
	case deps.Counters == nil:
		return nil, errors.New("engine: counters are required")
	}
	if deps.Sink == nil {
		deps.Sink = alert.Nop
	}
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	e := &Engine{
		classifier: deps.Classifier,
		dedup:      deps.Dedup,
		presenter:  deps.Presenter,
		counters:   deps.Counters,
		watchdog:   deps.Watchdog,
		sink:       deps.Sink,
		log:        deps.Log,
		bus:        deps.Bus,
		runCtx:     context.Background(),
		goAsync:    func(f func()) { go f() },
	}
	e.setConfig(cfg)
	e.stream = stream.NewManager(cfg.Stream, deps.Dialer, e.Handle, deps.Log.With(logx.String("sub", "stream")), deps.Bus)
	e.stream.OnState(e.onState)
	return e, nil
}

func (e *Engine) setConfig(cfg Config) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	routes := cfg.Routes.table()
	e.mu.Lock()
	e.cfg = cfg
	e.routes = routes
	e.mu.Unlock()
}

// Apply swaps routes, the quick-update policy and the reconnect policy.
func (e *Engine) Apply(cfg Config) {
	e.setConfig(cfg)
	e.stream.Apply(cfg.Stream)
}

// Start opens the stream. Work spawned by the engine is bound to ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()
	e.stream.Start(ctx)
}

// Stop closes the stream and waits for its loop.
func (e *Engine) Stop(ctx context.Context) error {
	return e.stream.Stop(ctx)
}

// Run starts the stream and keeps it until ctx is canceled.
func (e *Engine) Run(ctx context.Context) error {
	e.Start(ctx)
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return e.Stop(stopCtx)
}

// Restart stops a failed or running stream and starts it again.
func (e *Engine) Restart(ctx context.Context) error {
	if err := e.stream.Stop(ctx); err != nil {
		return err
	}
	e.mu.Lock()
	runCtx := e.runCtx
	e.mu.Unlock()
	e.stream.Start(runCtx)
	return nil
}

func (e *Engine) Visible() []presenter.Notification { return e.presenter.Visible() }
func (e *Engine) Counters() counters.State          { return e.counters.Counters() }
func (e *Engine) Connection() stream.Status         { return e.stream.Status() }

// Watchdog reports the monitoring state; zero when the watchdog is off.
func (e *Engine) Watchdog() watchdog.State {
	if e.watchdog == nil {
		return watchdog.State{}
	}
	return e.watchdog.State()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Received:   e.received.Load(),
		Accepted:   e.accepted.Load(),
		Suppressed: e.suppressed.Load(),
		Rejected:   e.rejected.Load(),
		Unrouted:   e.unrouted.Load(),
	}
}

// Subscribe streams presenter changes; see presenter.Subscribe.
func (e *Engine) Subscribe(buffer int) (<-chan presenter.Change, func()) {
	return e.presenter.Subscribe(buffer)
}

// Dismiss removes a visible notification by id.
func (e *Engine) Dismiss(id string) bool {
	n, ok := e.presenter.Lookup(id)
	if !ok {
		return false
	}
	return e.presenter.Dismiss(n.Handle)
}

// ForceRefresh asks the server to rebroadcast and reloads the counters.
func (e *Engine) ForceRefresh(ctx context.Context) error {
	if err := e.counters.ForceRefresh(ctx); err != nil {
		return err
	}
	if err := e.stream.Emit(ctx, EventRequestUpdate, nil); err != nil && !errors.Is(err, stream.ErrNotConnected) {
		e.log.Debug("request_update failed", logx.Err(err))
	}
	return nil
}

// Handle routes one stream message. It is the stream handler and is safe to
// call directly.
func (e *Engine) Handle(msg stream.Message) {
	defer e.recoverPanic("handle " + msg.Event)
	e.received.Add(1)

	e.mu.Lock()
	route := e.routes[msg.Event]
	cfg := e.cfg
	e.mu.Unlock()

	switch route {
	case RouteAttendance:
		e.handleAttendance(msg)
	case RouteCounter:
		e.handleCounterHint(msg, cfg.CountQuickUpdates)
	case RoutePush:
		e.handlePush(msg)
	case RouteRefresh:
		e.handleRefresh(msg)
	case RouteLate:
		e.handleLate(msg)
	case RouteStatus:
		e.handleStatus(msg)
	default:
		e.unrouted.Add(1)
		e.log.Debug("unrouted event", logx.String("event", msg.Event))
	}
}

func (e *Engine) handleAttendance(msg stream.Message) {
	ev, err := e.classifier.Classify(msg.Event, msg.Payload)
	if err != nil {
		e.reject(msg, err)
		return
	}
	if !e.dedup.Accept(ev) {
		e.suppressed.Add(1)
		e.log.Debug("event suppressed", logx.String("event", msg.Event), logx.String("subject", ev.SubjectName))
		e.bus.Publish(eventbus.Event{Type: eventbus.TopicEventSuppressed, Data: ev})
		return
	}
	e.accepted.Add(1)
	if _, err := e.presenter.Present(ev); err != nil {
		e.log.Warn("present failed", logx.String("subject", ev.SubjectName), logx.Err(err))
	}
	e.counters.Bump(ev)
	e.counters.ScheduleQuickRefresh()
}

// counterHint is the quick_update / counter_update payload.
type counterHint struct {
	EmployeeName string          `json:"employee_name"`
	Action       string          `json:"action"`
	Type         string          `json:"type"`
	Time         json.RawMessage `json:"time"`
}

// hintNewRecord marks a counter hint that stands for one new attendance
// record; other hint types only ask for a refresh.
const hintNewRecord = "new_record"

func (e *Engine) handleCounterHint(msg stream.Message, count bool) {
	if count {
		var h counterHint
		if err := json.Unmarshal(msg.Payload, &h); err != nil {
			e.reject(msg, fmt.Errorf("counter hint payload: %w", err))
			return
		}
		if h.Type == hintNewRecord {
			e.counters.Bump(classify.Event{SubjectName: h.EmployeeName, Kind: classify.KindOf(h.Action), Source: msg.Event})
		}
	}
	e.counters.ScheduleQuickRefresh()
}

type pushPayload struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}

func (e *Engine) handlePush(msg stream.Message) {
	var p pushPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		e.reject(msg, fmt.Errorf("push payload: %w", err))
		return
	}
	p.Title, p.Message = strings.TrimSpace(p.Title), strings.TrimSpace(p.Message)
	if p.Title == "" && p.Message == "" {
		e.reject(msg, errors.New("push payload: empty title and message"))
		return
	}
	e.fire(alert.Alert{Kind: alert.KindDesktop, Level: alert.LevelInfo, Title: p.Title, Body: p.Message, At: msg.ReceivedAt})
}

func (e *Engine) handleRefresh(msg stream.Message) {
	var d dashapi.Dashboard
	if err := json.Unmarshal(msg.Payload, &d); err == nil {
		at := msg.ReceivedAt
		if at.IsZero() {
			at = time.Now()
		}
		if snap, ok := d.Snapshot(at); ok {
			e.counters.ApplySnapshot(snap)
			return
		}
	}
	e.async("refresh", func(ctx context.Context) { _ = e.counters.Refresh(ctx) })
}

// lateArrival is the late_arrival_alert payload.
type lateArrival struct {
	Name         string `json:"name"`
	Department   string `json:"department"`
	ExpectedTime string `json:"expected_time"`
	ActualTime   string `json:"actual_time"`
	LateMinutes  int    `json:"late_minutes"`
	Severity     string `json:"severity"`
}

func (e *Engine) handleLate(msg stream.Message) {
	var l lateArrival
	if err := json.Unmarshal(msg.Payload, &l); err != nil {
		e.reject(msg, fmt.Errorf("late payload: %w", err))
		return
	}
	if strings.TrimSpace(l.Name) == "" {
		e.reject(msg, fmt.Errorf("late payload: %w: name", classify.ErrMissingField))
		return
	}
	e.fire(lateAlert(l, msg.ReceivedAt))
}

func lateAlert(l lateArrival, at time.Time) alert.Alert {
	level := alert.LevelWarning
	if strings.EqualFold(l.Severity, "severe") {
		level = alert.LevelError
	}
	dept := strings.TrimSpace(l.Department)
	if dept == "" {
		dept = classify.DefaultDepartment
	}
	body := fmt.Sprintf("%s · %d min late", dept, l.LateMinutes)
	if l.ExpectedTime != "" && l.ActualTime != "" {
		body = fmt.Sprintf("%s · expected %s, arrived %s (%d min late)", dept, l.ExpectedTime, l.ActualTime, l.LateMinutes)
	}
	return alert.Alert{
		Kind:  alert.KindSystem,
		Level: level,
		Title: "Late arrival: " + strings.TrimSpace(l.Name),
		Body:  body,
		At:    at,
	}
}

func (e *Engine) handleStatus(msg stream.Message) {
	if e.watchdog == nil {
		return
	}
	var st dashapi.InstantStatus
	if err := json.Unmarshal(msg.Payload, &st); err != nil {
		e.reject(msg, fmt.Errorf("status payload: %w", err))
		return
	}
	e.watchdog.Observe(st)
}

func (e *Engine) reject(msg stream.Message, err error) {
	e.rejected.Add(1)
	e.log.Warn("event dropped", logx.String("event", msg.Event), logx.Err(err))
	e.bus.Publish(eventbus.Event{Type: eventbus.TopicEventRejected, Data: err.Error()})
}

// onState reacts to connection transitions. It runs on the goroutine making
// the transition, so anything slow is pushed to async.
func (e *Engine) onState(st stream.Status) {
	e.mu.Lock()
	was := e.connected
	e.connected = st.State == stream.Connected
	e.mu.Unlock()

	switch {
	case st.State == stream.Connected:
		e.fire(alert.Alert{Kind: alert.KindSystem, Level: alert.LevelInfo, Title: "Connected", Body: "Live attendance stream is up.", At: st.Since})
		e.async("catch-up", func(ctx context.Context) {
			if err := e.stream.Emit(ctx, EventRequestUpdate, nil); err != nil {
				e.log.Debug("request_update failed", logx.Err(err))
			}
			_ = e.counters.Refresh(ctx)
		})
	case st.State == stream.Failed:
		e.fire(alert.Alert{Kind: alert.KindSystem, Level: alert.LevelError, Title: "Connection failed",
			Body: fmt.Sprintf("Gave up after %d attempts: %s", st.Attempt, st.LastError), At: st.Since})
	case was && st.State == stream.Reconnecting:
		body := "Reconnecting."
		if st.LastError != "" {
			body = "Reconnecting: " + st.LastError
		}
		e.fire(alert.Alert{Kind: alert.KindSystem, Level: alert.LevelWarning, Title: "Connection lost", Body: body, At: st.Since})
	}
}

// async runs fn with the request timeout, bound to the run context.
func (e *Engine) async(name string, fn func(ctx context.Context)) {
	e.mu.Lock()
	parent, timeout := e.runCtx, e.cfg.RequestTimeout
	e.mu.Unlock()
	e.goAsync(func() {
		defer e.recoverPanic(name)
		if parent.Err() != nil {
			return
		}
		ctx, cancel := context.WithTimeout(parent, timeout)
		defer cancel()
		fn(ctx)
	})
}

func (e *Engine) fire(a alert.Alert) {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	e.mu.Lock()
	timeout := e.cfg.RequestTimeout
	e.mu.Unlock()
	e.goAsync(func() {
		defer e.recoverPanic("alert")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := e.sink.Notify(ctx, a); err != nil {
			e.log.Debug("alert failed", logx.String("title", a.Title), logx.Err(err))
		}
	})
}

func (e *Engine) recoverPanic(where string) {
	if r := recover(); r != nil {
		e.log.Error("panic recovered", logx.String("where", where), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
	}
}
