// Package watchdog polls the server's monitoring flag.
//
// Its state is deliberately separate from the stream connection: the push
// channel can be up while the server has stopped reading the device, and the
// other way around. Both are reported side by side.
package watchdog

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"attendwatch/internal/alert"
	"attendwatch/internal/dashapi"
	"attendwatch/internal/eventbus"
	"attendwatch/internal/schedule"
	logx "attendwatch/pkg/logx"
)

const (
	DefaultSchedule = "@every 30s"

	jobPoll      = "watchdog.poll"
	alertTimeout = 5 * time.Second
)

type Source interface {
	InstantStatus(ctx context.Context) (dashapi.InstantStatus, error)
}

// State is the last known server-side monitoring status.
type State struct {
	// Known is false until the first successful check or pushed status.
	Known           bool      `json:"known"`
	Monitoring      bool      `json:"monitoring"`
	DeviceConnected *bool     `json:"device_connected,omitempty"`
	Degraded        bool      `json:"degraded"`
	CheckedAt       time.Time `json:"checked_at"`
	LastError       string    `json:"last_error,omitempty"`
}

type Config struct {
	Schedule string // "" disables polling; pushed statuses are still observed
}

type Watchdog struct {
	src    Source
	sink   alert.Sink
	log    logx.Logger
	bus    eventbus.Bus
	runner *schedule.Runner

	mu      sync.Mutex
	cfg     Config
	state   State
	alerted bool // warning raised for the current inactive streak

	now     func() time.Time
	goAlert func(f func())
}

func New(cfg Config, src Source, sink alert.Sink, log logx.Logger, bus eventbus.Bus) *Watchdog {
	if sink == nil {
		sink = alert.Nop
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Watchdog{
		src:     src,
		sink:    sink,
		log:     log,
		bus:     bus,
		runner:  schedule.NewRunner(log.With(logx.String("sub", "schedule")), nil),
		cfg:     cfg,
		now:     time.Now,
		goAlert: func(f func()) { go f() },
	}
}

func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Check polls the status endpoint once. A failed fetch keeps the previous
// state and only records the error.
func (w *Watchdog) Check(ctx context.Context) error {
	st, err := w.src.InstantStatus(ctx)
	if err != nil {
		w.mu.Lock()
		w.state.LastError = err.Error()
		snap := w.state
		w.mu.Unlock()
		w.log.Warn("status check failed", logx.Err(err))
		w.publish(snap)
		return fmt.Errorf("status check: %w", err)
	}
	w.Observe(st)
	return nil
}

// Observe folds in a status report, polled or pushed by the server.
func (w *Watchdog) Observe(st dashapi.InstantStatus) {
	w.mu.Lock()
	prev := w.state
	w.state = State{
		Known:           true,
		Monitoring:      st.Monitoring,
		DeviceConnected: st.Connected,
		Degraded:        !st.Monitoring,
		CheckedAt:       w.now(),
	}
	var a *alert.Alert
	switch {
	case !st.Monitoring && !w.alerted:
		w.alerted = true
		a = &alert.Alert{
			Kind:  alert.KindSystem,
			Level: alert.LevelWarning,
			Title: "Monitoring paused",
			Body:  "The attendance server is not reading the device.",
		}
	case st.Monitoring && w.alerted:
		w.alerted = false
		a = &alert.Alert{
			Kind:  alert.KindSystem,
			Level: alert.LevelInfo,
			Title: "Monitoring resumed",
		}
	}
	snap := w.state
	w.mu.Unlock()

	if prev.Monitoring != snap.Monitoring || !prev.Known {
		w.log.Info("monitoring status", logx.Bool("monitoring", snap.Monitoring))
	}
	w.publish(snap)
	if a != nil {
		a.At = snap.CheckedAt
		w.fire(*a)
	}
}

func (w *Watchdog) fire(a alert.Alert) {
	w.goAlert(func() {
		defer func() {
			if r := recover(); r != nil {
				w.log.Error("alert panic recovered", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), alertTimeout)
		defer cancel()
		if err := w.sink.Notify(ctx, a); err != nil {
			w.log.Debug("alert failed", logx.String("title", a.Title), logx.Err(err))
		}
	})
}

// Apply replaces the poll schedule.
func (w *Watchdog) Apply(cfg Config) error {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	return w.register(cfg)
}

func (w *Watchdog) register(cfg Config) error {
	return w.runner.Set(jobPoll, cfg.Schedule, func(ctx context.Context) { _ = w.Check(ctx) })
}

// Run checks once immediately, then on the schedule until ctx is canceled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.mu.Lock()
	cfg := w.cfg
	w.mu.Unlock()
	if err := w.register(cfg); err != nil {
		return err
	}
	if err := w.runner.Start(ctx); err != nil {
		return err
	}
	if cfg.Schedule != "" {
		_ = w.Check(ctx)
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w.runner.Stop(stopCtx)
	return nil
}

func (w *Watchdog) publish(st State) {
	w.bus.Publish(eventbus.Event{Type: eventbus.TopicWatchdogState, Data: st})
}
