// Package stream keeps one long-lived push connection to the attendance
// server and reconnects it with backoff.
//
// A single loop goroutine owns the transport. Messages are handed to the
// Handler on that goroutine in transport order, and only while Connected.
package stream

import (
	"context"
	"errors"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"attendwatch/internal/eventbus"
	logx "attendwatch/pkg/logx"
)

// Conn is one open transport.
type Conn interface {
	// Read blocks until the next application message or a transport error.
	Read(ctx context.Context) (Message, error)
	Emit(ctx context.Context, event string, payload any) error
	Close() error
}

// Dialer opens transports. Implementations must honor ctx.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Conn, error)

func (f DialFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

// Handler consumes messages on the loop goroutine.
type Handler func(Message)

type Config struct {
	Backoff     Backoff
	DialTimeout time.Duration
}

type Manager struct {
	dialer  Dialer
	handler Handler
	log     logx.Logger
	bus     eventbus.Bus

	mu        sync.Mutex
	cfg       Config
	status    Status
	conn      Conn
	cancel    context.CancelFunc
	done      chan struct{}
	listeners []func(Status)

	// hooks for tests
	now   func() time.Time
	after func(d time.Duration) (<-chan time.Time, func() bool)
	rand  func() float64
}

func NewManager(cfg Config, dialer Dialer, handler Handler, log logx.Logger, bus eventbus.Bus) *Manager {
	if bus == nil {
		bus = eventbus.Nop()
	}
	if handler == nil {
		handler = func(Message) {}
	}
	m := &Manager{
		dialer:  dialer,
		handler: handler,
		log:     log,
		bus:     bus,
		now:     time.Now,
		rand:    rand.Float64,
		after: func(d time.Duration) (<-chan time.Time, func() bool) {
			t := time.NewTimer(d)
			return t.C, t.Stop
		},
	}
	m.cfg = normalizeConfig(cfg)
	m.status = Status{State: Disconnected, Since: m.now()}
	return m
}

func normalizeConfig(cfg Config) Config {
	cfg.Backoff = cfg.Backoff.normalized()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	return cfg
}

// Apply swaps the reconnect policy; it is read at the next attempt.
func (m *Manager) Apply(cfg Config) {
	m.mu.Lock()
	m.cfg = normalizeConfig(cfg)
	m.mu.Unlock()
}

// OnState registers a listener for state transitions. Listeners run on the
// goroutine making the transition and must not block.
func (m *Manager) OnState(fn func(Status)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Start begins connecting. It is a no-op unless the manager is Disconnected;
// a Failed manager needs Stop before it can start again.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.status.State != Disconnected || m.done != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.mu.Unlock()

	m.transition(Status{State: Connecting})
	go m.loop(loopCtx, cancel, done)
}

// Stop cancels the loop and any pending backoff, closes the transport, waits
// for the loop to exit and leaves the manager Disconnected.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	cancel, done, conn := m.cancel, m.done, m.conn
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if m.Status().State != Disconnected {
		m.transition(Status{State: Disconnected})
	}
	return nil
}

// Emit sends a client event on the live transport.
func (m *Manager) Emit(ctx context.Context, event string, payload any) error {
	m.mu.Lock()
	conn, state := m.conn, m.status.State
	m.mu.Unlock()
	if conn == nil || state != Connected {
		return ErrNotConnected
	}
	return conn.Emit(ctx, event, payload)
}

func (m *Manager) loop(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer func() {
		cancel()
		m.mu.Lock()
		m.conn = nil
		if m.done == done {
			m.cancel, m.done = nil, nil
		}
		failed := m.status.State == Failed
		m.mu.Unlock()
		if !failed {
			m.transition(Status{State: Disconnected})
		}
		close(done)
	}()
	attempt := 0
	var lastConnected time.Time

	for {
		conn, err := m.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err == nil {
			attempt = 0
			lastConnected = m.now()
			m.mu.Lock()
			m.conn = conn
			m.mu.Unlock()
			m.transition(Status{State: Connected, LastConnectedAt: lastConnected})
			m.log.Info("stream connected")

			err = m.read(ctx, conn)

			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("stream lost", logx.Err(err))
		} else {
			m.log.Warn("stream dial failed", logx.Int("attempt", attempt), logx.Err(err))
		}

		m.mu.Lock()
		bo := m.cfg.Backoff
		m.mu.Unlock()
		if bo.MaxAttempts > 0 && attempt >= bo.MaxAttempts {
			m.transition(Status{State: Failed, Attempt: attempt, LastConnectedAt: lastConnected, LastError: errText(err)})
			m.log.Error("stream gave up", logx.Int("attempts", attempt), logx.Err(err))
			return
		}
		attempt++
		delay := bo.Delay(attempt, m.rand())
		m.transition(Status{State: Reconnecting, Attempt: attempt, LastConnectedAt: lastConnected, NextRetry: delay, LastError: errText(err)})

		ch, stop := m.after(delay)
		select {
		case <-ctx.Done():
			stop()
			return
		case <-ch:
		}
		m.transition(Status{State: Connecting, Attempt: attempt, LastConnectedAt: lastConnected})
	}
}

func (m *Manager) dial(ctx context.Context) (Conn, error) {
	m.mu.Lock()
	timeout := m.cfg.DialTimeout
	m.mu.Unlock()
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.dialer.Dial(dctx)
}

func (m *Manager) read(ctx context.Context, conn Conn) error {
	// Unblock Read when the loop is canceled.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	for {
		msg, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.deliver(msg)
	}
}

func (m *Manager) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("message handler panicked",
				logx.String("event", msg.Event),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	m.handler(msg)
}

func (m *Manager) transition(st Status) {
	m.mu.Lock()
	st.Since = m.now()
	if st.LastConnectedAt.IsZero() {
		st.LastConnectedAt = m.status.LastConnectedAt
	}
	prev := m.status.State
	m.status = st
	listeners := append([]func(Status){}, m.listeners...)
	m.mu.Unlock()

	m.log.Debug("stream state", logx.String("from", prev.String()), logx.String("to", st.State.String()), logx.Int("attempt", st.Attempt))
	for _, fn := range listeners {
		m.notify(fn, st)
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TopicStreamState, Data: st})
}

func (m *Manager) notify(fn func(Status), st Status) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("state listener panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	fn(st)
}

func errText(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return ""
	}
	return err.Error()
}
