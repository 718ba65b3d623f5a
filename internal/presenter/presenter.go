// Package presenter owns the stack of visible notifications.
//
// Every mutation of the live set (present, manual dismiss, expiry, eviction)
// runs under one mutex and finishes its repack before the lock is released,
// so observers never see a gap or a duplicate stack index.
package presenter

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"attendwatch/internal/alert"
	"attendwatch/internal/classify"
	"attendwatch/internal/eventbus"
	logx "attendwatch/pkg/logx"
)

const (
	DefaultExpiry       = 5 * time.Second
	DefaultAlertTimeout = 5 * time.Second
)

var ErrClosed = errors.New("presenter closed")

// Notification is an event wrapped with its presentation state.
type Notification struct {
	Handle     uuid.UUID      `json:"id"`
	Event      classify.Event `json:"event"`
	Style      classify.Style `json:"style"`
	StackIndex int            `json:"stack_index"`
	CreatedAt  time.Time      `json:"created_at"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Reason says why a notification left the stack.
type Reason string

const (
	ReasonExpired Reason = "expired"
	ReasonManual  Reason = "manual"
	ReasonEvicted Reason = "evicted"
)

// Change is one entry of the Subscribe feed.
type Change struct {
	Presented    bool         `json:"presented"`
	Reason       Reason       `json:"reason,omitempty"`
	Notification Notification `json:"notification"`
}

type Config struct {
	Expiry       time.Duration
	MaxVisible   int // 0 = unbounded
	AlertTimeout time.Duration
}

type stopper interface{ Stop() bool }

type entry struct {
	n     Notification
	timer stopper
}

type Presenter struct {
	mu     sync.Mutex
	cfg    Config
	live   []*entry // ordered by StackIndex
	closed bool

	subs   map[int]chan Change
	subSeq int

	sink alert.Sink
	log  logx.Logger
	bus  eventbus.Bus

	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
	goAlert   func(f func())
}

func New(cfg Config, sink alert.Sink, log logx.Logger, bus eventbus.Bus) *Presenter {
	if sink == nil {
		sink = alert.Nop
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	p := &Presenter{
		subs: map[int]chan Change{},
		sink: sink,
		log:  log,
		bus:  bus,
		now:  time.Now,
		afterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		goAlert: func(f func()) { go f() },
	}
	p.applyLocked(cfg)
	return p
}

// WithClock replaces the time source and the expiry timers; tests only.
func (p *Presenter) WithClock(now func() time.Time, after func(d time.Duration, f func()) interface{ Stop() bool }) *Presenter {
	p.mu.Lock()
	p.now = now
	p.afterFunc = func(d time.Duration, f func()) stopper { return after(d, f) }
	p.mu.Unlock()
	return p
}

// Apply updates expiry and the visible cap. Pending expiries keep their
// original deadline; a lowered cap takes effect on the next Present.
func (p *Presenter) Apply(cfg Config) {
	p.mu.Lock()
	p.applyLocked(cfg)
	p.mu.Unlock()
}

func (p *Presenter) applyLocked(cfg Config) {
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.MaxVisible < 0 {
		cfg.MaxVisible = 0
	}
	if cfg.AlertTimeout <= 0 {
		cfg.AlertTimeout = DefaultAlertTimeout
	}
	p.cfg = cfg
}

// Present appends e at the top of the stack, fires the alert side effect and
// schedules its expiry.
func (p *Presenter) Present(e classify.Event) (Notification, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Notification{}, ErrClosed
	}
	if p.cfg.MaxVisible > 0 {
		for len(p.live) >= p.cfg.MaxVisible {
			p.removeLocked(0, ReasonEvicted)
		}
	}

	now := p.now()
	n := Notification{
		Handle:     uuid.New(),
		Event:      e,
		Style:      classify.StyleFor(e),
		StackIndex: len(p.live),
		CreatedAt:  now,
		ExpiresAt:  now.Add(p.cfg.Expiry),
	}
	ent := &entry{n: n}
	handle := n.Handle
	ent.timer = p.afterFunc(p.cfg.Expiry, func() { p.expire(handle) })
	p.live = append(p.live, ent)
	p.notifyLocked(Change{Presented: true, Notification: n})
	timeout := p.cfg.AlertTimeout
	p.mu.Unlock()

	p.bus.Publish(eventbus.Event{Type: eventbus.TopicNotificationShow, Data: n})
	p.fireAlert(n, timeout)
	return n, nil
}

// Dismiss removes the notification once. It reports false when the handle is
// no longer live, e.g. it already expired.
func (p *Presenter) Dismiss(handle uuid.UUID) bool {
	return p.dismiss(handle, ReasonManual)
}

func (p *Presenter) expire(handle uuid.UUID) {
	defer p.recoverPanic("expire")
	p.dismiss(handle, ReasonExpired)
}

func (p *Presenter) dismiss(handle uuid.UUID, reason Reason) bool {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return false
	}
	idx := p.indexLocked(handle)
	if idx < 0 {
		p.mu.Unlock()
		return false
	}
	n := p.removeLocked(idx, reason)
	p.mu.Unlock()

	p.log.Debug("notification dismissed",
		logx.String("id", handle.String()),
		logx.String("reason", string(reason)),
		logx.String("subject", n.Event.SubjectName))
	return true
}

func (p *Presenter) indexLocked(handle uuid.UUID) int {
	for i, ent := range p.live {
		if ent.n.Handle == handle {
			return i
		}
	}
	return -1
}

// removeLocked drops live[idx] and shifts every later entry down by one.
func (p *Presenter) removeLocked(idx int, reason Reason) Notification {
	ent := p.live[idx]
	if ent.timer != nil {
		ent.timer.Stop()
	}
	copy(p.live[idx:], p.live[idx+1:])
	p.live[len(p.live)-1] = nil
	p.live = p.live[:len(p.live)-1]
	for i := idx; i < len(p.live); i++ {
		p.live[i].n.StackIndex--
	}
	p.notifyLocked(Change{Reason: reason, Notification: ent.n})
	p.bus.Publish(eventbus.Event{Type: eventbus.TopicNotificationGone, Data: ent.n})
	return ent.n
}

// Visible returns the live notifications ordered by stack index.
func (p *Presenter) Visible() []Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Notification, len(p.live))
	for i, ent := range p.live {
		out[i] = ent.n
	}
	return out
}

// Lookup resolves a handle string from the UI surface.
func (p *Presenter) Lookup(id string) (Notification, bool) {
	h, err := uuid.Parse(strings.TrimSpace(id))
	if err != nil {
		return Notification{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if i := p.indexLocked(h); i >= 0 {
		return p.live[i].n, true
	}
	return Notification{}, false
}

// Subscribe returns a change feed. Slow readers lose changes rather than
// stalling the stack. The channel closes on unsubscribe or Close.
func (p *Presenter) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	p.subSeq++
	id := p.subSeq
	p.subs[id] = ch
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			if c, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(c)
			}
			p.mu.Unlock()
		})
	}
}

func (p *Presenter) notifyLocked(c Change) {
	for _, ch := range p.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Close cancels every pending expiry and tears the stack down. Later calls are no-ops.
func (p *Presenter) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, ent := range p.live {
		if ent.timer != nil {
			ent.timer.Stop()
		}
	}
	p.live = nil
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

func (p *Presenter) fireAlert(n Notification, timeout time.Duration) {
	a := alert.Alert{
		Kind:  alert.KindAttendance,
		Level: alert.LevelInfo,
		Title: n.Event.SubjectName,
		Body:  Describe(n.Event),
		Style: n.Style,
		At:    n.CreatedAt,
	}
	p.goAlert(func() {
		defer p.recoverPanic("alert")
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := p.sink.Notify(ctx, a); err != nil {
			p.log.Debug("alert failed", logx.String("subject", a.Title), logx.Err(err))
		}
	})
}

func (p *Presenter) recoverPanic(where string) {
	if r := recover(); r != nil {
		p.log.Error("presenter panic recovered",
			logx.String("where", where),
			logx.Any("panic", r),
			logx.Stack(string(debug.Stack())))
	}
}

// Describe renders the one-line body shown under the subject name.
func Describe(e classify.Event) string {
	parts := []string{Label(e), e.Department}
	if !e.Timestamp.IsZero() {
		parts = append(parts, e.Timestamp.Format("15:04:05"))
	}
	return strings.Join(parts, " · ")
}

// Label is the human-readable action of the event.
func Label(e classify.Event) string {
	var base string
	switch e.Kind {
	case classify.KindEntry:
		base = "Entry"
	case classify.KindExit:
		base = "Exit"
	default:
		base = "Record"
	}
	switch {
	case e.IsLunch && e.IsBreak:
		return fmt.Sprintf("%s (break, lunch)", base)
	case e.IsLunch:
		return base + " (lunch)"
	case e.IsBreak && e.BreakType != "":
		return fmt.Sprintf("%s (%s)", base, e.BreakType)
	case e.IsBreak:
		return base + " (break)"
	default:
		return base
	}
}
