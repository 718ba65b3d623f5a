// Package dedup suppresses bursts of attendance events.
//
// The server re-emits the same record under several event names within a few
// milliseconds, so the default policy is a single global window: anything
// arriving less than MinInterval after the last accepted event is dropped.
package dedup

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"attendwatch/internal/classify"
)

// Scope selects how events are keyed into the window.
type Scope string

const (
	ScopeGlobal  Scope = "global"  // one window for every event
	ScopeSubject Scope = "subject" // one window per subject name
	ScopeEvent   Scope = "event"   // one window per event ID
)

const (
	DefaultInterval = time.Second
	DefaultMaxKeys  = 4096
)

// ParseScope maps a config value onto a Scope; empty means global.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", ScopeGlobal:
		return ScopeGlobal, nil
	case ScopeSubject:
		return ScopeSubject, nil
	case ScopeEvent:
		return ScopeEvent, nil
	default:
		return "", fmt.Errorf("unknown dedup scope %q", s)
	}
}

type Config struct {
	MinInterval time.Duration
	Scope       Scope
	MaxKeys     int // keyed scopes only; <=0 uses DefaultMaxKeys
}

// Window is the last-accepted bookkeeping. Safe for concurrent use.
type Window struct {
	mu   sync.Mutex
	cfg  Config
	last map[string]time.Time
	now  func() time.Time

	accepted   uint64
	suppressed uint64
}

func New(cfg Config) *Window {
	w := &Window{last: map[string]time.Time{}, now: time.Now}
	w.applyLocked(cfg)
	return w
}

// WithClock replaces the time source; tests only.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.mu.Lock()
	w.now = now
	w.mu.Unlock()
	return w
}

// Apply swaps the policy at runtime. Existing bookkeeping is kept unless the
// scope changes, since keys from another scope are meaningless.
func (w *Window) Apply(cfg Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prev := w.cfg.Scope
	w.applyLocked(cfg)
	if prev != w.cfg.Scope {
		clear(w.last)
	}
}

func (w *Window) applyLocked(cfg Config) {
	if cfg.MinInterval < 0 {
		cfg.MinInterval = 0
	}
	if cfg.Scope == "" {
		cfg.Scope = ScopeGlobal
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	w.cfg = cfg
}

// Accept reports whether e passes the window, recording it when it does.
// An event is accepted when at least MinInterval has elapsed since the last
// accepted event with the same key.
func (w *Window) Accept(e classify.Event) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	key := w.keyLocked(e)
	if last, ok := w.last[key]; ok && now.Sub(last) < w.cfg.MinInterval {
		w.suppressed++
		return false
	}
	if _, ok := w.last[key]; !ok && len(w.last) >= w.cfg.MaxKeys {
		w.pruneLocked(now)
	}
	w.last[key] = now
	w.accepted++
	return true
}

func (w *Window) keyLocked(e classify.Event) string {
	switch w.cfg.Scope {
	case ScopeSubject:
		return e.SubjectName
	case ScopeEvent:
		return e.ID
	default:
		return ""
	}
}

// pruneLocked drops keys whose window has passed; if the map is still full
// the oldest entry goes.
func (w *Window) pruneLocked(now time.Time) {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, t := range w.last {
		if now.Sub(t) >= w.cfg.MinInterval {
			delete(w.last, k)
			continue
		}
		if oldestAt.IsZero() || t.Before(oldestAt) {
			oldestKey, oldestAt = k, t
		}
	}
	if len(w.last) >= w.cfg.MaxKeys && !oldestAt.IsZero() {
		delete(w.last, oldestKey)
	}
}

// Stats is a point-in-time view for status endpoints.
type Stats struct {
	Scope      Scope         `json:"scope"`
	Interval   time.Duration `json:"interval"`
	Keys       int           `json:"keys"`
	Accepted   uint64        `json:"accepted"`
	Suppressed uint64        `json:"suppressed"`
}

func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Stats{
		Scope:      w.cfg.Scope,
		Interval:   w.cfg.MinInterval,
		Keys:       len(w.last),
		Accepted:   w.accepted,
		Suppressed: w.suppressed,
	}
}
