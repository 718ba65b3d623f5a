// Package alert delivers user-facing side effects: the audio cue, a styled
// console line, a desktop notification and an optional Telegram message.
//
// Sinks are called fire-and-forget by the presenter and engine. An error
// from a sink is logged by the caller and never blocks the visual stack.
package alert

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"attendwatch/internal/classify"
)

type Kind string

const (
	KindAttendance Kind = "attendance" // an accepted attendance event
	KindSystem     Kind = "system"     // connection/monitoring state
	KindDesktop    Kind = "desktop"    // server push_notification
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

var (
	ErrThrottled = errors.New("alert throttled")
	ErrClosed    = errors.New("alert sink closed")
)

// Alert is one side effect request.
type Alert struct {
	Kind  Kind
	Level Level
	Title string
	Body  string
	Style classify.Style // zero for non-attendance alerts
	At    time.Time
}

// Sink consumes alerts.
type Sink interface {
	Notify(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, a Alert) error

func (f SinkFunc) Notify(ctx context.Context, a Alert) error { return f(ctx, a) }

// Nop discards alerts.
var Nop Sink = SinkFunc(func(context.Context, Alert) error { return nil })

// Text renders an alert as a single plain-text block.
func Text(a Alert) string {
	var b strings.Builder
	if a.Style.Icon != "" {
		b.WriteString(a.Style.Icon)
		b.WriteByte(' ')
	} else if icon := levelIcon(a.Level); icon != "" {
		b.WriteString(icon)
		b.WriteByte(' ')
	}
	b.WriteString(a.Title)
	if body := strings.TrimSpace(a.Body); body != "" {
		b.WriteByte('\n')
		b.WriteString(body)
	}
	return b.String()
}

func levelIcon(l Level) string {
	switch l {
	case LevelWarning:
		return "⚠️"
	case LevelError:
		return "❌"
	default:
		return ""
	}
}

// Multi fans an alert out to every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter passes alerts to Sink only when Allow returns true.
type Filter struct {
	Sink  Sink
	Allow func(Alert) bool
}

func (f Filter) Notify(ctx context.Context, a Alert) error {
	if f.Sink == nil || (f.Allow != nil && !f.Allow(a)) {
		return nil
	}
	return f.Sink.Notify(ctx, a)
}

// Swap forwards to a sink that can be replaced while alerts are in flight.
// The zero value discards alerts.
type Swap struct {
	cur atomic.Pointer[swapped]
}

type swapped struct{ sink Sink }

// Set installs s and returns the previous sink (nil if none).
func (w *Swap) Set(s Sink) Sink {
	prev := w.cur.Swap(&swapped{sink: s})
	if prev == nil {
		return nil
	}
	return prev.sink
}

func (w *Swap) Notify(ctx context.Context, a Alert) error {
	cur := w.cur.Load()
	if cur == nil || cur.sink == nil {
		return nil
	}
	return cur.sink.Notify(ctx, a)
}
