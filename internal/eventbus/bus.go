package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the engine components.
const (
	TopicStreamState      = "stream.state"           // Data: stream.Status
	TopicNotificationShow = "notification.presented" // Data: presenter.Notification
	TopicNotificationGone = "notification.dismissed" // Data: presenter.Notification
	TopicEventSuppressed  = "event.suppressed"       // Data: classify.Event
	TopicEventRejected    = "event.rejected"         // Data: string (error text)
	TopicCountersUpdated  = "counters.updated"       // Data: counters.State
	TopicWatchdogState    = "watchdog.state"         // Data: watchdog.State
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*sub{}}
}

// Nop is a Bus that drops everything; useful as a default dependency.
func Nop() Bus { return nopBus{} }

type sub struct {
	ch     chan Event
	topics map[string]struct{} // empty = all topics

	// mu serializes sends with close so Publish never sends on a closed channel.
	mu     sync.Mutex
	closed bool
}

func (s *sub) wants(t string) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[t]
	return ok
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]*sub
	seq  atomic.Uint64

	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.wants(e.Type) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.mu.Lock()
		if !s.closed {
			select {
			case s.ch <- e:
			default:
				b.dropped.Add(1)
			}
		}
		s.mu.Unlock()
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &sub{ch: make(chan Event, buffer), topics: map[string]struct{}{}}
	for _, t := range topics {
		s.topics[t] = struct{}{}
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}

type nopBus struct{}

func (nopBus) Publish(Event) {}
func (nopBus) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	var once sync.Once
	return ch, func() { once.Do(func() { close(ch) }) }
}
