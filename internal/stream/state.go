package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// State of the connection manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Status is an immutable snapshot of the connection.
type Status struct {
	State           State     `json:"state"`
	Attempt         int       `json:"attempt"`
	LastConnectedAt time.Time `json:"last_connected_at,omitempty"`
	Since           time.Time `json:"since"`
	// NextRetry is the backoff delay while Reconnecting.
	NextRetry time.Duration `json:"next_retry,omitempty"`
	LastError string        `json:"last_error,omitempty"`
}

// Message is one application event received from the server.
type Message struct {
	Event      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

var (
	ErrNotConnected     = errors.New("stream not connected")
	ErrServerDisconnect = errors.New("server closed the namespace")
	ErrHandshake        = errors.New("handshake failed")
)

const (
	DefaultInitialDelay = time.Second
	DefaultMaxDelay     = 30 * time.Second
	DefaultMultiplier   = 2.0
	DefaultDialTimeout  = 10 * time.Second
)

// Backoff is the reconnection policy.
type Backoff struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64 // 1 = fixed delay
	Jitter       float64 // fraction of the delay added at random, [0,1)
	MaxAttempts  int     // consecutive reconnect attempts before Failed; 0 = unbounded
}

func (b Backoff) normalized() Backoff {
	if b.InitialDelay < time.Second {
		b.InitialDelay = DefaultInitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = DefaultMaxDelay
	}
	if b.MaxDelay < b.InitialDelay {
		b.MaxDelay = b.InitialDelay
	}
	if b.Multiplier < 1 {
		b.Multiplier = DefaultMultiplier
	}
	if b.Jitter < 0 || b.Jitter >= 1 {
		b.Jitter = 0
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// Delay returns the wait before reconnect attempt n (n >= 1). r in [0,1)
// scales the jitter.
func (b Backoff) Delay(n int, r float64) time.Duration {
	b = b.normalized()
	if n < 1 {
		n = 1
	}
	d := float64(b.InitialDelay) * math.Pow(b.Multiplier, float64(n-1))
	if d > float64(b.MaxDelay) {
		d = float64(b.MaxDelay)
	}
	d += d * b.Jitter * r
	return time.Duration(d)
}
