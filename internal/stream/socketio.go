package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"
)

const defaultSocketPath = "/socket.io/"

type SocketIOConfig struct {
	URL       string // http(s):// or ws(s):// server address, optional socket.io path
	Origin    string // defaults to the server's http(s) origin
	Namespace string // defaults to "/"
}

// SocketIODialer speaks Socket.IO v5 over a plain websocket transport
// (Engine.IO v4, no long-polling upgrade).
type SocketIODialer struct {
	endpoint  string
	origin    string
	namespace string
}

func NewSocketIODialer(cfg SocketIOConfig) (*SocketIODialer, error) {
	endpoint, origin, err := socketEndpoint(cfg.URL)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Origin) != "" {
		origin = strings.TrimSpace(cfg.Origin)
	}
	ns := strings.TrimSpace(cfg.Namespace)
	if ns == "" {
		ns = "/"
	}
	if !strings.HasPrefix(ns, "/") {
		ns = "/" + ns
	}
	return &SocketIODialer{endpoint: endpoint, origin: origin, namespace: ns}, nil
}

// Endpoint is the websocket URL dialed.
func (d *SocketIODialer) Endpoint() string { return d.endpoint }

func socketEndpoint(raw string) (endpoint, origin string, err error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", "", fmt.Errorf("stream url: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("stream url %q has no host", raw)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
		origin = "http://" + u.Host
	case "https", "wss":
		u.Scheme = "wss"
		origin = "https://" + u.Host
	default:
		return "", "", fmt.Errorf("stream url %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = defaultSocketPath
	}
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), origin, nil
}

func (d *SocketIODialer) Dial(ctx context.Context) (Conn, error) {
	wcfg, err := websocket.NewConfig(d.endpoint, d.origin)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.endpoint, err)
	}
	ws, err := wcfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.endpoint, err)
	}
	c := &sioConn{ws: ws, ns: d.namespace}
	if err := c.handshake(ctx); err != nil {
		_ = ws.Close()
		return nil, err
	}
	return c, nil
}

type sioConn struct {
	ws *websocket.Conn
	ns string

	pingInterval time.Duration
	pingTimeout  time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (c *sioConn) handshake(ctx context.Context) error {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetDeadline(dl)
		defer func() { _ = c.ws.SetDeadline(time.Time{}) }()
	}
	stop := context.AfterFunc(ctx, func() { _ = c.ws.Close() })
	defer stop()

	frame, err := c.receive()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	p, err := decodePacket(frame)
	if err != nil || p.eio != eioOpen {
		return fmt.Errorf("%w: unexpected first frame %q", ErrHandshake, truncate(frame))
	}
	var open openPacket
	if err := json.Unmarshal(p.data, &open); err != nil {
		return fmt.Errorf("%w: open payload: %v", ErrHandshake, err)
	}
	c.pingInterval = time.Duration(open.PingInterval) * time.Millisecond
	c.pingTimeout = time.Duration(open.PingTimeout) * time.Millisecond

	if err := c.send(encodeConnect(c.ns)); err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}
	for {
		frame, err := c.receive()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		p, err := decodePacket(frame)
		if err != nil {
			continue
		}
		switch {
		case p.eio == eioPing:
			if err := c.send(string(eioPong)); err != nil {
				return fmt.Errorf("%w: %v", ErrHandshake, err)
			}
		case p.eio == eioClose:
			return fmt.Errorf("%w: server closed transport", ErrHandshake)
		case p.eio == eioMessage && p.namespace == c.ns && p.sio == sioConnect:
			return nil
		case p.eio == eioMessage && p.namespace == c.ns && p.sio == sioConnectError:
			return fmt.Errorf("%w: namespace %s refused: %s", ErrHandshake, c.ns, truncate(string(p.data)))
		}
	}
}

func (c *sioConn) Read(ctx context.Context) (Message, error) {
	for {
		if c.pingInterval > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.pingInterval + c.pingTimeout))
		}
		frame, err := c.receive()
		if err != nil {
			return Message{}, err
		}
		p, err := decodePacket(frame)
		if err != nil {
			continue
		}
		switch p.eio {
		case eioPing:
			if err := c.send(string(eioPong)); err != nil {
				return Message{}, err
			}
		case eioClose:
			return Message{}, ErrServerDisconnect
		case eioMessage:
			if p.namespace != c.ns {
				continue
			}
			switch p.sio {
			case sioEvent:
				name, payload, err := decodeEvent(p.data)
				if err != nil {
					continue
				}
				return Message{Event: name, Payload: payload, ReceivedAt: time.Now()}, nil
			case sioDisconnect:
				return Message{}, ErrServerDisconnect
			}
		}
	}
}

func (c *sioConn) Emit(ctx context.Context, event string, payload any) error {
	frame, err := encodeEvent(c.ns, event, payload)
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetWriteDeadline(dl)
		defer func() { _ = c.ws.SetWriteDeadline(time.Time{}) }()
	}
	return websocket.Message.Send(c.ws, frame)
}

func (c *sioConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = websocket.Message.Send(c.ws, encodeDisconnect(c.ns))
		c.wmu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *sioConn) receive() (string, error) {
	var frame string
	if err := websocket.Message.Receive(c.ws, &frame); err != nil {
		return "", err
	}
	return frame, nil
}

func (c *sioConn) send(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return websocket.Message.Send(c.ws, frame)
}

func truncate(s string) string {
	if len(s) > 120 {
		return s[:120] + "..."
	}
	return s
}
