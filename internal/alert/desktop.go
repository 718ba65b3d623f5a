package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyMethod = "org.freedesktop.Notifications.Notify"
)

// caller is the subset of dbus.BusObject used here.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

type DesktopConfig struct {
	AppName string
	Timeout time.Duration // expiry hint for the notification daemon; 0 = server default
}

// Desktop posts alerts to the freedesktop notification daemon over the
// session bus. The bus is dialed lazily and redialed after a failure.
type Desktop struct {
	cfg DesktopConfig

	mu     sync.Mutex
	conn   *dbus.Conn
	obj    caller
	dial   func() (*dbus.Conn, error)
	closed bool
}

func NewDesktop(cfg DesktopConfig) *Desktop {
	if cfg.AppName == "" {
		cfg.AppName = "attendwatch"
	}
	return &Desktop{cfg: cfg, dial: func() (*dbus.Conn, error) { return dbus.ConnectSessionBus() }}
}

func (d *Desktop) object() (caller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if d.obj != nil {
		return d.obj, nil
	}
	conn, err := d.dial()
	if err != nil {
		return nil, fmt.Errorf("desktop: session bus: %w", err)
	}
	d.conn = conn
	d.obj = conn.Object(notifyDest, notifyPath)
	return d.obj, nil
}

func (d *Desktop) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn != nil {
		_ = d.conn.Close()
	}
	d.conn, d.obj = nil, nil
}

func (d *Desktop) Notify(ctx context.Context, a Alert) error {
	obj, err := d.object()
	if err != nil {
		return err
	}
	urgency := byte(1)
	switch a.Level {
	case LevelWarning, LevelError:
		urgency = 2
	}
	hints := map[string]dbus.Variant{"urgency": dbus.MakeVariant(urgency)}
	timeout := int32(-1)
	if d.cfg.Timeout > 0 {
		timeout = int32(d.cfg.Timeout / time.Millisecond)
	}
	title := a.Title
	if a.Style.Icon != "" {
		title = a.Style.Icon + " " + title
	}
	call := obj.CallWithContext(ctx, notifyMethod, 0,
		d.cfg.AppName, uint32(0), "", title, a.Body, []string{}, hints, timeout)
	if call.Err != nil {
		d.reset()
		return fmt.Errorf("desktop: notify: %w", call.Err)
	}
	return nil
}

func (d *Desktop) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.obj = nil
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	return err
}
