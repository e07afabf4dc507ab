package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest   = "org.freedesktop.Notifications"
	notifyPath   = "/org/freedesktop/Notifications"
	notifyMethod = "org.freedesktop.Notifications.Notify"

	urgencyCritical byte = 2
)

var ErrNoSessionBus = errors.New("dispatch: no session bus")

// caller is the subset of dbus.BusObject the desktop channel needs.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Desktop posts a notification to the freedesktop notification daemon.
// Notifications are critical and never expire, so they stay on screen until
// the user dismisses them.
type Desktop struct {
	appName string

	mu   sync.Mutex
	conn *dbus.Conn
	obj  caller
}

func NewDesktop(appName string) *Desktop {
	if appName == "" {
		appName = "nudge"
	}
	return &Desktop{appName: appName}
}

func newDesktopWith(appName string, obj caller) *Desktop {
	d := NewDesktop(appName)
	d.obj = obj
	return d
}

func (*Desktop) Name() string { return "desktop" }

func (d *Desktop) object() (caller, error) {
	if d.obj != nil {
		return d.obj, nil
	}
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoSessionBus, err)
	}
	d.conn = conn
	d.obj = conn.Object(notifyDest, dbus.ObjectPath(notifyPath))
	return d.obj, nil
}

func (d *Desktop) Deliver(ctx context.Context, n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	obj, err := d.object()
	if err != nil {
		return err
	}
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(urgencyCritical),
	}
	if n.CorrelationID != "" {
		hints["category"] = dbus.MakeVariant("nudge.reminder")
	}
	call := obj.CallWithContext(ctx, notifyMethod, 0,
		d.appName,
		uint32(0),
		"",
		n.Title,
		n.Body,
		[]string{},
		hints,
		int32(0),
	)
	if call.Err != nil {
		return fmt.Errorf("notify %q: %w", n.Title, call.Err)
	}
	return nil
}

// Close releases the session bus connection.
func (d *Desktop) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.obj = nil
	return err
}
