// Package notification alerts the desktop session via the FreeDesktop
// Notifications D-Bus interface when no UI provider is active, per
// spec.md §4.11/§6.6. Grounded on the teacher's DBusNotifier: the private
// session-bus connection, reconnect-on-ErrClosed retry, and Notify/Close
// call shapes all carry over verbatim. Dropped entirely: the
// ActionInvoked signal subscription and the Approve/Deny/AutoApprove
// action-button flow, since this daemon's notification is one-way — a
// dismiss-only alert, not a request awaiting a button click.
package notification

import (
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications"
)

// Notifier sends and retracts desktop notifications.
type Notifier interface {
	Notify(summary, body, icon string) (uint32, error)
	Close(id uint32) error
}

// DBusNotifier sends notifications via the session bus and reconnects
// automatically if the connection drops.
type DBusNotifier struct {
	mu   sync.Mutex
	conn *dbus.Conn
}

// NewDBusNotifier connects to the session bus.
func NewDBusNotifier() (*DBusNotifier, error) {
	n := &DBusNotifier{}
	if err := n.connect(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *DBusNotifier) connect() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}
	n.conn = conn
	return nil
}

func (n *DBusNotifier) reconnect() error {
	if n.conn != nil {
		n.conn.Close()
	}
	return n.connect()
}

// Stop closes the D-Bus connection.
func (n *DBusNotifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn != nil {
		n.conn.Close()
	}
}

// Notify sends a dismiss-only desktop notification and returns its ID.
// If the D-Bus connection is dead, it reconnects and retries once.
func (n *DBusNotifier) Notify(summary, body, icon string) (uint32, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	id, err := n.doNotify(summary, body, icon)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		if reconnErr := n.reconnect(); reconnErr != nil {
			return 0, fmt.Errorf("notify call: %w (reconnect failed: %v)", err, reconnErr)
		}
		id, err = n.doNotify(summary, body, icon)
	}
	return id, err
}

func (n *DBusNotifier) doNotify(summary, body, icon string) (uint32, error) {
	obj := n.conn.Object(notifyDest, notifyPath)
	call := obj.Call(
		notifyInterface+".Notify",
		0,
		"authbrokerd", // app_name
		uint32(0),     // replaces_id (0 = new notification)
		icon,          // app_icon
		summary,       // summary
		body,          // body
		[]string{},    // actions (none — dismiss only)
		map[string]dbus.Variant{
			"urgency": dbus.MakeVariant(byte(1)), // normal
		},
		int32(8000), // expire_timeout (ms)
	)
	if call.Err != nil {
		return 0, fmt.Errorf("notify call: %w", call.Err)
	}

	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("store notify result: %w", err)
	}
	return id, nil
}

// Close closes a notification by ID. If the D-Bus connection is dead, it
// reconnects and retries once.
func (n *DBusNotifier) Close(id uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	err := n.doClose(id)
	if err != nil && errors.Is(err, dbus.ErrClosed) {
		if reconnErr := n.reconnect(); reconnErr != nil {
			return fmt.Errorf("close notification: %w (reconnect failed: %v)", err, reconnErr)
		}
		err = n.doClose(id)
	}
	return err
}

func (n *DBusNotifier) doClose(id uint32) error {
	obj := n.conn.Object(notifyDest, notifyPath)
	call := obj.Call(notifyInterface+".CloseNotification", 0, id)
	if call.Err != nil {
		return fmt.Errorf("close notification: %w", call.Err)
	}
	return nil
}

// NoActiveProvider sends the "no UI provider is active" alert described
// in spec.md §6.6. Each call sends one alert and keeps no state; the
// daemon's fallback hook calls it on every maintenance tick (and client
// disconnect) with no active provider while sessions remain live, so
// repeated alerts are not suppressed here.
func NoActiveProvider(n Notifier) error {
	_, err := n.Notify(
		"Authentication broker",
		"No UI provider is responding to authentication requests.",
		"dialog-warning",
	)
	return err
}
