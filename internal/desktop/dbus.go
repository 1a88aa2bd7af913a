package desktop

import (
	"fmt"
	"sync"
	"time"

	"github.com/godbus/dbus"
)

const (
	notificationsDest      = "org.freedesktop.Notifications"
	notificationsPath      = dbus.ObjectPath("/org/freedesktop/Notifications")
	notificationsInterface = "org.freedesktop.Notifications"
)

// Notice is one desktop notification request
type Notice struct {
	ReplacesID uint32
	Summary    string
	Body       string
	Timeout    time.Duration
}

// Backend delivers notices to the operating system
type Backend interface {
	// Available is the permission check; the bridge calls it once.
	Available() error
	Notify(n Notice) (uint32, error)
}

// DBusBackend talks to the freedesktop notification service on the session bus
type DBusBackend struct {
	appName string

	mu  sync.Mutex
	obj dbus.BusObject
}

// NewDBusBackend creates a backend announcing itself as appName
func NewDBusBackend(appName string) *DBusBackend {
	return &DBusBackend{appName: appName}
}

func (b *DBusBackend) object() (dbus.BusObject, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.obj != nil {
		return b.obj, nil
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return nil, fmt.Errorf("connecting to session bus: %w", err)
	}
	b.obj = conn.Object(notificationsDest, notificationsPath)
	return b.obj, nil
}

// Available checks that a notification server answers on the bus
func (b *DBusBackend) Available() error {
	obj, err := b.object()
	if err != nil {
		return err
	}
	var name, vendor, version, spec string
	call := obj.Call(notificationsInterface+".GetServerInformation", 0)
	if err := call.Store(&name, &vendor, &version, &spec); err != nil {
		return fmt.Errorf("querying notification server: %w", err)
	}
	return nil
}

// Notify raises n and returns the server-assigned id
func (b *DBusBackend) Notify(n Notice) (uint32, error) {
	obj, err := b.object()
	if err != nil {
		return 0, err
	}

	timeout := int32(-1)
	if n.Timeout > 0 {
		timeout = int32(n.Timeout / time.Millisecond)
	}

	var id uint32
	call := obj.Call(notificationsInterface+".Notify", 0,
		b.appName,
		n.ReplacesID,
		"",
		n.Summary,
		n.Body,
		[]string{},
		map[string]dbus.Variant{},
		timeout,
	)
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("sending notification: %w", err)
	}
	return id, nil
}
