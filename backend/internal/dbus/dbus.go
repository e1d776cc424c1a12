package dbus

import (
	"time"

	"github.com/godbus/dbus/v5"
)

// DefaultTimeout bounds non-interactive D-Bus calls.
var DefaultTimeout = 5 * time.Second

// GetObject returns a D-Bus object for the given service and object path.
func GetObject(conn *dbus.Conn, service, path string) dbus.BusObject {
	return conn.Object(service, dbus.ObjectPath(path))
}
