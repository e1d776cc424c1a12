package portal

import (
	"strings"

	godbus "github.com/godbus/dbus/v5"
)

// Bus is the slice of the bus connection the object registries need.
// *godbus.Conn satisfies it through busConn; tests supply a recorder.
type Bus interface {
	Export(v interface{}, path godbus.ObjectPath, iface string) error
	Unexport(path godbus.ObjectPath, iface string) error
	Emit(path godbus.ObjectPath, name string, values ...interface{}) error
}

type busConn struct {
	conn *godbus.Conn
}

func (b *busConn) Export(v interface{}, path godbus.ObjectPath, iface string) error {
	return b.conn.Export(v, path, iface)
}

func (b *busConn) Unexport(path godbus.ObjectPath, iface string) error {
	return b.conn.Export(nil, path, iface)
}

func (b *busConn) Emit(path godbus.ObjectPath, name string, values ...interface{}) error {
	return b.conn.Emit(path, name, values...)
}

// sanitizePathElement makes a bus name or token usable as an object path
// element: the leading colon of a unique name is dropped and dots become
// underscores, so ":1.42" yields "1_42".
func sanitizePathElement(s string) string {
	s = strings.TrimPrefix(s, ":")
	return strings.ReplaceAll(s, ".", "_")
}

func requestPath(sender godbus.Sender, token string) godbus.ObjectPath {
	return godbus.ObjectPath(basePath + "/request/" + sanitizePathElement(string(sender)) + "/" + sanitizePathElement(token))
}

func sessionPath(sender godbus.Sender, token string) godbus.ObjectPath {
	return godbus.ObjectPath(basePath + "/session/" + sanitizePathElement(string(sender)) + "/" + sanitizePathElement(token))
}
