package portal

import (
	"fmt"

	godbus "github.com/godbus/dbus/v5"
)

// DuplicateIdentityError is returned when a caller reuses a live token.
type DuplicateIdentityError struct {
	Path godbus.ObjectPath
}

func (e *DuplicateIdentityError) Error() string {
	return fmt.Sprintf("portal: object %s already exists", e.Path)
}

// NotFoundError is returned for references to unknown sessions or requests.
type NotFoundError struct {
	Path godbus.ObjectPath
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("portal: object %s not found", e.Path)
}

// AlreadyCompletedError is returned when a request is completed twice.
type AlreadyCompletedError struct {
	Path godbus.ObjectPath
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("portal: request %s already reached a terminal state", e.Path)
}

// NameTakenError is returned when the well-known bus name is already owned,
// usually by another portal backend instance.
type NameTakenError struct {
	Name string
}

func (e *NameTakenError) Error() string {
	return fmt.Sprintf("portal: bus name %s already taken", e.Name)
}

// D-Bus error names for faults raised before an object is registered.
var (
	errExists   = godbus.NewError("org.freedesktop.portal.Error.Exists", nil)
	errNotFound = godbus.NewError("org.freedesktop.portal.Error.NotFound", nil)
)
