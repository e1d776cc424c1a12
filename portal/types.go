package portal

import (
	"bytes"
	"context"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/compositor"
	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/backend/input"
	"github.com/b0bbywan/go-odio-portal/backend/permissions"
	"github.com/b0bbywan/go-odio-portal/backend/pipewire"
)

// Results is the a{sv} payload carried by a Response signal.
type Results map[string]godbus.Variant

// Broker asks the user for an approval decision.
type Broker interface {
	Decide(ctx context.Context, prompt consent.Prompt) (consent.Decision, error)
}

// FilePicker runs a file dialog and reports the user's selection.
type FilePicker interface {
	PickFiles(ctx context.Context, req consent.FileRequest) (consent.FileSelection, error)
}

// Catalog enumerates live capture targets.
type Catalog interface {
	Enumerate(ctx context.Context, kinds compositor.SourceKind) (*compositor.Snapshot, error)
}

// Stream is one negotiated live stream.
type Stream interface {
	Info() pipewire.StreamInfo
	Stop()
}

// Negotiator opens and negotiates a stream for a selected source.
type Negotiator interface {
	OpenStream(ctx context.Context, src compositor.Source, mode pipewire.CursorMode, onTerminated func()) (Stream, error)
}

// PermissionStore persists grants and restore tokens.
type PermissionStore interface {
	Get(appID, capability string) (*permissions.Record, error)
	Set(appID, capability string, decision permissions.Decision) error
	Revoke(appID, capability string) error
	MintToken(appID, capability string, sources []permissions.SourceRef, cursorMode uint32, transient bool, ownerSession string) (string, error)
	LookupToken(token, appID string) (*permissions.TokenRecord, error)
	DropToken(token string) error
	SessionClosed(sessionID string)
}

// InputDevices is one session's set of virtual input devices.
type InputDevices interface {
	PointerMotion(dx, dy float64) error
	PointerButton(button int32, pressed bool) error
	PointerAxis(dx, dy float64) error
	KeyboardKeycode(keycode int32, pressed bool) error
	Close()
}

// InputFactory creates virtual devices for a remote-desktop session.
type InputFactory func(ctx context.Context, types input.DeviceType) (InputDevices, error)

// --- Option parsing helpers ---

func optString(options map[string]godbus.Variant, key string) string {
	if v, ok := options[key]; ok {
		if s, ok := v.Value().(string); ok {
			return s
		}
	}
	return ""
}

func optBool(options map[string]godbus.Variant, key string) bool {
	if v, ok := options[key]; ok {
		if b, ok := v.Value().(bool); ok {
			return b
		}
	}
	return false
}

// optByteString reads a bytestring option (ay, NUL-terminated path) but also
// accepts a plain string.
func optByteString(options map[string]godbus.Variant, key string) string {
	v, ok := options[key]
	if !ok {
		return ""
	}
	switch val := v.Value().(type) {
	case []byte:
		return string(bytes.TrimRight(val, "\x00"))
	case string:
		return val
	}
	return ""
}

// optStringList reads a list option, accepting string and bytestring elements.
func optStringList(options map[string]godbus.Variant, key string) []string {
	v, ok := options[key]
	if !ok {
		return nil
	}
	switch val := v.Value().(type) {
	case []string:
		return val
	case [][]byte:
		out := make([]string, 0, len(val))
		for _, b := range val {
			out = append(out, string(bytes.TrimRight(b, "\x00")))
		}
		return out
	}
	return nil
}

func optUint32(options map[string]godbus.Variant, key string, fallback uint32) uint32 {
	if v, ok := options[key]; ok {
		if u, ok := v.Value().(uint32); ok {
			return u
		}
	}
	return fallback
}

// appIdentity resolves the application identity used for permissions: the
// app_id option when supplied by the dispatcher, otherwise the bus sender.
// Restore tokens bind to this string, so it must be stable across restarts
// for remembered grants to work.
func appIdentity(sender godbus.Sender, options map[string]godbus.Variant) string {
	if id := optString(options, optAppID); id != "" {
		return id
	}
	return string(sender)
}
