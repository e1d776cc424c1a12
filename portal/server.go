package portal

import (
	"context"
	"strings"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/b0bbywan/go-odio-portal/backend"
	"github.com/b0bbywan/go-odio-portal/backend/compositor"
	"github.com/b0bbywan/go-odio-portal/backend/input"
	"github.com/b0bbywan/go-odio-portal/backend/pipewire"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
)

// Interface versions advertised on the bus.
const (
	screencastVersion    uint32 = 4
	screenshotVersion    uint32 = 2
	remoteDesktopVersion uint32 = 2
	backgroundVersion    uint32 = 1
	fileChooserVersion   uint32 = 3
)

// gstNegotiator adapts the PipeWire backend to the Negotiator interface.
type gstNegotiator struct {
	backend *pipewire.PipewireBackend
}

func (n *gstNegotiator) OpenStream(ctx context.Context, src compositor.Source, mode pipewire.CursorMode, onTerminated func()) (Stream, error) {
	st, err := n.backend.OpenStream(ctx, src, mode, onTerminated)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Server owns the portal bus name and all exported objects.
type Server struct {
	conn     *godbus.Conn
	busName  string
	requests *RequestRegistry
	sessions *SessionRegistry

	screencast    *ScreenCastPortal
	screenshot    *ScreenshotPortal
	remoteDesktop *RemoteDesktopPortal
	background    *BackgroundPortal
	filechooser   *FileChooserPortal

	signals chan *godbus.Signal
}

// NewServer connects to the session bus, exports the portal interfaces and
// claims the configured well-known name.
func NewServer(ctx context.Context, cfg *config.Config, b *backend.Backend) (*Server, error) {
	conn, err := godbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}

	bus := &busConn{conn: conn}
	requests := NewRequestRegistry(bus)
	sessions := NewSessionRegistry(bus, func(sessionID string) {
		b.Permissions.SessionClosed(sessionID)
		b.Notify(events.Event{Type: events.TypeSessionClosed, Data: sessionID})
	})

	pipeline := &capturePipeline{
		catalog:        b.Compositor,
		negotiator:     &gstNegotiator{backend: b.Pipewire},
		store:          b.Permissions,
		broker:         b.Consent,
		transientScope: cfg.Permissions.TransientScope,
		notify:         b.Notify,
	}
	inputs := func(ctx context.Context, types input.DeviceType) (InputDevices, error) {
		d, err := input.New(ctx, types)
		if err != nil {
			return nil, err
		}
		return d, nil
	}

	s := &Server{
		conn:          conn,
		busName:       cfg.Portal.BusName,
		requests:      requests,
		sessions:      sessions,
		screencast:    NewScreenCastPortal(ctx, requests, sessions, pipeline),
		screenshot:    NewScreenshotPortal(ctx, requests, b.Permissions, b.Consent, b.Compositor),
		remoteDesktop: NewRemoteDesktopPortal(ctx, requests, sessions, pipeline, inputs),
		background:    NewBackgroundPortal(ctx, requests, b.Permissions, b.Consent, b.Compositor, cfg.Background),
		filechooser:   NewFileChooserPortal(ctx, requests, b.Consent),
	}

	if err := s.export(); err != nil {
		conn.Close()
		return nil, err
	}
	if err := s.watchSenders(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	reply, err := conn.RequestName(s.busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return nil, &NameTakenError{Name: s.busName}
	}

	logger.Info("[portal] serving %s on the session bus", s.busName)
	return s, nil
}

func (s *Server) export() error {
	exports := []struct {
		obj   interface{}
		iface string
	}{
		{s.screencast, screencastIface},
		{s.screenshot, screenshotIface},
		{s.remoteDesktop, remoteDesktopIface},
		{s.background, backgroundIface},
		{s.filechooser, fileChooserIface},
	}
	for _, e := range exports {
		if err := s.conn.Export(e.obj, basePath, e.iface); err != nil {
			return err
		}
	}

	if _, err := prop.Export(s.conn, basePath, propMap()); err != nil {
		return err
	}
	return s.conn.Export(introspect.NewIntrospectable(introspectionNode()), basePath,
		"org.freedesktop.DBus.Introspectable")
}

// watchSenders tears down requests and sessions whose owner dropped off the
// bus, so a crashed client cannot leak live streams.
func (s *Server) watchSenders(ctx context.Context) error {
	if err := s.conn.AddMatchSignal(
		godbus.WithMatchSender("org.freedesktop.DBus"),
		godbus.WithMatchInterface("org.freedesktop.DBus"),
		godbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return err
	}

	s.signals = make(chan *godbus.Signal, 32)
	s.conn.Signal(s.signals)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-s.signals:
				if !ok {
					return
				}
				if sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
					continue
				}
				name, _ := sig.Body[0].(string)
				newOwner, _ := sig.Body[2].(string)
				if !strings.HasPrefix(name, ":") || newOwner != "" {
					continue
				}
				logger.Debug("[portal] sender %s disconnected, releasing its objects", name)
				s.requests.CancelSender(name)
				s.sessions.CloseSender(name)
			}
		}
	}()
	return nil
}

// Reload applies the reloadable slice of a fresh config. Bus-level settings
// need a restart; only the background policy is picked up live.
func (s *Server) Reload(cfg *config.Config) {
	s.background.SetPolicy(cfg.Background.DefaultPolicy)
}

// Close releases the bus name and shuts every live session down.
func (s *Server) Close() {
	s.sessions.CloseAll()
	if _, err := s.conn.ReleaseName(s.busName); err != nil {
		logger.Warn("[portal] failed to release %s: %v", s.busName, err)
	}
	if err := s.conn.Close(); err != nil {
		logger.Error("[portal] failed to close D-Bus connection: %v", err)
	}
}

func propMap() prop.Map {
	return prop.Map{
		screencastIface: {
			"version":              {Value: screencastVersion, Writable: false, Emit: prop.EmitFalse},
			"AvailableSourceTypes": {Value: SourceTypeMonitor | SourceTypeWindow, Writable: false, Emit: prop.EmitFalse},
			"AvailableCursorModes": {Value: CursorModeHidden | CursorModeEmbedded, Writable: false, Emit: prop.EmitFalse},
		},
		screenshotIface: {
			"version": {Value: screenshotVersion, Writable: false, Emit: prop.EmitFalse},
		},
		remoteDesktopIface: {
			"version":              {Value: remoteDesktopVersion, Writable: false, Emit: prop.EmitFalse},
			"AvailableDeviceTypes": {Value: DeviceKeyboard | DevicePointer, Writable: false, Emit: prop.EmitFalse},
		},
		backgroundIface: {
			"version": {Value: backgroundVersion, Writable: false, Emit: prop.EmitFalse},
		},
		fileChooserIface: {
			"version": {Value: fileChooserVersion, Writable: false, Emit: prop.EmitFalse},
		},
	}
}

func introspectionNode() *introspect.Node {
	optArg := func(name string) introspect.Arg {
		return introspect.Arg{Name: name, Type: "a{sv}", Direction: "in"}
	}
	handleOut := introspect.Arg{Name: "handle", Type: "o", Direction: "out"}
	sessionArg := introspect.Arg{Name: "session_handle", Type: "o", Direction: "in"}
	parentArg := introspect.Arg{Name: "parent_window", Type: "s", Direction: "in"}

	return &introspect.Node{
		Name: basePath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name: screencastIface,
				Methods: []introspect.Method{
					{Name: "CreateSession", Args: []introspect.Arg{optArg("options"), handleOut}},
					{Name: "SelectSources", Args: []introspect.Arg{sessionArg, optArg("options"), handleOut}},
					{Name: "Start", Args: []introspect.Arg{sessionArg, parentArg, optArg("options"), handleOut}},
				},
				Properties: []introspect.Property{
					{Name: "version", Type: "u", Access: "read"},
					{Name: "AvailableSourceTypes", Type: "u", Access: "read"},
					{Name: "AvailableCursorModes", Type: "u", Access: "read"},
				},
			},
			{
				Name: screenshotIface,
				Methods: []introspect.Method{
					{Name: "Screenshot", Args: []introspect.Arg{parentArg, optArg("options"), handleOut}},
					{Name: "PickColor", Args: []introspect.Arg{parentArg, optArg("options"), handleOut}},
				},
				Properties: []introspect.Property{
					{Name: "version", Type: "u", Access: "read"},
				},
			},
			{
				Name: remoteDesktopIface,
				Methods: []introspect.Method{
					{Name: "CreateSession", Args: []introspect.Arg{optArg("options"), handleOut}},
					{Name: "SelectDevices", Args: []introspect.Arg{sessionArg, optArg("options"), handleOut}},
					{Name: "Start", Args: []introspect.Arg{sessionArg, parentArg, optArg("options"), handleOut}},
					{Name: "NotifyPointerMotion", Args: []introspect.Arg{sessionArg, optArg("options"),
						{Name: "dx", Type: "d", Direction: "in"}, {Name: "dy", Type: "d", Direction: "in"}}},
					{Name: "NotifyPointerButton", Args: []introspect.Arg{sessionArg, optArg("options"),
						{Name: "button", Type: "i", Direction: "in"}, {Name: "state", Type: "u", Direction: "in"}}},
					{Name: "NotifyPointerAxis", Args: []introspect.Arg{sessionArg, optArg("options"),
						{Name: "dx", Type: "d", Direction: "in"}, {Name: "dy", Type: "d", Direction: "in"}}},
					{Name: "NotifyKeyboardKeycode", Args: []introspect.Arg{sessionArg, optArg("options"),
						{Name: "keycode", Type: "i", Direction: "in"}, {Name: "state", Type: "u", Direction: "in"}}},
				},
				Properties: []introspect.Property{
					{Name: "version", Type: "u", Access: "read"},
					{Name: "AvailableDeviceTypes", Type: "u", Access: "read"},
				},
			},
			{
				Name: backgroundIface,
				Methods: []introspect.Method{
					{Name: "NotifyBackground", Args: []introspect.Arg{
						{Name: "app_id", Type: "s", Direction: "in"}, {Name: "name", Type: "s", Direction: "in"},
						optArg("options"), handleOut}},
					{Name: "EnableAutostart", Args: []introspect.Arg{
						{Name: "app_id", Type: "s", Direction: "in"}, {Name: "enable", Type: "b", Direction: "in"},
						{Name: "commandline", Type: "as", Direction: "in"}, {Name: "flags", Type: "u", Direction: "in"},
						{Name: "enabled", Type: "b", Direction: "out"}}},
					{Name: "GetAppState", Args: []introspect.Arg{
						{Name: "apps", Type: "a{sv}", Direction: "out"}}},
				},
				Properties: []introspect.Property{
					{Name: "version", Type: "u", Access: "read"},
				},
			},
			{
				Name: fileChooserIface,
				Methods: []introspect.Method{
					{Name: "OpenFile", Args: []introspect.Arg{parentArg,
						{Name: "title", Type: "s", Direction: "in"}, optArg("options"), handleOut}},
					{Name: "SaveFile", Args: []introspect.Arg{parentArg,
						{Name: "title", Type: "s", Direction: "in"}, optArg("options"), handleOut}},
					{Name: "SaveFiles", Args: []introspect.Arg{parentArg,
						{Name: "title", Type: "s", Direction: "in"}, optArg("options"), handleOut}},
				},
				Properties: []introspect.Property{
					{Name: "version", Type: "u", Access: "read"},
				},
			},
		},
	}
}
