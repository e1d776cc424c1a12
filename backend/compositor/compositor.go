package compositor

import (
	"context"
	"fmt"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/internal/dbus"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
)

// CompositorBackend enumerates capture targets from the compositor's display
// and introspection D-Bus services. Enumeration is recomputed on every call;
// outputs and windows can appear or vanish between calls, so nothing is
// cached.
type CompositorBackend struct {
	conn *godbus.Conn
	ctx  context.Context
	cfg  *config.CompositorConfig
}

// output wire shape: (connector, description, x, y, width, height)
type outputRecord struct {
	Connector   string
	Description string
	X           int32
	Y           int32
	Width       int32
	Height      int32
}

// window wire shape: (identifier, title)
type windowRecord struct {
	Identifier string
	Title      string
}

func New(ctx context.Context, cfg *config.CompositorConfig) (*CompositorBackend, error) {
	if cfg == nil {
		return nil, nil
	}

	conn, err := godbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}

	logger.Info("[compositor] backend initialized (display service %s)", cfg.DisplayService)
	return &CompositorBackend{
		conn: conn,
		ctx:  ctx,
		cfg:  cfg,
	}, nil
}

// Close cleanly closes the D-Bus connection.
func (c *CompositorBackend) Close() {
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			logger.Error("[compositor] failed to close D-Bus connection: %v", err)
		}
		c.conn = nil
	}
}

// Enumerate lists the currently live capture targets matching the kind
// bitmask. Identifiers are ordinals scoped to the returned snapshot.
func (c *CompositorBackend) Enumerate(ctx context.Context, kinds SourceKind) (*Snapshot, error) {
	var sources []Source

	if kinds&KindMonitor != 0 {
		outputs, err := c.listOutputs(ctx)
		if err != nil {
			return nil, err
		}
		for i, out := range outputs {
			label := out.Description
			if label == "" {
				label = out.Connector
			}
			sources = append(sources, Source{
				ID:     fmt.Sprintf("%s%d", monitorPrefix, i),
				Name:   out.Connector,
				Label:  label,
				Kind:   KindMonitor,
				X:      out.X,
				Y:      out.Y,
				Width:  out.Width,
				Height: out.Height,
			})
		}
	}

	if kinds&KindWindow != 0 && c.cfg.IntrospectService != "" {
		windows, err := c.listWindows(ctx)
		if err != nil {
			// Window sources are best-effort: a compositor without the
			// introspection service still offers its outputs.
			logger.Warn("[compositor] window enumeration failed: %v", err)
		} else {
			for i, win := range windows {
				sources = append(sources, Source{
					ID:    fmt.Sprintf("%s%d", windowPrefix, i),
					Name:  win.Identifier,
					Label: win.Title,
					Kind:  KindWindow,
				})
			}
		}
	}

	logger.Debug("[compositor] enumerated %d sources (kinds=%d)", len(sources), kinds)
	return NewSnapshot(sources), nil
}

func (c *CompositorBackend) listOutputs(ctx context.Context) ([]outputRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbus.DefaultTimeout)
	defer cancel()
	obj := dbus.GetObject(c.conn, c.cfg.DisplayService, c.cfg.DisplayPath)
	call := obj.CallWithContext(ctx, listOutputs, 0)
	if call.Err != nil {
		return nil, &UnavailableError{Service: c.cfg.DisplayService, Err: call.Err}
	}
	var outputs []outputRecord
	if err := call.Store(&outputs); err != nil {
		return nil, &UnavailableError{Service: c.cfg.DisplayService, Err: err}
	}
	return outputs, nil
}

// CaptureOutput asks the compositor to grab a frame from one output and
// returns a file URI to the written image. An empty connector captures the
// primary output.
func (c *CompositorBackend) CaptureOutput(ctx context.Context, connector string, includeCursor bool) (string, error) {
	obj := dbus.GetObject(c.conn, c.cfg.DisplayService, c.cfg.DisplayPath)
	call := obj.CallWithContext(ctx, captureOutput, 0, connector, includeCursor)
	if call.Err != nil {
		return "", &UnavailableError{Service: c.cfg.DisplayService, Err: call.Err}
	}
	var uri string
	if err := call.Store(&uri); err != nil {
		return "", &UnavailableError{Service: c.cfg.DisplayService, Err: err}
	}
	return uri, nil
}

// PickColor asks the compositor to let the user pick a pixel and returns its
// color as normalized RGB. Blocks until the user picks or ctx is cancelled.
func (c *CompositorBackend) PickColor(ctx context.Context) (r, g, b float64, err error) {
	obj := dbus.GetObject(c.conn, c.cfg.DisplayService, c.cfg.DisplayPath)
	call := obj.CallWithContext(ctx, pickColor, 0)
	if call.Err != nil {
		return 0, 0, 0, &UnavailableError{Service: c.cfg.DisplayService, Err: call.Err}
	}
	if err := call.Store(&r, &g, &b); err != nil {
		return 0, 0, 0, &UnavailableError{Service: c.cfg.DisplayService, Err: err}
	}
	return r, g, b, nil
}

func (c *CompositorBackend) listWindows(ctx context.Context) ([]windowRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, dbus.DefaultTimeout)
	defer cancel()
	obj := dbus.GetObject(c.conn, c.cfg.IntrospectService, c.cfg.IntrospectPath)
	call := obj.CallWithContext(ctx, listWindows, 0)
	if call.Err != nil {
		return nil, &UnavailableError{Service: c.cfg.IntrospectService, Err: call.Err}
	}
	var windows []windowRecord
	if err := call.Store(&windows); err != nil {
		return nil, &UnavailableError{Service: c.cfg.IntrospectService, Err: err}
	}
	return windows, nil
}
