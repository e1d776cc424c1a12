package consent

import (
	"context"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/internal/dbus"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/logger"
)

const (
	dialogIface     = "org.freedesktop.impl.portal.desktop.Dialog"
	askMethod       = dialogIface + ".Ask"
	pickFilesMethod = dialogIface + ".PickFiles"
)

// DialogBroker asks the external dialog service for an approval decision.
// The call is bounded only by ctx (and the optional configured ceiling): a
// human may take arbitrarily long to answer.
type DialogBroker struct {
	conn *godbus.Conn
	cfg  *config.ConsentConfig
}

func New(ctx context.Context, cfg *config.ConsentConfig) (*DialogBroker, error) {
	if cfg == nil {
		return nil, nil
	}

	conn, err := godbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}

	logger.Info("[consent] broker initialized (dialog service %s)", cfg.Service)
	return &DialogBroker{conn: conn, cfg: cfg}, nil
}

func (b *DialogBroker) Close() {
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			logger.Error("[consent] failed to close D-Bus connection: %v", err)
		}
		b.conn = nil
	}
}

// Decide presents the prompt and waits for the user's answer. Cancelling ctx
// abandons the call; the dialog's eventual answer is discarded by the caller.
func (b *DialogBroker) Decide(ctx context.Context, prompt Prompt) (Decision, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	args := map[string]godbus.Variant{
		"app_id":        godbus.MakeVariant(prompt.AppID),
		"parent_window": godbus.MakeVariant(prompt.ParentWindow),
		"title":         godbus.MakeVariant(prompt.Title),
		"subtitle":      godbus.MakeVariant(prompt.Subtitle),
		"body":          godbus.MakeVariant(prompt.Body),
		"grant_label":   godbus.MakeVariant(prompt.GrantLabel),
		"deny_label":    godbus.MakeVariant(prompt.DenyLabel),
		"multiple":      godbus.MakeVariant(prompt.Multiple),
	}
	if len(prompt.Sources) > 0 {
		args["sources"] = godbus.MakeVariant(prompt.Sources)
	}

	obj := dbus.GetObject(b.conn, b.cfg.Service, b.cfg.Path)
	call := obj.CallWithContext(ctx, askMethod, 0, args)
	if call.Err != nil {
		return Decision{}, call.Err
	}

	var allowed, remember bool
	var sourceIDs []string
	if err := call.Store(&allowed, &remember, &sourceIDs); err != nil {
		return Decision{}, err
	}

	logger.Debug("[consent] %s: allowed=%v remember=%v sources=%d", prompt.AppID, allowed, remember, len(sourceIDs))
	return Decision{Allowed: allowed, Remember: remember, SourceIDs: sourceIDs}, nil
}

// PickFiles presents a file dialog and waits for the user's selection. Like
// Decide, the call is bounded only by ctx and the configured ceiling.
func (b *DialogBroker) PickFiles(ctx context.Context, req FileRequest) (FileSelection, error) {
	if b.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.Timeout)
		defer cancel()
	}

	args := map[string]godbus.Variant{
		"app_id":        godbus.MakeVariant(req.AppID),
		"parent_window": godbus.MakeVariant(req.ParentWindow),
		"title":         godbus.MakeVariant(req.Title),
		"accept_label":  godbus.MakeVariant(req.AcceptLabel),
		"multiple":      godbus.MakeVariant(req.Multiple),
		"directory":     godbus.MakeVariant(req.Directory),
		"save":          godbus.MakeVariant(req.Save),
	}
	if req.CurrentName != "" {
		args["current_name"] = godbus.MakeVariant(req.CurrentName)
	}
	if req.CurrentFolder != "" {
		args["current_folder"] = godbus.MakeVariant(req.CurrentFolder)
	}
	if len(req.Files) > 0 {
		args["files"] = godbus.MakeVariant(req.Files)
	}

	obj := dbus.GetObject(b.conn, b.cfg.Service, b.cfg.Path)
	call := obj.CallWithContext(ctx, pickFilesMethod, 0, args)
	if call.Err != nil {
		return FileSelection{}, call.Err
	}

	var allowed bool
	var uris []string
	if err := call.Store(&allowed, &uris); err != nil {
		return FileSelection{}, err
	}

	logger.Debug("[consent] %s: file dialog allowed=%v uris=%d", req.AppID, allowed, len(uris))
	return FileSelection{Allowed: allowed, URIs: uris}, nil
}
