package portal

import (
	"context"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/logger"
)

// FileChooserPortal implements org.freedesktop.impl.portal.FileChooser.
// The dialog itself is the consent, so nothing is persisted: every call goes
// through the dialog service and the answer is relayed as-is.
type FileChooserPortal struct {
	ctx      context.Context
	requests *RequestRegistry
	picker   FilePicker
}

func NewFileChooserPortal(ctx context.Context, requests *RequestRegistry, picker FilePicker) *FileChooserPortal {
	return &FileChooserPortal{
		ctx:      ctx,
		requests: requests,
		picker:   picker,
	}
}

// OpenFile asks the user to pick one or more files, or a directory when the
// directory option is set.
func (p *FileChooserPortal) OpenFile(sender godbus.Sender, parentWindow, title string, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	return p.dispatch(sender, options, consent.FileRequest{
		AppID:         appIdentity(sender, options),
		ParentWindow:  parentWindow,
		Title:         title,
		AcceptLabel:   optString(options, optAcceptLabel),
		Multiple:      optBool(options, optMultiple),
		Directory:     optBool(options, optDirectory),
		CurrentFolder: optByteString(options, optCurrentFolder),
	})
}

// SaveFile asks the user where to save a single file.
func (p *FileChooserPortal) SaveFile(sender godbus.Sender, parentWindow, title string, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	return p.dispatch(sender, options, consent.FileRequest{
		AppID:         appIdentity(sender, options),
		ParentWindow:  parentWindow,
		Title:         title,
		AcceptLabel:   optString(options, optAcceptLabel),
		Save:          true,
		CurrentName:   optString(options, optCurrentName),
		CurrentFolder: optByteString(options, optCurrentFolder),
	})
}

// SaveFiles asks the user for a folder to save a batch of named files into.
func (p *FileChooserPortal) SaveFiles(sender godbus.Sender, parentWindow, title string, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	return p.dispatch(sender, options, consent.FileRequest{
		AppID:         appIdentity(sender, options),
		ParentWindow:  parentWindow,
		Title:         title,
		AcceptLabel:   optString(options, optAcceptLabel),
		Save:          true,
		Directory:     true,
		CurrentFolder: optByteString(options, optCurrentFolder),
		Files:         optStringList(options, optFiles),
	})
}

func (p *FileChooserPortal) dispatch(sender godbus.Sender, options map[string]godbus.Variant, fr consent.FileRequest) (godbus.ObjectPath, *godbus.Error) {
	req, err := p.requests.Create(p.ctx, sender, optString(options, optHandleToken))
	if err != nil {
		return "/", errExists
	}

	go func() {
		code, results := p.choose(req.Context(), fr)
		if err := req.Complete(code, results); err != nil {
			logger.Debug("[portal] file chooser response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

func (p *FileChooserPortal) choose(ctx context.Context, fr consent.FileRequest) (uint32, Results) {
	sel, err := p.picker.PickFiles(ctx, fr)
	if err != nil {
		if ctx.Err() != nil {
			return ResponseCancelled, nil
		}
		logger.Error("[portal] file dialog failed: %v", err)
		return ResponseOther, nil
	}
	// an answer that raced the request's close is discarded
	if ctx.Err() != nil {
		return ResponseCancelled, nil
	}
	if !sel.Allowed || len(sel.URIs) == 0 {
		return ResponseCancelled, nil
	}

	logger.Info("[portal] file chooser delivered %d uri(s) to %s", len(sel.URIs), fr.AppID)
	return ResponseSuccess, Results{"uris": godbus.MakeVariant(sel.URIs)}
}
