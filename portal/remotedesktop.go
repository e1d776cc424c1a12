package portal

import (
	"context"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/backend/input"
	"github.com/b0bbywan/go-odio-portal/backend/permissions"
	"github.com/b0bbywan/go-odio-portal/logger"
)

// Device type bitmask, portal wire encoding. Matches input.DeviceType.
const (
	DeviceKeyboard    uint32 = 1
	DevicePointer     uint32 = 2
	DeviceTouchscreen uint32 = 4

	deviceAll = DeviceKeyboard | DevicePointer | DeviceTouchscreen
)

// Key and button state values on the wire.
const (
	stateReleased uint32 = 0
	statePressed  uint32 = 1
)

// RemoteDesktopPortal implements org.freedesktop.impl.portal.RemoteDesktop.
// A remote-desktop session may also carry a screen-cast selection, in which
// case Start negotiates streams through the shared pipeline.
type RemoteDesktopPortal struct {
	ctx      context.Context
	requests *RequestRegistry
	sessions *SessionRegistry
	pipeline *capturePipeline
	inputs   InputFactory
}

func NewRemoteDesktopPortal(ctx context.Context, requests *RequestRegistry, sessions *SessionRegistry, pipeline *capturePipeline, inputs InputFactory) *RemoteDesktopPortal {
	return &RemoteDesktopPortal{
		ctx:      ctx,
		requests: requests,
		sessions: sessions,
		pipeline: pipeline,
		inputs:   inputs,
	}
}

func (p *RemoteDesktopPortal) CreateSession(sender godbus.Sender, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	req, err := p.requests.Create(p.ctx, sender, optString(options, optHandleToken))
	if err != nil {
		return "/", errExists
	}

	s, err := p.sessions.Create(sender, optString(options, optSessionHandleToken), appIdentity(sender, options))
	if err != nil {
		req.Close()
		return "/", errExists
	}

	go func() {
		results := Results{
			"session_handle": godbus.MakeVariant(s.Path()),
		}
		if err := req.Complete(ResponseSuccess, results); err != nil {
			logger.Debug("[portal] create session response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

// SelectDevices records which virtual devices the client wants.
func (p *RemoteDesktopPortal) SelectDevices(sender godbus.Sender, sessionHandle godbus.ObjectPath, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	req, err := p.requests.Create(p.ctx, sender, optString(options, optHandleToken))
	if err != nil {
		return "/", errExists
	}

	go func() {
		code := p.selectDevices(sessionHandle, options)
		if err := req.Complete(code, nil); err != nil {
			logger.Debug("[portal] select devices response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

func (p *RemoteDesktopPortal) selectDevices(sessionHandle godbus.ObjectPath, options map[string]godbus.Variant) uint32 {
	s, err := p.sessions.Lookup(sessionHandle)
	if err != nil {
		logger.Warn("[portal] select devices on unknown session %s", sessionHandle)
		return ResponseOther
	}

	types := optUint32(options, optTypes, DeviceKeyboard|DevicePointer)
	types &= deviceAll
	if types == 0 {
		return ResponseOther
	}
	if err := s.setDeviceTypes(types); err != nil {
		return ResponseOther
	}
	return ResponseSuccess
}

// Start obtains consent and brings up the virtual devices, plus any streams
// a prior SelectSources asked for.
func (p *RemoteDesktopPortal) Start(sender godbus.Sender, sessionHandle godbus.ObjectPath, parentWindow string, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	req, err := p.requests.Create(p.ctx, sender, optString(options, optHandleToken))
	if err != nil {
		return "/", errExists
	}

	go func() {
		var code uint32
		var results Results
		s, err := p.sessions.Lookup(sessionHandle)
		if err != nil {
			logger.Warn("[portal] start on unknown session %s", sessionHandle)
			code, results = ResponseOther, nil
		} else {
			code, results = p.start(req.Context(), s, parentWindow)
		}
		if err := req.Complete(code, results); err != nil {
			logger.Debug("[portal] start response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

func (p *RemoteDesktopPortal) start(ctx context.Context, s *Session, parentWindow string) (uint32, Results) {
	types := s.selectedDeviceTypes()
	if types == 0 {
		types = DeviceKeyboard | DevicePointer
	}

	var results Results
	if s.currentSelection() != nil {
		// combined session: the capture pipeline carries the consent dialog
		code, captureResults := p.pipeline.run(ctx, s, parentWindow, permissions.CapRemoteDesktop)
		if code != ResponseSuccess {
			return code, nil
		}
		results = captureResults
	} else {
		code := p.consent(ctx, s, parentWindow)
		if code != ResponseSuccess {
			return code, nil
		}
		results = Results{}
	}

	devices, err := p.inputs(ctx, input.DeviceType(types))
	if err != nil {
		if ctx.Err() != nil {
			return ResponseCancelled, nil
		}
		logger.Error("[portal] virtual input setup failed: %v", err)
		s.shutdown()
		return ResponseOther, nil
	}
	if !s.attachDevices(devices) {
		return ResponseOther, nil
	}

	results["devices"] = godbus.MakeVariant(types)
	logger.Info("[portal] remote desktop session %s started for %s (devices=%d)", s.Path(), s.AppID(), types)
	return ResponseSuccess, results
}

func (p *RemoteDesktopPortal) consent(ctx context.Context, s *Session, parentWindow string) uint32 {
	rec, err := p.pipeline.store.Get(s.AppID(), permissions.CapRemoteDesktop)
	if err != nil {
		logger.Warn("[portal] permission lookup failed for %s: %v", s.AppID(), err)
	}
	if rec != nil && rec.Decision == permissions.DecisionDeny {
		return ResponseCancelled
	}
	if rec != nil && rec.Decision == permissions.DecisionAllow {
		return ResponseSuccess
	}

	dec, err := p.pipeline.broker.Decide(ctx, consent.Prompt{
		AppID:        s.AppID(),
		ParentWindow: parentWindow,
		Title:        "Allow remote control",
		Body:         "Allow the application to control your keyboard and pointer.",
		GrantLabel:   "Allow",
		DenyLabel:    "Cancel",
	})
	if err != nil {
		if ctx.Err() != nil {
			return ResponseCancelled
		}
		logger.Error("[portal] consent dialog failed: %v", err)
		return ResponseOther
	}
	// an answer that raced the request's close is discarded, never persisted
	if ctx.Err() != nil {
		return ResponseCancelled
	}
	if dec.Remember {
		decision := permissions.DecisionDeny
		if dec.Allowed {
			decision = permissions.DecisionAllow
		}
		if err := p.pipeline.store.Set(s.AppID(), permissions.CapRemoteDesktop, decision); err != nil {
			logger.Warn("[portal] failed to persist decision for %s: %v", s.AppID(), err)
		}
	}
	if !dec.Allowed {
		return ResponseCancelled
	}
	return ResponseSuccess
}

func (p *RemoteDesktopPortal) sessionDevices(sessionHandle godbus.ObjectPath) (InputDevices, *godbus.Error) {
	s, err := p.sessions.Lookup(sessionHandle)
	if err != nil {
		return nil, errNotFound
	}
	devices := s.inputDevices()
	if devices == nil {
		return nil, errNotFound
	}
	return devices, nil
}

// NotifyPointerMotion forwards a relative pointer motion into the session.
func (p *RemoteDesktopPortal) NotifyPointerMotion(sender godbus.Sender, sessionHandle godbus.ObjectPath, options map[string]godbus.Variant, dx, dy float64) *godbus.Error {
	devices, derr := p.sessionDevices(sessionHandle)
	if derr != nil {
		return derr
	}
	if err := devices.PointerMotion(dx, dy); err != nil {
		logger.Warn("[portal] pointer motion failed: %v", err)
	}
	return nil
}

// NotifyPointerButton forwards a pointer button press or release.
func (p *RemoteDesktopPortal) NotifyPointerButton(sender godbus.Sender, sessionHandle godbus.ObjectPath, options map[string]godbus.Variant, button int32, state uint32) *godbus.Error {
	devices, derr := p.sessionDevices(sessionHandle)
	if derr != nil {
		return derr
	}
	if err := devices.PointerButton(button, state == statePressed); err != nil {
		logger.Warn("[portal] pointer button failed: %v", err)
	}
	return nil
}

// NotifyPointerAxis forwards a scroll event.
func (p *RemoteDesktopPortal) NotifyPointerAxis(sender godbus.Sender, sessionHandle godbus.ObjectPath, options map[string]godbus.Variant, dx, dy float64) *godbus.Error {
	devices, derr := p.sessionDevices(sessionHandle)
	if derr != nil {
		return derr
	}
	if err := devices.PointerAxis(dx, dy); err != nil {
		logger.Warn("[portal] pointer axis failed: %v", err)
	}
	return nil
}

// NotifyKeyboardKeycode forwards a hardware keycode press or release.
func (p *RemoteDesktopPortal) NotifyKeyboardKeycode(sender godbus.Sender, sessionHandle godbus.ObjectPath, options map[string]godbus.Variant, keycode int32, state uint32) *godbus.Error {
	devices, derr := p.sessionDevices(sessionHandle)
	if derr != nil {
		return derr
	}
	if err := devices.KeyboardKeycode(keycode, state == statePressed); err != nil {
		logger.Warn("[portal] keyboard keycode failed: %v", err)
	}
	return nil
}
