package portal

import (
	"context"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/compositor"
	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/backend/permissions"
	"github.com/b0bbywan/go-odio-portal/backend/pipewire"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
	"github.com/b0bbywan/go-odio-portal/logger"
)

// captureSelection is the configuration a client picked with SelectSources,
// consumed by Start.
type captureSelection struct {
	types        uint32
	multiple     bool
	cursorMode   uint32
	persistMode  uint32
	restoreToken string
}

func defaultSelection() *captureSelection {
	return &captureSelection{
		types:      SourceTypeMonitor,
		cursorMode: CursorModeHidden,
	}
}

// streamEntry marshals as (ua{sv}), the wire shape of one stream result.
type streamEntry struct {
	NodeID uint32
	Props  map[string]godbus.Variant
}

// point and extent marshal as (ii).
type point struct {
	X, Y int32
}

type extent struct {
	Width, Height int32
}

// capturePipeline runs the consent and stream negotiation flow shared by the
// screen-cast and remote-desktop portals.
type capturePipeline struct {
	catalog        Catalog
	negotiator     Negotiator
	store          PermissionStore
	broker         Broker
	transientScope string
	notify         func(events.Event)
}

// ScreenCastPortal implements org.freedesktop.impl.portal.ScreenCast.
type ScreenCastPortal struct {
	ctx      context.Context
	requests *RequestRegistry
	sessions *SessionRegistry
	pipeline *capturePipeline
}

func NewScreenCastPortal(ctx context.Context, requests *RequestRegistry, sessions *SessionRegistry, pipeline *capturePipeline) *ScreenCastPortal {
	return &ScreenCastPortal{
		ctx:      ctx,
		requests: requests,
		sessions: sessions,
		pipeline: pipeline,
	}
}

// CreateSession mints the session object for a screen-cast dialog.
func (p *ScreenCastPortal) CreateSession(sender godbus.Sender, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
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

// SelectSources records what the client wants to capture. The choice only
// takes effect at Start.
func (p *ScreenCastPortal) SelectSources(sender godbus.Sender, sessionHandle godbus.ObjectPath, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
	req, err := p.requests.Create(p.ctx, sender, optString(options, optHandleToken))
	if err != nil {
		return "/", errExists
	}

	go func() {
		code := p.selectSources(sessionHandle, options)
		if err := req.Complete(code, nil); err != nil {
			logger.Debug("[portal] select sources response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

func (p *ScreenCastPortal) selectSources(sessionHandle godbus.ObjectPath, options map[string]godbus.Variant) uint32 {
	s, err := p.sessions.Lookup(sessionHandle)
	if err != nil {
		logger.Warn("[portal] select sources on unknown session %s", sessionHandle)
		return ResponseOther
	}

	sel := defaultSelection()
	if types := optUint32(options, optTypes, 0); types != 0 {
		sel.types = types & (SourceTypeMonitor | SourceTypeWindow | SourceTypeVirtual)
		if sel.types == 0 {
			return ResponseOther
		}
	}
	switch mode := optUint32(options, optCursorMode, CursorModeHidden); mode {
	case CursorModeHidden, CursorModeEmbedded, CursorModeMetadata:
		sel.cursorMode = mode
	default:
		return ResponseOther
	}
	sel.multiple = optBool(options, optMultiple)
	sel.persistMode = optUint32(options, optPersistMode, PersistModeNone)
	if sel.persistMode > PersistModePermanent {
		return ResponseOther
	}
	sel.restoreToken = optString(options, optRestoreToken)

	if err := s.setSelection(sel); err != nil {
		return ResponseOther
	}
	return ResponseSuccess
}

// Start drives the consent and negotiation flow and answers with the
// negotiated streams.
func (p *ScreenCastPortal) Start(sender godbus.Sender, sessionHandle godbus.ObjectPath, parentWindow string, options map[string]godbus.Variant) (godbus.ObjectPath, *godbus.Error) {
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
			code, results = p.pipeline.run(req.Context(), s, parentWindow, permissions.CapScreencast)
		}
		if err := req.Complete(code, results); err != nil {
			logger.Debug("[portal] start response dropped: %v", err)
		}
	}()
	return req.Path(), nil
}

// run resolves the capture selection to concrete sources, obtains consent
// and negotiates one stream per source.
func (c *capturePipeline) run(ctx context.Context, s *Session, parentWindow, capability string) (uint32, Results) {
	sel := s.currentSelection()
	if sel == nil {
		sel = defaultSelection()
	}

	snap, err := c.catalog.Enumerate(ctx, compositor.SourceKind(sel.types))
	if err != nil {
		if ctx.Err() != nil {
			return ResponseCancelled, nil
		}
		logger.Error("[portal] source enumeration failed: %v", err)
		return ResponseOther, nil
	}

	chosen, code := c.resolveSources(ctx, s, sel, snap, parentWindow, capability)
	if code != ResponseSuccess {
		return code, nil
	}
	if ctx.Err() != nil {
		return ResponseCancelled, nil
	}

	// Termination callbacks hold on armed until the streams are attached, so
	// an early out-of-band termination never races the attach.
	armed := make(chan struct{})
	defer close(armed)

	streams, code := c.negotiate(ctx, s, sel, chosen, armed)
	if code != ResponseSuccess {
		return code, nil
	}
	if !s.attachStreams(streams) {
		return ResponseOther, nil
	}

	entries := make([]streamEntry, 0, len(streams))
	for _, st := range streams {
		info := st.Info()
		entries = append(entries, streamEntry{
			NodeID: info.NodeID,
			Props: map[string]godbus.Variant{
				"position":    godbus.MakeVariant(point{info.X, info.Y}),
				"size":        godbus.MakeVariant(extent{info.Width, info.Height}),
				"source_type": godbus.MakeVariant(info.SourceType),
				"cursor_mode": godbus.MakeVariant(uint32(info.CursorMode)),
			},
		})
	}
	results := Results{
		"streams": godbus.MakeVariant(entries),
	}

	granted := sel.persistMode
	if granted != PersistModeNone {
		token, err := c.mintToken(s, sel, chosen, capability)
		if err != nil {
			logger.Warn("[portal] failed to mint restore token for %s: %v", s.AppID(), err)
			granted = PersistModeNone
		} else {
			results[optRestoreToken] = godbus.MakeVariant(token)
		}
	}
	results["persist_mode"] = godbus.MakeVariant(granted)

	logger.Info("[portal] session %s streaming %d source(s) for %s", s.Path(), len(entries), s.AppID())
	return ResponseSuccess, results
}

// resolveSources picks the sources to capture: a valid restore token skips
// interaction entirely, a stored deny reads exactly like a user cancel, a
// stored allow auto-picks, and everything else goes through the dialog.
func (c *capturePipeline) resolveSources(ctx context.Context, s *Session, sel *captureSelection, snap *compositor.Snapshot, parentWindow, capability string) ([]compositor.Source, uint32) {
	if sel.restoreToken != "" {
		if restored := c.restore(s, sel, snap, capability); restored != nil {
			return restored, ResponseSuccess
		}
	}

	rec, err := c.store.Get(s.AppID(), capability)
	if err != nil {
		logger.Warn("[portal] permission lookup failed for %s: %v", s.AppID(), err)
	}
	if rec != nil && rec.Decision == permissions.DecisionDeny {
		return nil, ResponseCancelled
	}
	if rec != nil && rec.Decision == permissions.DecisionAllow {
		if chosen := firstMatching(snap, sel); chosen != nil {
			return chosen, ResponseSuccess
		}
		return nil, ResponseOther
	}

	return c.prompt(ctx, s, sel, snap, parentWindow, capability)
}

// restore validates a restore token against the live catalog. Any miss, a
// token minted for another app included, silently falls back to the
// interactive path.
func (c *capturePipeline) restore(s *Session, sel *captureSelection, snap *compositor.Snapshot, capability string) []compositor.Source {
	rec, err := c.store.LookupToken(sel.restoreToken, s.AppID())
	if err != nil || rec == nil || rec.Capability != capability {
		return nil
	}
	restored := make([]compositor.Source, 0, len(rec.Sources))
	for _, ref := range rec.Sources {
		src, ok := snap.ResolveName(compositor.SourceKind(ref.Kind), ref.Name)
		if !ok {
			return nil
		}
		restored = append(restored, src)
	}
	if len(restored) == 0 {
		return nil
	}
	if rec.CursorMode != 0 {
		sel.cursorMode = rec.CursorMode
	}
	// single use, a fresh token is minted at completion
	if err := c.store.DropToken(sel.restoreToken); err != nil {
		logger.Warn("[portal] failed to drop used restore token: %v", err)
	}
	logger.Debug("[portal] restored %d source(s) for %s without interaction", len(restored), s.AppID())
	return restored
}

func (c *capturePipeline) prompt(ctx context.Context, s *Session, sel *captureSelection, snap *compositor.Snapshot, parentWindow, capability string) ([]compositor.Source, uint32) {
	offered := make(map[string]string)
	for _, src := range snap.Sources() {
		if uint32(src.Kind)&sel.types != 0 {
			offered[src.ID] = src.Label
		}
	}
	if len(offered) == 0 {
		return nil, ResponseOther
	}

	title := "Share your screen"
	if capability == permissions.CapRemoteDesktop {
		title = "Allow remote control"
	}
	dec, err := c.broker.Decide(ctx, consent.Prompt{
		AppID:        s.AppID(),
		ParentWindow: parentWindow,
		Title:        title,
		Body:         "Pick what to share with the application.",
		GrantLabel:   "Share",
		DenyLabel:    "Cancel",
		Sources:      offered,
		Multiple:     sel.multiple,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ResponseCancelled
		}
		logger.Error("[portal] consent dialog failed: %v", err)
		return nil, ResponseOther
	}
	// an answer that raced the request's close is discarded, never persisted
	if ctx.Err() != nil {
		return nil, ResponseCancelled
	}

	if dec.Remember {
		decision := permissions.DecisionDeny
		if dec.Allowed {
			decision = permissions.DecisionAllow
		}
		if err := c.store.Set(s.AppID(), capability, decision); err != nil {
			logger.Warn("[portal] failed to persist decision for %s: %v", s.AppID(), err)
		}
	}
	if !dec.Allowed {
		return nil, ResponseCancelled
	}

	var chosen []compositor.Source
	for _, id := range dec.SourceIDs {
		src, err := snap.Resolve(id)
		if err != nil {
			logger.Warn("[portal] dialog picked unknown source %q", id)
			continue
		}
		chosen = append(chosen, src)
		if !sel.multiple {
			break
		}
	}
	if chosen == nil {
		chosen = firstMatching(snap, sel)
	}
	if chosen == nil {
		return nil, ResponseOther
	}
	return chosen, ResponseSuccess
}

// firstMatching auto-picks sources for non-interactive grants.
func firstMatching(snap *compositor.Snapshot, sel *captureSelection) []compositor.Source {
	var chosen []compositor.Source
	for _, src := range snap.Sources() {
		if uint32(src.Kind)&sel.types == 0 {
			continue
		}
		chosen = append(chosen, src)
		if !sel.multiple {
			break
		}
	}
	return chosen
}

// negotiate opens one stream per chosen source. With multiple sources a
// failed sibling is skipped as long as at least one stream comes up; a
// single-source failure, or a failure when multiple was not requested,
// rolls everything back.
func (c *capturePipeline) negotiate(ctx context.Context, s *Session, sel *captureSelection, chosen []compositor.Source, armed <-chan struct{}) ([]Stream, uint32) {
	mode := pipewire.CursorMode(sel.cursorMode)
	var streams []Stream
	for _, src := range chosen {
		// st is only assigned once OpenStream returns; the callback waits for
		// the caller to arm it before touching the handle.
		var st Stream
		st, err := c.negotiator.OpenStream(ctx, src, mode, func() {
			<-armed
			s.dropStream(st)
			if c.notify != nil {
				c.notify(events.Event{Type: events.TypeStreamTerminated, Data: string(s.Path())})
			}
		})
		if err != nil {
			logger.Error("[portal] stream negotiation failed for %s: %v", src.ID, err)
			if !sel.multiple {
				for _, prev := range streams {
					prev.Stop()
				}
				if ctx.Err() != nil {
					return nil, ResponseCancelled
				}
				return nil, ResponseOther
			}
			continue
		}
		streams = append(streams, st)
	}
	if len(streams) == 0 {
		if ctx.Err() != nil {
			return nil, ResponseCancelled
		}
		return nil, ResponseOther
	}
	return streams, ResponseSuccess
}

func (c *capturePipeline) mintToken(s *Session, sel *captureSelection, chosen []compositor.Source, capability string) (string, error) {
	refs := make([]permissions.SourceRef, 0, len(chosen))
	for _, src := range chosen {
		refs = append(refs, permissions.SourceRef{Kind: uint32(src.Kind), Name: src.Name})
	}
	transient := sel.persistMode == PersistModeTransient
	owner := ""
	if transient && c.transientScope == config.TransientScopeSession {
		owner = string(s.Path())
	}
	return c.store.MintToken(s.AppID(), capability, refs, sel.cursorMode, transient, owner)
}
