package portal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/compositor"
	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/backend/permissions"
	"github.com/b0bbywan/go-odio-portal/backend/pipewire"
	"github.com/b0bbywan/go-odio-portal/config"
)

type fakeCatalog struct {
	sources []compositor.Source
	err     error
}

func (f *fakeCatalog) Enumerate(ctx context.Context, kinds compositor.SourceKind) (*compositor.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	var filtered []compositor.Source
	for _, s := range f.sources {
		if s.Kind&kinds != 0 {
			filtered = append(filtered, s)
		}
	}
	return compositor.NewSnapshot(filtered), nil
}

type fakeNegotiator struct {
	mu       sync.Mutex
	failIDs  map[string]bool
	opened   []*fakeStream
	nextNode uint32
	// terminate fires each stream's termination callback while OpenStream is
	// still in flight, like a source vanishing mid-negotiation.
	terminate bool
	wg        sync.WaitGroup
}

func (f *fakeNegotiator) OpenStream(ctx context.Context, src compositor.Source, mode pipewire.CursorMode, onTerminated func()) (Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[src.ID] {
		return nil, errors.New("negotiation failed")
	}
	f.nextNode++
	st := &fakeStream{info: pipewire.StreamInfo{
		NodeID:     f.nextNode,
		CursorMode: mode,
		SourceType: uint32(src.Kind),
		X:          src.X,
		Y:          src.Y,
		Width:      src.Width,
		Height:     src.Height,
	}}
	f.opened = append(f.opened, st)
	if f.terminate {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			onTerminated()
		}()
	}
	return st, nil
}

type fakeStore struct {
	mu       sync.Mutex
	records  map[string]permissions.Record
	tokens   map[string]permissions.TokenRecord
	minted   int
	dropped  []string
	sessions []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]permissions.Record),
		tokens:  make(map[string]permissions.TokenRecord),
	}
}

func (f *fakeStore) Get(appID, capability string) (*permissions.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[appID+"|"+capability]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeStore) Set(appID, capability string, decision permissions.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[appID+"|"+capability] = permissions.Record{
		AppID:      appID,
		Capability: capability,
		Decision:   decision,
	}
	return nil
}

func (f *fakeStore) Revoke(appID, capability string) error {
	return f.Set(appID, capability, permissions.DecisionDeny)
}

func (f *fakeStore) MintToken(appID, capability string, sources []permissions.SourceRef, cursorMode uint32, transient bool, ownerSession string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minted++
	token := fmt.Sprintf("token-%d", f.minted)
	f.tokens[token] = permissions.TokenRecord{
		Token:        token,
		AppID:        appID,
		Capability:   capability,
		Sources:      sources,
		CursorMode:   cursorMode,
		OwnerSession: ownerSession,
	}
	return token, nil
}

func (f *fakeStore) LookupToken(token, appID string) (*permissions.TokenRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.tokens[token]
	if !ok || rec.AppID != appID {
		return nil, nil
	}
	return &rec, nil
}

func (f *fakeStore) DropToken(token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tokens, token)
	f.dropped = append(f.dropped, token)
	return nil
}

func (f *fakeStore) SessionClosed(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions = append(f.sessions, sessionID)
}

type fakeBroker struct {
	mu         sync.Mutex
	decision   consent.Decision
	err        error
	waitCancel bool
	// cancelOnDecide cancels the caller's context while the dialog is up,
	// like a client closing its request mid-prompt.
	cancelOnDecide context.CancelFunc
	prompts        []consent.Prompt
}

func (f *fakeBroker) Decide(ctx context.Context, prompt consent.Prompt) (consent.Decision, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	cancel := f.cancelOnDecide
	f.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if f.waitCancel {
		<-ctx.Done()
		return consent.Decision{}, ctx.Err()
	}
	return f.decision, f.err
}

func (f *fakeBroker) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func twoMonitors() []compositor.Source {
	return []compositor.Source{
		{ID: "m:0", Name: "DP-1", Label: "Dell 27", Kind: compositor.KindMonitor, Width: 2560, Height: 1440},
		{ID: "m:1", Name: "HDMI-A-1", Label: "LG TV", Kind: compositor.KindMonitor, X: 2560, Width: 1920, Height: 1080},
	}
}

type pipelineEnv struct {
	pipeline   *capturePipeline
	sessions   *SessionRegistry
	bus        *fakeBus
	catalog    *fakeCatalog
	negotiator *fakeNegotiator
	store      *fakeStore
	broker     *fakeBroker
}

func newPipelineEnv(sources []compositor.Source) *pipelineEnv {
	env := &pipelineEnv{
		bus:        newFakeBus(),
		catalog:    &fakeCatalog{sources: sources},
		negotiator: &fakeNegotiator{},
		store:      newFakeStore(),
		broker:     &fakeBroker{decision: consent.Decision{Allowed: true}},
	}
	env.sessions = NewSessionRegistry(env.bus, env.store.SessionClosed)
	env.pipeline = &capturePipeline{
		catalog:        env.catalog,
		negotiator:     env.negotiator,
		store:          env.store,
		broker:         env.broker,
		transientScope: config.TransientScopeSession,
	}
	return env
}

func (env *pipelineEnv) session(t *testing.T, sel *captureSelection) *Session {
	t.Helper()
	s, err := env.sessions.Create(":1.5", "s0", "org.example.Recorder")
	if err != nil {
		t.Fatalf("session Create failed: %v", err)
	}
	if sel != nil {
		if err := s.setSelection(sel); err != nil {
			t.Fatalf("setSelection failed: %v", err)
		}
	}
	return s
}

func TestCaptureStoredDenyReadsAsCancel(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.store.Set("org.example.Recorder", permissions.CapScreencast, permissions.DecisionDeny)
	s := env.session(t, nil)

	code, _ := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseCancelled {
		t.Fatalf("code = %d, want %d", code, ResponseCancelled)
	}
	if env.broker.promptCount() != 0 {
		t.Error("dialog shown despite stored deny")
	}
}

func TestCaptureStoredAllowSkipsDialog(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.store.Set("org.example.Recorder", permissions.CapScreencast, permissions.DecisionAllow)
	s := env.session(t, nil)

	code, results := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	if env.broker.promptCount() != 0 {
		t.Error("dialog shown despite stored allow")
	}
	streams := results["streams"].Value().([]streamEntry)
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
}

func TestCaptureRestoreTokenSkipsDialog(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	old, err := env.store.MintToken("org.example.Recorder", permissions.CapScreencast,
		[]permissions.SourceRef{{Kind: uint32(compositor.KindMonitor), Name: "HDMI-A-1"}},
		CursorModeEmbedded, false, "")
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	s := env.session(t, &captureSelection{
		types:        SourceTypeMonitor,
		cursorMode:   CursorModeHidden,
		persistMode:  PersistModePermanent,
		restoreToken: old,
	})

	code, results := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	if env.broker.promptCount() != 0 {
		t.Error("dialog shown despite valid restore token")
	}

	streams := results["streams"].Value().([]streamEntry)
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want 1", len(streams))
	}
	// the stored source and its cursor mode win over the fresh selection
	if x := streams[0].Props["position"].Value().(point).X; x != 2560 {
		t.Errorf("restored wrong source (x=%d)", x)
	}
	if got := env.negotiator.opened[0].info.CursorMode; got != pipewire.CursorEmbedded {
		t.Errorf("cursor mode = %d, want remembered %d", got, pipewire.CursorEmbedded)
	}

	// rotation: the presented token is gone, a fresh one is handed out
	fresh := results[optRestoreToken].Value().(string)
	if fresh == old {
		t.Error("restore token not rotated")
	}
	if rec, _ := env.store.LookupToken(old, "org.example.Recorder"); rec != nil {
		t.Error("used restore token still valid")
	}
	if rec, _ := env.store.LookupToken(fresh, "org.example.Recorder"); rec == nil {
		t.Error("fresh restore token not stored")
	}
}

func TestCaptureForeignTokenFallsBackToDialog(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	stolen, err := env.store.MintToken("org.example.Other", permissions.CapScreencast,
		[]permissions.SourceRef{{Kind: uint32(compositor.KindMonitor), Name: "DP-1"}},
		CursorModeHidden, false, "")
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	env.broker.decision = consent.Decision{Allowed: true, SourceIDs: []string{"m:0"}}
	s := env.session(t, &captureSelection{
		types:        SourceTypeMonitor,
		cursorMode:   CursorModeHidden,
		restoreToken: stolen,
	})

	code, _ := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	if env.broker.promptCount() != 1 {
		t.Error("foreign token must not bypass the dialog")
	}
	if rec, _ := env.store.LookupToken(stolen, "org.example.Other"); rec == nil {
		t.Error("foreign token must stay valid for its owner")
	}
}

func TestCaptureStaleTokenFallsBackToDialog(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	stale, err := env.store.MintToken("org.example.Recorder", permissions.CapScreencast,
		[]permissions.SourceRef{{Kind: uint32(compositor.KindMonitor), Name: "eDP-1"}},
		CursorModeHidden, false, "")
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	env.broker.decision = consent.Decision{Allowed: true, SourceIDs: []string{"m:0"}}
	s := env.session(t, &captureSelection{
		types:        SourceTypeMonitor,
		cursorMode:   CursorModeHidden,
		restoreToken: stale,
	})

	code, _ := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	if env.broker.promptCount() != 1 {
		t.Error("token naming a vanished output must fall back to the dialog")
	}
}

func TestCaptureDialogDenyCancels(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.broker.decision = consent.Decision{Allowed: false, Remember: true}
	s := env.session(t, nil)

	code, _ := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseCancelled {
		t.Fatalf("code = %d, want %d", code, ResponseCancelled)
	}
	rec, _ := env.store.Get("org.example.Recorder", permissions.CapScreencast)
	if rec == nil || rec.Decision != permissions.DecisionDeny {
		t.Error("remembered deny not persisted")
	}

	// the remembered deny short-circuits the next attempt
	s2, err := env.sessions.Create(":1.5", "s1", "org.example.Recorder")
	if err != nil {
		t.Fatalf("second session Create failed: %v", err)
	}
	code, _ = env.pipeline.run(context.Background(), s2, "", permissions.CapScreencast)
	if code != ResponseCancelled {
		t.Fatalf("second code = %d, want %d", code, ResponseCancelled)
	}
	if env.broker.promptCount() != 1 {
		t.Error("dialog shown again after remembered deny")
	}
}

func TestCaptureMultiplePartialFailure(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.negotiator.failIDs = map[string]bool{"m:0": true}
	env.broker.decision = consent.Decision{Allowed: true, SourceIDs: []string{"m:0", "m:1"}}
	s := env.session(t, &captureSelection{
		types:      SourceTypeMonitor,
		cursorMode: CursorModeHidden,
		multiple:   true,
	})

	code, results := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	streams := results["streams"].Value().([]streamEntry)
	if len(streams) != 1 {
		t.Fatalf("got %d streams, want the surviving sibling only", len(streams))
	}
	for _, st := range env.negotiator.opened {
		if st.isStopped() {
			t.Error("surviving sibling was stopped")
		}
	}
}

func TestCaptureSingleModeFailureRollsBack(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.negotiator.failIDs = map[string]bool{"m:1": true}
	// a restored grant may carry several sources even when the fresh request
	// did not ask for multiple; a failure then tears everything down
	token, err := env.store.MintToken("org.example.Recorder", permissions.CapScreencast,
		[]permissions.SourceRef{
			{Kind: uint32(compositor.KindMonitor), Name: "DP-1"},
			{Kind: uint32(compositor.KindMonitor), Name: "HDMI-A-1"},
		}, CursorModeHidden, false, "")
	if err != nil {
		t.Fatalf("MintToken failed: %v", err)
	}
	s := env.session(t, &captureSelection{
		types:        SourceTypeMonitor,
		cursorMode:   CursorModeHidden,
		restoreToken: token,
	})

	code, _ := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseOther {
		t.Fatalf("code = %d, want %d", code, ResponseOther)
	}
	for _, st := range env.negotiator.opened {
		if !st.isStopped() {
			t.Error("stream survived a rolled-back request")
		}
	}
}

func TestCaptureAllFailed(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.negotiator.failIDs = map[string]bool{"m:0": true, "m:1": true}
	env.broker.decision = consent.Decision{Allowed: true, SourceIDs: []string{"m:0", "m:1"}}
	s := env.session(t, &captureSelection{
		types:      SourceTypeMonitor,
		cursorMode: CursorModeHidden,
		multiple:   true,
	})

	code, _ := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseOther {
		t.Fatalf("code = %d, want %d", code, ResponseOther)
	}
}

func TestCaptureCancelDuringConsent(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.broker.waitCancel = true
	s := env.session(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	env.broker.cancelOnDecide = cancel
	code, _ := env.pipeline.run(ctx, s, "", permissions.CapScreencast)

	if code != ResponseCancelled {
		t.Fatalf("code = %d, want %d", code, ResponseCancelled)
	}
	if len(env.negotiator.opened) != 0 {
		t.Error("stream negotiated after cancellation")
	}
}

func TestCaptureCancelledBeforeEnumeration(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	s := env.session(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	code, _ := env.pipeline.run(ctx, s, "", permissions.CapScreencast)

	if code != ResponseCancelled {
		t.Fatalf("code = %d, want %d", code, ResponseCancelled)
	}
	if env.broker.promptCount() != 0 {
		t.Error("dialog shown after cancellation")
	}
}

func TestCaptureLateDialogAnswerNotPersisted(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.broker.decision = consent.Decision{Allowed: true, Remember: true, SourceIDs: []string{"m:0"}}
	s := env.session(t, nil)

	// the request closes while the dialog is up; its eventual allow must be
	// discarded wholesale
	ctx, cancel := context.WithCancel(context.Background())
	env.broker.cancelOnDecide = cancel
	code, _ := env.pipeline.run(ctx, s, "", permissions.CapScreencast)

	if code != ResponseCancelled {
		t.Fatalf("code = %d, want %d", code, ResponseCancelled)
	}
	if rec, _ := env.store.Get("org.example.Recorder", permissions.CapScreencast); rec != nil {
		t.Errorf("decision persisted after request close: %+v", rec)
	}
	if len(env.negotiator.opened) != 0 {
		t.Error("stream negotiated after request close")
	}
}

func TestCaptureTerminationDuringNegotiation(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.broker.decision = consent.Decision{Allowed: true, SourceIDs: []string{"m:0"}}
	env.negotiator.terminate = true
	s := env.session(t, nil)

	code, _ := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	env.negotiator.wg.Wait()

	// the terminated stream was the session's only one, so the session must
	// be gone, not left holding a dead stream
	if !s.Closed() {
		t.Fatal("session still open after its only stream terminated")
	}
	if got := len(env.bus.emitted(s.Path(), closedMember)); got != 1 {
		t.Errorf("Closed emitted %d times, want 1", got)
	}
}

func TestCaptureTransientTokenScopedToSession(t *testing.T) {
	env := newPipelineEnv(twoMonitors())
	env.broker.decision = consent.Decision{Allowed: true, SourceIDs: []string{"m:0"}}
	s := env.session(t, &captureSelection{
		types:       SourceTypeMonitor,
		cursorMode:  CursorModeHidden,
		persistMode: PersistModeTransient,
	})

	code, results := env.pipeline.run(context.Background(), s, "", permissions.CapScreencast)

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	token := results[optRestoreToken].Value().(string)
	rec, _ := env.store.LookupToken(token, "org.example.Recorder")
	if rec == nil {
		t.Fatal("transient token not minted")
	}
	if rec.OwnerSession != string(s.Path()) {
		t.Errorf("transient token owner = %q, want %q", rec.OwnerSession, s.Path())
	}
}

func TestSelectSourcesValidation(t *testing.T) {
	bus := newFakeBus()
	requests := NewRequestRegistry(bus)
	sessions := NewSessionRegistry(bus, nil)
	sc := NewScreenCastPortal(context.Background(), requests, sessions, nil)

	s, err := sessions.Create(":1.5", "s0", "org.example.Recorder")
	if err != nil {
		t.Fatalf("session Create failed: %v", err)
	}

	tests := []struct {
		name    string
		session godbus.ObjectPath
		options map[string]godbus.Variant
		want    uint32
	}{
		{
			name:    "defaults",
			session: s.Path(),
			options: map[string]godbus.Variant{},
			want:    ResponseSuccess,
		},
		{
			name:    "window capture with persistence",
			session: s.Path(),
			options: map[string]godbus.Variant{
				optTypes:       godbus.MakeVariant(SourceTypeWindow),
				optCursorMode:  godbus.MakeVariant(CursorModeEmbedded),
				optPersistMode: godbus.MakeVariant(PersistModePermanent),
			},
			want: ResponseSuccess,
		},
		{
			name:    "unknown session",
			session: "/org/freedesktop/portal/desktop/session/1_5/nope",
			options: map[string]godbus.Variant{},
			want:    ResponseOther,
		},
		{
			name:    "invalid cursor mode",
			session: s.Path(),
			options: map[string]godbus.Variant{
				optCursorMode: godbus.MakeVariant(uint32(8)),
			},
			want: ResponseOther,
		},
		{
			name:    "invalid source types",
			session: s.Path(),
			options: map[string]godbus.Variant{
				optTypes: godbus.MakeVariant(uint32(64)),
			},
			want: ResponseOther,
		},
		{
			name:    "invalid persist mode",
			session: s.Path(),
			options: map[string]godbus.Variant{
				optPersistMode: godbus.MakeVariant(uint32(9)),
			},
			want: ResponseOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := sc.selectSources(tt.session, tt.options); got != tt.want {
				t.Errorf("selectSources = %d, want %d", got, tt.want)
			}
		})
	}
}
