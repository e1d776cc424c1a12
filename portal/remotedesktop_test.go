package portal

import (
	"context"
	"sync"
	"testing"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/backend/input"
	"github.com/b0bbywan/go-odio-portal/backend/permissions"
)

type inputEvent struct {
	kind    string
	a, b    float64
	code    int32
	pressed bool
}

type fakeInput struct {
	mu     sync.Mutex
	events []inputEvent
	closed bool
}

func (f *fakeInput) PointerMotion(dx, dy float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, inputEvent{kind: "motion", a: dx, b: dy})
	return nil
}

func (f *fakeInput) PointerButton(button int32, pressed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, inputEvent{kind: "button", code: button, pressed: pressed})
	return nil
}

func (f *fakeInput) PointerAxis(dx, dy float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, inputEvent{kind: "axis", a: dx, b: dy})
	return nil
}

func (f *fakeInput) KeyboardKeycode(keycode int32, pressed bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, inputEvent{kind: "key", code: keycode, pressed: pressed})
	return nil
}

func (f *fakeInput) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeInput) recorded() []inputEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]inputEvent(nil), f.events...)
}

type rdEnv struct {
	*pipelineEnv
	portal  *RemoteDesktopPortal
	devices *fakeInput
	created []input.DeviceType
}

func newRemoteDesktopEnv() *rdEnv {
	env := &rdEnv{
		pipelineEnv: newPipelineEnv(twoMonitors()),
		devices:     &fakeInput{},
	}
	factory := func(ctx context.Context, types input.DeviceType) (InputDevices, error) {
		env.created = append(env.created, types)
		return env.devices, nil
	}
	env.portal = NewRemoteDesktopPortal(context.Background(),
		NewRequestRegistry(env.bus), env.sessions, env.pipeline, factory)
	return env
}

func TestRemoteDesktopStart(t *testing.T) {
	env := newRemoteDesktopEnv()
	env.broker.decision = consent.Decision{Allowed: true}
	s := env.session(t, nil)
	if err := s.setDeviceTypes(DeviceKeyboard | DevicePointer); err != nil {
		t.Fatalf("setDeviceTypes failed: %v", err)
	}

	code, results := env.portal.start(context.Background(), s, "")

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	if got := results["devices"].Value().(uint32); got != DeviceKeyboard|DevicePointer {
		t.Errorf("devices = %d, want %d", got, DeviceKeyboard|DevicePointer)
	}
	if len(env.created) != 1 || env.created[0] != input.DeviceType(DeviceKeyboard|DevicePointer) {
		t.Errorf("factory calls = %v", env.created)
	}
	if s.inputDevices() == nil {
		t.Error("devices not attached to session")
	}
}

func TestRemoteDesktopConsentDenyCancels(t *testing.T) {
	env := newRemoteDesktopEnv()
	env.broker.decision = consent.Decision{Allowed: false}
	s := env.session(t, nil)

	code, _ := env.portal.start(context.Background(), s, "")

	if code != ResponseCancelled {
		t.Fatalf("code = %d, want %d", code, ResponseCancelled)
	}
	if len(env.created) != 0 {
		t.Error("devices created despite denial")
	}
}

func TestRemoteDesktopLateDialogAnswerNotPersisted(t *testing.T) {
	env := newRemoteDesktopEnv()
	env.broker.decision = consent.Decision{Allowed: true, Remember: true}
	s := env.session(t, nil)

	// the request closes while the dialog is up; its eventual allow must be
	// discarded wholesale
	ctx, cancel := context.WithCancel(context.Background())
	env.broker.cancelOnDecide = cancel
	code, _ := env.portal.start(ctx, s, "")

	if code != ResponseCancelled {
		t.Fatalf("code = %d, want %d", code, ResponseCancelled)
	}
	if rec, _ := env.store.Get("org.example.Recorder", permissions.CapRemoteDesktop); rec != nil {
		t.Errorf("decision persisted after request close: %+v", rec)
	}
	if len(env.created) != 0 {
		t.Error("devices created after request close")
	}
}

func TestRemoteDesktopStoredDenyReadsAsCancel(t *testing.T) {
	env := newRemoteDesktopEnv()
	env.store.Set("org.example.Recorder", permissions.CapRemoteDesktop, permissions.DecisionDeny)
	s := env.session(t, nil)

	code, _ := env.portal.start(context.Background(), s, "")

	if code != ResponseCancelled {
		t.Fatalf("code = %d, want %d", code, ResponseCancelled)
	}
	if env.broker.promptCount() != 0 {
		t.Error("dialog shown despite stored deny")
	}
}

func TestRemoteDesktopCombinedSession(t *testing.T) {
	env := newRemoteDesktopEnv()
	env.broker.decision = consent.Decision{Allowed: true, SourceIDs: []string{"m:0"}}
	s := env.session(t, &captureSelection{
		types:      SourceTypeMonitor,
		cursorMode: CursorModeEmbedded,
	})

	code, results := env.portal.start(context.Background(), s, "")

	if code != ResponseSuccess {
		t.Fatalf("code = %d, want %d", code, ResponseSuccess)
	}
	// one dialog covers both the capture and the control grant
	if env.broker.promptCount() != 1 {
		t.Errorf("dialog shown %d times, want 1", env.broker.promptCount())
	}
	if _, ok := results["streams"]; !ok {
		t.Error("combined session results missing streams")
	}
	if _, ok := results["devices"]; !ok {
		t.Error("combined session results missing devices")
	}
}

func TestRemoteDesktopSessionCloseReleasesDevices(t *testing.T) {
	env := newRemoteDesktopEnv()
	s := env.session(t, nil)

	if code, _ := env.portal.start(context.Background(), s, ""); code != ResponseSuccess {
		t.Fatalf("start failed with code %d", code)
	}
	s.shutdown()

	env.devices.mu.Lock()
	closed := env.devices.closed
	env.devices.mu.Unlock()
	if !closed {
		t.Error("devices not closed with session")
	}
}

func TestRemoteDesktopNotifyForwarding(t *testing.T) {
	env := newRemoteDesktopEnv()
	s := env.session(t, nil)
	if code, _ := env.portal.start(context.Background(), s, ""); code != ResponseSuccess {
		t.Fatalf("start failed with code %d", code)
	}

	opts := map[string]godbus.Variant{}
	if derr := env.portal.NotifyPointerMotion(":1.5", s.Path(), opts, 3, -2); derr != nil {
		t.Fatalf("NotifyPointerMotion failed: %v", derr)
	}
	if derr := env.portal.NotifyPointerButton(":1.5", s.Path(), opts, 272, statePressed); derr != nil {
		t.Fatalf("NotifyPointerButton failed: %v", derr)
	}
	if derr := env.portal.NotifyPointerAxis(":1.5", s.Path(), opts, 0, 15); derr != nil {
		t.Fatalf("NotifyPointerAxis failed: %v", derr)
	}
	if derr := env.portal.NotifyKeyboardKeycode(":1.5", s.Path(), opts, 30, stateReleased); derr != nil {
		t.Fatalf("NotifyKeyboardKeycode failed: %v", derr)
	}

	got := env.devices.recorded()
	if len(got) != 4 {
		t.Fatalf("recorded %d events, want 4", len(got))
	}
	if got[0].kind != "motion" || got[0].a != 3 || got[0].b != -2 {
		t.Errorf("motion = %+v", got[0])
	}
	if got[1].kind != "button" || got[1].code != 272 || !got[1].pressed {
		t.Errorf("button = %+v", got[1])
	}
	if got[2].kind != "axis" || got[2].b != 15 {
		t.Errorf("axis = %+v", got[2])
	}
	if got[3].kind != "key" || got[3].code != 30 || got[3].pressed {
		t.Errorf("key = %+v", got[3])
	}
}

func TestRemoteDesktopNotifyBeforeStart(t *testing.T) {
	env := newRemoteDesktopEnv()
	s := env.session(t, nil)

	derr := env.portal.NotifyPointerMotion(":1.5", s.Path(), map[string]godbus.Variant{}, 1, 1)
	if derr == nil {
		t.Fatal("NotifyPointerMotion before Start succeeded")
	}
}

func TestSelectDevicesValidation(t *testing.T) {
	env := newRemoteDesktopEnv()
	s := env.session(t, nil)

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
			name:    "pointer only",
			session: s.Path(),
			options: map[string]godbus.Variant{optTypes: godbus.MakeVariant(DevicePointer)},
			want:    ResponseSuccess,
		},
		{
			name:    "unknown session",
			session: "/org/freedesktop/portal/desktop/session/1_5/nope",
			options: map[string]godbus.Variant{},
			want:    ResponseOther,
		},
		{
			name:    "no known device bits",
			session: s.Path(),
			options: map[string]godbus.Variant{optTypes: godbus.MakeVariant(uint32(32))},
			want:    ResponseOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := env.portal.selectDevices(tt.session, tt.options); got != tt.want {
				t.Errorf("selectDevices = %d, want %d", got, tt.want)
			}
		})
	}
}
