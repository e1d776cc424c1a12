package portal

import (
	"sync"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/logger"
)

// SessionRegistry tracks live portal sessions. Session identities are
// single-use: once a (sender, token) pair has named a session, it can never
// name another one, even after that session is closed.
type SessionRegistry struct {
	bus      Bus
	onClosed func(sessionID string)

	mu   sync.Mutex
	live map[godbus.ObjectPath]*Session
	used map[godbus.ObjectPath]struct{}
}

// NewSessionRegistry builds a registry. onClosed runs once per session after
// it fully closed; the server uses it to drop session-scoped grants.
func NewSessionRegistry(bus Bus, onClosed func(sessionID string)) *SessionRegistry {
	if onClosed == nil {
		onClosed = func(string) {}
	}
	return &SessionRegistry{
		bus:      bus,
		onClosed: onClosed,
		live:     make(map[godbus.ObjectPath]*Session),
		used:     make(map[godbus.ObjectPath]struct{}),
	}
}

// Create mints and exports a session object for a (sender, token) pair.
func (r *SessionRegistry) Create(sender godbus.Sender, token, appID string) (*Session, error) {
	path := sessionPath(sender, token)

	r.mu.Lock()
	if _, ok := r.used[path]; ok {
		r.mu.Unlock()
		return nil, &DuplicateIdentityError{Path: path}
	}
	s := &Session{
		registry: r,
		path:     path,
		sender:   string(sender),
		appID:    appID,
	}
	r.used[path] = struct{}{}
	r.live[path] = s
	r.mu.Unlock()

	if err := r.bus.Export(s, path, sessionIface); err != nil {
		r.mu.Lock()
		delete(r.live, path)
		r.mu.Unlock()
		return nil, err
	}
	logger.Debug("[portal] session %s created for %s", path, appID)
	return s, nil
}

// Lookup resolves a session handle. Closed and unknown handles both miss.
func (r *SessionRegistry) Lookup(path godbus.ObjectPath) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.live[path]
	if !ok {
		return nil, &NotFoundError{Path: path}
	}
	return s, nil
}

// CloseSender closes every live session owned by a departed sender.
func (r *SessionRegistry) CloseSender(sender string) {
	r.mu.Lock()
	var owned []*Session
	for _, s := range r.live {
		if s.sender == sender {
			owned = append(owned, s)
		}
	}
	r.mu.Unlock()
	for _, s := range owned {
		s.shutdown()
	}
}

// CloseAll closes every live session. Used on daemon shutdown.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		all = append(all, s)
	}
	r.mu.Unlock()
	for _, s := range all {
		s.shutdown()
	}
}

func (r *SessionRegistry) remove(path godbus.ObjectPath) {
	r.mu.Lock()
	delete(r.live, path)
	r.mu.Unlock()
}

// Session is a long-lived capture or remote-desktop session. All mutable
// state is guarded by mu; Close is idempotent and emits the Closed signal
// exactly once no matter how many paths race into it.
type Session struct {
	registry *SessionRegistry
	path     godbus.ObjectPath
	sender   string
	appID    string

	mu     sync.Mutex
	closed bool

	// capture state, written by SelectSources and Start
	selection *captureSelection
	streams   []Stream
	started   bool

	// remote-desktop state
	deviceTypes uint32
	devices     InputDevices
}

func (s *Session) Path() godbus.ObjectPath {
	return s.path
}

func (s *Session) AppID() string {
	return s.appID
}

// Close is the bus-exported teardown method.
func (s *Session) Close() *godbus.Error {
	s.shutdown()
	return nil
}

// shutdown stops all streams and input devices, emits the Closed signal and
// retires the object. Safe to call from any path, any number of times.
func (s *Session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	streams := s.streams
	s.streams = nil
	devices := s.devices
	s.devices = nil
	s.mu.Unlock()

	for _, st := range streams {
		st.Stop()
	}
	if devices != nil {
		devices.Close()
	}

	if err := s.registry.bus.Emit(s.path, closedMember); err != nil {
		logger.Warn("[portal] failed to emit Closed for %s: %v", s.path, err)
	}
	if err := s.registry.bus.Unexport(s.path, sessionIface); err != nil {
		logger.Warn("[portal] failed to unexport session %s: %v", s.path, err)
	}
	s.registry.remove(s.path)
	s.registry.onClosed(string(s.path))
	logger.Info("[portal] session %s closed", s.path)
}

// Closed reports whether the session already shut down.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// attachStreams hands negotiated streams to the session. If the session
// closed while negotiation was in flight, the streams are stopped instead
// and false is returned.
func (s *Session) attachStreams(streams []Stream) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		for _, st := range streams {
			st.Stop()
		}
		return false
	}
	s.streams = append(s.streams, streams...)
	s.started = true
	s.mu.Unlock()
	return true
}

// dropStream removes a stream that terminated on its own. When the last
// stream of a started session goes away the session shuts down.
func (s *Session) dropStream(st Stream) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	remaining := s.streams[:0]
	for _, other := range s.streams {
		if other != st {
			remaining = append(remaining, other)
		}
	}
	s.streams = remaining
	last := s.started && len(s.streams) == 0
	s.mu.Unlock()
	if last {
		s.shutdown()
	}
}

// attachDevices hands virtual input devices to the session, closing them
// instead if the session raced shut.
func (s *Session) attachDevices(devices InputDevices) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		devices.Close()
		return false
	}
	s.devices = devices
	s.mu.Unlock()
	return true
}

// inputDevices returns the session's live devices, or nil before Start or
// after close.
func (s *Session) inputDevices() InputDevices {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices
}

func (s *Session) setSelection(sel *captureSelection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &NotFoundError{Path: s.path}
	}
	s.selection = sel
	return nil
}

func (s *Session) currentSelection() *captureSelection {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection
}

func (s *Session) setDeviceTypes(types uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &NotFoundError{Path: s.path}
	}
	s.deviceTypes = types
	return nil
}

func (s *Session) selectedDeviceTypes() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceTypes
}
