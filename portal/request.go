package portal

import (
	"context"
	"sync"

	godbus "github.com/godbus/dbus/v5"

	"github.com/b0bbywan/go-odio-portal/logger"
)

// RequestRegistry tracks in-flight portal requests. Each request is a
// bus-visible object minted from the caller's unique name and its
// handle_token; a (sender, token) pair identifies at most one live request.
type RequestRegistry struct {
	bus  Bus
	mu   sync.Mutex
	live map[godbus.ObjectPath]*Request
}

func NewRequestRegistry(bus Bus) *RequestRegistry {
	return &RequestRegistry{
		bus:  bus,
		live: make(map[godbus.ObjectPath]*Request),
	}
}

// Create mints and exports the request object for a (sender, token) pair.
// The returned request carries a context derived from ctx that is cancelled
// when the caller closes the request or drops off the bus.
func (r *RequestRegistry) Create(ctx context.Context, sender godbus.Sender, token string) (*Request, error) {
	path := requestPath(sender, token)

	r.mu.Lock()
	if _, ok := r.live[path]; ok {
		r.mu.Unlock()
		return nil, &DuplicateIdentityError{Path: path}
	}
	reqCtx, cancel := context.WithCancel(ctx)
	req := &Request{
		registry: r,
		path:     path,
		sender:   string(sender),
		ctx:      reqCtx,
		cancel:   cancel,
	}
	r.live[path] = req
	r.mu.Unlock()

	if err := r.bus.Export(req, path, requestIface); err != nil {
		r.remove(path)
		cancel()
		return nil, err
	}
	logger.Debug("[portal] request %s created", path)
	return req, nil
}

func (r *RequestRegistry) remove(path godbus.ObjectPath) {
	r.mu.Lock()
	delete(r.live, path)
	r.mu.Unlock()
}

// CancelSender cancels every live request owned by a departed sender.
func (r *RequestRegistry) CancelSender(sender string) {
	r.mu.Lock()
	var owned []*Request
	for _, req := range r.live {
		if req.sender == sender {
			owned = append(owned, req)
		}
	}
	r.mu.Unlock()
	for _, req := range owned {
		req.abort()
	}
}

// Len reports the number of live requests.
func (r *RequestRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Request is one in-flight portal operation. It reaches a terminal state
// exactly once: either Complete emits the Response signal, or the caller
// closes it and no signal is ever emitted.
type Request struct {
	registry *RequestRegistry
	path     godbus.ObjectPath
	sender   string
	ctx      context.Context
	cancel   context.CancelFunc

	mu       sync.Mutex
	terminal bool
}

// Context is cancelled when the request is closed or its owner disconnects.
// Handlers pass it to every blocking collaborator so user interaction and
// stream negotiation unwind promptly.
func (q *Request) Context() context.Context {
	return q.ctx
}

func (q *Request) Path() godbus.ObjectPath {
	return q.path
}

// Close is the bus-exported cancellation method. Any user interaction in
// flight is torn down and the pending operation finishes without a Response
// signal.
func (q *Request) Close() *godbus.Error {
	q.abort()
	return nil
}

func (q *Request) abort() {
	q.mu.Lock()
	if q.terminal {
		q.mu.Unlock()
		return
	}
	q.terminal = true
	q.mu.Unlock()

	q.cancel()
	q.retire()
	logger.Debug("[portal] request %s closed by caller", q.path)
}

// Complete emits the Response signal and retires the request. Completing a
// request that already reached a terminal state fails; in particular a
// request the caller closed never emits a Response.
func (q *Request) Complete(code uint32, results Results) error {
	q.mu.Lock()
	if q.terminal {
		q.mu.Unlock()
		return &AlreadyCompletedError{Path: q.path}
	}
	q.terminal = true
	q.mu.Unlock()

	if results == nil {
		results = Results{}
	}
	err := q.registry.bus.Emit(q.path, responseMember, code, map[string]godbus.Variant(results))
	q.retire()
	q.cancel()
	if err != nil {
		return err
	}
	logger.Debug("[portal] request %s completed with code %d", q.path, code)
	return nil
}

func (q *Request) retire() {
	if err := q.registry.bus.Unexport(q.path, requestIface); err != nil {
		logger.Warn("[portal] failed to unexport request %s: %v", q.path, err)
	}
	q.registry.remove(q.path)
}
