package backend

import (
	"context"

	"github.com/b0bbywan/go-odio-portal/backend/compositor"
	"github.com/b0bbywan/go-odio-portal/backend/consent"
	"github.com/b0bbywan/go-odio-portal/backend/permissions"
	"github.com/b0bbywan/go-odio-portal/backend/pipewire"
	"github.com/b0bbywan/go-odio-portal/config"
	"github.com/b0bbywan/go-odio-portal/events"
)

// Backend bundles the native collaborators the portal interfaces run
// against: the compositor catalog, the PipeWire stream backend, the
// permission store and the consent dialog broker.
type Backend struct {
	Compositor  *compositor.CompositorBackend
	Pipewire    *pipewire.PipewireBackend
	Permissions *permissions.Store
	Consent     *consent.DialogBroker

	upstream    chan events.Event
	broadcaster *Broadcaster
}

func New(ctx context.Context, cfg *config.Config) (*Backend, error) {
	var backend Backend

	c, err := compositor.New(ctx, cfg.Compositor)
	if err != nil {
		return nil, err
	}
	backend.Compositor = c

	p, err := pipewire.New(ctx, cfg.Pipewire)
	if err != nil {
		backend.Close()
		return nil, err
	}
	backend.Pipewire = p

	store, err := permissions.New(ctx, cfg.Permissions)
	if err != nil {
		backend.Close()
		return nil, err
	}
	backend.Permissions = store

	broker, err := consent.New(ctx, cfg.Consent)
	if err != nil {
		backend.Close()
		return nil, err
	}
	backend.Consent = broker

	backend.upstream = make(chan events.Event, 64)
	backend.broadcaster = NewBroadcaster(ctx, backend.upstream)

	backend.Permissions.OnRevoke(func(appID, capability string) {
		backend.Notify(events.Event{Type: events.TypeGrantRevoked, Data: appID + "/" + capability})
	})

	return &backend, nil
}

// Notify publishes an internal event to all subscribers. Non-blocking.
func (b *Backend) Notify(e events.Event) {
	select {
	case b.upstream <- e:
	default:
	}
}

// Subscribe returns a channel of internal events.
func (b *Backend) Subscribe() chan events.Event {
	return b.broadcaster.Subscribe()
}

// SubscribeFunc returns a channel of internal events matching the filter.
func (b *Backend) SubscribeFunc(filter events.Filter) chan events.Event {
	return b.broadcaster.SubscribeFunc(filter)
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Backend) Unsubscribe(ch chan events.Event) {
	b.broadcaster.Unsubscribe(ch)
}

func (b *Backend) Close() {
	if b.Consent != nil {
		b.Consent.Close()
	}
	if b.Permissions != nil {
		b.Permissions.Close()
	}
	if b.Pipewire != nil {
		b.Pipewire.Close()
	}
	if b.Compositor != nil {
		b.Compositor.Close()
	}
}
