package events

const (
	TypeConfigUpdated    = "config.updated"
	TypeStreamTerminated = "stream.terminated"
	TypeSessionClosed    = "session.closed"
	TypeGrantRevoked     = "grant.revoked"
)

type Event struct {
	Type string
	Data any
}

// Filter decides whether a subscriber receives an event.
type Filter func(Event) bool

// FilterTypes builds a filter passing only the given event types. A nil or
// empty list returns nil, which subscribers treat as pass-all.
func FilterTypes(types []string) Filter {
	if len(types) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}
