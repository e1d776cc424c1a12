package pipewire

import "fmt"

// TransportUnavailableError is returned when the capture backend cannot be
// reached at all (missing elements, no PipeWire daemon).
type TransportUnavailableError struct {
	Reason string
	Err    error
}

func (e *TransportUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipewire: transport unavailable: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("pipewire: transport unavailable: %s", e.Reason)
}

func (e *TransportUnavailableError) Unwrap() error { return e.Err }

// NegotiationFailedError is returned when a node opened but format
// negotiation did not complete, including when the configured ceiling
// elapsed. The partially opened node is always released first.
type NegotiationFailedError struct {
	Source string
	Reason string
}

func (e *NegotiationFailedError) Error() string {
	return fmt.Sprintf("pipewire: negotiation failed for %s: %s", e.Source, e.Reason)
}
