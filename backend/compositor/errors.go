package compositor

import "fmt"

// NotFoundError is returned when an identifier does not correspond to a
// currently live target.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("compositor: source %q not found", e.ID)
}

// UnavailableError is returned when the compositor service cannot be reached.
type UnavailableError struct {
	Service string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("compositor: service %s unavailable: %v", e.Service, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }
