package permissions

import "fmt"

// StoreError wraps database failures with the operation that hit them.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("permissions: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }
