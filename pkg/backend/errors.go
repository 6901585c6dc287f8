package backend

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when the server has no conversation for a session.
var ErrNotFound = errors.New("conversation not found")

// SyncError reports a transport failure: a network error, a non-success
// status, or a malformed body. Status is zero when no response arrived.
type SyncError struct {
	Op     string
	Status int
	Reason string
	Err    error
}

func (e *SyncError) Error() string {
	switch {
	case e.Status != 0 && e.Reason != "":
		return fmt.Sprintf("%s: status %d: %s", e.Op, e.Status, e.Reason)
	case e.Status != 0:
		return fmt.Sprintf("%s: status %d", e.Op, e.Status)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Reason)
	}
}

func (e *SyncError) Unwrap() error { return e.Err }

// Message returns the text to show the user for this failure.
func (e *SyncError) Message() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Error()
}
