package chat

import "fmt"

// ValidationError rejects a submission before any state changes.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid message: %s", e.Reason)
}

// ServerReportedError is a reply that arrived with a success status but
// carries an error field.
type ServerReportedError struct {
	Message string
}

func (e *ServerReportedError) Error() string {
	return "server reported: " + e.Message
}
