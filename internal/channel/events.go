package channel

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/user/sessionchat/internal/types"
)

// ErrConnectRejected is returned by Connect when the channel is already
// connecting, connected, or reconnecting.
var ErrConnectRejected = errors.New("channel: connect rejected, channel already active")

// EventKind identifies a channel event.
type EventKind string

const (
	EventConnecting   EventKind = "connecting"
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventReconnecting EventKind = "reconnecting"
	EventFailed       EventKind = "failed"
	EventServer       EventKind = "server"
)

// Event is delivered to subscribers on every status change and for every
// server-pushed frame.
type Event struct {
	Kind      EventKind
	SessionID types.SessionID

	// Attempt is set for EventReconnecting.
	Attempt int
	// Err is set for EventFailed.
	Err error

	// Name and Payload are set for EventServer.
	Name    string
	Payload json.RawMessage
}

// Status maps the event to the channel status it reports. Server events
// report no status change.
func (e Event) Status() (types.ChannelStatus, bool) {
	switch e.Kind {
	case EventConnecting:
		return types.ChannelConnecting, true
	case EventConnected:
		return types.ChannelConnected, true
	case EventDisconnected:
		return types.ChannelDisconnected, true
	case EventReconnecting:
		return types.ChannelReconnecting, true
	case EventFailed:
		return types.ChannelFailed, true
	}
	return "", false
}

// ServerEvent is one frame pushed by the server.
type ServerEvent struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// ChannelError reports that reconnection was abandoned.
type ChannelError struct {
	SessionID types.SessionID
	Attempts  int
	Err       error
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("channel: gave up after %d reconnect attempts for session %s: %v", e.Attempts, e.SessionID, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }
