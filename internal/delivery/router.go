// internal/delivery/router.go
package delivery

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/user/sessionchat/internal/types"
)

// Server event names pushed over the channel.
const (
	EventStatusUpdate = "status_update"
	EventTaskComplete = "task_complete"
)

// Handler consumes one server-pushed event for a session.
type Handler func(sessionID types.SessionID, payload json.RawMessage) error

// Router routes server events to the handler registered for their name.
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{
		handlers: make(map[string]Handler),
	}
}

// Register sets the handler for events named name, replacing any earlier one.
func (r *Router) Register(name string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// Deliver calls the handler registered for name.
// Returns an error if no handler is registered.
func (r *Router) Deliver(name string, sessionID types.SessionID, payload json.RawMessage) error {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no handler for server event: %s", name)
	}
	return handler(sessionID, payload)
}

// StatusUpdate is the payload of a status_update event.
type StatusUpdate struct {
	Message string `json:"message"`
}

// TaskComplete is the payload of a task_complete event.
type TaskComplete struct {
	Answer string `json:"answer"`
}

// Decode unmarshals an event payload. An empty payload decodes to the zero value.
func Decode[T any](payload json.RawMessage) (T, error) {
	var v T
	if len(payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, fmt.Errorf("decoding event payload: %w", err)
	}
	return v, nil
}
