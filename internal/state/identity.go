// internal/state/identity.go
package state

import (
	"log/slog"
	"sync"

	"github.com/user/sessionchat/internal/types"
)

// Identity owns the active session id. The id is cached in memory after
// first resolution, so a failing store only costs persistence, never the id.
type Identity struct {
	kv     types.KV
	logger *slog.Logger

	mu      sync.Mutex
	current types.SessionID
}

// NewIdentity creates an identity store over kv. Pass nil logger for default.
func NewIdentity(kv types.KV, logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{kv: kv, logger: logger.With("component", "identity")}
}

// GetOrCreate returns the persisted session id, generating and persisting a
// new one if none exists. created reports whether the id is new.
func (i *Identity) GetOrCreate() (id types.SessionID, created bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.current != "" {
		return i.current, false
	}

	data, ok, err := i.kv.Get(types.KeySessionID)
	if err != nil {
		i.logger.Warn("session id unreadable, using in-memory id", "error", err)
	} else if ok && len(data) > 0 {
		i.current = types.SessionID(data)
		return i.current, false
	}

	i.current = types.NewSessionID()
	i.persist(i.current)
	return i.current, true
}

// Set replaces the active session id.
func (i *Identity) Set(id types.SessionID) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.current = id
	i.persist(id)
}

func (i *Identity) persist(id types.SessionID) {
	if err := i.kv.Set(types.KeySessionID, []byte(id)); err != nil {
		i.logger.Warn("failed to persist session id", "session_id", id, "error", err)
	}
}
