// internal/state/archive.go
package state

import (
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/user/sessionchat/internal/types"
)

// Archive is the local snapshot list of past conversations. The in-memory
// list is authoritative; every write persists the complete list, so a
// successful write after a failed one brings storage back in sync.
type Archive struct {
	kv     types.KV
	now    func() time.Time
	logger *slog.Logger

	mu      sync.RWMutex
	entries []types.ArchiveEntry
	lastID  types.ArchiveID
}

// NewArchive loads the archive list from kv. Unreadable data starts an empty
// list. Pass nil logger for default.
func NewArchive(kv types.KV, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{
		kv:     kv,
		now:    time.Now,
		logger: logger.With("component", "archive"),
	}
	a.entries = a.load()
	for _, e := range a.entries {
		if e.ID > a.lastID {
			a.lastID = e.ID
		}
	}
	return a
}

func (a *Archive) load() []types.ArchiveEntry {
	data, ok, err := a.kv.Get(types.KeySavedConversations)
	if err != nil {
		a.logger.Warn("archive unreadable, starting empty", "error", err)
		return nil
	}
	if !ok || len(data) == 0 {
		return nil
	}
	var entries []types.ArchiveEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		a.logger.Warn("archive corrupt, starting empty", "error", err)
		return nil
	}
	return entries
}

// List returns all entries in insertion order.
func (a *Archive) List() []types.ArchiveEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]types.ArchiveEntry, len(a.entries))
	for i, e := range a.entries {
		e.Messages = types.CloneMessages(e.Messages)
		out[i] = e
	}
	return out
}

// Get finds an entry by archive id.
func (a *Archive) Get(id types.ArchiveID) (types.ArchiveEntry, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, e := range a.entries {
		if e.ID == id {
			e.Messages = types.CloneMessages(e.Messages)
			return e, true
		}
	}
	return types.ArchiveEntry{}, false
}

// Archive snapshots messages under sessionID and appends the entry. An empty
// conversation is not archived and nothing is written.
func (a *Archive) Archive(sessionID types.SessionID, messages []types.Message) (types.ArchiveEntry, bool) {
	if len(messages) == 0 {
		return types.ArchiveEntry{}, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	id := types.ArchiveID(now.UnixMilli())
	if id <= a.lastID {
		id = a.lastID + 1
	}
	a.lastID = id

	entry := types.ArchiveEntry{
		ID:        id,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Messages:  types.CloneMessages(messages),
	}
	a.entries = append(a.entries, entry)
	a.persist()

	entry.Messages = types.CloneMessages(entry.Messages)
	return entry, true
}

// Remove deletes the entry with the given id. Unknown ids are ignored.
func (a *Archive) Remove(id types.ArchiveID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := slices.IndexFunc(a.entries, func(e types.ArchiveEntry) bool { return e.ID == id })
	if idx < 0 {
		return
	}
	a.entries = slices.Delete(a.entries, idx, idx+1)
	a.persist()
}

// persist writes the full list. Caller must hold the lock.
func (a *Archive) persist() {
	entries := a.entries
	if entries == nil {
		entries = []types.ArchiveEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		a.logger.Error("failed to marshal archive", "error", err)
		return
	}
	if err := a.kv.Set(types.KeySavedConversations, data); err != nil {
		a.logger.Warn("failed to persist archive, keeping in-memory copy", "entries", len(entries), "error", err)
	}
}
