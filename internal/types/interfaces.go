// internal/types/interfaces.go
package types

// KV is a persisted key-value store. Every Set replaces the complete value
// for the key.
type KV interface {
	Get(key string) ([]byte, bool, error)
	Set(key string, value []byte) error
	Delete(key string) error
}

// Persisted keys.
const (
	KeySessionID          = "session_id"
	KeySavedConversations = "savedConversations"
)
