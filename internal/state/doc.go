// Package state provides the persisted key-value backends and the two stores
// built on top of them: the session identity and the local conversation
// archive.
package state

import "github.com/user/sessionchat/internal/types"

// Compile-time interface compliance checks.
var _ types.KV = (*MemoryKV)(nil)
var _ types.KV = (*FileKV)(nil)
var _ types.KV = (*SQLiteKV)(nil)
