package backend

import (
	"context"

	"github.com/user/sessionchat/internal/types"
)

// Backend is the authoritative conversation server. Implementations handle
// transport details such as request encoding, cookies, and response parsing.
type Backend interface {
	// FetchConversation returns the server's history for a session.
	// Returns ErrNotFound if the server has no such conversation.
	FetchConversation(ctx context.Context, sessionID types.SessionID) (*History, error)

	// ListConversations returns the server-side conversation list.
	ListConversations(ctx context.Context, sessionID types.SessionID) ([]Summary, error)

	// CreateConversation asks the server for a fresh session id. Not idempotent.
	CreateConversation(ctx context.Context, title string) (types.SessionID, error)

	// Chat sends one user turn and returns the assistant's reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// KeepAlive pings the server. Best effort.
	KeepAlive(ctx context.Context) error
}

// Config holds common configuration for backend clients.
type Config struct {
	BaseURL        string
	TimeoutSeconds int
}
