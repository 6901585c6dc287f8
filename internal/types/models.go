// internal/types/models.go
package types

import (
	"slices"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type MessageStatus string

const (
	StatusFinal   MessageStatus = "final"
	StatusPending MessageStatus = "pending"
	StatusError   MessageStatus = "error"
)

type Attachment struct {
	URL       string `json:"url,omitempty"`
	Name      string `json:"name"`
	MediaType string `json:"mediaType,omitempty"`
}

type Message struct {
	ID          MessageID     `json:"id"`
	Role        Role          `json:"role"`
	Content     string        `json:"content"`
	Status      MessageStatus `json:"status"`
	Attachments []Attachment  `json:"attachments,omitempty"`
}

// CloneMessages returns a deep copy so snapshots never share attachment
// slices with the live conversation.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		m.Attachments = slices.Clone(m.Attachments)
		out[i] = m
	}
	return out
}

type ArchiveEntry struct {
	ID        ArchiveID `json:"id"`
	Timestamp string    `json:"timestamp"`
	SessionID SessionID `json:"session_id"`
	Messages  []Message `json:"messages"`
}

// CreatedAt parses the entry's RFC 3339 timestamp.
func (e ArchiveEntry) CreatedAt() time.Time {
	t, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return time.UnixMilli(int64(e.ID))
	}
	return t
}

type ChannelStatus string

const (
	ChannelDisconnected ChannelStatus = "disconnected"
	ChannelConnecting   ChannelStatus = "connecting"
	ChannelConnected    ChannelStatus = "connected"
	ChannelReconnecting ChannelStatus = "reconnecting"
	ChannelFailed       ChannelStatus = "failed"
)
