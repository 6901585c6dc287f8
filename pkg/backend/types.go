package backend

import "github.com/user/sessionchat/internal/types"

// HistoryMessage is one message as the server stores it.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// History is the server's copy of a conversation.
type History struct {
	SessionID types.SessionID  `json:"session_id,omitempty"`
	Messages  []HistoryMessage `json:"conversation_history"`
}

// Summary is one row of the server-side conversation list.
type Summary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Timestamp string `json:"timestamp"`
}

// Upload is a file selected for the next turn.
type Upload struct {
	Name      string
	MediaType string
	Data      []byte
}

// ChatRequest is one turn sent to the server.
type ChatRequest struct {
	Message      string
	Model        string
	SystemPrompt string
	Temperature  float64
	Room         types.SessionID
	Uploads      []Upload
}

// Intent flags reported by the server for a reply.
type Intent struct {
	InternetSearch  bool `json:"internet_search"`
	ImageGeneration bool `json:"image_generation"`
	CodeIntent      bool `json:"code_intent"`
}

// ChatResponse is the server's answer to a turn. Error is set when the
// server handled the request but reports a failure in the body.
type ChatResponse struct {
	AssistantReply string `json:"assistant_reply"`
	Intent         Intent `json:"intent"`
	FileURL        string `json:"fileUrl,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	FileType       string `json:"fileType,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Attachment returns the echoed attachment metadata, if any.
func (r *ChatResponse) Attachment() (types.Attachment, bool) {
	if r.FileURL == "" && r.FileName == "" {
		return types.Attachment{}, false
	}
	return types.Attachment{URL: r.FileURL, Name: r.FileName, MediaType: r.FileType}, true
}
