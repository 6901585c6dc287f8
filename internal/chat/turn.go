package chat

import (
	"time"

	"github.com/user/sessionchat/internal/types"
	"github.com/user/sessionchat/pkg/backend"
)

// TurnStatus represents the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnQueued    TurnStatus = "queued"
	TurnRunning   TurnStatus = "running"
	TurnComplete  TurnStatus = "complete"
	TurnFailed    TurnStatus = "failed"
	TurnDiscarded TurnStatus = "discarded"
)

// Turn tracks one user message and its pending assistant placeholder from
// submission until the placeholder settles. A turn is tagged with the
// session and epoch it was issued under; its result is applied only while
// both still match the active conversation.
type Turn struct {
	SessionID     types.SessionID
	Epoch         uint64
	UserID        types.MessageID
	PlaceholderID types.MessageID
	Request       backend.ChatRequest

	Status    TurnStatus
	CreatedAt time.Time
	StartedAt *time.Time
	EndedAt   *time.Time
	Err       error
}

func newTurn(sessionID types.SessionID, epoch uint64, user, placeholder types.MessageID, req backend.ChatRequest) *Turn {
	return &Turn{
		SessionID:     sessionID,
		Epoch:         epoch,
		UserID:        user,
		PlaceholderID: placeholder,
		Request:       req,
		Status:        TurnQueued,
		CreatedAt:     time.Now(),
	}
}

func (t *Turn) start() {
	now := time.Now()
	t.StartedAt = &now
	t.Status = TurnRunning
}

func (t *Turn) end(status TurnStatus, err error) {
	now := time.Now()
	t.EndedAt = &now
	t.Status = status
	t.Err = err
}

// timings returns how long the turn waited in the queue and how long it ran.
// A turn abandoned before it started has a zero run time.
func (t *Turn) timings() (queued, ran time.Duration) {
	end := time.Now()
	if t.EndedAt != nil {
		end = *t.EndedAt
	}
	if t.StartedAt == nil {
		return end.Sub(t.CreatedAt), 0
	}
	return t.StartedAt.Sub(t.CreatedAt), end.Sub(*t.StartedAt)
}
