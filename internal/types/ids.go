// internal/types/ids.go
package types

import (
	"time"

	"github.com/google/uuid"
)

type SessionID string
type MessageID int64
type ArchiveID int64

// WelcomeMessageID is reserved for the synthesized greeting. Minted ids are
// time-derived and never collide with it.
const WelcomeMessageID MessageID = 0

// NewSessionID returns a random UUID v4 session identifier.
func NewSessionID() SessionID {
	return SessionID(uuid.New().String())
}

// IDMinter hands out monotonic, time-derived message ids. A call to Pair
// reserves two consecutive ids so the assistant placeholder is always the
// user message id plus one.
type IDMinter struct {
	now  func() time.Time
	last int64
}

// NewIDMinter creates a minter backed by the given clock (time.Now if nil).
func NewIDMinter(now func() time.Time) *IDMinter {
	if now == nil {
		now = time.Now
	}
	return &IDMinter{now: now}
}

// Next returns a fresh id strictly greater than every id issued before.
func (m *IDMinter) Next() MessageID {
	id := m.now().UnixMilli()
	if id <= m.last {
		id = m.last + 1
	}
	m.last = id
	return MessageID(id)
}

// Pair returns a user id and the placeholder id that follows it.
func (m *IDMinter) Pair() (user, placeholder MessageID) {
	user = m.Next()
	m.last = int64(user) + 1
	return user, user + 1
}

// Observe makes sure future ids are greater than id, for ids that came from
// somewhere else (a restored archive, for example).
func (m *IDMinter) Observe(id MessageID) {
	if int64(id) > m.last {
		m.last = int64(id)
	}
}
