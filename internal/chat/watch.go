package chat

import (
	"context"

	"github.com/user/sessionchat/internal/channel"
	"github.com/user/sessionchat/internal/types"
)

// Watch applies channel events until ctx is cancelled or events is closed.
func (m *Machine) Watch(ctx context.Context, events <-chan channel.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.HandleChannelEvent(ev)
		}
	}
}

// HandleChannelEvent applies one channel event. Status changes update the
// channel indicator; giving up on reconnection raises a persistent banner
// that the next successful connect clears. Server frames for other
// sessions are dropped.
func (m *Machine) HandleChannelEvent(ev channel.Event) {
	if status, ok := ev.Status(); ok {
		m.mu.Lock()
		m.channel = status
		switch ev.Kind {
		case channel.EventConnected:
			m.banner = ""
		case channel.EventFailed:
			m.banner = BannerReconnectFailed
			m.logger.Error("channel failed", "session_id", ev.SessionID, "error", ev.Err)
		case channel.EventReconnecting:
			m.logger.Debug("channel reconnecting", "session_id", ev.SessionID, "attempt", ev.Attempt)
		}
		m.publishLocked()
		m.mu.Unlock()
		return
	}

	if ev.Kind != channel.EventServer || m.deps.Router == nil {
		return
	}
	if m.SessionID() != ev.SessionID {
		m.logger.Debug("dropping server event for inactive session", "event", ev.Name, "session_id", ev.SessionID)
		return
	}
	if err := m.deps.Router.Deliver(ev.Name, ev.SessionID, ev.Payload); err != nil {
		m.logger.Debug("server event not handled", "event", ev.Name, "error", err)
	}
}

// ChannelStatus returns the last channel status seen.
func (m *Machine) ChannelStatus() types.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channel
}
