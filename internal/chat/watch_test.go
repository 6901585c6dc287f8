package chat

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/sessionchat/internal/channel"
	"github.com/user/sessionchat/internal/delivery"
	"github.com/user/sessionchat/internal/types"
)

func TestHandleChannelEvent_Banner(t *testing.T) {
	h := newHarness(t, nil, Options{})
	sid := h.machine.SessionID()

	h.machine.HandleChannelEvent(channel.Event{Kind: channel.EventReconnecting, SessionID: sid, Attempt: 3})
	snap := h.machine.Snapshot()
	assert.Equal(t, types.ChannelReconnecting, snap.Channel)
	assert.Empty(t, snap.Banner, "reconnect attempts stay silent")

	h.machine.HandleChannelEvent(channel.Event{Kind: channel.EventFailed, SessionID: sid, Err: errors.New("gave up")})
	snap = h.machine.Snapshot()
	assert.Equal(t, types.ChannelFailed, snap.Channel)
	assert.Equal(t, BannerReconnectFailed, snap.Banner)

	h.machine.HandleChannelEvent(channel.Event{Kind: channel.EventConnected, SessionID: sid})
	snap = h.machine.Snapshot()
	assert.Equal(t, types.ChannelConnected, snap.Channel)
	assert.Empty(t, snap.Banner)
}

func TestHandleChannelEvent_ServerEvents(t *testing.T) {
	be := newFakeBackend()
	router := delivery.NewRouter()
	h := newHarness(t, be, Options{}, func(d *Deps) { d.Router = router })
	sid := h.machine.SessionID()

	h.machine.HandleChannelEvent(channel.Event{
		Kind:      channel.EventServer,
		SessionID: sid,
		Name:      delivery.EventStatusUpdate,
		Payload:   json.RawMessage(`{"message":"Searching..."}`),
	})
	assert.Equal(t, "Searching...", h.machine.Snapshot().Status)

	// Events for another session are dropped.
	h.machine.HandleChannelEvent(channel.Event{
		Kind:      channel.EventServer,
		SessionID: "other",
		Name:      delivery.EventStatusUpdate,
		Payload:   json.RawMessage(`{"message":"stale"}`),
	})
	assert.Equal(t, "Searching...", h.machine.Snapshot().Status)

	// Unknown events are ignored.
	assert.NotPanics(t, func() {
		h.machine.HandleChannelEvent(channel.Event{Kind: channel.EventServer, SessionID: sid, Name: "mystery"})
	})

	be.mu.Lock()
	before := be.listCalls
	be.mu.Unlock()

	h.machine.HandleChannelEvent(channel.Event{
		Kind:      channel.EventServer,
		SessionID: sid,
		Name:      delivery.EventTaskComplete,
		Payload:   json.RawMessage(`{"answer":"done"}`),
	})
	assert.Empty(t, h.machine.Snapshot().Status)
	require.Eventually(t, func() bool {
		be.mu.Lock()
		defer be.mu.Unlock()
		return be.listCalls > before
	}, time.Second, 5*time.Millisecond)
}

func TestWatch(t *testing.T) {
	h := newHarness(t, nil, Options{})
	events := make(chan channel.Event, 4)
	done := make(chan struct{})

	go func() {
		h.machine.Watch(context.Background(), events)
		close(done)
	}()

	events <- channel.Event{Kind: channel.EventConnecting}
	events <- channel.Event{Kind: channel.EventConnected}
	h.waitFor(t, func(s Snapshot) bool { return s.Channel == types.ChannelConnected })
	assert.Equal(t, types.ChannelConnected, h.machine.ChannelStatus())

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after events closed")
	}
}
