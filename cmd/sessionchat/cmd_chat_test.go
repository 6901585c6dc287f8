package main

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/sessionchat/internal/chat"
	"github.com/user/sessionchat/internal/config"
	"github.com/user/sessionchat/internal/devserver"
	"github.com/user/sessionchat/internal/types"
)

func testApp(t *testing.T) *app {
	t.Helper()
	color.NoColor = true

	srv := devserver.New(devserver.Options{})
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Server.BaseURL = ts.URL
	cfg.Server.TimeoutSeconds = 5
	cfg.Storage.Backend = config.StorageMemory
	cfg.Chat.StageDelayMS = 0

	a, err := newApp(cfg, false)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	require.NoError(t, a.start(context.Background()))
	return a
}

func TestOpenKV(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()

	for _, b := range []string{config.StorageFile, config.StorageSQLite, config.StorageMemory} {
		t.Run(b, func(t *testing.T) {
			cfg.Storage.Backend = b
			kv, closeKV, err := openKV(cfg)
			require.NoError(t, err)
			defer closeKV()

			require.NoError(t, kv.Set("k", []byte("v")))
			got, ok, err := kv.Get("k")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "v", string(got))
		})
	}

	cfg.Storage.Backend = "carrier-pigeon"
	_, _, err := openKV(cfg)
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestHandleLine_SendAndRender(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	var out bytes.Buffer

	require.NoError(t, a.handleLine(ctx, "hello there", &out))
	require.True(t, a.machine.WaitIdle(3*time.Second))

	newRenderer(&out).render(a.machine.Snapshot())
	assert.Contains(t, out.String(), "you> hello there")
	assert.Contains(t, out.String(), "assistant> You said: hello there")
}

func TestHandleLine_Commands(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	var out bytes.Buffer

	assert.True(t, errors.Is(a.handleLine(ctx, "/quit", &out), errQuit))

	require.NoError(t, a.handleLine(ctx, "/bogus", &out))
	assert.Contains(t, out.String(), "unknown command /bogus")

	out.Reset()
	require.NoError(t, a.handleLine(ctx, "/load 99", &out))
	assert.Contains(t, out.String(), "usage: /load")

	require.NoError(t, a.handleLine(ctx, "remember me", &out))
	require.True(t, a.machine.WaitIdle(3*time.Second))
	first := a.machine.SessionID()

	require.NoError(t, a.handleLine(ctx, "/new", &out))
	assert.NotEqual(t, first, a.machine.SessionID())

	out.Reset()
	require.NoError(t, a.handleLine(ctx, "/archive", &out))
	assert.Contains(t, out.String(), "remember me")

	out.Reset()
	require.NoError(t, a.handleLine(ctx, "/clear", &out))
	assert.Empty(t, a.machine.Snapshot().Messages)
}

func TestHandleLine_Attach(t *testing.T) {
	a := testApp(t)
	ctx := context.Background()
	var out bytes.Buffer

	path := filepath.Join(t.TempDir(), "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0644))

	require.NoError(t, a.handleLine(ctx, "/attach "+path, &out))
	assert.Contains(t, out.String(), "Attached notes.txt (3 bytes)")
	assert.Equal(t, []string{"notes.txt"}, a.machine.Snapshot().Uploads)

	require.NoError(t, a.handleLine(ctx, "see file", &out))
	require.True(t, a.machine.WaitIdle(3*time.Second))

	var user types.Message
	for _, m := range a.machine.Snapshot().Messages {
		if m.Role == types.RoleUser {
			user = m
		}
	}
	require.Len(t, user.Attachments, 1)
	assert.Equal(t, "notes.txt", user.Attachments[0].Name)
	assert.NotEmpty(t, user.Attachments[0].URL)

	out.Reset()
	require.NoError(t, a.handleLine(ctx, "/attach", &out))
	assert.Contains(t, out.String(), "usage: /attach")
}

func TestHandleLine_Reconnect(t *testing.T) {
	color.NoColor = true

	srv := devserver.New(devserver.Options{})
	var socketUp atomic.Bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/socket" && !socketUp.Load() {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		srv.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Close)

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Server.BaseURL = ts.URL
	cfg.Server.ChannelURL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/socket"
	cfg.Server.TimeoutSeconds = 5
	cfg.Storage.Backend = config.StorageMemory
	cfg.Chat.StageDelayMS = 0
	cfg.Channel.MaxAttempts = 1
	cfg.Channel.InitialDelayMS = 1
	cfg.Channel.MaxDelayMS = 5
	cfg.Channel.HandshakeMS = 2000

	a, err := newApp(cfg, true)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.start(ctx))

	require.Eventually(t, func() bool {
		return a.machine.Snapshot().Banner == chat.BannerReconnectFailed
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.ChannelFailed, a.sup.Status())

	var out bytes.Buffer
	socketUp.Store(true)
	require.NoError(t, a.handleLine(ctx, "/reconnect", &out))
	assert.Contains(t, out.String(), "Reconnecting...")

	require.Eventually(t, func() bool {
		snap := a.machine.Snapshot()
		return snap.Channel == types.ChannelConnected && snap.Banner == ""
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, a.machine.SessionID(), a.sup.SessionID())

	out.Reset()
	require.NoError(t, a.handleLine(ctx, "/reconnect", &out))
	assert.Contains(t, out.String(), "channel is connected")
}

func TestHandleLine_ReconnectWithoutChannel(t *testing.T) {
	a := testApp(t)
	var out bytes.Buffer

	require.NoError(t, a.handleLine(context.Background(), "/reconnect", &out))
	assert.Contains(t, out.String(), "real-time channel is disabled")
}

func TestRenderer_ReplacedConversationReprints(t *testing.T) {
	color.NoColor = true
	var out bytes.Buffer
	r := newRenderer(&out)

	snap := func(ids ...types.MessageID) chat.Snapshot {
		s := chat.Snapshot{SessionID: "s1"}
		for _, id := range ids {
			s.Messages = append(s.Messages, types.Message{ID: id, Role: types.RoleAssistant, Content: "m", Status: types.StatusFinal})
		}
		return s
	}

	r.render(snap(1, 2))
	r.render(snap(1, 2))
	r.render(snap(3, 4))

	assert.Equal(t, 2, bytes.Count(out.Bytes(), []byte("-- conversation s1 --")))
	assert.Equal(t, 4, bytes.Count(out.Bytes(), []byte("assistant> m")))
}
