package chat

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/user/sessionchat/internal/state"
	"github.com/user/sessionchat/internal/types"
	"github.com/user/sessionchat/pkg/backend"
)

const frozenMillis = 1_700_000_000_000

type fakeBackend struct {
	mu        sync.Mutex
	requests  []backend.ChatRequest
	gate      chan struct{}
	reply     func(req backend.ChatRequest) (*backend.ChatResponse, error)
	history   map[types.SessionID][]backend.HistoryMessage
	fetchErr  error
	createID  types.SessionID
	createErr error
	list      []backend.Summary
	listFor   map[types.SessionID][]backend.Summary
	listGate  chan struct{}
	listCalls int
	listed    []types.SessionID
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{history: make(map[types.SessionID][]backend.HistoryMessage)}
}

func (b *fakeBackend) FetchConversation(ctx context.Context, sessionID types.SessionID) (*backend.History, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	msgs, ok := b.history[sessionID]
	if !ok {
		return nil, &backend.SyncError{Op: "fetch conversation", Status: 404, Err: backend.ErrNotFound}
	}
	return &backend.History{SessionID: sessionID, Messages: msgs}, nil
}

func (b *fakeBackend) ListConversations(ctx context.Context, sessionID types.SessionID) ([]backend.Summary, error) {
	b.mu.Lock()
	b.listCalls++
	b.listed = append(b.listed, sessionID)
	gate := b.listGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if list, ok := b.listFor[sessionID]; ok {
		return list, nil
	}
	return b.list, nil
}

func (b *fakeBackend) listedSessions() []types.SessionID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.listed)
}

func (b *fakeBackend) CreateConversation(ctx context.Context, title string) (types.SessionID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return "", b.createErr
	}
	return b.createID, nil
}

func (b *fakeBackend) Chat(ctx context.Context, req backend.ChatRequest) (*backend.ChatResponse, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	gate, reply := b.gate, b.reply
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, &backend.SyncError{Op: "chat", Err: ctx.Err()}
		}
	}
	if reply != nil {
		return reply(req)
	}
	return &backend.ChatResponse{AssistantReply: "echo: " + req.Message}, nil
}

func (b *fakeBackend) KeepAlive(ctx context.Context) error { return nil }

func (b *fakeBackend) chatRequests() []backend.ChatRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]backend.ChatRequest(nil), b.requests...)
}

type fakeBinder struct {
	mu  sync.Mutex
	ids []types.SessionID
}

func (f *fakeBinder) Rebind(id types.SessionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
}

func (f *fakeBinder) bound() []types.SessionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.SessionID(nil), f.ids...)
}

type rejectBudget struct{}

func (rejectBudget) Check(text string) error {
	if len(text) > 10 {
		return errors.New("message is too long")
	}
	return nil
}

type harness struct {
	machine  *Machine
	backend  *fakeBackend
	kv       *state.MemoryKV
	identity *state.Identity
	archive  *state.Archive
	binder   *fakeBinder
}

func frozenClock() time.Time { return time.UnixMilli(frozenMillis) }

// newHarness builds a started machine over in-memory stores.
func newHarness(t *testing.T, be *fakeBackend, opts Options, setup ...func(*Deps)) *harness {
	t.Helper()
	if be == nil {
		be = newFakeBackend()
	}
	if opts.Now == nil {
		opts.Now = frozenClock
	}

	kv := state.NewMemoryKV()
	h := &harness{
		backend:  be,
		kv:       kv,
		identity: state.NewIdentity(kv, nil),
		archive:  state.NewArchive(kv, nil),
		binder:   &fakeBinder{},
	}
	deps := Deps{
		Identity: h.identity,
		Archive:  h.archive,
		Backend:  be,
		Channel:  h.binder,
	}
	for _, fn := range setup {
		fn(&deps)
	}

	h.machine = New(deps, opts)
	require.NoError(t, h.machine.Start(context.Background()))
	t.Cleanup(h.machine.Close)
	return h
}

// waitFor polls the machine snapshot until cond holds.
func (h *harness) waitFor(t *testing.T, cond func(Snapshot) bool) Snapshot {
	t.Helper()
	var snap Snapshot
	require.Eventually(t, func() bool {
		snap = h.machine.Snapshot()
		return cond(snap)
	}, 2*time.Second, 5*time.Millisecond)
	return snap
}

func messageStatus(id types.MessageID, status types.MessageStatus) func(Snapshot) bool {
	return func(s Snapshot) bool {
		msg, ok := s.Message(id)
		return ok && msg.Status == status
	}
}

func requestFor(msg string) backend.ChatRequest {
	return backend.ChatRequest{Message: msg}
}
