package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/user/sessionchat/internal/delivery"
	"github.com/user/sessionchat/internal/types"
	"github.com/user/sessionchat/pkg/backend"
)

// Defaults for Options.
const (
	DefaultModel        = "gpt-4o-mini"
	DefaultTemperature  = 0.7
	DefaultSystemPrompt = "You are a helpful assistant. Provide relevant responses."
	DefaultNewTitle     = "New Conversation"
	DefaultStageDelay   = time.Second
	DefaultWelcome      = "**Welcome!** Ask a question, attach a file, or start a new conversation."

	// BannerReconnectFailed is shown once the channel gives up reconnecting.
	BannerReconnectFailed = "Unable to reconnect to the server."

	errorGeneric     = "Error: Something went wrong."
	errorInterrupted = "Error: Response was interrupted."
)

// IdentityStore holds the active session id.
type IdentityStore interface {
	GetOrCreate() (id types.SessionID, created bool)
	Set(id types.SessionID)
}

// ArchiveStore holds local conversation snapshots.
type ArchiveStore interface {
	List() []types.ArchiveEntry
	Get(id types.ArchiveID) (types.ArchiveEntry, bool)
	Archive(sessionID types.SessionID, messages []types.Message) (types.ArchiveEntry, bool)
	Remove(id types.ArchiveID)
}

// ChannelBinder keeps the real-time channel on the active session.
type ChannelBinder interface {
	Rebind(sessionID types.SessionID)
}

// Budget validates outgoing text.
type Budget interface {
	Check(text string) error
}

// ActivityRecorder is told about user activity.
type ActivityRecorder interface {
	Touch()
}

// Deps are the collaborators of a Machine. Channel, Router, Budget and
// Activity are optional.
type Deps struct {
	Identity IdentityStore
	Archive  ArchiveStore
	Backend  backend.Backend
	Channel  ChannelBinder
	Router   *delivery.Router
	Budget   Budget
	Activity ActivityRecorder
}

// Options tune a Machine. Zero values take the defaults above.
type Options struct {
	Model         string
	Temperature   float64
	SystemPrompt  string
	NewTitle      string
	Welcome       string
	StageDelay    time.Duration
	MaxConcurrent int64
	// KeepWelcome leaves the welcome message in place on the first send
	// instead of dropping it.
	KeepWelcome bool
	Logger      *slog.Logger
	// Now is the clock used for message ids. Defaults to time.Now.
	Now func() time.Time
}

// Snapshot is a read-only view of the machine state.
type Snapshot struct {
	SessionID  types.SessionID
	Messages   []types.Message
	Archive    []types.ArchiveEntry
	ServerList []backend.Summary
	Channel    types.ChannelStatus
	Banner     string
	Notice     string
	Status     string
	Input      string
	Uploads    []string
}

// Pending reports whether any message is still waiting for a reply.
func (s Snapshot) Pending() bool {
	return slices.ContainsFunc(s.Messages, func(m types.Message) bool {
		return m.Status == types.StatusPending
	})
}

// Message finds a message by id.
func (s Snapshot) Message(id types.MessageID) (types.Message, bool) {
	i := slices.IndexFunc(s.Messages, func(m types.Message) bool { return m.ID == id })
	if i < 0 {
		return types.Message{}, false
	}
	return s.Messages[i], true
}

// Machine owns the active conversation. Every state transition runs to
// completion under one lock; network calls and timers run outside it.
type Machine struct {
	deps     Deps
	opts     Options
	logger   *slog.Logger
	dispatch *dispatcher
	refresh  singleflight.Group
	inflight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	closed     bool
	ids        *types.IDMinter
	sessionID  types.SessionID
	epoch      uint64
	revision   uint64
	messages   []types.Message
	input      string
	uploads    []backend.Upload
	serverList []backend.Summary
	channel    types.ChannelStatus
	banner     string
	notice     string
	status     string
	subs       map[string]chan Snapshot
	outcomes   map[TurnStatus]int
	done       chan struct{}
}

// New creates a Machine. Call Start before use.
func New(deps Deps, opts Options) *Machine {
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	if opts.NewTitle == "" {
		opts.NewTitle = DefaultNewTitle
	}
	if opts.Welcome == "" {
		opts.Welcome = DefaultWelcome
	}
	if opts.StageDelay < 0 {
		opts.StageDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	m := &Machine{
		deps:     deps,
		opts:     opts,
		logger:   opts.Logger.With("component", "chat"),
		ids:      types.NewIDMinter(opts.Now),
		channel:  types.ChannelDisconnected,
		subs:     make(map[string]chan Snapshot),
		outcomes: make(map[TurnStatus]int),
		done:     make(chan struct{}),
	}
	m.dispatch = newDispatcher(opts.MaxConcurrent, m.runTurn, m.abandonTurn, m.logger)

	if deps.Router != nil {
		deps.Router.Register(delivery.EventStatusUpdate, m.onStatusUpdate)
		deps.Router.Register(delivery.EventTaskComplete, m.onTaskComplete)
	}
	return m
}

// Start resolves the session id and shows the welcome message. A newly
// created session is archived right away so it appears in the archive list.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("chat: already started")
	}
	m.started = true
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.dispatch.start(m.ctx)

	id, created := m.deps.Identity.GetOrCreate()
	m.sessionID = id
	m.messages = []types.Message{m.welcome()}
	if created {
		m.deps.Archive.Archive(id, m.messages)
	}
	m.logger.Info("conversation started", "session_id", id, "new_session", created)
	m.publishLocked()
	m.mu.Unlock()

	if m.deps.Channel != nil {
		m.deps.Channel.Rebind(id)
	}
	m.refreshServerList()
	return nil
}

// Close stops the dispatcher and waits for background work. Every pending
// placeholder has settled when Close returns.
func (m *Machine) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.dispatch.stop()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	m.mu.Lock()
	for id, ch := range m.subs {
		close(ch)
		delete(m.subs, id)
	}
	close(m.done)
	m.mu.Unlock()
}

func (m *Machine) welcome() types.Message {
	return types.Message{
		ID:      types.WelcomeMessageID,
		Role:    types.RoleAssistant,
		Content: m.opts.Welcome,
		Status:  types.StatusFinal,
	}
}

// SessionID returns the active session id.
func (m *Machine) SessionID() types.SessionID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// SetInput replaces the input buffer.
func (m *Machine) SetInput(text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.input = text
	m.publishLocked()
}

// Attach adds a file to the next submission.
func (m *Machine) Attach(upload backend.Upload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads = append(m.uploads, upload)
	m.publishLocked()
}

// Submit sends the input buffer and selected uploads.
func (m *Machine) Submit() (types.MessageID, error) {
	m.mu.Lock()
	text, uploads := m.input, slices.Clone(m.uploads)
	m.mu.Unlock()
	return m.SendMessage(text, uploads)
}

// SendMessage appends the user message and its pending placeholder in one
// transition, clears the input buffer, and queues the request. It returns
// the placeholder id.
func (m *Machine) SendMessage(text string, uploads []backend.Upload) (types.MessageID, error) {
	if strings.TrimSpace(text) == "" && len(uploads) == 0 {
		return 0, &ValidationError{Reason: "message is empty"}
	}
	if m.deps.Budget != nil && text != "" {
		if err := m.deps.Budget.Check(text); err != nil {
			return 0, &ValidationError{Reason: err.Error()}
		}
	}

	m.mu.Lock()
	if !m.started || m.closed {
		m.mu.Unlock()
		return 0, errors.New("chat: machine not running")
	}

	userID, placeholderID := m.ids.Pair()
	user := types.Message{
		ID:      userID,
		Role:    types.RoleUser,
		Content: text,
		Status:  types.StatusFinal,
	}
	for _, up := range uploads {
		user.Attachments = append(user.Attachments, types.Attachment{Name: up.Name, MediaType: up.MediaType})
	}
	placeholder := types.Message{
		ID:      placeholderID,
		Role:    types.RoleAssistant,
		Content: LabelThinking,
		Status:  types.StatusPending,
	}

	if !m.opts.KeepWelcome {
		m.messages = slices.DeleteFunc(m.messages, func(msg types.Message) bool {
			return msg.ID == types.WelcomeMessageID
		})
	}
	m.messages = append(m.messages, user, placeholder)
	m.revision++
	m.input = ""
	m.uploads = nil
	m.notice = ""

	turn := newTurn(m.sessionID, m.epoch, userID, placeholderID, backend.ChatRequest{
		Message:      text,
		Model:        m.opts.Model,
		SystemPrompt: m.opts.SystemPrompt,
		Temperature:  m.opts.Temperature,
		Room:         m.sessionID,
		Uploads:      slices.Clone(uploads),
	})
	m.inflight.Add(1)
	if err := m.dispatch.enqueue(turn); err != nil {
		m.inflight.Add(-1)
		m.settleLocked(turn, types.StatusError, errorContent(err))
		m.finishLocked(turn, TurnFailed, err)
		m.publishLocked()
		m.mu.Unlock()
		return placeholderID, nil
	}
	m.publishLocked()
	m.mu.Unlock()

	if m.deps.Activity != nil {
		m.deps.Activity.Touch()
	}
	m.logger.Debug("turn queued", "session_id", turn.SessionID, "placeholder_id", placeholderID)
	return placeholderID, nil
}

// runTurn issues the chat request for one turn. Called by the dispatcher.
func (m *Machine) runTurn(ctx context.Context, turn *Turn) {
	m.mu.Lock()
	turn.start()
	m.mu.Unlock()

	resp, err := m.deps.Backend.Chat(ctx, turn.Request)
	switch {
	case err != nil:
		m.failTurn(turn, err, errorContent(err))
	case resp.Error != "":
		m.failTurn(turn, &ServerReportedError{Message: resp.Error}, "Error: "+resp.Error)
	default:
		m.labelTurn(turn, resp)
	}
}

// abandonTurn settles a turn that was never sent.
func (m *Machine) abandonTurn(turn *Turn) {
	m.failTurn(turn, context.Canceled, errorInterrupted)
}

// errorContent is the placeholder text for a failed request.
func errorContent(err error) string {
	var se *backend.SyncError
	switch {
	case errors.Is(err, context.Canceled):
		return errorInterrupted
	case errors.As(err, &se) && se.Message() != "":
		return "Error: " + se.Message()
	case err != nil && err.Error() != "":
		return "Error: " + err.Error()
	default:
		return errorGeneric
	}
}

// current reports whether turn still belongs to the active conversation.
// Caller must hold the lock.
func (m *Machine) current(turn *Turn) bool {
	return turn.SessionID == m.sessionID && turn.Epoch == m.epoch
}

func (m *Machine) failTurn(turn *Turn, err error, content string) {
	defer m.inflight.Add(-1)

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.current(turn) {
		m.finishLocked(turn, TurnDiscarded, err)
		return
	}
	m.settleLocked(turn, types.StatusError, content)

	var reported *ServerReportedError
	if errors.As(err, &reported) {
		m.notice = reported.Message
	}
	m.finishLocked(turn, TurnFailed, err)
	m.publishLocked()
}

// labelTurn shows the intent label, then finalizes the reply after the
// stage delay.
func (m *Machine) labelTurn(turn *Turn, resp *backend.ChatResponse) {
	m.mu.Lock()
	if !m.current(turn) {
		m.finishLocked(turn, TurnDiscarded, nil)
		m.mu.Unlock()
		m.inflight.Add(-1)
		return
	}
	if att, ok := resp.Attachment(); ok {
		m.mergeAttachmentLocked(turn.UserID, att)
	}
	m.updateLocked(turn.PlaceholderID, func(msg *types.Message) {
		msg.Content = stageLabel(resp.Intent)
	})
	m.publishLocked()
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.inflight.Add(-1)

		if m.opts.StageDelay > 0 {
			timer := time.NewTimer(m.opts.StageDelay)
			select {
			case <-timer.C:
			case <-m.ctx.Done():
				timer.Stop()
			}
		}

		m.mu.Lock()
		if !m.current(turn) {
			m.finishLocked(turn, TurnDiscarded, nil)
			m.mu.Unlock()
			return
		}
		m.finishLocked(turn, TurnComplete, nil)
		m.settleLocked(turn, types.StatusFinal, resp.AssistantReply)
		m.publishLocked()
		m.mu.Unlock()

		m.refreshServerList()
	}()
}

// finishLocked records the outcome of turn and logs its timings.
func (m *Machine) finishLocked(turn *Turn, status TurnStatus, err error) {
	turn.end(status, err)
	m.outcomes[status]++

	queued, ran := turn.timings()
	attrs := []any{
		"session_id", turn.SessionID,
		"placeholder_id", turn.PlaceholderID,
		"status", turn.Status,
		"queued", queued,
		"ran", ran,
	}
	switch status {
	case TurnFailed:
		m.logger.Warn("turn failed", append(attrs, "error", turn.Err)...)
	case TurnDiscarded:
		m.logger.Info("discarding reply for inactive conversation", attrs...)
	default:
		m.logger.Debug("turn complete", attrs...)
	}
}

// Outcomes returns how many turns ended in each status.
func (m *Machine) Outcomes() map[TurnStatus]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.outcomes)
}

// settleLocked replaces the placeholder with its final or error form.
func (m *Machine) settleLocked(turn *Turn, status types.MessageStatus, content string) {
	found := m.updateLocked(turn.PlaceholderID, func(msg *types.Message) {
		if msg.Status != types.StatusPending {
			return
		}
		msg.Status = status
		msg.Content = content
	})
	if !found {
		m.logger.Debug("placeholder gone, nothing to settle", "placeholder_id", turn.PlaceholderID)
	}
}

func (m *Machine) updateLocked(id types.MessageID, fn func(*types.Message)) bool {
	for i := range m.messages {
		if m.messages[i].ID == id {
			fn(&m.messages[i])
			m.revision++
			return true
		}
	}
	return false
}

func (m *Machine) mergeAttachmentLocked(userID types.MessageID, att types.Attachment) {
	m.updateLocked(userID, func(msg *types.Message) {
		for i := range msg.Attachments {
			if msg.Attachments[i].Name == att.Name {
				msg.Attachments[i].URL = att.URL
				if att.MediaType != "" {
					msg.Attachments[i].MediaType = att.MediaType
				}
				return
			}
		}
		msg.Attachments = append(msg.Attachments, att)
	})
}

// ArchiveCurrent snapshots the active conversation. Empty conversations
// are not archived.
func (m *Machine) ArchiveCurrent() (types.ArchiveEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.archiveLocked()
}

func (m *Machine) archiveLocked() (types.ArchiveEntry, bool) {
	if len(m.messages) == 0 {
		return types.ArchiveEntry{}, false
	}
	entry, ok := m.deps.Archive.Archive(m.sessionID, m.messages)
	if ok {
		m.logger.Info("conversation archived", "session_id", m.sessionID, "archive_id", entry.ID, "messages", len(entry.Messages))
		m.publishLocked()
	}
	return entry, ok
}

// StartNew archives the current conversation and switches to a new
// server-issued session. On failure the current conversation stays active.
func (m *Machine) StartNew(ctx context.Context) (types.SessionID, error) {
	m.ArchiveCurrent()

	id, err := m.deps.Backend.CreateConversation(ctx, m.opts.NewTitle)
	if err != nil {
		m.logger.Warn("failed to create conversation", "error", err)
		return "", fmt.Errorf("start new conversation: %w", err)
	}

	m.mu.Lock()
	m.deps.Identity.Set(id)
	m.sessionID = id
	m.epoch++
	m.revision++
	m.messages = []types.Message{m.welcome()}
	m.notice = ""
	m.status = ""
	m.deps.Archive.Archive(id, m.messages)
	m.logger.Info("new conversation", "session_id", id)
	m.publishLocked()
	m.mu.Unlock()

	if m.deps.Channel != nil {
		m.deps.Channel.Rebind(id)
	}
	m.refreshServerList()
	return id, nil
}

// LoadArchived makes an archived conversation active. The local snapshot is
// shown at once; a non-empty server history then replaces it, unless the
// conversation changed in the meantime. Returns false if the id is unknown.
func (m *Machine) LoadArchived(ctx context.Context, archiveID types.ArchiveID) bool {
	entry, ok := m.deps.Archive.Get(archiveID)
	if !ok {
		return false
	}

	m.mu.Lock()
	m.deps.Identity.Set(entry.SessionID)
	m.sessionID = entry.SessionID
	m.epoch++
	m.revision++
	m.messages = m.restoreLocked(entry.Messages)
	m.notice = ""
	m.status = ""
	epoch, revision := m.epoch, m.revision
	m.publishLocked()
	m.mu.Unlock()

	if m.deps.Channel != nil {
		m.deps.Channel.Rebind(entry.SessionID)
	}

	history, err := m.deps.Backend.FetchConversation(ctx, entry.SessionID)
	switch {
	case errors.Is(err, backend.ErrNotFound):
		m.logger.Debug("no server copy, using local snapshot", "session_id", entry.SessionID)
		return true
	case err != nil:
		m.logger.Warn("server fetch failed, using local snapshot", "session_id", entry.SessionID, "error", err)
		return true
	case len(history.Messages) == 0:
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch != epoch || m.revision != revision {
		m.logger.Debug("conversation changed during fetch, keeping it", "session_id", entry.SessionID)
		return true
	}
	m.messages = m.fromServerLocked(history.Messages)
	m.revision++
	m.publishLocked()
	return true
}

// restoreLocked copies an archived snapshot into the active conversation.
// A placeholder archived mid-flight is shown as interrupted.
func (m *Machine) restoreLocked(snapshot []types.Message) []types.Message {
	msgs := types.CloneMessages(snapshot)
	for i := range msgs {
		m.ids.Observe(msgs[i].ID)
		if msgs[i].Status == types.StatusPending {
			msgs[i].Status = types.StatusError
			msgs[i].Content = errorInterrupted
		}
	}
	return msgs
}

func (m *Machine) fromServerLocked(history []backend.HistoryMessage) []types.Message {
	msgs := make([]types.Message, 0, len(history))
	for _, h := range history {
		role := types.RoleAssistant
		if h.Role == string(types.RoleUser) {
			role = types.RoleUser
		}
		msgs = append(msgs, types.Message{
			ID:      m.ids.Next(),
			Role:    role,
			Content: h.Content,
			Status:  types.StatusFinal,
		})
	}
	return msgs
}

// DeleteArchived removes an archive entry. The active conversation is not
// affected, even when it belongs to the same session.
func (m *Machine) DeleteArchived(archiveID types.ArchiveID) {
	m.deps.Archive.Remove(archiveID)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishLocked()
}

// Clear empties the active conversation without archiving it.
func (m *Machine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = nil
	m.epoch++
	m.revision++
	m.notice = ""
	m.publishLocked()
}

// DismissNotice clears the inline notice.
func (m *Machine) DismissNotice() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notice = ""
	m.publishLocked()
}

// WaitIdle blocks until no turn is in flight, or the timeout expires.
// Returns true if idle, false if timed out.
func (m *Machine) WaitIdle(timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.inflight.Load() == 0 {
			return true
		}
		select {
		case <-deadline:
			return false
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// refreshServerList reloads the server-side conversation list in the
// background. Concurrent refreshes share one request.
func (m *Machine) refreshServerList() {
	m.mu.Lock()
	if m.closed || m.ctx == nil {
		m.mu.Unlock()
		return
	}
	sessionID := m.sessionID
	ctx := m.ctx
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		v, err, _ := m.refresh.Do("conversations:"+string(sessionID), func() (any, error) {
			return m.deps.Backend.ListConversations(ctx, sessionID)
		})
		if err != nil {
			m.logger.Debug("conversation list refresh failed", "error", err)
			return
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		if sessionID != m.sessionID {
			return
		}
		m.serverList = slices.Clone(v.([]backend.Summary))
		m.publishLocked()
	}()
}

func (m *Machine) onStatusUpdate(sessionID types.SessionID, payload json.RawMessage) error {
	update, err := delivery.Decode[delivery.StatusUpdate](payload)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if sessionID != m.sessionID {
		return nil
	}
	m.status = update.Message
	m.publishLocked()
	return nil
}

func (m *Machine) onTaskComplete(sessionID types.SessionID, payload json.RawMessage) error {
	if _, err := delivery.Decode[delivery.TaskComplete](payload); err != nil {
		return err
	}
	m.mu.Lock()
	if sessionID == m.sessionID {
		m.status = ""
		m.publishLocked()
	}
	m.mu.Unlock()

	m.refreshServerList()
	return nil
}

// Snapshot returns the current state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	names := make([]string, len(m.uploads))
	for i, up := range m.uploads {
		names[i] = up.Name
	}
	return Snapshot{
		SessionID:  m.sessionID,
		Messages:   types.CloneMessages(m.messages),
		Archive:    m.deps.Archive.List(),
		ServerList: slices.Clone(m.serverList),
		Channel:    m.channel,
		Banner:     m.banner,
		Notice:     m.notice,
		Status:     m.status,
		Input:      m.input,
		Uploads:    names,
	}
}

// Subscribe returns a channel that always holds the latest snapshot;
// intermediate states may be skipped. The channel is closed when ctx is
// cancelled or the machine is closed.
func (m *Machine) Subscribe(ctx context.Context) <-chan Snapshot {
	subID := uuid.New().String()
	ch := make(chan Snapshot, 1)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(ch)
		return ch
	}
	m.subs[subID] = ch
	ch <- m.snapshotLocked()
	m.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-m.done:
			return
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if c, ok := m.subs[subID]; ok {
			delete(m.subs, subID)
			close(c)
		}
	}()
	return ch
}

// publishLocked offers the current snapshot to every subscriber, replacing
// any snapshot not yet received. Caller must hold the lock.
func (m *Machine) publishLocked() {
	if len(m.subs) == 0 {
		return
	}
	snap := m.snapshotLocked()
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snap:
		default:
		}
	}
}
