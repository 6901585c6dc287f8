// Package devserver is an in-memory conversation server for local runs and
// end-to-end tests. It speaks the same REST and websocket protocol the
// client expects from a real deployment.
package devserver

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/user/sessionchat/internal/channel"
	"github.com/user/sessionchat/internal/delivery"
	"github.com/user/sessionchat/internal/types"
	"github.com/user/sessionchat/pkg/backend"
)

const (
	maxUploadBytes = 10 << 20
	maxListed      = 10
	pingInterval   = 20 * time.Second
)

// ReplyFunc produces the assistant reply for a user message.
type ReplyFunc func(message string) string

// EchoReply answers with the user's own message.
func EchoReply(message string) string {
	return "You said: " + message
}

// Options configures a Server.
type Options struct {
	Reply  ReplyFunc
	Logger *slog.Logger
	Now    func() time.Time
}

type conversation struct {
	title     string
	createdAt time.Time
	history   []backend.HistoryMessage
}

type upload struct {
	mediaType string
	data      []byte
}

// Server is an http.Handler serving the conversation API.
type Server struct {
	reply    ReplyFunc
	logger   *slog.Logger
	now      func() time.Time
	mux      *http.ServeMux
	hub      *hub
	upgrader websocket.Upgrader

	mu            sync.Mutex
	conversations map[types.SessionID]*conversation
	uploads       map[string]upload
	chats         int
}

// New creates a Server.
func New(opts Options) *Server {
	if opts.Reply == nil {
		opts.Reply = EchoReply
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{
		reply:  opts.Reply,
		logger: opts.Logger.With("component", "devserver"),
		now:    opts.Now,
		mux:    http.NewServeMux(),
		hub:    newHub(),
		upgrader: websocket.Upgrader{
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
		conversations: make(map[types.SessionID]*conversation),
		uploads:       make(map[string]upload),
	}
	s.mux.HandleFunc("GET /ping", s.handlePing)
	s.mux.HandleFunc("GET /conversations", s.handleConversations)
	s.mux.HandleFunc("POST /conversations/new", s.handleNewConversation)
	s.mux.HandleFunc("POST /chat", s.handleChat)
	s.mux.HandleFunc("GET /uploads/{name}", s.handleUpload)
	s.mux.HandleFunc("GET /socket", s.handleSocket)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Close disconnects every websocket client and waits for their handlers.
func (s *Server) Close() {
	s.hub.closeAll()
	s.hub.wg.Wait()
}

// Connections returns the number of open websocket connections for a session.
func (s *Server) Connections(sessionID types.SessionID) int {
	return s.hub.count(sessionID)
}

// Drop closes the session's websocket connections without a close frame.
func (s *Server) Drop(sessionID types.SessionID) int {
	return s.hub.drop(sessionID)
}

// Emit pushes a server event to the session's connections.
func (s *Server) Emit(sessionID types.SessionID, name string, data any) int {
	return s.hub.emit(sessionID, name, data)
}

// Seed stores a conversation history as if it had been chatted.
func (s *Server) Seed(sessionID types.SessionID, title string, history []backend.HistoryMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv := s.conversationLocked(sessionID)
	if title != "" {
		conv.title = title
	}
	conv.history = append(conv.history, history...)
}

// History returns a copy of the stored history for a session.
func (s *Server) History(sessionID types.SessionID) []backend.HistoryMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[sessionID]; ok {
		return slices.Clone(conv.history)
	}
	return nil
}

// Chats returns how many chat requests succeeded.
func (s *Server) Chats() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chats
}

func (s *Server) conversationLocked(sessionID types.SessionID) *conversation {
	conv, ok := s.conversations[sessionID]
	if !ok {
		conv = &conversation{title: "New Conversation", createdAt: s.now()}
		s.conversations[sessionID] = conv
	}
	return conv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type conversationsResponse struct {
	SessionID     string                   `json:"session_id"`
	History       []backend.HistoryMessage `json:"conversation_history"`
	Conversations []backend.Summary        `json:"conversations"`
}

func (s *Server) handleConversations(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	s.mu.Lock()
	resp := conversationsResponse{
		SessionID:     string(sessionID),
		History:       []backend.HistoryMessage{},
		Conversations: s.summariesLocked(),
	}
	if conv, ok := s.conversations[sessionID]; ok {
		resp.History = slices.Clone(conv.history)
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

// summariesLocked lists conversations newest first.
func (s *Server) summariesLocked() []backend.Summary {
	type row struct {
		id   types.SessionID
		conv *conversation
	}
	rows := make([]row, 0, len(s.conversations))
	for id, conv := range s.conversations {
		rows = append(rows, row{id, conv})
	}
	slices.SortFunc(rows, func(a, b row) int {
		if c := b.conv.createdAt.Compare(a.conv.createdAt); c != 0 {
			return c
		}
		return strings.Compare(string(a.id), string(b.id))
	})
	if len(rows) > maxListed {
		rows = rows[:maxListed]
	}

	out := make([]backend.Summary, 0, len(rows))
	for _, r := range rows {
		out = append(out, backend.Summary{
			ID:        string(r.id),
			Title:     r.conv.title,
			Timestamp: r.conv.createdAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func (s *Server) handleNewConversation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	// An empty or missing body is allowed.
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	id := types.SessionID(uuid.NewString())
	s.mu.Lock()
	conv := s.conversationLocked(id)
	if body.Title != "" {
		conv.title = body.Title
	}
	title := conv.title
	s.mu.Unlock()

	s.logger.Info("conversation created", "session_id", id, "title", title)
	writeJSON(w, http.StatusOK, map[string]string{"session_id": string(id), "title": title})
}

type chatInput struct {
	Message      string
	Model        string
	SystemPrompt string
	Temperature  float64
	Room         types.SessionID
	FileName     string
	FileType     string
	FileData     []byte
}

type chatResponse struct {
	UserMessage    string         `json:"user_message"`
	AssistantReply string         `json:"assistant_reply"`
	Intent         backend.Intent `json:"intent"`
	FileURL        string         `json:"fileUrl,omitempty"`
	FileName       string         `json:"fileName,omitempty"`
	FileType       string         `json:"fileType,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	in, err := parseChat(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if in.Room == "" {
		writeError(w, http.StatusBadRequest, "room is required")
		return
	}
	if in.Message == "" && in.FileName == "" {
		writeError(w, http.StatusBadRequest, "No valid request data")
		return
	}
	if strings.HasPrefix(in.Message, "/fail") {
		s.logger.Warn("simulated chat failure", "session_id", in.Room)
		writeError(w, http.StatusInternalServerError, "simulated failure")
		return
	}

	resp := chatResponse{Intent: detectIntent(in.Message)}
	if in.FileName != "" {
		resp.FileName = in.FileName
		resp.FileType = in.FileType
		resp.FileURL = s.storeUpload(in.Room, in.FileName, in.FileType, in.FileData)
		if in.Message == "" {
			in.Message = fmt.Sprintf("User uploaded a file named '%s'.", in.FileName)
		}
	}
	resp.UserMessage = in.Message

	s.hub.emit(in.Room, delivery.EventStatusUpdate, delivery.StatusUpdate{Message: statusMessage(resp.Intent)})

	resp.AssistantReply = s.reply(in.Message)

	s.mu.Lock()
	conv := s.conversationLocked(in.Room)
	conv.history = append(conv.history,
		backend.HistoryMessage{Role: "user", Content: in.Message},
		backend.HistoryMessage{Role: "assistant", Content: resp.AssistantReply},
	)
	s.chats++
	s.mu.Unlock()

	s.hub.emit(in.Room, delivery.EventTaskComplete, delivery.TaskComplete{Answer: resp.AssistantReply})

	s.logger.Debug("chat handled",
		"session_id", in.Room,
		"model", in.Model,
		"intent", resp.Intent,
		"file", in.FileName,
	)
	writeJSON(w, http.StatusOK, resp)
}

func parseChat(r *http.Request) (chatInput, error) {
	var in chatInput
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			return in, fmt.Errorf("invalid multipart body: %w", err)
		}
		in.Message = r.FormValue("message")
		in.Model = r.FormValue("model")
		in.SystemPrompt = r.FormValue("system_prompt")
		in.Room = types.SessionID(r.FormValue("room"))
		if t := r.FormValue("temperature"); t != "" {
			if v, err := strconv.ParseFloat(t, 64); err == nil {
				in.Temperature = v
			}
		}
		if file, header, err := r.FormFile("file"); err == nil {
			defer file.Close()
			data, err := io.ReadAll(file)
			if err != nil {
				return in, fmt.Errorf("reading upload: %w", err)
			}
			in.FileName = header.Filename
			in.FileType = header.Header.Get("Content-Type")
			in.FileData = data
		}
		return in, nil
	}

	var body struct {
		Message      string  `json:"message"`
		Model        string  `json:"model"`
		SystemPrompt string  `json:"system_prompt"`
		Temperature  float64 `json:"temperature"`
		Room         string  `json:"room"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		return in, fmt.Errorf("invalid JSON")
	}
	in.Message = body.Message
	in.Model = body.Model
	in.SystemPrompt = body.SystemPrompt
	in.Temperature = body.Temperature
	in.Room = types.SessionID(body.Room)
	return in, nil
}

func (s *Server) storeUpload(room types.SessionID, name, mediaType string, data []byte) string {
	key := string(room) + "-" + name
	s.mu.Lock()
	s.uploads[key] = upload{mediaType: mediaType, data: data}
	s.mu.Unlock()
	return "/uploads/" + key
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	up, ok := s.uploads[r.PathValue("name")]
	s.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "File not found")
		return
	}
	if up.mediaType != "" {
		w.Header().Set("Content-Type", up.mediaType)
	}
	w.Write(up.data)
}

// detectIntent flags a message by keyword.
func detectIntent(message string) backend.Intent {
	m := strings.ToLower(message)
	return backend.Intent{
		InternetSearch:  strings.Contains(m, "search") || strings.Contains(m, "latest"),
		ImageGeneration: strings.Contains(m, "image") || strings.Contains(m, "draw"),
		CodeIntent:      strings.Contains(m, "code") || strings.Contains(m, "function"),
	}
}

func statusMessage(intent backend.Intent) string {
	switch {
	case intent.ImageGeneration:
		return "Generating image..."
	case intent.InternetSearch:
		return "Searching the web..."
	case intent.CodeIntent:
		return "Analyzing code..."
	default:
		return "Thinking..."
	}
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn}

	sessionID := types.SessionID(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		c.write(channel.FrameConnectError, map[string]string{"message": "session_id is required"})
		c.close(websocket.ClosePolicyViolation, "missing session_id")
		return
	}

	s.hub.join(sessionID, c)
	if err := c.write(channel.FrameConnected, map[string]string{"session_id": string(sessionID)}); err != nil {
		s.hub.leave(sessionID, c)
		conn.Close()
		return
	}
	s.logger.Debug("client connected", "session_id", sessionID)

	s.hub.wg.Add(1)
	go func() {
		defer s.hub.wg.Done()
		s.serveClient(sessionID, c)
	}()
}

// serveClient keeps the connection alive until the client goes away.
// Client frames are read and discarded.
func (s *Server) serveClient(sessionID types.SessionID, c *client) {
	done := make(chan struct{})
	defer func() {
		close(done)
		s.hub.leave(sessionID, c)
		c.conn.Close()
		s.logger.Debug("client disconnected", "session_id", sessionID)
	}()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
