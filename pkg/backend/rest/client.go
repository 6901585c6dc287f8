package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/textproto"
	"net/url"
	"strconv"
	"time"

	"github.com/user/sessionchat/internal/types"
	"github.com/user/sessionchat/pkg/backend"
)

// Client implements backend.Backend over the conversation server's REST API.
// Cookies set by the server are kept and sent on every request.
type Client struct {
	config     *backend.Config
	httpClient *http.Client
	logger     *slog.Logger
}

var _ backend.Backend = (*Client)(nil)

// New creates a REST client with the given configuration. Pass nil logger
// for default.
func New(config *backend.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := 60 * time.Second
	if config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}
	// cookiejar.New only fails on a bad PublicSuffixList, and we pass none.
	jar, _ := cookiejar.New(nil)
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Jar:     jar,
		},
		logger: logger.With("component", "rest"),
	}
}

// chatRequest is the JSON body of POST /chat.
type chatRequest struct {
	Message      string  `json:"message"`
	Model        string  `json:"model"`
	SystemPrompt string  `json:"system_prompt"`
	Temperature  float64 `json:"temperature"`
	Room         string  `json:"room"`
}

// conversationResponse covers every shape GET /conversations returns: the
// history at the top level, nested under "conversation", and the list.
type conversationResponse struct {
	SessionID     string                   `json:"session_id"`
	History       []backend.HistoryMessage `json:"conversation_history"`
	Conversation  *conversationResponse    `json:"conversation"`
	Conversations []backend.Summary        `json:"conversations"`
}

func (r *conversationResponse) history() []backend.HistoryMessage {
	if r.Conversation != nil && len(r.Conversation.History) > 0 {
		return r.Conversation.History
	}
	return r.History
}

// createResponse is the body of POST /conversations/new.
type createResponse struct {
	SessionID string `json:"session_id"`
}

// errorBody is the error shape of any non-success response.
type errorBody struct {
	Error string `json:"error"`
}

// FetchConversation loads the server's history for a session.
func (c *Client) FetchConversation(ctx context.Context, sessionID types.SessionID) (*backend.History, error) {
	var resp conversationResponse
	if err := c.getConversations(ctx, "fetch conversation", sessionID, &resp); err != nil {
		return nil, err
	}

	history := &backend.History{SessionID: sessionID, Messages: resp.history()}
	if history.Messages == nil {
		history.Messages = []backend.HistoryMessage{}
	}
	return history, nil
}

// ListConversations loads the server-side conversation list.
func (c *Client) ListConversations(ctx context.Context, sessionID types.SessionID) ([]backend.Summary, error) {
	var resp conversationResponse
	if err := c.getConversations(ctx, "list conversations", sessionID, &resp); err != nil {
		return nil, err
	}
	if resp.Conversations == nil {
		return []backend.Summary{}, nil
	}
	return resp.Conversations, nil
}

func (c *Client) getConversations(ctx context.Context, op string, sessionID types.SessionID, out any) error {
	endpoint := c.config.BaseURL + "/conversations?session_id=" + url.QueryEscape(string(sessionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &backend.SyncError{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	err = c.do(req, op, out)
	var se *backend.SyncError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		se.Err = backend.ErrNotFound
	}
	return err
}

// CreateConversation asks the server for a new session id.
func (c *Client) CreateConversation(ctx context.Context, title string) (types.SessionID, error) {
	const op = "create conversation"

	body, err := json.Marshal(map[string]string{"title": title})
	if err != nil {
		return "", &backend.SyncError{Op: op, Err: fmt.Errorf("marshaling request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/conversations/new", bytes.NewReader(body))
	if err != nil {
		return "", &backend.SyncError{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	var resp createResponse
	if err := c.do(req, op, &resp); err != nil {
		return "", err
	}
	if resp.SessionID == "" {
		return "", &backend.SyncError{Op: op, Status: http.StatusOK, Reason: "response missing session_id"}
	}
	return types.SessionID(resp.SessionID), nil
}

// Chat sends one turn. Requests with uploads are sent as multipart/form-data,
// others as JSON. A reply whose body carries an error field is returned as a
// response with Error set, not as a transport error.
func (c *Client) Chat(ctx context.Context, chatReq backend.ChatRequest) (*backend.ChatResponse, error) {
	const op = "chat"

	var (
		body        io.Reader
		contentType string
		err         error
	)
	if len(chatReq.Uploads) > 0 {
		body, contentType, err = encodeMultipart(chatReq)
	} else {
		body, contentType, err = encodeJSON(chatReq)
	}
	if err != nil {
		return nil, &backend.SyncError{Op: op, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/chat", body)
	if err != nil {
		return nil, &backend.SyncError{Op: op, Err: fmt.Errorf("creating request: %w", err)}
	}
	req.Header.Set("Content-Type", contentType)

	var resp backend.ChatResponse
	if err := c.do(req, op, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// KeepAlive pings the server.
func (c *Client) KeepAlive(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+"/ping", nil)
	if err != nil {
		return &backend.SyncError{Op: "ping", Err: fmt.Errorf("creating request: %w", err)}
	}
	return c.do(req, "ping", nil)
}

// do sends the request and decodes a success body into out (if non-nil).
func (c *Client) do(req *http.Request, op string, out any) error {
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &backend.SyncError{Op: op, Err: fmt.Errorf("sending request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &backend.SyncError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("reading response: %w", err)}
	}

	c.logger.Debug("request complete",
		"op", op,
		"status", resp.StatusCode,
		"duration", time.Since(start),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &backend.SyncError{Op: op, Status: resp.StatusCode, Reason: errorReason(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &backend.SyncError{Op: op, Status: resp.StatusCode, Reason: "malformed response", Err: err}
	}
	return nil
}

// errorReason extracts the server's error field from a failure body.
func errorReason(body []byte) string {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil && eb.Error != "" {
		return eb.Error
	}
	return ""
}

func encodeJSON(req backend.ChatRequest) (io.Reader, string, error) {
	data, err := json.Marshal(chatRequest{
		Message:      req.Message,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Temperature:  req.Temperature,
		Room:         string(req.Room),
	})
	if err != nil {
		return nil, "", fmt.Errorf("marshaling request: %w", err)
	}
	return bytes.NewReader(data), "application/json", nil
}

func encodeMultipart(req backend.ChatRequest) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := []struct{ name, value string }{
		{"message", req.Message},
		{"model", req.Model},
		{"system_prompt", req.SystemPrompt},
		{"temperature", strconv.FormatFloat(req.Temperature, 'f', -1, 64)},
		{"room", string(req.Room)},
	}
	for _, f := range fields {
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", fmt.Errorf("writing field %s: %w", f.name, err)
		}
	}

	for _, up := range req.Uploads {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, up.Name))
		mediaType := up.MediaType
		if mediaType == "" {
			mediaType = "application/octet-stream"
		}
		h.Set("Content-Type", mediaType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", fmt.Errorf("creating file part: %w", err)
		}
		if _, err := part.Write(up.Data); err != nil {
			return nil, "", fmt.Errorf("writing file part: %w", err)
		}
	}

	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("closing multipart body: %w", err)
	}
	return &buf, w.FormDataContentType(), nil
}
