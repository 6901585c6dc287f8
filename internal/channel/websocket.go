package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/sessionchat/internal/types"
)

const (
	// FrameConnected is the server's acknowledgement of a new connection.
	FrameConnected = "connected"
	// FrameConnectError is sent instead of FrameConnected when the server
	// refuses the connection.
	FrameConnectError = "connect_error"
)

// WebSocketDialer connects to the server's websocket endpoint. Frames are
// JSON objects of the form {"event": name, "data": {...}}.
type WebSocketDialer struct {
	// URL is the channel endpoint, e.g. ws://localhost:5000/socket.
	URL string
	// HandshakeTimeout bounds both the websocket upgrade and the wait for the
	// server's connected frame.
	HandshakeTimeout time.Duration

	dialer *websocket.Dialer
}

// NewWebSocketDialer creates a dialer for the given endpoint.
func NewWebSocketDialer(endpoint string, handshakeTimeout time.Duration) *WebSocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebSocketDialer{
		URL:              endpoint,
		HandshakeTimeout: handshakeTimeout,
		dialer: &websocket.Dialer{
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial opens the connection and waits for the server's connected frame.
func (d *WebSocketDialer) Dial(ctx context.Context, sessionID types.SessionID) (Conn, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing channel url: %w", err)
	}
	q := u.Query()
	q.Set("session_id", string(sessionID))
	u.RawQuery = q.Encode()

	ws, _, err := d.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dialing channel: %w", err)
	}

	conn := &wsConn{ws: ws}
	if err := conn.awaitAck(d.HandshakeTimeout); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

type wsConn struct {
	ws        *websocket.Conn
	closeOnce sync.Once
}

func (c *wsConn) awaitAck(timeout time.Duration) error {
	if err := c.ws.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("setting handshake deadline: %w", err)
	}
	frame, err := c.Next()
	if err != nil {
		return fmt.Errorf("waiting for connected frame: %w", err)
	}

	switch frame.Name {
	case FrameConnected:
		return c.ws.SetReadDeadline(time.Time{})
	case FrameConnectError:
		var body struct {
			Message string `json:"message"`
		}
		json.Unmarshal(frame.Payload, &body)
		if body.Message == "" {
			body.Message = "connection refused by server"
		}
		return errors.New(body.Message)
	default:
		return fmt.Errorf("unexpected first frame %q", frame.Name)
	}
}

func (c *wsConn) Next() (ServerEvent, error) {
	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			return ServerEvent{}, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		var frame ServerEvent
		if err := json.Unmarshal(data, &frame); err != nil || frame.Name == "" {
			continue
		}
		return frame, nil
	}
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}
