package devserver

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/sessionchat/internal/channel"
	"github.com/user/sessionchat/internal/types"
)

const writeWait = 10 * time.Second

// client is one websocket connection. Writes are serialized per connection.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(name string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(channel.ServerEvent{Name: name, Payload: payload})
}

func (c *client) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *client) close(code int, text string) {
	c.mu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	c.mu.Unlock()
	c.conn.Close()
}

// hub tracks connections by room. A room is a session id.
type hub struct {
	mu    sync.Mutex
	rooms map[types.SessionID]map[*client]struct{}
	wg    sync.WaitGroup
}

func newHub() *hub {
	return &hub{rooms: make(map[types.SessionID]map[*client]struct{})}
}

func (h *hub) join(room types.SessionID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.rooms[room]
	if !ok {
		set = make(map[*client]struct{})
		h.rooms[room] = set
	}
	set[c] = struct{}{}
}

func (h *hub) leave(room types.SessionID, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.rooms[room]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.rooms, room)
		}
	}
}

func (h *hub) members(room types.SessionID) []*client {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*client, 0, len(h.rooms[room]))
	for c := range h.rooms[room] {
		out = append(out, c)
	}
	return out
}

// emit sends one frame to every connection in room and returns how many
// received it.
func (h *hub) emit(room types.SessionID, name string, data any) int {
	sent := 0
	for _, c := range h.members(room) {
		if err := c.write(name, data); err == nil {
			sent++
		}
	}
	return sent
}

func (h *hub) count(room types.SessionID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[room])
}

// drop closes every connection in room. Clients see an abnormal drop.
func (h *hub) drop(room types.SessionID) int {
	members := h.members(room)
	for _, c := range members {
		c.conn.Close()
	}
	return len(members)
}

// closeAll sends a going-away close to every connection.
func (h *hub) closeAll() {
	h.mu.Lock()
	var all []*client
	for _, set := range h.rooms {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.close(websocket.CloseGoingAway, "server shutdown")
	}
}
