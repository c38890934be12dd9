package web

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/twistedxcom/panewatch/internal/classify"
	"github.com/twistedxcom/panewatch/internal/monitor"
)

// wsMessage is the wire format for the status stream.
type wsMessage struct {
	Type string `json:"type"` // snapshot, status, removed

	// snapshot payload
	Sessions map[string]sessionPayload `json:"sessions,omitempty"`

	// status / removed payload
	SessionID string              `json:"sessionId,omitempty"`
	Previous  string              `json:"previous,omitempty"`
	Status    string              `json:"status,omitempty"`
	Title     string              `json:"title,omitempty"`
	Tool      string              `json:"tool,omitempty"`
	Summary   string              `json:"summary,omitempty"`
	Options   *classify.OptionSet `json:"options,omitempty"`
	At        time.Time           `json:"at,omitempty"`
}

type sessionPayload struct {
	Status    string              `json:"status"`
	Title     string              `json:"title,omitempty"`
	Tool      string              `json:"tool,omitempty"`
	Summary   string              `json:"summary,omitempty"`
	Options   *classify.OptionSet `json:"options,omitempty"`
	UpdatedAt time.Time           `json:"updatedAt"`
}

func snapshotPayload(entries map[string]monitor.Entry) wsMessage {
	msg := wsMessage{Type: "snapshot", Sessions: make(map[string]sessionPayload, len(entries))}
	for id, e := range entries {
		msg.Sessions[id] = sessionPayload{
			Status:    string(e.Status),
			Title:     e.Title,
			Tool:      e.Tool,
			Summary:   e.Summary,
			Options:   e.Options,
			UpdatedAt: e.UpdatedAt,
		}
	}
	return msg
}

func changeMessage(c monitor.Change) wsMessage {
	msg := wsMessage{
		Type:      "status",
		SessionID: c.SessionID,
		Previous:  string(c.Previous),
		Status:    string(c.New),
		Title:     c.Title,
		Tool:      c.Tool,
		Summary:   c.Summary,
		Options:   c.Options,
		At:        c.At,
	}
	if c.Removed {
		msg.Type = "removed"
		msg.Status = ""
	}
	return msg
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}
	return strings.EqualFold(originURL.Host, r.Host)
}

// wsClient is one connected dashboard. Slow clients get disconnected
// rather than backing up the broadcaster.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
}

// wsHub fans status messages out to all connected clients.
type wsHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

func newWSHub() *wsHub {
	return &wsHub{clients: make(map[*wsClient]struct{})}
}

func (h *wsHub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *wsHub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *wsHub) broadcast(msg wsMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.Lock()
	var evict []*wsClient
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			evict = append(evict, c)
		}
	}
	for _, c := range evict {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *wsHub) closeAll() {
	h.mu.Lock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, 64)}
	if !s.hub.add(client) {
		conn.Close()
		return
	}
	go client.writePump()

	// Hydrate before streaming so the client never misses the baseline.
	if data, err := json.Marshal(snapshotPayload(s.status.GetAll())); err == nil {
		select {
		case client.send <- data:
		default:
		}
	}

	// Read loop only to observe close; inbound messages are ignored.
	go func() {
		defer s.hub.remove(client)
		conn.SetReadLimit(1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
