// Package inapp pushes notifications to users' live websocket sessions.
package inapp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	kit "notifycore/internal/transport"
	logx "notifycore/pkg/logx"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 32
)

// Frame is the JSON message written to the client.
type Frame struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Priority  string            `json:"priority"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

type conn struct {
	ws     *websocket.Conn
	userID string
	send   chan []byte
	once   sync.Once
}

func (c *conn) close() { c.once.Do(func() { close(c.send) }) }

// Hub tracks live connections per user and is the in-app Dispatcher.
type Hub struct {
	log      logx.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	mu    sync.RWMutex
	conns map[string]map[*conn]struct{}
}

func NewHub(log logx.Logger) *Hub {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		now:   time.Now,
		conns: map[string]map[*conn]struct{}{},
	}
}

func (h *Hub) Channel() kit.Channel { return kit.ChannelInApp }

// Deliver succeeds when at least one of the user's sessions accepted the frame.
func (h *Hub) Deliver(_ context.Context, n *kit.Notification, r kit.Recipient) kit.DeliveryResult {
	b, err := json.Marshal(Frame{
		ID: n.ID, Type: n.Type, Title: n.Subject, Body: n.Body,
		Priority: n.Priority.String(), Data: n.Data, CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return kit.Failed(kit.ChannelInApp, r.Key(), err, h.now())
	}

	h.mu.RLock()
	total, accepted := len(h.conns[r.UserID]), 0
	for c := range h.conns[r.UserID] {
		select {
		case c.send <- b:
			accepted++
		default:
			h.log.Debug("in-app session buffer full", logx.String("user_id", r.UserID))
		}
	}
	h.mu.RUnlock()

	if accepted == 0 {
		return kit.Failed(kit.ChannelInApp, r.Key(), fmt.Errorf("no live session accepted the message (%d open)", total), h.now())
	}
	return kit.Succeeded(kit.ChannelInApp, r.Key(), fmt.Sprintf("%d/%d sessions", accepted, total), h.now())
}

// Connected reports the number of live sessions for a user.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// Total reports the number of live sessions across users.
func (h *Hub) Total() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, cs := range h.conns {
		n += len(cs)
	}
	return n
}

// ServeWS upgrades the request and registers the session under userID until
// the client goes away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, userID string) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", logx.Err(err))
		return
	}
	c := &conn{ws: ws, userID: userID, send: make(chan []byte, sendBuffer)}
	h.add(c)
	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	if h.conns[c.userID] == nil {
		h.conns[c.userID] = map[*conn]struct{}{}
	}
	h.conns[c.userID][c] = struct{}{}
	n := len(h.conns[c.userID])
	h.mu.Unlock()
	h.log.Debug("in-app session opened", logx.String("user_id", c.userID), logx.Int("sessions", n))
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if set, ok := h.conns[c.userID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.conns, c.userID)
		}
	}
	h.mu.Unlock()
	c.close()
}

// readPump drains client frames so pongs are processed.
func (h *Hub) readPump(c *conn) {
	defer func() {
		h.remove(c)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(512)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close drops every session.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.conns
	h.conns = map[string]map[*conn]struct{}{}
	h.mu.Unlock()
	for _, set := range all {
		for c := range set {
			c.close()
		}
	}
}
