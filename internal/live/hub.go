// Package live pushes count changes to every browser session watching a store
// over websockets.
package live

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/odyssey-erp/stocktake/internal/editlock"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4 << 10
	sendBuffer     = 64

	// EventHello is the first frame a session receives.
	EventHello = "hello"
	// EventUserCount is broadcast whenever a room gains or loses a session.
	EventUserCount = "userCount"
)

// Client frame types.
const (
	FrameStartEditing = "startEditing"
	FrameStopEditing  = "stopEditing"
)

// LockManager is the edit-lock surface sessions drive.
type LockManager interface {
	Acquire(storeID, productCode, sessionID, field string) editlock.Entry
	Release(storeID, productCode, sessionID, field string) bool
	ReleaseAllForSession(sessionID string) int
	Snapshot(storeID string) []editlock.Entry
}

// Message is the envelope of every server frame.
type Message struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Hello is sent to a session right after it joins.
type Hello struct {
	SessionID string           `json:"sessionId"`
	StoreID   string           `json:"storeId"`
	Locks     []editlock.Entry `json:"locks"`
}

// Frame is a message sent by a session.
type Frame struct {
	Type        string `json:"type"`
	ProductCode string `json:"productCode"`
	Field       string `json:"field"`
}

type client struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub groups sessions into one room per store.
type Hub struct {
	mu       sync.RWMutex
	rooms    map[string]map[*client]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
	onCount  func(room string, n int)
}

// NewHub constructs Hub. allowedOrigins lists accepted Origin headers; "*"
// accepts any origin and an empty list accepts same-origin requests only.
func NewHub(logger *slog.Logger, allowedOrigins []string) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{
		rooms:  make(map[string]map[*client]struct{}),
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if len(allowedOrigins) > 0 {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
		}
	}
	return h
}

// OnCount registers a callback observing room sizes.
func (h *Hub) OnCount(fn func(room string, n int)) {
	h.mu.Lock()
	h.onCount = fn
	h.mu.Unlock()
}

// Publish sends an event to every session in room. Sessions too slow to keep
// up are disconnected.
func (h *Hub) Publish(room, event string, payload any) {
	data, err := json.Marshal(Message{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("encode live event", slog.String("event", event), slog.Any("error", err))
		return
	}
	h.mu.RLock()
	var slow []*client
	for c := range h.rooms[room] {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		h.logger.Warn("dropping slow live session", slog.String("store", room), slog.String("session", c.id))
		h.leave(c)
	}
}

// Count reports the number of sessions in room.
func (h *Hub) Count(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Close disconnects every session.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = make(map[string]map[*client]struct{})
	h.mu.Unlock()
	for _, members := range rooms {
		for c := range members {
			c.close()
		}
	}
}

// Handler upgrades /ws?store=<id> requests and runs the session.
func (h *Hub) Handler(locks LockManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		room := strings.TrimSpace(r.URL.Query().Get("store"))
		if room == "" || room == "notStart" {
			http.Error(w, "store is required", http.StatusBadRequest)
			return
		}
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		c := &client{
			id:   uuid.NewString(),
			room: room,
			conn: conn,
			send: make(chan []byte, sendBuffer),
		}

		hello, _ := json.Marshal(Message{Event: EventHello, Data: Hello{
			SessionID: c.id,
			StoreID:   room,
			Locks:     locks.Snapshot(room),
		}})
		c.send <- hello

		h.join(c)
		go h.writePump(c)
		h.readPump(c, locks)

		h.leave(c)
		if n := locks.ReleaseAllForSession(c.id); n > 0 {
			h.logger.Debug("released locks of closed session", slog.String("session", c.id), slog.Int("count", n))
		}
	}
}

func (h *Hub) join(c *client) {
	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if !ok {
		members = make(map[*client]struct{})
		h.rooms[c.room] = members
	}
	members[c] = struct{}{}
	n := len(members)
	onCount := h.onCount
	h.mu.Unlock()

	h.logger.Info("live session joined", slog.String("store", c.room), slog.String("session", c.id), slog.Int("users", n))
	if onCount != nil {
		onCount(c.room, n)
	}
	h.Publish(c.room, EventUserCount, map[string]int{"count": n})
}

func (h *Hub) leave(c *client) {
	h.mu.Lock()
	members, ok := h.rooms[c.room]
	if !ok {
		h.mu.Unlock()
		c.close()
		return
	}
	if _, present := members[c]; !present {
		h.mu.Unlock()
		c.close()
		return
	}
	delete(members, c)
	n := len(members)
	if n == 0 {
		delete(h.rooms, c.room)
	}
	onCount := h.onCount
	h.mu.Unlock()

	c.close()
	if onCount != nil {
		onCount(c.room, n)
	}
	h.Publish(c.room, EventUserCount, map[string]int{"count": n})
}

func (h *Hub) readPump(c *client, locks LockManager) {
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var frame Frame
		if err := c.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("live session read failed", slog.String("session", c.id), slog.Any("error", err))
			}
			return
		}
		code := strings.TrimSpace(frame.ProductCode)
		if code == "" {
			continue
		}
		switch frame.Type {
		case FrameStartEditing:
			locks.Acquire(c.room, code, c.id, frame.Field)
		case FrameStopEditing:
			locks.Release(c.room, code, c.id, frame.Field)
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
