package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"wrapped-oracle/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

const (
	clientSendBuffer = 512
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
)

// Envelope is one websocket message.
type Envelope struct {
	Seq   int64       `json:"seq"`
	Event model.Event `json:"event"`
}

// Hub fans emitted oracle events out to websocket clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
	seq     int64
	replay  *ReplayBuffer
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// NewHub creates a hub that keeps the last replaySize envelopes for reconnects.
func NewHub(replaySize int) *Hub {
	return &Hub{
		clients: make(map[*client]bool),
		replay:  NewReplayBuffer(replaySize),
	}
}

// Run broadcasts events from eventCh until it closes or ctx is cancelled.
func (h *Hub) Run(ctx context.Context, eventCh <-chan model.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-eventCh:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast assigns the next sequence number and sends ev to every client.
// Slow clients miss messages rather than stall the hub.
func (h *Hub) Broadcast(ev model.Event) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	data, err := json.Marshal(Envelope{Seq: seq, Event: ev})
	if err != nil {
		h.mu.Unlock()
		log.Printf("[ws] marshal event: %v", err)
		return
	}
	h.replay.Push(seq, data)
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// ServeHTTP upgrades the connection and registers the client. A "since"
// query parameter replays buffered envelopes with a larger seq.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var since int64 = -1
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			http.Error(w, `{"error":"invalid since"}`, http.StatusBadRequest)
			return
		}
		since = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	conn.EnableWriteCompression(true)

	c := &client{conn: conn, send: make(chan []byte, clientSendBuffer), hub: h}

	// Register and queue the backlog under the write lock so no broadcast
	// slips between the two.
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		conn.Close()
		return
	}
	if since >= 0 {
		backlog := h.replay.Since(since)
		if len(backlog) > clientSendBuffer {
			backlog = backlog[len(backlog)-clientSendBuffer:]
		}
		for _, b := range backlog {
			c.send <- b
		}
	}
	h.clients[c] = true
	count := len(h.clients)
	h.mu.Unlock()

	log.Printf("[ws] client connected (%d total)", count)

	go c.writePump()
	go c.readPump()
}

// Seq returns the last assigned sequence number.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump only services control frames; clients do not send commands.
func (c *client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
		log.Println("[ws] client disconnected")
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
