package server

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/harun/agentcore/pkg/eventqueue"
)

const (
	clientBuffer = 64
	writeTimeout = 5 * time.Second
)

// StreamMessage is one frame on the notification stream.
type StreamMessage struct {
	Type      string `json:"type"` // "hello" or "event"
	Event     string `json:"event,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"ts"`
	Seq       int64  `json:"seq"`
}

type streamClient struct {
	id          string
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
	dropped     atomic.Int64
	closeOnce   sync.Once
}

func (c *streamClient) close() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Hub fans queue notifications out to websocket clients. Delivery never
// blocks the queue: a client whose buffer is full misses the frame.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*streamClient
	closed  bool
	seq     atomic.Int64
	logger  zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*streamClient),
		logger:  logger,
	}
}

// Notify is a queue listener.
func (h *Hub) Notify(n eventqueue.Notification) {
	h.Broadcast(n.Type, n)
}

// Broadcast sends an event frame to every connected client.
func (h *Hub) Broadcast(event string, data any) {
	msg := StreamMessage{
		Type:      "event",
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Seq:       h.seq.Add(1),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error().Err(err).Str("event", event).Int64("seq", msg.Seq).Msg("Failed to marshal stream event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			c.dropped.Add(1)
			h.logger.Debug().Str("clientId", c.id).Str("event", event).Msg("Stream client buffer full, frame dropped")
		}
	}
}

// Count returns the number of connected clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects all clients; later registrations are refused.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, c := range h.clients {
		c.close()
		delete(h.clients, id)
	}
}

func (h *Hub) register(conn *websocket.Conn) (*streamClient, bool) {
	id, _ := gonanoid.New()
	c := &streamClient{
		id:          id,
		conn:        conn,
		send:        make(chan []byte, clientBuffer),
		connectedAt: time.Now(),
	}
	// hello is queued first so it precedes every broadcast frame
	hello, _ := json.Marshal(StreamMessage{
		Type:      "hello",
		ClientID:  id,
		Timestamp: c.connectedAt.UnixMilli(),
	})
	c.send <- hello

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, false
	}
	h.clients[id] = c
	return c, true
}

func (h *Hub) unregister(c *streamClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		c.close()
	}
	h.mu.Unlock()
}

// serve owns the connection until the client goes away or the hub closes.
func (h *Hub) serve(conn *websocket.Conn, remote string) {
	c, ok := h.register(conn)
	if !ok {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server is shutting down"))
		conn.Close()
		return
	}
	h.logger.Info().Str("clientId", c.id).Str("ip", remote).Msg("Stream client connected")

	go h.readLoop(c)
	h.writeLoop(c)

	h.logger.Info().
		Str("clientId", c.id).
		Int64("dropped", c.dropped.Load()).
		Dur("connected", time.Since(c.connectedAt)).
		Msg("Stream client disconnected")
}

// readLoop discards inbound frames and unregisters on read errors.
func (h *Hub) readLoop(c *streamClient) {
	defer h.unregister(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *streamClient) {
	defer c.conn.Close()
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.logger.Debug().Err(err).Str("clientId", c.id).Msg("Stream write failed")
			h.unregister(c)
			return
		}
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}
