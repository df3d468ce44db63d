// Package ws implements the websocket broadcast hub used by both the
// simulator feed and the dashboard feed. The hub has no knowledge of payload
// semantics: it fans pre-encoded JSON out to every subscriber and isolates
// per-subscriber failures.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxInboundSize = 512
	sendQueueSize  = 256
)

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "tickflow_ws_connections",
		Help: "Current number of active websocket subscribers.",
	})
	wsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_ws_messages_total",
		Help: "Total number of messages published to subscribers.",
	})
	wsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "tickflow_ws_dropped_subscribers_total",
		Help: "Subscribers disconnected because their send queue overflowed.",
	})
)

func init() {
	prometheus.MustRegister(wsConnections, wsMessagesTotal, wsDroppedTotal)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

var pongPayload = []byte(`{"type":"pong"}`)

// Client is a single subscriber connection. Writes go through a bounded send
// queue so one stalled client can never block publication to the rest.
// The send channel is never closed; done is the only teardown signal, so the
// read pump can queue a pong while the hub drops the client without racing a
// channel close.
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	connected time.Time
}

// Hub tracks the live subscriber set and broadcasts published payloads.
type Hub struct {
	logger  *zap.Logger
	mu      sync.RWMutex
	clients map[*Client]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*Client]struct{}),
	}
}

// ServeWS upgrades the request, registers the subscriber and starts its read
// and write pumps. When initial is non-nil it is queued as the first message,
// so a fresh subscriber sees current state without waiting for the next
// publish.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial []byte) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &Client{
		id:        uuid.NewString(),
		conn:      conn,
		send:      make(chan []byte, sendQueueSize),
		done:      make(chan struct{}),
		connected: time.Now(),
	}
	if initial != nil {
		client.send <- initial
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	wsConnections.Inc()
	h.logger.Info("subscriber connected", zap.String("client_id", client.id), zap.Int("total", total))

	go client.writePump()
	go client.readPump(h)
}

// Publish delivers a payload to every current subscriber. Delivery is
// non-blocking: a subscriber whose queue is full is dropped and disconnected,
// the rest still receive the message.
func (h *Hub) Publish(payload []byte) {
	var overflowed []*Client

	h.mu.RLock()
	for client := range h.clients {
		select {
		case client.send <- payload:
		default:
			overflowed = append(overflowed, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range overflowed {
		wsDroppedTotal.Inc()
		h.remove(client, "send queue overflow")
	}
	wsMessagesTotal.Inc()
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Shutdown closes every subscriber connection.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(writeWait))
		h.remove(client, "shutdown")
	}
}

// remove unregisters a client exactly once; closing done makes the write
// pump send a close frame and drop the connection, which in turn ends the
// read pump.
func (h *Hub) remove(client *Client, reason string) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	remaining := len(h.clients)
	h.mu.Unlock()

	close(client.done)
	wsConnections.Dec()
	h.logger.Info("subscriber disconnected",
		zap.String("client_id", client.id),
		zap.String("reason", reason),
		zap.Int("remaining", remaining),
		zap.Duration("connected_for", time.Since(client.connected)))
}

// readPump consumes inbound frames until the connection dies. The only
// inbound message the channel defines is {"type":"ping"}, answered with a
// pong on the client's own queue.
func (c *Client) readPump(h *Hub) {
	defer func() {
		h.remove(c, "connection closed")
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxInboundSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &envelope); err == nil && envelope.Type == "ping" {
			select {
			case c.send <- pongPayload:
			default:
			}
		}
	}
}

// writePump drains the send queue and keeps the connection alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
