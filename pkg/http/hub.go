package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"aura-coach/pkg/metrics"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client represents a connected live feed client
type Client struct {
	hub    *LiveHub
	conn   *websocket.Conn
	send   chan []byte
	logger *logrus.Logger
}

// LiveHub fans the live view out to websocket clients
type LiveHub struct {
	logger     *logrus.Logger
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	doneOnce   sync.Once
	mutex      sync.RWMutex

	// latest is replayed to clients as they connect
	latest []byte
}

// WebSocketUpgrader configures the WebSocket connection
var WebSocketUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewLiveHub creates a new live feed hub
func NewLiveHub(logger *logrus.Logger) *LiveHub {
	return &LiveHub{
		logger:     logger,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run serves registrations and broadcasts until ctx is done
func (h *LiveHub) Run(ctx context.Context) {
	h.logger.Info("Starting live feed hub")
	defer h.doneOnce.Do(func() { close(h.done) })

	for {
		select {
		case <-ctx.Done():
			h.mutex.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mutex.Unlock()
			metrics.SetLiveClients(0)
			h.logger.Info("Shutting down live feed hub")
			return

		case client := <-h.register:
			h.mutex.Lock()
			h.clients[client] = true
			if h.latest != nil {
				client.send <- h.latest
			}
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.SetLiveClients(count)
			h.logger.WithField("clients", count).Debug("Live client connected")

		case client := <-h.unregister:
			h.mutex.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.SetLiveClients(count)
			h.logger.WithField("clients", count).Debug("Live client disconnected")

		case data := <-h.broadcast:
			h.mutex.Lock()
			h.latest = data
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// slow consumer
					close(client.send)
					delete(h.clients, client)
				}
			}
			count := len(h.clients)
			h.mutex.Unlock()
			metrics.SetLiveClients(count)
		}
	}
}

// Broadcast sends a payload to every client. It returns false once the hub
// has stopped.
func (h *LiveHub) Broadcast(data []byte) bool {
	select {
	case h.broadcast <- data:
		return true
	case <-h.done:
		return false
	}
}

// ClientCount returns the number of connected clients
func (h *LiveHub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Feed polls source every interval and broadcasts the live view whenever it
// changes
func (h *LiveHub) Feed(ctx context.Context, source LiveSource, interval time.Duration) {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last []byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		view, err := source.Current(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.logger.WithError(err).Debug("Live view unavailable")
			}
			continue
		}

		lv := NewLiveView(view, time.Now())
		// elapsed ticks every second and would defeat change detection
		lv.Elapsed = ""
		data, err := json.Marshal(lv)
		if err != nil {
			h.logger.WithError(err).Error("Failed to marshal live view")
			continue
		}
		if bytes.Equal(data, last) {
			continue
		}
		last = data
		if !h.Broadcast(data) {
			return
		}
	}
}

// ServeWs handles WebSocket requests from clients
func (h *LiveHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := WebSocketUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade connection to WebSocket")
		return
	}

	client := &Client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, 256),
		logger: h.logger,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains client frames so pongs and closes are processed
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.WithError(err).Debug("Live client read error")
			}
			return
		}
	}
}

// writePump pumps messages from the hub to the WebSocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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
