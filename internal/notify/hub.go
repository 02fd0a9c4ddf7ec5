// Package notify fans committed ledger notifications out to websocket
// clients and in-process sinks.
package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atmx/strategy-vault/internal/metrics"
	"github.com/atmx/strategy-vault/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	clientBuf  = 64
)

// client is one websocket connection with its own outbound queue. Only
// writePump writes to conn.
type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Sink consumes notifications synchronously. Publish must not block for
// long: it runs on the ledger's commit path.
type Sink interface {
	Publish(n model.Notification)
}

// Hub manages WebSocket connections and in-process sinks and broadcasts
// every published notification to all of them.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan model.Notification
	register   chan *client
	unregister chan *client
	done       chan struct{}

	sinkMu sync.RWMutex
	sinks  map[int]Sink
	nextID int

	log zerolog.Logger
}

// NewHub creates a new notification hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan model.Notification, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		sinks:      make(map[int]Sink),
		log:        log.With().Str("component", "notify").Logger(),
	}
}

// Run is the hub's event loop. It returns when ctx is done, closing every
// client connection.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = true
			metrics.WebSocketClients.Set(float64(len(h.clients)))
			h.log.Debug().Int("total", len(h.clients)).Msg("ws client connected")

		case c := <-h.unregister:
			h.drop(c)

		case n := <-h.broadcast:
			data, err := json.Marshal(n)
			if err != nil {
				h.log.Error().Err(err).Str("type", n.Type).Msg("encode notification")
				continue
			}
			for c := range h.clients {
				select {
				case c.send <- data:
				default:
					// Slow client; disconnect rather than stall everyone.
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

// Publish delivers n to every sink, then queues it for websocket
// broadcast. Sinks see every notification; when the broadcast queue is full
// the websocket copy is dropped and counted so a ledger operation never
// blocks on slow clients.
func (h *Hub) Publish(n model.Notification) {
	h.sinkMu.RLock()
	for _, s := range h.sinks {
		s.Publish(n)
	}
	h.sinkMu.RUnlock()

	select {
	case h.broadcast <- n:
	default:
		metrics.NotificationsDropped.WithLabelValues("ws").Inc()
		h.log.Warn().Str("type", n.Type).Int64("strategy_id", n.StrategyID).Msg("notification buffer full, dropping ws copy")
	}
}

// Attach registers s for every notification published after the call. The
// returned func detaches it and is safe to call more than once.
func (h *Hub) Attach(s Sink) func() {
	h.sinkMu.Lock()
	id := h.nextID
	h.nextID++
	h.sinks[id] = s
	h.sinkMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.sinkMu.Lock()
			delete(h.sinks, id)
			h.sinkMu.Unlock()
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Notifications are public ledger data.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, clientBuf)}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump keeps the connection alive and detects disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection: queued notifications and
// keepalive pings.
func (h *Hub) writePump(c *client) {
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
				c.conn.WriteMessage(websocket.CloseMessage, nil)
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
