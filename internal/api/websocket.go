package api

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/patrob/ai-sdlc-sub001/internal/runner"
)

// Message is one frame sent to websocket clients
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// client is one connected websocket
type client struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// EventHub fans daemon and runner events out to websocket clients
type EventHub struct {
	clients    map[*client]bool
	broadcast  chan Message
	register   chan *client
	unregister chan *client
	origins    []string
	log        zerolog.Logger

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewEventHub creates a hub accepting websocket upgrades from allowedOrigins
func NewEventHub(allowedOrigins []string, log zerolog.Logger) *EventHub {
	return &EventHub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		origins:    originHosts(allowedOrigins),
		log:        log.With().Str("component", "ws").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Run is the hub's main loop. It returns after Stop.
func (h *EventHub) Run() {
	h.mu.Lock()
	h.running = true
	h.mu.Unlock()

	for {
		select {
		case <-h.stopCh:
			h.mu.Lock()
			h.running = false
			for c := range h.clients {
				c.close(websocket.StatusGoingAway, "server shutting down")
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close(websocket.StatusNormalClosure, "")
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Slow client; drop it rather than stall the hub.
					delete(h.clients, c)
					c.close(websocket.StatusPolicyViolation, "too slow")
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop ends Run and disconnects every client
func (h *EventHub) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Broadcast queues msg for all clients. Messages are dropped when the hub is
// not running or its buffer is full.
func (h *EventHub) Broadcast(msg Message) {
	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	select {
	case h.broadcast <- msg:
	default:
		h.log.Warn().Str("type", msg.Type).Msg("event buffer full, dropping message")
	}
}

// Publish broadcasts a runner or daemon event
func (h *EventHub) Publish(e runner.Event) {
	h.Broadcast(Message{Type: e.Type, Data: e, Timestamp: e.Time})
}

// ClientCount returns the number of connected clients
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWs upgrades the request and streams events until the client leaves
func (h *EventHub) ServeWs(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		h.log.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan Message, 64),
		done: make(chan struct{}),
	}

	select {
	case h.register <- c:
	case <-h.stopCh:
		c.close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go c.writePump()
	c.readPump(r.Context())
}

// readPump handles client commands until the connection closes
func (c *client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stopCh:
		}
	}()

	for {
		var msg struct {
			Type string `json:"type"`
		}
		if err := wsjson.Read(ctx, c.conn, &msg); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.hub.log.Debug().Err(err).Msg("websocket read ended")
			}
			return
		}

		if msg.Type == "ping" {
			select {
			case c.send <- Message{Type: "pong", Timestamp: time.Now()}:
			case <-c.done:
				return
			}
		}
	}
}

// writePump sends queued messages and keeps the connection alive
func (c *client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return

		case msg := <-c.send:
			ctx, cancel := newWriteContext()
			err := wsjson.Write(ctx, c.conn, msg)
			cancel()
			if err != nil {
				c.hub.log.Debug().Err(err).Msg("websocket write failed")
				c.close(websocket.StatusInternalError, "write failed")
				return
			}

		case <-ticker.C:
			ctx, cancel := newWriteContext()
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				c.close(websocket.StatusGoingAway, "ping failed")
				return
			}
		}
	}
}

func (c *client) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close(code, reason)
	})
}

// newWriteContext creates a context with timeout for writes
func newWriteContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// originHosts converts configured origins such as "http://localhost:*" into
// the host patterns websocket.Accept expects.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, o := range origins {
		if _, host, ok := strings.Cut(o, "://"); ok {
			o = host
		}
		hosts = append(hosts, strings.TrimSuffix(o, "/"))
	}
	return hosts
}
