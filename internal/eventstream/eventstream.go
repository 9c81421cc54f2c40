// Package eventstream implements the event stream hub: a
// websocket broadcast hub subscribed to the Scheduler's lifecycle events.
// The scheduler never blocks on a slow client: each client's send channel
// is bounded and drops the event if the client can't keep up.
package eventstream

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"go.uber.org/zap"

	"github.com/stoneforge-ai/stewards/internal/common/logger"
	"github.com/stoneforge-ai/stewards/internal/scheduler"
)

const (
	clientSendBuffer = 32
	pingInterval     = 30 * time.Second
	pongWait         = 60 * time.Second
	writeWait        = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// client is one connected websocket subscriber.
type client struct {
	conn *websocket.Conn
	send chan scheduler.LifecycleEvent
}

// Hub fans scheduler.LifecycleEvent out to every connected websocket
// client via a register/unregister/broadcast goroutine.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*client]bool

	register   chan *client
	unregister chan *client
	broadcast  chan scheduler.LifecycleEvent

	done chan struct{}
}

// NewHub builds an idle Hub. Call Run to start its broadcast loop and
// Attach it to a Scheduler with SubscribeTo.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	return &Hub{
		log:        log.WithFields(zap.String("component", "eventstream")),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan scheduler.LifecycleEvent, 256),
		done:       make(chan struct{}),
	}
}

// SubscribeTo registers the hub as a scheduler event subscriber.
func (h *Hub) SubscribeTo(s *scheduler.Scheduler) {
	ch := make(chan scheduler.LifecycleEvent, 256)
	s.Subscribe(ch)
	go func() {
		for evt := range ch {
			select {
			case h.broadcast <- evt:
			case <-h.done:
				return
			}
		}
	}()
}

// Run drives the hub's register/unregister/broadcast loop until Stop is
// called.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
			}
			h.clients = make(map[*client]bool)
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
				close(c.send)
			}
			h.mu.Unlock()
		case evt := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- evt:
				default:
					// Client can't keep up; drop the event rather than block
					// the scheduler's publish path.
				}
			}
			h.mu.Unlock()
		}
	}
}

// Stop shuts the hub down, closing every client connection.
func (h *Hub) Stop() {
	close(h.done)
}

// ServeHTTP upgrades the request to a websocket and streams events to it
// until the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan scheduler.LifecycleEvent, clientSendBuffer)}
	h.register <- c

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

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

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case evt, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
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
