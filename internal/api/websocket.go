package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"keyrelay/internal/queue"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	clientBuffer   = 64
	broadcastDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     sameOriginOrLocal,
}

// sameOriginOrLocal accepts tools without an Origin header and pages served
// from the status address itself.
func sameOriginOrLocal(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host
}

// Hub fans queue events out to websocket subscribers. Only run touches the
// client set.
type Hub struct {
	logger     pslog.Logger
	clients    map[*wsClient]struct{}
	count      atomic.Int64
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	once       sync.Once
}

type wsClient struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	remote string
}

func newHub(logger pslog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		clients:    make(map[*wsClient]struct{}),
		broadcast:  make(chan []byte, broadcastDepth),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
	}
}

// Clients reports the number of connected subscribers.
func (h *Hub) Clients() int {
	return int(h.count.Load())
}

func (h *Hub) run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.count.Store(int64(len(h.clients)))
			h.logger.Info("relay.api.ws.registered", "remote", c.remote, "clients", len(h.clients))

		case c := <-h.unregister:
			h.drop(c)
			h.logger.Info("relay.api.ws.unregistered", "remote", c.remote, "clients", len(h.clients))

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.logger.Warn("relay.api.ws.slow_client", "remote", c.remote)
					h.drop(c)
				}
			}

		case <-h.done:
			for c := range h.clients {
				h.drop(c)
			}
			return
		}
	}
}

func (h *Hub) drop(c *wsClient) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.count.Store(int64(len(h.clients)))
	}
}

func (h *Hub) close() {
	h.once.Do(func() { close(h.done) })
}

func (h *Hub) publish(ev queue.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn("relay.api.ws.marshal_failed", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.done:
	default:
		h.logger.Debug("relay.api.ws.event_dropped", "kind", string(ev.Kind))
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("relay.api.ws.upgrade_failed", "error", err)
		return
	}
	c := &wsClient{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		remote: r.RemoteAddr,
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client messages and detects disconnects.
func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("relay.api.ws.read_error", "remote", c.remote, "error", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
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
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
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
