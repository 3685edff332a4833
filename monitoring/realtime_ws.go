// Package monitoring streams service events to websocket clients and keeps
// request counters for the HTTP layer.
package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Event 推送给客户端的事件
type Event struct {
	ID        uint64          `json:"id"`
	Kind      string          `json:"kind"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// ClientMessage 客户端消息: subscribe / unsubscribe / ping
type ClientMessage struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

// HubStats 事件中心统计
type HubStats struct {
	ConnectedClients int       `json:"connected_clients"`
	EventsPublished  uint64    `json:"events_published"`
	EventsDropped    uint64    `json:"events_dropped"`
	StartTime        time.Time `json:"start_time"`
	LastEventTime    time.Time `json:"last_event_time,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	// replayed is the last history id sent on connect; owned by Hub.Run.
	replayed uint64

	mu            sync.Mutex
	subscriptions map[string]bool
}

// wants reports whether the client receives events of kind. A client with
// no subscriptions receives everything.
func (c *client) wants(kind string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions) == 0 || c.subscriptions[kind]
}

type envelope struct {
	id   uint64
	kind string
	data []byte
}

// Hub fans published events out to websocket clients. It keeps the most
// recent events so that a client connecting mid-bootstrap still sees the
// progress so far.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan envelope
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader
	log        *zap.Logger

	seq       atomic.Uint64
	dropped   atomic.Uint64
	connected atomic.Int64

	mu        sync.RWMutex
	history   []envelope
	historyN  int
	lastEvent time.Time
	started   time.Time

	done     chan struct{}
	stopOnce sync.Once
}

// NewHub 创建事件中心. historySize bounds the replay buffer for new clients.
func NewHub(historySize int, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if historySize < 0 {
		historySize = 0
	}
	if historySize > sendBuffer {
		historySize = sendBuffer
	}
	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan envelope, sendBuffer),
		register:   make(chan *client),
		unregister: make(chan *client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log:      logger.Named("hub"),
		historyN: historySize,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
}

// Run owns the client set until ctx is cancelled or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer h.log.Info("event hub stopped")
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			h.connected.Store(int64(len(h.clients)))
			for _, ev := range h.replay() {
				if c.wants(ev.kind) {
					c.send <- ev.data
				}
				c.replayed = ev.id
			}
			h.log.Debug("client connected", zap.Int("clients", len(h.clients)))

		case c := <-h.unregister:
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			h.connected.Store(int64(len(h.clients)))
			h.log.Debug("client disconnected", zap.Int("clients", len(h.clients)))

		case ev := <-h.broadcast:
			for c := range h.clients {
				if ev.id <= c.replayed || !c.wants(ev.kind) {
					continue
				}
				select {
				case c.send <- ev.data:
				default:
					// slow consumer
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.connected.Store(int64(len(h.clients)))

		case <-ctx.Done():
			h.Stop()
			h.closeAll()
			return
		case <-h.done:
			h.closeAll()
			return
		}
	}
}

func (h *Hub) closeAll() {
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.connected.Store(0)
}

// Stop 停止事件中心
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish encodes payload as an event of the given kind and queues it for
// every subscribed client. It never blocks; a full queue drops the event.
func (h *Hub) Publish(kind string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		h.log.Warn("cannot encode event", zap.String("kind", kind), zap.Error(err))
		return
	}
	h.mu.Lock()
	ev := Event{ID: h.seq.Add(1), Kind: kind, Timestamp: time.Now().UTC(), Data: data}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.mu.Unlock()
		h.log.Warn("cannot encode event", zap.String("kind", kind), zap.Error(err))
		return
	}
	env := envelope{id: ev.ID, kind: kind, data: msg}
	h.lastEvent = ev.Timestamp
	if h.historyN > 0 {
		h.history = append(h.history, env)
		if len(h.history) > h.historyN {
			h.history = h.history[len(h.history)-h.historyN:]
		}
	}
	h.mu.Unlock()

	select {
	case h.broadcast <- env:
	case <-h.done:
	default:
		h.dropped.Add(1)
		h.log.Warn("event queue full, dropping event", zap.String("kind", kind))
	}
}

func (h *Hub) replay() []envelope {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]envelope, len(h.history))
	copy(out, h.history)
	return out
}

// ServeHTTP upgrades the request and attaches the connection to the hub.
// An optional ?kind= query parameter pre-subscribes the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{
		conn:          conn,
		send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
	}
	for _, kind := range r.URL.Query()["kind"] {
		c.subscriptions[kind] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump(h)
}

// Stats 获取统计
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return HubStats{
		ConnectedClients: int(h.connected.Load()),
		EventsPublished:  h.seq.Load(),
		EventsDropped:    h.dropped.Load(),
		StartTime:        h.started,
		LastEventTime:    h.lastEvent,
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

func (c *client) readPump(h *Hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg ClientMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch msg.Type {
	case "subscribe":
		if msg.Kind != "" {
			c.subscriptions[msg.Kind] = true
		}
	case "unsubscribe":
		delete(c.subscriptions, msg.Kind)
	}
}
