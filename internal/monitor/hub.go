// Package monitor streams transport events and periodic performance
// frames to websocket clients, for dashboards and debugging.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agions/bleprint/internal/printer"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 64

	// statsInterval is how often a performance frame is pushed.
	statsInterval = 5 * time.Second
)

// Frame is the wire format pushed to clients.
type Frame struct {
	Kind  string      `json:"kind"` // "event" or "report"
	Time  time.Time   `json:"time"`
	Event *eventFrame `json:"event,omitempty"`
	// Report carries a printer.PerformanceReport.
	Report interface{} `json:"report,omitempty"`
}

type eventFrame struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId,omitempty"`
	Detail   string `json:"detail,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Hub fans manager events and periodic reports out to websocket
// clients. Slow clients are dropped rather than allowed to stall the
// broadcast path.
type Hub struct {
	manager *printer.Manager
	logger  *zap.Logger

	mu      sync.Mutex
	clients map[string]*client

	upgrader websocket.Upgrader

	closeSignal chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan Frame
}

// NewHub creates a hub bound to the given manager.
func NewHub(m *printer.Manager, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		manager: m,
		logger:  logger,
		clients: make(map[string]*client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		closeSignal: make(chan struct{}),
	}
}

// Start begins relaying manager events and periodic reports.
func (h *Hub) Start() {
	events, cancel := h.manager.Subscribe(sendBufferSize)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer cancel()

		ticker := time.NewTicker(statsInterval)
		defer ticker.Stop()

		for {
			select {
			case <-h.closeSignal:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				ef := &eventFrame{
					Type:     string(ev.Type),
					DeviceID: ev.DeviceID,
					Detail:   ev.Detail,
				}
				if ev.Err != nil {
					ef.Error = ev.Err.Error()
				}
				h.broadcast(Frame{Kind: "event", Time: ev.Time, Event: ef})
			case <-ticker.C:
				h.broadcast(Frame{
					Kind:   "report",
					Time:   time.Now(),
					Report: h.manager.GetPerformanceReport(),
				})
			}
		}
	}()
}

// Stop disconnects all clients and stops the relay.
func (h *Hub) Stop() {
	h.closeOnce.Do(func() { close(h.closeSignal) })
	h.wg.Wait()

	h.mu.Lock()
	for id, c := range h.clients {
		close(c.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(frame Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		select {
		case c.send <- frame:
		default:
			h.logger.Warn("monitor client too slow, dropping",
				zap.String("client_id", id))
			close(c.send)
			delete(h.clients, id)
		}
	}
}

// ServeHTTP upgrades the request and registers the client.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan Frame, sendBufferSize),
	}

	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()

	h.logger.Info("monitor client connected",
		zap.String("client_id", c.id),
		zap.Int("total_clients", total),
	)

	go h.writePump(c)
	go h.readPump(c)
}

// writePump serializes frames to the socket, interleaving pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

// readPump discards client messages; it exists to process pongs and to
// notice the close.
func (h *Hub) readPump(c *client) {
	defer h.unregister(c.id)

	c.conn.SetReadLimit(1024)
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

func (h *Hub) unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		close(c.send)
		delete(h.clients, id)
	}
	h.mu.Unlock()
	if ok {
		h.logger.Info("monitor client disconnected", zap.String("client_id", id))
	}
}

// ClientCount reports the number of connected monitor clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
