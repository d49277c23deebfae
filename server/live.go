package server

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	liveSendBuffer   = 64
	liveWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header["Origin"]
		if len(origin) == 0 {
			return true
		}
		u, err := url.Parse(origin[0])
		if err != nil {
			return false
		}
		return u.Host == r.Host
	},
}

type liveConn struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans accepted telemetry lines out to every websocket viewer. A viewer
// that cannot keep up is disconnected instead of slowing down ingestion.
type Hub struct {
	logger *zap.Logger

	mu    sync.Mutex
	conns map[*liveConn]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{logger: logger, conns: make(map[*liveConn]struct{})}
}

// Broadcast queues msg for every connected viewer.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("live viewer too slow, disconnecting", zap.Stringer("remote", c.conn.RemoteAddr()))
			h.removeLocked(c)
		}
	}
}

// Len is the number of connected viewers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) removeLocked(c *liveConn) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	close(c.send)
}

func (h *Hub) remove(c *liveConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// Close disconnects every viewer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		h.removeLocked(c)
	}
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &liveConn{conn: conn, send: make(chan []byte, liveSendBuffer)}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Debug("live viewer connected", zap.Stringer("remote", conn.RemoteAddr()))

	go h.writer(c)
	// Viewers never send anything useful; reading only notices when they
	// go away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	h.logger.Debug("live viewer disconnected", zap.Stringer("remote", conn.RemoteAddr()))
}

func (h *Hub) writer(c *liveConn) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.logger.Debug("websocket write failed", zap.Error(err))
			h.remove(c)
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
