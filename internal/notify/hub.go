// Package notify pushes confirmed session changes to connected websocket
// clients. Streams are keyed by participant (role:address); a participant may
// hold several connections.
package notify

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"ridechain/internal/observability"
)

// Message is the envelope written to every stream.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

type stream struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *stream) send(msg interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(msg)
}

// Hub holds the open streams.
type Hub struct {
	mu       sync.RWMutex
	streams  map[string]map[*stream]struct{}
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		streams: make(map[string]map[*stream]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

func (h *Hub) add(key string, conn *websocket.Conn) *stream {
	s := &stream{conn: conn}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.streams[key] == nil {
		h.streams[key] = make(map[*stream]struct{})
	}
	h.streams[key][s] = struct{}{}
	observability.StreamsOpen.Inc()
	return s
}

func (h *Hub) remove(key string, s *stream) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.streams[key]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.streams, key)
	}
	s.conn.Close()
	observability.StreamsOpen.Dec()
}

// Connected reports how many streams are open for key.
func (h *Hub) Connected(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.streams[key])
}

// Push writes msg to every stream of key. Streams that fail are dropped.
// A key with no streams is not an error.
func (h *Hub) Push(key string, msgType string, payload interface{}) {
	h.mu.RLock()
	targets := make([]*stream, 0, len(h.streams[key]))
	for s := range h.streams[key] {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	msg := Message{Type: msgType, Payload: payload}
	for _, s := range targets {
		if err := s.send(msg); err != nil {
			h.logger.Warn("ws send failed", "stream", key, "error", err)
			h.remove(key, s)
		}
	}
}

// ServeWS upgrades the request and registers the connection under the key
// returned by keyOf. The handler blocks reading until the client goes away.
func (h *Hub) ServeWS(keyOf func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyOf(c)
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "no session"})
			return
		}

		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("ws upgrade failed", "error", err)
			return
		}
		s := h.add(key, conn)
		h.logger.Debug("stream opened", "stream", key)

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
		h.remove(key, s)
		h.logger.Debug("stream closed", "stream", key)
	}
}
