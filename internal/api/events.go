package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/satellite-globe/internal/geojson"
	"github.com/signalsfoundry/satellite-globe/internal/logging"
	"github.com/signalsfoundry/satellite-globe/layer"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	clientSendSize = 64
)

// eventMessage is the JSON frame pushed to WebSocket clients.
type eventMessage struct {
	Type      string           `json:"type"`
	Count     int              `json:"count,omitempty"`
	Threshold *int             `json:"threshold,omitempty"`
	Where     string           `json:"where,omitempty"`
	Track     *geojson.Feature `json:"track,omitempty"`
}

func newEventMessage(ev layer.Event) eventMessage {
	msg := eventMessage{Type: ev.Type.String(), Count: ev.Count}
	switch ev.Type {
	case layer.EventFilterChanged:
		v := ev.Filter.Threshold
		msg.Threshold = &v
		msg.Where = ev.Filter.Expression()
	case layer.EventTrackReplaced:
		if ev.Track != nil {
			f := geojson.Track(*ev.Track)
			msg.Track = &f
		}
	}
	return msg
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// eventHub fans layer events out to connected WebSocket clients. A client
// that cannot keep up is disconnected instead of blocking the layer.
type eventHub struct {
	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
	log     logging.Logger
}

func newEventHub(log logging.Logger) *eventHub {
	return &eventHub{clients: make(map[*wsClient]struct{}), log: log}
}

func (h *eventHub) publish(ev layer.Event) {
	payload, err := json.Marshal(newEventMessage(ev))
	if err != nil {
		h.log.Warn(context.Background(), "failed to encode layer event", logging.Err(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *eventHub) register(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *eventHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// size returns the number of connected clients.
func (h *eventHub) size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

func (s *Server) serveEvents(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(r, s.log)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		log.Debug(r.Context(), "websocket upgrade failed", logging.Err(err))
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}
	if !s.events.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	log.Debug(r.Context(), "event stream connected", logging.Int("clients", s.events.size()))

	go s.readPump(c)
	s.writePump(c)
}

// readPump drains client frames so control messages are processed and a
// closed connection is noticed.
func (s *Server) readPump(c *wsClient) {
	defer s.events.unregister(c)
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
