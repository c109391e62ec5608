package httpapi

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/openagency/agencyd/pkg/protocol"
)

// wsClient is one connected observer. Frames queue on a buffered channel;
// a slow client drops frames rather than blocking the bus.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan protocol.EventFrame

	closeOnce sync.Once
	done      chan struct{}
}

func newWSClient(conn *websocket.Conn) *wsClient {
	return &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan protocol.EventFrame, 256),
		done: make(chan struct{}),
	}
}

func (c *wsClient) sendEvent(frame protocol.EventFrame) {
	select {
	case c.send <- frame:
	case <-c.done:
	default: // queue full, drop
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// writePump drains the send queue onto the socket.
func (c *wsClient) writePump() {
	for {
		select {
		case frame := <-c.send:
			if err := c.conn.WriteJSON(frame); err != nil {
				c.close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// readPump discards inbound frames; the stream is one-way. It exists to
// observe the close handshake.
func (c *wsClient) readPump() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.close()
			return
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if secret := s.currentSecret(); secret != "" && r.Header.Get("X-SECRET") != secret && r.URL.Query().Get("secret") != secret {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "error", err)
		return
	}

	client := newWSClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.close()
	}()

	go client.writePump()
	client.readPump()
}

func (s *Server) registerClient(c *wsClient) {
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()

	s.hub.Bus().Subscribe(c.id, c.sendEvent)
	s.log.Info("ws client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *wsClient) {
	s.hub.Bus().Unsubscribe(c.id)
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
	s.log.Info("ws client disconnected", "id", c.id)
}
