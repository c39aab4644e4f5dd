package api

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/soyeahso/agentcron/internal/hooks"
	"github.com/soyeahso/agentcron/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
	wsBuffer     = 128
)

// wsClient is one websocket subscriber. Writes are serialized.
type wsClient struct {
	id   string
	conn *websocket.Conn

	mu     sync.Mutex
	closed bool
}

func (c *wsClient) write(messageType int, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if messageType == websocket.PingMessage {
		return c.conn.WriteMessage(websocket.PingMessage, nil)
	}
	return c.conn.WriteJSON(v)
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	c.conn.Close()
}

type clientRegistry struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
	log     *logging.Logger
}

func newClientRegistry(log *logging.Logger) *clientRegistry {
	return &clientRegistry{clients: make(map[string]*wsClient), log: log}
}

func (r *clientRegistry) add(c *wsClient) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
	r.log.Debug().Str("connId", c.id).Msg("client connected")
}

func (r *clientRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, id)
	r.log.Debug().Str("connId", id).Msg("client disconnected")
}

func (r *clientRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *clientRegistry) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.clients {
		c.close()
		delete(r.clients, id)
	}
}

// handleWebSocket streams every hook event to the client as JSON until the
// client goes away.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(64 * 1024)

	client := &wsClient{id: uuid.New().String(), conn: conn}
	s.clients.add(client)
	defer func() {
		s.clients.remove(client.id)
		client.close()
	}()

	var events <-chan hooks.Payload
	if s.deps.Hooks != nil {
		ch, cancel := s.deps.Hooks.Subscribe(wsBuffer)
		defer cancel()
		events = ch
	}

	// The read loop only notices disconnects; inbound frames are ignored.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	client.write(websocket.TextMessage, hooks.Payload{
		Event: "hello",
		Time:  time.Now().UTC(),
		Data:  map[string]any{"connId": client.id, "events": hooks.AllEvents},
	})

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case p, ok := <-events:
			if !ok {
				return
			}
			if err := client.write(websocket.TextMessage, p); err != nil {
				s.log.Debug().Err(err).Str("connId", client.id).Msg("websocket write failed")
				return
			}
		case <-ping.C:
			if err := client.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
