package relay

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	clientSendBuffer = 256
	writeWait        = 10 * time.Second
	clientPongWait   = 60 * time.Second
	clientPingPeriod = 25 * time.Second
)

// hubClient is one connected device socket with its buffered send
// queue.
type hubClient struct {
	uid       string
	conn      *websocket.Conn
	sendQ     chan []byte
	closeOnce sync.Once
}

func newHubClient(uid string, conn *websocket.Conn) *hubClient {
	return &hubClient{
		uid:   uid,
		conn:  conn,
		sendQ: make(chan []byte, clientSendBuffer),
	}
}

func (c *hubClient) closeQ() {
	c.closeOnce.Do(func() { close(c.sendQ) })
}

// writeLoop drains the send queue onto the socket and keeps the
// connection alive with pings.
func (c *hubClient) writeLoop() {
	ticker := time.NewTicker(clientPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.sendQ:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
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

// Hub tracks the connected device sockets by account id. One socket per
// account; a newer connection replaces the older one.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*hubClient
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*hubClient),
	}
}

func (h *Hub) register(client *hubClient) {
	h.mu.Lock()
	prev := h.clients[client.uid]
	h.clients[client.uid] = client
	h.mu.Unlock()
	if prev != nil {
		prev.closeQ()
		log.Info().Str("uid", client.uid).Msg("relay: replaced existing connection")
	}
	log.Info().Str("uid", client.uid).Msg("relay: client connected")
}

func (h *Hub) unregister(client *hubClient) {
	h.mu.Lock()
	if h.clients[client.uid] == client {
		delete(h.clients, client.uid)
	}
	h.mu.Unlock()
	client.closeQ()
	log.Info().Str("uid", client.uid).Msg("relay: client disconnected")
}

// Deliver pushes data to the account's socket. Returns false when the
// account is offline or its queue is full; the caller decides whether
// to queue for replay.
func (h *Hub) Deliver(uid string, data []byte) bool {
	h.mu.RLock()
	client, ok := h.clients[uid]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	select {
	case client.sendQ <- data:
		return true
	default:
		log.Warn().Str("uid", uid).Msg("relay: dropping push, client queue full")
		return false
	}
}

// Connected reports whether the account currently has a socket.
func (h *Hub) Connected(uid string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[uid]
	return ok
}
