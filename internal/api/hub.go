package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/bioreactor-core/internal/infrastructure/config"
	"github.com/nerrad567/bioreactor-core/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Broadcast channels. ChannelAll matches every channel.
const (
	ChannelJobState         = "job.state"
	ChannelJobHeartbeat     = "job.heartbeat"
	ChannelClusterHeartbeat = "cluster.heartbeat"
	ChannelClusterRoster    = "cluster.roster"
	ChannelAll              = "*"
)

const outboxSize = 256

// WSMessage is the envelope for every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload is the payload of subscribe and unsubscribe frames.
type WSSubscribePayload struct {
	Channels []string `json:"channels"`
}

func envelope(typ, id, channel string, payload any) ([]byte, error) {
	return json.Marshal(WSMessage{
		Type:      typ,
		ID:        id,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origins are filtered by corsMiddleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub fans events out to connected dashboards by channel.
type Hub struct {
	log        *logging.Logger
	ping, pong time.Duration
	readLimit  int64

	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewHub creates a hub. Zero ping and pong settings fall back to 30s and
// 10s.
func NewHub(cfg config.WebSocketConfig, log *logging.Logger) *Hub {
	h := &Hub{
		log:       log,
		ping:      30 * time.Second,
		pong:      10 * time.Second,
		readLimit: int64(cfg.MaxMessageSize),
		conns:     make(map[*wsConn]struct{}),
	}
	if cfg.PingInterval > 0 {
		h.ping = time.Duration(cfg.PingInterval) * time.Second
	}
	if cfg.PongTimeout > 0 {
		h.pong = time.Duration(cfg.PongTimeout) * time.Second
	}
	return h
}

// Run blocks until ctx is done and then drops every connection.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		delete(h.conns, c)
		close(c.outbox)
		c.ws.Close()
	}
}

// Broadcast sends payload to every connection subscribed to channel.
// Slow connections lose the frame.
func (h *Hub) Broadcast(channel string, payload any) {
	frame, err := envelope(WSTypeEvent, "", channel, payload)
	if err != nil {
		h.log.Error("encoding websocket event", "channel", channel, "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if c.wants(channel) {
			c.enqueue(frame)
		}
	}
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *Hub) attach(ws *websocket.Conn) *wsConn {
	c := &wsConn{
		hub:      h,
		ws:       ws,
		outbox:   make(chan []byte, outboxSize),
		channels: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.log.Debug("websocket client connected", "clients", n)
	return c
}

// detach closes c's outbox exactly once, whichever of Run and readLoop
// gets there first.
func (h *Hub) detach(c *wsConn) {
	h.mu.Lock()
	_, ok := h.conns[c]
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()

	if ok {
		close(c.outbox)
	}
	h.log.Debug("websocket client disconnected", "clients", n)
}

// handleWebSocket upgrades the request and starts the connection's pumps.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := s.hub.attach(ws)
	go c.writeLoop()
	go c.readLoop()
}

// wsConn is one dashboard connection.
type wsConn struct {
	hub    *Hub
	ws     *websocket.Conn
	outbox chan []byte

	mu       sync.RWMutex
	channels map[string]struct{}
}

func (c *wsConn) wants(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, all := c.channels[ChannelAll]
	_, one := c.channels[channel]
	return all || one
}

// enqueue drops the frame when the outbox is full or already closed.
func (c *wsConn) enqueue(frame []byte) {
	defer func() { _ = recover() }()
	select {
	case c.outbox <- frame:
	default:
	}
}

func (c *wsConn) reply(typ, id string, payload any) {
	if frame, err := envelope(typ, id, "", payload); err == nil {
		c.enqueue(frame)
	}
}

func (c *wsConn) fail(id, message string) {
	c.reply(WSTypeError, id, map[string]string{"message": message})
}

func (c *wsConn) readLoop() {
	defer func() {
		c.hub.detach(c)
		c.ws.Close()
	}()

	if c.hub.readLimit > 0 {
		c.ws.SetReadLimit(c.hub.readLimit)
	}
	alive := func() error {
		return c.ws.SetReadDeadline(time.Now().Add(c.hub.ping + c.hub.pong))
	}
	_ = alive()
	c.ws.SetPongHandler(func(string) error { return alive() })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.Warn("websocket read error", "error", err)
			}
			return
		}
		_ = alive()
		c.handle(data)
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.hub.ping)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame, ok := <-c.outbox:
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.pong))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.hub.pong))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) handle(data []byte) {
	var msg struct {
		Type    string             `json:"type"`
		ID      string             `json:"id"`
		Payload WSSubscribePayload `json:"payload"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		c.fail("", "invalid JSON message")
		return
	}

	switch msg.Type {
	case WSTypePing:
		c.reply(WSTypePong, msg.ID, nil)
	case WSTypeSubscribe, WSTypeUnsubscribe:
		if len(msg.Payload.Channels) == 0 {
			c.fail(msg.ID, msg.Type+" needs at least one channel")
			return
		}
		add := msg.Type == WSTypeSubscribe
		c.mu.Lock()
		for _, ch := range msg.Payload.Channels {
			if add {
				c.channels[ch] = struct{}{}
			} else {
				delete(c.channels, ch)
			}
		}
		c.mu.Unlock()

		key := "subscribed"
		if !add {
			key = "unsubscribed"
		}
		c.reply(WSTypeResponse, msg.ID, map[string]any{key: msg.Payload.Channels})
	default:
		c.fail(msg.ID, "unknown message type: "+msg.Type)
	}
}
