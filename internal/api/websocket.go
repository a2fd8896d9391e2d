package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/modbus-sniffer-bridge/internal/bridges/modbus"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/config"
	"github.com/nerrad567/modbus-sniffer-bridge/internal/infrastructure/logging"
)

// WebSocket message types.
const (
	WSTypeSubscribe   = "subscribe"
	WSTypeUnsubscribe = "unsubscribe"
	WSTypePing        = "ping"
	WSTypePong        = "pong"
	WSTypeEvent       = "event"
	WSTypeSnapshot    = "snapshot"
	WSTypeResponse    = "response"
	WSTypeError       = "error"
)

// Event channels.
const (
	ChannelRegisterValue   = "register.value"
	ChannelSessionFinished = "session.finished"
)

// wsSendBufferSize is the per-client outbound queue. A full queue drops
// the message for that client only.
const wsSendBufferSize = 256

// WSMessage is the envelope of every frame in either direction.
type WSMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	EventType string `json:"event_type,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// WSSubscribePayload selects channels and, for register.value, an
// optional set of register keys ("reg:40001", "40001", "coil:5").
// No registers means every register.
type WSSubscribePayload struct {
	Channels  []string `json:"channels"`
	Registers []string `json:"registers,omitempty"`
}

// Hub fans session events out to websocket clients and remembers the
// latest value of every register so late subscribers start complete.
type Hub struct {
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	latest  map[string]RegisterEvent

	dropped atomic.Uint64
}

type wsClient struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu        sync.RWMutex
	channels  map[string]struct{}
	registers map[string]struct{}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The status server is read-only and meant for a trusted network.
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// NewHub creates an empty hub.
func NewHub(logger *logging.Logger) *Hub {
	return &Hub{
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
		latest:  make(map[string]RegisterEvent),
	}
}

// Run blocks until ctx is cancelled, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
		c.conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped returns how many messages were discarded for slow clients.
func (h *Hub) Dropped() uint64 { return h.dropped.Load() }

// PublishRegister records ev as the latest value of its register and
// sends it to clients subscribed to register.value for that key.
func (h *Hub) PublishRegister(ev RegisterEvent) {
	h.mu.Lock()
	h.latest[ev.Key] = ev
	h.mu.Unlock()

	data, ok := h.encode(WSTypeEvent, ChannelRegisterValue, ev)
	if !ok {
		return
	}
	for _, c := range h.snapshotClients() {
		if c.wantsRegister(ev.Key) {
			h.deliver(c, data)
		}
	}
}

// PublishSession sends a finished-session summary to its subscribers.
func (h *Hub) PublishSession(sum modbus.Summary) {
	data, ok := h.encode(WSTypeEvent, ChannelSessionFinished, sum)
	if !ok {
		return
	}
	for _, c := range h.snapshotClients() {
		if c.wantsChannel(ChannelSessionFinished) {
			h.deliver(c, data)
		}
	}
}

// Latest returns the remembered register values ordered by key.
func (h *Hub) Latest() []RegisterEvent {
	h.mu.RLock()
	out := make([]RegisterEvent, 0, len(h.latest))
	for _, ev := range h.latest {
		out = append(out, ev)
	}
	h.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (h *Hub) add(c *wsClient) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("websocket client connected", "clients", n)
}

// remove closes the send queue exactly once: only the caller that finds
// the client still registered closes it.
func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	if ok {
		close(c.send)
	}
	h.logger.Debug("websocket client disconnected", "clients", n)
}

func (h *Hub) snapshotClients() []*wsClient {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		out = append(out, c)
	}
	return out
}

func (h *Hub) encode(msgType, channel string, payload any) ([]byte, bool) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		EventType: channel,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		h.logger.Error("failed to encode websocket message", "channel", channel, "error", err)
		return nil, false
	}
	return data, true
}

// deliver queues data without blocking. The send may race a concurrent
// remove, so a send on the closed queue is absorbed.
func (h *Hub) deliver(c *wsClient, data []byte) {
	defer func() {
		recover() //nolint:errcheck // client went away mid-broadcast
	}()

	select {
	case c.send <- data:
	default:
		h.dropped.Add(1)
	}
}

// replay sends the remembered values matching the client's filter.
func (h *Hub) replay(c *wsClient) {
	if !c.wantsChannel(ChannelRegisterValue) {
		return
	}
	for _, ev := range h.Latest() {
		if !c.wantsRegister(ev.Key) {
			continue
		}
		if data, ok := h.encode(WSTypeSnapshot, ChannelRegisterValue, ev); ok {
			h.deliver(c, data)
		}
	}
}

// handleWebSocket upgrades the connection. Channels may be preselected
// with ?channels=a,b and registers with ?registers=40001,coil:5.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &wsClient{
		hub:       s.hub,
		conn:      conn,
		send:      make(chan []byte, wsSendBufferSize),
		channels:  make(map[string]struct{}),
		registers: make(map[string]struct{}),
	}
	q := r.URL.Query()
	c.subscribe(splitList(q.Get("channels")), splitList(q.Get("registers")))

	s.hub.add(c)
	s.hub.replay(c)

	go c.writeLoop(s.wsCfg)
	go c.readLoop(s.wsCfg)
}

func (c *wsClient) readLoop(cfg config.WebSocketConfig) {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()

	wait := time.Duration(cfg.PingInterval+cfg.PongTimeout) * time.Second
	c.conn.SetReadLimit(int64(cfg.MaxMessageSize))
	//nolint:errcheck // a failed deadline surfaces as a read error
	c.conn.SetReadDeadline(time.Now().Add(wait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		//nolint:errcheck // a failed deadline surfaces as a read error
		c.conn.SetReadDeadline(time.Now().Add(wait))
		c.handle(data)
	}
}

func (c *wsClient) writeLoop(cfg config.WebSocketConfig) {
	ping := time.NewTicker(time.Duration(cfg.PingInterval) * time.Second)
	writeWait := time.Duration(cfg.PongTimeout) * time.Second
	defer func() {
		ping.Stop()
		c.conn.Close()
	}()

	for {
		var (
			kind = websocket.TextMessage
			data []byte
		)
		select {
		case msg, ok := <-c.send:
			if !ok {
				//nolint:errcheck // connection is going away regardless
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			data = msg
		case <-ping.C:
			kind = websocket.PingMessage
		}

		//nolint:errcheck // a failed deadline surfaces as a write error
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(kind, data); err != nil {
			return
		}
	}
}

func (c *wsClient) handle(data []byte) {
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply("", WSTypeError, map[string]string{"message": "invalid JSON message"})
		return
	}

	switch msg.Type {
	case WSTypeSubscribe, WSTypeUnsubscribe:
		// Payload arrives as a generic map; round-trip it into the typed form.
		raw, _ := json.Marshal(msg.Payload) //nolint:errcheck // decoded JSON always re-encodes
		var sub WSSubscribePayload
		if err := json.Unmarshal(raw, &sub); err != nil {
			c.reply(msg.ID, WSTypeError, map[string]string{"message": "invalid " + msg.Type + " payload"})
			return
		}
		if msg.Type == WSTypeSubscribe {
			c.subscribe(sub.Channels, sub.Registers)
			c.reply(msg.ID, WSTypeResponse, map[string]any{"subscribed": sub.Channels, "registers": c.registerKeys()})
			c.hub.replay(c)
			return
		}
		c.unsubscribe(sub.Channels, sub.Registers)
		c.reply(msg.ID, WSTypeResponse, map[string]any{"unsubscribed": sub.Channels, "registers": c.registerKeys()})
	case WSTypePing:
		c.reply(msg.ID, WSTypePong, nil)
	default:
		c.reply(msg.ID, WSTypeError, map[string]string{"message": "unknown message type: " + msg.Type})
	}
}

func (c *wsClient) reply(id, msgType string, payload any) {
	data, err := json.Marshal(WSMessage{
		Type:      msgType,
		ID:        id,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Payload:   payload,
	})
	if err != nil {
		return
	}
	c.hub.deliver(c, data)
}

func (c *wsClient) subscribe(channels, registers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	for _, r := range registers {
		c.registers[registerKey(r)] = struct{}{}
	}
}

func (c *wsClient) unsubscribe(channels, registers []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range channels {
		delete(c.channels, ch)
	}
	for _, r := range registers {
		delete(c.registers, registerKey(r))
	}
}

func (c *wsClient) wantsChannel(ch string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.channels[ch]
	return ok
}

func (c *wsClient) wantsRegister(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.channels[ChannelRegisterValue]; !ok {
		return false
	}
	if len(c.registers) == 0 {
		return true
	}
	_, ok := c.registers[key]
	return ok
}

func (c *wsClient) registerKeys() []string {
	c.mu.RLock()
	keys := make([]string, 0, len(c.registers))
	for k := range c.registers {
		keys = append(keys, k)
	}
	c.mu.RUnlock()
	sort.Strings(keys)
	return keys
}

// registerKey canonicalises a filter entry: "40001" and "reg:40001"
// name the same holding register. Anything else is kept verbatim.
func registerKey(s string) string {
	addrs := modbus.ParseAddressSpec(s)
	if len(addrs) != 1 {
		return s
	}
	return addrs[0].Address.Key()
}
