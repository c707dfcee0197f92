package realtime

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/protocol"
)

const (
	// Send buffer size for outbound messages
	sendBufferSize = 256

	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message
	pongWait = 30 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = 25 * time.Second

	// Maximum message size
	maxMessageSize = 512 * 1024 // 512KB
)

// Conn represents a WebSocket connection
type Conn struct {
	id        string
	clientID  string
	ws        *websocket.Conn
	hub       *Hub
	mu        sync.Mutex
	channels  map[string]*ChannelSub // topic -> subscription
	claims    jwt.MapClaims          // parsed from access_token
	send      chan []byte            // outbound message queue
	done      chan struct{}          // closed when connection ends
	closeOnce sync.Once
}

// NewConn creates a new connection
func (h *Hub) NewConn(ws *websocket.Conn, clientID string) *Conn {
	conn := &Conn{
		id:       uuid.New().String(),
		clientID: clientID,
		ws:       ws,
		hub:      h,
		channels: make(map[string]*ChannelSub),
		send:     make(chan []byte, sendBufferSize),
		done:     make(chan struct{}),
	}
	h.registerConn(conn)
	return conn
}

// ID returns the connection ID
func (c *Conn) ID() string {
	return c.id
}

// ClientID returns the client id given when connecting, if any.
func (c *Conn) ClientID() string {
	return c.clientID
}

// Send queues a message for sending
func (c *Conn) Send(msg *protocol.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return nil // Connection closed
	default:
		// Buffer full, drop message
		log.Warn("realtime: send buffer full, dropping message", "conn_id", c.id)
		return nil
	}
}

// Close closes the connection
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
		if c.hub != nil {
			c.hub.unregisterConn(c)
		}
	})
}

// ReadPump reads messages from the WebSocket connection
func (c *Conn) ReadPump() {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Debug("realtime: read error", "conn_id", c.id, "error", err.Error())
			}
			return
		}
		// Any frame proves the peer is alive.
		c.ws.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.DecodeMessage(data)
		if err != nil {
			n := len(data)
			if n > 100 {
				n = 100
			}
			log.Debug("realtime: invalid message", "conn_id", c.id, "error", err.Error(), "raw_hex", fmt.Sprintf("%x", data[:n]), "len", len(data))
			continue
		}

		c.handleMessage(msg)
	}
}

// WritePump writes messages to the WebSocket connection
func (c *Conn) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// handleMessage routes incoming messages to appropriate handlers
func (c *Conn) handleMessage(msg *protocol.Message) {
	log.Debug("realtime: handleMessage", "conn_id", c.id, "event", msg.Event, "topic", msg.Topic)

	switch msg.Event {
	case protocol.EventHeartbeat:
		c.handleHeartbeat(msg)
	case protocol.EventJoin:
		c.handleJoin(msg)
	case protocol.EventLeave:
		c.handleLeave(msg)
	case protocol.EventBroadcast:
		c.handleBroadcast(msg)
	case protocol.EventPresence:
		c.handlePresence(msg)
	default:
		log.Debug("realtime: unknown event", "conn_id", c.id, "event", msg.Event, "topic", msg.Topic)
		if msg.Ref != "" {
			c.sendError(msg.Topic, msg.JoinRef, msg.Ref, protocol.CodeUnknownEvent, "unknown event "+msg.Event)
		}
	}
}

// handleHeartbeat responds to heartbeat messages
func (c *Conn) handleHeartbeat(msg *protocol.Message) {
	reply := protocol.NewReply(protocol.TopicPhoenix, "", msg.Ref, protocol.StatusOK, map[string]any{})
	c.Send(reply)
}

// handleJoin handles channel join requests. Joining a topic already joined
// replaces the subscription.
func (c *Conn) handleJoin(msg *protocol.Message) {
	if msg.Topic == "" {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, protocol.CodeInvalidPayload, "topic is required")
		return
	}

	config, token, err := protocol.ParseJoinPayload(msg.Payload)
	if err != nil {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, protocol.CodeInvalidPayload, err.Error())
		return
	}

	// Validate JWT if provided
	if token != "" {
		claims, err := c.hub.validateToken(token)
		if err != nil {
			c.sendError(msg.Topic, msg.JoinRef, msg.Ref, protocol.CodeInvalidToken, err.Error())
			return
		}
		c.claims = claims
	}

	ch := c.hub.getOrCreateChannel(msg.Topic)

	presenceKey := config.Presence.Key
	if presenceKey == "" {
		presenceKey = c.clientID
	}
	sub := &ChannelSub{
		conn:            c,
		joinRef:         msg.JoinRef,
		broadcastConfig: BroadcastConfig{Self: config.Broadcast.Self},
		presenceKey:     presenceKey,
	}

	ch.addSubscriber(c.id, sub)

	// Track channel subscription on connection
	c.mu.Lock()
	c.channels[msg.Topic] = sub
	c.mu.Unlock()

	reply := protocol.NewReply(msg.Topic, msg.JoinRef, msg.Ref, protocol.StatusOK, map[string]any{})
	c.Send(reply)

	stateMsg := protocol.NewPresenceStateMessage(msg.Topic, msg.JoinRef, ch.presence.GetState())
	c.Send(stateMsg)
}

// handleLeave handles channel leave requests
func (c *Conn) handleLeave(msg *protocol.Message) {
	c.mu.Lock()
	sub, ok := c.channels[msg.Topic]
	if ok {
		delete(c.channels, msg.Topic)
	}
	c.mu.Unlock()

	if !ok {
		c.sendError(msg.Topic, "", msg.Ref, protocol.CodeNotJoined, "not subscribed to channel")
		return
	}

	ch := c.hub.getChannel(msg.Topic)
	if ch != nil {
		// Presence entered from this connection leaves with it.
		leaves := ch.presence.UntrackConn(c.id)
		if len(leaves) > 0 {
			diff := protocol.NewPresenceDiffMessage(msg.Topic, sub.joinRef,
				map[string][]protocol.PresenceMeta{}, leaves)
			c.broadcastToChannel(ch, diff, "")
		}

		ch.removeSubscriber(c.id)
		c.hub.removeChannelIfEmpty(msg.Topic)
	}

	reply := protocol.NewReply(msg.Topic, "", msg.Ref, protocol.StatusOK, map[string]any{})
	c.Send(reply)
}

// handleBroadcast relays a published message to the topic's subscribers
// and acknowledges it. Publishing does not require a join.
func (c *Conn) handleBroadcast(msg *protocol.Message) {
	event, _ := msg.Payload["event"].(string)
	if event == "" {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, protocol.CodeInvalidPayload, "event is required")
		return
	}

	if ch := c.hub.getChannel(msg.Topic); ch != nil {
		broadcastMsg := protocol.NewBroadcastMessage(msg.Topic, protocol.Broadcast{
			ID:           uuid.NewString(),
			Event:        event,
			Payload:      msg.Payload["payload"],
			ClientID:     c.clientID,
			ConnectionID: c.id,
			Timestamp:    time.Now().UnixMilli(),
		})

		// Broadcast to channel, respecting self flag
		excludeID := ""
		if sub := ch.getSubscriber(c.id); sub != nil && !sub.broadcastConfig.Self {
			excludeID = c.id
		}
		log.Debug("realtime: handleBroadcast - broadcasting", "topic", msg.Topic, "event", event)
		c.broadcastToChannel(ch, broadcastMsg, excludeID)
	}

	reply := protocol.NewReply(msg.Topic, msg.JoinRef, msg.Ref, protocol.StatusOK, map[string]any{})
	c.Send(reply)
}

// handlePresence handles track and untrack. The diff is broadcast before
// the sender is acknowledged.
func (c *Conn) handlePresence(msg *protocol.Message) {
	c.mu.Lock()
	sub, ok := c.channels[msg.Topic]
	c.mu.Unlock()

	if !ok {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, protocol.CodeNotJoined, "presence requires joining the channel")
		return
	}

	ch := c.hub.getChannel(msg.Topic)
	if ch == nil {
		c.sendError(msg.Topic, msg.JoinRef, msg.Ref, protocol.CodeNotJoined, "channel closed")
		return
	}

	key, _ := msg.Payload["key"].(string)
	if key == "" {
		key = sub.presenceKey
	}
	if key == "" {
		c.sendError(msg.Topic, sub.joinRef, msg.Ref, protocol.CodeInvalidPayload, "presence requires a client id")
		return
	}

	// Check for event type in both "event" and "type" fields
	eventType, _ := msg.Payload["event"].(string)
	if eventType == "" {
		eventType, _ = msg.Payload["type"].(string)
	}
	data := msg.Payload["payload"]

	switch eventType {
	case protocol.PresenceTrack:
		meta := ch.presence.Track(key, c.id, data)
		joins := map[string][]protocol.PresenceMeta{key: {meta}}
		diff := protocol.NewPresenceDiffMessage(msg.Topic, sub.joinRef, joins, map[string][]protocol.PresenceMeta{})
		c.broadcastToChannel(ch, diff, "")
	case protocol.PresenceUntrack:
		leaves := ch.presence.Untrack(key, c.id, data)
		if len(leaves) > 0 {
			diff := protocol.NewPresenceDiffMessage(msg.Topic, sub.joinRef,
				map[string][]protocol.PresenceMeta{},
				map[string][]protocol.PresenceMeta{key: leaves})
			c.broadcastToChannel(ch, diff, "")
		}
	default:
		c.sendError(msg.Topic, sub.joinRef, msg.Ref, protocol.CodeInvalidPayload, "unknown presence event "+eventType)
		return
	}

	reply := protocol.NewReply(msg.Topic, sub.joinRef, msg.Ref, protocol.StatusOK, map[string]any{})
	c.Send(reply)
}

// forgetChannel drops the connection's record of a topic the hub closed.
func (c *Conn) forgetChannel(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, topic)
}

// broadcastToChannel sends a message to all channel subscribers
func (c *Conn) broadcastToChannel(ch *Channel, msg *protocol.Message, excludeConnID string) {
	for _, sub := range ch.getSubscribers() {
		if sub.conn.id == excludeConnID {
			continue
		}
		sub.conn.Send(msg)
	}
}

// sendError sends an error reply
func (c *Conn) sendError(topic, joinRef, ref, code, message string) {
	c.Send(protocol.NewErrorReply(topic, joinRef, ref, code, message))
}

// validateToken validates a JWT and returns claims
func (h *Hub) validateToken(tokenStr string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (interface{}, error) {
		return []byte(h.jwtSecret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}

	return claims, nil
}
