package realtime

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/log"
	"github.com/markb/sbrealtime/internal/protocol"
)

// Hub manages all WebSocket connections and channels
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*Conn    // connID -> Conn
	channels    map[string]*Channel // topic -> Channel

	jwtSecret string
}

// HubStats contains realtime statistics
type HubStats struct {
	Connections    int            `json:"connections"`
	Channels       int            `json:"channels"`
	ChannelDetails []ChannelStats `json:"channel_details"`
}

// ChannelStats contains per-channel statistics
type ChannelStats struct {
	Topic       string `json:"topic"`
	Subscribers int    `json:"subscribers"`
	Members     int    `json:"members"`
}

// NewHub creates a new Hub
func NewHub(jwtSecret string) *Hub {
	return &Hub{
		connections: make(map[string]*Conn),
		channels:    make(map[string]*Channel),
		jwtSecret:   jwtSecret,
	}
}

// Stats returns current realtime statistics
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		Connections:    len(h.connections),
		Channels:       len(h.channels),
		ChannelDetails: make([]ChannelStats, 0, len(h.channels)),
	}

	for _, ch := range h.channels {
		ch.mu.RLock()
		stats.ChannelDetails = append(stats.ChannelDetails, ChannelStats{
			Topic:       ch.topic,
			Subscribers: len(ch.subscribers),
			Members:     ch.presence.Count(),
		})
		ch.mu.RUnlock()
	}
	sort.Slice(stats.ChannelDetails, func(i, j int) bool {
		return stats.ChannelDetails[i].Topic < stats.ChannelDetails[j].Topic
	})

	return stats
}

// Broadcast publishes a server-originated message to every subscriber of
// topic. It reports how many subscribers received it.
func (h *Hub) Broadcast(topic, event string, payload any) int {
	ch := h.getChannel(topic)
	if ch == nil {
		return 0
	}
	msg := protocol.NewBroadcastMessage(topic, protocol.Broadcast{
		ID:        uuid.NewString(),
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	})
	subs := ch.getSubscribers()
	for _, sub := range subs {
		sub.conn.Send(msg)
	}
	return len(subs)
}

// CloseChannel drops every subscription to topic and notifies subscribers
// with phx_close. It reports whether the channel existed.
func (h *Hub) CloseChannel(topic, reason string) bool {
	h.mu.Lock()
	ch, ok := h.channels[topic]
	if ok {
		delete(h.channels, topic)
	}
	h.mu.Unlock()
	if !ok {
		return false
	}

	for _, sub := range ch.getSubscribers() {
		sub.conn.forgetChannel(topic)
		sub.conn.Send(protocol.NewClose(topic, sub.joinRef, reason))
	}
	log.Info("realtime: channel closed", "topic", topic, "reason", reason)
	return true
}

// registerConn adds a connection to the hub
func (h *Hub) registerConn(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connections[conn.id] = conn
}

// unregisterConn removes a connection from the hub and all channels. Any
// presence the connection held leaves, and remaining subscribers are told.
func (h *Hub) unregisterConn(conn *Conn) {
	h.mu.Lock()
	delete(h.connections, conn.id)

	type departure struct {
		ch     *Channel
		leaves map[string][]protocol.PresenceMeta
	}
	var departures []departure

	for topic, ch := range h.channels {
		ch.mu.Lock()
		if _, ok := ch.subscribers[conn.id]; ok {
			delete(ch.subscribers, conn.id)
			if leaves := ch.presence.UntrackConn(conn.id); len(leaves) > 0 {
				departures = append(departures, departure{ch: ch, leaves: leaves})
			}
			// Clean up empty channels
			if len(ch.subscribers) == 0 {
				delete(h.channels, topic)
			}
		}
		ch.mu.Unlock()
	}
	h.mu.Unlock()

	for _, d := range departures {
		diff := protocol.NewPresenceDiffMessage(d.ch.topic, "",
			map[string][]protocol.PresenceMeta{}, d.leaves)
		for _, sub := range d.ch.getSubscribers() {
			sub.conn.Send(diff)
		}
	}
}

// getOrCreateChannel gets or creates a channel by topic
func (h *Hub) getOrCreateChannel(topic string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		return ch
	}

	ch := &Channel{
		topic:       topic,
		subscribers: make(map[string]*ChannelSub),
		presence:    NewPresenceState(),
	}
	h.channels[topic] = ch
	return ch
}

// getChannel returns a channel by topic, or nil if not found
func (h *Hub) getChannel(topic string) *Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channels[topic]
}

// removeChannelIfEmpty removes a channel if it has no subscribers
func (h *Hub) removeChannelIfEmpty(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[topic]; ok {
		ch.mu.RLock()
		empty := len(ch.subscribers) == 0
		ch.mu.RUnlock()
		if empty {
			delete(h.channels, topic)
		}
	}
}
