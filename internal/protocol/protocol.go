// Package protocol defines the Phoenix-style JSON frames exchanged between
// realtime clients and the realtime service: channel join/leave, broadcast,
// presence, heartbeats and replies.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is a single frame on the websocket.
type Message struct {
	Event   string         `json:"event"`
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload"`
	Ref     string         `json:"ref"`
	JoinRef string         `json:"join_ref,omitempty"`
}

// Client events
const (
	EventJoin      = "phx_join"
	EventLeave     = "phx_leave"
	EventHeartbeat = "heartbeat"
	EventBroadcast = "broadcast"
	EventPresence  = "presence"
)

// Server events
const (
	EventReply         = "phx_reply"
	EventClose         = "phx_close"
	EventError         = "phx_error"
	EventPresenceState = "presence_state"
	EventPresenceDiff  = "presence_diff"
)

// Presence actions carried in a presence frame's "event" field.
const (
	PresenceTrack   = "track"
	PresenceUntrack = "untrack"
)

// Reply statuses
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Error codes sent in error replies.
const (
	CodeInvalidPayload = "invalid_payload"
	CodeNotJoined      = "not_joined"
	CodeUnauthorized   = "unauthorized"
	CodeInvalidToken   = "invalid_token"
	CodeUnknownEvent   = "unknown_event"
)

// TopicPhoenix is the topic heartbeats are sent on.
const TopicPhoenix = "phoenix"

// JoinConfig holds channel join configuration
type JoinConfig struct {
	Broadcast BroadcastConfig `json:"broadcast"`
	Presence  PresenceConfig  `json:"presence"`
}

// BroadcastConfig holds broadcast options
type BroadcastConfig struct {
	Self bool `json:"self"` // receive own broadcasts
}

// PresenceConfig holds presence options
type PresenceConfig struct {
	Key string `json:"key"` // default presence key, usually the client id
}

// ReplyError is the error carried by a phx_reply with status "error".
type ReplyError struct {
	Code    string
	Message string
}

func (e *ReplyError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ParseJoinPayload extracts JoinConfig and access_token from phx_join payload
func ParseJoinPayload(payload map[string]any) (*JoinConfig, string, error) {
	config := &JoinConfig{Broadcast: BroadcastConfig{Self: true}}

	token, _ := payload["access_token"].(string)

	raw, ok := payload["config"]
	if !ok || raw == nil {
		return config, token, nil
	}
	configMap, ok := raw.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("config must be an object, got %T", raw)
	}

	if bc, ok := configMap["broadcast"].(map[string]any); ok {
		if self, ok := bc["self"].(bool); ok {
			config.Broadcast.Self = self
		}
	}
	if pc, ok := configMap["presence"].(map[string]any); ok {
		if key, ok := pc["key"].(string); ok {
			config.Presence.Key = key
		}
	}

	return config, token, nil
}

// NewJoin creates a phx_join frame.
func NewJoin(topic, ref string, config JoinConfig) *Message {
	return &Message{
		Event:   EventJoin,
		Topic:   topic,
		Ref:     ref,
		JoinRef: ref,
		Payload: map[string]any{
			"config": map[string]any{
				"broadcast": map[string]any{"self": config.Broadcast.Self},
				"presence":  map[string]any{"key": config.Presence.Key},
			},
		},
	}
}

// NewLeave creates a phx_leave frame.
func NewLeave(topic string) *Message {
	return &Message{Event: EventLeave, Topic: topic, Payload: map[string]any{}}
}

// NewHeartbeat creates a heartbeat frame.
func NewHeartbeat() *Message {
	return &Message{Event: EventHeartbeat, Topic: TopicPhoenix, Payload: map[string]any{}}
}

// NewPublish creates the broadcast frame a client sends to publish a message.
func NewPublish(topic, name string, data any) *Message {
	return &Message{
		Event: EventBroadcast,
		Topic: topic,
		Payload: map[string]any{
			"type":    "broadcast",
			"event":   name,
			"payload": data,
		},
	}
}

// NewPresence creates a presence track or untrack frame for key.
func NewPresence(topic, action, key string, data any) *Message {
	return &Message{
		Event: EventPresence,
		Topic: topic,
		Payload: map[string]any{
			"type":    "presence",
			"event":   action,
			"key":     key,
			"payload": data,
		},
	}
}

// NewReply creates a phx_reply message
func NewReply(topic, joinRef, ref, status string, response map[string]any) *Message {
	return &Message{
		Event:   EventReply,
		Topic:   topic,
		JoinRef: joinRef,
		Ref:     ref,
		Payload: map[string]any{
			"status":   status,
			"response": response,
		},
	}
}

// NewErrorReply creates a phx_reply carrying an error.
func NewErrorReply(topic, joinRef, ref, code, message string) *Message {
	return NewReply(topic, joinRef, ref, StatusError, map[string]any{
		"code":    code,
		"message": message,
	})
}

// NewClose creates the phx_close frame sent when the server drops a topic.
func NewClose(topic, joinRef, reason string) *Message {
	return &Message{
		Event:   EventClose,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{"reason": reason},
	}
}

// NewBroadcastMessage creates the broadcast frame the server fans out.
func NewBroadcastMessage(topic string, b Broadcast) *Message {
	return &Message{
		Event: EventBroadcast,
		Topic: topic,
		Payload: map[string]any{
			"type":          "broadcast",
			"id":            b.ID,
			"event":         b.Event,
			"payload":       b.Payload,
			"client_id":     b.ClientID,
			"connection_id": b.ConnectionID,
			"timestamp":     b.Timestamp,
		},
	}
}

// NewPresenceStateMessage creates a presence_state message
func NewPresenceStateMessage(topic, joinRef string, state map[string][]PresenceMeta) *Message {
	payload := make(map[string]any, len(state))
	for k, v := range state {
		payload[k] = v
	}
	return &Message{
		Event:   EventPresenceState,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: payload,
	}
}

// NewPresenceDiffMessage creates a presence_diff message
func NewPresenceDiffMessage(topic, joinRef string, joins, leaves map[string][]PresenceMeta) *Message {
	return &Message{
		Event:   EventPresenceDiff,
		Topic:   topic,
		JoinRef: joinRef,
		Payload: map[string]any{
			"joins":  joins,
			"leaves": leaves,
		},
	}
}

// ReplyStatus returns the status and response of a phx_reply.
func (m *Message) ReplyStatus() (string, map[string]any) {
	status, _ := m.Payload["status"].(string)
	resp, _ := m.Payload["response"].(map[string]any)
	return status, resp
}

// ReplyErr converts an error reply into a *ReplyError. It returns nil for
// an ok reply.
func (m *Message) ReplyErr() error {
	status, resp := m.ReplyStatus()
	if status == StatusOK {
		return nil
	}
	code, _ := resp["code"].(string)
	msg, _ := resp["message"].(string)
	if code == "" {
		code = status
	}
	return &ReplyError{Code: code, Message: msg}
}

// Encode serializes a message to JSON bytes
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses JSON bytes into a Message
func DecodeMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("invalid message format: %w", err)
	}
	if msg.Payload == nil {
		msg.Payload = map[string]any{}
	}
	return &msg, nil
}
