package protocol

import (
	"encoding/json"
	"fmt"
)

// Broadcast is a message relayed to channel subscribers.
type Broadcast struct {
	ID           string `json:"id"`
	Event        string `json:"event"`
	Payload      any    `json:"payload"`
	ClientID     string `json:"client_id"`
	ConnectionID string `json:"connection_id"`
	Timestamp    int64  `json:"timestamp"` // unix milliseconds
}

// PresenceMeta is one presence entry for a key. A key (client id) may have
// several entries, one per connection.
type PresenceMeta struct {
	PhxRef       string `json:"phx_ref"`
	ClientID     string `json:"client_id"`
	ConnectionID string `json:"connection_id"`
	Data         any    `json:"data,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// PresenceDiff is the payload of a presence_diff frame.
type PresenceDiff struct {
	Joins  map[string][]PresenceMeta `json:"joins"`
	Leaves map[string][]PresenceMeta `json:"leaves"`
}

// DecodeBroadcast reads the payload of a server broadcast frame.
func DecodeBroadcast(m *Message) (*Broadcast, error) {
	var b Broadcast
	if err := decodePayload(m.Payload, &b); err != nil {
		return nil, fmt.Errorf("decode broadcast: %w", err)
	}
	return &b, nil
}

// DecodePresenceState reads the payload of a presence_state frame.
func DecodePresenceState(m *Message) (map[string][]PresenceMeta, error) {
	state := make(map[string][]PresenceMeta)
	if err := decodePayload(m.Payload, &state); err != nil {
		return nil, fmt.Errorf("decode presence state: %w", err)
	}
	return state, nil
}

// DecodePresenceDiff reads the payload of a presence_diff frame.
func DecodePresenceDiff(m *Message) (*PresenceDiff, error) {
	var d PresenceDiff
	if err := decodePayload(m.Payload, &d); err != nil {
		return nil, fmt.Errorf("decode presence diff: %w", err)
	}
	return &d, nil
}

// decodePayload converts a generic JSON object into a typed value.
func decodePayload(payload map[string]any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}
