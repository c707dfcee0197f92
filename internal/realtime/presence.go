package realtime

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/markb/sbrealtime/internal/protocol"
)

// PresenceState tracks presence for a channel. A key (client id) may be
// present once per connection.
type PresenceState struct {
	mu    sync.RWMutex
	state map[string][]protocol.PresenceMeta // presenceKey -> list of metas
}

// NewPresenceState creates a new presence state
func NewPresenceState() *PresenceState {
	return &PresenceState{
		state: make(map[string][]protocol.PresenceMeta),
	}
}

// Track adds or updates presence for a key/connection
func (ps *PresenceState) Track(key, connID string, data any) protocol.PresenceMeta {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	meta := protocol.PresenceMeta{
		PhxRef:       uuid.New().String()[:8],
		ClientID:     key,
		ConnectionID: connID,
		Data:         data,
		Timestamp:    time.Now().UnixMilli(),
	}

	// Check if this connection already has presence for this key
	metas := ps.state[key]
	found := false
	for i, m := range metas {
		if m.ConnectionID == connID {
			metas[i] = meta
			found = true
			break
		}
	}

	if !found {
		ps.state[key] = append(metas, meta)
	}

	return meta
}

// Untrack removes presence for a key/connection. data, if set, replaces the
// data reported with the leave.
func (ps *PresenceState) Untrack(key, connID string, data any) []protocol.PresenceMeta {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	metas := ps.state[key]
	var leaves []protocol.PresenceMeta
	var remaining []protocol.PresenceMeta

	for _, m := range metas {
		if m.ConnectionID == connID {
			if data != nil {
				m.Data = data
			}
			m.Timestamp = time.Now().UnixMilli()
			leaves = append(leaves, m)
		} else {
			remaining = append(remaining, m)
		}
	}

	if len(remaining) == 0 {
		delete(ps.state, key)
	} else {
		ps.state[key] = remaining
	}

	return leaves
}

// UntrackConn removes all presences for a connection
func (ps *PresenceState) UntrackConn(connID string) map[string][]protocol.PresenceMeta {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	leaves := make(map[string][]protocol.PresenceMeta)

	for key, metas := range ps.state {
		var remaining []protocol.PresenceMeta
		for _, m := range metas {
			if m.ConnectionID == connID {
				leaves[key] = append(leaves[key], m)
			} else {
				remaining = append(remaining, m)
			}
		}

		if len(remaining) == 0 {
			delete(ps.state, key)
		} else {
			ps.state[key] = remaining
		}
	}

	return leaves
}

// GetState returns the full presence state for broadcasting
func (ps *PresenceState) GetState() map[string][]protocol.PresenceMeta {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	result := make(map[string][]protocol.PresenceMeta, len(ps.state))
	for key, metas := range ps.state {
		result[key] = append([]protocol.PresenceMeta(nil), metas...)
	}
	return result
}

// Count returns the number of presence entries.
func (ps *PresenceState) Count() int {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	n := 0
	for _, metas := range ps.state {
		n += len(metas)
	}
	return n
}
