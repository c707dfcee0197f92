package channel

import (
	"errors"
	"time"
)

// State is the attach state of a Channel.
type State int

const (
	Initialized State = iota
	Attaching
	Attached
	Detaching
	Detached
	Suspended
	Failed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	case Detaching:
		return "detaching"
	case Detached:
		return "detached"
	case Suspended:
		return "suspended"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange describes one channel transition.
type StateChange struct {
	Previous State
	Current  State
	Reason   error
}

// Options is per-channel configuration. A later Registry.GetWithOptions
// for the same name replaces it on the existing channel.
type Options struct {
	// ManualAttach disables the implicit attach performed by Subscribe and
	// Presence.Subscribe on an initialized channel.
	ManualAttach bool
	// SkipEcho suppresses delivery of this client's own publishes even when
	// the client echoes messages.
	SkipEcho bool
}

// Message is a message delivered to channel subscribers.
type Message struct {
	ID           string
	Name         string
	Data         any
	ClientID     string
	ConnectionID string
	Timestamp    time.Time
}

// Channel errors.
var (
	ErrChannelFailed    = errors.New("channel: failed")
	ErrChannelDetached  = errors.New("channel: detached")
	ErrChannelSuspended = errors.New("channel: suspended")
	ErrInvalidState     = errors.New("channel: operation not allowed in current state")
	ErrReleased         = errors.New("channel: released")
	ErrSuperseded       = errors.New("channel: superseded by a newer attach or detach")
	ErrNoClientID       = errors.New("channel: presence requires a client id")
)
