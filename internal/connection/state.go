package connection

import (
	"errors"
	"time"
)

// State is the lifecycle state of a Connection.
type State int

const (
	Initialized State = iota
	Connecting
	Connected
	Disconnected
	Suspended
	Closing
	Closed
	Failed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Initialized:
		return "initialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Suspended:
		return "suspended"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// StateChange describes one transition.
type StateChange struct {
	Previous State
	Current  State
	Reason   error
	RetryIn  time.Duration // set when a reconnect is scheduled
}

// Connection errors.
var (
	ErrConnectionClosed    = errors.New("connection: closed")
	ErrConnectionFailed    = errors.New("connection: failed")
	ErrConnectionSuspended = errors.New("connection: suspended")
	ErrDisconnected        = errors.New("connection: transport disconnected")
	ErrNotConnected        = errors.New("connection: not connected and message queueing disabled")
	ErrRequestTimeout      = errors.New("connection: request timed out")
	ErrUnauthorized        = errors.New("connection: unauthorized")
)
