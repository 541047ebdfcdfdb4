package types

import (
	"fmt"
	"time"
)

// ServerState is the lifecycle state of the bridge server
type ServerState int

const (
	// StateStopped means no socket is bound and no peer is connected
	StateStopped ServerState = iota
	// StateListening means the server is bound and waits for one peer
	StateListening
	// StateConnected means exactly one peer is connected
	StateConnected
	// StateFailed means an unrecoverable socket error occurred; cleanup follows
	StateFailed
)

// String returns the state name
func (s ServerState) String() string {
	switch s {
	case StateStopped:
		return "Stopped"
	case StateListening:
		return "Listening"
	case StateConnected:
		return "Connected"
	case StateFailed:
		return "Failed"
	default:
		return fmt.Sprintf("ServerState(%d)", int(s))
	}
}

// MarshalText encodes the state by name
func (s ServerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name written by MarshalText
func (s *ServerState) UnmarshalText(text []byte) error {
	for _, state := range []ServerState{StateStopped, StateListening, StateConnected, StateFailed} {
		if state.String() == string(text) {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown server state %q", text)
}

// Transition records a single state change of the bridge server
type Transition struct {
	From    ServerState `json:"from"`
	To      ServerState `json:"to"`
	Session uint64      `json:"session"`
	At      time.Time   `json:"at"`
	Reason  string      `json:"reason,omitempty"`
}

// String renders the transition as "From->To"
func (t Transition) String() string {
	return t.From.String() + "->" + t.To.String()
}
