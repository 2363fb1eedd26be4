package session

import (
	"encoding/json"

	"github.com/the5gs/arstreamer/internal/channel"
)

// State is the state of a Session.
type State int

// states.
const (
	StateIdle State = iota
	StateActive
	StateCompleting
	StateErrored
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateCompleting:
		return "completing"
	case StateErrored:
		return "errored"
	}
	return "unknown"
}

// MarshalJSON implements json.Marshaler.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// snapshot is an immutable view of the session.
// It is replaced as a whole on every transition.
type snapshot struct {
	state               State
	generation          uint64
	stream              *channel.Stream
	sessionID           string
	intrinsicsSent      bool
	intrinsicsConfirmed bool
	lastError           string
}

func (s snapshot) with(update func(*snapshot)) *snapshot {
	update(&s)
	return &s
}
