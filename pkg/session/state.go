package session

import (
	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/transcript"
)

// State is the live connection state as seen by the session.
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Update is delivered to the update handler after every transcript or state
// change. Transcript is a private copy.
type Update struct {
	Transcript transcript.Transcript
	State      State
	Change     transcript.Change
}

var (
	ErrAlreadyNamed   = errors.New("session already named")
	ErrAlreadyStarted = errors.New("session already started")
	ErrNotStarted     = errors.New("session not started")
	ErrClosed         = errors.New("session closed")
)
