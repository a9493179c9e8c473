// Package livechannel is the push channel: a persistent connection that tells
// the client when new messages exist, and carries best-effort announcements
// outward.
package livechannel

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatsync/pkg/transcript"
)

type EventKind int

const (
	Opened EventKind = iota + 1
	Closed
	Notified
)

func (k EventKind) String() string {
	switch k {
	case Opened:
		return "opened"
	case Closed:
		return "closed"
	case Notified:
		return "notified"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind         EventKind
	Notification Notification
	// Err is the cause of a Closed event, if any.
	Err error
	// Retrying marks a Closed event after which the channel keeps trying to
	// reconnect. A Closed event without it is final.
	Retrying bool
}

// Notification is either a full message or a marker saying that something
// changed and history must be pulled again.
type Notification struct {
	Message *transcript.Incoming
}

func (n Notification) IsRefresh() bool { return n.Message == nil }

// Outbound is the announcement a client sends after persisting a message.
type Outbound struct {
	ServerID string `json:"id,omitempty"`
	Author   string `json:"author"`
	Text     string `json:"text"`
}

// Channel is the owner's view of a live connection. Events are delivered in
// order on a single stream. After Close returns no further events are produced
// and Events is closed.
type Channel interface {
	Start(ctx context.Context) error
	Events() <-chan Event
	// Send fails with *chaterrors.SendError unless the channel is open.
	Send(ctx context.Context, out Outbound) error
	Close() error
}

var ErrAlreadyStarted = errors.New("live channel already started")
var ErrChannelClosed = errors.New("live channel closed")

type marker struct {
	Type string `json:"type"`
}

// ParseNotification decodes a pushed frame. Empty frames, null, {} and
// {"type":"refresh"} are refresh markers.
func ParseNotification(data []byte) (Notification, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return Notification{}, nil
	}
	var m marker
	if err := json.Unmarshal(data, &m); err != nil {
		return Notification{}, errors.Wrap(err, "decode notification")
	}
	if strings.EqualFold(m.Type, "refresh") {
		return Notification{}, nil
	}
	var in transcript.Incoming
	if err := json.Unmarshal(data, &in); err != nil {
		return Notification{}, errors.Wrap(err, "decode notification message")
	}
	if in.Author == "" && in.Text == "" {
		return Notification{}, nil
	}
	return Notification{Message: &in}, nil
}
