package transcript

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Origin records whether an entry has authoritative confirmation.
type Origin int

const (
	Confirmed Origin = iota
	PendingLocalEcho
)

func (o Origin) String() string {
	switch o {
	case Confirmed:
		return "confirmed"
	case PendingLocalEcho:
		return "pending"
	default:
		return "unknown"
	}
}

// Message is one transcript entry.
//
// LocalID is always set and is the rendering key. ServerID is empty until the
// server has accepted or broadcast the message.
type Message struct {
	LocalID     uint64
	ServerID    string
	Author      string
	Text        string
	Origin      Origin
	SubmittedAt time.Time

	// set when a local submission was confirmed by something other than its
	// own broadcast, so the broadcast can still be recognized when it lands.
	awaitingEcho bool
}

func (m Message) IsPending() bool { return m.Origin == PendingLocalEcho }

func (m Message) sameContent(author, text string) bool {
	return m.Author == author && m.Text == text
}

// Incoming is a message as the server reports it, either in a snapshot or in a
// live notification.
type Incoming struct {
	ServerID string `json:"id,omitempty"`
	Author   string `json:"author"`
	Text     string `json:"text"`
}

type wireIncoming struct {
	ID     json.RawMessage `json:"id"`
	Author string          `json:"author"`
	Name   string          `json:"name"`
	Text   string          `json:"text"`
}

// UnmarshalJSON accepts "name" as an alias for "author" and numeric or string ids.
func (in *Incoming) UnmarshalJSON(data []byte) error {
	var w wireIncoming
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := decodeID(w.ID)
	if err != nil {
		return err
	}
	in.ServerID = id
	in.Author = w.Author
	if in.Author == "" {
		in.Author = w.Name
	}
	in.Text = w.Text
	return nil
}

func decodeID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", errors.Wrap(err, "decode message id")
	}
	return n.String(), nil
}
