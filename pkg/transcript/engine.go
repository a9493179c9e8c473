// Package transcript holds the chat transcript model and the reconciliation
// engine that merges snapshots, live notifications and local echoes into one
// ordered, duplicate-free transcript.
package transcript

import (
	"time"
)

const DefaultEchoWindow = 10 * time.Second

// Engine applies reconciliation rules. It owns the local id allocator, so one
// engine must be used for the whole lifetime of a session.
//
// Engine is not safe for concurrent use; callers serialize access.
type Engine struct {
	lastLocalID uint64
	echoWindow  time.Duration
}

type EngineOption func(*Engine)

// WithEchoWindow bounds how long after submission a payload without a server id
// is still treated as the broadcast of a local message. Zero disables that rule.
func WithEchoWindow(d time.Duration) EngineOption {
	return func(e *Engine) {
		e.echoWindow = d
	}
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{echoWindow: DefaultEchoWindow}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) allocate() uint64 {
	e.lastLocalID++
	return e.lastLocalID
}

// ApplySnapshot replaces every confirmed entry with the snapshot contents.
//
// Snapshot entries keep the local id of the existing entry they match: by
// server id first, then by the first unclaimed entry with identical author and
// text. Pending echoes not matched by the snapshot stay, after the confirmed
// entries, in their previous order.
func (e *Engine) ApplySnapshot(cur Transcript, snapshot []Incoming) Transcript {
	claimed := make([]bool, len(cur))
	next := make(Transcript, 0, len(snapshot)+cur.Pending())

	for _, in := range snapshot {
		idx := -1
		if i := cur.indexByServerID(in.ServerID); i >= 0 && !claimed[i] {
			idx = i
		}
		if idx < 0 {
			for i := range cur {
				m := cur[i]
				if claimed[i] || !m.sameContent(in.Author, in.Text) {
					continue
				}
				if m.ServerID != "" && in.ServerID != "" && m.ServerID != in.ServerID {
					continue
				}
				idx = i
				break
			}
		}

		msg := Message{
			ServerID: in.ServerID,
			Author:   in.Author,
			Text:     in.Text,
			Origin:   Confirmed,
		}
		if idx >= 0 {
			claimed[idx] = true
			prev := cur[idx]
			msg.LocalID = prev.LocalID
			msg.SubmittedAt = prev.SubmittedAt
			msg.awaitingEcho = prev.awaitingEcho
			if msg.ServerID == "" {
				msg.ServerID = prev.ServerID
			}
			if prev.IsPending() && !prev.SubmittedAt.IsZero() {
				msg.awaitingEcho = true
			}
		} else {
			msg.LocalID = e.allocate()
		}
		next = append(next, msg)
	}

	for i := range cur {
		if !claimed[i] && cur[i].IsPending() {
			next = append(next, cur[i])
		}
	}
	return next
}

// ApplyNotification merges one confirmed message pushed by the server.
func (e *Engine) ApplyNotification(cur Transcript, in Incoming, now time.Time) (Transcript, Change) {
	if in.ServerID != "" && cur.indexByServerID(in.ServerID) >= 0 {
		return cur, Unchanged
	}
	if i := e.findAwaitingEcho(cur, in, now); i >= 0 {
		next := cur.Clone()
		next[i].awaitingEcho = false
		if next[i].ServerID == "" {
			next[i].ServerID = in.ServerID
		}
		return next, Absorbed
	}

	for i := range cur {
		m := cur[i]
		if !m.IsPending() || !m.sameContent(in.Author, in.Text) {
			continue
		}
		next := cur.Clone()
		next[i].Origin = Confirmed
		next[i].ServerID = in.ServerID
		// this notification is the echo
		next[i].awaitingEcho = false
		return next, Promoted
	}

	next := make(Transcript, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, Message{
		LocalID:  e.allocate(),
		ServerID: in.ServerID,
		Author:   in.Author,
		Text:     in.Text,
		Origin:   Confirmed,
	})
	return next, Appended
}

func (e *Engine) findAwaitingEcho(cur Transcript, in Incoming, now time.Time) int {
	if e.echoWindow <= 0 {
		return -1
	}
	for i := range cur {
		m := cur[i]
		if !m.awaitingEcho || m.IsPending() || !m.sameContent(in.Author, in.Text) {
			continue
		}
		if m.ServerID != "" && in.ServerID != "" {
			continue
		}
		if now.Sub(m.SubmittedAt) > e.echoWindow {
			continue
		}
		return i
	}
	return -1
}

// Echo appends an optimistic, not yet confirmed entry and returns its local id.
func (e *Engine) Echo(cur Transcript, author, text string, now time.Time) (Transcript, uint64) {
	id := e.allocate()
	next := make(Transcript, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, Message{
		LocalID:     id,
		Author:      author,
		Text:        text,
		Origin:      PendingLocalEcho,
		SubmittedAt: now,
	})
	return next, id
}

// Confirm applies the write-path response for the local submission localID.
//
// A pending entry is always promoted, with or without a server id, and then
// waits for its broadcast echo. If a notification already confirmed the entry,
// only a server id the entry lacks is recorded.
func (e *Engine) Confirm(cur Transcript, localID uint64, in Incoming) (Transcript, Change) {
	idx := cur.IndexOf(localID)
	if idx < 0 {
		return cur, Unchanged
	}
	if cur.indexByServerID(in.ServerID) >= 0 {
		return cur, Unchanged
	}

	m := cur[idx]
	switch {
	case m.IsPending():
		next := cur.Clone()
		next[idx].Origin = Confirmed
		next[idx].ServerID = in.ServerID
		next[idx].awaitingEcho = true
		return next, Promoted
	case in.ServerID == "":
		return cur, Unchanged
	case m.ServerID == "":
		next := cur.Clone()
		next[idx].ServerID = in.ServerID
		return next, Updated
	default:
		// a content twin was confirmed under this entry's id; the response
		// belongs to the next pending twin.
		for j := range cur {
			if !cur[j].IsPending() || !cur[j].sameContent(m.Author, m.Text) {
				continue
			}
			next := cur.Clone()
			next[j].Origin = Confirmed
			next[j].ServerID = in.ServerID
			next[j].awaitingEcho = true
			return next, Promoted
		}
		return cur, Unchanged
	}
}

// Rollback removes a local echo whose submission failed. Confirmed entries are
// never removed.
func (e *Engine) Rollback(cur Transcript, localID uint64) (Transcript, Change) {
	idx := cur.IndexOf(localID)
	if idx < 0 || !cur[idx].IsPending() {
		return cur, Unchanged
	}
	next := make(Transcript, 0, len(cur)-1)
	next = append(next, cur[:idx]...)
	next = append(next, cur[idx+1:]...)
	return next, Removed
}
