package transcript

// Transcript is an ordered sequence of messages. Engine operations never
// modify a transcript in place; they return a new one.
type Transcript []Message

func (t Transcript) Clone() Transcript {
	if t == nil {
		return nil
	}
	out := make(Transcript, len(t))
	copy(out, t)
	return out
}

// IndexOf returns the position of the entry with the given local id, or -1.
func (t Transcript) IndexOf(localID uint64) int {
	for i := range t {
		if t[i].LocalID == localID {
			return i
		}
	}
	return -1
}

func (t Transcript) indexByServerID(serverID string) int {
	if serverID == "" {
		return -1
	}
	for i := range t {
		if t[i].ServerID == serverID {
			return i
		}
	}
	return -1
}

func (t Transcript) Pending() int {
	n := 0
	for i := range t {
		if t[i].IsPending() {
			n++
		}
	}
	return n
}

// Change describes what an engine operation did.
type Change int

const (
	Unchanged Change = iota
	Appended
	Promoted
	Absorbed
	Updated
	Removed
	Replaced
)

func (c Change) String() string {
	switch c {
	case Unchanged:
		return "unchanged"
	case Appended:
		return "appended"
	case Promoted:
		return "promoted"
	case Absorbed:
		return "absorbed"
	case Updated:
		return "updated"
	case Removed:
		return "removed"
	case Replaced:
		return "replaced"
	default:
		return "unknown"
	}
}
