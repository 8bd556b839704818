package runner

import "time"

// DefaultLogCapacity bounds the per-project runner log ring.
const DefaultLogCapacity = 100

// EntryKind classifies one runner log entry.
type EntryKind string

const (
	// EntryInfo is an informational lifecycle entry.
	EntryInfo EntryKind = "info"
	// EntryError is an error lifecycle entry.
	EntryError EntryKind = "error"
	// EntrySuccess is a success lifecycle entry.
	EntrySuccess EntryKind = "success"
	// EntryCommand echoes a backend command.
	EntryCommand EntryKind = "command"
)

// LogEntry is one structured runner log record.
type LogEntry struct {
	Timestamp time.Time
	Kind      EntryKind
	Text      string
}

// logRing retains the most recent entries up to a fixed capacity.
type logRing struct {
	capacity int
	entries  []LogEntry
}

func newLogRing(capacity int) *logRing {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &logRing{capacity: capacity}
}

func (r *logRing) append(entry LogEntry) {
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.capacity {
		r.entries = r.entries[len(r.entries)-r.capacity:]
	}
}

func (r *logRing) snapshot() []LogEntry {
	out := make([]LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}
