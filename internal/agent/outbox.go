package agent

import (
	"encoding/json"
	"time"

	"canopy/api/internal/protocol"
)

type OutboxKind string

const (
	OutboxNodeUpdate  OutboxKind = "node-update"
	OutboxLockRelease OutboxKind = "lock-release"
)

// OutboxEntry is an intent recorded while the connection was down.
type OutboxEntry struct {
	Kind       OutboxKind
	NodeID     string
	Payload    json.RawMessage
	EnqueuedAt time.Time
}

func (e OutboxEntry) frame() ([]byte, error) {
	switch e.Kind {
	case OutboxLockRelease:
		return protocol.Encode(protocol.LockRelease, protocol.LockReleasePayload{NodeID: e.NodeID})
	default:
		return protocol.Encode(protocol.NodeUpdate, protocol.NodeUpdatePayload{NodeID: e.NodeID, Changes: e.Payload})
	}
}

// Outbox is a fixed-capacity FIFO ring. When full, the oldest entry is
// dropped to make room. Not safe for concurrent use.
type Outbox struct {
	entries []OutboxEntry
	head    int
	size    int
	dropped int
}

func NewOutbox(capacity int) *Outbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Outbox{entries: make([]OutboxEntry, capacity)}
}

// Push appends entry and reports whether an older entry was dropped.
func (o *Outbox) Push(entry OutboxEntry) bool {
	capacity := len(o.entries)
	if o.size == capacity {
		o.entries[o.head] = entry
		o.head = (o.head + 1) % capacity
		o.dropped++
		return true
	}
	o.entries[(o.head+o.size)%capacity] = entry
	o.size++
	return false
}

// Drain removes and returns every entry, oldest first.
func (o *Outbox) Drain() []OutboxEntry {
	out := make([]OutboxEntry, 0, o.size)
	for i := 0; i < o.size; i++ {
		idx := (o.head + i) % len(o.entries)
		out = append(out, o.entries[idx])
		o.entries[idx] = OutboxEntry{}
	}
	o.head = 0
	o.size = 0
	return out
}

// Clear discards every entry, counts them as dropped and returns how many
// there were.
func (o *Outbox) Clear() int {
	n := len(o.Drain())
	o.dropped += n
	return n
}

func (o *Outbox) Len() int { return o.size }

// Dropped counts entries lost to overflow or Clear since creation.
func (o *Outbox) Dropped() int { return o.dropped }
