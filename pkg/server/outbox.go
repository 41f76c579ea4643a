package server

import (
	"time"

	"github.com/proper-automation/proper-go/pkg/wire"
)

// outboxEntry is one queued message for a node. Entries are created when
// the server has something to deliver and removed only when the node
// acknowledges the entry's message id.
type outboxEntry struct {
	mid       uint64
	msg       wire.Message
	createdAt time.Time

	// delivered marks the entry as transmitted at least once ("in
	// flight"). An in-flight entry is still retransmitted on later Polls
	// until acknowledged.
	delivered bool
}

// outbox is an insertion-ordered queue of undelivered messages for one
// node. Not safe for concurrent use; the owning session serializes access.
type outbox struct {
	entries []*outboxEntry
}

// enqueue appends an entry.
func (o *outbox) enqueue(mid uint64, msg wire.Message) *outboxEntry {
	e := &outboxEntry{
		mid:       mid,
		msg:       msg,
		createdAt: time.Now(),
	}
	o.entries = append(o.entries, e)
	return e
}

// next returns the earliest unacknowledged entry, or nil. Delivery order
// is creation order: a later entry is never handed out before an earlier
// one has been acknowledged or superseded.
func (o *outbox) next() *outboxEntry {
	if len(o.entries) == 0 {
		return nil
	}
	return o.entries[0]
}

// ack removes the entry with the given message id. Returns the removed
// entry, or nil if no entry matched (duplicate and late acks are no-ops).
func (o *outbox) ack(mid uint64) *outboxEntry {
	for i, e := range o.entries {
		if e.mid == mid {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return e
		}
	}
	return nil
}

// find returns the queued entry whose message is of the given kind, or nil.
func (o *outbox) find(kind wire.MessageKind) *outboxEntry {
	for _, e := range o.entries {
		if e.msg.Kind() == kind {
			return e
		}
	}
	return nil
}

// depth returns the number of queued entries.
func (o *outbox) depth() int {
	return len(o.entries)
}

// pending reports whether any entry is queued. The pending flag on the
// wire is always computed from this, never maintained separately.
func (o *outbox) pending() bool {
	return len(o.entries) > 0
}
