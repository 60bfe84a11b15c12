// Package clock implements the logical-clock algebra of timestamped
// anti-entropy.
//
// Three structures build on each other:
//
//	Timestamp: (participant, sequence). One participant's causal chain is
//	           the sequence 1, 2, 3, ... with no gaps.
//	Vector:    participant -> newest timestamp seen from that participant.
//	           A node's own vector is its "summary".
//	Matrix:    participant -> the vector that participant is known to have
//	           seen. Its elementwise minimum is the set of operations every
//	           node has received, which bounds log garbage collection.
//
// Vector and Matrix are not goroutine-safe. Each node owns one summary and
// one ack matrix behind its own lock; sessions work on clones.
package clock

// Clock issues the sequence numbers of the local participant's causal chain.
// It follows Lamport's rule IR1: increment before every local event.
// Not goroutine-safe; the node serializes access under its lock.
type Clock struct {
	participant string
	seq         int64
}

// NewClock returns a clock for participant that has issued nothing yet.
func NewClock(participant string) *Clock {
	return &Clock{participant: participant}
}

// Participant returns the identity this clock issues timestamps for.
func (c *Clock) Participant() string { return c.participant }

// Tick advances the clock and returns the timestamp of the next local
// operation.
func (c *Clock) Tick() Timestamp {
	c.seq++
	return Timestamp{Participant: c.participant, Seq: c.seq}
}

// Observe fast-forwards the clock past ts when ts belongs to this
// participant. Used when a node learns of its own earlier operations from a
// peer after losing local state.
func (c *Clock) Observe(ts Timestamp) {
	if ts.Participant == c.participant && ts.Seq > c.seq {
		c.seq = ts.Seq
	}
}

// Value returns the last issued sequence number without advancing it.
func (c *Clock) Value() int64 { return c.seq }

// Set initializes the clock to a specific value. Used to seed from the
// database when a node restarts.
func (c *Clock) Set(v int64) { c.seq = v }

// TotalOrderLess defines a deterministic total order over timestamps of
// different participants: lower sequence first, ties broken by participant.
// Used for presentation only; replication never needs a cross-participant
// order.
func TotalOrderLess(a, b Timestamp) bool {
	if a.Seq != b.Seq {
		return a.Seq < b.Seq
	}
	return a.Participant < b.Participant
}
