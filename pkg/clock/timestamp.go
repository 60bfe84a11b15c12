package clock

import (
	"errors"
	"fmt"
)

// NullSequence is the sequence number of the NULL timestamp: "nothing seen
// yet" from a participant. It compares below every real sequence number.
const NullSequence int64 = -1

// FirstSequence is the sequence number of a participant's first operation.
const FirstSequence int64 = 1

// ErrNegativeSequence is returned when a timestamp is built with a negative
// sequence number other than NullSequence.
var ErrNegativeSequence = errors.New("timestamp error: negative sequence number")

// Timestamp is a logical timestamp: the (participant, sequence) pair that
// identifies one operation in a participant's causal chain. Timestamps are
// values and never change once built.
type Timestamp struct {
	Participant string `json:"participant"`
	Seq         int64  `json:"seq"`
}

// NewTimestamp builds a timestamp, rejecting negative sequence numbers that
// are not the NULL sentinel.
func NewTimestamp(participant string, seq int64) (Timestamp, error) {
	if seq < 0 && seq != NullSequence {
		return Timestamp{}, fmt.Errorf("%w: %s#%d", ErrNegativeSequence, participant, seq)
	}
	return Timestamp{Participant: participant, Seq: seq}, nil
}

// Null returns the NULL timestamp for participant.
func Null(participant string) Timestamp {
	return Timestamp{Participant: participant, Seq: NullSequence}
}

// IsNull reports whether t is the NULL timestamp.
func (t Timestamp) IsNull() bool { return t.Seq == NullSequence }

// Compare orders t against other by sequence number: negative if t is older,
// zero if equal, positive if t is newer. A NULL other always makes a real t
// newer. Participants are not compared; callers only compare timestamps of
// the same participant or against a watermark.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Seq < other.Seq:
		return -1
	case t.Seq > other.Seq:
		return 1
	default:
		return 0
	}
}

// Newer reports whether t is strictly newer than other.
func (t Timestamp) Newer(other Timestamp) bool { return t.Compare(other) > 0 }

// Older reports whether t is strictly older than other.
func (t Timestamp) Older(other Timestamp) bool { return t.Compare(other) < 0 }

// Next returns the timestamp that directly follows t in its participant's
// causal chain. The successor of NULL is FirstSequence.
func (t Timestamp) Next() Timestamp {
	if t.IsNull() {
		return Timestamp{Participant: t.Participant, Seq: FirstSequence}
	}
	return Timestamp{Participant: t.Participant, Seq: t.Seq + 1}
}

// Follows reports whether t is exactly the successor of prev.
func (t Timestamp) Follows(prev Timestamp) bool {
	return t.Seq == prev.Next().Seq
}

func (t Timestamp) String() string {
	if t.IsNull() {
		return t.Participant + "#-"
	}
	return fmt.Sprintf("%s#%d", t.Participant, t.Seq)
}
