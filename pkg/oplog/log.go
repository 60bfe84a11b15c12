// Package oplog implements the replicated operation log of timestamped
// anti-entropy.
//
// The log keeps, for every participant, the causal prefix of that
// participant's operations accepted so far: sequence numbers strictly
// increasing with no gaps. Operations enter only at the tail and leave only
// from the head, once the ack matrix shows every node has received them.
package oplog

import (
	"fmt"
	"sync"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/model"
)

// Log is the per-participant operation log. Safe for concurrent use.
type Log struct {
	mu    sync.Mutex
	order []string
	ops   map[string][]model.Operation
}

// New returns an empty log for the given participants.
func New(participants []string) *Log {
	l := &Log{ops: make(map[string][]model.Operation, len(participants))}
	for _, p := range participants {
		if _, dup := l.ops[p]; dup {
			continue
		}
		l.order = append(l.order, p)
		l.ops[p] = nil
	}
	return l
}

// Participants returns the log's participants in order.
func (l *Log) Participants() []string {
	out := make([]string, len(l.order))
	copy(out, l.order)
	return out
}

// Add appends op to its author's chain if op's sequence number directly
// follows the chain's tail (FirstSequence for an empty chain). Duplicates,
// gaps and unknown authors are rejected without mutation.
func (l *Log) Add(op model.Operation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	author := op.Author()
	chain, ok := l.ops[author]
	if !ok {
		return false
	}
	if !op.Timestamp.Follows(tail(author, chain)) {
		return false
	}
	l.ops[author] = append(chain, op)
	return true
}

func tail(author string, chain []model.Operation) clock.Timestamp {
	if len(chain) == 0 {
		return clock.Null(author)
	}
	return chain[len(chain)-1].Timestamp
}

// Last returns the timestamp of participant's newest logged operation, or
// NULL if the chain is empty or unknown.
func (l *Log) Last(participant string) clock.Timestamp {
	l.mu.Lock()
	defer l.mu.Unlock()
	return tail(participant, l.ops[participant])
}

// ListNewer returns every logged operation strictly newer than
// sum.Last(author): what the owner of sum has not seen yet. Participants are
// visited in log order and each chain in sequence order, so the result
// streams every author's operations causally.
func (l *Log) ListNewer(sum *clock.Vector) []model.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []model.Operation
	for _, p := range l.order {
		seen := clock.Null(p)
		if sum != nil {
			seen, _ = sum.Last(p)
		}
		for _, op := range l.ops[p] {
			if op.Timestamp.Newer(seen) {
				out = append(out, op)
			}
		}
	}
	return out
}

// Purge removes operations every node is known to have received: those
// strictly older than ack.MinTimestampVector() for their author. Chains are
// only trimmed from the head. Participants without an entry in the bound are
// left alone. Returns the number of operations removed.
func (l *Log) Purge(ack *clock.Matrix) int {
	if ack == nil {
		return 0
	}
	bound := ack.MinTimestampVector()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, p := range l.order {
		keep, ok := bound.Last(p)
		if !ok {
			continue
		}
		chain := l.ops[p]
		i := 0
		for i < len(chain) && chain[i].Timestamp.Older(keep) {
			i++
		}
		if i == 0 {
			continue
		}
		rest := make([]model.Operation, len(chain)-i)
		copy(rest, chain[i:])
		l.ops[p] = rest
		removed += i
	}
	return removed
}

// Restore replaces participant's chain with ops, which must be contiguous
// but may start past FirstSequence when the head was purged before the log
// was persisted.
func (l *Log) Restore(participant string, ops []model.Operation) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.ops[participant]; !ok {
		return fmt.Errorf("restore: unknown participant %q", participant)
	}
	for i, op := range ops {
		if op.Author() != participant {
			return fmt.Errorf("restore: operation %v in chain of %s", op.Timestamp, participant)
		}
		if i > 0 && !op.Timestamp.Follows(ops[i-1].Timestamp) {
			return fmt.Errorf("restore: gap before %v in chain of %s", op.Timestamp, participant)
		}
	}
	chain := make([]model.Operation, len(ops))
	copy(chain, ops)
	l.ops[participant] = chain
	return nil
}

// Operations returns a copy of participant's chain.
func (l *Log) Operations(participant string) []model.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	chain := l.ops[participant]
	out := make([]model.Operation, len(chain))
	copy(out, chain)
	return out
}

// All returns every logged operation in log order.
func (l *Log) All() []model.Operation {
	return l.ListNewer(nil)
}

// Len returns the total number of logged operations.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, chain := range l.ops {
		n += len(chain)
	}
	return n
}

// Equal reports whether l and other hold the same participants with equal
// chains.
func (l *Log) Equal(other *Log) bool {
	if l == other {
		return true
	}
	if l == nil || other == nil {
		return false
	}
	mine := l.snapshot()
	theirs := other.snapshot()
	if len(mine) != len(theirs) {
		return false
	}
	for p, chain := range mine {
		them, ok := theirs[p]
		if !ok || len(them) != len(chain) {
			return false
		}
		for i := range chain {
			if !chain[i].Equal(them[i]) {
				return false
			}
		}
	}
	return true
}

func (l *Log) snapshot() map[string][]model.Operation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string][]model.Operation, len(l.ops))
	for p, chain := range l.ops {
		out[p] = chain
	}
	return out
}
