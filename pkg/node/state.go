// Package node owns a replica's shared state and drives anti-entropy
// sessions against its peers.
//
// A node holds exactly one summary vector, one ack matrix, one log and one
// recipe book behind a single mutex. Sessions take the mutex twice: to
// snapshot before talking to the partner and to commit afterwards. Network
// I/O never runs under it.
package node

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/model"
	"github.com/daviddao/tsae/pkg/oplog"
	"github.com/daviddao/tsae/pkg/session"
)

// ErrInvalidOperation is returned by Issue for operations without a known
// kind or a title.
var ErrInvalidOperation = errors.New("node: invalid operation")

// State is one node's replicated state. Safe for concurrent use.
type State struct {
	mu           sync.Mutex
	id           string
	participants []string
	clock        *clock.Clock
	summary      *clock.Vector
	ack          *clock.Matrix
	log          *oplog.Log
	book         *Book
	version      uint64
}

var _ session.Replica = (*State)(nil)

// NewState returns a fresh node state for id among participants.
func NewState(id string, participants []string) (*State, error) {
	found := false
	for _, p := range participants {
		if p == id {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("node: %q is not among participants %v", id, participants)
	}
	ps := make([]string, len(participants))
	copy(ps, participants)
	return &State{
		id:           id,
		participants: ps,
		clock:        clock.NewClock(id),
		summary:      clock.NewVector(ps),
		ack:          clock.NewMatrix(ps),
		log:          oplog.New(ps),
		book:         NewBook(),
	}, nil
}

// ID implements session.Replica.
func (s *State) ID() string { return s.id }

// Participants returns the fixed participant set.
func (s *State) Participants() []string {
	out := make([]string, len(s.participants))
	copy(out, s.participants)
	return out
}

// Snapshot implements session.Replica: it clones the summary and ack matrix
// in one critical section so no concurrent commit is half-observed. The
// local row of the returned matrix is the summary itself, so the partner
// learns exactly what this node holds. The node's own matrix is untouched.
func (s *State) Snapshot() (*clock.Vector, *clock.Matrix) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ack := s.ack.Clone()
	ack.Update(s.id, s.summary)
	return s.summary.Clone(), ack
}

// ListNewer implements session.Replica.
func (s *State) ListNewer(sum *clock.Vector) []model.Operation {
	return s.log.ListNewer(sum)
}

// Commit implements session.Replica. Under the node lock it:
//
//  1. appends the partner's operations in receipt order, dropping any that
//     do not extend their author's chain, and applies the accepted ones;
//  2. merges the partner's summary into the local summary;
//  3. merges the partner's ack matrix;
//  4. purges operations every node has acknowledged;
//  5. sets the local row to the merged summary.
//
// A node only vouches for its own row. The partner's row is learned from
// the matrix the partner sent, never inferred from the exchange: the
// partner may still lose the final message and abort.
func (s *State) Commit(c session.Commit) session.CommitStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats session.CommitStats
	for _, op := range c.Ops {
		if !s.log.Add(op) {
			stats.Dropped++
			continue
		}
		stats.Applied++
		s.book.Apply(op)
		s.clock.Observe(op.Timestamp)
		if seen, _ := s.summary.Last(op.Author()); op.Timestamp.Newer(seen) {
			s.summary.UpdateTimestamp(op.Timestamp)
		}
	}

	s.summary.UpdateMax(c.PartnerSummary)
	s.ack.UpdateMax(c.PartnerAck)
	stats.Purged = s.log.Purge(s.ack)

	s.ack.Update(s.id, s.summary)
	s.version++
	return stats
}

// Issue stamps a new local operation, appends it to the log and applies it.
// The local ack row is refreshed at the next snapshot or commit.
func (s *State) Issue(kind model.OpKind, title, body string) (model.Operation, error) {
	if !kind.Valid() || title == "" {
		return model.Operation{}, fmt.Errorf("%w: kind=%q title=%q", ErrInvalidOperation, kind, title)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	op := model.Operation{
		Timestamp: s.clock.Tick(),
		Kind:      kind,
		Title:     title,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	if !s.log.Add(op) {
		s.clock.Set(op.Timestamp.Seq - 1)
		return model.Operation{}, fmt.Errorf("node: log rejected local operation %v", op.Timestamp)
	}
	s.summary.UpdateTimestamp(op.Timestamp)
	s.book.Apply(op)
	s.version++
	return op, nil
}

// Purge compacts the log against the current ack matrix.
func (s *State) Purge() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.log.Purge(s.ack)
	if n > 0 {
		s.version++
	}
	return n
}

// Version counts mutations. Callers compare versions to decide whether
// anything needs persisting.
func (s *State) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Log returns every logged operation in log order.
func (s *State) Log() []model.Operation { return s.log.All() }

// Recipes returns the current recipe book.
func (s *State) Recipes() []model.Recipe {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.Recipes()
}

// Recipe looks up one recipe by title.
func (s *State) Recipe(title string) (model.Recipe, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.Get(title)
}

// Checkpoint copies the whole state for persistence.
func (s *State) Checkpoint() *model.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &model.Checkpoint{
		ID:           s.id,
		Participants: s.Participants(),
		Seq:          s.clock.Value(),
		Summary:      s.summary.Clone(),
		Ack:          s.ack.Clone(),
		Ops:          s.log.All(),
		Recipes:      s.book.Recipes(),
		SavedAt:      time.Now().UTC(),
	}
}

// Restore rebuilds a node state from a checkpoint. The checkpoint's
// participant set must match participants: the matrix row set is fixed.
func Restore(cp *model.Checkpoint, participants []string) (*State, error) {
	if !sameSet(cp.Participants, participants) {
		return nil, fmt.Errorf("node: checkpoint participants %v differ from configured %v",
			cp.Participants, participants)
	}
	s, err := NewState(cp.ID, cp.Participants)
	if err != nil {
		return nil, err
	}
	if cp.Summary != nil {
		s.summary.UpdateMax(cp.Summary)
	}
	if cp.Ack != nil {
		s.ack.UpdateMax(cp.Ack)
	}

	chains := make(map[string][]model.Operation)
	for _, op := range cp.Ops {
		chains[op.Author()] = append(chains[op.Author()], op)
	}
	for p, chain := range chains {
		if err := s.log.Restore(p, chain); err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
	}
	for _, r := range cp.Recipes {
		s.book.recipes[r.Title] = r
	}

	s.clock.Set(cp.Seq)
	if own, ok := s.summary.Last(s.id); ok {
		s.clock.Observe(own)
	}
	return s, nil
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	in := make(map[string]bool, len(a))
	for _, x := range a {
		in[x] = true
	}
	for _, x := range b {
		if !in[x] {
			return false
		}
	}
	return true
}
