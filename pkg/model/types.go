// Package model defines the domain types replicated by tsae.
//
// tsae keeps a set of peer nodes convergent with timestamped anti-entropy:
//
//   - Every node issues operations stamped with (participant, sequence)
//     logical timestamps. A participant's operations form a causal chain
//     1, 2, 3, ... that every replica applies in order with no gaps.
//
//   - Nodes gossip pairwise. Each exchange swaps summary vectors and ack
//     matrices, streams the operations the partner is missing, and merges.
//     Operations acknowledged by every node are purged from the log.
//
// The replicated application is a shared recipe book: operations add or
// remove recipes by title.
package model

import (
	"time"

	"github.com/daviddao/tsae/pkg/clock"
)

// OpKind discriminates operation payloads. Replication never inspects it;
// it only routes the post-commit side effect.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
)

// Valid reports whether k is a known operation kind.
func (k OpKind) Valid() bool {
	return k == OpAdd || k == OpRemove
}

// Operation is one immutable entry of the replicated log.
type Operation struct {
	Timestamp clock.Timestamp `json:"timestamp"`
	Kind      OpKind          `json:"kind"`
	Title     string          `json:"title"`
	Body      string          `json:"body,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Author returns the participant that issued op.
func (op Operation) Author() string { return op.Timestamp.Participant }

// Equal reports whether two operations carry the same timestamp, kind and
// payload. CreatedAt is compared at its instant, ignoring location.
func (op Operation) Equal(other Operation) bool {
	return op.Timestamp == other.Timestamp &&
		op.Kind == other.Kind &&
		op.Title == other.Title &&
		op.Body == other.Body &&
		op.CreatedAt.Equal(other.CreatedAt)
}

// Recipe is an entry of the replicated recipe book.
type Recipe struct {
	Title     string          `json:"title"`
	Body      string          `json:"body"`
	Timestamp clock.Timestamp `json:"timestamp"`
}

// PendingOp is an operation queued in the outbox by the CLI, waiting for a
// running node to issue it.
type PendingOp struct {
	ID        int64     `json:"id"`
	Kind      OpKind    `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is a self-contained copy of a node's replicated state, written
// to the store after changes and read back on restart.
type Checkpoint struct {
	ID           string        `json:"id"`
	Participants []string      `json:"participants"`
	Seq          int64         `json:"seq"`
	Summary      *clock.Vector `json:"summary"`
	Ack          *clock.Matrix `json:"ack"`
	Ops          []Operation   `json:"ops"`
	Recipes      []Recipe      `json:"recipes"`
	SavedAt      time.Time     `json:"saved_at"`
}
