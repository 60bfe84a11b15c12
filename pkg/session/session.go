// Package session runs one timestamped anti-entropy exchange between the
// local node and a partner over a dedicated stream.
//
// The initiator sends its summary and ack matrix, buffers the operations the
// partner streams back until the partner's own request arrives (the
// turn-around), streams what the partner is missing, and exchanges
// end-of-session markers. Only then does either side commit, atomically,
// through the Replica. A session that fails before commit leaves the
// replica untouched.
package session

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/model"
	"github.com/daviddao/tsae/pkg/transport"
)

// Replica is the node state a session reads and commits into.
type Replica interface {
	// ID returns the local participant.
	ID() string
	// Snapshot atomically clones the summary vector and ack matrix.
	Snapshot() (*clock.Vector, *clock.Matrix)
	// ListNewer returns the logged operations newer than sum.
	ListNewer(sum *clock.Vector) []model.Operation
	// Commit atomically applies a completed exchange.
	Commit(c Commit) CommitStats
}

// Commit is everything learned in one completed exchange.
type Commit struct {
	Partner string
	// Ops are the partner's operations in receipt order.
	Ops            []model.Operation
	PartnerSummary *clock.Vector
	PartnerAck     *clock.Matrix
}

// CommitStats reports what a commit changed.
type CommitStats struct {
	Applied int `json:"applied"`
	Dropped int `json:"dropped"`
	Purged  int `json:"purged"`
}

// Role is the side of the exchange a session plays.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleResponder Role = "responder"
)

// State is a step of the session state machine.
type State int

const (
	StateStart State = iota
	StateRequestSent
	StateCollectingInboundOps
	StatePartnerRequestReceived
	StateOutboundOpsSent
	StateEndSent
	StateAwaitingPartnerEnd
	StateCommitted
	StateAborted
)

var stateNames = [...]string{
	StateStart:                  "START",
	StateRequestSent:            "REQUEST_SENT",
	StateCollectingInboundOps:   "COLLECTING_INBOUND_OPS",
	StatePartnerRequestReceived: "PARTNER_REQUEST_RECEIVED",
	StateOutboundOpsSent:        "OUTBOUND_OPS_SENT",
	StateEndSent:                "END_SENT",
	StateAwaitingPartnerEnd:     "AWAITING_PARTNER_END",
	StateCommitted:              "COMMITTED",
	StateAborted:                "ABORTED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Result describes a finished session, committed or aborted.
type Result struct {
	ID       string      `json:"id"`
	Role     Role        `json:"role"`
	Partner  string      `json:"partner"`
	State    State       `json:"-"`
	Trace    []State     `json:"-"`
	Received int         `json:"received"`
	Sent     int         `json:"sent"`
	Stats    CommitStats `json:"stats"`
}

// Committed reports whether the session reached COMMITTED.
func (r Result) Committed() bool { return r.State == StateCommitted }

type session struct {
	replica Replica
	conn    *conn
	logger  *log.Logger
	res     Result
}

func newSession(r Replica, s transport.Stream, role Role, id string, logger *log.Logger) *session {
	if logger == nil {
		logger = log.Default()
	}
	return &session{
		replica: r,
		conn:    &conn{stream: s, sessionID: id, from: r.ID()},
		logger:  logger,
		res:     Result{ID: id, Role: role, State: StateStart, Trace: []State{StateStart}},
	}
}

func (s *session) enter(st State) {
	s.res.State = st
	s.res.Trace = append(s.res.Trace, st)
}

// abort records the failure. The replica has not been touched: commit is
// the last step and nothing before it mutates shared state.
func (s *session) abort(err error) (Result, error) {
	at := s.res.State
	s.enter(StateAborted)
	s.logger.Printf("session %s (%s) with %s aborted in %s: %v",
		s.res.ID, s.res.Role, partnerName(s.res.Partner), at, err)
	return s.res, fmt.Errorf("session %s aborted in %s: %w", s.res.ID, at, err)
}

func partnerName(p string) string {
	if p == "" {
		return "unknown partner"
	}
	return p
}

// bind ties the stream's lifetime to ctx: the ctx deadline becomes the
// stream deadline and cancellation closes the stream, unblocking any read.
func bind(ctx context.Context, s transport.Stream) (stop func() bool) {
	if dl, ok := ctx.Deadline(); ok {
		s.SetDeadline(dl)
	}
	return context.AfterFunc(ctx, func() { s.Close() })
}

func (s *session) sendOperations(ops []model.Operation) error {
	for _, op := range ops {
		if err := s.conn.send(MsgOperation, OperationPayload{Operation: op}); err != nil {
			return err
		}
		s.res.Sent++
	}
	return nil
}

func (s *session) commit(inbound []model.Operation, partner *RequestPayload) {
	s.res.Stats = s.replica.Commit(Commit{
		Partner:        s.res.Partner,
		Ops:            inbound,
		PartnerSummary: partner.Summary,
		PartnerAck:     partner.Ack,
	})
	s.enter(StateCommitted)
	s.logger.Printf("session %s (%s) with %s committed: received=%d sent=%d applied=%d dropped=%d purged=%d",
		s.res.ID, s.res.Role, s.res.Partner, s.res.Received, s.res.Sent,
		s.res.Stats.Applied, s.res.Stats.Dropped, s.res.Stats.Purged)
}

// Initiate runs the initiating side of a session with partner over stream.
// The stream is closed on return. Errors satisfying IsFatal mean the partner
// sent something undecodable; any other error is a transport failure. On
// error the replica is unchanged.
func Initiate(ctx context.Context, r Replica, partner string, stream transport.Stream, logger *log.Logger) (Result, error) {
	defer stream.Close()
	stop := bind(ctx, stream)
	defer stop()

	s := newSession(r, stream, RoleInitiator, uuid.NewString(), logger)
	s.res.Partner = partner

	localSummary, localAck := r.Snapshot()
	if err := s.conn.send(MsgRequest, RequestPayload{Summary: localSummary, Ack: localAck}); err != nil {
		return s.abort(err)
	}
	s.enter(StateRequestSent)

	s.enter(StateCollectingInboundOps)
	var inbound []model.Operation
	var partnerReq *RequestPayload
	for partnerReq == nil {
		msg, err := s.conn.recv()
		if err != nil {
			return s.abort(err)
		}
		switch msg.Type {
		case MsgOperation:
			op, err := ExtractOperation(msg)
			if err != nil {
				return s.abort(err)
			}
			inbound = append(inbound, *op)
			s.res.Received++
		case MsgRequest:
			partnerReq, err = ExtractRequest(msg)
			if err != nil {
				return s.abort(err)
			}
			if msg.From != "" {
				s.res.Partner = msg.From
			}
		default:
			return s.abort(unexpected(MsgRequest, msg.Type))
		}
	}
	s.enter(StatePartnerRequestReceived)

	if err := s.sendOperations(r.ListNewer(partnerReq.Summary)); err != nil {
		return s.abort(err)
	}
	s.enter(StateOutboundOpsSent)

	if err := s.conn.send(MsgEnd, nil); err != nil {
		return s.abort(err)
	}
	s.enter(StateEndSent)

	s.enter(StateAwaitingPartnerEnd)
	msg, err := s.conn.recv()
	if err != nil {
		return s.abort(err)
	}
	if msg.Type != MsgEnd {
		return s.abort(unexpected(MsgEnd, msg.Type))
	}

	s.commit(inbound, partnerReq)
	return s.res, nil
}

// Respond runs the responding side of a session over an accepted stream.
// It mirrors Initiate: receive the request, stream what the initiator is
// missing, turn around with the local request, collect the initiator's
// operations until its end marker, answer with an end marker and commit.
// The stream is closed on return.
func Respond(ctx context.Context, r Replica, stream transport.Stream, logger *log.Logger) (Result, error) {
	defer stream.Close()
	stop := bind(ctx, stream)
	defer stop()

	c := &conn{stream: stream, from: r.ID()}
	msg, err := c.recv()
	if err != nil {
		s := newSession(r, stream, RoleResponder, uuid.NewString(), logger)
		return s.abort(err)
	}

	id := msg.SessionID
	if _, perr := uuid.Parse(id); perr != nil {
		id = uuid.NewString()
	}
	s := newSession(r, stream, RoleResponder, id, logger)
	s.res.Partner = msg.From

	partnerReq, err := ExtractRequest(msg)
	if err != nil {
		return s.abort(err)
	}
	s.enter(StatePartnerRequestReceived)

	localSummary, localAck := r.Snapshot()
	if err := s.sendOperations(r.ListNewer(partnerReq.Summary)); err != nil {
		return s.abort(err)
	}
	s.enter(StateOutboundOpsSent)

	if err := s.conn.send(MsgRequest, RequestPayload{Summary: localSummary, Ack: localAck}); err != nil {
		return s.abort(err)
	}
	s.enter(StateRequestSent)

	s.enter(StateCollectingInboundOps)
	var inbound []model.Operation
	for done := false; !done; {
		msg, err := s.conn.recv()
		if err != nil {
			return s.abort(err)
		}
		switch msg.Type {
		case MsgOperation:
			op, err := ExtractOperation(msg)
			if err != nil {
				return s.abort(err)
			}
			inbound = append(inbound, *op)
			s.res.Received++
		case MsgEnd:
			done = true
		default:
			return s.abort(unexpected(MsgEnd, msg.Type))
		}
	}

	if err := s.conn.send(MsgEnd, nil); err != nil {
		return s.abort(err)
	}
	s.enter(StateEndSent)

	s.commit(inbound, partnerReq)
	return s.res, nil
}
