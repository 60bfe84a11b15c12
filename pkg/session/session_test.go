package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/daviddao/tsae/pkg/clock"
	"github.com/daviddao/tsae/pkg/model"
	"github.com/daviddao/tsae/pkg/node"
	"github.com/daviddao/tsae/pkg/session"
	"github.com/daviddao/tsae/pkg/transport"
)

var (
	ab    = []string{"A", "B"}
	quiet = log.New(io.Discard, "", 0)
)

func pipe(t *testing.T) (transport.Stream, transport.Stream) {
	t.Helper()
	a, b := net.Pipe()
	sa, sb := transport.NewFrameStream(a), transport.NewFrameStream(b)
	t.Cleanup(func() {
		sa.Close()
		sb.Close()
	})
	return sa, sb
}

func newState(t *testing.T, id string) *node.State {
	t.Helper()
	s, err := node.NewState(id, ab)
	if err != nil {
		t.Fatalf("NewState(%s): %v", id, err)
	}
	return s
}

func issue(t *testing.T, s *node.State, titles ...string) {
	t.Helper()
	for _, title := range titles {
		if _, err := s.Issue(model.OpAdd, title, "body of "+title); err != nil {
			t.Fatalf("Issue(%s): %v", title, err)
		}
	}
}

// fingerprint serializes everything a session may mutate.
func fingerprint(t *testing.T, s *node.State) string {
	t.Helper()
	cp := s.Checkpoint()
	cp.SavedAt = time.Time{}
	data, err := json.Marshal(cp)
	if err != nil {
		t.Fatalf("marshal checkpoint: %v", err)
	}
	return string(data)
}

func want(seqs map[string]int64) *clock.Vector {
	v := clock.NewVector(ab)
	for p, seq := range seqs {
		v.UpdateTimestamp(clock.Timestamp{Participant: p, Seq: seq})
	}
	return v
}

type outcome struct {
	res session.Result
	err error
}

// exchange runs a full session with a initiating and b responding.
func exchange(t *testing.T, a, b *node.State) (session.Result, session.Result, error, error) {
	t.Helper()
	sa, sb := pipe(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		res, err := session.Respond(ctx, b, sb, quiet)
		done <- outcome{res, err}
	}()
	resA, errA := session.Initiate(ctx, a, b.ID(), sa, quiet)
	out := <-done
	return resA, out.res, errA, out.err
}

func TestTwoNodeConvergence(t *testing.T) {
	a, b := newState(t, "A"), newState(t, "B")
	issue(t, a, "A1", "A2")
	issue(t, b, "B1")

	if got := len(a.Log()); got != 2 {
		t.Fatalf("A log before = %d ops, want 2", got)
	}
	if got := len(b.Log()); got != 1 {
		t.Fatalf("B log before = %d ops, want 1", got)
	}

	resA, resB, errA, errB := exchange(t, a, b)
	if errA != nil || errB != nil {
		t.Fatalf("exchange: initiator=%v responder=%v", errA, errB)
	}
	if !resA.Committed() || !resB.Committed() {
		t.Fatalf("states: initiator=%s responder=%s", resA.State, resB.State)
	}
	if resA.Sent != 2 || resA.Received != 1 {
		t.Errorf("initiator sent=%d received=%d, want 2 and 1", resA.Sent, resA.Received)
	}
	if resB.Sent != 1 || resB.Received != 2 {
		t.Errorf("responder sent=%d received=%d, want 1 and 2", resB.Sent, resB.Received)
	}
	if resA.ID != resB.ID {
		t.Errorf("session ids differ: %s vs %s", resA.ID, resB.ID)
	}
	if resA.Partner != "B" || resB.Partner != "A" {
		t.Errorf("partners = %q, %q", resA.Partner, resB.Partner)
	}

	full := want(map[string]int64{"A": 2, "B": 1})
	for _, s := range []*node.State{a, b} {
		if got := len(s.Log()); got != 3 {
			t.Errorf("%s log = %d ops, want 3", s.ID(), got)
		}
		sum, ack := s.Snapshot()
		if !sum.Equal(full) {
			t.Errorf("%s summary = %v, want %v", s.ID(), sum, full)
		}
		if row, _ := ack.Row(s.ID()); !row.Equal(full) {
			t.Errorf("%s own ack row = %v, want %v", s.ID(), row, full)
		}
		if got := len(s.Recipes()); got != 3 {
			t.Errorf("%s recipes = %d, want 3", s.ID(), got)
		}
	}

	// Each side only knows the row its partner sent in its request, taken
	// before the exchange. Nothing is stable yet.
	_, ackA := a.Snapshot()
	if row, _ := ackA.Row("B"); !row.Equal(want(map[string]int64{"B": 1})) {
		t.Errorf("A's row for B = %v, want {A:- B:1}", row)
	}
	_, ackB := b.Snapshot()
	if row, _ := ackB.Row("A"); !row.Equal(want(map[string]int64{"A": 2})) {
		t.Errorf("B's row for A = %v, want {A:2 B:-}", row)
	}
	if n := a.Purge(); n != 0 {
		t.Errorf("purge after one session removed %d, want 0", n)
	}

	// The second exchange carries both full rows. Only A#1 is strictly
	// below the bound, so each commit purges exactly it.
	resA, resB, errA, errB = exchange(t, a, b)
	if errA != nil || errB != nil {
		t.Fatalf("second exchange: initiator=%v responder=%v", errA, errB)
	}
	if resA.Stats.Purged != 1 || resB.Stats.Purged != 1 {
		t.Errorf("purged = %d and %d, want 1 each", resA.Stats.Purged, resB.Stats.Purged)
	}
	for _, s := range []*node.State{a, b} {
		_, ack := s.Snapshot()
		for _, p := range ab {
			if row, _ := ack.Row(p); !row.Equal(full) {
				t.Errorf("%s ack row %s = %v, want %v", s.ID(), p, row, full)
			}
		}
		if got := len(s.Log()); got != 2 {
			t.Errorf("%s log = %d ops, want 2", s.ID(), got)
		}
		if got := len(s.Recipes()); got != 3 {
			t.Errorf("%s recipes = %d, want 3", s.ID(), got)
		}
		if n := s.Purge(); n != 0 {
			t.Errorf("%s purge after convergence removed %d, want 0", s.ID(), n)
		}
	}
}

// lossyStream fails the read that would deliver the partner's end marker,
// the way a connection reset in AWAITING_PARTNER_END does.
type lossyStream struct {
	transport.Stream
}

func (l lossyStream) ReadFrame() ([]byte, error) {
	data, err := l.Stream.ReadFrame()
	if err != nil {
		return nil, err
	}
	if msg, merr := session.UnmarshalMessage(data); merr == nil && msg.Type == session.MsgEnd {
		l.Stream.Close()
		return nil, errors.New("connection reset by peer")
	}
	return data, nil
}

func TestLostEndDoesNotLoseOperations(t *testing.T) {
	abc := []string{"A", "B", "C"}
	states := make(map[string]*node.State)
	for _, id := range abc {
		s, err := node.NewState(id, abc)
		if err != nil {
			t.Fatalf("NewState(%s): %v", id, err)
		}
		states[id] = s
	}
	a, b, c := states["A"], states["B"], states["C"]
	issue(t, b, "B1", "B2", "B3")

	// B commits, A aborts before its commit.
	sa, sb := pipe(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan outcome, 1)
	go func() {
		res, err := session.Respond(ctx, b, sb, quiet)
		done <- outcome{res, err}
	}()
	resA, errA := session.Initiate(ctx, a, "B", lossyStream{sa}, quiet)
	out := <-done
	if errA == nil || session.IsFatal(errA) || resA.State != session.StateAborted {
		t.Fatalf("initiator = %s, %v; want a non-fatal abort", resA.State, errA)
	}
	if out.err != nil || !out.res.Committed() {
		t.Fatalf("responder = %s, %v; want committed", out.res.State, out.err)
	}
	if got := len(a.Log()); got != 0 {
		t.Fatalf("aborted initiator logged %d ops", got)
	}

	_, ackB := b.Snapshot()
	rowA, _ := ackB.Row("A")
	if ts, _ := rowA.Last("B"); !ts.IsNull() {
		t.Fatalf("B credits A with %v after A aborted", rowA)
	}

	// B and C gossip; nothing may be purged while A lacks B's operations.
	for i := 0; i < 2; i++ {
		if _, _, e1, e2 := exchange(t, b, c); e1 != nil || e2 != nil {
			t.Fatalf("B-C exchange: %v / %v", e1, e2)
		}
	}
	if got := len(b.Log()); got != 3 {
		t.Errorf("B log = %d ops, want 3", got)
	}
	if got := len(c.Log()); got != 3 {
		t.Errorf("C log = %d ops, want 3", got)
	}

	// A recovers from either partner.
	if _, _, e1, e2 := exchange(t, a, c); e1 != nil || e2 != nil {
		t.Fatalf("A-C exchange: %v / %v", e1, e2)
	}
	if got := len(a.Recipes()); got != 3 {
		t.Errorf("A recipes = %d, want 3", got)
	}
}

func TestSecondSessionIsIdempotent(t *testing.T) {
	a, b := newState(t, "A"), newState(t, "B")
	issue(t, a, "A1")
	issue(t, b, "B1")

	if _, _, errA, errB := exchange(t, a, b); errA != nil || errB != nil {
		t.Fatalf("first exchange: %v / %v", errA, errB)
	}
	resA, resB, errA, errB := exchange(t, b, a)
	if errA != nil || errB != nil {
		t.Fatalf("second exchange: %v / %v", errA, errB)
	}
	if resA.Sent != 0 || resB.Sent != 0 {
		t.Errorf("converged nodes exchanged ops: %d and %d", resA.Sent, resB.Sent)
	}
	if resA.Stats.Dropped != 0 || resB.Stats.Dropped != 0 {
		t.Errorf("dropped = %d, %d", resA.Stats.Dropped, resB.Stats.Dropped)
	}
}

func TestStateTraces(t *testing.T) {
	a, b := newState(t, "A"), newState(t, "B")
	resA, resB, errA, errB := exchange(t, a, b)
	if errA != nil || errB != nil {
		t.Fatalf("exchange: %v / %v", errA, errB)
	}

	wantA := []session.State{
		session.StateStart,
		session.StateRequestSent,
		session.StateCollectingInboundOps,
		session.StatePartnerRequestReceived,
		session.StateOutboundOpsSent,
		session.StateEndSent,
		session.StateAwaitingPartnerEnd,
		session.StateCommitted,
	}
	if !reflect.DeepEqual(resA.Trace, wantA) {
		t.Errorf("initiator trace = %v\nwant %v", resA.Trace, wantA)
	}
	wantB := []session.State{
		session.StateStart,
		session.StatePartnerRequestReceived,
		session.StateOutboundOpsSent,
		session.StateRequestSent,
		session.StateCollectingInboundOps,
		session.StateEndSent,
		session.StateCommitted,
	}
	if !reflect.DeepEqual(resB.Trace, wantB) {
		t.Errorf("responder trace = %v\nwant %v", resB.Trace, wantB)
	}
}

// peer drives the remote end of a stream by hand.
type peer struct {
	t  *testing.T
	s  transport.Stream
	id string
}

func (p *peer) send(typ session.MsgType, payload interface{}) {
	p.t.Helper()
	data, err := session.MarshalMessage(typ, "scripted", p.id, payload)
	if err != nil {
		p.t.Errorf("marshal: %v", err)
		return
	}
	if err := p.s.WriteFrame(data); err != nil {
		p.t.Errorf("write %s: %v", typ, err)
	}
}

func (p *peer) recv() *session.Message {
	p.t.Helper()
	data, err := p.s.ReadFrame()
	if err != nil {
		p.t.Errorf("read: %v", err)
		return nil
	}
	msg, err := session.UnmarshalMessage(data)
	if err != nil {
		p.t.Errorf("unmarshal: %v", err)
		return nil
	}
	return msg
}

func emptyRequest() session.RequestPayload {
	return session.RequestPayload{Summary: clock.NewVector(ab), Ack: clock.NewMatrix(ab)}
}

func remoteOp(seq int64) session.OperationPayload {
	return session.OperationPayload{Operation: model.Operation{
		Timestamp: clock.Timestamp{Participant: "B", Seq: seq},
		Kind:      model.OpAdd,
		Title:     "remote",
		CreatedAt: time.Unix(0, 0).UTC(),
	}}
}

func TestInitiatorTransportFailureLeavesStateUnchanged(t *testing.T) {
	a := newState(t, "A")
	issue(t, a, "A1", "A2")
	before := fingerprint(t, a)

	local, remote := pipe(t)
	go func() {
		p := &peer{t: t, s: remote, id: "B"}
		p.recv()
		p.send(session.MsgOperation, remoteOp(1))
		remote.Close()
	}()

	res, err := session.Initiate(context.Background(), a, "B", local, quiet)
	if err == nil {
		t.Fatal("expected error")
	}
	if session.IsFatal(err) {
		t.Errorf("transport failure reported as fatal: %v", err)
	}
	if res.State != session.StateAborted {
		t.Errorf("state = %s, want ABORTED", res.State)
	}
	if res.Received != 1 {
		t.Errorf("received = %d, want 1", res.Received)
	}
	if after := fingerprint(t, a); after != before {
		t.Errorf("state changed by aborted session\nbefore %s\nafter  %s", before, after)
	}
}

func TestResponderTransportFailureLeavesStateUnchanged(t *testing.T) {
	b := newState(t, "B")
	issue(t, b, "B1")
	before := fingerprint(t, b)

	local, remote := pipe(t)
	go func() {
		p := &peer{t: t, s: remote, id: "A"}
		p.send(session.MsgRequest, emptyRequest())
		p.recv() // B#1
		p.recv() // turn-around request
		remote.Close()
	}()

	res, err := session.Respond(context.Background(), b, local, quiet)
	if err == nil {
		t.Fatal("expected error")
	}
	if session.IsFatal(err) {
		t.Errorf("transport failure reported as fatal: %v", err)
	}
	if res.Partner != "A" {
		t.Errorf("partner = %q, want A", res.Partner)
	}
	if after := fingerprint(t, b); after != before {
		t.Errorf("state changed by aborted session\nbefore %s\nafter  %s", before, after)
	}
}

func TestMalformedFrameIsFatal(t *testing.T) {
	a := newState(t, "A")
	before := fingerprint(t, a)

	local, remote := pipe(t)
	go func() {
		if _, err := remote.ReadFrame(); err != nil {
			t.Errorf("read request: %v", err)
			return
		}
		remote.WriteFrame([]byte("{not json"))
	}()

	_, err := session.Initiate(context.Background(), a, "B", local, quiet)
	if !session.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if !errors.Is(err, session.ErrMalformedMessage) {
		t.Errorf("err = %v, want ErrMalformedMessage", err)
	}
	if after := fingerprint(t, a); after != before {
		t.Error("state changed by malformed session")
	}
}

func TestUnexpectedMessageIsFatal(t *testing.T) {
	tests := []struct {
		name   string
		script func(p *peer)
	}{
		{"end before request", func(p *peer) {
			p.recv()
			p.send(session.MsgEnd, nil)
		}},
		{"operation instead of end", func(p *peer) {
			p.recv()
			p.send(session.MsgRequest, emptyRequest())
			p.recv() // END
			p.send(session.MsgOperation, remoteOp(1))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newState(t, "A")
			local, remote := pipe(t)
			go tt.script(&peer{t: t, s: remote, id: "B"})

			_, err := session.Initiate(context.Background(), a, "B", local, quiet)
			if !errors.Is(err, session.ErrUnexpectedMessage) {
				t.Fatalf("err = %v, want ErrUnexpectedMessage", err)
			}
			if !session.IsFatal(err) {
				t.Error("unexpected message should be fatal")
			}
		})
	}
}

func TestResponderRejectsNonRequestOpener(t *testing.T) {
	b := newState(t, "B")
	local, remote := pipe(t)
	go (&peer{t: t, s: remote, id: "A"}).send(session.MsgEnd, nil)

	res, err := session.Respond(context.Background(), b, local, quiet)
	if !session.IsFatal(err) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if res.State != session.StateAborted {
		t.Errorf("state = %s, want ABORTED", res.State)
	}
}

func TestOutOfOrderOperationsDropped(t *testing.T) {
	a := newState(t, "A")
	local, remote := pipe(t)
	go func() {
		p := &peer{t: t, s: remote, id: "B"}
		p.recv()
		p.send(session.MsgOperation, remoteOp(1))
		p.send(session.MsgOperation, remoteOp(3))
		req := emptyRequest()
		req.Summary.UpdateTimestamp(clock.Timestamp{Participant: "B", Seq: 1})
		p.send(session.MsgRequest, req)
		p.recv() // END
		p.send(session.MsgEnd, nil)
	}()

	res, err := session.Initiate(context.Background(), a, "B", local, quiet)
	if err != nil {
		t.Fatalf("Initiate: %v", err)
	}
	if res.Stats.Applied != 1 || res.Stats.Dropped != 1 {
		t.Errorf("stats = %+v, want 1 applied and 1 dropped", res.Stats)
	}
	if got := len(a.Log()); got != 1 {
		t.Errorf("log = %d ops, want 1", got)
	}
}

func TestContextDeadlineAbortsSession(t *testing.T) {
	a := newState(t, "A")
	local, remote := pipe(t)
	go func() {
		remote.ReadFrame()
		// never answer
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	res, err := session.Initiate(ctx, a, "B", local, quiet)
	if err == nil {
		t.Fatal("expected error")
	}
	if session.IsFatal(err) {
		t.Errorf("timeout reported as fatal: %v", err)
	}
	if res.State != session.StateAborted {
		t.Errorf("state = %s, want ABORTED", res.State)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("deadline did not unblock the session")
	}
}
