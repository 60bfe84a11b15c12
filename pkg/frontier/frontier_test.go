package frontier

import (
	"testing"

	"github.com/daviddao/tsae/pkg/clock"
)

var nodes = []string{"alice", "bob", "carol"}

func row(seqs map[string]int64) *clock.Vector {
	v := clock.NewVector(nodes)
	for p, s := range seqs {
		v.UpdateTimestamp(clock.Timestamp{Participant: p, Seq: s})
	}
	return v
}

func seq(v *clock.Vector, p string) int64 {
	ts, _ := v.Last(p)
	return ts.Seq
}

func TestComputeStatus_Empty(t *testing.T) {
	s := ComputeStatus(clock.NewMatrix(nil))
	if !s.FullyStable {
		t.Fatal("empty matrix should be fully stable")
	}
	if len(s.BlockedBy) != 0 {
		t.Fatalf("empty matrix: got %d lags, want 0", len(s.BlockedBy))
	}
}

func TestComputeStatus_AllNull(t *testing.T) {
	s := ComputeStatus(clock.NewMatrix(nodes))
	if !s.FullyStable {
		t.Fatal("all-NULL matrix should be fully stable")
	}
}

func TestComputeStatus_AllAgree(t *testing.T) {
	ack := clock.NewMatrix(nodes)
	for _, n := range nodes {
		ack.Update(n, row(map[string]int64{"alice": 2, "bob": 1}))
	}
	s := ComputeStatus(ack)
	if !s.FullyStable {
		t.Fatal("agreeing rows should be fully stable")
	}
	if seq(s.Stable, "alice") != 2 || seq(s.Stable, "bob") != 1 {
		t.Fatalf("stable = %v, want {alice:2 bob:1 carol:-}", s.Stable)
	}
}

func TestComputeStatus_OneLaggard(t *testing.T) {
	ack := clock.NewMatrix(nodes)
	ack.Update("alice", row(map[string]int64{"alice": 4, "bob": 2}))
	ack.Update("bob", row(map[string]int64{"alice": 4, "bob": 2}))
	ack.Update("carol", row(map[string]int64{"alice": 1, "bob": 2}))

	s := ComputeStatus(ack)
	if s.FullyStable {
		t.Fatal("lagging row should not be fully stable")
	}
	if seq(s.Stable, "alice") != 1 {
		t.Fatalf("stable[alice] = %d, want 1", seq(s.Stable, "alice"))
	}
	if seq(s.Newest, "alice") != 4 {
		t.Fatalf("newest[alice] = %d, want 4", seq(s.Newest, "alice"))
	}
	if len(s.BlockedBy) != 1 {
		t.Fatalf("got %d lags, want 1: %+v", len(s.BlockedBy), s.BlockedBy)
	}
	lag := s.BlockedBy[0]
	if lag.Node != "carol" || lag.Participant != "alice" || lag.Seen.Seq != 1 || lag.Newest.Seq != 4 {
		t.Fatalf("unexpected lag %+v", lag)
	}
}

func TestLaggardsDistinct(t *testing.T) {
	ack := clock.NewMatrix(nodes)
	ack.Update("alice", row(map[string]int64{"alice": 3, "bob": 3}))
	s := ComputeStatus(ack)
	got := s.Laggards()
	if len(got) != 2 || got[0] != "bob" || got[1] != "carol" {
		t.Fatalf("Laggards = %v, want [bob carol]", got)
	}
}
