// Package frontier reports garbage-collection progress over an ack matrix.
//
// The stable frontier is the elementwise minimum of every node's
// acknowledgment row: for each participant, the newest operation known to
// have reached every node. Operations strictly older than the frontier are
// purged from the log. A node whose row lags the newest known timestamp of
// some participant holds the frontier back; the report names those nodes so
// operators can see which partner has not gossiped recently.
package frontier

import "github.com/daviddao/tsae/pkg/clock"

// Lag is one ack-matrix entry behind the newest timestamp any node has
// acknowledged for that participant.
type Lag struct {
	Node        string          `json:"node"`
	Participant string          `json:"participant"`
	Seen        clock.Timestamp `json:"seen"`
	Newest      clock.Timestamp `json:"newest"`
}

// Status is the result of a stability check over an ack matrix.
type Status struct {
	Stable      *clock.Vector `json:"stable"`
	Newest      *clock.Vector `json:"newest"`
	FullyStable bool          `json:"fully_stable"`
	BlockedBy   []Lag         `json:"blocked_by,omitempty"`
}

// ComputeNewest returns the elementwise maximum over every row of ack.
func ComputeNewest(ack *clock.Matrix) *clock.Vector {
	participants := ack.Participants()
	newest := clock.NewVector(participants)
	for _, node := range participants {
		row, _ := ack.Row(node)
		newest.UpdateMax(row)
	}
	return newest
}

// ComputeStatus computes the stable frontier of ack and the rows holding it
// back. Lags are listed row by row in matrix order.
func ComputeStatus(ack *clock.Matrix) Status {
	stable := ack.MinTimestampVector()
	newest := ComputeNewest(ack)
	status := Status{
		Stable:      stable,
		Newest:      newest,
		FullyStable: stable.Equal(newest),
	}
	for _, node := range ack.Participants() {
		row, _ := ack.Row(node)
		for _, p := range newest.Participants() {
			top, _ := newest.Last(p)
			seen, _ := row.Last(p)
			if seen.Older(top) {
				status.BlockedBy = append(status.BlockedBy, Lag{
					Node:        node,
					Participant: p,
					Seen:        seen,
					Newest:      top,
				})
			}
		}
	}
	return status
}

// Laggards returns the distinct nodes named in s.BlockedBy, in order of
// first appearance.
func (s Status) Laggards() []string {
	seen := make(map[string]bool)
	var out []string
	for _, l := range s.BlockedBy {
		if !seen[l.Node] {
			seen[l.Node] = true
			out = append(out, l.Node)
		}
	}
	return out
}
