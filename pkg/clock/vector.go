package clock

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Vector maps every participant to the newest timestamp known from it.
//
// The domain is the participant set given at construction and is kept in
// insertion order so that iteration, encoding and printing are
// deterministic. Only MergeMin may grow the domain.
type Vector struct {
	order []string
	last  map[string]Timestamp
}

// NewVector returns a vector holding the NULL timestamp for every
// participant. Duplicate participants are ignored.
func NewVector(participants []string) *Vector {
	v := &Vector{last: make(map[string]Timestamp, len(participants))}
	for _, p := range participants {
		v.insert(Null(p))
	}
	return v
}

func (v *Vector) insert(ts Timestamp) {
	if _, ok := v.last[ts.Participant]; !ok {
		v.order = append(v.order, ts.Participant)
	}
	v.last[ts.Participant] = ts
}

// Participants returns the vector's domain in order.
func (v *Vector) Participants() []string {
	out := make([]string, len(v.order))
	copy(out, v.order)
	return out
}

// Len returns the number of participants in the domain.
func (v *Vector) Len() int { return len(v.order) }

// Last returns the newest timestamp known from participant. For a
// participant outside the domain it returns the NULL timestamp and false.
func (v *Vector) Last(participant string) (Timestamp, bool) {
	ts, ok := v.last[participant]
	if !ok {
		return Null(participant), false
	}
	return ts, true
}

// UpdateTimestamp overwrites the entry for ts.Participant without any
// ordering check. A void timestamp (no participant) or a participant outside
// the domain is ignored.
func (v *Vector) UpdateTimestamp(ts Timestamp) {
	if ts.Participant == "" {
		return
	}
	if _, ok := v.last[ts.Participant]; !ok {
		return
	}
	v.last[ts.Participant] = ts
}

// UpdateMax folds other into v taking the elementwise maximum over v's
// domain. Participants only present in other are ignored. The merge is
// monotone and idempotent.
func (v *Vector) UpdateMax(other *Vector) {
	if other == nil {
		return
	}
	for _, p := range v.order {
		theirs, ok := other.last[p]
		if !ok {
			continue
		}
		if theirs.Newer(v.last[p]) {
			v.last[p] = theirs
		}
	}
}

// MergeMin folds other into v taking the elementwise minimum. Participants
// missing from v are inserted with other's timestamp; this is the only
// operation that grows the domain and is meant for folding matrix rows
// into a running minimum.
func (v *Vector) MergeMin(other *Vector) {
	if other == nil {
		return
	}
	for _, p := range other.order {
		theirs := other.last[p]
		mine, ok := v.last[p]
		if !ok {
			v.insert(theirs)
			continue
		}
		if theirs.Older(mine) {
			v.last[p] = theirs
		}
	}
}

// Clone returns an independent deep copy of v.
func (v *Vector) Clone() *Vector {
	c := &Vector{
		order: make([]string, len(v.order)),
		last:  make(map[string]Timestamp, len(v.last)),
	}
	copy(c.order, v.order)
	for p, ts := range v.last {
		c.last[p] = ts
	}
	return c
}

// Equal reports whether v and other have the same domain and the same
// timestamp for every participant. Domain order is not significant.
func (v *Vector) Equal(other *Vector) bool {
	if v == nil || other == nil {
		return v == other
	}
	if len(v.last) != len(other.last) {
		return false
	}
	for p, ts := range v.last {
		theirs, ok := other.last[p]
		if !ok || theirs != ts {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the vector as an ordered list of timestamps.
func (v *Vector) MarshalJSON() ([]byte, error) {
	entries := make([]Timestamp, 0, len(v.order))
	for _, p := range v.order {
		entries = append(entries, v.last[p])
	}
	return json.Marshal(entries)
}

// UnmarshalJSON decodes the ordered list written by MarshalJSON.
func (v *Vector) UnmarshalJSON(data []byte) error {
	var entries []Timestamp
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	v.order = nil
	v.last = make(map[string]Timestamp, len(entries))
	for _, e := range entries {
		if e.Participant == "" {
			return fmt.Errorf("vector entry without participant")
		}
		if _, err := NewTimestamp(e.Participant, e.Seq); err != nil {
			return err
		}
		if _, dup := v.last[e.Participant]; dup {
			return fmt.Errorf("duplicate vector entry for %s", e.Participant)
		}
		v.insert(e)
	}
	return nil
}

func (v *Vector) String() string {
	parts := make([]string, 0, len(v.order))
	for _, p := range v.order {
		ts := v.last[p]
		if ts.IsNull() {
			parts = append(parts, p+":-")
		} else {
			parts = append(parts, fmt.Sprintf("%s:%d", p, ts.Seq))
		}
	}
	return "{" + strings.Join(parts, " ") + "}"
}
