package clock

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Matrix maps every participant to the vector that participant was last
// known, directly or transitively, to have seen. Row p is p's
// acknowledgment; the elementwise minimum over all rows is what every node
// has received.
//
// Rows live in a fixed table indexed by participant position. The row set
// is fixed at construction: no operation adds or removes rows.
type Matrix struct {
	order []string
	index map[string]int
	rows  []*Vector
}

// NewMatrix returns a matrix with one all-NULL row per participant.
func NewMatrix(participants []string) *Matrix {
	m := &Matrix{index: make(map[string]int, len(participants))}
	for _, p := range participants {
		if _, dup := m.index[p]; dup {
			continue
		}
		m.index[p] = len(m.order)
		m.order = append(m.order, p)
	}
	m.rows = make([]*Vector, len(m.order))
	for i := range m.rows {
		m.rows[i] = NewVector(m.order)
	}
	return m
}

// Participants returns the row keys in order.
func (m *Matrix) Participants() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Row returns a copy of participant's row.
func (m *Matrix) Row(participant string) (*Vector, bool) {
	i, ok := m.index[participant]
	if !ok {
		return nil, false
	}
	return m.rows[i].Clone(), true
}

// Update replaces participant's row with a copy of v. Unknown participants
// and nil vectors are ignored.
func (m *Matrix) Update(participant string, v *Vector) {
	i, ok := m.index[participant]
	if !ok || v == nil {
		return
	}
	m.rows[i] = v.Clone()
}

// UpdateRowMax folds v into participant's row with Vector.UpdateMax.
func (m *Matrix) UpdateRowMax(participant string, v *Vector) {
	i, ok := m.index[participant]
	if !ok {
		return
	}
	m.rows[i].UpdateMax(v)
}

// UpdateMax merges other into m row by row, taking the elementwise maximum
// of rows present in both. Rows only present in other are ignored.
func (m *Matrix) UpdateMax(other *Matrix) {
	if other == nil {
		return
	}
	for _, p := range m.order {
		if j, ok := other.index[p]; ok {
			m.UpdateRowMax(p, other.rows[j])
		}
	}
}

// MinTimestampVector folds every row with Vector.MergeMin, seeded with a
// clone of the first row. Each entry is the newest timestamp of that
// participant known to have reached every node. An empty matrix yields an
// empty vector.
func (m *Matrix) MinTimestampVector() *Vector {
	if len(m.rows) == 0 {
		return NewVector(nil)
	}
	low := m.rows[0].Clone()
	for _, row := range m.rows[1:] {
		low.MergeMin(row)
	}
	return low
}

// Clone returns an independent deep copy of m.
func (m *Matrix) Clone() *Matrix {
	c := &Matrix{
		order: make([]string, len(m.order)),
		index: make(map[string]int, len(m.index)),
		rows:  make([]*Vector, len(m.rows)),
	}
	copy(c.order, m.order)
	for p, i := range m.index {
		c.index[p] = i
	}
	for i, row := range m.rows {
		c.rows[i] = row.Clone()
	}
	return c
}

// Equal reports whether m and other have the same row keys and every row is
// equal.
func (m *Matrix) Equal(other *Matrix) bool {
	if m == nil || other == nil {
		return m == other
	}
	if len(m.order) != len(other.order) {
		return false
	}
	for i, p := range m.order {
		j, ok := other.index[p]
		if !ok || !m.rows[i].Equal(other.rows[j]) {
			return false
		}
	}
	return true
}

type matrixRow struct {
	Participant string  `json:"participant"`
	Vector      *Vector `json:"vector"`
}

// MarshalJSON encodes the matrix as an ordered list of rows.
func (m *Matrix) MarshalJSON() ([]byte, error) {
	rows := make([]matrixRow, len(m.order))
	for i, p := range m.order {
		rows[i] = matrixRow{Participant: p, Vector: m.rows[i]}
	}
	return json.Marshal(rows)
}

// UnmarshalJSON decodes the ordered list written by MarshalJSON.
func (m *Matrix) UnmarshalJSON(data []byte) error {
	var rows []matrixRow
	if err := json.Unmarshal(data, &rows); err != nil {
		return err
	}
	m.order = make([]string, 0, len(rows))
	m.index = make(map[string]int, len(rows))
	m.rows = make([]*Vector, 0, len(rows))
	for _, r := range rows {
		if r.Participant == "" || r.Vector == nil {
			return fmt.Errorf("matrix row without participant or vector")
		}
		if _, dup := m.index[r.Participant]; dup {
			return fmt.Errorf("duplicate matrix row for %s", r.Participant)
		}
		m.index[r.Participant] = len(m.order)
		m.order = append(m.order, r.Participant)
		m.rows = append(m.rows, r.Vector)
	}
	return nil
}

func (m *Matrix) String() string {
	var b strings.Builder
	for i, p := range m.order {
		fmt.Fprintf(&b, "%s: %s\n", p, m.rows[i])
	}
	return b.String()
}
