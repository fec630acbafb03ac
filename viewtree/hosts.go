package viewtree

import (
	"fmt"
	"sort"
	"time"

	"procsheriff/fleet"
)

// HostOp is the kind of change applied to the deputy table.
type HostOp int

const (
	HostInsert HostOp = iota
	HostUpdate
	HostRemove
)

func (op HostOp) String() string {
	switch op {
	case HostInsert:
		return "HostInsert"
	case HostUpdate:
		return "HostUpdate"
	case HostRemove:
		return "HostRemove"
	default:
		return "Unknown"
	}
}

// HostRow is one line of the deputy table as displayed.
type HostRow struct {
	Name       string
	LastUpdate string
	Load       string
}

// HostEdit is one change to the deputy table.
type HostEdit struct {
	Op  HostOp
	Row HostRow
}

// HostTable mirrors the deputy list. Rows keep their insertion order; new
// deputies are appended sorted by name.
type HostTable struct {
	rows  []HostRow
	index map[string]int
}

// NewHostTable returns an empty table.
func NewHostTable() *HostTable {
	return &HostTable{index: make(map[string]int)}
}

// Rows returns a copy of the current rows.
func (h *HostTable) Rows() []HostRow {
	if h == nil {
		return nil
	}
	return append([]HostRow(nil), h.rows...)
}

// Reconcile updates the table from deputies as of now and returns the edits.
func (h *HostTable) Reconcile(deputies []*fleet.Deputy, now time.Time) []HostEdit {
	if h == nil {
		return nil
	}
	live := make(map[string]HostRow, len(deputies))
	for _, d := range deputies {
		if d == nil {
			continue
		}
		live[d.Name] = hostRow(d, now)
	}

	var edits []HostEdit
	kept := h.rows[:0]
	for _, row := range h.rows {
		next, ok := live[row.Name]
		if !ok {
			edits = append(edits, HostEdit{Op: HostRemove, Row: row})
			continue
		}
		delete(live, row.Name)
		if next != row {
			edits = append(edits, HostEdit{Op: HostUpdate, Row: next})
		}
		kept = append(kept, next)
	}
	h.rows = kept

	added := make([]string, 0, len(live))
	for name := range live {
		added = append(added, name)
	}
	sort.Strings(added)
	for _, name := range added {
		h.rows = append(h.rows, live[name])
		edits = append(edits, HostEdit{Op: HostInsert, Row: live[name]})
	}

	clear(h.index)
	for i, row := range h.rows {
		h.index[row.Name] = i
	}
	return edits
}

// Index reports the row position of deputy name.
func (h *HostTable) Index(name string) (int, bool) {
	if h == nil {
		return 0, false
	}
	i, ok := h.index[name]
	return i, ok
}

func hostRow(d *fleet.Deputy, now time.Time) HostRow {
	last := "<never>"
	if !d.LastUpdate.IsZero() {
		last = fmt.Sprintf("%.1f seconds ago", now.Sub(d.LastUpdate).Seconds())
	}
	return HostRow{
		Name:       d.Name,
		LastUpdate: last,
		Load:       fmt.Sprintf("%f", d.Load),
	}
}
