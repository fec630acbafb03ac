package ui

import (
	"procsheriff/viewtree"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

var hostHeaders = []string{"Deputy", "Last update", "Load"}

// hostTable mirrors deputy row edits onto a tview table. Row 0 is the
// header; rows are matched by deputy name and inserts append, as the
// console's table does. UI goroutine only.
type hostTable struct {
	table *tview.Table
}

func newHostTable() *hostTable {
	table := tview.NewTable().SetFixed(1, 0).SetSelectable(false, false)
	for col, h := range hostHeaders {
		table.SetCell(0, col, tview.NewTableCell(accentText(h)).SetSelectable(false).SetExpansion(1))
	}
	return &hostTable{table: table}
}

func (h *hostTable) apply(e viewtree.HostEdit) {
	row := h.find(e.Row.Name)
	switch e.Op {
	case viewtree.HostInsert:
		if row < 0 {
			row = h.table.GetRowCount()
		}
		h.setRow(row, e.Row)
	case viewtree.HostUpdate:
		if row < 0 {
			row = h.table.GetRowCount()
		}
		h.setRow(row, e.Row)
	case viewtree.HostRemove:
		if row > 0 {
			h.table.RemoveRow(row)
		}
	}
}

func (h *hostTable) find(name string) int {
	escaped := tview.Escape(name)
	for row := 1; row < h.table.GetRowCount(); row++ {
		if cell := h.table.GetCell(row, 0); cell != nil && cell.Text == escaped {
			return row
		}
	}
	return -1
}

func (h *hostTable) setRow(row int, r viewtree.HostRow) {
	h.table.SetCell(row, 0, tview.NewTableCell(tview.Escape(r.Name)).SetExpansion(1))
	h.table.SetCell(row, 1, tview.NewTableCell(r.LastUpdate).SetExpansion(1))
	h.table.SetCell(row, 2, tview.NewTableCell(r.Load).SetExpansion(1).SetTextColor(tcell.ColorWhite))
}

// names returns the deputy column, for tests.
func (h *hostTable) names() []string {
	var out []string
	for row := 1; row < h.table.GetRowCount(); row++ {
		if cell := h.table.GetCell(row, 0); cell != nil {
			out = append(out, cell.Text)
		}
	}
	return out
}
