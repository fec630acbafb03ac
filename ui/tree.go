package ui

import (
	"fmt"
	"strings"

	"procsheriff/fleet"
	"procsheriff/viewtree"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// statusColors mirrors the classic sheriff palette: starting is orange,
// running green, stopping yellow, a clean stop white, failures red.
var statusColors = map[fleet.Status]tcell.Color{
	fleet.StatusTryingToStart: tcell.ColorOrange,
	fleet.StatusRestarting:    tcell.ColorOrange,
	fleet.StatusRunning:       tcell.ColorGreen,
	fleet.StatusTryingToStop:  tcell.ColorYellow,
	fleet.StatusRemoving:      tcell.ColorYellow,
	fleet.StatusStoppedOK:     tcell.ColorWhite,
	fleet.StatusStoppedError:  tcell.ColorRed,
	fleet.StatusUnknown:       tcell.ColorRed,
	fleet.StatusMixed:         tcell.ColorYellow,
}

func statusColor(s fleet.Status) tcell.Color {
	if c, ok := statusColors[s]; ok {
		return c
	}
	return tcell.ColorRed
}

// rowRef is stored as the TreeNode reference.
type rowRef struct {
	id      viewtree.NodeID
	kind    viewtree.Kind
	command fleet.CommandID
	label   string
	fields  viewtree.Fields
}

// commandTree mirrors viewtree edits onto tview tree nodes. It is only
// touched on the UI goroutine.
type commandTree struct {
	root  *tview.TreeNode
	nodes map[viewtree.NodeID]*tview.TreeNode
}

func newCommandTree() *commandTree {
	root := tview.NewTreeNode(accentText("Commands")).SetSelectable(true)
	root.SetReference(&rowRef{id: viewtree.Root, kind: viewtree.KindGroup})
	return &commandTree{
		root:  root,
		nodes: make(map[viewtree.NodeID]*tview.TreeNode),
	}
}

func (t *commandTree) parentNode(id viewtree.NodeID) (*tview.TreeNode, error) {
	if id == viewtree.Root {
		return t.root, nil
	}
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("ui: unknown parent %d", id)
	}
	return n, nil
}

// apply mirrors one edit. An error means the mirror and the console's tree
// have diverged; the caller asks the console to resync, which sends
// EditReset followed by the whole tree.
func (t *commandTree) apply(e viewtree.Edit) error {
	switch e.Op {
	case viewtree.EditInsertLeaf, viewtree.EditInsertGroup:
		if _, exists := t.nodes[e.Node]; exists {
			return fmt.Errorf("ui: %s: node exists", e)
		}
		parent, err := t.parentNode(e.Parent)
		if err != nil {
			return err
		}
		ref := &rowRef{id: e.Node, command: e.Command, label: e.Label, fields: e.Fields}
		if e.Op == viewtree.EditInsertGroup {
			ref.kind = viewtree.KindGroup
			ref.fields.Name = e.Label
		}
		n := tview.NewTreeNode("").SetReference(ref).SetSelectable(true).SetExpanded(true)
		t.render(n)
		parent.AddChild(n)
		t.nodes[e.Node] = n
	case viewtree.EditRemoveNode:
		n, ok := t.nodes[e.Node]
		if !ok {
			return fmt.Errorf("ui: %s: unknown node", e)
		}
		t.detach(n)
		delete(t.nodes, e.Node)
	case viewtree.EditReparent:
		n, ok := t.nodes[e.Node]
		if !ok {
			return fmt.Errorf("ui: %s: unknown node", e)
		}
		parent, err := t.parentNode(e.Parent)
		if err != nil {
			return err
		}
		t.detach(n)
		parent.AddChild(n)
	case viewtree.EditUpdateFields:
		n, ok := t.nodes[e.Node]
		if !ok {
			return fmt.Errorf("ui: %s: unknown node", e)
		}
		ref := n.GetReference().(*rowRef)
		ref.fields = e.Fields
		if ref.kind == viewtree.KindGroup {
			ref.fields.Name = ref.label
		}
		t.render(n)
	case viewtree.EditReset:
		t.root.ClearChildren()
		t.nodes = make(map[viewtree.NodeID]*tview.TreeNode)
	default:
		return fmt.Errorf("ui: unknown edit %d", e.Op)
	}
	return nil
}

func (t *commandTree) detach(n *tview.TreeNode) {
	var parent *tview.TreeNode
	t.root.Walk(func(node, p *tview.TreeNode) bool {
		if node == n {
			parent = p
			return false
		}
		return parent == nil
	})
	if parent != nil {
		parent.RemoveChild(n)
	}
}

func (t *commandTree) render(n *tview.TreeNode) {
	ref := n.GetReference().(*rowRef)
	n.SetText(formatRow(ref))
	n.SetColor(statusColor(ref.fields.Status))
}

// formatRow lays out the columns: name, deputy, status, CPU %, memory,
// auto-restart. Group rows leave the deputy column empty.
func formatRow(ref *rowRef) string {
	f := ref.fields
	name := f.Name
	deputy := f.Deputy
	auto := ""
	if ref.kind == viewtree.KindGroup {
		name = "[" + ref.label + "]"
		deputy = ""
	} else if f.AutoRestart {
		auto = "auto"
	}
	return fmt.Sprintf("%-28s %-14s %-16s %7s %10s %s",
		truncate(tview.Escape(name), 28), truncate(tview.Escape(deputy), 14),
		f.Status.String(), f.CPUPercent(), humanize.IBytes(f.MemBytes), auto)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "~"
}

// commandsUnder returns the command behind a row, or every command in a
// group (or the whole tree for the root), in display order.
func (t *commandTree) commandsUnder(n *tview.TreeNode) []fleet.CommandID {
	if n == nil {
		return nil
	}
	var out []fleet.CommandID
	n.Walk(func(node, _ *tview.TreeNode) bool {
		if ref, ok := node.GetReference().(*rowRef); ok && ref.kind == viewtree.KindLeaf {
			out = append(out, ref.command)
		}
		return true
	})
	return out
}

// node returns the tree node for id.
func (t *commandTree) node(id viewtree.NodeID) *tview.TreeNode {
	if id == viewtree.Root {
		return t.root
	}
	return t.nodes[id]
}

// labels returns the current rows as plain strings in display order, for
// snapshots and tests.
func (t *commandTree) labels() []string {
	var out []string
	t.root.Walk(func(node, parent *tview.TreeNode) bool {
		if parent == nil {
			return true
		}
		ref := node.GetReference().(*rowRef)
		indent := ""
		if parent != t.root {
			indent = "  "
		}
		if ref.kind == viewtree.KindGroup {
			out = append(out, indent+"["+ref.label+"] "+ref.fields.Status.String())
		} else {
			out = append(out, indent+ref.fields.Name+" "+ref.fields.Status.String())
		}
		return true
	})
	return out
}

func refOf(n *tview.TreeNode) (*rowRef, bool) {
	if n == nil {
		return nil, false
	}
	ref, ok := n.GetReference().(*rowRef)
	return ref, ok
}

func describeRow(ref *rowRef) string {
	if ref == nil || ref.id == viewtree.Root {
		return "all commands"
	}
	if ref.kind == viewtree.KindGroup {
		return "group " + ref.label
	}
	return strings.TrimSpace(ref.fields.Name)
}
