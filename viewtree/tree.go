// Package viewtree holds the console's display model of the fleet: a forest
// of group rows and command rows, kept converged with the live fleet by a
// Reconciler that reports every structural change as an Edit.
//
// Nodes live in an arena keyed by NodeID. Parent and child links are ids,
// never pointers, so a render adapter can key its own state (selection,
// expansion, scroll) off the ids across edits.
package viewtree

import (
	"fmt"
	"math"
	"strconv"

	"procsheriff/fleet"

	"github.com/zeebo/xxh3"
)

// NodeID identifies a node for its whole life. Zero means "no node" and is
// used as the parent of root rows.
type NodeID uint64

// Root is the parent id of top-level rows.
const Root NodeID = 0

// Kind distinguishes command rows from synthetic group rows.
type Kind int

const (
	KindLeaf Kind = iota
	KindGroup
)

func (k Kind) Label() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindGroup:
		return "group"
	default:
		return "unknown"
	}
}

// Fields are the displayed columns of a row. For groups Name is the group
// label and Status, CPU and MemBytes are the rollup of the children.
type Fields struct {
	Name        string
	Nickname    string
	Deputy      string
	Status      fleet.Status
	CPU         float64
	MemBytes    uint64
	AutoRestart bool
}

// CPUPercent formats CPU the way the console shows it.
func (f Fields) CPUPercent() string {
	return strconv.FormatFloat(f.CPU*100, 'f', 2, 64)
}

// MemKB is the memory column in kibibytes.
func (f Fields) MemKB() uint64 {
	return f.MemBytes / 1024
}

func (f Fields) digest() uint64 {
	buf := make([]byte, 0, 64+len(f.Name)+len(f.Nickname)+len(f.Deputy))
	buf = append(buf, f.Name...)
	buf = append(buf, 0)
	buf = append(buf, f.Nickname...)
	buf = append(buf, 0)
	buf = append(buf, f.Deputy...)
	buf = append(buf, 0)
	buf = strconv.AppendInt(buf, int64(f.Status), 10)
	buf = append(buf, 0)
	buf = strconv.AppendUint(buf, math.Float64bits(f.CPU), 16)
	buf = append(buf, 0)
	buf = strconv.AppendUint(buf, f.MemBytes, 10)
	buf = strconv.AppendBool(buf, f.AutoRestart)
	return xxh3.Hash(buf)
}

// Node is one row of the tree.
type Node struct {
	ID       NodeID
	Kind     Kind
	Command  fleet.CommandID
	Label    string
	Parent   NodeID
	Children []NodeID
	Fields   Fields

	digest uint64
}

// Tree is the arena. It is owned by a single goroutine; readers outside it
// should consume the edit stream instead.
type Tree struct {
	nodes  map[NodeID]*Node
	roots  []NodeID
	nextID NodeID
	groups map[string]NodeID
	leaves map[fleet.CommandID]NodeID
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		nodes:  make(map[NodeID]*Node),
		nextID: 1,
		groups: make(map[string]NodeID),
		leaves: make(map[fleet.CommandID]NodeID),
	}
}

// Len reports the number of nodes.
func (t *Tree) Len() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// Node returns a copy of the node with id.
func (t *Tree) Node(id NodeID) (Node, bool) {
	if t == nil {
		return Node{}, false
	}
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	cp := *n
	cp.Children = append([]NodeID(nil), n.Children...)
	return cp, true
}

// Roots returns the top-level ids in display order.
func (t *Tree) Roots() []NodeID {
	if t == nil {
		return nil
	}
	return append([]NodeID(nil), t.roots...)
}

// Children returns the children of parent in display order. Root lists the
// top-level rows.
func (t *Tree) Children(parent NodeID) []NodeID {
	if t == nil {
		return nil
	}
	if parent == Root {
		return t.Roots()
	}
	n, ok := t.nodes[parent]
	if !ok {
		return nil
	}
	return append([]NodeID(nil), n.Children...)
}

// Group returns the group row for label.
func (t *Tree) Group(label string) (NodeID, bool) {
	if t == nil {
		return 0, false
	}
	id, ok := t.groups[label]
	return id, ok
}

// LeafFor returns the row that displays command id.
func (t *Tree) LeafFor(id fleet.CommandID) (NodeID, bool) {
	if t == nil {
		return 0, false
	}
	n, ok := t.leaves[id]
	return n, ok
}

// CommandsUnder returns the commands a row stands for: the command itself
// for a leaf, every child's command for a group.
func (t *Tree) CommandsUnder(id NodeID) []fleet.CommandID {
	if t == nil {
		return nil
	}
	n, ok := t.nodes[id]
	if !ok {
		return nil
	}
	if n.Kind == KindLeaf {
		return []fleet.CommandID{n.Command}
	}
	out := make([]fleet.CommandID, 0, len(n.Children))
	for _, child := range n.Children {
		if c, ok := t.nodes[child]; ok {
			out = append(out, c.Command)
		}
	}
	return out
}

// Snapshot returns the edits that rebuild the whole tree in display order,
// led by EditReset. A mirror that has diverged replays it to start over.
func (t *Tree) Snapshot() []Edit {
	edits := []Edit{{Op: EditReset}}
	if t == nil {
		return edits
	}
	for _, id := range t.roots {
		n := t.nodes[id]
		if n.Kind == KindLeaf {
			edits = append(edits, Edit{Op: EditInsertLeaf, Node: n.ID, Parent: Root, Command: n.Command, Fields: n.Fields})
			continue
		}
		edits = append(edits, Edit{Op: EditInsertGroup, Node: n.ID, Parent: Root, Label: n.Label})
		for _, child := range n.Children {
			c := t.nodes[child]
			edits = append(edits, Edit{Op: EditInsertLeaf, Node: c.ID, Parent: n.ID, Command: c.Command, Fields: c.Fields})
		}
		edits = append(edits, Edit{Op: EditUpdateFields, Node: n.ID, Fields: n.Fields})
	}
	return edits
}

// Walk visits every node depth first in display order. Returning false from
// fn stops the walk.
func (t *Tree) Walk(fn func(n *Node) bool) {
	if t == nil {
		return
	}
	for _, id := range t.roots {
		n := t.nodes[id]
		if !fn(n) {
			return
		}
		for _, child := range n.Children {
			if !fn(t.nodes[child]) {
				return
			}
		}
	}
}

// Check verifies the structural invariants: groups hold only leaves, every
// group has a child, labels are unique and every link is symmetric.
func (t *Tree) Check() error {
	if t == nil {
		return nil
	}
	seenLabels := make(map[string]NodeID)
	for _, id := range t.roots {
		n, ok := t.nodes[id]
		if !ok {
			return fmt.Errorf("root %d missing from arena", id)
		}
		if n.Parent != Root {
			return fmt.Errorf("root %d has parent %d", id, n.Parent)
		}
	}
	for id, n := range t.nodes {
		switch n.Kind {
		case KindGroup:
			if len(n.Children) == 0 {
				return fmt.Errorf("group %q (%d) has no children", n.Label, id)
			}
			if other, dup := seenLabels[n.Label]; dup {
				return fmt.Errorf("groups %d and %d share label %q", other, id, n.Label)
			}
			seenLabels[n.Label] = id
			if t.groups[n.Label] != id {
				return fmt.Errorf("group %q (%d) missing from label table", n.Label, id)
			}
			for _, child := range n.Children {
				c, ok := t.nodes[child]
				if !ok || c.Kind != KindLeaf || c.Parent != id {
					return fmt.Errorf("group %q (%d) has bad child %d", n.Label, id, child)
				}
			}
		case KindLeaf:
			if len(n.Children) != 0 {
				return fmt.Errorf("leaf %d has children", id)
			}
			if t.leaves[n.Command] != id {
				return fmt.Errorf("leaf %d missing from command table", id)
			}
		}
	}
	if len(seenLabels) != len(t.groups) {
		return fmt.Errorf("label table holds %d groups, arena holds %d", len(t.groups), len(seenLabels))
	}
	return nil
}

func (t *Tree) insertLeaf(cmd fleet.CommandID, parent NodeID, f Fields) *Node {
	n := &Node{ID: t.allocID(), Kind: KindLeaf, Command: cmd, Fields: f, digest: f.digest()}
	t.nodes[n.ID] = n
	t.leaves[cmd] = n.ID
	t.attach(n, parent)
	return n
}

func (t *Tree) insertGroup(label string) *Node {
	n := &Node{ID: t.allocID(), Kind: KindGroup}
	n.digest = n.Fields.digest()
	t.nodes[n.ID] = n
	t.groups[label] = n.ID
	n.Label = label
	t.attach(n, Root)
	return n
}

// setFields stores f and reports whether the row's visible content changed.
func (t *Tree) setFields(n *Node, f Fields) bool {
	d := f.digest()
	n.Fields = f
	if d == n.digest {
		return false
	}
	n.digest = d
	return true
}

func (t *Tree) reparent(n *Node, parent NodeID) {
	t.detach(n)
	t.attach(n, parent)
}

func (t *Tree) remove(n *Node) {
	t.detach(n)
	delete(t.nodes, n.ID)
	switch n.Kind {
	case KindLeaf:
		if t.leaves[n.Command] == n.ID {
			delete(t.leaves, n.Command)
		}
	case KindGroup:
		t.forgetGroup(n)
	}
}

func (t *Tree) forgetGroup(n *Node) {
	if id, ok := t.groups[n.Label]; ok && id == n.ID {
		delete(t.groups, n.Label)
	}
}

func (t *Tree) attach(n *Node, parent NodeID) {
	n.Parent = parent
	if parent == Root {
		t.roots = append(t.roots, n.ID)
		return
	}
	p := t.nodes[parent]
	p.Children = append(p.Children, n.ID)
}

func (t *Tree) detach(n *Node) {
	if n.Parent == Root {
		t.roots = removeID(t.roots, n.ID)
		return
	}
	if p, ok := t.nodes[n.Parent]; ok {
		p.Children = removeID(p.Children, n.ID)
	}
	n.Parent = Root
}

func (t *Tree) allocID() NodeID {
	id := t.nextID
	t.nextID++
	return id
}

func removeID(ids []NodeID, id NodeID) []NodeID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
