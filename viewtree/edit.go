package viewtree

import (
	"fmt"

	"procsheriff/fleet"
)

// EditOp is the kind of structural or content change applied to the tree.
type EditOp int

const (
	EditInsertLeaf EditOp = iota
	EditInsertGroup
	EditRemoveNode
	EditReparent
	EditUpdateFields
	// EditReset drops every row; the edits that follow rebuild the tree.
	EditReset
)

func (op EditOp) String() string {
	switch op {
	case EditInsertLeaf:
		return "InsertLeaf"
	case EditInsertGroup:
		return "InsertGroup"
	case EditRemoveNode:
		return "RemoveNode"
	case EditReparent:
		return "Reparent"
	case EditUpdateFields:
		return "UpdateFields"
	case EditReset:
		return "Reset"
	default:
		return "Unknown"
	}
}

// Edit is one change a render adapter must mirror, in the order emitted.
//
// Parent is set for inserts and reparents (Root for top level). Command is
// set for leaf inserts, Label for group inserts, and Fields for leaf inserts
// and field updates.
type Edit struct {
	Op      EditOp
	Node    NodeID
	Parent  NodeID
	Command fleet.CommandID
	Label   string
	Fields  Fields
}

func (e Edit) String() string {
	switch e.Op {
	case EditInsertLeaf:
		return fmt.Sprintf("InsertLeaf(%d cmd=%d parent=%d)", e.Node, e.Command, e.Parent)
	case EditInsertGroup:
		return fmt.Sprintf("InsertGroup(%d %q)", e.Node, e.Label)
	case EditReparent:
		return fmt.Sprintf("Reparent(%d -> %d)", e.Node, e.Parent)
	case EditRemoveNode:
		return fmt.Sprintf("RemoveNode(%d)", e.Node)
	case EditUpdateFields:
		return fmt.Sprintf("UpdateFields(%d %s %s)", e.Node, e.Fields.Name, e.Fields.Status)
	case EditReset:
		return "Reset"
	default:
		return fmt.Sprintf("Edit(%d)", e.Op)
	}
}
