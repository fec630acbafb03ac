package viewtree

import (
	"fmt"
	"log"
	"time"

	"procsheriff/fleet"
	"procsheriff/internal/ratelimit"
)

// DefaultInterval is the minimum spacing between reconciliation passes.
const DefaultInterval = 300 * time.Millisecond

const inconsistencyLogInterval = 10 * time.Second

// ReconcileStats counts pass outcomes since the reconciler was created.
type ReconcileStats struct {
	Passes       uint64
	Gated        uint64
	Inconsistent uint64
	Edits        uint64
}

// Reconciler converges a Tree onto a fleet.Source. Each pass is a diff of
// the whole source against the whole tree; the returned edits, applied in
// order, turn the adapter's copy of the previous tree into the new one.
type Reconciler struct {
	tree     *Tree
	source   fleet.Source
	interval time.Duration
	next     time.Time
	logf     func(string, ...any)

	inconsistent ratelimit.Counter
	stats        ReconcileStats
}

// NewReconciler builds a reconciler over source. A non-positive interval
// takes DefaultInterval; a nil logf logs through the standard logger.
func NewReconciler(source fleet.Source, interval time.Duration, logf func(string, ...any)) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Reconciler{
		tree:         NewTree(),
		source:       source,
		interval:     interval,
		logf:         logf,
		inconsistent: ratelimit.NewCounter(inconsistencyLogInterval),
	}
}

// Tree exposes the reconciled tree for read-only use on the owning goroutine.
func (r *Reconciler) Tree() *Tree {
	if r == nil {
		return nil
	}
	return r.tree
}

// Stats returns a copy of the pass counters.
func (r *Reconciler) Stats() ReconcileStats {
	if r == nil {
		return ReconcileStats{}
	}
	return r.stats
}

// Reconcile runs a pass unless the previous one was less than the interval
// ago, in which case it returns nil.
func (r *Reconciler) Reconcile(now time.Time) []Edit {
	if r == nil {
		return nil
	}
	if !r.next.IsZero() && now.Before(r.next) {
		r.stats.Gated++
		return nil
	}
	return r.Force(now)
}

// Force runs a pass regardless of the interval and restarts the interval.
func (r *Reconciler) Force(now time.Time) []Edit {
	if r == nil {
		return nil
	}
	r.next = now.Add(r.interval)
	edits, err := r.pass()
	if err != nil {
		r.stats.Inconsistent++
		if total, ok := r.inconsistent.Inc(); ok {
			r.logf("Reconcile: skipping pass (%d inconsistent snapshots so far): %v", total, err)
		}
		return nil
	}
	r.stats.Passes++
	r.stats.Edits += uint64(len(edits))
	return edits
}

type reparent struct {
	node   *Node
	parent NodeID
}

func (r *Reconciler) pass() ([]Edit, error) {
	live, order, err := r.snapshot()
	if err != nil {
		return nil, err
	}
	t := r.tree
	var edits []Edit
	var stale []*Node
	var moves []reparent
	touched := make(map[NodeID]struct{})

	groupFor := func(label string) NodeID {
		if label == "" {
			return Root
		}
		if id, ok := t.groups[label]; ok {
			return id
		}
		g := t.insertGroup(label)
		touched[g.ID] = struct{}{}
		edits = append(edits, Edit{Op: EditInsertGroup, Node: g.ID, Parent: Root, Label: label})
		return g.ID
	}

	// Existing leaves: refresh, find their parent, or mark stale.
	var leaves, groups []*Node
	t.Walk(func(n *Node) bool {
		if n.Kind == KindLeaf {
			leaves = append(leaves, n)
		} else {
			groups = append(groups, n)
		}
		return true
	})
	for _, n := range leaves {
		cmd, ok := live[n.Command]
		if !ok {
			stale = append(stale, n)
			continue
		}
		delete(live, n.Command)
		if t.setFields(n, leafFields(cmd)) {
			edits = append(edits, Edit{Op: EditUpdateFields, Node: n.ID, Fields: n.Fields})
		}
		if parent := groupFor(cmd.Group); parent != n.Parent {
			moves = append(moves, reparent{node: n, parent: parent})
		}
	}

	// Groups that existed before this pass: drop the empty ones, roll up the
	// rest from their current children.
	targeted := make(map[NodeID]struct{}, len(moves))
	for _, m := range moves {
		targeted[m.parent] = struct{}{}
	}
	for _, g := range groups {
		if _, ok := targeted[g.ID]; !ok && len(g.Children) == 0 {
			t.forgetGroup(g)
			stale = append(stale, g)
			continue
		}
		if r.refreshGroup(g) {
			edits = append(edits, Edit{Op: EditUpdateFields, Node: g.ID, Fields: g.Fields})
		}
	}

	for _, m := range moves {
		if m.node.Parent != Root {
			touched[m.node.Parent] = struct{}{}
		}
		t.reparent(m.node, m.parent)
		if m.parent != Root {
			touched[m.parent] = struct{}{}
		}
		edits = append(edits, Edit{Op: EditReparent, Node: m.node.ID, Parent: m.parent})
	}

	for _, n := range stale {
		if n.Kind == KindLeaf && n.Parent != Root {
			touched[n.Parent] = struct{}{}
		}
		t.remove(n)
		delete(touched, n.ID)
		edits = append(edits, Edit{Op: EditRemoveNode, Node: n.ID})
	}

	for _, id := range t.Roots() {
		g := t.nodes[id]
		if g.Kind == KindGroup && len(g.Children) == 0 {
			t.remove(g)
			delete(touched, g.ID)
			edits = append(edits, Edit{Op: EditRemoveNode, Node: g.ID})
		}
	}

	for _, id := range order {
		cmd, ok := live[id]
		if !ok {
			continue
		}
		parent := groupFor(cmd.Group)
		n := t.insertLeaf(cmd.ID, parent, leafFields(cmd))
		if parent != Root {
			touched[parent] = struct{}{}
		}
		edits = append(edits, Edit{Op: EditInsertLeaf, Node: n.ID, Parent: parent, Command: cmd.ID, Fields: n.Fields})
	}

	// Settle groups whose membership changed so the next pass has nothing
	// left to report.
	for _, id := range t.roots {
		if _, ok := touched[id]; !ok {
			continue
		}
		g := t.nodes[id]
		if r.refreshGroup(g) {
			edits = append(edits, Edit{Op: EditUpdateFields, Node: g.ID, Fields: g.Fields})
		}
	}
	return edits, nil
}

// snapshot collects every live command keyed by id, plus the ids in deputy
// then command order so new rows are created deterministically.
func (r *Reconciler) snapshot() (map[fleet.CommandID]*fleet.Command, []fleet.CommandID, error) {
	if r.source == nil {
		return map[fleet.CommandID]*fleet.Command{}, nil, nil
	}
	deputies := r.source.Deputies()
	known := make(map[string]struct{}, len(deputies))
	for _, d := range deputies {
		if d != nil {
			known[d.Name] = struct{}{}
		}
	}
	live := make(map[fleet.CommandID]*fleet.Command)
	var order []fleet.CommandID
	for _, d := range deputies {
		if d == nil {
			continue
		}
		for _, cmd := range r.source.Commands(d.Name) {
			if cmd == nil {
				return nil, nil, fmt.Errorf("deputy %q listed a nil command", d.Name)
			}
			if _, ok := known[cmd.Deputy]; !ok {
				return nil, nil, fmt.Errorf("command %d (%s) references unknown deputy %q", cmd.ID, cmd.DisplayName(), cmd.Deputy)
			}
			if prev, dup := live[cmd.ID]; dup {
				return nil, nil, fmt.Errorf("command %d listed by deputies %q and %q", cmd.ID, prev.Deputy, cmd.Deputy)
			}
			live[cmd.ID] = cmd
			order = append(order, cmd.ID)
		}
	}
	return live, order, nil
}

// refreshGroup recomputes a group's rollup from its children.
func (r *Reconciler) refreshGroup(g *Node) bool {
	f := Fields{Name: g.Label}
	for i, child := range g.Children {
		c := r.tree.nodes[child]
		if i == 0 {
			f.Status = c.Fields.Status
		} else if c.Fields.Status != f.Status {
			f.Status = fleet.StatusMixed
		}
		f.CPU += c.Fields.CPU
		f.MemBytes += c.Fields.MemBytes
	}
	return r.tree.setFields(g, f)
}

func leafFields(cmd *fleet.Command) Fields {
	return Fields{
		Name:        cmd.DisplayName(),
		Nickname:    cmd.Nickname,
		Deputy:      cmd.Deputy,
		Status:      cmd.Status,
		CPU:         cmd.CPU,
		MemBytes:    cmd.MemBytes,
		AutoRestart: cmd.AutoRestart,
	}
}
