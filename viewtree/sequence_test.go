package viewtree

import (
	"fmt"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"procsheriff/fleet"
)

// replayTree rebuilds a tree from nothing but the edit stream, the way a
// render adapter does.
type replayTree struct {
	nodes map[NodeID]*replayNode
	roots []NodeID
}

type replayNode struct {
	kind     Kind
	parent   NodeID
	children []NodeID
	command  fleet.CommandID
	label    string
	fields   Fields
}

func newReplayTree() *replayTree {
	return &replayTree{nodes: make(map[NodeID]*replayNode)}
}

func (m *replayTree) attach(id, parent NodeID) error {
	n := m.nodes[id]
	n.parent = parent
	if parent == Root {
		m.roots = append(m.roots, id)
		return nil
	}
	p, ok := m.nodes[parent]
	if !ok || p.kind != KindGroup {
		return fmt.Errorf("parent %d is not a group", parent)
	}
	p.children = append(p.children, id)
	return nil
}

func (m *replayTree) detach(id NodeID) {
	n := m.nodes[id]
	if n.parent == Root {
		m.roots = removeID(m.roots, id)
		return
	}
	if p, ok := m.nodes[n.parent]; ok {
		p.children = removeID(p.children, id)
	}
}

func (m *replayTree) apply(e Edit) error {
	switch e.Op {
	case EditInsertLeaf, EditInsertGroup:
		if _, dup := m.nodes[e.Node]; dup {
			return fmt.Errorf("%s: node exists", e)
		}
		n := &replayNode{kind: KindLeaf, command: e.Command, fields: e.Fields}
		if e.Op == EditInsertGroup {
			n = &replayNode{kind: KindGroup, label: e.Label}
		}
		m.nodes[e.Node] = n
		return m.attach(e.Node, e.Parent)
	case EditReparent:
		if _, ok := m.nodes[e.Node]; !ok {
			return fmt.Errorf("%s: unknown node", e)
		}
		m.detach(e.Node)
		return m.attach(e.Node, e.Parent)
	case EditRemoveNode:
		n, ok := m.nodes[e.Node]
		if !ok {
			return fmt.Errorf("%s: unknown node", e)
		}
		if len(n.children) != 0 {
			return fmt.Errorf("%s: group still has %d children", e, len(n.children))
		}
		m.detach(e.Node)
		delete(m.nodes, e.Node)
		return nil
	case EditUpdateFields:
		n, ok := m.nodes[e.Node]
		if !ok {
			return fmt.Errorf("%s: unknown node", e)
		}
		n.fields = e.Fields
		return nil
	case EditReset:
		m.nodes = make(map[NodeID]*replayNode)
		m.roots = nil
		return nil
	}
	return fmt.Errorf("unknown op %s", e.Op)
}

// rows lists the replayed tree in display order.
func (m *replayTree) rows() []string {
	var out []string
	for _, id := range m.roots {
		n := m.nodes[id]
		out = append(out, fmt.Sprintf("%d@%d %s %q cmd=%d %+v", id, n.parent, n.kind.Label(), n.label, n.command, n.fields))
		for _, child := range n.children {
			c := m.nodes[child]
			out = append(out, fmt.Sprintf("%d@%d %s %q cmd=%d %+v", child, c.parent, c.kind.Label(), c.label, c.command, c.fields))
		}
	}
	return out
}

func treeRows(t *Tree) []string {
	var out []string
	t.Walk(func(n *Node) bool {
		out = append(out, fmt.Sprintf("%d@%d %s %q cmd=%d %+v", n.ID, n.Parent, n.Kind.Label(), n.Label, n.Command, n.Fields))
		return true
	})
	return out
}

// fleetModel is the deputies' view of their commands; every step turns it
// into reports.
type fleetModel struct {
	owned  map[string][]fleet.CommandReport
	nextID fleet.CommandID
}

var (
	modelDeputies = []string{"alpha", "beta", "gamma"}
	modelGroups   = []string{"", "", "sensors", "drivers", "planning", "logging"}
	modelStatuses = []fleet.Status{fleet.StatusRunning, fleet.StatusStoppedOK, fleet.StatusStoppedError}
)

func (m *fleetModel) report(deputy string) fleet.DeputyReport {
	return fleet.DeputyReport{Name: deputy, At: time.Unix(100, 0), Commands: slices.Clone(m.owned[deputy])}
}

// step mutates the model at random and returns the deputies whose report
// changed, in the order they should be applied.
func (m *fleetModel) step(rng *rand.Rand) []string {
	deputy := modelDeputies[rng.IntN(len(modelDeputies))]
	cmds := m.owned[deputy]
	if len(cmds) == 0 || rng.IntN(5) == 0 {
		m.nextID++
		m.owned[deputy] = append(cmds, fleet.CommandReport{
			ID:     m.nextID,
			Name:   fmt.Sprintf("proc-%d", m.nextID),
			Group:  modelGroups[rng.IntN(len(modelGroups))],
			Status: modelStatuses[rng.IntN(len(modelStatuses))],
		})
		return []string{deputy}
	}
	i := rng.IntN(len(cmds))
	switch rng.IntN(5) {
	case 0:
		m.owned[deputy] = slices.Delete(cmds, i, i+1)
	case 1:
		cmds[i].Group = modelGroups[rng.IntN(len(modelGroups))]
	case 2:
		cmds[i].Status = modelStatuses[rng.IntN(len(modelStatuses))]
	case 3:
		cmds[i].CPU = float64(rng.IntN(100)) / 100
		cmds[i].MemBytes = uint64(rng.IntN(1 << 20))
	case 4:
		to := modelDeputies[rng.IntN(len(modelDeputies))]
		if to == deputy {
			return []string{deputy}
		}
		moved := cmds[i]
		m.owned[deputy] = slices.Delete(cmds, i, i+1)
		m.owned[to] = append(m.owned[to], moved)
		// The new owner reports first, so the fleet sees a move rather than
		// a removal and a fresh command.
		return []string{to, deputy}
	}
	return []string{deputy}
}

func checkLeafParents(t *testing.T, f *fleet.Fleet, tree *Tree) {
	t.Helper()
	cmds := f.AllCommands()
	leaves := 0
	tree.Walk(func(n *Node) bool {
		if n.Kind == KindLeaf {
			leaves++
		}
		return true
	})
	if leaves != len(cmds) {
		t.Fatalf("tree shows %d leaves for %d commands", leaves, len(cmds))
	}
	for _, c := range cmds {
		leaf, ok := tree.LeafFor(c.ID)
		if !ok {
			t.Fatalf("command %d has no row", c.ID)
		}
		n, _ := tree.Node(leaf)
		want := Root
		if c.Group != "" {
			gid, ok := tree.Group(c.Group)
			if !ok {
				t.Fatalf("group %q of command %d has no row", c.Group, c.ID)
			}
			want = gid
			if !slices.Contains(tree.CommandsUnder(gid), c.ID) {
				t.Fatalf("group %q does not list command %d", c.Group, c.ID)
			}
		}
		if n.Parent != want {
			t.Fatalf("command %d in group %q sits under %d, want %d", c.ID, c.Group, n.Parent, want)
		}
		if n.Fields.Status != c.Status || n.Fields.Deputy != c.Deputy {
			t.Fatalf("row for command %d shows %+v, command is %+v", c.ID, n.Fields, c)
		}
	}
}

func TestReconcileRandomSequencesConverge(t *testing.T) {
	for seed := uint64(1); seed <= 25; seed++ {
		rng := rand.New(rand.NewPCG(seed, 0x5eed))
		f := fleet.New("sheriff")
		model := &fleetModel{owned: make(map[string][]fleet.CommandReport)}
		r := NewReconciler(f, time.Millisecond, t.Logf)
		replay := newReplayTree()
		now := time.Unix(1000, 0)

		for step := 0; step < 80; step++ {
			for _, deputy := range model.step(rng) {
				f.ApplyReport(model.report(deputy))
			}
			now = now.Add(2 * time.Millisecond)
			for _, e := range r.Reconcile(now) {
				if err := replay.apply(e); err != nil {
					t.Fatalf("seed %d step %d: replay: %v", seed, step, err)
				}
			}
			mustCheck(t, r.Tree())
			checkLeafParents(t, f, r.Tree())
			if got, want := replay.rows(), treeRows(r.Tree()); !slices.Equal(got, want) {
				t.Fatalf("seed %d step %d: replayed tree differs\nreplay: %v\narena:  %v", seed, step, got, want)
			}
			if again := r.Force(now); len(again) != 0 {
				t.Fatalf("seed %d step %d: second pass without changes emitted %v", seed, step, again)
			}
			if step%10 == 9 {
				// A diverged mirror starts over from a snapshot.
				replay.nodes[NodeID(1<<30)] = &replayNode{kind: KindGroup, label: "stale"}
				replay.roots = append(replay.roots, NodeID(1<<30))
				for _, e := range r.Tree().Snapshot() {
					if err := replay.apply(e); err != nil {
						t.Fatalf("seed %d step %d: snapshot replay: %v", seed, step, err)
					}
				}
				if got, want := replay.rows(), treeRows(r.Tree()); !slices.Equal(got, want) {
					t.Fatalf("seed %d step %d: snapshot differs\nreplay: %v\narena:  %v", seed, step, got, want)
				}
			}
		}
	}
}
