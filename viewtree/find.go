package viewtree

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// Find returns the row whose name best matches query. A case-insensitive
// prefix or substring match wins outright (earliest row first); otherwise
// the closest name by edit distance is chosen when it is within a third of
// the query length (at least 2 edits).
func (t *Tree) Find(query string) (NodeID, bool) {
	if t == nil {
		return 0, false
	}
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return 0, false
	}
	var (
		prefix, substr NodeID
		best           NodeID
		bestDist       = -1
	)
	t.Walk(func(n *Node) bool {
		name := strings.ToLower(n.Fields.Name)
		if name == "" {
			name = strings.ToLower(n.Label)
		}
		switch {
		case name == q:
			prefix = n.ID
			return false
		case strings.HasPrefix(name, q):
			if prefix == 0 {
				prefix = n.ID
			}
		case strings.Contains(name, q):
			if substr == 0 {
				substr = n.ID
			}
		}
		if d := levenshtein.ComputeDistance(q, name); bestDist < 0 || d < bestDist {
			best, bestDist = n.ID, d
		}
		return true
	})
	if prefix != 0 {
		return prefix, true
	}
	if substr != 0 {
		return substr, true
	}
	limit := len(q) / 3
	if limit < 2 {
		limit = 2
	}
	if bestDist >= 0 && bestDist <= limit {
		return best, true
	}
	return 0, false
}
