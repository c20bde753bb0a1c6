// Package tree holds the in-memory forest of simulation nodes and its
// invariants: one root, depth(child) = depth(parent)+1, and isLeaf true iff
// no node names this one as parent. Operations scan the node set; at tens to
// low hundreds of nodes no index is worth carrying.
package tree

import (
	"fmt"

	"github.com/mirrorstage/simdeck/internal/domain"
)

// Tree is one simulation's node collection, ordered by creation. It carries
// no hidden state beyond the nodes themselves.
type Tree struct {
	nodes []*domain.SimNode
	byID  map[string]*domain.SimNode
}

// New creates a tree containing only the given root node. The root's
// ParentID is cleared and its depth forced to zero.
func New(root *domain.SimNode) *Tree {
	root.ParentID = ""
	root.Depth = 0
	root.IsLeaf = true
	t := &Tree{byID: make(map[string]*domain.SimNode)}
	t.nodes = append(t.nodes, root)
	t.byID[root.ID] = root
	return t
}

// Root returns the unique root node.
func (t *Tree) Root() *domain.SimNode {
	for _, n := range t.nodes {
		if n.IsRoot() {
			return n
		}
	}
	return nil
}

// Get returns the node with the given id, or nil.
func (t *Tree) Get(id string) *domain.SimNode {
	return t.byID[id]
}

// Len returns the number of nodes.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// Nodes returns the nodes in creation order. The slice is a copy; the nodes
// are shared.
func (t *Tree) Nodes() []*domain.SimNode {
	out := make([]*domain.SimNode, len(t.nodes))
	copy(out, t.nodes)
	return out
}

// Children returns the direct children of nodeID in creation order.
func (t *Tree) Children(nodeID string) []*domain.SimNode {
	var out []*domain.SimNode
	for _, n := range t.nodes {
		if n.ParentID == nodeID {
			out = append(out, n)
		}
	}
	return out
}

// Descendants returns the transitive closure of Children, not including the
// node itself. Used for cascading delete.
func (t *Tree) Descendants(nodeID string) []*domain.SimNode {
	var out []*domain.SimNode
	frontier := []string{nodeID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		for _, c := range t.Children(id) {
			out = append(out, c)
			frontier = append(frontier, c.ID)
		}
	}
	return out
}

// IsRoot reports whether nodeID names the root.
func (t *Tree) IsRoot(nodeID string) bool {
	n := t.byID[nodeID]
	return n != nil && n.IsRoot()
}

// Attach adds node as a child of node.ParentID. The parent must exist; depth
// is derived from the parent and the parent's leaf flag is flipped.
func (t *Tree) Attach(node *domain.SimNode) error {
	if node.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if _, exists := t.byID[node.ID]; exists {
		return fmt.Errorf("node %s already in tree", node.ID)
	}
	parent := t.byID[node.ParentID]
	if parent == nil {
		return fmt.Errorf("parent %s not in tree", node.ParentID)
	}
	node.Depth = parent.Depth + 1
	node.IsLeaf = true
	parent.IsLeaf = false
	t.nodes = append(t.nodes, node)
	t.byID[node.ID] = node
	return nil
}

// RemoveSubtree removes nodeID and every descendant atomically and returns
// the removed ids. Removing the root is forbidden.
func (t *Tree) RemoveSubtree(nodeID string) ([]string, error) {
	n := t.byID[nodeID]
	if n == nil {
		return nil, fmt.Errorf("node %s not in tree", nodeID)
	}
	if n.IsRoot() {
		return nil, fmt.Errorf("root node cannot be removed")
	}
	doomed := map[string]bool{nodeID: true}
	for _, d := range t.Descendants(nodeID) {
		doomed[d.ID] = true
	}
	kept := t.nodes[:0]
	removed := make([]string, 0, len(doomed))
	for _, node := range t.nodes {
		if doomed[node.ID] {
			removed = append(removed, node.ID)
			delete(t.byID, node.ID)
			continue
		}
		kept = append(kept, node)
	}
	t.nodes = kept
	if parent := t.byID[n.ParentID]; parent != nil && len(t.Children(parent.ID)) == 0 {
		parent.IsLeaf = true
	}
	return removed, nil
}

// Rename rewrites a node's id in place, preserving its position and
// re-pointing all children. Used once per placeholder during reconciliation.
func (t *Tree) Rename(oldID, newID string) error {
	n := t.byID[oldID]
	if n == nil {
		return fmt.Errorf("node %s not in tree", oldID)
	}
	if _, exists := t.byID[newID]; exists {
		return fmt.Errorf("node %s already in tree", newID)
	}
	for _, c := range t.Children(oldID) {
		c.ParentID = newID
	}
	delete(t.byID, oldID)
	n.ID = newID
	t.byID[newID] = n
	return nil
}

// Replace swaps the whole node set for a canonical graph fetched from the
// engine. The new set must satisfy Validate.
func (t *Tree) Replace(nodes []*domain.SimNode) error {
	nt := &Tree{nodes: nodes, byID: make(map[string]*domain.SimNode, len(nodes))}
	for _, n := range nodes {
		if _, dup := nt.byID[n.ID]; dup {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}
		nt.byID[n.ID] = n
	}
	if err := nt.Validate(); err != nil {
		return err
	}
	t.nodes = nt.nodes
	t.byID = nt.byID
	return nil
}

// Validate checks the structural invariants: exactly one root, no dangling
// parents, depth derivation, and leaf flags.
func (t *Tree) Validate() error {
	roots := 0
	for _, n := range t.nodes {
		if n.IsRoot() {
			roots++
			continue
		}
		parent := t.byID[n.ParentID]
		if parent == nil {
			return fmt.Errorf("node %s has dangling parent %s", n.ID, n.ParentID)
		}
		if n.Depth != parent.Depth+1 {
			return fmt.Errorf("node %s depth %d, parent depth %d", n.ID, n.Depth, parent.Depth)
		}
	}
	if roots != 1 {
		return fmt.Errorf("expected exactly one root, found %d", roots)
	}
	for _, n := range t.nodes {
		if want := len(t.Children(n.ID)) == 0; n.IsLeaf != want {
			return fmt.Errorf("node %s isLeaf=%v, want %v", n.ID, n.IsLeaf, want)
		}
	}
	return nil
}
