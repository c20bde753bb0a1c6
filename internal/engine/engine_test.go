package engine

import (
	"testing"
)

func graphOf(root string, edges ...[2]string) *Graph {
	g := &Graph{Root: root}
	seen := map[string]bool{root: true}
	g.Nodes = append(g.Nodes, GraphNode{ID: root})
	for _, e := range edges {
		g.Edges = append(g.Edges, GraphEdge{From: e[0], To: e[1]})
		for _, id := range e {
			if !seen[id] {
				seen[id] = true
				g.Nodes = append(g.Nodes, GraphNode{ID: id})
			}
		}
	}
	return g
}

func TestToSimNodesDepths(t *testing.T) {
	g := graphOf("r",
		[2]string{"r", "a"},
		[2]string{"r", "b"},
		[2]string{"a", "c"},
	)

	nodes := ToSimNodes(g)
	if len(nodes) != 4 {
		t.Fatalf("expected 4 nodes, got %d", len(nodes))
	}
	want := map[string]int{"r": 0, "a": 1, "b": 1, "c": 2}
	for _, n := range nodes {
		if n.Depth != want[n.ID] {
			t.Fatalf("node %s: depth %d, want %d", n.ID, n.Depth, want[n.ID])
		}
	}
	for _, n := range nodes {
		switch n.ID {
		case "b", "c":
			if !n.IsLeaf {
				t.Fatalf("node %s should be a leaf", n.ID)
			}
		default:
			if n.IsLeaf {
				t.Fatalf("node %s should not be a leaf", n.ID)
			}
		}
	}
}

func TestToSimNodesDropsOrphans(t *testing.T) {
	g := graphOf("r", [2]string{"r", "a"})
	// A node with no edge to anything: its parent chain never reaches the
	// root.
	g.Nodes = append(g.Nodes, GraphNode{ID: "stray"})
	// A chain hanging off the stray node.
	g.Nodes = append(g.Nodes, GraphNode{ID: "stray_child"})
	g.Edges = append(g.Edges, GraphEdge{From: "stray", To: "stray_child"})

	nodes := ToSimNodes(g)
	if len(nodes) != 2 {
		t.Fatalf("expected orphans dropped, got %d nodes", len(nodes))
	}
	for _, n := range nodes {
		if n.ID == "stray" || n.ID == "stray_child" {
			t.Fatalf("orphan %s survived conversion", n.ID)
		}
	}
}

func TestToSimNodesDropsCycles(t *testing.T) {
	g := graphOf("r", [2]string{"r", "a"})
	g.Nodes = append(g.Nodes,
		GraphNode{ID: "x"},
		GraphNode{ID: "y"},
	)
	g.Edges = append(g.Edges,
		GraphEdge{From: "x", To: "y"},
		GraphEdge{From: "y", To: "x"},
	)

	nodes := ToSimNodes(g)
	if len(nodes) != 2 {
		t.Fatalf("expected cycle members dropped, got %d nodes", len(nodes))
	}
	for _, n := range nodes {
		if n.ID == "x" || n.ID == "y" {
			t.Fatalf("cycle member %s survived conversion", n.ID)
		}
	}
}
