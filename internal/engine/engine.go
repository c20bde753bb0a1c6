// Package engine defines the backend contract behind the lifecycle
// controller. Two implementations exist: a deterministic in-process engine
// (engine/local) and an HTTP client for the remote simulation engine
// (engine/remote). The controller treats both uniformly and always re-reads
// the canonical graph after a successful mutation instead of splicing nodes
// locally; the engine owns identifiers and tree shape.
package engine

import (
	"context"
	"encoding/json"

	"github.com/mirrorstage/simdeck/internal/domain"
)

// Graph is the engine's canonical tree representation.
type Graph struct {
	Nodes      []GraphNode `json:"nodes"`
	Edges      []GraphEdge `json:"edges"`
	Root       string      `json:"root"`
	RunningIDs []string    `json:"running_ids,omitempty"`
}

// GraphNode carries the engine's per-node record. Parent linkage arrives via
// Edges, not on the node itself.
type GraphNode struct {
	ID        string            `json:"id"`
	Depth     int               `json:"depth"`
	Label     string            `json:"label,omitempty"`
	WorldTime int64             `json:"world_time,omitempty"` // unix seconds
	Meta      map[string]string `json:"meta,omitempty"`
}

// GraphEdge is a parent-to-child link.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// State is the per-node simulation state snapshot.
type State struct {
	Agents      []domain.AgentProfile `json:"agents"`
	Turns       int                   `json:"turns"`
	SceneConfig json.RawMessage       `json:"scene_config,omitempty"`
}

// RunResult is the engine's answer to a runExperiment call. NodeMapping maps
// variant index (as issued at creation) to a server node id; engines are not
// required to populate it in the submission response.
type RunResult struct {
	RunID       string         `json:"run_id"`
	NodeMapping map[int]string `json:"node_mapping,omitempty"`
}

// Engine is the backend strategy consumed by the lifecycle controller.
// Branch forks a sibling of nodeID: a new child of nodeID's parent carrying
// nodeID's state snapshot at the same depth. Branching the root is an error;
// the controller rejects it before the call.
type Engine interface {
	Advance(ctx context.Context, simID, nodeID string, steps int) (childID string, err error)
	Branch(ctx context.Context, simID, nodeID, label string) (childID string, err error)
	DeleteSubtree(ctx context.Context, simID, nodeID string) error
	GetGraph(ctx context.Context, simID string) (*Graph, error)
	GetEvents(ctx context.Context, simID, nodeID string) ([]json.RawMessage, error)
	GetState(ctx context.Context, simID, nodeID string) (*State, error)
	CreateExperiment(ctx context.Context, simID, name, baseNodeID string, variants []domain.Variant) (experimentID string, err error)
	RunExperiment(ctx context.Context, simID, experimentID string, turns int) (*RunResult, error)
	GetExperiment(ctx context.Context, simID, experimentID string) ([]domain.Variant, error)
}

// ToSimNodes converts a canonical graph into tree nodes. RunningIDs become
// RUNNING status; everything else is COMPLETED. Leaf flags are derived from
// the edge set. Nodes whose parent chain does not reach the root are
// dropped.
func ToSimNodes(g *Graph) []*domain.SimNode {
	parentOf := make(map[string]string, len(g.Edges))
	hasChild := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		parentOf[e.To] = e.From
		hasChild[e.From] = true
	}
	running := make(map[string]bool, len(g.RunningIDs))
	for _, id := range g.RunningIDs {
		running[id] = true
	}

	// Walk each node's parent chain iteratively. A malformed graph (an
	// orphan whose chain never reaches the root, or a cycle) must not
	// take the process down; its nodes are dropped instead.
	depth := make(map[string]int, len(g.Nodes))
	depth[g.Root] = 0
	unanchored := make(map[string]bool)
	resolveDepth := func(id string) (int, bool) {
		var path []string
		onPath := make(map[string]bool)
		cur := id
		for {
			if d, ok := depth[cur]; ok {
				for i := len(path) - 1; i >= 0; i-- {
					d++
					depth[path[i]] = d
				}
				return depth[id], true
			}
			parent, hasParent := parentOf[cur]
			if unanchored[cur] || !hasParent || onPath[cur] {
				unanchored[cur] = true
				for _, p := range path {
					unanchored[p] = true
				}
				return 0, false
			}
			path = append(path, cur)
			onPath[cur] = true
			cur = parent
		}
	}

	out := make([]*domain.SimNode, 0, len(g.Nodes))
	for _, gn := range g.Nodes {
		d, ok := resolveDepth(gn.ID)
		if !ok {
			continue
		}
		status := domain.NodeStatusCompleted
		if running[gn.ID] {
			status = domain.NodeStatusRunning
		}
		n := &domain.SimNode{
			ID:       gn.ID,
			ParentID: parentOf[gn.ID],
			Depth:    d,
			IsLeaf:   !hasChild[gn.ID],
			Status:   status,
			Label:    gn.Label,
			Meta:     gn.Meta,
		}
		if gn.WorldTime > 0 {
			n.WorldTime = unixTime(gn.WorldTime)
		}
		out = append(out, n)
	}
	return out
}
