package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/engine"
	"github.com/mirrorstage/simdeck/internal/normalize"
	"github.com/mirrorstage/simdeck/internal/tree"
)

// SimulationInfo is the registry view of one simulation.
type SimulationInfo struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Mode         domain.EngineMode `json:"mode"`
	NodeCount    int               `json:"nodeCount"`
	AgentCount   int               `json:"agentCount"`
	IsGenerating bool              `json:"isGenerating"`
	Selected     bool              `json:"selected"`
	// SelectedNodeID is the node operations act on by default.
	SelectedNodeID string `json:"selectedNodeId"`
}

// CreateSimulation registers a simulation and loads its initial tree from
// the engine. The first simulation created becomes the selection.
func (c *Controller) CreateSimulation(ctx context.Context, name string, mode domain.EngineMode) (*SimulationInfo, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	var eng engine.Engine
	switch mode {
	case domain.ModeLocal:
		if c.localFactory == nil {
			return nil, fmt.Errorf("local engine is not configured")
		}
		eng = c.localFactory()
	case domain.ModeRemote:
		if c.remote == nil {
			return nil, fmt.Errorf("remote engine is not configured")
		}
		eng = c.remote
	default:
		return nil, fmt.Errorf("unknown mode: %s", mode)
	}

	simID := "sim_" + uuid.New().String()[:8]
	graph, err := eng.GetGraph(ctx, simID)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial graph: %w", err)
	}
	t, err := buildTree(engine.ToSimNodes(graph))
	if err != nil {
		return nil, fmt.Errorf("failed to build tree: %w", err)
	}

	sim := &simulation{
		ID:           simID,
		Name:         name,
		Mode:         mode,
		engine:       eng,
		tree:         t,
		selectedNode: t.Root().ID,
		logs:         make(map[string][]domain.LogEntry),
		dedup:        make(map[string]*normalize.DedupSession),
		states:       make(map[string]*engine.State),
		state:        opIdle,
		experiments:  make(map[string]*domain.Experiment),
		expBaseline:  make(map[string]map[string]bool),
		placeholders: make(map[string]*domain.SimNode),
		polls:        make(map[string]context.CancelFunc),
		index:        make(domain.AgentIndex),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.sims[simID] = sim
	if c.selected == "" {
		c.selected = simID
	}
	log.Printf("created simulation %s (%s, %s), %d nodes", simID, name, mode, t.Len())
	return c.infoLocked(sim), nil
}

// ListSimulations returns every registered simulation.
func (c *Controller) ListSimulations() []SimulationInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]SimulationInfo, 0, len(c.sims))
	for _, sim := range c.sims {
		out = append(out, *c.infoLocked(sim))
	}
	return out
}

// GetSimulation returns one simulation's registry view. An empty id resolves
// the current selection.
func (c *Controller) GetSimulation(simID string) (*SimulationInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return nil, err
	}
	return c.infoLocked(sim), nil
}

// SelectSimulation switches the current selection.
func (c *Controller) SelectSimulation(simID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sims[simID]; !ok {
		return ErrNoSimulation
	}
	c.selected = simID
	return nil
}

// SelectNode moves a simulation's node selection.
func (c *Controller) SelectNode(simID, nodeID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return err
	}
	if sim.tree.Get(nodeID) == nil {
		return ErrNodeNotFound
	}
	sim.selectedNode = nodeID
	return nil
}

// ImportAgents registers parsed roster records and rebuilds the name index.
// Records are parsed upstream; the controller only assigns ids.
func (c *Controller) ImportAgents(ctx context.Context, simID string, records []domain.AgentRecord) ([]domain.AgentProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	added := make([]domain.AgentProfile, 0, len(records))
	for _, rec := range records {
		if rec.Name == "" {
			return nil, fmt.Errorf("agent record is missing a name")
		}
		profile := domain.AgentProfile{
			AgentID:    "agent_" + uuid.New().String()[:8],
			Name:       rec.Name,
			Profile:    rec.Profile,
			Attributes: rec.Attributes,
			CreatedAt:  now,
		}
		sim.roster = append(sim.roster, profile)
		added = append(added, profile)
	}
	sim.index = domain.BuildAgentIndex(sim.roster)
	return added, nil
}

// Agents returns the simulation's roster.
func (c *Controller) Agents(simID string) ([]domain.AgentProfile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return nil, err
	}
	return append([]domain.AgentProfile(nil), sim.roster...), nil
}

// Nodes returns the current tree as a flat node list.
func (c *Controller) Nodes(simID string) ([]*domain.SimNode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return nil, err
	}
	return sim.tree.Nodes(), nil
}

// IsGenerating reports whether a mutating operation is in flight.
func (c *Controller) IsGenerating(simID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return false, err
	}
	return sim.state != opIdle, nil
}

// NodeState returns the engine's per-agent state snapshot for one node.
// Snapshots cached at advance time are served directly; anything else is
// fetched live and cached.
func (c *Controller) NodeState(ctx context.Context, simID, nodeID string) (*engine.State, error) {
	c.mu.Lock()
	sim, err := c.sim(simID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if sim.tree.Get(nodeID) == nil {
		c.mu.Unlock()
		return nil, ErrNodeNotFound
	}
	if st, ok := sim.states[nodeID]; ok {
		c.mu.Unlock()
		return st, nil
	}
	eng := sim.engine
	id := sim.ID
	isPlaceholder := sim.Mode == domain.ModeRemote && sim.tree.Get(nodeID).IsPlaceholder()
	c.mu.Unlock()

	if isPlaceholder {
		return nil, ErrNotBackedNode
	}
	st, err := eng.GetState(ctx, id, nodeID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	sim.states[nodeID] = st
	c.mu.Unlock()
	return st, nil
}

func (c *Controller) infoLocked(sim *simulation) *SimulationInfo {
	return &SimulationInfo{
		ID:             sim.ID,
		Name:           sim.Name,
		Mode:           sim.Mode,
		NodeCount:      sim.tree.Len(),
		AgentCount:     len(sim.roster),
		IsGenerating:   sim.state != opIdle,
		Selected:       c.selected == sim.ID,
		SelectedNodeID: sim.selectedNode,
	}
}

// buildTree assembles a tree from nodes in any order.
func buildTree(nodes []*domain.SimNode) (*tree.Tree, error) {
	var root *domain.SimNode
	for _, n := range nodes {
		if n.IsRoot() {
			if root != nil {
				return nil, fmt.Errorf("graph has multiple roots")
			}
			root = n
		}
	}
	if root == nil {
		return nil, fmt.Errorf("graph has no root")
	}

	t := tree.New(root)
	pending := make([]*domain.SimNode, 0, len(nodes)-1)
	for _, n := range nodes {
		if n != root {
			pending = append(pending, n)
		}
	}
	for len(pending) > 0 {
		progress := false
		next := pending[:0]
		for _, n := range pending {
			if t.Get(n.ParentID) != nil {
				if err := t.Attach(n); err != nil {
					return nil, err
				}
				progress = true
			} else {
				next = append(next, n)
			}
		}
		if !progress {
			return nil, fmt.Errorf("graph has %d unreachable nodes", len(next))
		}
		pending = next
	}
	return t, nil
}
