// Package local implements the engine contract in-process. It exists for
// offline work and demos: every operation completes synchronously and the
// event stream is synthesized from a seeded random walk, so the same seed
// always produces the same tree and the same logs.
package local

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/engine"
)

const stateDrift = 0.08

var defaultAgents = []string{"Ada", "Bram", "Cleo"}

type node struct {
	id        string
	parentID  string
	depth     int
	label     string
	worldTime int64
	children  []string
	events    []json.RawMessage
	agents    map[string]map[string]float64
}

type experiment struct {
	id         string
	baseNodeID string
	variants   []domain.Variant
}

// Engine is a deterministic in-process simulation engine.
type Engine struct {
	mu          sync.Mutex
	rng         *rand.Rand
	seq         int
	root        string
	nodes       map[string]*node
	experiments map[string]*experiment
	epoch       time.Time
}

// New creates a local engine seeded with seed. The root node is created
// eagerly so the first GetGraph already returns a one-node tree.
func New(seed int64) *Engine {
	e := &Engine{
		rng:         rand.New(rand.NewSource(seed)),
		nodes:       make(map[string]*node),
		experiments: make(map[string]*experiment),
		epoch:       time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC),
	}
	root := e.newNode("", "start")
	e.root = root.id
	for _, name := range defaultAgents {
		root.agents[name] = map[string]float64{"mood": 0.5, "energy": 0.5}
	}
	return e
}

func (e *Engine) newNode(parentID, label string) *node {
	e.seq++
	n := &node{
		id:     fmt.Sprintf("%s%d", domain.LocalIDPrefix, e.seq),
		label:  label,
		agents: make(map[string]map[string]float64),
	}
	if parent, ok := e.nodes[parentID]; ok {
		n.parentID = parentID
		n.depth = parent.depth + 1
		n.worldTime = parent.worldTime
		for name, state := range parent.agents {
			copied := make(map[string]float64, len(state))
			for k, v := range state {
				copied[k] = v
			}
			n.agents[name] = copied
		}
		parent.children = append(parent.children, n.id)
	} else {
		n.worldTime = e.epoch.Unix()
	}
	e.nodes[n.id] = n
	return n
}

// Advance runs steps rounds synchronously and returns the new child id.
func (e *Engine) Advance(ctx context.Context, simID, nodeID string, steps int) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	parent, ok := e.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("unknown node: %s", nodeID)
	}
	if steps <= 0 {
		steps = 1
	}
	child := e.newNode(nodeID, fmt.Sprintf("round %d", parent.depth+steps))
	child.worldTime += int64(steps) * int64(time.Minute/time.Second)
	for round := 1; round <= steps; round++ {
		e.simulateRound(child, round)
	}
	return child.id, nil
}

// simulateRound drifts every agent's state and records one spoken line and
// one action per agent, in roster order so output is reproducible.
func (e *Engine) simulateRound(n *node, round int) {
	for _, name := range defaultAgents {
		state, ok := n.agents[name]
		if !ok {
			continue
		}
		for key := range state {
			state[key] = clamp(state[key] + (e.rng.Float64()*2-1)*stateDrift)
		}
		line := lines[e.rng.Intn(len(lines))]
		n.events = append(n.events, rawBroadcast(fmt.Sprintf("%s: %s", name, line), round, n.worldTime))
		if e.rng.Float64() < 0.4 {
			act := actions[e.rng.Intn(len(actions))]
			n.events = append(n.events, rawActionEnd(name, act, round, n.worldTime))
		}
	}
	n.events = append(n.events, rawText(fmt.Sprintf("Round %d complete.", round), round))
}

// Branch snapshots nodeID into a sibling timeline without simulating: the
// fork hangs off nodeID's parent at the same depth and starts from nodeID's
// state.
func (e *Engine) Branch(ctx context.Context, simID, nodeID, label string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	src, ok := e.nodes[nodeID]
	if !ok {
		return "", fmt.Errorf("unknown node: %s", nodeID)
	}
	if nodeID == e.root {
		return "", fmt.Errorf("cannot branch the root node")
	}
	if label == "" {
		label = "branch"
	}
	sibling := e.newNode(src.parentID, label)
	sibling.worldTime = src.worldTime
	for name, state := range src.agents {
		copied := make(map[string]float64, len(state))
		for k, v := range state {
			copied[k] = v
		}
		sibling.agents[name] = copied
	}
	sibling.events = append(sibling.events, rawText(fmt.Sprintf("Timeline branched: %s", label), 0))
	return sibling.id, nil
}

// DeleteSubtree removes nodeID and everything under it.
func (e *Engine) DeleteSubtree(ctx context.Context, simID, nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.nodes[nodeID]
	if !ok {
		return fmt.Errorf("unknown node: %s", nodeID)
	}
	if nodeID == e.root {
		return fmt.Errorf("cannot delete root node")
	}
	queue := []string{nodeID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		queue = append(queue, e.nodes[id].children...)
		delete(e.nodes, id)
	}
	if parent, ok := e.nodes[n.parentID]; ok {
		kept := parent.children[:0]
		for _, id := range parent.children {
			if id != nodeID {
				kept = append(kept, id)
			}
		}
		parent.children = kept
	}
	return nil
}

// GetGraph returns the current tree in the canonical graph shape.
func (e *Engine) GetGraph(ctx context.Context, simID string) (*engine.Graph, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	g := &engine.Graph{Root: e.root}
	var walk func(id string)
	walk = func(id string) {
		n := e.nodes[id]
		g.Nodes = append(g.Nodes, engine.GraphNode{
			ID:        n.id,
			Depth:     n.depth,
			Label:     n.label,
			WorldTime: n.worldTime,
		})
		for _, child := range n.children {
			g.Edges = append(g.Edges, engine.GraphEdge{From: id, To: child})
			walk(child)
		}
	}
	walk(e.root)
	return g, nil
}

// GetEvents returns the synthesized raw events for one node.
func (e *Engine) GetEvents(ctx context.Context, simID, nodeID string) ([]json.RawMessage, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("unknown node: %s", nodeID)
	}
	out := make([]json.RawMessage, len(n.events))
	copy(out, n.events)
	return out, nil
}

// GetState returns the agent state snapshot at one node.
func (e *Engine) GetState(ctx context.Context, simID, nodeID string) (*engine.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, ok := e.nodes[nodeID]
	if !ok {
		return nil, fmt.Errorf("unknown node: %s", nodeID)
	}
	st := &engine.State{Turns: n.depth}
	names := make([]string, 0, len(n.agents))
	for name := range n.agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		copied := make(map[string]float64, len(n.agents[name]))
		for k, v := range n.agents[name] {
			copied[k] = v
		}
		st.Agents = append(st.Agents, domain.AgentProfile{Name: name, State: copied})
	}
	return st, nil
}

// CreateExperiment registers a variant batch for a later RunExperiment.
func (e *Engine) CreateExperiment(ctx context.Context, simID, name, baseNodeID string, variants []domain.Variant) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.nodes[baseNodeID]; !ok {
		return "", fmt.Errorf("unknown node: %s", baseNodeID)
	}
	e.seq++
	exp := &experiment{
		id:         fmt.Sprintf("%sexp%d", domain.LocalIDPrefix, e.seq),
		baseNodeID: baseNodeID,
		variants:   append([]domain.Variant(nil), variants...),
	}
	e.experiments[exp.id] = exp
	return exp.id, nil
}

// RunExperiment runs every variant synchronously, so the returned mapping
// is always complete and callers never need to poll.
func (e *Engine) RunExperiment(ctx context.Context, simID, experimentID string, turns int) (*engine.RunResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("unknown experiment: %s", experimentID)
	}
	if turns <= 0 {
		turns = 1
	}
	result := &engine.RunResult{
		RunID:       fmt.Sprintf("%srun%s", domain.LocalIDPrefix, experimentID),
		NodeMapping: make(map[int]string, len(exp.variants)),
	}
	for i := range exp.variants {
		v := &exp.variants[i]
		child := e.newNode(exp.baseNodeID, v.Name)
		child.events = append(child.events, rawText(fmt.Sprintf("Variant prompt: %s", v.Prompt), 0))
		for round := 1; round <= turns; round++ {
			e.simulateRound(child, round)
		}
		v.NodeID = child.id
		v.Status = "completed"
		result.NodeMapping[i] = child.id
	}
	return result, nil
}

// GetExperiment reports the engine's view of a variant batch.
func (e *Engine) GetExperiment(ctx context.Context, simID, experimentID string) ([]domain.Variant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exp, ok := e.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("unknown experiment: %s", experimentID)
	}
	return append([]domain.Variant(nil), exp.variants...), nil
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

var lines = []string{
	"The market feels tense today.",
	"I heard a rumor by the well.",
	"We should pool our supplies.",
	"Something is off about the weather.",
	"Let us wait and see.",
}

var actions = []string{"open_shop", "inspect_goods", "walk_to_square", "write_note"}

func rawBroadcast(text string, round int, worldTime int64) json.RawMessage {
	return mustRaw(map[string]any{
		"type": "system_broadcast",
		"data": map[string]any{"text": text, "round": round, "timestamp": worldTime},
	})
}

func rawActionEnd(agent, action string, round int, worldTime int64) json.RawMessage {
	return mustRaw(map[string]any{
		"type": "action_end",
		"data": map[string]any{
			"agent_name": agent,
			"action":     action,
			"round":      round,
			"timestamp":  worldTime,
		},
	})
}

func rawText(text string, round int) json.RawMessage {
	return mustRaw(map[string]any{
		"type": "text",
		"data": map[string]any{"text": text, "round": round},
	})
}

func mustRaw(v map[string]any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return raw
}
