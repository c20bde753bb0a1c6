package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mirrorstage/simdeck/internal/config"
	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/engine"
	"github.com/mirrorstage/simdeck/internal/notify"
	"github.com/mirrorstage/simdeck/internal/policy"
)

// fakeEngine is a scriptable in-memory engine for controller tests.
type fakeEngine struct {
	mu      sync.Mutex
	seq     int
	rootID  string
	order   []string
	parents map[string]string
	labels  map[string]string
	events  map[string][]json.RawMessage

	experiments map[string][]domain.Variant
	expBase     map[string]string
	expPolls    map[string]int

	// pollsUntilNodes delays variant node creation until the Nth
	// GetExperiment call. Zero means RunExperiment creates them directly
	// and returns a complete mapping.
	pollsUntilNodes int
	// reportNodeIDs controls whether GetExperiment fills in node ids once
	// the nodes exist. When false, reconciliation must go through the graph.
	reportNodeIDs bool
	// withholdMapping makes RunExperiment create the variant nodes but
	// leave NodeMapping empty, so only the graph identifies them.
	withholdMapping bool

	advanceGate chan struct{}
	failAdvance bool
	stateCalls  int
}

func newFakeEngine() *fakeEngine {
	f := &fakeEngine{
		parents:     make(map[string]string),
		labels:      make(map[string]string),
		events:      make(map[string][]json.RawMessage),
		experiments: make(map[string][]domain.Variant),
		expBase:     make(map[string]string),
		expPolls:    make(map[string]int),
	}
	f.rootID = f.newNode("", "root")
	return f
}

func (f *fakeEngine) newNode(parent, label string) string {
	f.seq++
	id := fmt.Sprintf("node_%d", f.seq)
	f.order = append(f.order, id)
	if parent != "" {
		f.parents[id] = parent
	}
	f.labels[id] = label
	return id
}

func (f *fakeEngine) Advance(ctx context.Context, simID, nodeID string, steps int) (string, error) {
	if f.advanceGate != nil {
		<-f.advanceGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAdvance {
		return "", fmt.Errorf("simulated engine failure")
	}
	child := f.newNode(nodeID, "round")
	f.events[child] = []json.RawMessage{
		json.RawMessage(`{"type":"system_broadcast","data":{"text":"Alice: hello there","round":1}}`),
		json.RawMessage(`{"type":"system_broadcast","data":{"text":"Alice: hello there","round":1}}`),
		json.RawMessage(`{"type":"action_end","data":{"agent_name":"Bob","action":"open_shop","round":1}}`),
		json.RawMessage(`{"type":"text","data":{"text":"Round 1 complete."}}`),
	}
	return child, nil
}

func (f *fakeEngine) Branch(ctx context.Context, simID, nodeID, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if nodeID == f.rootID {
		return "", fmt.Errorf("cannot branch the root node")
	}
	return f.newNode(f.parents[nodeID], label), nil
}

func (f *fakeEngine) DeleteSubtree(ctx context.Context, simID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	doomed := map[string]bool{nodeID: true}
	changed := true
	for changed {
		changed = false
		for child, parent := range f.parents {
			if doomed[parent] && !doomed[child] {
				doomed[child] = true
				changed = true
			}
		}
	}
	kept := f.order[:0]
	for _, id := range f.order {
		if doomed[id] {
			delete(f.parents, id)
			delete(f.labels, id)
			delete(f.events, id)
			continue
		}
		kept = append(kept, id)
	}
	f.order = kept
	return nil
}

func (f *fakeEngine) GetGraph(ctx context.Context, simID string) (*engine.Graph, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g := &engine.Graph{Root: f.rootID}
	for _, id := range f.order {
		g.Nodes = append(g.Nodes, engine.GraphNode{ID: id, Label: f.labels[id]})
		if parent, ok := f.parents[id]; ok {
			g.Edges = append(g.Edges, engine.GraphEdge{From: parent, To: id})
		}
	}
	return g, nil
}

func (f *fakeEngine) GetEvents(ctx context.Context, simID, nodeID string) ([]json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]json.RawMessage(nil), f.events[nodeID]...), nil
}

func (f *fakeEngine) GetState(ctx context.Context, simID, nodeID string) (*engine.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	return &engine.State{Agents: []domain.AgentProfile{{Name: "Alice"}}}, nil
}

func (f *fakeEngine) CreateExperiment(ctx context.Context, simID, name, baseNodeID string, variants []domain.Variant) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("exp_%d", f.seq)
	f.experiments[id] = append([]domain.Variant(nil), variants...)
	f.expBase[id] = baseNodeID
	return id, nil
}

func (f *fakeEngine) RunExperiment(ctx context.Context, simID, experimentID string, turns int) (*engine.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	result := &engine.RunResult{RunID: "run_" + experimentID, NodeMapping: make(map[int]string)}
	if f.pollsUntilNodes == 0 {
		variants := f.experiments[experimentID]
		for i := range variants {
			id := f.newNode(f.expBase[experimentID], variants[i].Name)
			if f.withholdMapping {
				continue
			}
			variants[i].NodeID = id
			result.NodeMapping[i] = id
		}
	}
	return result, nil
}

func (f *fakeEngine) GetExperiment(ctx context.Context, simID, experimentID string) ([]domain.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	variants, ok := f.experiments[experimentID]
	if !ok {
		return nil, fmt.Errorf("unknown experiment: %s", experimentID)
	}
	f.expPolls[experimentID]++
	if f.pollsUntilNodes > 0 && f.expPolls[experimentID] >= f.pollsUntilNodes && variants[0].NodeID == "" {
		for i := range variants {
			variants[i].NodeID = f.newNode(f.expBase[experimentID], variants[i].Name)
		}
	}
	out := append([]domain.Variant(nil), variants...)
	if !f.reportNodeIDs {
		for i := range out {
			out[i].NodeID = ""
		}
	}
	return out, nil
}

func testConfig() *config.Config {
	return &config.Config{
		PollInterval: time.Millisecond,
		PollTimeout:  200 * time.Millisecond,
	}
}

func newTestController(t *testing.T, eng engine.Engine, mode domain.EngineMode) (*Controller, string) {
	t.Helper()
	pol, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	if err != nil {
		t.Fatalf("failed to create policy engine: %v", err)
	}
	var c *Controller
	if mode == domain.ModeLocal {
		c = New(nil, func() engine.Engine { return eng }, pol, nil, notify.NewFeed(50), nil, testConfig())
	} else {
		c = New(eng, nil, pol, nil, notify.NewFeed(50), nil, testConfig())
	}
	info, err := c.CreateSimulation(context.Background(), "test", mode)
	if err != nil {
		t.Fatalf("failed to create simulation: %v", err)
	}
	t.Cleanup(c.Close)
	return c, info.ID
}

func importTestRoster(t *testing.T, c *Controller, simID string) {
	t.Helper()
	_, err := c.ImportAgents(context.Background(), simID, []domain.AgentRecord{
		{Name: "Alice"},
		{Name: "Bob"},
	})
	if err != nil {
		t.Fatalf("failed to import agents: %v", err)
	}
}

func TestCreateSimulationSelectsFirst(t *testing.T) {
	c, simID := newTestController(t, newFakeEngine(), domain.ModeRemote)

	info, err := c.GetSimulation("")
	if err != nil {
		t.Fatalf("get simulation failed: %v", err)
	}
	if info.ID != simID || !info.Selected {
		t.Fatalf("first simulation should be selected: %+v", info)
	}
	if info.NodeCount != 1 {
		t.Fatalf("expected 1 node, got %d", info.NodeCount)
	}
}

func TestAdvanceMergesNormalizedLog(t *testing.T) {
	eng := newFakeEngine()
	c, simID := newTestController(t, eng, domain.ModeRemote)
	importTestRoster(t, c, simID)

	if err := c.Advance(context.Background(), simID, eng.rootID, domain.WorldStep{Count: 1}); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	c.Wait()

	nodes, _ := c.Nodes(simID)
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes after advance, got %d", len(nodes))
	}
	var childID string
	for _, n := range nodes {
		if !n.IsRoot() {
			childID = n.ID
		}
	}

	entries, err := c.NodeLog(simID, childID)
	if err != nil {
		t.Fatalf("node log failed: %v", err)
	}
	// One broadcast (duplicate dropped), one action, one system line.
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d: %+v", len(entries), entries)
	}
	if entries[0].Type != domain.EntryAgentSay || entries[0].AgentName != "Alice" || entries[0].Content != "hello there" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Type != domain.EntryAgentAction || entries[1].Content != "Bob open shop" {
		t.Fatalf("unexpected action entry: %+v", entries[1])
	}
	if entries[2].Type != domain.EntrySystem {
		t.Fatalf("unexpected system entry: %+v", entries[2])
	}
	for _, e := range entries {
		if e.ID == "" || e.NodeID != childID {
			t.Fatalf("entry not stamped: %+v", e)
		}
	}

	generating, _ := c.IsGenerating(simID)
	if generating {
		t.Fatalf("simulation should be idle after advance")
	}
}

func TestMutationsRejectedWhileBusy(t *testing.T) {
	eng := newFakeEngine()
	eng.advanceGate = make(chan struct{})
	c, simID := newTestController(t, eng, domain.ModeRemote)

	if err := c.Advance(context.Background(), simID, eng.rootID, domain.WorldStep{}); err != nil {
		t.Fatalf("first advance failed: %v", err)
	}
	if generating, _ := c.IsGenerating(simID); !generating {
		t.Fatalf("expected isGenerating true while op runs")
	}

	if err := c.Advance(context.Background(), simID, eng.rootID, domain.WorldStep{}); err != ErrBusy {
		t.Fatalf("expected ErrBusy for advance, got %v", err)
	}
	if err := c.Branch(context.Background(), simID, eng.rootID, "x"); err != ErrBusy {
		t.Fatalf("expected ErrBusy for branch, got %v", err)
	}
	if err := c.DeleteNode(context.Background(), simID, eng.rootID); err != ErrBusy {
		t.Fatalf("expected ErrBusy for delete, got %v", err)
	}

	close(eng.advanceGate)
	c.Wait()
}

func TestDeleteRootRejected(t *testing.T) {
	eng := newFakeEngine()
	c, simID := newTestController(t, eng, domain.ModeRemote)

	if err := c.DeleteNode(context.Background(), simID, eng.rootID); err != ErrRootImmutable {
		t.Fatalf("expected ErrRootImmutable, got %v", err)
	}
}

func TestBranchOnRootRejected(t *testing.T) {
	eng := newFakeEngine()
	c, simID := newTestController(t, eng, domain.ModeRemote)

	if err := c.Branch(context.Background(), simID, eng.rootID, "fork"); err != ErrRootImmutable {
		t.Fatalf("expected ErrRootImmutable, got %v", err)
	}
	c.Wait()

	nodes, _ := c.Nodes(simID)
	if len(nodes) != 1 {
		t.Fatalf("tree should be unchanged, got %d nodes", len(nodes))
	}
	if generating, _ := c.IsGenerating(simID); generating {
		t.Fatalf("simulation should be idle after rejected branch")
	}
	var warned bool
	for _, n := range c.feed.List() {
		if n.Level == notify.LevelWarning && strings.Contains(n.Message, "branch") {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a warning notification for the rejected branch")
	}
}

func TestBranchCreatesSibling(t *testing.T) {
	eng := newFakeEngine()
	c, simID := newTestController(t, eng, domain.ModeRemote)
	importTestRoster(t, c, simID)

	if err := c.Advance(context.Background(), simID, eng.rootID, domain.WorldStep{}); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	c.Wait()
	nodes, _ := c.Nodes(simID)
	var child domain.SimNode
	for _, n := range nodes {
		if !n.IsRoot() {
			child = *n
		}
	}

	if err := c.Branch(context.Background(), simID, child.ID, "fork"); err != nil {
		t.Fatalf("branch failed: %v", err)
	}
	c.Wait()

	nodes, _ = c.Nodes(simID)
	if len(nodes) != 3 {
		t.Fatalf("expected 3 nodes after branch, got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.ID == child.ID || n.IsRoot() {
			continue
		}
		if n.ParentID != eng.rootID {
			t.Fatalf("branch should be a sibling under %s, got parent %s", eng.rootID, n.ParentID)
		}
		if n.Depth != child.Depth {
			t.Fatalf("branch depth %d should match sibling depth %d", n.Depth, child.Depth)
		}
	}
}

func TestDeleteCascadesLogsAndNodes(t *testing.T) {
	eng := newFakeEngine()
	c, simID := newTestController(t, eng, domain.ModeRemote)
	importTestRoster(t, c, simID)

	if err := c.Advance(context.Background(), simID, eng.rootID, domain.WorldStep{}); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	c.Wait()
	nodes, _ := c.Nodes(simID)
	var childID string
	for _, n := range nodes {
		if !n.IsRoot() {
			childID = n.ID
		}
	}

	if err := c.DeleteNode(context.Background(), simID, childID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	c.Wait()

	nodes, _ = c.Nodes(simID)
	if len(nodes) != 1 {
		t.Fatalf("expected only root after delete, got %d", len(nodes))
	}
	if _, err := c.NodeLog(simID, childID); err != ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound for deleted node, got %v", err)
	}
}

func TestSelectionFollowsOperations(t *testing.T) {
	eng := newFakeEngine()
	c, simID := newTestController(t, eng, domain.ModeRemote)
	ctx := context.Background()

	info, _ := c.GetSimulation(simID)
	if info.SelectedNodeID != eng.rootID {
		t.Fatalf("new simulation should select the root, got %s", info.SelectedNodeID)
	}

	if err := c.Advance(ctx, simID, eng.rootID, domain.WorldStep{}); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	c.Wait()
	nodes, _ := c.Nodes(simID)
	var childID string
	for _, n := range nodes {
		if !n.IsRoot() {
			childID = n.ID
		}
	}
	info, _ = c.GetSimulation(simID)
	if info.SelectedNodeID != childID {
		t.Fatalf("advance should select the new child %s, got %s", childID, info.SelectedNodeID)
	}

	if err := c.SelectNode(simID, eng.rootID); err != nil {
		t.Fatalf("select failed: %v", err)
	}
	if err := c.SelectNode(simID, "node_missing"); err != ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
	if err := c.SelectNode(simID, childID); err != nil {
		t.Fatalf("select failed: %v", err)
	}

	if err := c.DeleteNode(ctx, simID, childID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	c.Wait()
	info, _ = c.GetSimulation(simID)
	if info.SelectedNodeID != eng.rootID {
		t.Fatalf("deleting the selected node should fall back to the root, got %s", info.SelectedNodeID)
	}
}

func TestAdvanceCachesNodeState(t *testing.T) {
	eng := newFakeEngine()
	c, simID := newTestController(t, eng, domain.ModeRemote)
	importTestRoster(t, c, simID)
	ctx := context.Background()

	if err := c.Advance(ctx, simID, eng.rootID, domain.WorldStep{}); err != nil {
		t.Fatalf("advance failed: %v", err)
	}
	c.Wait()

	eng.mu.Lock()
	calls := eng.stateCalls
	eng.mu.Unlock()
	if calls != 1 {
		t.Fatalf("advance should fetch the new node's state once, got %d calls", calls)
	}

	nodes, _ := c.Nodes(simID)
	var childID string
	for _, n := range nodes {
		if !n.IsRoot() {
			childID = n.ID
		}
	}
	st, err := c.NodeState(ctx, simID, childID)
	if err != nil {
		t.Fatalf("node state failed: %v", err)
	}
	if len(st.Agents) != 1 || st.Agents[0].Name != "Alice" {
		t.Fatalf("unexpected state: %+v", st)
	}
	eng.mu.Lock()
	calls = eng.stateCalls
	eng.mu.Unlock()
	if calls != 1 {
		t.Fatalf("node state should be served from cache, got %d calls", calls)
	}
}

func TestAdvanceFailureReturnsToIdle(t *testing.T) {
	eng := newFakeEngine()
	eng.failAdvance = true
	c, simID := newTestController(t, eng, domain.ModeRemote)

	if err := c.Advance(context.Background(), simID, eng.rootID, domain.WorldStep{}); err != nil {
		t.Fatalf("advance admission failed: %v", err)
	}
	c.Wait()

	if generating, _ := c.IsGenerating(simID); generating {
		t.Fatalf("simulation should be idle after failed advance")
	}
	nodes, _ := c.Nodes(simID)
	if len(nodes) != 1 {
		t.Fatalf("tree should be unchanged after failure, got %d nodes", len(nodes))
	}
}

func TestUnknownSimulationAndNode(t *testing.T) {
	eng := newFakeEngine()
	c, simID := newTestController(t, eng, domain.ModeRemote)

	if _, err := c.GetSimulation("sim_missing"); err != ErrNoSimulation {
		t.Fatalf("expected ErrNoSimulation, got %v", err)
	}
	if err := c.Advance(context.Background(), simID, "node_missing", domain.WorldStep{}); err != ErrNodeNotFound {
		t.Fatalf("expected ErrNodeNotFound, got %v", err)
	}
}
