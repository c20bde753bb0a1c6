// Package service implements the simulation lifecycle controller: the
// simulation registry, tree operations, the event normalization pipeline,
// and the experiment runner.
package service

import (
	"context"
	"sync"

	"github.com/mirrorstage/simdeck/internal/archive"
	"github.com/mirrorstage/simdeck/internal/config"
	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/engine"
	"github.com/mirrorstage/simdeck/internal/normalize"
	"github.com/mirrorstage/simdeck/internal/notify"
	"github.com/mirrorstage/simdeck/internal/observability"
	"github.com/mirrorstage/simdeck/internal/policy"
	"github.com/mirrorstage/simdeck/internal/tree"
)

// Archive is the persistence surface the controller needs for log export.
type Archive interface {
	SaveNodeLog(ctx context.Context, snapshotID, simID, nodeID string, entries []domain.LogEntry) error
	LoadSnapshot(ctx context.Context, snapshotID string) ([]domain.LogEntry, error)
	ListSnapshots(ctx context.Context, simID string) ([]archive.Snapshot, error)
}

// Broadcaster pushes freshly merged log entries to connected clients.
type Broadcaster interface {
	BroadcastEntries(simID, nodeID string, entries []domain.LogEntry)
}

// opState gates mutating operations: only one may run at a time per
// simulation.
type opState string

const (
	opIdle              opState = "idle"
	opAdvancing         opState = "advancing"
	opBranching         opState = "branching"
	opDeleting          opState = "deleting"
	opRunningExperiment opState = "runningExperiment"
)

// simulation is the controller's in-memory record of one simulation.
type simulation struct {
	ID     string
	Name   string
	Mode   domain.EngineMode
	engine engine.Engine

	tree   *tree.Tree
	logs   map[string][]domain.LogEntry
	dedup  map[string]*normalize.DedupSession
	roster []domain.AgentProfile
	index  domain.AgentIndex

	// selectedNode is the timeline position operations act on by default.
	// Advance moves it to the new child, experiments move it to the first
	// placeholder, and deleting it falls back to the root.
	selectedNode string
	// states caches the engine's per-node state snapshot, refreshed when an
	// advance creates the node.
	states map[string]*engine.State

	state       opState
	experiments map[string]*domain.Experiment
	// baseline children of an experiment's base node at creation time, used
	// to tell experiment-created children apart during reconciliation.
	expBaseline map[string]map[string]bool
	// locally attached placeholder nodes that survive graph refreshes until
	// reconciliation renames them.
	placeholders map[string]*domain.SimNode
	polls        map[string]context.CancelFunc
}

// Controller owns every simulation and serializes mutating operations.
type Controller struct {
	mu       sync.Mutex
	sims     map[string]*simulation
	selected string

	remote       engine.Engine
	localFactory func() engine.Engine
	policyEngine *policy.Engine
	archive      Archive
	feed         *notify.Feed
	metrics      *observability.Collector
	broadcaster  Broadcaster
	config       *config.Config

	opWG sync.WaitGroup
}

// New creates the controller. remote may be nil when only local simulations
// are used; localFactory must return a fresh engine per call.
func New(remote engine.Engine, localFactory func() engine.Engine, policyEngine *policy.Engine, arch Archive, feed *notify.Feed, metrics *observability.Collector, cfg *config.Config) *Controller {
	return &Controller{
		sims:         make(map[string]*simulation),
		remote:       remote,
		localFactory: localFactory,
		policyEngine: policyEngine,
		archive:      arch,
		feed:         feed,
		metrics:      metrics,
		config:       cfg,
	}
}

// SetBroadcaster wires the live entry feed. Optional.
func (c *Controller) SetBroadcaster(b Broadcaster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcaster = b
}

// Wait blocks until all in-flight tree operations have finished.
func (c *Controller) Wait() {
	c.opWG.Wait()
}

// Close cancels every experiment poll loop and waits for in-flight
// operations to drain.
func (c *Controller) Close() {
	c.mu.Lock()
	for _, sim := range c.sims {
		for id, cancel := range sim.polls {
			cancel()
			delete(sim.polls, id)
		}
	}
	c.mu.Unlock()
	c.opWG.Wait()
}

// sim resolves a simulation id, falling back to the current selection.
// Callers must hold c.mu.
func (c *Controller) sim(simID string) (*simulation, error) {
	if simID == "" {
		simID = c.selected
	}
	sim, ok := c.sims[simID]
	if !ok {
		return nil, ErrNoSimulation
	}
	return sim, nil
}

// beginOp moves a simulation from idle into state, rejecting concurrent
// mutations uniformly.
func (s *simulation) beginOp(state opState) error {
	if s.state != opIdle {
		return ErrBusy
	}
	s.state = state
	return nil
}

func (s *simulation) endOp() {
	s.state = opIdle
}
