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
	"github.com/mirrorstage/simdeck/internal/notify"
	"github.com/mirrorstage/simdeck/internal/policy"
)

// Advance extends nodeID by one child covering step. The call returns once
// the operation is admitted; completion is observable through IsGenerating,
// the tree itself, and the notification feed.
func (c *Controller) Advance(ctx context.Context, simID, nodeID string, step domain.WorldStep) error {
	c.mu.Lock()
	sim, err := c.sim(simID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.admitOpLocked(ctx, sim, "advance", nodeID, opAdvancing); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.opWG.Add(1)
	go func() {
		defer c.opWG.Done()
		c.runAdvance(sim, nodeID, step)
	}()
	return nil
}

func (c *Controller) runAdvance(sim *simulation, nodeID string, step domain.WorldStep) {
	ctx := context.Background()
	childID, err := sim.engine.Advance(ctx, sim.ID, nodeID, stepCount(step))
	if err != nil {
		c.failOp(sim, "advance", fmt.Errorf("engine advance failed: %w", err))
		return
	}
	if err := c.refreshTree(ctx, sim); err != nil {
		c.failOp(sim, "advance", err)
		return
	}

	c.mu.Lock()
	if child := sim.tree.Get(childID); child != nil {
		if child.WorldTime.IsZero() {
			base := time.Now().UTC()
			if parent := sim.tree.Get(child.ParentID); parent != nil && !parent.WorldTime.IsZero() {
				base = parent.WorldTime
			}
			child.WorldTime = step.Advance(base)
		}
		if child.CreatedAt.IsZero() {
			child.CreatedAt = time.Now().UTC()
		}
		sim.selectedNode = childID
	}
	c.mu.Unlock()

	// The new node's agent snapshot is part of the advance result; a fetch
	// failure degrades to lazy loading on the next NodeState call.
	if state, err := sim.engine.GetState(ctx, sim.ID, childID); err != nil {
		log.Printf("WARN: failed to fetch state for %s: %v", childID, err)
	} else {
		c.mu.Lock()
		sim.states[childID] = state
		c.mu.Unlock()
	}

	c.ingestNodeEvents(ctx, sim, childID)
	c.finishOp(sim, "advance", fmt.Sprintf("advance finished: %s", childID))
}

// Branch forks a sibling timeline from nodeID without simulating.
func (c *Controller) Branch(ctx context.Context, simID, nodeID, label string) error {
	c.mu.Lock()
	sim, err := c.sim(simID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.admitOpLocked(ctx, sim, "branch", nodeID, opBranching); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.opWG.Add(1)
	go func() {
		defer c.opWG.Done()
		c.runBranch(sim, nodeID, label)
	}()
	return nil
}

func (c *Controller) runBranch(sim *simulation, nodeID, label string) {
	ctx := context.Background()
	childID, err := sim.engine.Branch(ctx, sim.ID, nodeID, label)
	if err != nil {
		c.failOp(sim, "branch", fmt.Errorf("engine branch failed: %w", err))
		return
	}
	if err := c.refreshTree(ctx, sim); err != nil {
		c.failOp(sim, "branch", err)
		return
	}
	c.ingestNodeEvents(ctx, sim, childID)
	c.finishOp(sim, "branch", fmt.Sprintf("branch finished: %s", childID))
}

// DeleteNode removes nodeID and its whole subtree. The root is immutable.
func (c *Controller) DeleteNode(ctx context.Context, simID, nodeID string) error {
	c.mu.Lock()
	sim, err := c.sim(simID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if err := c.admitOpLocked(ctx, sim, "delete", nodeID, opDeleting); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	c.opWG.Add(1)
	go func() {
		defer c.opWG.Done()
		c.runDelete(sim, nodeID)
	}()
	return nil
}

func (c *Controller) runDelete(sim *simulation, nodeID string) {
	ctx := context.Background()

	// Placeholder subtrees exist only client-side; the engine knows nothing
	// to delete.
	isPlaceholder := false
	c.mu.Lock()
	if n := sim.tree.Get(nodeID); n != nil && n.IsPlaceholder() {
		isPlaceholder = true
	}
	c.mu.Unlock()

	if !isPlaceholder {
		if err := sim.engine.DeleteSubtree(ctx, sim.ID, nodeID); err != nil {
			c.failOp(sim, "delete", fmt.Errorf("engine delete failed: %w", err))
			return
		}
		if err := c.refreshTree(ctx, sim); err != nil {
			c.failOp(sim, "delete", err)
			return
		}
	}

	c.mu.Lock()
	if sim.tree.Get(nodeID) != nil {
		if removed, err := sim.tree.RemoveSubtree(nodeID); err != nil {
			log.Printf("WARN: failed to remove subtree %s: %v", nodeID, err)
		} else {
			for _, id := range removed {
				delete(sim.placeholders, id)
			}
		}
	}
	// Drop logs, dedup windows, and state snapshots for nodes that no
	// longer exist, and stop poll loops whose experiment base is gone.
	for id := range sim.logs {
		if sim.tree.Get(id) == nil {
			delete(sim.logs, id)
			delete(sim.dedup, id)
		}
	}
	for id := range sim.states {
		if sim.tree.Get(id) == nil {
			delete(sim.states, id)
		}
	}
	if sim.tree.Get(sim.selectedNode) == nil {
		sim.selectedNode = sim.tree.Root().ID
	}
	for expID, exp := range sim.experiments {
		if sim.tree.Get(exp.BaseNodeID) == nil {
			if cancel, ok := sim.polls[expID]; ok {
				cancel()
				delete(sim.polls, expID)
			}
		}
	}
	c.mu.Unlock()

	c.finishOp(sim, "delete", fmt.Sprintf("deleted subtree at %s", nodeID))
}

// admitOpLocked validates an operation and moves the simulation into the
// given busy state. Callers must hold c.mu. The busy gate runs first so a
// simulation mid-operation rejects everything uniformly with ErrBusy; a
// policy rejection surfaces as a notification per the error contract.
func (c *Controller) admitOpLocked(ctx context.Context, sim *simulation, op, nodeID string, state opState) error {
	node := sim.tree.Get(nodeID)
	if node == nil {
		return ErrNodeNotFound
	}
	if err := sim.beginOp(state); err != nil {
		c.metrics.RecordOp(op, "busy")
		return err
	}
	if err := c.checkPolicy(ctx, sim, op, node); err != nil {
		sim.endOp()
		c.metrics.RecordOp(op, "blocked")
		if c.feed != nil {
			c.feed.Publish(notify.LevelWarning, sim.ID,
				fmt.Sprintf("%s rejected for %s: %v", op, nodeID, err))
		}
		return err
	}
	return nil
}

// checkPolicy runs the OPA guard. Without a policy engine the built-in
// invariants are enforced directly.
func (c *Controller) checkPolicy(ctx context.Context, sim *simulation, op string, node *domain.SimNode) error {
	if c.policyEngine == nil {
		if (op == "delete" || op == "branch") && node.IsRoot() {
			return ErrRootImmutable
		}
		if sim.Mode == domain.ModeRemote && node.IsPlaceholder() && op != "delete" {
			return ErrNotBackedNode
		}
		return nil
	}

	input := policy.OpInput{
		Op:     op,
		NodeID: node.ID,
		IsRoot: node.IsRoot(),
		Mode:   string(sim.Mode),
	}
	// Deleting a placeholder subtree is purely client-side and always legal.
	if op == "delete" && node.IsPlaceholder() {
		input.Mode = string(domain.ModeLocal)
	}
	decision, err := c.policyEngine.Evaluate(ctx, input)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}
	if decision == policy.DecisionBlock {
		if (op == "delete" || op == "branch") && node.IsRoot() {
			return ErrRootImmutable
		}
		return ErrNotBackedNode
	}
	return nil
}

// refreshTree re-reads the canonical graph and swaps it in, re-attaching
// any placeholder nodes still awaiting reconciliation.
func (c *Controller) refreshTree(ctx context.Context, sim *simulation) error {
	graph, err := sim.engine.GetGraph(ctx, sim.ID)
	if err != nil {
		return fmt.Errorf("failed to refresh graph: %w", err)
	}
	nodes := engine.ToSimNodes(graph)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Carry over timestamps the engine does not echo back.
	for _, n := range nodes {
		if prev := sim.tree.Get(n.ID); prev != nil {
			if n.WorldTime.IsZero() {
				n.WorldTime = prev.WorldTime
			}
			n.CreatedAt = prev.CreatedAt
		}
	}
	if err := sim.tree.Replace(nodes); err != nil {
		return fmt.Errorf("engine returned an invalid graph: %w", err)
	}
	for _, p := range sim.placeholders {
		if sim.tree.Get(p.ID) == nil && sim.tree.Get(p.ParentID) != nil {
			if err := sim.tree.Attach(p); err != nil {
				log.Printf("WARN: failed to re-attach placeholder %s: %v", p.ID, err)
			}
		}
	}
	if sim.tree.Get(sim.selectedNode) == nil {
		sim.selectedNode = sim.tree.Root().ID
	}
	c.metrics.SetTreeNodes(sim.tree.Len())
	return nil
}

// ingestNodeEvents pulls one node's raw events through parse, dedup, and
// normalization, then merges the resulting entries into the node log.
func (c *Controller) ingestNodeEvents(ctx context.Context, sim *simulation, nodeID string) {
	raws, err := sim.engine.GetEvents(ctx, sim.ID, nodeID)
	if err != nil {
		log.Printf("WARN: failed to fetch events for %s: %v", nodeID, err)
		return
	}
	parsed := make([]domain.RawEvent, 0, len(raws))
	for _, raw := range raws {
		parsed = append(parsed, domain.ParseRawEvent(raw))
	}

	c.mu.Lock()
	sess := sim.dedup[nodeID]
	if sess == nil {
		sess = normalize.NewDedupSession()
		sim.dedup[nodeID] = sess
	}
	fresh := sess.Filter(parsed)
	c.metrics.RecordDedupDropped(len(parsed) - len(fresh))

	fallbackRound := 0
	if node := sim.tree.Get(nodeID); node != nil {
		fallbackRound = node.Depth
	}
	includeMetadata := c.config != nil && c.config.IncludeMetadata

	now := time.Now().UTC()
	var merged []domain.LogEntry
	for _, ev := range fresh {
		entry, ok := normalize.Normalize(ev, nodeID, fallbackRound, sim.index, includeMetadata)
		if !ok {
			continue
		}
		entry.ID = "log_" + uuid.New().String()[:8]
		if entry.Timestamp.IsZero() {
			entry.Timestamp = now
		}
		merged = append(merged, entry)
		c.metrics.RecordEntry(string(entry.Type))
	}
	sim.logs[nodeID] = append(sim.logs[nodeID], merged...)
	b := c.broadcaster
	c.mu.Unlock()

	if b != nil && len(merged) > 0 {
		b.BroadcastEntries(sim.ID, nodeID, merged)
	}
}

func (c *Controller) finishOp(sim *simulation, op, message string) {
	c.mu.Lock()
	sim.endOp()
	c.mu.Unlock()
	c.metrics.RecordOp(op, "ok")
	if c.feed != nil {
		c.feed.Publish(notify.LevelInfo, sim.ID, message)
	}
}

func (c *Controller) failOp(sim *simulation, op string, err error) {
	log.Printf("ERROR: %s failed for %s: %v", op, sim.ID, err)
	c.mu.Lock()
	sim.endOp()
	c.mu.Unlock()
	c.metrics.RecordOp(op, "error")
	if c.feed != nil {
		c.feed.Publish(notify.LevelError, sim.ID, fmt.Sprintf("%s failed: %v", op, err))
	}
}

func stepCount(step domain.WorldStep) int {
	if step.Count <= 0 {
		return 1
	}
	return step.Count
}
