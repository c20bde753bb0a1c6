package service

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/notify"
)

// CreateExperiment attaches one pending placeholder child per variant under
// the base node and registers the batch with the engine. Placeholders carry
// client-generated ids until reconciliation maps them to engine nodes.
func (c *Controller) CreateExperiment(ctx context.Context, simID, name, baseNodeID string, variants []domain.Variant) (*domain.Experiment, error) {
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if len(variants) == 0 {
		return nil, fmt.Errorf("at least one variant is required")
	}
	for i := range variants {
		if variants[i].Name == "" {
			return nil, fmt.Errorf("variant %d is missing a name", i)
		}
		if variants[i].VariantID == "" {
			variants[i].VariantID = fmt.Sprintf("v%d", i)
		}
	}

	c.mu.Lock()
	sim, err := c.sim(simID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	if sim.tree.Get(baseNodeID) == nil {
		c.mu.Unlock()
		return nil, ErrNodeNotFound
	}
	if err := sim.beginOp(opRunningExperiment); err != nil {
		c.mu.Unlock()
		c.metrics.RecordOp("experiment", "busy")
		return nil, err
	}

	// Existing children are the baseline; anything that appears under the
	// base afterwards is a reconciliation candidate.
	baseline := make(map[string]bool)
	for _, child := range sim.tree.Children(baseNodeID) {
		baseline[child.ID] = true
	}

	now := time.Now().UTC()
	placeholderIDs := make([]string, len(variants))
	for i := range variants {
		p := &domain.SimNode{
			ID:        domain.LocalIDPrefix + uuid.New().String()[:8],
			ParentID:  baseNodeID,
			Status:    domain.NodeStatusPending,
			Label:     variants[i].Name,
			CreatedAt: now,
		}
		if err := sim.tree.Attach(p); err != nil {
			c.rollbackPlaceholdersLocked(sim, placeholderIDs[:i])
			sim.endOp()
			c.mu.Unlock()
			return nil, fmt.Errorf("failed to attach placeholder: %w", err)
		}
		sim.placeholders[p.ID] = p
		placeholderIDs[i] = p.ID
	}
	sim.selectedNode = placeholderIDs[0]
	c.mu.Unlock()

	experimentID, err := sim.engine.CreateExperiment(ctx, sim.ID, name, baseNodeID, variants)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.rollbackPlaceholdersLocked(sim, placeholderIDs)
		sim.endOp()
		c.metrics.RecordOp("experiment", "error")
		return nil, fmt.Errorf("failed to create experiment: %w", err)
	}

	exp := &domain.Experiment{
		ExperimentID:   experimentID,
		Name:           name,
		BaseNodeID:     baseNodeID,
		Variants:       variants,
		Status:         domain.ExperimentStatusSubmitted,
		PlaceholderIDs: placeholderIDs,
		CreatedAt:      now,
	}
	sim.experiments[experimentID] = exp
	sim.expBaseline[experimentID] = baseline
	sim.endOp()
	copied := *exp
	return &copied, nil
}

func (c *Controller) rollbackPlaceholdersLocked(sim *simulation, ids []string) {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := sim.tree.RemoveSubtree(id); err != nil {
			log.Printf("WARN: failed to roll back placeholder %s: %v", id, err)
		}
		delete(sim.placeholders, id)
	}
	if sim.tree.Get(sim.selectedNode) == nil {
		sim.selectedNode = sim.tree.Root().ID
	}
}

// RunExperiment starts a submitted experiment. Reconciliation happens in the
// background: direct mapping first, then bounded polling with parent-plus-
// name and positional matching against the canonical graph.
func (c *Controller) RunExperiment(ctx context.Context, simID, experimentID string, turns int) error {
	c.mu.Lock()
	sim, err := c.sim(simID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	exp, ok := sim.experiments[experimentID]
	if !ok {
		c.mu.Unlock()
		return ErrExperimentNotFound
	}
	if err := sim.beginOp(opRunningExperiment); err != nil {
		c.mu.Unlock()
		c.metrics.RecordOp("experiment", "busy")
		return err
	}
	pollCtx, cancel := context.WithCancel(context.Background())
	sim.polls[experimentID] = cancel
	c.mu.Unlock()

	c.opWG.Add(1)
	go func() {
		defer c.opWG.Done()
		c.runExperiment(pollCtx, sim, exp, turns)
	}()
	return nil
}

func (c *Controller) runExperiment(ctx context.Context, sim *simulation, exp *domain.Experiment, turns int) {
	defer func() {
		c.mu.Lock()
		if cancel, ok := sim.polls[exp.ExperimentID]; ok {
			cancel()
			delete(sim.polls, exp.ExperimentID)
		}
		c.mu.Unlock()
	}()

	result, err := sim.engine.RunExperiment(ctx, sim.ID, exp.ExperimentID, turns)
	if err != nil {
		c.failOp(sim, "experiment", fmt.Errorf("engine run failed: %w", err))
		return
	}

	var mapped []string
	c.mu.Lock()
	exp.RunID = result.RunID
	for i, nodeID := range result.NodeMapping {
		if i >= 0 && i < len(exp.Variants) && exp.Variants[i].NodeID == "" {
			if c.reconcileVariantLocked(sim, exp, i, nodeID, "direct") {
				mapped = append(mapped, nodeID)
			}
		}
	}
	c.mu.Unlock()

	// One full reconciliation pass against the fresh graph before any
	// polling: when the run response or the graph already identifies the
	// variant nodes, no poll tick is needed.
	if err := c.refreshTree(ctx, sim); err != nil {
		log.Printf("WARN: graph refresh after experiment run failed: %v", err)
	} else {
		c.mu.Lock()
		mapped = append(mapped, c.reconcileByGraphLocked(sim, exp)...)
		c.mu.Unlock()
	}
	for _, nodeID := range mapped {
		c.ingestNodeEvents(ctx, sim, nodeID)
	}

	c.mu.Lock()
	done := len(exp.Unmapped()) == 0
	if done {
		exp.Status = domain.ExperimentStatusReconciled
	}
	c.mu.Unlock()
	if done {
		c.finishOp(sim, "experiment", fmt.Sprintf("experiment %s reconciled", exp.ExperimentID))
		return
	}

	c.pollExperiment(ctx, sim, exp)
}

// pollExperiment keeps asking the engine about unmapped variants until all
// are reconciled, the budget runs out, or the poll is cancelled.
func (c *Controller) pollExperiment(ctx context.Context, sim *simulation, exp *domain.Experiment) {
	interval := 2 * time.Second
	budget := 2 * time.Minute
	if c.config != nil {
		if c.config.PollInterval > 0 {
			interval = c.config.PollInterval
		}
		if c.config.PollTimeout > 0 {
			budget = c.config.PollTimeout
		}
	}
	deadline := time.Now().Add(budget)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			sim.endOp()
			c.mu.Unlock()
			if c.feed != nil {
				c.feed.Publish(notify.LevelInfo, sim.ID,
					fmt.Sprintf("experiment %s polling cancelled", exp.ExperimentID))
			}
			return
		case <-ticker.C:
		}

		mapped := c.pollOnce(ctx, sim, exp)
		for _, nodeID := range mapped {
			c.ingestNodeEvents(ctx, sim, nodeID)
		}

		c.mu.Lock()
		unmapped := exp.Unmapped()
		if len(unmapped) == 0 {
			exp.Status = domain.ExperimentStatusReconciled
			c.mu.Unlock()
			c.finishOp(sim, "experiment", fmt.Sprintf("experiment %s reconciled", exp.ExperimentID))
			return
		}
		c.mu.Unlock()

		if time.Now().After(deadline) {
			c.mu.Lock()
			exp.Status = domain.ExperimentStatusPending
			for range unmapped {
				c.metrics.RecordReconciliation("timeout")
			}
			sim.endOp()
			c.mu.Unlock()
			c.metrics.RecordOp("experiment", "degraded")
			if c.feed != nil {
				c.feed.Publish(notify.LevelWarning, sim.ID,
					fmt.Sprintf("experiment %s: %d variants still pending after polling budget", exp.ExperimentID, len(unmapped)))
			}
			return
		}
	}
}

// pollOnce runs one reconciliation round and returns newly mapped node ids.
func (c *Controller) pollOnce(ctx context.Context, sim *simulation, exp *domain.Experiment) []string {
	var mapped []string

	variants, err := sim.engine.GetExperiment(ctx, sim.ID, exp.ExperimentID)
	if err != nil {
		log.Printf("WARN: experiment poll failed: %v", err)
	} else {
		c.mu.Lock()
		for i, v := range variants {
			if v.NodeID != "" && i < len(exp.Variants) && exp.Variants[i].NodeID == "" {
				if c.reconcileVariantLocked(sim, exp, i, v.NodeID, "direct") {
					mapped = append(mapped, v.NodeID)
				}
			}
		}
		c.mu.Unlock()
	}

	if err := c.refreshTree(ctx, sim); err != nil {
		log.Printf("WARN: graph refresh during poll failed: %v", err)
		return mapped
	}

	c.mu.Lock()
	mapped = append(mapped, c.reconcileByGraphLocked(sim, exp)...)
	c.mu.Unlock()
	return mapped
}

// reconcileByGraphLocked matches unmapped variants against children of the
// base node that appeared after the experiment was created. Name matches are
// taken first; leftovers are paired positionally, which can misattribute
// when the engine interleaves unrelated children under the same base.
func (c *Controller) reconcileByGraphLocked(sim *simulation, exp *domain.Experiment) []string {
	baseline := sim.expBaseline[exp.ExperimentID]
	known := make(map[string]bool)
	for _, v := range exp.Variants {
		if v.NodeID != "" {
			known[v.NodeID] = true
		}
	}

	var candidates []*domain.SimNode
	for _, child := range sim.tree.Children(exp.BaseNodeID) {
		if child.IsPlaceholder() || baseline[child.ID] || known[child.ID] {
			continue
		}
		candidates = append(candidates, child)
	}

	var mapped []string
	used := make(map[string]bool)
	for _, i := range exp.Unmapped() {
		for _, cand := range candidates {
			if !used[cand.ID] && cand.Label == exp.Variants[i].Name {
				if c.reconcileVariantLocked(sim, exp, i, cand.ID, "parent_name") {
					mapped = append(mapped, cand.ID)
				}
				used[cand.ID] = true
				break
			}
		}
	}
	for _, i := range exp.Unmapped() {
		for _, cand := range candidates {
			if used[cand.ID] {
				continue
			}
			if c.reconcileVariantLocked(sim, exp, i, cand.ID, "positional") {
				mapped = append(mapped, cand.ID)
			}
			used[cand.ID] = true
			break
		}
	}
	return mapped
}

// reconcileVariantLocked replaces variant i's placeholder with the engine
// node realID. Returns true when the mapping was applied.
func (c *Controller) reconcileVariantLocked(sim *simulation, exp *domain.Experiment, i int, realID, tier string) bool {
	placeholderID := exp.PlaceholderIDs[i]

	if sim.tree.Get(realID) != nil {
		// The canonical graph already delivered the real node; the
		// placeholder is redundant.
		if sim.tree.Get(placeholderID) != nil {
			if _, err := sim.tree.RemoveSubtree(placeholderID); err != nil {
				log.Printf("WARN: failed to drop placeholder %s: %v", placeholderID, err)
			}
		}
	} else if sim.tree.Get(placeholderID) != nil {
		if err := sim.tree.Rename(placeholderID, realID); err != nil {
			log.Printf("WARN: failed to rename placeholder %s: %v", placeholderID, err)
			return false
		}
	} else {
		return false
	}

	delete(sim.placeholders, placeholderID)
	if sim.selectedNode == placeholderID {
		sim.selectedNode = realID
	}
	if entries, ok := sim.logs[placeholderID]; ok {
		sim.logs[realID] = append(sim.logs[realID], entries...)
		delete(sim.logs, placeholderID)
	}
	if node := sim.tree.Get(realID); node != nil {
		node.Status = domain.NodeStatusCompleted
		if node.Label == "" {
			node.Label = exp.Variants[i].Name
		}
	}
	exp.Variants[i].NodeID = realID
	exp.Variants[i].Status = "reconciled"
	c.metrics.RecordReconciliation(tier)
	return true
}

// GetExperiment returns one experiment record.
func (c *Controller) GetExperiment(simID, experimentID string) (*domain.Experiment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return nil, err
	}
	exp, ok := sim.experiments[experimentID]
	if !ok {
		return nil, ErrExperimentNotFound
	}
	copied := *exp
	copied.Variants = append([]domain.Variant(nil), exp.Variants...)
	return &copied, nil
}

// ListExperiments returns every experiment of a simulation.
func (c *Controller) ListExperiments(simID string) ([]domain.Experiment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Experiment, 0, len(sim.experiments))
	for _, exp := range sim.experiments {
		copied := *exp
		copied.Variants = append([]domain.Variant(nil), exp.Variants...)
		out = append(out, copied)
	}
	return out, nil
}

// CancelExperimentPoll stops a running reconciliation poll loop.
func (c *Controller) CancelExperimentPoll(simID, experimentID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return err
	}
	cancel, ok := sim.polls[experimentID]
	if !ok {
		return ErrExperimentNotFound
	}
	cancel()
	delete(sim.polls, experimentID)
	return nil
}
