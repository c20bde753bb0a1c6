package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/mirrorstage/simdeck/internal/archive"
	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/notify"
)

// NodeLog returns the normalized log of one node in merge order.
func (c *Controller) NodeLog(simID, nodeID string) ([]domain.LogEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return nil, err
	}
	if sim.tree.Get(nodeID) == nil {
		return nil, ErrNodeNotFound
	}
	return append([]domain.LogEntry(nil), sim.logs[nodeID]...), nil
}

// ExportNodeLog archives one node's log and returns the snapshot id.
func (c *Controller) ExportNodeLog(ctx context.Context, simID, nodeID string) (string, error) {
	if c.archive == nil {
		return "", fmt.Errorf("archive is not configured")
	}

	c.mu.Lock()
	sim, err := c.sim(simID)
	if err != nil {
		c.mu.Unlock()
		return "", err
	}
	if sim.tree.Get(nodeID) == nil {
		c.mu.Unlock()
		return "", ErrNodeNotFound
	}
	entries := append([]domain.LogEntry(nil), sim.logs[nodeID]...)
	simRealID := sim.ID
	c.mu.Unlock()

	snapshotID := "snap_" + uuid.New().String()[:8]
	if err := c.archive.SaveNodeLog(ctx, snapshotID, simRealID, nodeID, entries); err != nil {
		return "", fmt.Errorf("failed to archive node log: %w", err)
	}
	if c.feed != nil {
		c.feed.Publish(notify.LevelInfo, simRealID,
			fmt.Sprintf("exported %d entries from %s as %s", len(entries), nodeID, snapshotID))
	}
	return snapshotID, nil
}

// ImportNodeLog replaces one node's log with an archived snapshot,
// re-targeting the entries to the destination node.
func (c *Controller) ImportNodeLog(ctx context.Context, simID, nodeID, snapshotID string) (int, error) {
	if c.archive == nil {
		return 0, fmt.Errorf("archive is not configured")
	}

	entries, err := c.archive.LoadSnapshot(ctx, snapshotID)
	if err != nil {
		return 0, fmt.Errorf("failed to load snapshot: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	sim, err := c.sim(simID)
	if err != nil {
		return 0, err
	}
	if sim.tree.Get(nodeID) == nil {
		return 0, ErrNodeNotFound
	}
	for i := range entries {
		entries[i].NodeID = nodeID
	}
	sim.logs[nodeID] = entries
	return len(entries), nil
}

// ListSnapshots returns archived snapshots for a simulation.
func (c *Controller) ListSnapshots(ctx context.Context, simID string) ([]archive.Snapshot, error) {
	if c.archive == nil {
		return nil, fmt.Errorf("archive is not configured")
	}

	c.mu.Lock()
	sim, err := c.sim(simID)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	simRealID := sim.ID
	c.mu.Unlock()

	return c.archive.ListSnapshots(ctx, simRealID)
}
