// Package domain defines the core domain models for the simulation controller.
package domain

import (
	"strings"
	"time"
)

// NodeStatus represents the lifecycle status of a simulation node.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusRunning   NodeStatus = "RUNNING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
)

// EngineMode selects which backend strategy a simulation runs against.
type EngineMode string

const (
	ModeLocal  EngineMode = "local"
	ModeRemote EngineMode = "remote"
)

// LocalIDPrefix marks client-generated node ids that have no backend
// counterpart. Remote operations refuse such ids before issuing a call.
const LocalIDPrefix = "local-"

// SimNode is a single simulation state in the tree.
//
// A node is never mutated after creation except for IsLeaf (flipped when a
// child is attached), Status, and ID (rewritten once during placeholder
// reconciliation).
type SimNode struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"` // empty for the root
	Depth     int               `json:"depth"`
	IsLeaf    bool              `json:"is_leaf"`
	Status    NodeStatus        `json:"status"`
	Label     string            `json:"label,omitempty"`
	WorldTime time.Time         `json:"world_time"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// IsRoot reports whether the node is the tree root.
func (n *SimNode) IsRoot() bool {
	return n.ParentID == ""
}

// IsPlaceholder reports whether the node still carries a client-generated id.
func (n *SimNode) IsPlaceholder() bool {
	return strings.HasPrefix(n.ID, LocalIDPrefix)
}

// WorldStep is the configurable step/unit pair by which worldTime advances
// on each advance operation.
type WorldStep struct {
	Count int           `json:"count"`
	Unit  time.Duration `json:"unit"`
}

// Advance returns t moved forward by the step.
func (s WorldStep) Advance(t time.Time) time.Time {
	count := s.Count
	if count <= 0 {
		count = 1
	}
	unit := s.Unit
	if unit <= 0 {
		unit = time.Minute
	}
	return t.Add(time.Duration(count) * unit)
}
