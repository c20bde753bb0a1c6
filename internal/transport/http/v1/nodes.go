package v1

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mirrorstage/simdeck/internal/domain"
	"github.com/mirrorstage/simdeck/internal/service"
)

// ListNodes returns the simulation tree as a flat node list.
// GET /v1/simulations/:sim_id/nodes
func (h *Handler) ListNodes(c echo.Context) error {
	nodes, err := h.controller.Nodes(c.Param("sim_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"nodes": nodes})
}

// IsGenerating reports whether an operation is in flight.
// GET /v1/simulations/:sim_id/generating
func (h *Handler) IsGenerating(c echo.Context) error {
	generating, err := h.controller.IsGenerating(c.Param("sim_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"isGenerating": generating})
}

// GetNodeLog returns one node's normalized log.
// GET /v1/simulations/:sim_id/nodes/:node_id/log
func (h *Handler) GetNodeLog(c echo.Context) error {
	entries, err := h.controller.NodeLog(c.Param("sim_id"), c.Param("node_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"entries": entries})
}

// GetNodeState returns the engine's agent state snapshot for one node.
// GET /v1/simulations/:sim_id/nodes/:node_id/state
func (h *Handler) GetNodeState(c echo.Context) error {
	ctx := c.Request().Context()
	state, err := h.controller.NodeState(ctx, c.Param("sim_id"), c.Param("node_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, state)
}

// AdvanceRequest selects how far the world moves on one advance.
type AdvanceRequest struct {
	Count int    `json:"count"`
	Unit  string `json:"unit"`
}

var stepUnits = map[string]time.Duration{
	"":       time.Minute,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
}

// AdvanceNode starts an advance operation. Returns 202; completion is
// observable through the generating flag and the node list.
// POST /v1/simulations/:sim_id/nodes/:node_id/advance
func (h *Handler) AdvanceNode(c echo.Context) error {
	ctx := c.Request().Context()

	var req AdvanceRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	unit, ok := stepUnits[req.Unit]
	if !ok {
		return badRequest(c, "unit must be minute, hour, or day")
	}

	step := domain.WorldStep{Count: req.Count, Unit: unit}
	if err := h.controller.Advance(ctx, c.Param("sim_id"), c.Param("node_id"), step); err != nil {
		// Advance during an in-flight operation is a no-op, not a failure.
		if errors.Is(err, service.ErrBusy) {
			return c.JSON(http.StatusAccepted, map[string]bool{"accepted": false})
		}
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": true})
}

// BranchRequest names the forked timeline.
type BranchRequest struct {
	Label string `json:"label"`
}

// BranchNode starts a branch operation.
// POST /v1/simulations/:sim_id/nodes/:node_id/branch
func (h *Handler) BranchNode(c echo.Context) error {
	ctx := c.Request().Context()

	var req BranchRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.controller.Branch(ctx, c.Param("sim_id"), c.Param("node_id"), req.Label); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": true})
}

// SelectNode moves the simulation's node selection.
// POST /v1/simulations/:sim_id/nodes/:node_id/select
func (h *Handler) SelectNode(c echo.Context) error {
	if err := h.controller.SelectNode(c.Param("sim_id"), c.Param("node_id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// DeleteNode starts a subtree delete.
// DELETE /v1/simulations/:sim_id/nodes/:node_id
func (h *Handler) DeleteNode(c echo.Context) error {
	ctx := c.Request().Context()

	if err := h.controller.DeleteNode(ctx, c.Param("sim_id"), c.Param("node_id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": true})
}

// ExportNodeLog archives one node's log.
// POST /v1/simulations/:sim_id/nodes/:node_id/export
func (h *Handler) ExportNodeLog(c echo.Context) error {
	ctx := c.Request().Context()

	snapshotID, err := h.controller.ExportNodeLog(ctx, c.Param("sim_id"), c.Param("node_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"snapshotId": snapshotID})
}

// ImportNodeLogRequest names the snapshot to restore.
type ImportNodeLogRequest struct {
	SnapshotID string `json:"snapshotId"`
}

// ImportNodeLog restores an archived log onto a node.
// POST /v1/simulations/:sim_id/nodes/:node_id/import
func (h *Handler) ImportNodeLog(c echo.Context) error {
	ctx := c.Request().Context()

	var req ImportNodeLogRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.SnapshotID == "" {
		return badRequest(c, "snapshotId is required")
	}

	count, err := h.controller.ImportNodeLog(ctx, c.Param("sim_id"), c.Param("node_id"), req.SnapshotID)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]int{"imported": count})
}

// ListSnapshots returns the archived snapshots for a simulation.
// GET /v1/simulations/:sim_id/snapshots
func (h *Handler) ListSnapshots(c echo.Context) error {
	ctx := c.Request().Context()

	snaps, err := h.controller.ListSnapshots(ctx, c.Param("sim_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"snapshots": snaps})
}
