package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mirrorstage/simdeck/internal/domain"
)

// CreateExperimentRequest is a variant batch to attach under a base node.
type CreateExperimentRequest struct {
	Name       string           `json:"name"`
	BaseNodeID string           `json:"baseNodeId"`
	Variants   []domain.Variant `json:"variants"`
}

// CreateExperiment registers an experiment and its placeholder nodes.
// POST /v1/simulations/:sim_id/experiments
func (h *Handler) CreateExperiment(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateExperimentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	if req.BaseNodeID == "" {
		return badRequest(c, "baseNodeId is required")
	}
	if len(req.Variants) == 0 {
		return badRequest(c, "variants is required")
	}

	exp, err := h.controller.CreateExperiment(ctx, c.Param("sim_id"), req.Name, req.BaseNodeID, req.Variants)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, exp)
}

// RunExperimentRequest sets how many turns each variant simulates.
type RunExperimentRequest struct {
	Turns int `json:"turns"`
}

// RunExperiment starts a submitted experiment.
// POST /v1/simulations/:sim_id/experiments/:experiment_id/run
func (h *Handler) RunExperiment(c echo.Context) error {
	ctx := c.Request().Context()

	var req RunExperimentRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}

	if err := h.controller.RunExperiment(ctx, c.Param("sim_id"), c.Param("experiment_id"), req.Turns); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]bool{"accepted": true})
}

// GetExperiment returns one experiment with its reconciliation state.
// GET /v1/simulations/:sim_id/experiments/:experiment_id
func (h *Handler) GetExperiment(c echo.Context) error {
	exp, err := h.controller.GetExperiment(c.Param("sim_id"), c.Param("experiment_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, exp)
}

// ListExperiments returns every experiment of a simulation.
// GET /v1/simulations/:sim_id/experiments
func (h *Handler) ListExperiments(c echo.Context) error {
	exps, err := h.controller.ListExperiments(c.Param("sim_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"experiments": exps})
}

// CancelExperiment stops a running reconciliation poll.
// POST /v1/simulations/:sim_id/experiments/:experiment_id/cancel
func (h *Handler) CancelExperiment(c echo.Context) error {
	if err := h.controller.CancelExperimentPoll(c.Param("sim_id"), c.Param("experiment_id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
