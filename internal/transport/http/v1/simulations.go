package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mirrorstage/simdeck/internal/domain"
)

// CreateSimulationRequest is the request to register a simulation.
type CreateSimulationRequest struct {
	Name string `json:"name"`
	Mode string `json:"mode"`
}

// CreateSimulation registers a new simulation.
// POST /v1/simulations
func (h *Handler) CreateSimulation(c echo.Context) error {
	ctx := c.Request().Context()

	var req CreateSimulationRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.Name == "" {
		return badRequest(c, "name is required")
	}
	mode := domain.EngineMode(req.Mode)
	if mode == "" {
		mode = domain.ModeRemote
	}
	if mode != domain.ModeLocal && mode != domain.ModeRemote {
		return badRequest(c, "mode must be local or remote")
	}

	info, err := h.controller.CreateSimulation(ctx, req.Name, mode)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusCreated, info)
}

// ListSimulations lists every registered simulation.
// GET /v1/simulations
func (h *Handler) ListSimulations(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"simulations": h.controller.ListSimulations(),
	})
}

// GetSimulation returns one simulation.
// GET /v1/simulations/:sim_id
func (h *Handler) GetSimulation(c echo.Context) error {
	info, err := h.controller.GetSimulation(c.Param("sim_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// SelectSimulation switches the current selection.
// POST /v1/simulations/:sim_id/select
func (h *Handler) SelectSimulation(c echo.Context) error {
	if err := h.controller.SelectSimulation(c.Param("sim_id")); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// ImportAgentsRequest is a parsed roster batch.
type ImportAgentsRequest struct {
	Agents []domain.AgentRecord `json:"agents"`
}

// ImportAgents registers roster records for a simulation.
// POST /v1/simulations/:sim_id/agents/import
func (h *Handler) ImportAgents(c echo.Context) error {
	ctx := c.Request().Context()

	var req ImportAgentsRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if len(req.Agents) == 0 {
		return badRequest(c, "agents is required")
	}

	added, err := h.controller.ImportAgents(ctx, c.Param("sim_id"), req.Agents)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"imported": len(added),
		"agents":   added,
	})
}

// ListAgents returns a simulation's roster.
// GET /v1/simulations/:sim_id/agents
func (h *Handler) ListAgents(c echo.Context) error {
	agents, err := h.controller.Agents(c.Param("sim_id"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"agents": agents})
}
