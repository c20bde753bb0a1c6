// Package v1 provides the HTTP API consumed by the control panel frontend.
package v1

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/mirrorstage/simdeck/internal/notify"
	"github.com/mirrorstage/simdeck/internal/service"
)

// Handler handles HTTP requests.
type Handler struct {
	controller *service.Controller
	feed       *notify.Feed
}

// NewHandler creates a new handler.
func NewHandler(controller *service.Controller, feed *notify.Feed) *Handler {
	return &Handler{
		controller: controller,
		feed:       feed,
	}
}

// RegisterRoutes registers the API routes with the echo server.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	// Simulation registry
	e.POST("/v1/simulations", h.CreateSimulation)
	e.GET("/v1/simulations", h.ListSimulations)
	e.GET("/v1/simulations/:sim_id", h.GetSimulation)
	e.POST("/v1/simulations/:sim_id/select", h.SelectSimulation)

	// Roster
	e.POST("/v1/simulations/:sim_id/agents/import", h.ImportAgents)
	e.GET("/v1/simulations/:sim_id/agents", h.ListAgents)

	// Tree and logs
	e.GET("/v1/simulations/:sim_id/nodes", h.ListNodes)
	e.GET("/v1/simulations/:sim_id/generating", h.IsGenerating)
	e.GET("/v1/simulations/:sim_id/nodes/:node_id/log", h.GetNodeLog)
	e.GET("/v1/simulations/:sim_id/nodes/:node_id/state", h.GetNodeState)
	e.POST("/v1/simulations/:sim_id/nodes/:node_id/advance", h.AdvanceNode)
	e.POST("/v1/simulations/:sim_id/nodes/:node_id/branch", h.BranchNode)
	e.POST("/v1/simulations/:sim_id/nodes/:node_id/select", h.SelectNode)
	e.DELETE("/v1/simulations/:sim_id/nodes/:node_id", h.DeleteNode)

	// Archive
	e.POST("/v1/simulations/:sim_id/nodes/:node_id/export", h.ExportNodeLog)
	e.POST("/v1/simulations/:sim_id/nodes/:node_id/import", h.ImportNodeLog)
	e.GET("/v1/simulations/:sim_id/snapshots", h.ListSnapshots)

	// Experiments
	e.POST("/v1/simulations/:sim_id/experiments", h.CreateExperiment)
	e.GET("/v1/simulations/:sim_id/experiments", h.ListExperiments)
	e.GET("/v1/simulations/:sim_id/experiments/:experiment_id", h.GetExperiment)
	e.POST("/v1/simulations/:sim_id/experiments/:experiment_id/run", h.RunExperiment)
	e.POST("/v1/simulations/:sim_id/experiments/:experiment_id/cancel", h.CancelExperiment)

	// Notifications
	e.GET("/v1/notifications", h.ListNotifications)
	e.POST("/v1/notifications/:notification_id/read", h.MarkNotificationRead)

	e.GET("/health", h.Health)
}

// Health returns health status.
func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": "0.1.0",
	})
}

// fail maps controller errors onto HTTP status codes.
func fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, service.ErrRootImmutable), errors.Is(err, service.ErrNotBackedNode):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrNoSimulation),
		errors.Is(err, service.ErrNodeNotFound),
		errors.Is(err, service.ErrExperimentNotFound):
		status = http.StatusNotFound
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func badRequest(c echo.Context, message string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": message})
}
